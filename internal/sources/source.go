// Package sources defines the capability set the reconciliation engine
// needs from an authoritative upstream. The concrete readers live in
// the ldapsource and csvsource packages (which implement Source) and
// the uktsource package (which implements DeletionLister).
package sources

import (
	"context"

	"github.com/famedly/sync/internal/syncuser"
)

// Result is one item from a Source's user stream: either a
// successfully materialized User, or a per-record error (duplicate
// email, missing mandatory attribute, ...) that the engine logs and
// skips without aborting the run.
type Result struct {
	User syncuser.User
	Err  error
}

// Source is the capability set the engine needs from an upstream. It
// deliberately does not attempt to unify LDAP/CSV/UKT behind a richer
// interface than this; the three concrete implementations differ too
// much to share more than this.
type Source interface {
	// Users streams every user the source can produce. The channel is
	// closed when the source is exhausted, on ctx cancellation, or after
	// a fatal (non-per-record) failure — in the fatal case the caller
	// should also check Err() after the channel closes.
	Users(ctx context.Context) <-chan Result
	// Err returns the fatal error that ended the stream early, if any.
	// Must only be called after the Users() channel is closed.
	Err() error
	// DeletesByAbsence reports whether a user present in the IAM
	// instance but absent from this source's output should be deleted.
	DeletesByAbsence() bool
}

// DeletionLister is implemented by sources that identify users to
// delete by a property other than absence from Users() — currently
// only UKT, which names specific emails and never enumerates users at
// all.
type DeletionLister interface {
	// DeletionEmails returns the set of emails marked for deletion.
	DeletionEmails(ctx context.Context) (map[string]bool, error)
}
