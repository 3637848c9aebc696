// Package errtypes contains the failure-kind taxonomy used across the
// sync agent. It would have been nice to call this package errors, but
// errors clashes with github.com/pkg/errors, and error is a reserved
// word.
package errtypes

import "fmt"

// Kind classifies a failure the way the orchestrator needs to react to
// it: choose an exit code, decide whether to keep processing other
// users, or abort the run outright.
type Kind int

const (
	// Unknown is the zero value; callers should never construct errors
	// with this kind deliberately.
	Unknown Kind = iota
	// Config marks a bad configuration file, unknown feature flag, zero
	// or multiple configured sources, or an unreadable key file. Fatal
	// before any I/O.
	Config
	// SourceUnavailable marks an LDAP bind failure, missing CSV file, or
	// UKT auth failure. Fatal for the run.
	SourceUnavailable
	// IamUnavailable marks network errors or 5xx responses from the IAM
	// management API. Fatal for the run.
	IamUnavailable
	// IamAuth marks an unrecoverable 401/403 from the IAM API (i.e. one
	// that survives a token refresh). Fatal for the run.
	IamAuth
	// PerUser marks a failure scoped to a single record: invalid phone
	// after retry, an IAM 4xx, a missing mandatory LDAP attribute, a
	// duplicate email. Logged, the run continues.
	PerUser
)

func (k Kind) String() string {
	switch k {
	case Config:
		return "config"
	case SourceUnavailable:
		return "source_unavailable"
	case IamUnavailable:
		return "iam_unavailable"
	case IamAuth:
		return "iam_auth"
	case PerUser:
		return "per_user"
	default:
		return "unknown"
	}
}

// Error wraps an underlying cause with a Kind so callers can switch on
// the classification without string matching.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a classified error.
func New(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// KindOf returns the Kind of err, or Unknown if err was not produced by
// New (or a wrapper that preserves the *Error in its chain).
func KindOf(err error) Kind {
	var e *Error
	for err != nil {
		if ke, ok := err.(*Error); ok {
			e = ke
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	if e == nil {
		return Unknown
	}
	return e.Kind
}

// IsNotFound is implemented by errors representing a missing IAM
// resource (user not found by id or nickname).
type IsNotFound interface {
	IsNotFound()
}

// NotFound is returned by IAM client lookups that found nothing.
type NotFound string

func (e NotFound) Error() string { return "not found: " + string(e) }

// IsNotFound implements IsNotFound.
func (e NotFound) IsNotFound() {}
