// Package engine implements the reconciliation algorithm: it diffs a
// Source against the IAM user population and applies the minimal set
// of create/update/deactivate/delete calls to converge them.
package engine

import (
	"context"

	orderedmap "github.com/wk8/go-ordered-map"

	syncuserlog "github.com/famedly/sync/internal/log"
	"github.com/famedly/sync/internal/sources"
	"github.com/famedly/sync/internal/syncuser"
	"github.com/famedly/sync/internal/zitadel"
)

// roleUser is the project role key every user created by the tool is
// granted.
const roleUser = "User"

// Flags is the subset of the feature-flag layer the engine consults.
// internal/flags.Flags satisfies this.
type Flags interface {
	syncuser.Flags
	SSOLogin() bool
	DryRun() bool
	DeactivateOnly() bool
}

// IAMClient is the subset of *zitadel.Client the engine drives.
// Defined here (rather than imported from zitadel) so tests can supply
// a hand-written fake.
type IAMClient interface {
	ListUsers(ctx context.Context) (<-chan zitadel.IAMUser, <-chan error)
	CreateHuman(ctx context.Context, payload syncuser.Payload) (id string, phoneDropped bool, err error)
	UpdateHuman(ctx context.Context, iamID string, profile *zitadel.UpdateProfileRequest, email *zitadel.UpdateEmailRequest, phone *zitadel.UpdatePhoneRequest) error
	GrantProjectRole(ctx context.Context, iamID, projectID, roleKey string) error
	AddIDPLink(ctx context.Context, iamID, idpID, externalUserID, displayName string) error
	HasIDPLink(ctx context.Context, iamID, idpID string) (bool, error)
	HasProjectGrant(ctx context.Context, iamID, projectID string) (bool, error)
	Deactivate(ctx context.Context, iamID string) error
	Reactivate(ctx context.Context, iamID string) error
	Delete(ctx context.Context, iamID string) error
}

// Summary tallies what a run did, for the orchestrator's final report.
type Summary struct {
	Created     int
	Updated     int
	Deactivated int
	Deleted     int
	Skipped     int
	Failed      int
}

// HasFailures reports whether the run should exit non-zero: any per-user or
// infrastructure failure occurred.
func (s Summary) HasFailures() bool { return s.Failed > 0 }

// Engine runs one reconciliation pass.
type Engine struct {
	client    IAMClient
	projectID string
	idpID     string
	flags     Flags
}

// New builds an Engine bound to projectID (granted on every created
// user) and idpID (used only when sso_login is active).
func New(client IAMClient, projectID, idpID string, flags Flags) *Engine {
	if flags.DryRun() {
		client = &dryRunClient{IAMClient: client}
	}
	return &Engine{client: client, projectID: projectID, idpID: idpID, flags: flags}
}

// Run reconciles the IAM population against src: LDAP and CSV sources
// supply the full user set via Users(); deletions beyond what src
// enumerates are driven by src.DeletesByAbsence().
func (e *Engine) Run(ctx context.Context, src sources.Source) (Summary, error) {
	log := syncuserlog.FromContext(ctx)

	sourceUsers, err := e.drainSource(ctx, src)
	if err != nil {
		return Summary{}, err
	}

	summary, err := e.reconcile(ctx, sourceUsers, src.DeletesByAbsence(), nil)
	if err != nil {
		return summary, err
	}
	if ferr := src.Err(); ferr != nil {
		return summary, ferr
	}

	log.Info().
		Int("created", summary.Created).
		Int("updated", summary.Updated).
		Int("deactivated", summary.Deactivated).
		Int("deleted", summary.Deleted).
		Int("skipped", summary.Skipped).
		Int("failed", summary.Failed).
		Msg("sync run complete")

	return summary, nil
}

// RunDeletions drives the UKT variant of the algorithm: no user
// enumeration or creation, only deletion of IAM users whose email
// appears in the deletion list.
func (e *Engine) RunDeletions(ctx context.Context, lister sources.DeletionLister) (Summary, error) {
	log := syncuserlog.FromContext(ctx)

	deletionEmails, err := lister.DeletionEmails(ctx)
	if err != nil {
		return Summary{}, err
	}

	summary, err := e.reconcile(ctx, orderedmap.New(), false, deletionEmails)
	if err != nil {
		return summary, err
	}

	log.Info().
		Int("deleted", summary.Deleted).
		Int("skipped", summary.Skipped).
		Int("failed", summary.Failed).
		Msg("ukt deletion run complete")

	return summary, nil
}

// drainSource builds the external_id_hex → User lookup (step 1 of the
// algorithm), dropping later occurrences of a duplicate external id or
// email with a logged per-user error. The result preserves source
// iteration order so the later create phase can honour it (spec.md §5
// "apply phase order": reconciles/deletes in IAM nickname order, then
// creates in source-iteration order).
func (e *Engine) drainSource(ctx context.Context, src sources.Source) (*orderedmap.OrderedMap, error) {
	log := syncuserlog.FromContext(ctx)

	byNick := orderedmap.New()
	seenEmail := make(map[string]bool)

	for result := range src.Users(ctx) {
		if result.Err != nil {
			log.Warn().Err(result.Err).Msg("skipping source record")
			continue
		}
		u := result.User
		nick := u.ExternalIDHex()
		if _, dup := byNick.Get(nick); dup {
			log.Warn().Str("external_id_hex", nick).Msg("duplicate external id in source, dropping later occurrence")
			continue
		}
		if seenEmail[u.Email] {
			log.Warn().Str("external_id_hex", nick).Str("email", u.Email).Msg("duplicate email in source, dropping later occurrence")
			continue
		}
		byNick.Set(nick, u)
		seenEmail[u.Email] = true
	}

	if err := src.Err(); err != nil {
		return nil, err
	}
	return byNick, nil
}

// reconcile implements steps 2-3 of the algorithm shared by Run and
// RunDeletions.
func (e *Engine) reconcile(ctx context.Context, sourceUsers *orderedmap.OrderedMap, deletesByAbsence bool, deletionEmails map[string]bool) (Summary, error) {
	var summary Summary

	users, errc := e.client.ListUsers(ctx)
	for iamUser := range users {
		e.reconcileOne(ctx, iamUser, sourceUsers, deletesByAbsence, deletionEmails, &summary)
	}
	if err := <-errc; err != nil {
		return summary, err
	}

	for pair := sourceUsers.Oldest(); pair != nil; pair = pair.Next() {
		e.createNew(ctx, pair.Value.(syncuser.User), &summary)
	}

	return summary, nil
}

func (e *Engine) reconcileOne(ctx context.Context, iamUser zitadel.IAMUser, sourceUsers *orderedmap.OrderedMap, deletesByAbsence bool, deletionEmails map[string]bool, summary *Summary) {
	log := syncuserlog.FromContext(ctx)

	if iamUser.Nickname == "" {
		summary.Skipped++
		return
	}

	if raw, ok := sourceUsers.Get(iamUser.Nickname); ok {
		sourceUsers.Delete(iamUser.Nickname)
		e.reconcileExisting(ctx, raw.(syncuser.User), iamUser, summary)
		return
	}

	shouldDelete := deletesByAbsence
	if deletionEmails != nil {
		shouldDelete = deletionEmails[iamUser.Email]
	}
	if !shouldDelete || e.flags.DeactivateOnly() {
		summary.Skipped++
		return
	}

	if !e.inScope(ctx, iamUser, summary) {
		return
	}
	if err := e.client.Delete(ctx, iamUser.ID); err != nil {
		log.Warn().Str("external_id_hex", iamUser.Nickname).Err(err).Msg("failed to delete iam user")
		summary.Failed++
		return
	}
	summary.Deleted++
}

// inScope verifies the matched IAM user actually holds the configured
// project's grant before any mutation is applied, so a user that
// merely shares a nickname-shaped value in another project is never
// touched.
func (e *Engine) inScope(ctx context.Context, iamUser zitadel.IAMUser, summary *Summary) bool {
	log := syncuserlog.FromContext(ctx)

	ok, err := e.client.HasProjectGrant(ctx, iamUser.ID, e.projectID)
	if err != nil {
		log.Warn().Str("external_id_hex", iamUser.Nickname).Err(err).Msg("failed to check project grant")
		summary.Failed++
		return false
	}
	if !ok {
		summary.Skipped++
		return false
	}
	return true
}

// reconcileExisting is reconcile_existing(s, u) from the spec.
func (e *Engine) reconcileExisting(ctx context.Context, s syncuser.User, u zitadel.IAMUser, summary *Summary) {
	log := syncuserlog.FromContext(ctx)
	nick := u.Nickname

	if !e.inScope(ctx, u, summary) {
		return
	}

	if e.flags.DeactivateOnly() {
		if !s.Enabled && u.Enabled {
			if err := e.client.Deactivate(ctx, u.ID); err != nil {
				log.Warn().Str("external_id_hex", nick).Err(err).Msg("failed to deactivate iam user")
				summary.Failed++
				return
			}
			summary.Deactivated++
			return
		}
		summary.Skipped++
		return
	}

	if !s.Enabled {
		if err := e.client.Delete(ctx, u.ID); err != nil {
			log.Warn().Str("external_id_hex", nick).Err(err).Msg("failed to delete disabled iam user")
			summary.Failed++
			return
		}
		summary.Deleted++
		return
	}

	failed := false
	mutated := false

	if !u.Enabled {
		if err := e.client.Reactivate(ctx, u.ID); err != nil {
			log.Warn().Str("external_id_hex", nick).Err(err).Msg("failed to reactivate iam user")
			failed = true
		} else {
			mutated = true
		}
	}

	if e.applyDiff(s, u) {
		if err := e.syncErrOnDiff(ctx, s, u); err != nil {
			log.Warn().Str("external_id_hex", nick).Err(err).Msg("failed to update iam user")
			failed = true
		} else {
			mutated = true
		}
	}

	if e.flags.SSOLogin() {
		if err := e.ensureIDPLink(ctx, s, u); err != nil {
			log.Warn().Str("external_id_hex", nick).Err(err).Msg("failed to ensure idp link")
			failed = true
		}
	}

	switch {
	case failed:
		summary.Failed++
	case mutated:
		summary.Updated++
	default:
		summary.Skipped++
	}
}

// applyDiff reports whether s differs from u in any field the engine
// tracks. It is pure (no IAM calls) so it can be used both to decide
// whether an update is needed and, after the update, whether to
// attribute the outcome to "updated" versus "skipped".
func (e *Engine) applyDiff(s syncuser.User, u zitadel.IAMUser) bool {
	return s.FirstName != u.FirstName ||
		s.LastName != u.LastName ||
		s.DisplayName != u.DisplayName ||
		s.Email != u.Email ||
		s.Phone != u.Phone
}

// syncErrOnDiff applies the profile/email/phone diffs independently,
// skipping any sub-call whose fields are already equal.
func (e *Engine) syncErrOnDiff(ctx context.Context, s syncuser.User, u zitadel.IAMUser) error {
	var profile *zitadel.UpdateProfileRequest
	if s.FirstName != u.FirstName || s.LastName != u.LastName || s.DisplayName != u.DisplayName {
		profile = &zitadel.UpdateProfileRequest{
			FirstName:   s.FirstName,
			LastName:    s.LastName,
			DisplayName: s.DisplayName,
			NickName:    s.ExternalIDHex(),
		}
	}

	var email *zitadel.UpdateEmailRequest
	if s.Email != u.Email {
		email = &zitadel.UpdateEmailRequest{Email: s.Email, IsVerified: e.flags.VerifyEmail()}
	}

	var phone *zitadel.UpdatePhoneRequest
	if s.Phone != u.Phone {
		phone = &zitadel.UpdatePhoneRequest{Phone: s.Phone, IsVerified: e.flags.VerifyPhone()}
	}

	if profile == nil && email == nil && phone == nil {
		return nil
	}
	return e.client.UpdateHuman(ctx, u.ID, profile, email, phone)
}

func (e *Engine) ensureIDPLink(ctx context.Context, s syncuser.User, u zitadel.IAMUser) error {
	has, err := e.client.HasIDPLink(ctx, u.ID, e.idpID)
	if err != nil {
		return err
	}
	if has {
		return nil
	}
	return e.client.AddIDPLink(ctx, u.ID, e.idpID, s.ExternalIDHex(), s.Email)
}

// createNew is create_new(s) from the spec.
func (e *Engine) createNew(ctx context.Context, s syncuser.User, summary *Summary) {
	log := syncuserlog.FromContext(ctx)
	nick := s.ExternalIDHex()

	if e.flags.DeactivateOnly() {
		summary.Skipped++
		return
	}

	payload := s.AsZitadelPayload(e.flags)
	id, phoneDropped, err := e.client.CreateHuman(ctx, payload)
	if err != nil {
		log.Warn().Str("external_id_hex", nick).Err(err).Msg("failed to create iam user")
		summary.Failed++
		return
	}
	if phoneDropped {
		log.Warn().Str("external_id_hex", nick).Msg("phone number rejected by iam, user created without it")
	}

	if err := e.client.GrantProjectRole(ctx, id, e.projectID, roleUser); err != nil {
		log.Warn().Str("external_id_hex", nick).Err(err).Msg("failed to grant project role")
		summary.Failed++
		return
	}

	if e.flags.SSOLogin() {
		if err := e.client.AddIDPLink(ctx, id, e.idpID, nick, s.Email); err != nil {
			log.Warn().Str("external_id_hex", nick).Err(err).Msg("failed to add idp link")
			summary.Failed++
			return
		}
	}

	summary.Created++
}
