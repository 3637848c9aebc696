package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/famedly/sync/internal/sources"
	"github.com/famedly/sync/internal/syncuser"
	"github.com/famedly/sync/internal/zitadel"
)

// fakeFlags is a hand-written stand-in for internal/flags.Flags.
type fakeFlags struct {
	verifyEmail, verifyPhone, ssoLogin, dryRun, deactivateOnly bool
}

func (f fakeFlags) VerifyEmail() bool    { return f.verifyEmail }
func (f fakeFlags) VerifyPhone() bool    { return f.verifyPhone }
func (f fakeFlags) SSOLogin() bool       { return f.ssoLogin }
func (f fakeFlags) DryRun() bool         { return f.dryRun }
func (f fakeFlags) DeactivateOnly() bool { return f.deactivateOnly }

// fakeSource is a hand-written stand-in for a sources.Source.
type fakeSource struct {
	users            []sources.Result
	deletesByAbsence bool
	err              error
}

func (s *fakeSource) Users(ctx context.Context) <-chan sources.Result {
	out := make(chan sources.Result, len(s.users))
	for _, r := range s.users {
		out <- r
	}
	close(out)
	return out
}
func (s *fakeSource) Err() error             { return s.err }
func (s *fakeSource) DeletesByAbsence() bool { return s.deletesByAbsence }

// fakeDeletionLister is a hand-written stand-in for a UKT source.
type fakeDeletionLister struct {
	emails map[string]bool
}

func (l *fakeDeletionLister) DeletionEmails(ctx context.Context) (map[string]bool, error) {
	return l.emails, nil
}

// fakeClient is a hand-written stand-in for the IAM client, recording
// every call it receives.
type fakeClient struct {
	iamUsers []zitadel.IAMUser

	idpLinks map[string]bool // iamID -> has link
	grants   map[string]bool // iamID -> has project grant; default true if absent

	created     []syncuser.Payload
	updated     map[string]zitadel.UpdateProfileRequest
	emailUpdate map[string]zitadel.UpdateEmailRequest
	phoneUpdate map[string]zitadel.UpdatePhoneRequest
	granted     []string
	linked      []string
	deactivated []string
	reactivated []string
	deleted     []string

	nextID int
}

func newFakeClient(users ...zitadel.IAMUser) *fakeClient {
	return &fakeClient{
		iamUsers:    users,
		idpLinks:    map[string]bool{},
		grants:      map[string]bool{},
		updated:     map[string]zitadel.UpdateProfileRequest{},
		emailUpdate: map[string]zitadel.UpdateEmailRequest{},
		phoneUpdate: map[string]zitadel.UpdatePhoneRequest{},
	}
}

func (c *fakeClient) ListUsers(ctx context.Context) (<-chan zitadel.IAMUser, <-chan error) {
	users := make(chan zitadel.IAMUser, len(c.iamUsers))
	errc := make(chan error, 1)
	for _, u := range c.iamUsers {
		users <- u
	}
	close(users)
	close(errc)
	return users, errc
}

func (c *fakeClient) CreateHuman(ctx context.Context, payload syncuser.Payload) (string, bool, error) {
	c.created = append(c.created, payload)
	c.nextID++
	id := payload.ResourceID
	return id, false, nil
}

func (c *fakeClient) UpdateHuman(ctx context.Context, iamID string, profile *zitadel.UpdateProfileRequest, email *zitadel.UpdateEmailRequest, phone *zitadel.UpdatePhoneRequest) error {
	if profile != nil {
		c.updated[iamID] = *profile
	}
	if email != nil {
		c.emailUpdate[iamID] = *email
	}
	if phone != nil {
		c.phoneUpdate[iamID] = *phone
	}
	return nil
}

func (c *fakeClient) GrantProjectRole(ctx context.Context, iamID, projectID, roleKey string) error {
	c.granted = append(c.granted, iamID)
	return nil
}

func (c *fakeClient) AddIDPLink(ctx context.Context, iamID, idpID, externalUserID, displayName string) error {
	c.linked = append(c.linked, iamID)
	c.idpLinks[iamID] = true
	return nil
}

func (c *fakeClient) HasIDPLink(ctx context.Context, iamID, idpID string) (bool, error) {
	return c.idpLinks[iamID], nil
}

func (c *fakeClient) HasProjectGrant(ctx context.Context, iamID, projectID string) (bool, error) {
	if v, ok := c.grants[iamID]; ok {
		return v, nil
	}
	return true, nil
}

func (c *fakeClient) Deactivate(ctx context.Context, iamID string) error {
	c.deactivated = append(c.deactivated, iamID)
	return nil
}

func (c *fakeClient) Reactivate(ctx context.Context, iamID string) error {
	c.reactivated = append(c.reactivated, iamID)
	return nil
}

func (c *fakeClient) Delete(ctx context.Context, iamID string) error {
	c.deleted = append(c.deleted, iamID)
	return nil
}

func aliceSourceUser() syncuser.User {
	return syncuser.User{
		ExternalID:  []byte("alice"),
		FirstName:   "Alice",
		LastName:    "Doe",
		DisplayName: "Alice Doe",
		Email:       "alice@x.test",
		Phone:       "+10000000001",
		Localpart:   "616c696365",
		Enabled:     true,
	}
}

// TestCreateNewUser covers S1: an empty IAM instance gains a new user
// with nickname, grant, and metadata (the metadata call lives inside
// the real client's CreateHuman, not visible to this fake).
func TestCreateNewUser(t *testing.T) {
	src := &fakeSource{users: []sources.Result{{User: aliceSourceUser()}}}
	client := newFakeClient()
	e := New(client, "project-1", "idp-1", fakeFlags{})

	summary, err := e.Run(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Created)
	require.Len(t, client.created, 1)
	assert.Equal(t, "alice@x.test", client.created[0].UserName)
	assert.Equal(t, "616c696365", client.created[0].NickName)
	assert.Len(t, client.granted, 1)
	assert.Empty(t, client.linked, "sso_login off, no idp link expected")
}

// TestEmailChangeUpdatesExisting covers S2.
func TestEmailChangeUpdatesExisting(t *testing.T) {
	s := aliceSourceUser()
	s.Email = "alice2@x.test"
	src := &fakeSource{users: []sources.Result{{User: s}}}

	existing := zitadel.IAMUser{
		ID: "iam-1", Nickname: "616c696365", UserName: "alice@x.test",
		FirstName: "Alice", LastName: "Doe", DisplayName: "Alice Doe",
		Email: "alice@x.test", Phone: "+10000000001", Enabled: true,
	}
	client := newFakeClient(existing)
	e := New(client, "project-1", "idp-1", fakeFlags{})

	summary, err := e.Run(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Updated)
	assert.Equal(t, "alice2@x.test", client.emailUpdate["iam-1"].Email)
	assert.Empty(t, client.created)
}

// TestDisabledSourceUserIsDeleted covers S3: a source user transitioning
// to disabled causes deletion, not deactivation.
func TestDisabledSourceUserIsDeleted(t *testing.T) {
	s := aliceSourceUser()
	s.Enabled = false
	src := &fakeSource{users: []sources.Result{{User: s}}}

	existing := zitadel.IAMUser{ID: "iam-1", Nickname: "616c696365", Enabled: true}
	client := newFakeClient(existing)
	e := New(client, "project-1", "idp-1", fakeFlags{})

	summary, err := e.Run(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Deleted)
	assert.Contains(t, client.deleted, "iam-1")
}

// TestUKTDeletion covers S5.
func TestUKTDeletion(t *testing.T) {
	existing := zitadel.IAMUser{ID: "iam-bob", Nickname: "abc123", Email: "bob@x.test", Enabled: true}
	other := zitadel.IAMUser{ID: "iam-carol", Nickname: "def456", Email: "carol@x.test", Enabled: true}
	client := newFakeClient(existing, other)
	e := New(client, "project-1", "idp-1", fakeFlags{})

	lister := &fakeDeletionLister{emails: map[string]bool{"bob@x.test": true}}
	summary, err := e.RunDeletions(context.Background(), lister)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Deleted)
	assert.Contains(t, client.deleted, "iam-bob")
	assert.NotContains(t, client.deleted, "iam-carol")
}

// TestSSOLinkRepairsMissingLink covers S6.
func TestSSOLinkRepairsMissingLink(t *testing.T) {
	s := aliceSourceUser()
	src := &fakeSource{users: []sources.Result{{User: s}}}

	existing := zitadel.IAMUser{
		ID: "iam-1", Nickname: "616c696365", UserName: "alice@x.test",
		FirstName: "Alice", LastName: "Doe", DisplayName: "Alice Doe",
		Email: "alice@x.test", Phone: "+10000000001", Enabled: true,
	}
	client := newFakeClient(existing)
	e := New(client, "project-1", "idp-1", fakeFlags{ssoLogin: true})

	summary, err := e.Run(context.Background(), src)
	require.NoError(t, err)
	assert.Contains(t, client.linked, "iam-1")
	assert.Equal(t, 0, summary.Updated, "no field diff, only the idp link was missing")
}

// TestUnmanagedUserNeverMutated covers invariant 2.
func TestUnmanagedUserNeverMutated(t *testing.T) {
	unmanaged := zitadel.IAMUser{ID: "iam-unmanaged", Nickname: "", Enabled: true}
	client := newFakeClient(unmanaged)
	e := New(client, "project-1", "idp-1", fakeFlags{})

	src := &fakeSource{deletesByAbsence: true}
	summary, err := e.Run(context.Background(), src)
	require.NoError(t, err)
	assert.Empty(t, client.deleted)
	assert.Empty(t, client.updated)
	assert.Equal(t, 1, summary.Skipped)
}

// TestScopeContainmentSkipsUnGrantedUser covers invariant 3.
func TestScopeContainmentSkipsUnGrantedUser(t *testing.T) {
	s := aliceSourceUser()
	s.Enabled = false // would otherwise be deleted
	src := &fakeSource{users: []sources.Result{{User: s}}}

	existing := zitadel.IAMUser{ID: "iam-1", Nickname: "616c696365", Enabled: true}
	client := newFakeClient(existing)
	client.grants["iam-1"] = false

	e := New(client, "project-1", "idp-1", fakeFlags{})
	summary, err := e.Run(context.Background(), src)
	require.NoError(t, err)
	assert.Empty(t, client.deleted)
	assert.Equal(t, 1, summary.Skipped)
}

// TestDryRunNeverMutates covers invariant 5.
func TestDryRunNeverMutates(t *testing.T) {
	src := &fakeSource{users: []sources.Result{{User: aliceSourceUser()}}}
	client := newFakeClient()
	e := New(client, "project-1", "idp-1", fakeFlags{dryRun: true})

	summary, err := e.Run(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Created)
	assert.Empty(t, client.created, "the real client must never be called in dry-run")
	assert.Empty(t, client.granted)
}

// TestDeactivateOnlyNeverCreatesOrDeletes covers invariant 6.
func TestDeactivateOnlyNeverCreatesOrDeletes(t *testing.T) {
	disabled := aliceSourceUser()
	disabled.Enabled = false
	src := &fakeSource{users: []sources.Result{{User: disabled}}}

	existing := zitadel.IAMUser{ID: "iam-1", Nickname: "616c696365", Enabled: true}
	client := newFakeClient(existing)
	e := New(client, "project-1", "idp-1", fakeFlags{deactivateOnly: true})

	summary, err := e.Run(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Deactivated)
	assert.Empty(t, client.deleted)
	assert.Contains(t, client.deactivated, "iam-1")
}

func TestDeactivateOnlySkipsEnabledSourceUser(t *testing.T) {
	s := aliceSourceUser()
	src := &fakeSource{users: []sources.Result{{User: s}}}

	existing := zitadel.IAMUser{ID: "iam-1", Nickname: "616c696365", Enabled: false}
	client := newFakeClient(existing)
	e := New(client, "project-1", "idp-1", fakeFlags{deactivateOnly: true})

	summary, err := e.Run(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Skipped)
	assert.Empty(t, client.reactivated)
	assert.Empty(t, client.updated)
}

func TestDuplicateEmailInSourceIsPerRecordError(t *testing.T) {
	first := aliceSourceUser()
	second := aliceSourceUser()
	second.ExternalID = []byte("alice2")
	second.Localpart = "616c69636532"

	src := &fakeSource{users: []sources.Result{{User: first}, {User: second}}}
	client := newFakeClient()
	e := New(client, "project-1", "idp-1", fakeFlags{})

	summary, err := e.Run(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Created)
}

func TestIdempotentRerunIsAllSkips(t *testing.T) {
	s := aliceSourceUser()
	src := &fakeSource{users: []sources.Result{{User: s}}}

	existing := zitadel.IAMUser{
		ID: "iam-1", Nickname: "616c696365", UserName: "alice@x.test",
		FirstName: "Alice", LastName: "Doe", DisplayName: "Alice Doe",
		Email: "alice@x.test", Phone: "+10000000001", Enabled: true,
	}
	client := newFakeClient(existing)
	e := New(client, "project-1", "idp-1", fakeFlags{})

	summary, err := e.Run(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Skipped)
	assert.Zero(t, summary.Updated)
	assert.Empty(t, client.updated)
}
