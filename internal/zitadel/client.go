// Package zitadel implements the IAM client: the HTTP surface the
// reconciliation engine uses to list, create, update, and remove users
// in a Zitadel instance.
package zitadel

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"

	"github.com/famedly/sync/internal/errtypes"
	"github.com/famedly/sync/internal/syncuser"
)

const (
	listPageSize  = 100
	defaultHTTPTimeout = 30 * time.Second
)

// Config configures a Client.
type Config struct {
	URL            string
	KeyFile        string
	OrganizationID string
	ProjectID      string
	// HTTPTimeout overrides the 30s default per-request timeout.
	HTTPTimeout time.Duration
}

// Client talks to the Zitadel management (v1) and user (v2) HTTP APIs.
type Client struct {
	baseURL        string
	organizationID string
	projectID      string
	httpClient     *http.Client
	tokens         *tokenSource
}

// New builds a Client, loading and validating the service-user key
// file eagerly so a bad key surfaces before any sync work starts.
func New(cfg Config) (*Client, error) {
	key, err := loadServiceUserKey(cfg.KeyFile)
	if err != nil {
		return nil, err
	}

	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	httpClient := &http.Client{Timeout: timeout}

	return &Client{
		baseURL:        strings.TrimRight(cfg.URL, "/"),
		organizationID: cfg.OrganizationID,
		projectID:      cfg.ProjectID,
		httpClient:     httpClient,
		tokens:         newTokenSource(cfg.URL, httpClient, key),
	}, nil
}

// rawResponse is what request() hands back: the status and body of a
// response that was not 401, 403 or 5xx, for the caller to inspect.
type rawResponse struct {
	status int
	body   []byte
}

// request sends one HTTP call with a fresh bearer token, retrying
// exactly once (via a zero-backoff retry policy) if the first attempt
// observes 401, since that's the signal the cached token needs a
// refresh. Any other outcome is returned immediately.
func (c *Client) request(ctx context.Context, method, path string, body interface{}) (rawResponse, error) {
	var bodyBytes []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return rawResponse{}, errtypes.New(errtypes.IamUnavailable, errors.Wrap(err, "encoding request body"))
		}
		bodyBytes = b
	}

	var out rawResponse
	op := func() error {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return backoff.Permanent(err)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(bodyBytes))
		if err != nil {
			return backoff.Permanent(errtypes.New(errtypes.IamUnavailable, err))
		}
		req.Header.Set("Authorization", "Bearer "+token)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return backoff.Permanent(errtypes.New(errtypes.IamUnavailable, errors.Wrapf(err, "calling %s %s", method, path)))
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return backoff.Permanent(errtypes.New(errtypes.IamUnavailable, errors.Wrap(err, "reading response body")))
		}

		if resp.StatusCode == http.StatusUnauthorized {
			c.tokens.Invalidate()
			return errUnauthorizedRetry
		}

		out = rawResponse{status: resp.StatusCode, body: respBody}
		return nil
	}

	policy := backoff.WithMaxRetries(backoff.NewConstantBackOff(0), 1)
	if err := backoff.Retry(op, policy); err != nil {
		if err == errUnauthorizedRetry {
			return rawResponse{}, errtypes.New(errtypes.IamAuth, errors.Errorf("unauthorized calling %s %s after token refresh", method, path))
		}
		return rawResponse{}, err
	}

	if out.status == http.StatusForbidden {
		return rawResponse{}, errtypes.New(errtypes.IamAuth, errors.Errorf("forbidden calling %s %s", method, path))
	}
	if out.status/100 == 5 {
		return rawResponse{}, errtypes.New(errtypes.IamUnavailable, errors.Errorf("status %d calling %s %s", out.status, method, path))
	}

	return out, nil
}

var errUnauthorizedRetry = errors.New("unauthorized, retrying once after token refresh")

// isNotFound inspects a non-2xx response for the IAM's not-found
// signals: HTTP 404, or an error code/message matching the
// USER-*.not.found / User.NotFound family.
func isNotFound(status int, body []byte) bool {
	if status == http.StatusNotFound {
		return true
	}
	var apiErr apiErrorBody
	if json.Unmarshal(body, &apiErr) == nil {
		msg := strings.ToLower(apiErr.Message)
		if strings.Contains(msg, "not.found") || strings.Contains(msg, "notfound") || strings.Contains(apiErr.ID, "not.found") {
			return true
		}
	}
	return false
}

// isInvalidPhone narrowly matches the two forms spec.md documents for
// the phone-retry path: IAM error code PHONE-so0wa, or a message
// matching "phone number is invalid" (case-insensitive substring). No
// other 4xx triggers the retry.
func isInvalidPhone(status int, body []byte) bool {
	if status != http.StatusBadRequest {
		return false
	}
	var apiErr apiErrorBody
	if json.Unmarshal(body, &apiErr) != nil {
		return false
	}
	if apiErr.ID == "PHONE-so0wa" {
		return true
	}
	return strings.Contains(strings.ToLower(apiErr.Message), "phone number is invalid")
}

func apiErrorFromBody(status int, body []byte) error {
	var apiErr apiErrorBody
	if json.Unmarshal(body, &apiErr) == nil && apiErr.Message != "" {
		return errors.Errorf("iam status %d: %s (%s)", status, apiErr.Message, apiErr.ID)
	}
	return errors.Errorf("iam status %d: %s", status, string(body))
}

// ListUsers streams every IAM user in the configured organization, in
// ascending nickname order, paging through the v1 _search endpoint. The
// listing is not filtered by project grant: users without the User
// grant on the configured project are streamed as well. The returned
// channel is closed when the listing is exhausted or ctx is cancelled;
// a non-nil error on the returned error channel aborts the run.
func (c *Client) ListUsers(ctx context.Context) (<-chan IAMUser, <-chan error) {
	users := make(chan IAMUser, 64)
	errc := make(chan error, 1)

	go func() {
		defer close(users)
		defer close(errc)

		var offset uint64
		for {
			page, err := c.listUsersPage(ctx, offset)
			if err != nil {
				errc <- err
				return
			}
			if len(page) == 0 {
				return
			}
			for _, u := range page {
				select {
				case users <- u:
				case <-ctx.Done():
					errc <- ctx.Err()
					return
				}
			}
			if uint64(len(page)) < listPageSize {
				return
			}
			offset += uint64(len(page))
		}
	}()

	return users, errc
}

func (c *Client) listUsersPage(ctx context.Context, offset uint64) ([]IAMUser, error) {
	reqBody := searchUsersRequest{SortingColumn: "USER_FIELD_NAME_NICK_NAME"}
	reqBody.Query.Offset = offset
	reqBody.Query.Limit = listPageSize
	reqBody.Query.Asc = true

	resp, err := c.request(ctx, http.MethodPost, fmt.Sprintf("/management/v1/users/_search?orgId=%s", c.organizationID), reqBody)
	if err != nil {
		return nil, err
	}
	if resp.status/100 != 2 {
		return nil, errtypes.New(errtypes.IamUnavailable, apiErrorFromBody(resp.status, resp.body))
	}

	var parsed searchUsersResponse
	if err := json.Unmarshal(resp.body, &parsed); err != nil {
		return nil, errtypes.New(errtypes.IamUnavailable, errors.Wrap(err, "decoding users page"))
	}

	out := make([]IAMUser, 0, len(parsed.Result))
	for _, w := range parsed.Result {
		out = append(out, w.toIAMUser())
	}
	return out, nil
}

// GetUserByNickname looks a single user up by nickname without
// streaming the full listing.
func (c *Client) GetUserByNickname(ctx context.Context, nickHex string) (IAMUser, error) {
	reqBody := searchUsersRequest{SortingColumn: "USER_FIELD_NAME_NICK_NAME"}
	reqBody.Query.Limit = 2
	reqBody.Queries = []searchUserQry{{NickNameQuery: &stringQuery{NickName: nickHex, Method: "TEXT_QUERY_METHOD_EQUALS"}}}

	resp, err := c.request(ctx, http.MethodPost, fmt.Sprintf("/management/v1/users/_search?orgId=%s", c.organizationID), reqBody)
	if err != nil {
		return IAMUser{}, err
	}
	if isNotFound(resp.status, resp.body) {
		return IAMUser{}, errtypes.NotFound(nickHex)
	}
	if resp.status/100 != 2 {
		return IAMUser{}, errtypes.New(errtypes.IamUnavailable, apiErrorFromBody(resp.status, resp.body))
	}

	var parsed searchUsersResponse
	if err := json.Unmarshal(resp.body, &parsed); err != nil {
		return IAMUser{}, errtypes.New(errtypes.IamUnavailable, errors.Wrap(err, "decoding user lookup"))
	}
	if len(parsed.Result) == 0 {
		return IAMUser{}, errtypes.NotFound(nickHex)
	}
	return parsed.Result[0].toIAMUser(), nil
}

// CreateHuman creates a human user with the given payload, sets the
// localpart metadata entry, and grants no role (the caller grants the
// project role separately once the id is known). If phone is set and
// the IAM rejects it as invalid (per isInvalidPhone), the create is
// retried once without the phone attribute; phoneDropped reports
// whether that happened so the caller can log it with the record's
// external_id_hex.
func (c *Client) CreateHuman(ctx context.Context, payload syncuser.Payload) (id string, phoneDropped bool, err error) {
	body := buildCreateHumanRequest(payload, true)
	id, err = c.createHuman(ctx, body)
	if err != nil {
		var dup *duplicateResourceIDError
		if errors.As(err, &dup) {
			return "", false, errtypes.New(errtypes.PerUser, errors.Wrapf(dup.cause, "resource id %q (localpart) already in use", payload.ResourceID))
		}
		var invalidPhone *invalidPhoneError
		if !errors.As(err, &invalidPhone) {
			return "", false, err
		}
		retryBody := buildCreateHumanRequest(payload, false)
		id, err = c.createHuman(ctx, retryBody)
		if err != nil {
			return "", false, err
		}
		phoneDropped = true
	}

	if err := c.SetMetadata(ctx, id, "localpart", payload.ResourceID); err != nil {
		return id, phoneDropped, err
	}

	return id, phoneDropped, nil
}

// invalidPhoneError signals that the create failed specifically
// because of an invalid phone number, so CreateHuman can retry.
type invalidPhoneError struct{ cause error }

func (e *invalidPhoneError) Error() string { return e.cause.Error() }
func (e *invalidPhoneError) Unwrap() error { return e.cause }

// duplicateResourceIDError signals that body.UserID (the record's
// localpart) already names an existing IAM user. Per DESIGN.md's
// localpart/resource-id collision decision, this is a per-user error:
// no rename is attempted, the record is skipped, the run continues.
type duplicateResourceIDError struct{ cause error }

func (e *duplicateResourceIDError) Error() string { return e.cause.Error() }
func (e *duplicateResourceIDError) Unwrap() error { return e.cause }

func (c *Client) createHuman(ctx context.Context, body createHumanRequest) (string, error) {
	resp, err := c.request(ctx, http.MethodPost, "/v2/users/human", body)
	if err != nil {
		return "", err
	}
	if resp.status/100 == 2 {
		var parsed createHumanResponse
		if err := json.Unmarshal(resp.body, &parsed); err != nil {
			return "", errtypes.New(errtypes.IamUnavailable, errors.Wrap(err, "decoding create-human response"))
		}
		return parsed.UserID, nil
	}
	if body.Phone != nil && isInvalidPhone(resp.status, resp.body) {
		return "", &invalidPhoneError{cause: apiErrorFromBody(resp.status, resp.body)}
	}
	if isDuplicateResourceID(resp.status, resp.body) {
		return "", &duplicateResourceIDError{cause: apiErrorFromBody(resp.status, resp.body)}
	}
	return "", errtypes.New(errtypes.PerUser, apiErrorFromBody(resp.status, resp.body))
}

// isDuplicateResourceID matches the IAM's "resource id already in use"
// response to a create-human call carrying an explicit userId.
func isDuplicateResourceID(status int, body []byte) bool {
	if status != http.StatusConflict {
		return false
	}
	var apiErr apiErrorBody
	if json.Unmarshal(body, &apiErr) != nil {
		return false
	}
	return strings.Contains(strings.ToLower(apiErr.Message), "already exists")
}

func buildCreateHumanRequest(p syncuser.Payload, withPhone bool) createHumanRequest {
	var body createHumanRequest
	body.UserID = p.ResourceID
	body.UserName = p.UserName
	body.Profile.GivenName = p.GivenName
	body.Profile.FamilyName = p.FamilyName
	body.Profile.DisplayName = p.DisplayName
	body.Profile.NickName = p.NickName
	body.Email.Email = p.Email
	body.Email.IsVerified = p.EmailIsVerified
	if withPhone && p.Phone != "" {
		body.Phone = &createHumanPhone{Phone: p.Phone, IsVerified: p.PhoneIsVerified}
	}
	return body
}

// UpdateHuman applies the profile, email, and phone diffs
// independently via their dedicated sub-endpoints, so a failure
// updating one does not block the others. It returns a joined error
// listing every sub-call that failed.
func (c *Client) UpdateHuman(ctx context.Context, iamID string, profile *UpdateProfileRequest, email *UpdateEmailRequest, phone *UpdatePhoneRequest) error {
	var errs []error

	if profile != nil {
		if resp, err := c.request(ctx, http.MethodPut, "/management/v1/users/"+iamID+"/profile", profile); err != nil {
			errs = append(errs, errors.Wrap(err, "updating profile"))
		} else if resp.status/100 != 2 {
			errs = append(errs, errors.Wrap(apiErrorFromBody(resp.status, resp.body), "updating profile"))
		}
	}
	if email != nil {
		if resp, err := c.request(ctx, http.MethodPut, "/management/v1/users/"+iamID+"/email", email); err != nil {
			errs = append(errs, errors.Wrap(err, "updating email"))
		} else if resp.status/100 != 2 {
			errs = append(errs, errors.Wrap(apiErrorFromBody(resp.status, resp.body), "updating email"))
		}
	}
	if phone != nil {
		if resp, err := c.request(ctx, http.MethodPut, "/management/v1/users/"+iamID+"/phone", phone); err != nil {
			errs = append(errs, errors.Wrap(err, "updating phone"))
		} else if resp.status/100 != 2 {
			errs = append(errs, errors.Wrap(apiErrorFromBody(resp.status, resp.body), "updating phone"))
		}
	}

	if len(errs) == 0 {
		return nil
	}
	return errtypes.New(errtypes.PerUser, joinErrors(errs))
}

func joinErrors(errs []error) error {
	msgs := make([]string, len(errs))
	for i, e := range errs {
		msgs[i] = e.Error()
	}
	return errors.New(strings.Join(msgs, "; "))
}

// SetMetadata stores a base64-encoded metadata value, as the v1
// metadata endpoint requires.
func (c *Client) SetMetadata(ctx context.Context, iamID, key, value string) error {
	body := setMetadataRequest{Value: base64.StdEncoding.EncodeToString([]byte(value))}
	resp, err := c.request(ctx, http.MethodPost, "/management/v1/users/"+iamID+"/metadata/"+key, body)
	if err != nil {
		return err
	}
	if resp.status/100 != 2 {
		return errtypes.New(errtypes.PerUser, apiErrorFromBody(resp.status, resp.body))
	}
	return nil
}

// GrantProjectRole grants roleKey on projectID to iamID. Already
// having the grant is treated as success.
func (c *Client) GrantProjectRole(ctx context.Context, iamID, projectID, roleKey string) error {
	body := addGrantRequest{ProjectID: projectID, RoleKeys: []string{roleKey}}
	resp, err := c.request(ctx, http.MethodPost, "/management/v1/users/"+iamID+"/grants", body)
	if err != nil {
		return err
	}
	if resp.status/100 == 2 || isAlreadyGranted(resp.status, resp.body) {
		return nil
	}
	return errtypes.New(errtypes.PerUser, apiErrorFromBody(resp.status, resp.body))
}

func isAlreadyGranted(status int, body []byte) bool {
	if status != http.StatusConflict && status != http.StatusBadRequest {
		return false
	}
	var apiErr apiErrorBody
	if json.Unmarshal(body, &apiErr) != nil {
		return false
	}
	msg := strings.ToLower(apiErr.Message)
	return strings.Contains(msg, "already") && strings.Contains(msg, "grant")
}

// AddIDPLink links iamID to the configured IDP under externalUserID
// (the nickname / external-id hex), with displayName shown in the IAM
// UI (the record's email). Only called when sso_login is enabled.
func (c *Client) AddIDPLink(ctx context.Context, iamID, idpID, externalUserID, displayName string) error {
	var body addIDPLinkRequest
	body.IDPLink.IDPID = idpID
	body.IDPLink.UserID = externalUserID
	body.IDPLink.UserName = externalUserID
	body.IDPLink.DisplayName = displayName

	resp, err := c.request(ctx, http.MethodPost, "/management/v1/users/"+iamID+"/idp_links", body)
	if err != nil {
		return err
	}
	if resp.status/100 == 2 || isAlreadyLinked(resp.status, resp.body) {
		return nil
	}
	return errtypes.New(errtypes.PerUser, apiErrorFromBody(resp.status, resp.body))
}

func isAlreadyLinked(status int, body []byte) bool {
	if status != http.StatusConflict {
		return false
	}
	var apiErr apiErrorBody
	if json.Unmarshal(body, &apiErr) != nil {
		return false
	}
	return strings.Contains(strings.ToLower(apiErr.Message), "already")
}

// HasIDPLink reports whether iamID already has a link to idpID.
func (c *Client) HasIDPLink(ctx context.Context, iamID, idpID string) (bool, error) {
	resp, err := c.request(ctx, http.MethodPost, "/management/v1/users/"+iamID+"/idp_links/_search", struct{}{})
	if err != nil {
		return false, err
	}
	if resp.status/100 != 2 {
		return false, errtypes.New(errtypes.PerUser, apiErrorFromBody(resp.status, resp.body))
	}
	var parsed listIDPLinksResponse
	if err := json.Unmarshal(resp.body, &parsed); err != nil {
		return false, errtypes.New(errtypes.IamUnavailable, errors.Wrap(err, "decoding idp links"))
	}
	for _, link := range parsed.Result {
		if link.IDPID == idpID {
			return true, nil
		}
	}
	return false, nil
}

// HasProjectGrant reports whether iamID holds any grant on projectID.
// The engine calls this before reconciling or deleting an IAM user
// matched by nickname, so that a user sharing a nickname-shaped value
// but scoped to a different project is never mutated (scope
// containment).
func (c *Client) HasProjectGrant(ctx context.Context, iamID, projectID string) (bool, error) {
	body := userGrantSearchRequest{}
	body.Queries = []userGrantSearchQry{{ProjectIDQuery: &userGrantProjectIDQuery{ProjectID: projectID}}}

	resp, err := c.request(ctx, http.MethodPost, "/management/v1/users/"+iamID+"/grants/_search", body)
	if err != nil {
		return false, err
	}
	if resp.status/100 != 2 {
		return false, errtypes.New(errtypes.PerUser, apiErrorFromBody(resp.status, resp.body))
	}
	var parsed userGrantSearchResponse
	if err := json.Unmarshal(resp.body, &parsed); err != nil {
		return false, errtypes.New(errtypes.IamUnavailable, errors.Wrap(err, "decoding grants search"))
	}
	return len(parsed.Result) > 0, nil
}

// Deactivate deactivates iamID. A user that is already deactivated is
// treated as success.
func (c *Client) Deactivate(ctx context.Context, iamID string) error {
	resp, err := c.request(ctx, http.MethodPost, "/management/v1/users/"+iamID+"/_deactivate", nil)
	if err != nil {
		return err
	}
	if resp.status/100 == 2 || isAlreadyInactive(resp.status, resp.body) {
		return nil
	}
	return errtypes.New(errtypes.PerUser, apiErrorFromBody(resp.status, resp.body))
}

func isAlreadyInactive(status int, body []byte) bool {
	if status != http.StatusConflict && status != http.StatusBadRequest {
		return false
	}
	var apiErr apiErrorBody
	if json.Unmarshal(body, &apiErr) != nil {
		return false
	}
	return strings.Contains(strings.ToLower(apiErr.Message), "inactive") || strings.Contains(strings.ToLower(apiErr.Message), "already")
}

// Reactivate reactivates iamID. Already-active is treated as success.
func (c *Client) Reactivate(ctx context.Context, iamID string) error {
	resp, err := c.request(ctx, http.MethodPost, "/management/v1/users/"+iamID+"/_reactivate", nil)
	if err != nil {
		return err
	}
	if resp.status/100 == 2 || isAlreadyInactive(resp.status, resp.body) {
		return nil
	}
	return errtypes.New(errtypes.PerUser, apiErrorFromBody(resp.status, resp.body))
}

// Delete deletes iamID. A 404 (already deleted) is treated as success.
func (c *Client) Delete(ctx context.Context, iamID string) error {
	resp, err := c.request(ctx, http.MethodDelete, "/management/v1/users/"+iamID, nil)
	if err != nil {
		return err
	}
	if resp.status/100 == 2 || isNotFound(resp.status, resp.body) {
		return nil
	}
	return errtypes.New(errtypes.PerUser, apiErrorFromBody(resp.status, resp.body))
}
