package zitadel

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"

	"github.com/famedly/sync/internal/errtypes"
)

// serviceUserKey is the subset of a Zitadel service-user JSON key file
// this client needs to build an RFC 7523 JWT-bearer assertion.
type serviceUserKey struct {
	Type   string `json:"type"`
	KeyID  string `json:"keyId"`
	Key    string `json:"key"`
	UserID string `json:"userId"`
}

// tokenSource mints and caches the IAM access token, refreshing it
// whenever a call observes 401. It is the one piece of shared mutable
// state in the client, serialized behind a mutex.
type tokenSource struct {
	baseURL    string
	httpClient *http.Client
	key        serviceUserKey

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

func loadServiceUserKey(path string) (serviceUserKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return serviceUserKey{}, errtypes.New(errtypes.Config, errors.Wrap(err, "reading zitadel key file"))
	}
	var k serviceUserKey
	if err := json.Unmarshal(raw, &k); err != nil {
		return serviceUserKey{}, errtypes.New(errtypes.Config, errors.Wrap(err, "parsing zitadel key file"))
	}
	if k.KeyID == "" || k.Key == "" || k.UserID == "" {
		return serviceUserKey{}, errtypes.New(errtypes.Config, errors.New("zitadel key file is missing keyId/key/userId"))
	}
	return k, nil
}

func newTokenSource(baseURL string, httpClient *http.Client, key serviceUserKey) *tokenSource {
	return &tokenSource{baseURL: baseURL, httpClient: httpClient, key: key}
}

// Token returns a cached, still-valid access token, or exchanges a
// fresh one via the JWT-bearer grant (RFC 7523).
func (t *tokenSource) Token(ctx context.Context) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.token != "" && time.Now().Before(t.expiresAt) {
		return t.token, nil
	}
	return t.refreshLocked(ctx)
}

// Invalidate forces the next Token call to exchange a fresh token. It
// is called whenever a request observes a 401.
func (t *tokenSource) Invalidate() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.token = ""
}

func (t *tokenSource) refreshLocked(ctx context.Context) (string, error) {
	assertion, err := t.signAssertion()
	if err != nil {
		return "", err
	}

	form := url.Values{}
	form.Set("grant_type", "urn:ietf:params:oauth:grant-type:jwt-bearer")
	form.Set("assertion", assertion)
	form.Set("scope", "openid profile urn:zitadel:iam:org:project:id:zitadel:aud")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(t.baseURL, "/")+"/oauth/v2/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", errtypes.New(errtypes.IamUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return "", errtypes.New(errtypes.IamUnavailable, errors.Wrap(err, "exchanging jwt-bearer assertion"))
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return "", errtypes.New(errtypes.IamAuth, errors.Errorf("token exchange failed with status %d", resp.StatusCode))
	}
	if resp.StatusCode/100 != 2 {
		return "", errtypes.New(errtypes.IamUnavailable, errors.Errorf("token exchange failed with status %d", resp.StatusCode))
	}

	var body struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", errtypes.New(errtypes.IamUnavailable, errors.Wrap(err, "decoding token response"))
	}

	t.token = body.AccessToken
	// Refresh a little early to tolerate clock skew and in-flight requests.
	t.expiresAt = time.Now().Add(time.Duration(body.ExpiresIn)*time.Second - 30*time.Second)
	return t.token, nil
}

// signAssertion builds and signs the RS256 JWT-bearer assertion
// identifying the service user, per RFC 7523 §3.
func (t *tokenSource) signAssertion() (string, error) {
	signKey, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(t.key.Key))
	if err != nil {
		return "", errtypes.New(errtypes.Config, errors.Wrap(err, "parsing zitadel service-user private key"))
	}

	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    t.key.UserID,
		Subject:   t.key.UserID,
		Audience:  jwt.ClaimStrings{strings.TrimRight(t.baseURL, "/")},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = t.key.KeyID

	signed, err := token.SignedString(signKey)
	if err != nil {
		return "", errtypes.New(errtypes.Config, errors.Wrap(err, "signing jwt-bearer assertion"))
	}
	return signed, nil
}
