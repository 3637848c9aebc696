// Package uktsource talks to the UKT deletion-list endpoint: an
// OAuth2-protected HTTP API that names emails to remove from the IAM
// instance. It never creates or updates users, so it only implements
// sources.DeletionLister, not the full sources.Source iterator.
package uktsource

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/pkg/errors"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/famedly/sync/internal/config"
	"github.com/famedly/sync/internal/errtypes"
)

// Source fetches the UKT deletion list.
type Source struct {
	endpointURL string
	httpClient  *http.Client
}

// New builds a Source whose HTTP client performs the client-credentials
// exchange against cfg.OAuth2URL on demand and attaches the resulting
// bearer token to every request.
func New(cfg config.UKT) *Source {
	// grant_type is part of the configuration schema for parity with the
	// other UKT settings, but golang.org/x/oauth2/clientcredentials only
	// ever performs the standard client_credentials exchange.
	ccCfg := clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.OAuth2URL,
		Scopes:       scopes(cfg.Scope),
	}
	return &Source{
		endpointURL: cfg.EndpointURL,
		httpClient:  ccCfg.Client(context.Background()),
	}
}

func scopes(scope string) []string {
	if scope == "" {
		return nil
	}
	return []string{scope}
}

// DeletesByAbsence is false: UKT names specific emails rather than
// supplying a full authoritative roster.
func (s *Source) DeletesByAbsence() bool { return false }

// DeletionEmails GETs the deletion list and returns it as a set.
func (s *Source) DeletionEmails(ctx context.Context) (map[string]bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpointURL, nil)
	if err != nil {
		return nil, errtypes.New(errtypes.SourceUnavailable, errors.Wrap(err, "building ukt request"))
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, errtypes.New(errtypes.SourceUnavailable, errors.Wrap(err, "fetching ukt deletion list"))
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return nil, errtypes.New(errtypes.SourceUnavailable, errors.Errorf("ukt endpoint returned status %d", resp.StatusCode))
	}

	var emails []string
	if err := json.NewDecoder(resp.Body).Decode(&emails); err != nil {
		return nil, errtypes.New(errtypes.SourceUnavailable, errors.Wrap(err, "decoding ukt deletion list"))
	}

	set := make(map[string]bool, len(emails))
	for _, e := range emails {
		set[e] = true
	}
	return set, nil
}
