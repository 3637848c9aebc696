package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/famedly/sync/internal/errtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const baseYAML = `
zitadel:
  url: https://zitadel.example.test
  key_file: key.json
  organization_id: org1
  project_id: proj1
  idp_id: idp1
feature_flags:
  - verify_email
sources:
  csv:
    file_path: roster.csv
`

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "key.json"), []byte("{}"), 0o600))
	return path
}

func TestLoadValid(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, baseYAML)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "https://zitadel.example.test", cfg.Zitadel.URL)
	assert.NotNil(t, cfg.Sources.CSV)
	assert.Nil(t, cfg.Sources.LDAP)
	assert.Nil(t, cfg.Sources.UKT)
	assert.Equal(t, []string{"verify_email"}, cfg.FeatureFlags)
}

func TestLoadZeroSourcesIsConfigError(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `
zitadel:
  url: https://zitadel.example.test
  key_file: key.json
  organization_id: org1
  project_id: proj1
sources: {}
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Equal(t, errtypes.Config, errtypes.KindOf(err))
}

func TestLoadUnknownFlagIsConfigError(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `
zitadel:
  url: https://zitadel.example.test
  key_file: key.json
  organization_id: org1
  project_id: proj1
feature_flags:
  - not_a_real_flag
sources:
  csv:
    file_path: roster.csv
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Equal(t, errtypes.Config, errtypes.KindOf(err))
}

func TestLoadRejectsStartTLSOnLDAPS(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `
zitadel:
  url: https://zitadel.example.test
  key_file: key.json
  organization_id: org1
  project_id: proj1
sources:
  ldap:
    url: ldaps://ldap.example.test
    base_dn: dc=example,dc=test
    bind_dn: cn=admin,dc=example,dc=test
    bind_password: secret
    user_filter: "(objectClass=person)"
    timeout: 5
    tls:
      danger_use_start_tls: true
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Equal(t, errtypes.Config, errtypes.KindOf(err))
}

func TestEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, baseYAML)

	t.Setenv("FAMEDLY_SYNC__ZITADEL__URL", "https://override.example.test")
	t.Setenv("FAMEDLY_SYNC__FEATURE_FLAGS", "verify_email verify_phone")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "https://override.example.test", cfg.Zitadel.URL)
	assert.ElementsMatch(t, []string{"verify_email", "verify_phone"}, cfg.FeatureFlags)
}

func TestLoadMissingFileIsConfigError(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.Error(t, err)
	assert.Equal(t, errtypes.Config, errtypes.KindOf(err))
}
