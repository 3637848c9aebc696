// Package config loads the YAML configuration file, applies the
// FAMEDLY_SYNC__SECTION__KEY environment-variable overrides, and
// decodes the result into typed configuration structs.
package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/famedly/sync/internal/errtypes"
	"github.com/famedly/sync/internal/flags"
)

// EnvVar is the name of the environment variable carrying the config
// file path.
const EnvVar = "FAMEDLY_SYNC_CONFIG"

// DefaultPath is used when EnvVar is unset.
const DefaultPath = "./config.yaml"

// EnvPrefix is the prefix every override env var carries, e.g.
// FAMEDLY_SYNC__ZITADEL__URL=....
const EnvPrefix = "FAMEDLY_SYNC__"

// Zitadel holds the IAM connection configuration.
type Zitadel struct {
	URL            string `mapstructure:"url" validate:"required,url"`
	KeyFile        string `mapstructure:"key_file" validate:"required"`
	OrganizationID string `mapstructure:"organization_id" validate:"required"`
	ProjectID      string `mapstructure:"project_id" validate:"required"`
	IDPID          string `mapstructure:"idp_id"`
}

// LDAPAttribute describes one LDAP attribute mapping.
type LDAPAttribute struct {
	Name     string `mapstructure:"name"`
	IsBinary bool   `mapstructure:"is_binary"`
}

// LDAPAttributes is the configured attribute schema.
type LDAPAttributes struct {
	FirstName         string        `mapstructure:"first_name"`
	LastName          string        `mapstructure:"last_name"`
	PreferredUsername string        `mapstructure:"preferred_username"`
	Email             string        `mapstructure:"email"`
	UserID            LDAPAttribute `mapstructure:"user_id"`
	Status            string        `mapstructure:"status"`
	DisableBitmasks   []int64       `mapstructure:"disable_bitmasks"`
	Phone             string        `mapstructure:"phone"`
}

// LDAPTLS configures the transport for the LDAP connection.
type LDAPTLS struct {
	ClientKey              string `mapstructure:"client_key"`
	ClientCertificate      string `mapstructure:"client_certificate"`
	ServerCertificate      string `mapstructure:"server_certificate"`
	DangerDisableTLSVerify bool   `mapstructure:"danger_disable_tls_verify"`
	DangerUseStartTLS      bool   `mapstructure:"danger_use_start_tls"`
}

// LDAP holds the configuration for the LDAP source.
type LDAP struct {
	URL                    string         `mapstructure:"url" validate:"required"`
	BaseDN                 string         `mapstructure:"base_dn" validate:"required"`
	BindDN                 string         `mapstructure:"bind_dn" validate:"required"`
	BindPassword           string         `mapstructure:"bind_password" validate:"required"`
	UserFilter             string         `mapstructure:"user_filter" validate:"required"`
	TimeoutSeconds         int            `mapstructure:"timeout" validate:"required,gt=0"`
	CheckForDeletedEntries bool           `mapstructure:"check_for_deleted_entries"`
	UseAttributeFilter     bool           `mapstructure:"use_attribute_filter"`
	Attributes             LDAPAttributes `mapstructure:"attributes"`
	TLS                    *LDAPTLS       `mapstructure:"tls"`
}

// CSV holds the configuration for the CSV source.
type CSV struct {
	FilePath string `mapstructure:"file_path" validate:"required"`
}

// UKT holds the configuration for the UKT source.
type UKT struct {
	EndpointURL  string `mapstructure:"endpoint_url" validate:"required,url"`
	OAuth2URL    string `mapstructure:"oauth2_url" validate:"required,url"`
	ClientID     string `mapstructure:"client_id" validate:"required"`
	ClientSecret string `mapstructure:"client_secret" validate:"required"`
	Scope        string `mapstructure:"scope"`
	GrantType    string `mapstructure:"grant_type"`
}

// Sources holds the mutually-exclusive set of source configurations;
// exactly one field must be non-nil after Load.
type Sources struct {
	LDAP *LDAP `mapstructure:"ldap"`
	CSV  *CSV  `mapstructure:"csv"`
	UKT  *UKT  `mapstructure:"ukt"`
}

// Config is the fully decoded, validated configuration for a run.
type Config struct {
	Zitadel      Zitadel  `mapstructure:"zitadel"`
	FeatureFlags []string `mapstructure:"feature_flags"`
	Sources      Sources  `mapstructure:"sources"`
}

var validate = validator.New()

// Load reads the config file at path (or DefaultPath/EnvVar if path is
// empty), applies env-var overrides, decodes it, and validates it.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvVar)
	}
	if path == "" {
		path = DefaultPath
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errtypes.New(errtypes.Config, errors.Wrapf(err, "reading config file %s", path))
	}

	var tree map[string]interface{}
	if err := yaml.Unmarshal(raw, &tree); err != nil {
		return nil, errtypes.New(errtypes.Config, errors.Wrap(err, "parsing config yaml"))
	}
	if tree == nil {
		tree = map[string]interface{}{}
	}

	applyEnvOverrides(tree, os.Environ())

	var cfg Config
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &cfg,
		WeaklyTypedInput: true,
		ErrorUnused:      false,
	})
	if err != nil {
		return nil, errtypes.New(errtypes.Config, errors.Wrap(err, "building config decoder"))
	}
	if err := decoder.Decode(tree); err != nil {
		return nil, errtypes.New(errtypes.Config, errors.Wrap(err, "decoding config"))
	}

	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func validateConfig(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return errtypes.New(errtypes.Config, errors.Wrap(err, "validating config"))
	}

	nSources := 0
	if cfg.Sources.LDAP != nil {
		nSources++
	}
	if cfg.Sources.CSV != nil {
		nSources++
	}
	if cfg.Sources.UKT != nil {
		nSources++
	}
	if nSources != 1 {
		return errtypes.New(errtypes.Config, fmt.Errorf("exactly one of sources.ldap/sources.csv/sources.ukt must be configured, got %d", nSources))
	}

	if _, err := flags.Parse(cfg.FeatureFlags); err != nil {
		return err
	}

	if cfg.Sources.LDAP != nil {
		if err := validateLDAP(cfg.Sources.LDAP); err != nil {
			return err
		}
	}

	return nil
}

func validateLDAP(l *LDAP) error {
	if strings.HasPrefix(strings.ToLower(l.URL), "ldaps://") {
		if l.TLS != nil && l.TLS.DangerUseStartTLS {
			return errtypes.New(errtypes.Config, fmt.Errorf("ldaps:// scheme is incompatible with danger_use_start_tls=true"))
		}
	}
	return nil
}

// TLSConfig builds the *tls.Config implied by an LDAPTLS section. It is
// exported so internal/sources/ldapsource can build its connection's
// TLS settings from this section; Load itself does not call it.
func (t *LDAPTLS) TLSConfig(serverName string) (*tls.Config, error) {
	cfg := &tls.Config{
		ServerName:         serverName,
		InsecureSkipVerify: t != nil && t.DangerDisableTLSVerify,
	}
	if t == nil {
		return cfg, nil
	}
	if t.ServerCertificate != "" {
		pem, err := os.ReadFile(t.ServerCertificate)
		if err != nil {
			return nil, errors.Wrap(err, "reading server_certificate")
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.New("no certificates parsed from server_certificate")
		}
		cfg.RootCAs = pool
	}
	if t.ClientCertificate != "" && t.ClientKey != "" {
		cert, err := tls.LoadX509KeyPair(t.ClientCertificate, t.ClientKey)
		if err != nil {
			return nil, errors.Wrap(err, "loading client certificate/key")
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}
