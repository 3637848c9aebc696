// Package ldapsource reads the authoritative user set from a directory
// server, handling binary attribute decoding, attribute filtering,
// bitmask-based disabled detection, paging, and TLS/STARTTLS.
package ldapsource

import (
	"context"
	"encoding/binary"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/pkg/errors"

	"github.com/famedly/sync/internal/config"
	"github.com/famedly/sync/internal/errtypes"
	syncuserlog "github.com/famedly/sync/internal/log"
	"github.com/famedly/sync/internal/sources"
	"github.com/famedly/sync/internal/syncuser"
)

const pageSize = 500

// Source reads users from an LDAP directory.
type Source struct {
	cfg config.LDAP
	err error
}

// New validates the configuration enough to fail fast (scheme/STARTTLS
// combination, attribute presence) and returns a ready-to-use Source.
func New(cfg config.LDAP) (*Source, error) {
	scheme, err := schemeOf(cfg.URL)
	if err != nil {
		return nil, errtypes.New(errtypes.Config, err)
	}
	if scheme == "ldaps" && cfg.TLS != nil && cfg.TLS.DangerUseStartTLS {
		return nil, errtypes.New(errtypes.Config, errors.New("ldaps:// is incompatible with danger_use_start_tls"))
	}
	if cfg.Attributes.UserID.Name == "" {
		return nil, errtypes.New(errtypes.Config, errors.New("attributes.user_id.name is required"))
	}
	if cfg.Attributes.Status == "" {
		return nil, errtypes.New(errtypes.Config, errors.New("attributes.status is required"))
	}
	return &Source{cfg: cfg}, nil
}

func schemeOf(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", errors.Wrap(err, "parsing ldap url")
	}
	switch strings.ToLower(u.Scheme) {
	case "ldap", "ldaps":
		return strings.ToLower(u.Scheme), nil
	default:
		return "", errors.Errorf("unsupported ldap scheme %q", u.Scheme)
	}
}

// DeletesByAbsence reports whether this source declares itself
// authoritative-for-presence.
func (s *Source) DeletesByAbsence() bool {
	return s.cfg.CheckForDeletedEntries
}

// Err returns the fatal error that ended the Users() stream early, if
// any. Only valid after the channel returned by Users() is closed.
func (s *Source) Err() error { return s.err }

// Users connects, binds, and streams every entry matching the
// configured filter, decoded into canonical users. Entries missing a
// mandatory attribute are skipped with a per-record error; the stream
// itself only ends early on connection/bind/search failure.
func (s *Source) Users(ctx context.Context) <-chan sources.Result {
	out := make(chan sources.Result, 64)

	go func() {
		defer close(out)

		log := syncuserlog.FromContext(ctx)

		conn, err := s.connect(ctx)
		if err != nil {
			s.err = errtypes.New(errtypes.SourceUnavailable, err)
			return
		}
		defer conn.Close()

		if err := conn.Bind(s.cfg.BindDN, s.cfg.BindPassword); err != nil {
			s.err = errtypes.New(errtypes.SourceUnavailable, errors.Wrap(err, "ldap bind"))
			return
		}

		attrs := s.attributeList()
		pagingControl := ldap.NewControlPaging(pageSize)

		for {
			req := ldap.NewSearchRequest(
				s.cfg.BaseDN,
				ldap.ScopeWholeSubtree, ldap.NeverDerefAliases, 0, s.cfg.TimeoutSeconds, false,
				s.cfg.UserFilter,
				attrs,
				[]ldap.Control{pagingControl},
			)

			result, err := conn.Search(req)
			if err != nil {
				s.err = errtypes.New(errtypes.SourceUnavailable, errors.Wrap(err, "ldap search"))
				return
			}

			for _, entry := range result.Entries {
				user, derr := s.decodeEntry(entry)
				if derr != nil {
					log.Warn().Str("dn", entry.DN).Err(derr).Msg("skipping ldap entry: decode error")
					select {
					case out <- sources.Result{Err: derr}:
					case <-ctx.Done():
						s.err = ctx.Err()
						return
					}
					continue
				}
				select {
				case out <- sources.Result{User: user}:
				case <-ctx.Done():
					s.err = ctx.Err()
					return
				}
			}

			next := ldap.FindControl(result.Controls, ldap.ControlTypePaging)
			pc, ok := next.(*ldap.ControlPaging)
			if !ok || len(pc.Cookie) == 0 {
				return
			}
			pagingControl.SetCookie(pc.Cookie)
		}
	}()

	return out
}

func (s *Source) attributeList() []string {
	if !s.cfg.UseAttributeFilter {
		return nil
	}
	a := s.cfg.Attributes
	set := map[string]bool{
		a.FirstName:         true,
		a.LastName:          true,
		a.PreferredUsername: true,
		a.Email:             true,
		a.UserID.Name:       true,
		a.Status:            true,
	}
	if a.Phone != "" {
		set[a.Phone] = true
	}
	out := make([]string, 0, len(set))
	for name := range set {
		if name != "" {
			out = append(out, name)
		}
	}
	return out
}

func (s *Source) decodeEntry(entry *ldap.Entry) (syncuser.User, error) {
	a := s.cfg.Attributes

	externalID, err := rawAttribute(entry, a.UserID.Name, a.UserID.IsBinary)
	if err != nil {
		return syncuser.User{}, errtypes.New(errtypes.PerUser, errors.Wrapf(err, "dn %s", entry.DN))
	}

	email := entry.GetAttributeValue(a.Email)
	if email == "" {
		return syncuser.User{}, errtypes.New(errtypes.PerUser, errors.Errorf("dn %s: missing mandatory attribute %s", entry.DN, a.Email))
	}
	firstName := entry.GetAttributeValue(a.FirstName)
	if firstName == "" {
		return syncuser.User{}, errtypes.New(errtypes.PerUser, errors.Errorf("dn %s: missing mandatory attribute %s", entry.DN, a.FirstName))
	}
	lastName := entry.GetAttributeValue(a.LastName)
	if lastName == "" {
		return syncuser.User{}, errtypes.New(errtypes.PerUser, errors.Errorf("dn %s: missing mandatory attribute %s", entry.DN, a.LastName))
	}
	displayName := entry.GetAttributeValue(a.PreferredUsername)
	if displayName == "" {
		return syncuser.User{}, errtypes.New(errtypes.PerUser, errors.Errorf("dn %s: missing mandatory attribute %s", entry.DN, a.PreferredUsername))
	}

	statusRaw, err := rawAttribute(entry, a.Status, false)
	if err != nil {
		return syncuser.User{}, errtypes.New(errtypes.PerUser, errors.Wrapf(err, "dn %s", entry.DN))
	}
	enabled := enabledFromStatus(statusRaw, a.DisableBitmasks)

	phone := entry.GetAttributeValue(a.Phone)

	user := syncuser.User{
		ExternalID:  externalID,
		FirstName:   firstName,
		LastName:    lastName,
		DisplayName: displayName,
		Email:       email,
		Phone:       phone,
		Enabled:     enabled,
	}
	user.Localpart = user.ExternalIDHex()
	return user, nil
}

// rawAttribute returns the raw bytes of attr on entry. Binary
// attributes are read from the byte-value list; others from the UTF-8
// string value. A missing attribute is an error — callers decide
// whether that attribute was mandatory.
func rawAttribute(entry *ldap.Entry, attr string, isBinary bool) ([]byte, error) {
	if attr == "" {
		return nil, errors.New("attribute name not configured")
	}
	if isBinary {
		vals := entry.GetRawAttributeValues(attr)
		if len(vals) == 0 {
			return nil, errors.Errorf("missing mandatory attribute %s", attr)
		}
		return vals[0], nil
	}
	val := entry.GetAttributeValue(attr)
	if val == "" {
		return nil, errors.Errorf("missing mandatory attribute %s", attr)
	}
	return []byte(val), nil
}

// enabledFromStatus interprets the status attribute per spec: the
// literal strings "TRUE"/"FALSE" short-circuit to disabled/enabled;
// otherwise the raw bytes are a big-endian unsigned integer ANDed
// against every configured disable bitmask, any match disables.
func enabledFromStatus(raw []byte, masks []int64) bool {
	s := string(raw)
	if s == "TRUE" {
		return false
	}
	if s == "FALSE" {
		return true
	}

	value := bigEndianUint(raw)
	for _, mask := range masks {
		if mask <= 0 {
			continue
		}
		if value&uint64(mask) != 0 {
			return false
		}
	}
	return true
}

func bigEndianUint(raw []byte) uint64 {
	switch {
	case len(raw) == 0:
		return 0
	case len(raw) >= 8:
		return binary.BigEndian.Uint64(raw[len(raw)-8:])
	default:
		buf := make([]byte, 8)
		copy(buf[8-len(raw):], raw)
		return binary.BigEndian.Uint64(buf)
	}
}

func (s *Source) connect(ctx context.Context) (*ldap.Conn, error) {
	u, err := url.Parse(s.cfg.URL)
	if err != nil {
		return nil, errors.Wrap(err, "parsing ldap url")
	}

	timeout := time.Duration(s.cfg.TimeoutSeconds) * time.Second
	opts := []ldap.DialOpt{ldap.DialWithDialer(&net.Dialer{Timeout: timeout})}

	if strings.ToLower(u.Scheme) == "ldaps" {
		tlsConfig, err := s.cfg.TLS.TLSConfig(u.Hostname())
		if err != nil {
			return nil, err
		}
		opts = append(opts, ldap.DialWithTLSConfig(tlsConfig))
	}

	conn, err := ldap.DialURL(s.cfg.URL, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "dialing ldap server")
	}

	if strings.ToLower(u.Scheme) == "ldap" && s.cfg.TLS != nil && s.cfg.TLS.DangerUseStartTLS {
		tlsConfig, err := s.cfg.TLS.TLSConfig(u.Hostname())
		if err != nil {
			conn.Close()
			return nil, err
		}
		if err := conn.StartTLS(tlsConfig); err != nil {
			conn.Close()
			return nil, errors.Wrap(err, "starttls")
		}
	}

	return conn, nil
}
