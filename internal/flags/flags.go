// Package flags interprets the feature_flags configuration list.
package flags

import (
	"fmt"
	"strings"

	"github.com/famedly/sync/internal/errtypes"
)

// Name is one of the recognized feature flags.
type Name string

const (
	VerifyEmail    Name = "verify_email"
	VerifyPhone    Name = "verify_phone"
	SSOLogin       Name = "sso_login"
	DryRun         Name = "dry_run"
	DeactivateOnly Name = "deactivate_only"
)

var recognized = map[Name]bool{
	VerifyEmail:    true,
	VerifyPhone:    true,
	SSOLogin:       true,
	DryRun:         true,
	DeactivateOnly: true,
}

// Flags is the parsed, validated set of active feature flags for a run.
type Flags struct {
	set map[Name]bool
}

// Parse validates names against the recognized set and builds a Flags.
// An unknown flag is a configuration error.
func Parse(names []string) (Flags, error) {
	set := make(map[Name]bool, len(names))
	for _, n := range names {
		name := Name(strings.TrimSpace(n))
		if name == "" {
			continue
		}
		if !recognized[name] {
			return Flags{}, errtypes.New(errtypes.Config, fmt.Errorf("unknown feature flag %q", n))
		}
		set[name] = true
	}
	return Flags{set: set}, nil
}

func (f Flags) has(n Name) bool { return f.set[n] }

// VerifyEmail reports whether verify_email is active.
func (f Flags) VerifyEmail() bool { return f.has(VerifyEmail) }

// VerifyPhone reports whether verify_phone is active.
func (f Flags) VerifyPhone() bool { return f.has(VerifyPhone) }

// SSOLogin reports whether sso_login is active.
func (f Flags) SSOLogin() bool { return f.has(SSOLogin) }

// DryRun reports whether dry_run is active.
func (f Flags) DryRun() bool { return f.has(DryRun) }

// DeactivateOnly reports whether deactivate_only is active.
func (f Flags) DeactivateOnly() bool { return f.has(DeactivateOnly) }
