// Package syncuser holds the canonical, source-agnostic representation
// of a user to synchronize into the IAM instance, and its projection
// onto the IAM "human" payload shape.
package syncuser

import (
	"encoding/hex"
)

// User is the canonical in-memory representation of a syncable user.
// It never mutates after construction.
type User struct {
	// ExternalID is the opaque identifier from the source: the LDAP
	// user_id attribute's raw bytes, or the CSV localpart's bytes. Nil
	// for UKT, which never produces users.
	ExternalID []byte

	FirstName   string
	LastName    string
	DisplayName string
	Email       string
	// Phone is optional; empty means "no phone configured".
	Phone string
	// Localpart is non-empty and, for sources that create users, must
	// be unique among users the tool creates. It becomes the IAM
	// resource id at creation time.
	Localpart string
	// Enabled is false when the source marks this user as disabled
	// (LDAP bitmask/status match, or an explicit "TRUE"/"FALSE" flag).
	Enabled bool
}

// ExternalIDHex returns the lowercase hex encoding of the raw external
// id. This is the value stored IAM-side in the Nickname field and the
// tool's stable identity for a user across runs.
func (u User) ExternalIDHex() string {
	return hex.EncodeToString(u.ExternalID)
}

// Payload is the set of fields the IAM client needs to create or
// update a "human" user, derived from a User plus the active feature
// flags.
type Payload struct {
	UserName        string
	GivenName       string
	FamilyName      string
	DisplayName     string
	NickName        string
	Email           string
	EmailIsVerified bool
	Phone           string
	PhoneIsVerified bool
	ResourceID      string
}

// Flags is the subset of the feature-flag layer that affects the
// payload shape. Kept separate from internal/flags.Flags to avoid an
// import cycle; internal/flags.Flags satisfies this interface.
type Flags interface {
	VerifyEmail() bool
	VerifyPhone() bool
}

// AsZitadelPayload builds the create/update payload for u, applying the
// verify_email / verify_phone feature flags to the isVerified booleans.
func (u User) AsZitadelPayload(flags Flags) Payload {
	return Payload{
		UserName:        u.Email,
		GivenName:       u.FirstName,
		FamilyName:      u.LastName,
		DisplayName:     u.DisplayName,
		NickName:        u.ExternalIDHex(),
		Email:           u.Email,
		EmailIsVerified: flags.VerifyEmail(),
		Phone:           u.Phone,
		PhoneIsVerified: flags.VerifyPhone(),
		ResourceID:      u.Localpart,
	}
}
