package enroll

import (
	"crypto/rand"
	"encoding/base64"
	"time"
)

const inviteTokenBytes = 32 // 256 bits of entropy

// EnrolledUser records one consumption of an invite token.
type EnrolledUser struct {
	Username   string    `json:"username"`
	EnrolledAt time.Time `json:"enrolled_at"`
}

// Invite is a single- or multi-use enrollment token. The token value itself
// is the sidecar map key and is not repeated inside the record.
type Invite struct {
	CreatedAt     time.Time      `json:"created_at"`
	ExpiresAt     time.Time      `json:"expires_at"`
	CreatedBy     string         `json:"created_by"`
	MaxUses       int            `json:"max_uses"`
	Uses          int            `json:"uses"`
	EnrolledUsers []EnrolledUser `json:"enrolled_users"`
}

// Expired reports whether the invite is past its expiry at the given time.
func (inv *Invite) Expired(now time.Time) bool {
	return now.After(inv.ExpiresAt)
}

// Exhausted reports whether the invite has no uses left.
func (inv *Invite) Exhausted() bool {
	return inv.Uses >= inv.MaxUses
}

// generateInviteToken creates an opaque URL-safe random token value.
func generateInviteToken() (string, error) {
	raw := make([]byte, inviteTokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// pendingEnrollment is the in-memory record between enrollment step 1 and 2.
// Discarded on restart by design: the user simply starts over.
type pendingEnrollment struct {
	Username  string
	Secret    string
	CreatedAt time.Time
}
