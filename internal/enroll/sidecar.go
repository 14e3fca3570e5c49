package enroll

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/renameio/v2"
)

// loadSidecar reads the invite-token JSON sidecar. A missing file is an
// empty table, not an error.
func loadSidecar(path string) (map[string]*Invite, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return make(map[string]*Invite), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read invite sidecar: %w", err)
	}

	invites := make(map[string]*Invite)
	if err := json.Unmarshal(data, &invites); err != nil {
		return nil, fmt.Errorf("parse invite sidecar: %w", err)
	}
	return invites, nil
}

// saveSidecar atomically rewrites the sidecar (write-tmp, fsync, rename) so
// a crash mid-write never leaves a torn file. Timestamps serialize as
// RFC 3339 UTC.
func saveSidecar(path string, invites map[string]*Invite) error {
	for _, inv := range invites {
		inv.CreatedAt = inv.CreatedAt.UTC()
		inv.ExpiresAt = inv.ExpiresAt.UTC()
		for i := range inv.EnrolledUsers {
			inv.EnrolledUsers[i].EnrolledAt = inv.EnrolledUsers[i].EnrolledAt.UTC()
		}
	}
	data, err := json.MarshalIndent(invites, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal invite sidecar: %w", err)
	}
	if err := renameio.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write invite sidecar: %w", err)
	}
	return nil
}
