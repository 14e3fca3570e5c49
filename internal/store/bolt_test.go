package store

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateAndGetCredential(t *testing.T) {
	s := openTestStore(t)

	cred := Credential{Username: "alice", TOTPSecret: "JBSWY3DPEHPK3PXP", CreatedAt: time.Now().UTC()}
	if err := s.CreateCredential(cred); err != nil {
		t.Fatalf("CreateCredential: %v", err)
	}

	got, err := s.GetCredential("alice")
	if err != nil {
		t.Fatalf("GetCredential: %v", err)
	}
	if got == nil {
		t.Fatal("expected credential, got nil")
	}
	if got.TOTPSecret != cred.TOTPSecret {
		t.Errorf("secret = %q, want %q", got.TOTPSecret, cred.TOTPSecret)
	}

	missing, err := s.GetCredential("bob")
	if err != nil {
		t.Fatalf("GetCredential(missing): %v", err)
	}
	if missing != nil {
		t.Errorf("expected nil for missing user, got %+v", missing)
	}
}

func TestCreateCredentialDuplicate(t *testing.T) {
	s := openTestStore(t)

	cred := Credential{Username: "alice", TOTPSecret: "SECRET1"}
	if err := s.CreateCredential(cred); err != nil {
		t.Fatalf("CreateCredential: %v", err)
	}

	err := s.CreateCredential(Credential{Username: "alice", TOTPSecret: "SECRET2"})
	if !errors.Is(err, ErrUserExists) {
		t.Errorf("err = %v, want ErrUserExists", err)
	}

	// Original secret must be untouched.
	got, _ := s.GetCredential("alice")
	if got.TOTPSecret != "SECRET1" {
		t.Errorf("secret = %q, want SECRET1", got.TOTPSecret)
	}
}

func TestTOTPSecret(t *testing.T) {
	s := openTestStore(t)
	_ = s.CreateCredential(Credential{Username: "alice", TOTPSecret: "JBSWY3DPEHPK3PXP"})

	secret, ok, err := s.TOTPSecret("alice")
	if err != nil || !ok || secret != "JBSWY3DPEHPK3PXP" {
		t.Errorf("TOTPSecret(alice) = (%q, %v, %v), want (JBSWY3DPEHPK3PXP, true, nil)", secret, ok, err)
	}

	_, ok, err = s.TOTPSecret("mallory")
	if err != nil || ok {
		t.Errorf("TOTPSecret(mallory) = (_, %v, %v), want (false, nil)", ok, err)
	}
}

func TestDeleteCredential(t *testing.T) {
	s := openTestStore(t)
	_ = s.CreateCredential(Credential{Username: "alice", TOTPSecret: "X"})

	if err := s.DeleteCredential("alice"); err != nil {
		t.Fatalf("DeleteCredential: %v", err)
	}
	has, err := s.HasUser("alice")
	if err != nil {
		t.Fatalf("HasUser: %v", err)
	}
	if has {
		t.Error("user still present after delete")
	}

	// Deleting again is a no-op.
	if err := s.DeleteCredential("alice"); err != nil {
		t.Errorf("second delete: %v", err)
	}
}

func TestSeed(t *testing.T) {
	s := openTestStore(t)
	_ = s.CreateCredential(Credential{Username: "alice", TOTPSecret: "ORIGINAL"})

	added, err := s.Seed(map[string]string{
		"alice": "FROMENV", // must not overwrite
		"bob":   "BOBSECRET",
	}, time.Now().UTC())
	if err != nil {
		t.Fatalf("Seed: %v", err)
	}
	if added != 1 {
		t.Errorf("added = %d, want 1", added)
	}

	got, _ := s.GetCredential("alice")
	if got.TOTPSecret != "ORIGINAL" {
		t.Errorf("alice secret = %q, want ORIGINAL (env must not overwrite)", got.TOTPSecret)
	}
	got, _ = s.GetCredential("bob")
	if got == nil || got.TOTPSecret != "BOBSECRET" {
		t.Errorf("bob credential missing or wrong: %+v", got)
	}

	names, err := s.ListUsernames()
	if err != nil {
		t.Fatalf("ListUsernames: %v", err)
	}
	if len(names) != 2 {
		t.Errorf("usernames = %v, want 2 entries", names)
	}
}
