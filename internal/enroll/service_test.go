package enroll

import (
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"

	"github.com/zerospice/zerospice/internal/clock"
	"github.com/zerospice/zerospice/internal/store"
)

type testEnv struct {
	svc   *Service
	users *store.Store
	clk   *clock.Fake
	path  string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()

	users, err := store.Open(filepath.Join(dir, "users.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { users.Close() })

	clk := &clock.Fake{Current: time.Now()}
	path := filepath.Join(dir, "invites.json")
	svc, err := NewService(path, users, clk, slog.Default(), nil)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return &testEnv{svc: svc, users: users, clk: clk, path: path}
}

func confirmCode(t *testing.T, secret string, at time.Time) string {
	t.Helper()
	code, err := totp.GenerateCode(secret, at)
	if err != nil {
		t.Fatalf("GenerateCode: %v", err)
	}
	return code
}

func TestInviteFullCycle(t *testing.T) {
	env := newTestEnv(t)

	token, inv, err := env.svc.GenerateInvite("admin", time.Hour, 1)
	if err != nil {
		t.Fatalf("GenerateInvite: %v", err)
	}
	if inv.MaxUses != 1 || inv.Uses != 0 {
		t.Errorf("invite = %+v, want max_uses=1 uses=0", inv)
	}
	if err := env.svc.ValidateInvite(token); err != nil {
		t.Fatalf("ValidateInvite: %v", err)
	}

	secret, uri, err := env.svc.Begin(token, "bob")
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if secret == "" {
		t.Fatal("expected non-empty secret")
	}
	if !strings.HasPrefix(uri, "otpauth://totp/") || !strings.Contains(uri, "bob") {
		t.Errorf("provisioning URI = %q", uri)
	}

	if err := env.svc.Confirm(token, "bob", confirmCode(t, secret, env.clk.Now())); err != nil {
		t.Fatalf("Confirm: %v", err)
	}

	// Credential is usable.
	got, _, err := env.users.TOTPSecret("bob")
	if err != nil || got != secret {
		t.Errorf("stored secret = (%q, %v), want %q", got, err, secret)
	}

	// Single-use invite is gone.
	if err := env.svc.ValidateInvite(token); !errors.Is(err, ErrInviteUnknown) {
		t.Errorf("post-consumption validate err = %v, want ErrInviteUnknown", err)
	}

	// And a fresh Begin with the same token is refused.
	if _, _, err := env.svc.Begin(token, "carol"); !errors.Is(err, ErrInviteUnknown) {
		t.Errorf("reuse err = %v, want ErrInviteUnknown", err)
	}
}

func TestBeginRejections(t *testing.T) {
	env := newTestEnv(t)
	token, _, err := env.svc.GenerateInvite("admin", time.Hour, 1)
	if err != nil {
		t.Fatalf("GenerateInvite: %v", err)
	}
	if err := env.users.CreateCredential(store.Credential{Username: "alice", TOTPSecret: "X"}); err != nil {
		t.Fatalf("CreateCredential: %v", err)
	}

	tests := []struct {
		name     string
		token    string
		username string
		wantErr  error
	}{
		{"short username", token, "ab", ErrUsernameMalformed},
		{"uppercase username", token, "Bob", ErrUsernameMalformed},
		{"long username", token, strings.Repeat("a", 33), ErrUsernameMalformed},
		{"punctuation", token, "bob!", ErrUsernameMalformed},
		{"taken username", token, "alice", ErrUsernameTaken},
		{"unknown invite", "no-such-token", "bob", ErrInviteUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := env.svc.Begin(tt.token, tt.username)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestInviteExpiry(t *testing.T) {
	env := newTestEnv(t)
	token, _, err := env.svc.GenerateInvite("admin", time.Hour, 1)
	if err != nil {
		t.Fatalf("GenerateInvite: %v", err)
	}

	env.clk.Advance(2 * time.Hour)
	if err := env.svc.ValidateInvite(token); !errors.Is(err, ErrInviteExpired) {
		t.Errorf("err = %v, want ErrInviteExpired", err)
	}

	// The hourly reaper drops it from memory and from the sidecar.
	env.svc.Reap()
	if err := env.svc.ValidateInvite(token); !errors.Is(err, ErrInviteUnknown) {
		t.Errorf("post-reap err = %v, want ErrInviteUnknown", err)
	}
	onDisk := readSidecar(t, env.path)
	if _, ok := onDisk[token]; ok {
		t.Error("expired invite still present in sidecar")
	}
}

func TestConfirmRejections(t *testing.T) {
	env := newTestEnv(t)
	token, _, _ := env.svc.GenerateInvite("admin", time.Hour, 1)
	secret, _, err := env.svc.Begin(token, "bob")
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}

	if err := env.svc.Confirm(token, "carol", "123456"); !errors.Is(err, ErrNoPending) {
		t.Errorf("username mismatch err = %v, want ErrNoPending", err)
	}
	if err := env.svc.Confirm("other-token", "bob", "123456"); !errors.Is(err, ErrNoPending) {
		t.Errorf("unknown token err = %v, want ErrNoPending", err)
	}
	if err := env.svc.Confirm(token, "bob", "000000"); !errors.Is(err, ErrBadConfirmCode) {
		t.Errorf("bad code err = %v, want ErrBadConfirmCode", err)
	}

	// A failed confirmation leaves the flow resumable.
	if err := env.svc.Confirm(token, "bob", confirmCode(t, secret, env.clk.Now())); err != nil {
		t.Fatalf("Confirm after failures: %v", err)
	}
}

func TestMultiUseInviteExhaustion(t *testing.T) {
	env := newTestEnv(t)
	token, _, _ := env.svc.GenerateInvite("admin", time.Hour, 2)

	for i, username := range []string{"bob", "carol"} {
		secret, _, err := env.svc.Begin(token, username)
		if err != nil {
			t.Fatalf("Begin #%d: %v", i+1, err)
		}
		if err := env.svc.Confirm(token, username, confirmCode(t, secret, env.clk.Now())); err != nil {
			t.Fatalf("Confirm #%d: %v", i+1, err)
		}
	}

	// After exactly max_uses consumptions the record is gone, and absent
	// from the sidecar on next load.
	if err := env.svc.ValidateInvite(token); !errors.Is(err, ErrInviteUnknown) {
		t.Errorf("err = %v, want ErrInviteUnknown", err)
	}
	reloaded, err := NewService(env.path, env.users, env.clk, slog.Default(), nil)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.InviteCount() != 0 {
		t.Errorf("reloaded invite count = %d, want 0", reloaded.InviteCount())
	}
}

func TestConcurrentConfirmExclusivity(t *testing.T) {
	env := newTestEnv(t)
	token, _, _ := env.svc.GenerateInvite("admin", time.Hour, 1)
	secret, _, err := env.svc.Begin(token, "bob")
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	code := confirmCode(t, secret, env.clk.Now())

	const workers = 8
	var wg sync.WaitGroup
	results := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- env.svc.Confirm(token, "bob", code)
		}()
	}
	wg.Wait()
	close(results)

	successes := 0
	for err := range results {
		if err == nil {
			successes++
		}
	}
	if successes != 1 {
		t.Errorf("successes = %d, want exactly 1", successes)
	}

	// The invite was consumed exactly once.
	onDisk := readSidecar(t, env.path)
	if len(onDisk) != 0 {
		t.Errorf("sidecar = %v, want empty after single consumption", onDisk)
	}
}

func TestSidecarPersistenceRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	token, inv, _ := env.svc.GenerateInvite("admin", time.Hour, 3)

	reloaded, err := NewService(env.path, env.users, env.clk, slog.Default(), nil)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if err := reloaded.ValidateInvite(token); err != nil {
		t.Errorf("reloaded invite invalid: %v", err)
	}

	onDisk := readSidecar(t, env.path)
	rec, ok := onDisk[token]
	if !ok {
		t.Fatal("invite missing from sidecar")
	}
	if rec.MaxUses != 3 || rec.CreatedBy != "admin" {
		t.Errorf("sidecar record = %+v", rec)
	}
	if !rec.ExpiresAt.Equal(inv.ExpiresAt) {
		t.Errorf("expires_at = %s, want %s", rec.ExpiresAt, inv.ExpiresAt)
	}
}

func TestConfirmPersistenceFailureRollsBack(t *testing.T) {
	env := newTestEnv(t)
	token, _, _ := env.svc.GenerateInvite("admin", time.Hour, 1)
	secret, _, err := env.svc.Begin(token, "bob")
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}

	// Make the sidecar path unwritable by turning it into a directory.
	if err := os.Remove(env.path); err != nil {
		t.Fatalf("remove sidecar: %v", err)
	}
	if err := os.Mkdir(env.path, 0700); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	err = env.svc.Confirm(token, "bob", confirmCode(t, secret, env.clk.Now()))
	if err == nil {
		t.Fatal("expected persistence error")
	}

	// The dependent credential mutation must be rolled back.
	has, herr := env.users.HasUser("bob")
	if herr != nil {
		t.Fatalf("HasUser: %v", herr)
	}
	if has {
		t.Error("credential persisted despite sidecar failure")
	}
	// And the invite keeps its use.
	if verr := env.svc.ValidateInvite(token); verr != nil {
		t.Errorf("invite no longer valid after rollback: %v", verr)
	}
}

func readSidecar(t *testing.T, path string) map[string]*Invite {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read sidecar: %v", err)
	}
	out := make(map[string]*Invite)
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("parse sidecar: %v", err)
	}
	return out
}
