package enroll

import (
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/zerospice/zerospice/internal/auth"
	"github.com/zerospice/zerospice/internal/clock"
	"github.com/zerospice/zerospice/internal/events"
	"github.com/zerospice/zerospice/internal/metrics"
	"github.com/zerospice/zerospice/internal/store"
)

var usernameRe = regexp.MustCompile(`^[a-z0-9]{3,32}$`)

// UserStore is the slice of the credential store enrollment needs.
type UserStore interface {
	HasUser(username string) (bool, error)
	CreateCredential(cred store.Credential) error
	DeleteCredential(username string) error
}

// Service runs the two-phase self-enrollment protocol gated by single-use
// invite tokens. Invites persist to a JSON sidecar on every mutation;
// pending enrollments are in-memory only and vanish on restart.
type Service struct {
	users UserStore
	path  string
	clock clock.Clock
	log   *slog.Logger
	bus   *events.Bus

	mu      sync.Mutex // guards invites and sidecar writes
	invites map[string]*Invite

	pendingMu sync.Mutex
	pending   map[string]*pendingEnrollment
}

// NewService loads the invite sidecar, drops already-expired records, and
// rewrites the file.
func NewService(path string, users UserStore, clk clock.Clock, log *slog.Logger, bus *events.Bus) (*Service, error) {
	invites, err := loadSidecar(path)
	if err != nil {
		return nil, err
	}

	s := &Service{
		users:   users,
		path:    path,
		clock:   clk,
		log:     log,
		bus:     bus,
		invites: invites,
		pending: make(map[string]*pendingEnrollment),
	}

	if dropped := s.reapLocked(); dropped > 0 {
		log.Info("dropped expired invite tokens at startup", "count", dropped)
		if err := saveSidecar(s.path, s.invites); err != nil {
			return nil, err
		}
	}
	log.Info("invite tokens loaded", "count", len(s.invites), "path", path)
	return s, nil
}

// GenerateInvite creates a new invite token and persists it. Returns the
// token value and a copy of its record.
func (s *Service) GenerateInvite(createdBy string, expiresIn time.Duration, maxUses int) (string, Invite, error) {
	if maxUses < 1 {
		maxUses = 1
	}
	token, err := generateInviteToken()
	if err != nil {
		return "", Invite{}, fmt.Errorf("generate invite token: %w", err)
	}

	now := s.clock.Now().UTC()
	inv := &Invite{
		CreatedAt:     now,
		ExpiresAt:     now.Add(expiresIn),
		CreatedBy:     createdBy,
		MaxUses:       maxUses,
		EnrolledUsers: []EnrolledUser{},
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.invites[token] = inv
	if err := saveSidecar(s.path, s.invites); err != nil {
		delete(s.invites, token)
		return "", Invite{}, err
	}

	s.log.Info("invite token generated", "created_by", createdBy, "expires_at", inv.ExpiresAt, "max_uses", maxUses)
	return token, *inv, nil
}

// ValidateInvite checks that a token exists, is unexpired, and has uses
// left. Returns nil when the invite is consumable.
func (s *Service) ValidateInvite(token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.validateLocked(token)
}

func (s *Service) validateLocked(token string) error {
	inv, ok := s.invites[token]
	if !ok {
		return ErrInviteUnknown
	}
	if inv.Expired(s.clock.Now()) {
		return ErrInviteExpired
	}
	if inv.Exhausted() {
		return ErrInviteExhausted
	}
	return nil
}

// Begin runs enrollment step 1: validates the username and invite, mints a
// fresh TOTP secret, and parks it in the pending table. Returns the base-32
// secret and the otpauth:// provisioning URI.
func (s *Service) Begin(token, username string) (secret, provisioningURI string, err error) {
	if !usernameRe.MatchString(username) {
		return "", "", ErrUsernameMalformed
	}

	taken, err := s.users.HasUser(username)
	if err != nil {
		return "", "", fmt.Errorf("check username: %w", err)
	}
	if taken {
		return "", "", ErrUsernameTaken
	}

	if err := s.ValidateInvite(token); err != nil {
		return "", "", err
	}

	key, err := auth.GenerateTOTPSecret(username)
	if err != nil {
		return "", "", fmt.Errorf("generate totp secret: %w", err)
	}

	s.pendingMu.Lock()
	s.pending[token] = &pendingEnrollment{
		Username:  username,
		Secret:    key.Secret(),
		CreatedAt: s.clock.Now(),
	}
	s.pendingMu.Unlock()

	s.log.Info("enrollment started", "user", username)
	return key.Secret(), key.URL(), nil
}

// Confirm runs enrollment step 2: verifies the submitted TOTP code against
// the pending secret, persists the credential, and consumes the invite.
// The credential only becomes usable once the user has proven their
// authenticator generates valid codes.
func (s *Service) Confirm(token, username, code string) error {
	s.pendingMu.Lock()
	pend, ok := s.pending[token]
	s.pendingMu.Unlock()
	if !ok || pend.Username != username {
		return ErrNoPending
	}

	if !auth.ValidateTOTPCode(pend.Secret, code, s.clock.Now()) {
		return ErrBadConfirmCode
	}

	// Persist the credential first. Creation is atomic in the store, so a
	// concurrent confirmation for the same username loses here with
	// ErrUserExists rather than double-consuming the invite.
	cred := store.Credential{
		Username:   username,
		TOTPSecret: pend.Secret,
		CreatedAt:  s.clock.Now().UTC(),
	}
	if err := s.users.CreateCredential(cred); err != nil {
		if errors.Is(err, store.ErrUserExists) {
			return ErrUsernameTaken
		}
		return fmt.Errorf("persist credential: %w", err)
	}

	if err := s.consume(token, username); err != nil {
		// Roll back the credential so a failed enrollment leaves no trace.
		if delErr := s.users.DeleteCredential(username); delErr != nil {
			s.log.Error("credential rollback failed", "user", username, "error", delErr)
		}
		return err
	}

	s.pendingMu.Lock()
	delete(s.pending, token)
	s.pendingMu.Unlock()

	metrics.EnrollmentsTotal.Inc()
	if s.bus != nil {
		s.bus.Publish(events.Event{
			Type:      events.EventUserEnrolled,
			Username:  username,
			Timestamp: s.clock.Now(),
		})
	}
	s.log.Info("user enrolled", "user", username)
	return nil
}

// consume marks one use of an invite for a username and persists the
// sidecar, all under the invite lock. If the sidecar write fails the
// in-memory increment is rolled back and the error surfaces to the caller.
func (s *Service) consume(token, username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.validateLocked(token); err != nil {
		return err
	}

	inv := s.invites[token]
	inv.Uses++
	inv.EnrolledUsers = append(inv.EnrolledUsers, EnrolledUser{
		Username:   username,
		EnrolledAt: s.clock.Now().UTC(),
	})

	exhausted := inv.Exhausted()
	if exhausted {
		delete(s.invites, token)
	}

	if err := saveSidecar(s.path, s.invites); err != nil {
		// Roll back the in-memory mutation.
		inv.Uses--
		inv.EnrolledUsers = inv.EnrolledUsers[:len(inv.EnrolledUsers)-1]
		if exhausted {
			s.invites[token] = inv
		}
		s.log.Error("invite sidecar write failed", "error", err)
		return fmt.Errorf("persist invites: %w", err)
	}

	if exhausted {
		s.log.Info("invite token exhausted, removed")
	}
	return nil
}

// Reap removes expired invites and rewrites the sidecar when any were
// dropped. Called hourly by the background reaper.
func (s *Service) Reap() {
	s.mu.Lock()
	defer s.mu.Unlock()

	dropped := s.reapLocked()
	if dropped == 0 {
		return
	}
	s.log.Info("removed expired invite tokens", "count", dropped)
	if err := saveSidecar(s.path, s.invites); err != nil {
		s.log.Error("invite sidecar write failed", "error", err)
	}
}

func (s *Service) reapLocked() int {
	now := s.clock.Now()
	dropped := 0
	for token, inv := range s.invites {
		if inv.Expired(now) {
			delete(s.invites, token)
			dropped++
		}
	}
	return dropped
}

// InviteCount returns the number of live invite tokens.
func (s *Service) InviteCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.invites)
}
