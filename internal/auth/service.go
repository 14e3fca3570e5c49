package auth

import (
	"log/slog"
	"strings"

	"github.com/zerospice/zerospice/internal/clock"
	"github.com/zerospice/zerospice/internal/metrics"
)

// CredentialStore looks up enrolled TOTP secrets by username.
type CredentialStore interface {
	TOTPSecret(username string) (secret string, ok bool, err error)
}

// Service verifies TOTP logins and issues, validates, and refreshes bearer
// tokens signed with the configured symmetric secret.
type Service struct {
	Creds  CredentialStore
	Secret []byte
	Clock  clock.Clock
	Log    *slog.Logger

	rateLimiter *RateLimiter
}

// NewService creates an auth service.
func NewService(creds CredentialStore, secret []byte, clk clock.Clock, log *slog.Logger) *Service {
	return &Service{
		Creds:       creds,
		Secret:      secret,
		Clock:       clk,
		Log:         log,
		rateLimiter: NewRateLimiter(),
	}
}

// Login authenticates a username + TOTP code pair and mints a bearer token.
// Unknown users and bad codes both return ErrInvalidCredentials so the
// client-visible error never reveals which usernames exist.
func (s *Service) Login(username, code, ip string) (string, string, error) {
	if !s.rateLimiter.Allow(ip) {
		metrics.LoginsTotal.WithLabelValues("rate_limited").Inc()
		return "", "", ErrRateLimited
	}

	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || code == "" {
		s.rateLimiter.RecordFailure(ip)
		metrics.LoginsTotal.WithLabelValues("failure").Inc()
		return "", "", ErrInvalidCredentials
	}

	secret, ok, err := s.Creds.TOTPSecret(username)
	if err != nil {
		s.Log.Error("credential lookup failed", "user", username, "error", err)
		return "", "", err
	}
	if !ok {
		s.Log.Warn("login attempt for unknown user", "user", username, "ip", ip)
		s.rateLimiter.RecordFailure(ip)
		metrics.LoginsTotal.WithLabelValues("failure").Inc()
		return "", "", ErrInvalidCredentials
	}

	if !ValidateTOTPCode(secret, code, s.Clock.Now()) {
		s.Log.Warn("invalid TOTP code", "user", username, "ip", ip)
		s.rateLimiter.RecordFailure(ip)
		metrics.LoginsTotal.WithLabelValues("failure").Inc()
		return "", "", ErrInvalidCredentials
	}

	token, err := MintToken(s.Secret, username, s.Clock.Now())
	if err != nil {
		return "", "", err
	}

	s.rateLimiter.Reset(ip)
	metrics.LoginsTotal.WithLabelValues("success").Inc()
	s.Log.Info("user authenticated", "user", username, "ip", ip)
	return token, username, nil
}

// Refresh issues a fresh token for an already-verified subject. Tokens are
// independent; there is no refresh chain limit.
func (s *Service) Refresh(subject string) (string, error) {
	return MintToken(s.Secret, subject, s.Clock.Now())
}

// CleanupRateLimits drops stale per-IP attempt records. Called
// periodically by the background reaper.
func (s *Service) CleanupRateLimits() {
	s.rateLimiter.Cleanup()
}

// Verify validates a bearer token and returns its subject.
func (s *Service) Verify(token string) (string, error) {
	return VerifyToken(s.Secret, token)
}
