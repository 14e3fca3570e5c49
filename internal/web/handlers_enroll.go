package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/zerospice/zerospice/internal/enroll"
)

// inviteRefused reports whether err is a client-visible invite rejection.
func inviteRefused(err error) bool {
	return errors.Is(err, enroll.ErrInviteUnknown) ||
		errors.Is(err, enroll.ErrInviteExpired) ||
		errors.Is(err, enroll.ErrInviteExhausted)
}

// handleEnrollCheck validates an invite token before the client shows the
// enrollment form.
func (s *Server) handleEnrollCheck(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"valid":   false,
			"message": "no token provided",
		})
		return
	}

	if err := s.deps.Enroll.ValidateInvite(token); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"valid":   false,
			"message": err.Error(),
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"valid":   true,
		"message": "token is valid, proceed with enrollment",
	})
}

// handleEnroll runs both phases of self-enrollment. Without totp_code the
// request begins an enrollment and returns the fresh secret; with it the
// request confirms the pending enrollment and activates the account.
func (s *Server) handleEnroll(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token    string `json:"token"`
		Username string `json:"username"`
		TOTPCode string `json:"totp_code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Username = strings.ToLower(strings.TrimSpace(req.Username))

	if req.Token == "" || req.Username == "" {
		writeError(w, http.StatusBadRequest, "token and username required")
		return
	}

	if req.TOTPCode == "" {
		s.enrollBegin(w, req.Token, req.Username)
		return
	}
	s.enrollConfirm(w, req.Token, req.Username, req.TOTPCode)
}

func (s *Server) enrollBegin(w http.ResponseWriter, token, username string) {
	secret, uri, err := s.deps.Enroll.Begin(token, username)
	switch {
	case err == nil:
	case errors.Is(err, enroll.ErrUsernameMalformed):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, enroll.ErrUsernameTaken):
		writeError(w, http.StatusConflict, err.Error())
		return
	case inviteRefused(err):
		writeError(w, http.StatusForbidden, err.Error())
		return
	default:
		s.deps.Log.Error("enrollment begin failed", "user", username, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":           "pending_confirmation",
		"username":         username,
		"secret":           secret,
		"provisioning_uri": uri,
		"message":          "scan the QR code with your authenticator app, then submit a TOTP code to confirm",
	})
}

func (s *Server) enrollConfirm(w http.ResponseWriter, token, username, code string) {
	err := s.deps.Enroll.Confirm(token, username, code)
	switch {
	case err == nil:
	case errors.Is(err, enroll.ErrNoPending):
		writeError(w, http.StatusBadRequest, "no pending enrollment found, please start over")
		return
	case errors.Is(err, enroll.ErrBadConfirmCode):
		writeError(w, http.StatusBadRequest, "invalid TOTP code, please try again")
		return
	case errors.Is(err, enroll.ErrUsernameTaken):
		writeError(w, http.StatusConflict, err.Error())
		return
	case inviteRefused(err):
		writeError(w, http.StatusForbidden, err.Error())
		return
	default:
		s.deps.Log.Error("enrollment confirm failed", "user", username, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{
		"status":   "enrolled",
		"username": username,
		"message":  "account activated, you can now login",
	})
}

// handleGenerateInvite mints an invite token. No bearer auth; reachable
// only from loopback (container exec or SSH on the broker host).
func (s *Server) handleGenerateInvite(w http.ResponseWriter, r *http.Request) {
	if !isLoopback(r) {
		s.deps.Log.Warn("invite generation refused", "ip", clientIP(r))
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	req := struct {
		ExpiresHours int `json:"expires_hours"`
		MaxUses      int `json:"max_uses"`
	}{ExpiresHours: 24, MaxUses: 1}
	if r.Body != nil {
		// An empty body keeps the defaults.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	if req.ExpiresHours < 1 {
		req.ExpiresHours = 24
	}

	token, inv, err := s.deps.Enroll.GenerateInvite("admin", time.Duration(req.ExpiresHours)*time.Hour, req.MaxUses)
	if err != nil {
		s.deps.Log.Error("invite generation failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"token":      token,
		"expires_at": inv.ExpiresAt,
		"max_uses":   inv.MaxUses,
	})
}
