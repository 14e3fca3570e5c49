package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/zerospice/zerospice/internal/auth"
	"github.com/zerospice/zerospice/internal/pve"
	"github.com/zerospice/zerospice/internal/session"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"active_sessions": s.deps.Sessions.Count(),
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		TOTPCode string `json:"totp_code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	token, user, err := s.deps.Auth.Login(req.Username, req.TOTPCode, clientIP(r))
	switch {
	case err == nil:
	case errors.Is(err, auth.ErrRateLimited):
		writeError(w, http.StatusTooManyRequests, "too many login attempts, try again later")
		return
	case errors.Is(err, auth.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, auth.ErrInvalidCredentials.Error())
		return
	default:
		s.deps.Log.Error("login failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"token": token,
		"user":  user,
	})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	subject := auth.Subject(r.Context())
	token, err := s.deps.Auth.Refresh(subject)
	if err != nil {
		s.deps.Log.Error("token refresh failed", "user", subject, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	s.deps.Log.Info("token refreshed", "user", subject)
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (s *Server) handleOffer(w http.ResponseWriter, r *http.Request) {
	s.deps.Log.Info("guest list requested", "user", auth.Subject(r.Context()))

	guests, err := s.deps.Hypervisor.ListGuests(r.Context())
	if err != nil {
		s.deps.Log.Error("guest list failed", "error", err)
		writeError(w, http.StatusInternalServerError, "unable to retrieve VMs")
		return
	}
	writeJSON(w, http.StatusOK, guests)
}

// handleSpice opens a forwarding session and returns a virt-viewer
// descriptor whose proxy field points at the session's ephemeral port.
func (s *Server) handleSpice(w http.ResponseWriter, r *http.Request) {
	node := r.PathValue("node")
	vmid, err := strconv.Atoi(r.PathValue("vmid"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid vmid")
		return
	}
	user := auth.Subject(r.Context())
	s.deps.Log.Info("spice descriptor requested", "user", user, "node", node, "vmid", vmid)

	sessionID, port, err := s.deps.Sessions.Open(node, vmid, user)
	if err != nil {
		if errors.Is(err, session.ErrPortExhausted) {
			s.deps.Log.Error("ephemeral port range exhausted", "user", user)
			writeError(w, http.StatusServiceUnavailable, "no available ephemeral ports")
			return
		}
		s.deps.Log.Error("session open failed", "user", user, "error", err)
		writeError(w, http.StatusInternalServerError, "error creating session")
		return
	}

	ticket, err := s.deps.Hypervisor.SpiceTicket(r.Context(), node, vmid)
	if err != nil {
		// The session is useless without a ticket; release its port.
		s.deps.Sessions.Stop(sessionID)
		s.deps.Log.Error("spice ticket failed", "node", node, "vmid", vmid, "error", err)
		writeError(w, http.StatusInternalServerError, "error generating SPICE file")
		return
	}

	descriptor := pve.RenderDescriptor(ticket, s.deps.ProxyHost, port)
	s.deps.Log.Info("spice descriptor generated",
		"user", user, "node", node, "vmid", vmid, "session", sessionID, "port", port)

	w.Header().Set("Content-Type", "application/x-virt-viewer")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=spice-%d.vv", vmid))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(descriptor))
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Sessions.List())
}
