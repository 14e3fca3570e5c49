package session

import (
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zerospice/zerospice/internal/clock"
	"github.com/zerospice/zerospice/internal/events"
	"github.com/zerospice/zerospice/internal/metrics"
)

// maxPortAttempts bounds the random search for a free ephemeral port.
const maxPortAttempts = 100

// ErrPortExhausted is returned when no ephemeral port could be allocated.
var ErrPortExhausted = errors.New("no available ephemeral ports")

// Session is a broker-tracked binding of a user to one VM tunnel.
type Session struct {
	ID        string
	Node      string
	VMID      int
	Username  string
	CreatedAt time.Time
	Port      int
	forwarder *Forwarder
}

// Snapshot is a read-only copy of a session for observability endpoints.
type Snapshot struct {
	SessionID         string    `json:"session_id"`
	Username          string    `json:"username"`
	Node              string    `json:"node"`
	VMID              int       `json:"vmid"`
	EphemeralPort     int       `json:"ephemeral_port"`
	CreatedAt         time.Time `json:"created_at"`
	ActiveConnections int       `json:"active_connections"`
}

// Config holds the session manager's network parameters.
type Config struct {
	BindAddr     string // local address forwarders listen on
	UpstreamHost string // hypervisor address
	UpstreamPort int    // hypervisor SPICE port
	PortMin      int    // ephemeral range lower bound (inclusive)
	PortMax      int    // ephemeral range upper bound (exclusive)
	TTL          time.Duration
}

// Manager allocates ephemeral ports and creates, tracks, and reaps
// forwarding sessions. Port reservation and session insertion share one
// critical section, so live sessions never hold duplicate ports.
type Manager struct {
	cfg Config
	clk clock.Clock
	log *slog.Logger
	bus *events.Bus

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager creates a session manager. bus may be nil.
func NewManager(cfg Config, clk clock.Clock, log *slog.Logger, bus *events.Bus) *Manager {
	return &Manager{
		cfg:      cfg,
		clk:      clk,
		log:      log,
		bus:      bus,
		sessions: make(map[string]*Session),
	}
}

// Open allocates an ephemeral port, starts a forwarder bound to it, and
// registers the session. Returns ErrPortExhausted when the range has no
// free port after maxPortAttempts random draws.
func (m *Manager) Open(node string, vmid int, username string) (sessionID string, port int, err error) {
	id := uuid.NewString()

	m.mu.Lock()
	defer m.mu.Unlock()

	fwd := NewForwarder(
		id,
		net.JoinHostPort(m.cfg.UpstreamHost, strconv.Itoa(m.cfg.UpstreamPort)),
		m.cfg.TTL,
		m.clk,
		m.log,
		func() { m.remove(id, events.EventSessionStopped) },
	)

	port, err = m.bindFreePort(fwd)
	if err != nil {
		metrics.PortExhaustion.Inc()
		metrics.SessionsTotal.WithLabelValues("port_exhausted").Inc()
		return "", 0, err
	}

	m.sessions[id] = &Session{
		ID:        id,
		Node:      node,
		VMID:      vmid,
		Username:  username,
		CreatedAt: m.clk.Now(),
		Port:      port,
		forwarder: fwd,
	}
	metrics.ActiveSessions.Set(float64(len(m.sessions)))
	metrics.SessionsTotal.WithLabelValues("opened").Inc()

	m.log.Info("session created",
		"session", id, "user", username, "node", node, "vmid", vmid, "port", port)
	if m.bus != nil {
		m.bus.Publish(events.Event{
			Type:      events.EventSessionOpened,
			SessionID: id,
			Username:  username,
			Message:   fmt.Sprintf("%s/VM%d on port %d", node, vmid, port),
			Timestamp: m.clk.Now(),
		})
	}
	return id, port, nil
}

// bindFreePort samples ports uniformly at random from [PortMin, PortMax),
// skipping ports held by live sessions, and starts the forwarder on the
// first free one. Caller holds m.mu.
func (m *Manager) bindFreePort(fwd *Forwarder) (int, error) {
	span := big.NewInt(int64(m.cfg.PortMax - m.cfg.PortMin))

	inUse := make(map[int]bool, len(m.sessions))
	for _, s := range m.sessions {
		inUse[s.Port] = true
	}

	for attempt := 0; attempt < maxPortAttempts; attempt++ {
		n, err := rand.Int(rand.Reader, span)
		if err != nil {
			return 0, fmt.Errorf("draw ephemeral port: %w", err)
		}
		port := m.cfg.PortMin + int(n.Int64())
		if inUse[port] {
			continue
		}
		if err := fwd.Start(net.JoinHostPort(m.cfg.BindAddr, strconv.Itoa(port))); err != nil {
			// Port taken outside our session table; keep drawing.
			m.log.Debug("ephemeral bind failed", "port", port, "error", err)
			continue
		}
		return port, nil
	}
	return 0, ErrPortExhausted
}

// remove deletes a session after its forwarder exited. Idempotent with
// Reap and StopAll, which may have dropped the entry already.
func (m *Manager) remove(id string, reason events.EventType) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
		metrics.ActiveSessions.Set(float64(len(m.sessions)))
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	m.log.Info("session removed", "session", id, "user", s.Username)
	if m.bus != nil {
		m.bus.Publish(events.Event{
			Type:      reason,
			SessionID: id,
			Username:  s.Username,
			Timestamp: m.clk.Now(),
		})
	}
}

// Reap stops and removes every session older than the TTL. Called on a
// 60-second tick; forwarders also self-terminate from their accept loop,
// so either path may win.
func (m *Manager) Reap() {
	m.mu.Lock()
	var expired []*Session
	for id, s := range m.sessions {
		if m.clk.Since(s.CreatedAt) > m.cfg.TTL {
			expired = append(expired, s)
			delete(m.sessions, id)
		}
	}
	metrics.ActiveSessions.Set(float64(len(m.sessions)))
	m.mu.Unlock()

	for _, s := range expired {
		s.forwarder.Stop()
		metrics.SessionsTotal.WithLabelValues("expired").Inc()
		m.log.Info("session expired", "session", s.ID, "user", s.Username)
		if m.bus != nil {
			m.bus.Publish(events.Event{
				Type:      events.EventSessionExpired,
				SessionID: s.ID,
				Username:  s.Username,
				Timestamp: m.clk.Now(),
			})
		}
	}
}

// Stop terminates a single session by ID. Unknown IDs are a no-op.
func (m *Manager) Stop(id string) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
		metrics.ActiveSessions.Set(float64(len(m.sessions)))
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	s.forwarder.Stop()
	metrics.SessionsTotal.WithLabelValues("stopped").Inc()
	m.log.Info("session stopped", "session", id, "user", s.Username)
}

// StopAll stops every live forwarder. Called on server shutdown.
func (m *Manager) StopAll() {
	m.mu.Lock()
	stopped := make([]*Session, 0, len(m.sessions))
	for id, s := range m.sessions {
		stopped = append(stopped, s)
		delete(m.sessions, id)
	}
	metrics.ActiveSessions.Set(0)
	m.mu.Unlock()

	for _, s := range stopped {
		s.forwarder.Stop()
		m.log.Info("session stopped", "session", s.ID, "user", s.Username)
	}
}

// List returns a non-blocking snapshot of all live sessions.
func (m *Manager) List() []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Snapshot, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, Snapshot{
			SessionID:         s.ID,
			Username:          s.Username,
			Node:              s.Node,
			VMID:              s.VMID,
			EphemeralPort:     s.Port,
			CreatedAt:         s.CreatedAt,
			ActiveConnections: s.forwarder.ActiveConnections(),
		})
	}
	return out
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
