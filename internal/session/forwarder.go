package session

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zerospice/zerospice/internal/clock"
	"github.com/zerospice/zerospice/internal/metrics"
)

const (
	// relayBufSize is the transfer buffer per relay direction. SPICE frames
	// fit comfortably; no application-level framing is performed.
	relayBufSize = 8192

	// acceptDeadline bounds each Accept call so the loop can check TTL and
	// the stopped flag between accepts.
	acceptDeadline = time.Second

	// dialTimeout bounds the upstream connect per relayed connection.
	dialTimeout = 10 * time.Second
)

// Forwarder owns one listening socket on an ephemeral port and relays an
// arbitrary number of client connections to the hypervisor's SPICE port.
// SPICE multiplexes a session over several TCP channels (main, display,
// inputs, cursor, audio) opened in quick succession; each relayed pair
// lives independently until its peer closes.
type Forwarder struct {
	sessionID string
	upstream  string // host:port of the hypervisor SPICE service
	ttl       time.Duration
	clk       clock.Clock
	log       *slog.Logger
	onExit    func() // invoked once when the accept loop exits

	ln        *net.TCPListener
	startedAt time.Time

	stopOnce sync.Once
	stopped  chan struct{}

	active atomic.Int64 // in-flight relayed connections, observability only
}

// NewForwarder creates a forwarder that will relay connections to upstream.
// onExit may be nil; when set it fires exactly once after the accept loop
// has terminated (TTL expiry, stop, or listener error).
func NewForwarder(sessionID, upstream string, ttl time.Duration, clk clock.Clock, log *slog.Logger, onExit func()) *Forwarder {
	return &Forwarder{
		sessionID: sessionID,
		upstream:  upstream,
		ttl:       ttl,
		clk:       clk,
		log:       log,
		onExit:    onExit,
		stopped:   make(chan struct{}),
	}
}

// Start binds the listener on addr and launches the accept loop.
func (f *Forwarder) Start(addr string) error {
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return err
	}
	ln, err := net.ListenTCP("tcp", tcpAddr)
	if err != nil {
		return err
	}
	f.ln = ln
	f.startedAt = f.clk.Now()

	f.log.Info("forwarder started", "session", f.sessionID, "listen", addr, "upstream", f.upstream)
	go f.acceptLoop()
	return nil
}

// Stop is idempotent and non-blocking: it marks the forwarder stopped and
// closes the listener, which unblocks a pending Accept. In-flight relays
// drain on their own when either endpoint closes.
func (f *Forwarder) Stop() {
	f.stopOnce.Do(func() {
		close(f.stopped)
		if f.ln != nil {
			_ = f.ln.Close()
		}
	})
}

// Stopped reports whether Stop has been called or the TTL fired.
func (f *Forwarder) Stopped() bool {
	select {
	case <-f.stopped:
		return true
	default:
		return false
	}
}

// ActiveConnections returns the number of in-flight relayed connections.
// The counter never drives lifecycle decisions; the TTL governs.
func (f *Forwarder) ActiveConnections() int {
	return int(f.active.Load())
}

func (f *Forwarder) acceptLoop() {
	defer func() {
		f.Stop() // idempotent with an external Stop
		if f.onExit != nil {
			f.onExit()
		}
		f.log.Info("forwarder exited",
			"session", f.sessionID,
			"duration", f.clk.Since(f.startedAt).Round(time.Second))
	}()

	for {
		if f.Stopped() {
			return
		}
		if f.clk.Since(f.startedAt) > f.ttl {
			f.log.Info("forwarder TTL reached", "session", f.sessionID, "ttl", f.ttl)
			return
		}

		_ = f.ln.SetDeadline(time.Now().Add(acceptDeadline))
		conn, err := f.ln.AcceptTCP()
		if err != nil {
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				continue // periodic TTL / stop check
			}
			if !f.Stopped() {
				f.log.Warn("accept error", "session", f.sessionID, "error", err)
			}
			return
		}

		f.active.Add(1)
		metrics.ActiveConnections.Inc()
		f.log.Debug("connection accepted", "session", f.sessionID, "remote", conn.RemoteAddr())
		go f.forward(conn)
	}
}

// forward relays one client connection to a fresh upstream connection,
// one copy task per direction. When either direction sees EOF or an error
// both sockets close, and the handler returns once both have quiesced.
func (f *Forwarder) forward(client net.Conn) {
	defer func() {
		f.active.Add(-1)
		metrics.ActiveConnections.Dec()
		f.log.Debug("connection closed", "session", f.sessionID, "active", f.active.Load())
	}()

	remote, err := net.DialTimeout("tcp", f.upstream, dialTimeout)
	if err != nil {
		f.log.Info("upstream dial failed", "session", f.sessionID, "upstream", f.upstream, "error", err)
		_ = client.Close()
		return
	}

	var closeBoth sync.Once
	closePair := func() {
		closeBoth.Do(func() {
			_ = client.Close()
			_ = remote.Close()
		})
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go f.relay(remote, client, "client_to_upstream", &wg, closePair)
	go f.relay(client, remote, "upstream_to_client", &wg, closePair)
	wg.Wait()
	closePair()
}

// relay copies src to dst until EOF or error. Byte order within a direction
// is strictly preserved; the transfer buffer is the only buffering.
func (f *Forwarder) relay(dst, src net.Conn, direction string, wg *sync.WaitGroup, closePair func()) {
	defer wg.Done()
	defer closePair()

	buf := make([]byte, relayBufSize)
	n, err := io.CopyBuffer(dst, src, buf)
	metrics.RelayBytes.WithLabelValues(direction).Add(float64(n))
	if err != nil && !f.Stopped() {
		f.log.Debug("relay ended", "session", f.sessionID, "direction", direction, "bytes", n, "error", err)
	}
}
