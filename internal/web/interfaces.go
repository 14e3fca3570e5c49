package web

import (
	"context"
	"log/slog"
	"time"

	"github.com/zerospice/zerospice/internal/auth"
	"github.com/zerospice/zerospice/internal/enroll"
	"github.com/zerospice/zerospice/internal/pve"
	"github.com/zerospice/zerospice/internal/session"
)

// Dependencies defines what the gateway needs from the rest of the broker.
type Dependencies struct {
	Auth       *auth.Service
	Enroll     EnrollmentService
	Sessions   SessionBroker
	Hypervisor HypervisorClient

	// ProxyHost is the externally reachable address written into the
	// descriptor's proxy field. Clients tunnel through it to the
	// ephemeral port.
	ProxyHost string

	Log *slog.Logger
}

// EnrollmentService runs the invite-gated two-phase enrollment protocol.
type EnrollmentService interface {
	GenerateInvite(createdBy string, expiresIn time.Duration, maxUses int) (string, enroll.Invite, error)
	ValidateInvite(token string) error
	Begin(token, username string) (secret, provisioningURI string, err error)
	Confirm(token, username, code string) error
}

// SessionBroker opens and inspects forwarding sessions.
type SessionBroker interface {
	Open(node string, vmid int, username string) (sessionID string, port int, err error)
	Stop(sessionID string)
	List() []session.Snapshot
	Count() int
}

// HypervisorClient talks to the upstream hypervisor API.
type HypervisorClient interface {
	ListGuests(ctx context.Context) ([]pve.Guest, error)
	SpiceTicket(ctx context.Context, node string, vmid int) (pve.Ticket, error)
}
