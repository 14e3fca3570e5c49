package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	cron "github.com/robfig/cron/v3"

	"github.com/zerospice/zerospice/internal/auth"
	"github.com/zerospice/zerospice/internal/clock"
	"github.com/zerospice/zerospice/internal/config"
	"github.com/zerospice/zerospice/internal/enroll"
	"github.com/zerospice/zerospice/internal/events"
	"github.com/zerospice/zerospice/internal/logging"
	"github.com/zerospice/zerospice/internal/pve"
	"github.com/zerospice/zerospice/internal/session"
	"github.com/zerospice/zerospice/internal/store"
	"github.com/zerospice/zerospice/internal/web"
)

var version = "dev"

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(cfg.LogJSON)

	fmt.Println("ZeroSpice " + version)
	fmt.Println("=============================================")
	fmt.Printf("PROXMOX_IP=%s\n", cfg.PVEAddr)
	fmt.Printf("PROXY_IP=%s\n", cfg.BindAddr)
	fmt.Printf("PROXY_HTTP_PORT=%d\n", cfg.HTTPPort)
	fmt.Printf("PROXY_SPICE_PORT_MIN=%d\n", cfg.SpicePortMin)
	fmt.Printf("PROXY_SPICE_PORT_MAX=%d\n", cfg.SpicePortMax)
	fmt.Printf("ZEROSPICE_SESSION_TIMEOUT=%s\n", cfg.SessionTimeout)
	fmt.Printf("ZEROSPICE_DB_PATH=%s\n", cfg.DBPath)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Error("failed to open credential store", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Seed credentials declared as TOTP_SECRET_<USERNAME> env vars. The
	// store wins on conflict so enrolled users survive restarts.
	if added, err := db.Seed(config.SeedSecrets(), time.Now().UTC()); err != nil {
		log.Error("failed to seed credentials", "error", err)
		os.Exit(1)
	} else if added > 0 {
		log.Info("seeded credentials from environment", "count", added)
	}

	clk := clock.Real{}
	bus := events.New()

	authSvc := auth.NewService(db, []byte(cfg.JWTSecret), clk, log.Logger)

	enrollSvc, err := enroll.NewService(cfg.InviteFile, db, clk, log.Logger, bus)
	if err != nil {
		log.Error("failed to load invite tokens", "error", err)
		os.Exit(1)
	}

	sessions := session.NewManager(session.Config{
		BindAddr:     cfg.BindAddr,
		UpstreamHost: cfg.PVEAddr,
		UpstreamPort: cfg.PVESpicePort,
		PortMin:      cfg.SpicePortMin,
		PortMax:      cfg.SpicePortMax,
		TTL:          cfg.SessionTimeout,
	}, clk, log.Logger, bus)

	hypervisor := pve.NewClient(
		fmt.Sprintf("https://%s:8006", cfg.PVEAddr),
		cfg.PVEToken,
		cfg.PVETLSInsecure,
	)

	// Audit trail: session and enrollment events from every component.
	eventCh, unsubscribe := bus.Subscribe()
	defer unsubscribe()
	go func() {
		for evt := range eventCh {
			log.Info("event", "type", evt.Type, "session", evt.SessionID,
				"user", evt.Username, "detail", evt.Message)
		}
	}()

	// Background reapers: sessions every minute, invites and rate-limit
	// state every hour.
	reaper := cron.New()
	_, _ = reaper.AddFunc("@every 1m", sessions.Reap)
	_, _ = reaper.AddFunc("@every 1h", func() {
		enrollSvc.Reap()
		authSvc.CleanupRateLimits()
	})
	reaper.Start()

	srv := web.NewServer(web.Dependencies{
		Auth:       authSvc,
		Enroll:     enrollSvc,
		Sessions:   sessions,
		Hypervisor: hypervisor,
		ProxyHost:  cfg.BindAddr,
		Log:        log.Logger,
	})

	go func() {
		addr := net.JoinHostPort(cfg.BindAddr, strconv.Itoa(cfg.HTTPPort))
		if err := srv.ListenAndServe(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http gateway error", "error", err)
			cancel()
		}
	}()

	log.Info("zerospice started", "version", version,
		"port_range", fmt.Sprintf("[%d, %d)", cfg.SpicePortMin, cfg.SpicePortMax))

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown incomplete", "error", err)
	}

	<-reaper.Stop().Done()
	sessions.StopAll()

	log.Info("zerospice shutdown complete")
}
