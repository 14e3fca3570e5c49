package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all broker configuration from environment variables.
type Config struct {
	// Hypervisor connection
	PVEAddr        string // Proxmox host or IP (API on :8006)
	PVEToken       string // opaque PVEAPIToken value
	PVESpicePort   int    // SPICE proxy port on the hypervisor
	PVETLSInsecure bool   // skip TLS verification against the hypervisor

	// Broker listeners
	BindAddr string // address for both the HTTP API and ephemeral forwarders
	HTTPPort int

	// Ephemeral forwarder port range [Min, Max)
	SpicePortMin int
	SpicePortMax int

	// Auth
	JWTSecret      string
	SessionTimeout time.Duration

	// Enrollment
	InviteFile   string // JSON sidecar for invite tokens
	InviteExpiry time.Duration

	// Storage
	DBPath string

	// Logging
	LogJSON bool
}

// Load reads all configuration from environment variables with defaults.
func Load() *Config {
	return &Config{
		PVEAddr:        envStr("PROXMOX_IP", ""),
		PVEToken:       envStr("PROXMOX_API_TOKEN", ""),
		PVESpicePort:   envInt("PVE_SPICE_PORT", 3128),
		PVETLSInsecure: envBool("ZEROSPICE_PVE_TLS_INSECURE", false),
		BindAddr:       envStr("PROXY_IP", "0.0.0.0"),
		HTTPPort:       envInt("PROXY_HTTP_PORT", 8000),
		SpicePortMin:   envInt("PROXY_SPICE_PORT_MIN", 40000),
		SpicePortMax:   envInt("PROXY_SPICE_PORT_MAX", 41000),
		JWTSecret:      envStr("JWT_SECRET", ""),
		SessionTimeout: envDuration("ZEROSPICE_SESSION_TIMEOUT", 300*time.Second),
		InviteFile:     envStr("ZEROSPICE_INVITE_FILE", ".enrollment_tokens.json"),
		InviteExpiry:   envDuration("ZEROSPICE_INVITE_EXPIRY", 24*time.Hour),
		DBPath:         envStr("ZEROSPICE_DB_PATH", "zerospice.db"),
		LogJSON:        envBool("ZEROSPICE_LOG_JSON", true),
	}
}

// Validate checks configuration for invalid values.
func (c *Config) Validate() error {
	var errs []error
	if c.PVEAddr == "" {
		errs = append(errs, errors.New("PROXMOX_IP must be set"))
	}
	if c.PVEToken == "" {
		errs = append(errs, errors.New("PROXMOX_API_TOKEN must be set"))
	}
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET must be set"))
	}
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("PROXY_HTTP_PORT must be 1-65535, got %d", c.HTTPPort))
	}
	if c.SpicePortMin <= 0 || c.SpicePortMax > 65536 || c.SpicePortMin >= c.SpicePortMax {
		errs = append(errs, fmt.Errorf("ephemeral port range [%d, %d) is invalid", c.SpicePortMin, c.SpicePortMax))
	}
	if c.SessionTimeout <= 0 {
		errs = append(errs, fmt.Errorf("ZEROSPICE_SESSION_TIMEOUT must be > 0, got %s", c.SessionTimeout))
	}
	if c.InviteExpiry <= 0 {
		errs = append(errs, fmt.Errorf("ZEROSPICE_INVITE_EXPIRY must be > 0, got %s", c.InviteExpiry))
	}
	return errors.Join(errs...)
}

// SeedSecrets returns TOTP secrets declared as TOTP_SECRET_<USERNAME> env
// vars, keyed by lowercase username. Used to seed the credential store on
// first start.
func SeedSecrets() map[string]string {
	secrets := make(map[string]string)
	for _, kv := range os.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(k, "TOTP_SECRET_") {
			continue
		}
		username := strings.ToLower(strings.TrimPrefix(k, "TOTP_SECRET_"))
		if username == "" || v == "" {
			continue
		}
		secrets[username] = v
	}
	return secrets
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
