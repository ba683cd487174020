package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Mode selects where the relay listens and where it reads telemetry from.
type Mode string

const (
	// ModeCar listens on the LAN and reads from the vehicle.
	ModeCar Mode = "car"
	// ModeIndividual listens on localhost next to a single dashboard and reads from the vehicle.
	ModeIndividual Mode = "individual"
	// ModeDev listens on the test port and reads from a local test source.
	ModeDev Mode = "dev"
)

const HardcodedVersion = "V0.1"

const (
	localHost   = "127.0.0.1"
	lanHost     = "0.0.0.0"
	vehicleHost = "192.168.1.10"
	carPort     = "4003"
	testPort    = "4002"
)

var ErrUsage = errors.New("invalid mode; use one of: car (default), individual, dev")

// Usage describes the start modes for the command line.
const Usage = `Start modes:
  relay                    connect to the vehicle and serve dashboards on the LAN
  relay --mode individual  connect to the vehicle and serve a dashboard on this computer
  relay --mode dev         connect to a local test source and serve on the test port
`

type Config struct {
	Mode              Mode
	RelayVersion      string
	UpstreamAddr      string
	ListenAddr        string
	ProbeListenAddr   string
	MetricsAddr       string
	RPCAddr           string
	StoreURL          string
	SchemaPath        string
	Window            int
	ReconnectDelay    time.Duration
	InactivityTimeout time.Duration
	CatchupEnabled    bool
	PollInterval      time.Duration
	CatchupHorizon    time.Duration
	ClientQueueSize   int
	WriteTimeout      time.Duration
	HealthInterval    time.Duration
	ShutdownTimeout   time.Duration
	Interactive       bool
	LogJSON           bool
	LogLevel          string
}

// Load resolves the configuration for mode, falling back to RELAY_MODE and
// then ModeCar when mode is empty. Environment variables override the mode
// presets.
func Load(mode string) (Config, error) {
	if strings.TrimSpace(mode) == "" {
		mode = env("RELAY_MODE", string(ModeCar))
	}
	m, err := ParseMode(mode)
	if err != nil {
		return Config{}, err
	}
	listenAddr, upstreamAddr := presets(m)

	cfg := Config{
		Mode:              m,
		RelayVersion:      HardcodedVersion,
		UpstreamAddr:      env("RELAY_UPSTREAM_ADDR", upstreamAddr),
		ListenAddr:        env("RELAY_LISTEN_ADDR", listenAddr),
		ProbeListenAddr:   env("RELAY_PROBE_ADDR", ""),
		MetricsAddr:       env("RELAY_METRICS_ADDR", ":9100"),
		RPCAddr:           env("RELAY_RPC_ADDR", ""),
		StoreURL:          env("RELAY_STORE_URL", "http://127.0.0.1:3000"),
		SchemaPath:        env("RELAY_SCHEMA_PATH", ""),
		Window:            envInt("RELAY_WINDOW", 500),
		ReconnectDelay:    envDuration("RELAY_RECONNECT_DELAY", time.Second),
		InactivityTimeout: envDuration("RELAY_INACTIVITY_TIMEOUT", 4*time.Second),
		CatchupEnabled:    envBool("RELAY_CATCHUP_ENABLED", true),
		PollInterval:      envDuration("RELAY_POLL_INTERVAL", 250*time.Millisecond),
		CatchupHorizon:    envDuration("RELAY_CATCHUP_HORIZON", 10*time.Minute),
		ClientQueueSize:   envInt("RELAY_CLIENT_QUEUE", 256),
		WriteTimeout:      envDuration("RELAY_WRITE_TIMEOUT", 5*time.Second),
		HealthInterval:    envDuration("RELAY_HEALTH_INTERVAL", 10*time.Second),
		ShutdownTimeout:   envDuration("RELAY_SHUTDOWN_TIMEOUT", 10*time.Second),
		Interactive:       envBool("RELAY_INTERACTIVE", false),
		LogJSON:           envBool("RELAY_LOG_JSON", false),
		LogLevel:          strings.ToLower(env("RELAY_LOG_LEVEL", "info")),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeCar, "":
		return ModeCar, nil
	case ModeIndividual, "i":
		return ModeIndividual, nil
	case ModeDev, "d":
		return ModeDev, nil
	default:
		return "", fmt.Errorf("%w (got %q)", ErrUsage, s)
	}
}

// presets returns the listen and upstream addresses of a mode.
func presets(m Mode) (listen, upstream string) {
	switch m {
	case ModeIndividual:
		return net.JoinHostPort(localHost, carPort), net.JoinHostPort(vehicleHost, carPort)
	case ModeDev:
		return net.JoinHostPort(localHost, testPort), net.JoinHostPort(localHost, carPort)
	default:
		return net.JoinHostPort(lanHost, carPort), net.JoinHostPort(vehicleHost, carPort)
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.RelayVersion) == "" {
		return errors.New("relay version is empty")
	}
	if strings.TrimSpace(c.UpstreamAddr) == "" {
		return errors.New("RELAY_UPSTREAM_ADDR is required")
	}
	if _, _, err := net.SplitHostPort(c.UpstreamAddr); err != nil {
		return fmt.Errorf("RELAY_UPSTREAM_ADDR: %w", err)
	}
	if strings.TrimSpace(c.ListenAddr) == "" {
		return errors.New("RELAY_LISTEN_ADDR is required")
	}
	if c.Window <= 0 {
		return errors.New("RELAY_WINDOW must be > 0")
	}
	if c.ReconnectDelay <= 0 {
		return errors.New("RELAY_RECONNECT_DELAY must be > 0")
	}
	if c.InactivityTimeout < 0 {
		return errors.New("RELAY_INACTIVITY_TIMEOUT must be >= 0")
	}
	if c.CatchupEnabled {
		if c.PollInterval <= 0 {
			return errors.New("RELAY_POLL_INTERVAL must be > 0")
		}
		if c.CatchupHorizon <= 0 {
			return errors.New("RELAY_CATCHUP_HORIZON must be > 0")
		}
		u, err := url.Parse(c.StoreURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("RELAY_STORE_URL %q must be an http(s) url", c.StoreURL)
		}
	}
	if c.ClientQueueSize <= 0 {
		return errors.New("RELAY_CLIENT_QUEUE must be > 0")
	}
	if c.HealthInterval <= 0 || c.ShutdownTimeout <= 0 {
		return errors.New("RELAY_HEALTH_INTERVAL and RELAY_SHUTDOWN_TIMEOUT must be > 0")
	}
	return nil
}

func env(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func envInt(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func envBool(key string, fallback bool) bool {
	v := strings.TrimSpace(strings.ToLower(os.Getenv(key)))
	if v == "" {
		return fallback
	}
	switch v {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
