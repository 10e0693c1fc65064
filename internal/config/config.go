/*
Package config handles loading and validating daemon configuration from
environment variables, with an optional YAML file overlay. All values have
sensible defaults so the daemon can start with zero setup on a fresh host.
*/
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"
)

// Config holds every configuration value the daemon needs. Values are read
// once at startup and passed through the app via dependency injection —
// there is no package-level config variable, so every dependency is visible
// at its call site and components stay testable in isolation.
type Config struct {
	// Port is the TCP port the HTTP/WebSocket server listens on.
	Port string `yaml:"port"`

	// DBPath is the bbolt file backing the ContainerStore and PortPool.
	DBPath string `yaml:"db_path"`

	// VolumeRoot is the base directory holding each container's volume
	// data, bind-mounted into the container at /home/container.
	VolumeRoot string `yaml:"volume_root"`

	// ScratchRoot is the base directory for each container's /app/data
	// staging area (entrypoint.sh, install.sh, install output) before
	// it is bind-mounted in.
	ScratchRoot string `yaml:"scratch_root"`

	// LogRoot is the base directory for per-container install/console
	// log mirrors (SPEC_FULL.md §5).
	LogRoot string `yaml:"log_root"`

	// LogFormat controls slog's output format: "text" for local
	// development, anything else (default "json") for production.
	LogFormat string `yaml:"log_format"`

	// TokenHeaderName and VendorAcceptHeader are the two headers every
	// protected HTTP/WS request must carry (spec.md §6). The actual
	// token verification is delegated to an injected TokenValidator —
	// this package only names the header conventions.
	TokenHeaderName    string `yaml:"token_header_name"`
	VendorAcceptHeader string `yaml:"vendor_accept_header"`

	// TokenSecret is the shared secret internal/auth.SharedSecretValidator
	// checks every bearer token against. Left at its insecure default with
	// a startup warning when $TOKEN_SECRET is unset, since a fresh install
	// has no other way to get one.
	TokenSecret string `yaml:"token_secret"`

	// DockerHost overrides $DOCKER_HOST when non-empty. Empty means let
	// the SDK's client.FromEnv fall back to the local Unix socket.
	DockerHost string `yaml:"docker_host"`

	// InstallScriptTimeoutSeconds bounds how long an install.sh may run
	// inside the freshly created container (spec.md §4.4).
	InstallScriptTimeoutSeconds int `yaml:"install_script_timeout_seconds"`

	// EventRingSize is the bounded history length kept per container by
	// the EventBus (spec.md §3 recommends 2048).
	EventRingSize int `yaml:"event_ring_size"`

	// SubscriberBacklogSize is the per-subscriber outbound channel depth
	// before a slow WebSocket client is dropped (spec.md §4.3 recommends
	// 256).
	SubscriberBacklogSize int `yaml:"subscriber_backlog_size"`

	// IptablesEnabled gates the PortPool's iptables side effects
	// (spec.md §4.1). Defaults to true on linux, false elsewhere, since
	// iptables is a Linux-only tool.
	IptablesEnabled bool `yaml:"iptables_enabled"`

	// TraefikNetwork-equivalent: the Docker network every managed
	// container joins for host-level isolation (spec.md §1 "per-container
	// network isolation").
	IsolationNetwork string `yaml:"isolation_network"`
}

// NewLogger constructs a *slog.Logger based on Config.LogFormat.
// "text" produces human-readable output for local development; any other
// value produces structured JSON for production and log shipping.
func (c *Config) NewLogger() *slog.Logger {
	var handler slog.Handler

	options := &slog.HandlerOptions{
		AddSource: true,
		Level:     slog.LevelDebug,
		ReplaceAttr: func(groups []string, attribute slog.Attr) slog.Attr {
			if attribute.Key == slog.SourceKey {
				source := attribute.Value.Any().(*slog.Source)
				source.File = filepath.Base(source.File)
			}
			return attribute
		},
	}

	if c.LogFormat == "text" {
		handler = slog.NewTextHandler(os.Stdout, options)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, options)
	}

	return slog.New(handler)
}

// Load reads configuration from environment variables, overlaying an
// optional YAML file first when $LIGHTD_CONFIG points at one. Environment
// variables always win over the file, so an operator can check a config
// file into version control and still override a single field for one run
// without editing it.
func Load() (*Config, error) {
	cfg := defaults()

	if path := os.Getenv("LIGHTD_CONFIG"); path != "" {
		if err := overlayYAML(cfg, path); err != nil {
			return nil, fmt.Errorf("failed to load config file %q: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Port:                        "8080",
		DBPath:                      "./data/lightd.db",
		VolumeRoot:                  "./data/volumes",
		ScratchRoot:                 "./data/scratch",
		LogRoot:                     "./data/logs",
		LogFormat:                   "json",
		TokenHeaderName:             "Authorization",
		VendorAcceptHeader:          "Application/vnd.pkglatv1+json",
		TokenSecret:                 "changeme-dev-secret",
		InstallScriptTimeoutSeconds: 600,
		EventRingSize:               2048,
		SubscriberBacklogSize:       256,
		IptablesEnabled:             runtime.GOOS == "linux",
		IsolationNetwork:            "lightd-containers",
	}
}

func overlayYAML(cfg *Config, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(raw, cfg)
}

func applyEnvOverrides(cfg *Config) {
	cfg.Port = getEnv("PORT", cfg.Port)
	cfg.DBPath = getEnv("DB_PATH", cfg.DBPath)
	cfg.VolumeRoot = getEnv("VOLUME_ROOT", cfg.VolumeRoot)
	cfg.ScratchRoot = getEnv("SCRATCH_ROOT", cfg.ScratchRoot)
	cfg.LogRoot = getEnv("LOG_ROOT", cfg.LogRoot)
	cfg.LogFormat = getEnv("LOG_FORMAT", cfg.LogFormat)
	cfg.TokenHeaderName = getEnv("TOKEN_HEADER_NAME", cfg.TokenHeaderName)
	cfg.VendorAcceptHeader = getEnv("VENDOR_ACCEPT_HEADER", cfg.VendorAcceptHeader)
	cfg.TokenSecret = getEnv("TOKEN_SECRET", cfg.TokenSecret)
	cfg.DockerHost = getEnv("DOCKER_HOST_OVERRIDE", cfg.DockerHost)
	cfg.IsolationNetwork = getEnv("ISOLATION_NETWORK", cfg.IsolationNetwork)
	cfg.InstallScriptTimeoutSeconds = getEnvInt("INSTALL_SCRIPT_TIMEOUT_SECONDS", cfg.InstallScriptTimeoutSeconds)
	cfg.EventRingSize = getEnvInt("EVENT_RING_SIZE", cfg.EventRingSize)
	cfg.SubscriberBacklogSize = getEnvInt("SUBSCRIBER_BACKLOG_SIZE", cfg.SubscriberBacklogSize)
	cfg.IptablesEnabled = getEnvBool("IPTABLES_ENABLED", cfg.IptablesEnabled)
}

// getEnv retrieves an environment variable, falling back to the given
// value when unset or empty. Avoids scattered os.Getenv calls with inline
// fallback logic throughout the codebase.
func getEnv(key, fallbackValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallbackValue
}

func getEnvInt(key string, fallbackValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallbackValue
	}
	var parsed int
	if _, err := fmt.Sscanf(value, "%d", &parsed); err != nil {
		return fallbackValue
	}
	return parsed
}

func getEnvBool(key string, fallbackValue bool) bool {
	switch os.Getenv(key) {
	case "true", "1":
		return true
	case "false", "0":
		return false
	default:
		return fallbackValue
	}
}
