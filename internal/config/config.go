// Package config provides configuration loading and validation for the
// MOD-EVAC coordinator.
//
// Configuration file: modevac.yaml (path given on the command line).
// Schema version: 1.
//
// Validation:
//   - All required fields must be present.
//   - Numeric ranges enforced (ports, qualities, thresholds).
//   - Invalid config on startup: the coordinator refuses to start (exit 1).
//
// The YAML file covers deploy-time wiring (ports, paths, timeouts). The
// dashboard-tunable analysis settings are a separate JSON document (see
// settings.go) because the dashboard round-trips it as-is.

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Version, GitCommit, BuildTime are set at build time via -ldflags -X.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// Config is the root configuration structure.
// All fields have defaults; see Defaults() for values.
type Config struct {
	// SchemaVersion must be "1".
	SchemaVersion string `yaml:"schema_version"`

	// SystemTag identifies this deployment in discovery beacons.
	// Default: "modevac".
	SystemTag string `yaml:"system_tag"`

	Serial        SerialConfig        `yaml:"serial"`
	Fleet         FleetConfig         `yaml:"fleet"`
	Vision        VisionConfig        `yaml:"vision"`
	Control       ControlConfig       `yaml:"control"`
	Storage       StorageConfig       `yaml:"storage"`
	API           APIConfig           `yaml:"api"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// SerialConfig configures the microcontroller link.
type SerialConfig struct {
	// Port is the serial device path. Empty means autodetect by USB-serial
	// chip descriptor (cp210x, ch340, ftdi).
	Port string `yaml:"port"`

	// BaudRate is the line speed. Default: 115200 (firmware contract).
	BaudRate int `yaml:"baud_rate"`

	// PingInterval is how often a ping frame proves peer liveness.
	// Default: 5s.
	PingInterval time.Duration `yaml:"ping_interval"`

	// ReconnectDelay is the wait after a serial error before re-opening.
	// Default: 2s. OpenRetryDelay is the wait after a failed open. Default: 5s.
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	OpenRetryDelay time.Duration `yaml:"open_retry_delay"`
}

// FleetConfig configures worker discovery and dispatch.
type FleetConfig struct {
	// TCPPort is the worker registration listener port. Default: 5600.
	TCPPort int `yaml:"tcp_port"`

	// DiscoveryPort is the UDP broadcast target port. Default: 5601.
	DiscoveryPort int `yaml:"discovery_port"`

	// AnnounceInterval is the beacon period. Default: 2s.
	AnnounceInterval time.Duration `yaml:"announce_interval"`

	// HeartbeatTimeout evicts workers whose last heartbeat is older.
	// Default: 15s. CleanupInterval is the eviction sweep period. Default: 5s.
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout"`
	CleanupInterval  time.Duration `yaml:"cleanup_interval"`
}

// VisionConfig configures the inference pipeline.
type VisionConfig struct {
	// DetectorURL is the local black-box detector endpoint. Empty disables
	// local inference (every frame is dispatched or skipped).
	DetectorURL string `yaml:"detector_url"`

	// Cameras maps device id → network stream URL, opened at startup.
	Cameras map[string]string `yaml:"cameras"`

	// DispatchTimeout bounds the wait for a remote inference result.
	// Default: 150ms.
	DispatchTimeout time.Duration `yaml:"dispatch_timeout"`

	// RemoteJPEGQuality is the re-encode quality for dispatched frames
	// (bandwidth over fidelity). Default: 50.
	// LocalJPEGQuality is the re-encode quality for local inference and the
	// dashboard relay. Default: 70.
	RemoteJPEGQuality int `yaml:"remote_jpeg_quality"`
	LocalJPEGQuality  int `yaml:"local_jpeg_quality"`

	// LocalConfidence is the local-inference confidence floor. Default: 0.4.
	LocalConfidence float64 `yaml:"local_confidence"`

	// ReopenDelay is the camera-source backoff after read failure.
	// Default: 2s.
	ReopenDelay time.Duration `yaml:"reopen_delay"`
}

// ControlConfig configures the alert engine.
type ControlConfig struct {
	// MinConfidence ignores detections below this. Default: 0.5.
	MinConfidence float64 `yaml:"min_confidence"`

	// RainDanger and RainWarning are precipitation-percentage thresholds.
	// Defaults: 70 / 40. TiltThreshold is |x|+|y| degrees. Default: 30.
	RainDanger    float64 `yaml:"rain_danger"`
	RainWarning   float64 `yaml:"rain_warning"`
	TiltThreshold float64 `yaml:"tilt_threshold"`

	// Debounce is the minimum spacing between successful triggers.
	// Default: 2s.
	Debounce time.Duration `yaml:"debounce"`

	// CallWindow is how long a GSM call attempt is given to complete.
	// Default: 10s. RetryDelay is the wait after a failed call send.
	// Default: 5s. MaxCallRetries is per-contact. Default: 5.
	CallWindow     time.Duration `yaml:"call_window"`
	RetryDelay     time.Duration `yaml:"retry_delay"`
	MaxCallRetries int           `yaml:"max_call_retries"`

	// StaleAlertTimeout auto-clears an alert untouched this long.
	// Default: 600s. TickInterval is the control loop period. Default: 500ms.
	StaleAlertTimeout time.Duration `yaml:"stale_alert_timeout"`
	TickInterval      time.Duration `yaml:"tick_interval"`
}

// StorageConfig configures persistence paths.
type StorageConfig struct {
	// DBPath is the SQLite file. Default: system.db.
	DBPath string `yaml:"db_path"`

	// SettingsPath is the dashboard settings JSON document.
	// Default: config.json.
	SettingsPath string `yaml:"settings_path"`
}

// APIConfig configures the HTTP/WebSocket surface.
type APIConfig struct {
	// ListenAddr is the bind address. Default: 0.0.0.0:8000.
	ListenAddr string `yaml:"listen_addr"`
}

// ObservabilityConfig holds logging parameters.
type ObservabilityConfig struct {
	// LogLevel: debug, info, warn, error. Default: info.
	// LogFormat: json, console. Default: json.
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// Defaults returns a Config populated with all default values.
func Defaults() Config {
	return Config{
		SchemaVersion: "1",
		SystemTag:     "modevac",
		Serial: SerialConfig{
			BaudRate:       115200,
			PingInterval:   5 * time.Second,
			ReconnectDelay: 2 * time.Second,
			OpenRetryDelay: 5 * time.Second,
		},
		Fleet: FleetConfig{
			TCPPort:          5600,
			DiscoveryPort:    5601,
			AnnounceInterval: 2 * time.Second,
			HeartbeatTimeout: 15 * time.Second,
			CleanupInterval:  5 * time.Second,
		},
		Vision: VisionConfig{
			DispatchTimeout:   150 * time.Millisecond,
			RemoteJPEGQuality: 50,
			LocalJPEGQuality:  70,
			LocalConfidence:   0.4,
			ReopenDelay:       2 * time.Second,
		},
		Control: ControlConfig{
			MinConfidence:     0.5,
			RainDanger:        70.0,
			RainWarning:       40.0,
			TiltThreshold:     30.0,
			Debounce:          2 * time.Second,
			CallWindow:        10 * time.Second,
			RetryDelay:        5 * time.Second,
			MaxCallRetries:    5,
			StaleAlertTimeout: 600 * time.Second,
			TickInterval:      500 * time.Millisecond,
		},
		Storage: StorageConfig{
			DBPath:       "system.db",
			SettingsPath: "config.json",
		},
		API: APIConfig{
			ListenAddr: "0.0.0.0:8000",
		},
		Observability: ObservabilityConfig{
			LogLevel:  "info",
			LogFormat: "json",
		},
	}
}

// Load reads and validates a config file. A missing path returns pure
// defaults; an unreadable or invalid file is an error.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	if path == "" {
		return &cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &cfg, nil
		}
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse %q: %w", path, err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config.Load: validation failed: %w", err)
	}
	return &cfg, nil
}

// Validate checks all config fields for correctness.
// Returns a descriptive error listing all violations found.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.SchemaVersion != "1" {
		errs = append(errs, fmt.Sprintf("schema_version must be \"1\", got %q", cfg.SchemaVersion))
	}
	if cfg.SystemTag == "" {
		errs = append(errs, "system_tag must not be empty")
	}
	if cfg.Serial.BaudRate <= 0 {
		errs = append(errs, fmt.Sprintf("serial.baud_rate must be > 0, got %d", cfg.Serial.BaudRate))
	}
	if p := cfg.Fleet.TCPPort; p < 1 || p > 65535 {
		errs = append(errs, fmt.Sprintf("fleet.tcp_port must be in [1, 65535], got %d", p))
	}
	if p := cfg.Fleet.DiscoveryPort; p < 1 || p > 65535 {
		errs = append(errs, fmt.Sprintf("fleet.discovery_port must be in [1, 65535], got %d", p))
	}
	if cfg.Fleet.HeartbeatTimeout <= cfg.Fleet.CleanupInterval {
		errs = append(errs, "fleet.heartbeat_timeout must exceed fleet.cleanup_interval")
	}
	if q := cfg.Vision.RemoteJPEGQuality; q < 1 || q > 100 {
		errs = append(errs, fmt.Sprintf("vision.remote_jpeg_quality must be in [1, 100], got %d", q))
	}
	if q := cfg.Vision.LocalJPEGQuality; q < 1 || q > 100 {
		errs = append(errs, fmt.Sprintf("vision.local_jpeg_quality must be in [1, 100], got %d", q))
	}
	if c := cfg.Vision.LocalConfidence; c < 0 || c > 1 {
		errs = append(errs, fmt.Sprintf("vision.local_confidence must be in [0.0, 1.0], got %f", c))
	}
	if cfg.Vision.DispatchTimeout <= 0 {
		errs = append(errs, "vision.dispatch_timeout must be > 0")
	}
	if c := cfg.Control.MinConfidence; c < 0 || c > 1 {
		errs = append(errs, fmt.Sprintf("control.min_confidence must be in [0.0, 1.0], got %f", c))
	}
	if cfg.Control.RainWarning >= cfg.Control.RainDanger {
		errs = append(errs, "control.rain_warning must be below control.rain_danger")
	}
	if cfg.Control.MaxCallRetries < 1 {
		errs = append(errs, fmt.Sprintf("control.max_call_retries must be >= 1, got %d", cfg.Control.MaxCallRetries))
	}
	if cfg.Storage.DBPath == "" {
		errs = append(errs, "storage.db_path must not be empty")
	}
	if cfg.API.ListenAddr == "" {
		errs = append(errs, "api.listen_addr must not be empty")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
