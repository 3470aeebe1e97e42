// Package config loads and validates the sidecar's configuration.
// Grounded on cmd/karoo/main.go's loadConfig(): a JSON file named by a
// -config flag, defaults filled in for zero-valued fields, then
// validated before use. CLI flags mirror spec.md §6's surface and
// override the corresponding JSON field when set.
package config

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/rcssim/sidecar/internal/admission"
	"github.com/rcssim/sidecar/internal/egress"
	"github.com/rcssim/sidecar/internal/service"
)

// ListenConfig controls the room's UDP bind address and the HTTP status
// server.
type ListenConfig struct {
	IP         string `json:"ip"`
	Port       int    `json:"port"`
	HTTPListen string `json:"http_listen"`
}

// Addr renders the IP/Port pair as a dial/listen string.
func (l ListenConfig) Addr() string {
	return fmt.Sprintf("%s:%d", l.IP, l.Port)
}

// SimConfig locates the sim executable and its launch arguments.
type SimConfig struct {
	Executable      string        `json:"executable"`
	PlayerPort      int           `json:"player_port"`
	TrainerPort     int           `json:"trainer_port"`
	CoachPort       int           `json:"coach_port"`
	RCSSSync        bool          `json:"rcss_sync"`
	RCSSLogDir      string        `json:"rcss_log_dir"`
	ReadyTimeoutMs  int           `json:"ready_timeout_ms"`
	InitTimeoutMs   int           `json:"init_timeout_ms"`
	ShutdownTimeoutMs int         `json:"shutdown_timeout_ms"`
	CoachLocal      string        `json:"coach_local"`
	CoachPeer       string        `json:"coach_peer"`
}

// Args flattens SimConfig into the namespaced command-line arguments the
// sim binary expects, via supervisor.BuildArgs's "namespace::key=value"
// convention.
func (s SimConfig) Args() []string {
	ns := map[string]map[string]string{
		"server": {
			"port":         fmt.Sprintf("%d", s.PlayerPort),
			"coach_port":   fmt.Sprintf("%d", s.CoachPort),
			"olcoach_port": fmt.Sprintf("%d", s.TrainerPort),
		},
	}
	if s.RCSSSync {
		ns["server"]["synch_mode"] = "true"
	}
	if s.RCSSLogDir != "" {
		ns["server"]["log_dir"] = s.RCSSLogDir
	}
	names := make([]string, 0, len(ns))
	for n := range ns {
		names = append(names, n)
	}
	var args []string
	for _, n := range names {
		keys := ns[n]
		for k, v := range keys {
			args = append(args, fmt.Sprintf("%s::%s=%s", n, k, v))
		}
	}
	return args
}

// UpstreamConfig names the remote WS endpoint and its egress path.
type UpstreamConfig struct {
	URL                  string        `json:"url"`
	MaxReconnectAttempts int           `json:"max_reconnect_attempts"`
	ReconnectDelayMs     int           `json:"reconnect_delay_ms"`
	HandshakeTimeoutMs   int           `json:"handshake_timeout_ms"`
	Egress               egress.Config `json:"egress"`
}

// AdmissionConfig mirrors admission.Config for JSON loading.
type AdmissionConfig = admission.Config

// MetricsConfig controls the Prometheus namespace and whether metrics
// are registered at all.
type MetricsConfig struct {
	Enabled   bool   `json:"enabled"`
	Namespace string `json:"namespace"`
}

// AgonesConfig controls the optional Agones SDK decorator.
type AgonesConfig struct {
	Enabled                 bool `json:"enabled"`
	HealthCheckIntervalMs   int  `json:"health_check_interval_ms"`
	AutoShutdownOnFinish    bool `json:"auto_shutdown_on_finish"`
}

// Config is the sidecar's full runtime configuration.
type Config struct {
	Listen    ListenConfig    `json:"listen"`
	Sim       SimConfig       `json:"sim"`
	Upstream  UpstreamConfig  `json:"upstream"`
	Admission AdmissionConfig `json:"admission"`
	Metrics   MetricsConfig   `json:"metrics"`
	Agones    AgonesConfig    `json:"agones"`
}

// ServiceConfig projects the loaded Config into the shape
// internal/service.Config expects.
func (c Config) ServiceConfig() service.Config {
	return service.Config{
		Executable:      c.Sim.Executable,
		Args:            c.Sim.Args(),
		ReadyTimeout:    time.Duration(c.Sim.ReadyTimeoutMs) * time.Millisecond,
		SessionLocal:    c.Sim.CoachLocal,
		SessionPeer:     c.Sim.CoachPeer,
		InitTimeout:     time.Duration(c.Sim.InitTimeoutMs) * time.Millisecond,
		ShutdownTimeout: time.Duration(c.Sim.ShutdownTimeoutMs) * time.Millisecond,
	}
}

// Flags bundles the CLI overrides applied on top of the JSON file,
// following spec.md §6's surface.
type Flags struct {
	ConfigPath            string
	Version               bool
	IP                    string
	Port                  int
	PlayerPort            int
	TrainerPort           int
	CoachPort             int
	RCSSSync              bool
	RCSSLogDir            string
	HealthCheckIntervalMs int
	AutoShutdownOnFinish  bool
}

// ParseFlags declares and parses the sidecar's flag set. Kept separate
// from Load so tests can construct Flags directly without touching the
// process-global flag.CommandLine.
func ParseFlags(args []string) (Flags, error) {
	fs := flag.NewFlagSet("sidecar", flag.ContinueOnError)
	f := Flags{}
	fs.StringVar(&f.ConfigPath, "config", "config.json", "Path to configuration file")
	fs.BoolVar(&f.Version, "version", false, "Show version information")
	fs.StringVar(&f.IP, "ip", "", "Room UDP listen IP (overrides config)")
	fs.IntVar(&f.Port, "port", 0, "Room UDP listen port (overrides config)")
	fs.IntVar(&f.PlayerPort, "player-port", 0, "Sim player UDP port (overrides config)")
	fs.IntVar(&f.TrainerPort, "trainer-port", 0, "Sim trainer UDP port (overrides config)")
	fs.IntVar(&f.CoachPort, "coach-port", 0, "Sim coach UDP port (overrides config)")
	fs.BoolVar(&f.RCSSSync, "rcss-sync", false, "Run the sim in synchronous mode (overrides config)")
	fs.StringVar(&f.RCSSLogDir, "rcss-log-dir", "", "Sim log directory (overrides config)")
	fs.IntVar(&f.HealthCheckIntervalMs, "health-check-interval", 0, "Agones health-ping interval in ms (overrides config)")
	fs.BoolVar(&f.AutoShutdownOnFinish, "auto-shutdown-on-finish", false, "Shut down once the sim reaches Finished (overrides config)")
	if err := fs.Parse(args); err != nil {
		return Flags{}, err
	}
	return f, nil
}

// Load reads path, applies defaults, overlays flags, and validates the
// result.
func Load(path string, f Flags) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyDefaults(&cfg)
	applyFlags(&cfg, f)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Listen.IP == "" {
		cfg.Listen.IP = "0.0.0.0"
	}
	if cfg.Listen.Port == 0 {
		cfg.Listen.Port = 6000
	}
	if cfg.Sim.PlayerPort == 0 {
		cfg.Sim.PlayerPort = 6000
	}
	if cfg.Sim.TrainerPort == 0 {
		cfg.Sim.TrainerPort = 6001
	}
	if cfg.Sim.CoachPort == 0 {
		cfg.Sim.CoachPort = 6002
	}
	if cfg.Sim.ReadyTimeoutMs == 0 {
		cfg.Sim.ReadyTimeoutMs = 5000
	}
	if cfg.Sim.InitTimeoutMs == 0 {
		cfg.Sim.InitTimeoutMs = 5000
	}
	if cfg.Sim.ShutdownTimeoutMs == 0 {
		cfg.Sim.ShutdownTimeoutMs = 3000
	}
	if cfg.Sim.CoachLocal == "" {
		cfg.Sim.CoachLocal = "0.0.0.0:0"
	}
	if cfg.Sim.CoachPeer == "" {
		cfg.Sim.CoachPeer = fmt.Sprintf("127.0.0.1:%d", cfg.Sim.CoachPort)
	}
	if cfg.Upstream.MaxReconnectAttempts == 0 {
		cfg.Upstream.MaxReconnectAttempts = 5
	}
	if cfg.Upstream.ReconnectDelayMs == 0 {
		cfg.Upstream.ReconnectDelayMs = 500
	}
	if cfg.Upstream.HandshakeTimeoutMs == 0 {
		cfg.Upstream.HandshakeTimeoutMs = 10000
	}
	if cfg.Admission.CleanupIntervalSeconds == 0 {
		cfg.Admission.CleanupIntervalSeconds = 60
	}
	if cfg.Metrics.Namespace == "" {
		cfg.Metrics.Namespace = "sidecar"
	}
	if cfg.Agones.HealthCheckIntervalMs == 0 {
		cfg.Agones.HealthCheckIntervalMs = 5000
	}
}

func applyFlags(cfg *Config, f Flags) {
	if f.IP != "" {
		cfg.Listen.IP = f.IP
	}
	if f.Port != 0 {
		cfg.Listen.Port = f.Port
	}
	if f.PlayerPort != 0 {
		cfg.Sim.PlayerPort = f.PlayerPort
	}
	if f.TrainerPort != 0 {
		cfg.Sim.TrainerPort = f.TrainerPort
	}
	if f.CoachPort != 0 {
		cfg.Sim.CoachPort = f.CoachPort
	}
	if f.RCSSSync {
		cfg.Sim.RCSSSync = true
	}
	if f.RCSSLogDir != "" {
		cfg.Sim.RCSSLogDir = f.RCSSLogDir
	}
	if f.HealthCheckIntervalMs != 0 {
		cfg.Agones.HealthCheckIntervalMs = f.HealthCheckIntervalMs
	}
	if f.AutoShutdownOnFinish {
		cfg.Agones.AutoShutdownOnFinish = true
	}
}

// Validate checks required fields and cross-field constraints.
func (c Config) Validate() error {
	if c.Sim.Executable == "" {
		return fmt.Errorf("sim.executable is required")
	}
	if c.Upstream.URL == "" {
		return fmt.Errorf("upstream.url is required")
	}
	if c.Sim.PlayerPort == c.Sim.TrainerPort || c.Sim.PlayerPort == c.Sim.CoachPort || c.Sim.TrainerPort == c.Sim.CoachPort {
		return fmt.Errorf("sim.player_port, sim.trainer_port, sim.coach_port must be distinct")
	}
	return nil
}
