package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTempConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeTempConfig(t, `{
		"sim": {"executable": "rcssserver"},
		"upstream": {"url": "ws://sim.example.com/ws"}
	}`)

	cfg, err := Load(path, Flags{})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Listen.IP != "0.0.0.0" || cfg.Listen.Port != 6000 {
		t.Fatalf("Listen defaults = %+v", cfg.Listen)
	}
	if cfg.Sim.PlayerPort != 6000 || cfg.Sim.TrainerPort != 6001 || cfg.Sim.CoachPort != 6002 {
		t.Fatalf("Sim port defaults = %+v", cfg.Sim)
	}
	if cfg.Metrics.Namespace != "sidecar" {
		t.Fatalf("Metrics.Namespace default = %q, want sidecar", cfg.Metrics.Namespace)
	}
	if cfg.Agones.HealthCheckIntervalMs != 5000 {
		t.Fatalf("Agones.HealthCheckIntervalMs default = %d, want 5000", cfg.Agones.HealthCheckIntervalMs)
	}
}

func TestLoadFlagsOverrideFile(t *testing.T) {
	path := writeTempConfig(t, `{
		"listen": {"ip": "127.0.0.1", "port": 7000},
		"sim": {"executable": "rcssserver", "player_port": 7000, "trainer_port": 7001, "coach_port": 7002},
		"upstream": {"url": "ws://sim.example.com/ws"}
	}`)

	cfg, err := Load(path, Flags{IP: "10.0.0.1", Port: 8000, AutoShutdownOnFinish: true})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Listen.IP != "10.0.0.1" || cfg.Listen.Port != 8000 {
		t.Fatalf("flag override = %+v, want IP 10.0.0.1 port 8000", cfg.Listen)
	}
	if !cfg.Agones.AutoShutdownOnFinish {
		t.Fatal("AutoShutdownOnFinish flag did not override config")
	}
}

func TestLoadMissingRequiredFieldsFails(t *testing.T) {
	path := writeTempConfig(t, `{}`)

	if _, err := Load(path, Flags{}); err == nil {
		t.Fatal("Load() with no sim.executable or upstream.url should fail validation")
	}
}

func TestLoadDuplicatePortsFails(t *testing.T) {
	path := writeTempConfig(t, `{
		"sim": {"executable": "rcssserver", "player_port": 6000, "trainer_port": 6000, "coach_port": 6002},
		"upstream": {"url": "ws://sim.example.com/ws"}
	}`)

	if _, err := Load(path, Flags{}); err == nil {
		t.Fatal("Load() with duplicate sim ports should fail validation")
	}
}

func TestListenConfigAddr(t *testing.T) {
	l := ListenConfig{IP: "127.0.0.1", Port: 6000}
	if got, want := l.Addr(), "127.0.0.1:6000"; got != want {
		t.Fatalf("Addr() = %q, want %q", got, want)
	}
}

func TestSimConfigArgsIncludesPorts(t *testing.T) {
	s := SimConfig{PlayerPort: 6000, TrainerPort: 6001, CoachPort: 6002, RCSSSync: true}
	args := s.Args()

	want := map[string]bool{
		"server::port=6000":         false,
		"server::olcoach_port=6001": false,
		"server::coach_port=6002":   false,
		"server::synch_mode=true":   false,
	}
	for _, a := range args {
		if _, ok := want[a]; ok {
			want[a] = true
		}
	}
	for a, found := range want {
		if !found {
			t.Fatalf("Args() missing %q, got %v", a, args)
		}
	}
}
