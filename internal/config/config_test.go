package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Daemon.DeviceID == "" {
		t.Fatal("default config has no device id")
	}
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"empty device id", func(c *Config) { c.Daemon.DeviceID = " " }, "device_id"},
		{"empty data dir", func(c *Config) { c.Daemon.DataDir = "" }, "data_dir"},
		{"empty relay", func(c *Config) { c.Relay.Server = "" }, "relay.server"},
		{"relay not a url", func(c *Config) { c.Relay.Server = "ntfy.sh" }, "http(s)"},
		{"bad stun scheme", func(c *Config) { c.WebRTC.STUNServers = []string{"udp:x"} }, "stun"},
		{"zero max sessions", func(c *Config) { c.Sessions.Max = 0 }, "sessions.max"},
		{"no agents", func(c *Config) { c.Sessions.Agents = nil }, "agents"},
		{"zero image cap", func(c *Config) { c.Clipboard.MaxImageBytes = 0 }, "max_image_bytes"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("validation passed")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestEnsureCreatesThenLoads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	cfg, created, err := Ensure(path)
	if err != nil {
		t.Fatal(err)
	}
	if !created {
		t.Fatal("first Ensure did not create the file")
	}

	again, created, err := Ensure(path)
	if err != nil {
		t.Fatal(err)
	}
	if created {
		t.Fatal("second Ensure recreated the file")
	}
	if again.Daemon.DeviceID != cfg.Daemon.DeviceID {
		t.Fatal("device id did not persist across Ensure calls")
	}
}

func TestLoadMergesOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{"daemon":{"device_id":"fixed-id","data_dir":"data"},"relay":{"server":"https://relay.example.org"}}`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Relay.Server != "https://relay.example.org" {
		t.Fatalf("relay.server = %q", cfg.Relay.Server)
	}
	// Unset sections keep their defaults.
	if cfg.Sessions.Max != 20 {
		t.Fatalf("sessions.max = %d, want default 20", cfg.Sessions.Max)
	}
	if len(cfg.WebRTC.STUNServers) == 0 {
		t.Fatal("stun servers default lost")
	}
}

func TestLoadStripsBOM(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := append([]byte{0xEF, 0xBB, 0xBF}, []byte(`{"daemon":{"device_id":"x","data_dir":"data"}}`)...)
	if err := os.WriteFile(path, body, 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err != nil {
		t.Fatalf("BOM-prefixed config rejected: %v", err)
	}
}

func TestResolveDataDir(t *testing.T) {
	cfg := Default()
	cfg.Daemon.DataDir = "data"
	if got := ResolveDataDir(cfg, "/etc/ras/config.json"); got != "/etc/ras/data" {
		t.Fatalf("relative resolve = %q", got)
	}
	cfg.Daemon.DataDir = "/var/lib/ras"
	if got := ResolveDataDir(cfg, "/etc/ras/config.json"); got != "/var/lib/ras" {
		t.Fatalf("absolute resolve = %q", got)
	}
}
