package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/mbucko/remote-agent-shell/internal/util"
)

type Config struct {
	Daemon    Daemon    `json:"daemon"`
	Relay     Relay     `json:"relay"`
	WebRTC    WebRTC    `json:"webrtc"`
	Listen    Listen    `json:"listen"`
	Sessions  Sessions  `json:"sessions"`
	Clipboard Clipboard `json:"clipboard"`
}

type Daemon struct {
	// DeviceID identifies this daemon to paired devices. Generated on first
	// run and persisted.
	DeviceID string `json:"device_id"`

	// DisplayName shown on devices during pairing. Defaults to the hostname.
	DisplayName string `json:"display_name"`

	// DataDir holds the device store, session records and temp files.
	// Relative paths resolve against the config file's directory.
	DataDir string `json:"data_dir"`
}

type Relay struct {
	// Server is the ntfy-compatible pub/sub server used for signaling.
	Server string `json:"server"`
}

type WebRTC struct {
	STUNServers []string `json:"stun_servers"`

	// VPNAddresses are extra local addresses (e.g. a Tailscale IP) announced
	// as host candidates so devices on the VPN can connect directly.
	VPNAddresses []string `json:"vpn_addresses"`
}

type Listen struct {
	// WebSocketAddr is the LAN listener for direct WebSocket connections.
	// Empty disables it.
	WebSocketAddr string `json:"websocket_addr"`

	// UDPAddr is the VPN listener for the lightweight UDP transport.
	// Empty disables it.
	UDPAddr string `json:"udp_addr"`

	// PairingAddr serves the direct HTTP signaling endpoint during pairing,
	// plus /health and /metrics.
	PairingAddr string `json:"pairing_addr"`
}

type Sessions struct {
	// Root confines new session directories. Empty means the user's home.
	Root string `json:"root"`

	// DeniedDirs are subtrees under Root that sessions may never start in.
	DeniedDirs []string `json:"denied_dirs"`

	// Agents maps agent names to the commands that launch them.
	Agents map[string]string `json:"agents"`

	// Max caps concurrent sessions.
	Max int `json:"max"`

	// TmuxBin overrides the tmux binary path.
	TmuxBin string `json:"tmux_bin"`
}

type Clipboard struct {
	// MaxImageBytes caps one image transfer.
	MaxImageBytes int64 `json:"max_image_bytes"`

	// TextApprovalBytes is the text paste size above which the daemon asks
	// for approval before pasting.
	TextApprovalBytes int `json:"text_approval_bytes"`
}

func Default() Config {
	hostname, _ := os.Hostname()
	return Config{
		Daemon: Daemon{
			DeviceID:    uuid.NewString(),
			DisplayName: hostname,
			DataDir:     "data",
		},
		Relay: Relay{
			Server: "https://ntfy.sh",
		},
		WebRTC: WebRTC{
			STUNServers: []string{"stun:stun.l.google.com:19302"},
		},
		Listen: Listen{
			WebSocketAddr: ":7621",
			UDPAddr:       ":7622",
			PairingAddr:   "127.0.0.1:7623",
		},
		Sessions: Sessions{
			Root:       "",
			DeniedDirs: []string{".ssh", ".gnupg"},
			Agents: map[string]string{
				"claude": "claude",
				"shell":  "",
			},
			Max:     20,
			TmuxBin: "tmux",
		},
		Clipboard: Clipboard{
			MaxImageBytes:     10 << 20,
			TextApprovalBytes: 100 << 10,
		},
	}
}

func (c *Config) Validate() error {
	// Daemon
	if strings.TrimSpace(c.Daemon.DeviceID) == "" {
		return errors.New("daemon.device_id is required")
	}
	if strings.TrimSpace(c.Daemon.DataDir) == "" {
		return errors.New("daemon.data_dir is required")
	}

	// Relay
	rs := strings.TrimSpace(c.Relay.Server)
	if rs == "" {
		return errors.New("relay.server is required")
	}
	u, err := url.Parse(rs)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return errors.New("relay.server must be an http(s) URL")
	}

	// WebRTC
	for _, s := range c.WebRTC.STUNServers {
		if !strings.HasPrefix(s, "stun:") && !strings.HasPrefix(s, "turn:") {
			return fmt.Errorf("webrtc.stun_servers entry %q must start with stun: or turn:", s)
		}
	}

	// Sessions
	if c.Sessions.Max <= 0 {
		return errors.New("sessions.max must be > 0")
	}
	if len(c.Sessions.Agents) == 0 {
		return errors.New("sessions.agents must define at least one agent")
	}
	for name := range c.Sessions.Agents {
		if strings.TrimSpace(name) == "" {
			return errors.New("sessions.agents keys must be non-empty")
		}
	}

	// Clipboard
	if c.Clipboard.MaxImageBytes <= 0 {
		return errors.New("clipboard.max_image_bytes must be > 0")
	}
	if c.Clipboard.TextApprovalBytes <= 0 {
		return errors.New("clipboard.text_approval_bytes must be > 0")
	}

	return nil
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return Config{}, false, err
	}
	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}

// ResolveDataDir returns the absolute data directory for a config loaded
// from path.
func ResolveDataDir(cfg Config, path string) string {
	if filepath.IsAbs(cfg.Daemon.DataDir) {
		return cfg.Daemon.DataDir
	}
	return filepath.Join(filepath.Dir(path), cfg.Daemon.DataDir)
}
