package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"

	ma "github.com/multiformats/go-multiaddr"

	"github.com/wevov/liaotian/internal/util"
)

type Config struct {
	Identity Identity `json:"identity"`
	Profile  Profile  `json:"profile"`
	P2P      P2P      `json:"p2p"`
	Presence Presence `json:"presence"`
	Media    Media    `json:"media"`
	Storage  Storage  `json:"storage"`
	Gateway  Gateway  `json:"gateway"`
}

type Identity struct {
	KeyFile string `json:"key_file"`
	// UserID is the durable account identity. Distinct from the libp2p peer
	// id, which changes with the key file.
	UserID string `json:"user_id"`
}

type Profile struct {
	DisplayName string `json:"display_name"`
	Username    string `json:"username"`
	AvatarURL   string `json:"avatar_url"`
}

type P2P struct {
	ListenPort int `json:"listen_port"`
	// BootstrapPeers are full multiaddrs (with /p2p/<id>) dialed at startup.
	// Empty is fine on a LAN: mDNS finds the others.
	BootstrapPeers []string `json:"bootstrap_peers"`
}

type Presence struct {
	TTLSec       int `json:"ttl_seconds"`
	HeartbeatSec int `json:"heartbeat_seconds"`
}

type Media struct {
	// ICEServers are STUN/TURN URLs handed to every peer connection.
	ICEServers []string `json:"ice_servers"`

	StartMuted    bool `json:"start_muted"`
	VideoDisabled bool `json:"video_disabled"`

	// Voice activity detection. Threshold is RMS amplitude over int16 PCM;
	// 0 keeps the built-in default.
	VadThreshold  float64 `json:"vad_threshold"`
	VadIntervalMS int     `json:"vad_interval_ms"`
}

type Storage struct {
	DBFile string `json:"db_file"`
}

type Gateway struct {
	// HTTPAddr is the local API/event bind address. Empty disables the
	// gateway entirely.
	HTTPAddr string `json:"http_addr"`
}

func Default() Config {
	return Config{
		Identity: Identity{
			KeyFile: "data/identity.key",
		},
		Profile: Profile{
			DisplayName: "anonymous",
			Username:    "anonymous",
		},
		P2P: P2P{
			ListenPort: 0,
		},
		Presence: Presence{
			TTLSec:       20,
			HeartbeatSec: 5,
		},
		Media: Media{
			ICEServers: []string{"stun:stun.l.google.com:19302"},
		},
		Storage: Storage{
			DBFile: "data/liaotian.db",
		},
		Gateway: Gateway{
			HTTPAddr: "127.0.0.1:7717",
		},
	}
}

func (c *Config) Validate() error {
	// Identity
	if strings.TrimSpace(c.Identity.KeyFile) == "" {
		return errors.New("identity.key_file is required")
	}

	// Profile
	if strings.TrimSpace(c.Profile.Username) == "" {
		return errors.New("profile.username is required")
	}

	// P2P
	if c.P2P.ListenPort < 0 || c.P2P.ListenPort > 65535 {
		return errors.New("p2p.listen_port must be 0..65535")
	}
	for _, s := range c.P2P.BootstrapPeers {
		if _, err := ma.NewMultiaddr(s); err != nil {
			return fmt.Errorf("p2p.bootstrap_peers: %q: %w", s, err)
		}
	}

	// Presence
	if c.Presence.TTLSec <= 0 {
		return errors.New("presence.ttl_seconds must be > 0")
	}
	if c.Presence.HeartbeatSec <= 0 {
		return errors.New("presence.heartbeat_seconds must be > 0")
	}
	if c.Presence.HeartbeatSec >= c.Presence.TTLSec {
		return errors.New("presence.heartbeat_seconds must be < presence.ttl_seconds")
	}

	// Media
	for _, u := range c.Media.ICEServers {
		if !strings.HasPrefix(u, "stun:") && !strings.HasPrefix(u, "turn:") && !strings.HasPrefix(u, "turns:") {
			return fmt.Errorf("media.ice_servers: %q must be a stun:/turn:/turns: url", u)
		}
	}
	if c.Media.VadThreshold < 0 {
		return errors.New("media.vad_threshold must be >= 0")
	}
	if c.Media.VadIntervalMS < 0 {
		return errors.New("media.vad_interval_ms must be >= 0")
	}

	// Storage
	if strings.TrimSpace(c.Storage.DBFile) == "" {
		return errors.New("storage.db_file is required")
	}

	// Gateway
	if addr := strings.TrimSpace(c.Gateway.HTTPAddr); addr != "" {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return fmt.Errorf("gateway.http_addr: %w", err)
		}
	}

	return nil
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
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

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
