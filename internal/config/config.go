package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/petervdpas/lanlink/internal/proto"
	"github.com/petervdpas/lanlink/internal/util"
)

type Config struct {
	Profile  Profile  `json:"profile"`
	Network  Network  `json:"network"`
	Presence Presence `json:"presence"`
	Storage  Storage  `json:"storage"`
}

type Profile struct {
	Username  string `json:"username"`
	AvatarURL string `json:"avatar_url"`
}

type Network struct {
	ListenPort int    `json:"listen_port"`
	MdnsTag    string `json:"mdns_tag"`

	// Fixed peers to connect to when multicast DNS is filtered on the
	// network. Entries are "ip:port".
	StaticPeers []string `json:"static_peers"`

	// Disable mDNS entirely and rely on static_peers only.
	MdnsDisabled bool `json:"mdns_disabled"`
}

type Presence struct {
	// A peer is marked offline when nothing has been heard from it for
	// this long.
	StaleSec int `json:"stale_seconds"`

	// How often the stale check runs.
	SweepSec int `json:"sweep_seconds"`
}

type Storage struct {
	// Directory for the message and peer database. Relative paths are
	// resolved against the config file's directory.
	DataDir string `json:"data_dir"`
}

func Default() Config {
	return Config{
		Profile: Profile{
			Username: "anonymous",
		},
		Network: Network{
			ListenPort: 9444,
			MdnsTag:    proto.ServiceName,
		},
		Presence: Presence{
			StaleSec: 120,
			SweepSec: 30,
		},
		Storage: Storage{
			DataDir: "data",
		},
	}
}

func (c *Config) Validate() error {
	// Profile
	if strings.TrimSpace(c.Profile.Username) == "" {
		return errors.New("profile.username is required")
	}

	// Network
	if c.Network.ListenPort < 1 || c.Network.ListenPort > 65535 {
		return errors.New("network.listen_port must be 1..65535")
	}
	if strings.TrimSpace(c.Network.MdnsTag) == "" && !c.Network.MdnsDisabled {
		return errors.New("network.mdns_tag is required unless mdns_disabled")
	}
	for _, p := range c.Network.StaticPeers {
		if err := validateStaticPeer(p); err != nil {
			return fmt.Errorf("network.static_peers: %w", err)
		}
	}
	if c.Network.MdnsDisabled && len(c.Network.StaticPeers) == 0 {
		return errors.New("network.static_peers is required when mdns is disabled")
	}

	// Presence
	if c.Presence.StaleSec <= 0 {
		return errors.New("presence.stale_seconds must be > 0")
	}
	if c.Presence.SweepSec <= 0 {
		return errors.New("presence.sweep_seconds must be > 0")
	}
	if c.Presence.SweepSec >= c.Presence.StaleSec {
		return errors.New("presence.sweep_seconds must be < presence.stale_seconds")
	}

	// Storage
	if strings.TrimSpace(c.Storage.DataDir) == "" {
		return errors.New("storage.data_dir is required")
	}

	return nil
}

func validateStaticPeer(raw string) error {
	host, port, err := net.SplitHostPort(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("%q must be ip:port", raw)
	}
	if net.ParseIP(host) == nil {
		return fmt.Errorf("%q has an invalid ip", raw)
	}
	n, err := strconv.Atoi(port)
	if err != nil || n < 1 || n > 65535 {
		return fmt.Errorf("%q has an invalid port", raw)
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
