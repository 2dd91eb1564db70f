package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/petervdpas/martam/internal/util"
)

type Config struct {
	Identity   Identity   `json:"identity"`
	P2P        P2P        `json:"p2p"`
	Rendezvous Rendezvous `json:"rendezvous"`
	Presence   Presence   `json:"presence"`
	Channel    Channel    `json:"channel"`
	Call       Call       `json:"call"`
}

type Identity struct {
	KeyFile string `json:"key_file"`

	// Registration confirmation bound. The resolver fails with a timeout
	// and leaves no partial registration behind once this elapses.
	RegisterTimeoutSec int `json:"register_timeout_seconds"`

	// Delay before the single automatic retry after an id-taken response.
	RetryDelaySec int `json:"retry_delay_seconds"`
}

type P2P struct {
	ListenPort int `json:"listen_port"`
}

type Rendezvous struct {
	// URL of the rendezvous service, e.g. http://rv.example.org:8787
	URL string `json:"url"`

	// If true, run the bundled rendezvous server on Bind:Port.
	Host bool   `json:"host"`
	Bind string `json:"bind"`
	Port int    `json:"port"`

	// Optional path to a SQLite database so a restarted server still
	// resolves recently-seen peers. Empty means in-memory only.
	PeerDBPath string `json:"peer_db_path"`
}

type Presence struct {
	HeartbeatSec int `json:"heartbeat_seconds"`
}

type Channel struct {
	// Best-effort retry policy for sends issued before a connection is ready.
	SendRetries     int `json:"send_retries"`
	RetryIntervalMS int `json:"retry_interval_ms"`
}

type Call struct {
	STUNServers []string `json:"stun_servers"`
}

func Default() Config {
	return Config{
		Identity: Identity{
			KeyFile:            "data/identity.key",
			RegisterTimeoutSec: 12,
			RetryDelaySec:      2,
		},
		P2P: P2P{
			ListenPort: 0,
		},
		Rendezvous: Rendezvous{
			URL:  "http://127.0.0.1:8787",
			Host: false,
			Bind: "127.0.0.1",
			Port: 8787,
		},
		Presence: Presence{
			HeartbeatSec: 12,
		},
		Channel: Channel{
			SendRetries:     4,
			RetryIntervalMS: 1000,
		},
		Call: Call{
			STUNServers: []string{"stun:stun.l.google.com:19302"},
		},
	}
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Identity.KeyFile) == "" {
		return errors.New("identity.key_file is required")
	}
	if c.Identity.RegisterTimeoutSec <= 0 {
		return errors.New("identity.register_timeout_seconds must be > 0")
	}
	if c.Identity.RetryDelaySec < 0 {
		return errors.New("identity.retry_delay_seconds must be >= 0")
	}

	if c.P2P.ListenPort < 0 || c.P2P.ListenPort > 65535 {
		return errors.New("p2p.listen_port must be 0..65535")
	}

	if u := strings.TrimSpace(c.Rendezvous.URL); u != "" {
		if err := validateRendezvousURL(u); err != nil {
			return fmt.Errorf("rendezvous.url: %w", err)
		}
	}
	if c.Rendezvous.Host {
		if c.Rendezvous.Port <= 0 || c.Rendezvous.Port > 65535 {
			return errors.New("rendezvous.port must be 1..65535 when rendezvous.host is enabled")
		}
		if b := c.Rendezvous.Bind; b != "" {
			if net.ParseIP(b) == nil {
				return errors.New("rendezvous.bind must be a valid IP address")
			}
		}
	}

	if c.Presence.HeartbeatSec <= 0 {
		return errors.New("presence.heartbeat_seconds must be > 0")
	}

	if c.Channel.SendRetries < 0 {
		return errors.New("channel.send_retries must be >= 0")
	}
	if c.Channel.RetryIntervalMS <= 0 {
		return errors.New("channel.retry_interval_ms must be > 0")
	}

	for _, s := range c.Call.STUNServers {
		if !strings.HasPrefix(s, "stun:") && !strings.HasPrefix(s, "turn:") {
			return fmt.Errorf("call.stun_servers: %q must start with stun: or turn:", s)
		}
	}

	return nil
}

func validateRendezvousURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.New("scheme must be http or https")
	}
	if u.Hostname() == "" {
		return errors.New("missing host")
	}
	if u.Hostname() == "0.0.0.0" {
		return errors.New("host must not be 0.0.0.0")
	}
	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil || n < 1 || n > 65535 {
			return errors.New("invalid port")
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
