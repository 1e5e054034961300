package config

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"peerdisc/enode"
	"peerdisc/nodeid"

	"gopkg.in/yaml.v3"

	"github.com/sirupsen/logrus"
)

var log = logrus.New()

var ErrNoKey = errors.New("node key is not set")

// Duration is a time.Duration written as "5s" in config files.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// Config represents the configuration of a discovery node
type Config struct {
	// Default config file location
	configFile string

	Node struct {
		// Hex-encoded ed25519 seed. The node identity is the matching public key.
		Key string `json:"key" yaml:"key"`
	} `json:"node" yaml:"node"`

	Network struct {
		RPCListenAddress       string `json:"rpc_listen" yaml:"rpc_listen"`
		PubSubMulticastAddress string `json:"pubsub_multicast" yaml:"pubsub_multicast"`
		AdvertisedHost         string `json:"advertised_host,omitempty" yaml:"advertised_host,omitempty"`
		MetricsListenAddress   string `json:"metrics_listen,omitempty" yaml:"metrics_listen,omitempty"`
	} `json:"network" yaml:"network"`

	Discovery struct {
		Bootnodes        []string `json:"bootnodes,omitempty" yaml:"bootnodes,omitempty"`
		AnnounceInterval Duration `json:"announce_interval" yaml:"announce_interval"`
		PingInterval     Duration `json:"ping_interval" yaml:"ping_interval"`
		PingTimeout      Duration `json:"ping_timeout" yaml:"ping_timeout"`

		// A verified endpoint may only be replaced by a claimed one once its verification is older than this
		VerifiedTTL Duration `json:"verified_ttl" yaml:"verified_ttl"`

		// Inbound announcements processed per second, and burst
		AnnounceRate  float64 `json:"announce_rate" yaml:"announce_rate"`
		AnnounceBurst int     `json:"announce_burst" yaml:"announce_burst"`
	} `json:"discovery" yaml:"discovery"`
}

// NewEmptyConfig generates a new configuration with default settings and no node key
func NewEmptyConfig(configFile string) *Config {
	cfg := &Config{}

	cfg.configFile = configFile

	cfg.Network.RPCListenAddress = ":30303"
	cfg.Network.PubSubMulticastAddress = "239.192.0.1:30303"

	cfg.Discovery.AnnounceInterval = Duration{5 * time.Second}
	cfg.Discovery.PingInterval = Duration{15 * time.Second}
	cfg.Discovery.PingTimeout = Duration{3 * time.Second}
	cfg.Discovery.VerifiedTTL = Duration{time.Minute}
	cfg.Discovery.AnnounceRate = 50
	cfg.Discovery.AnnounceBurst = 100

	return cfg
}

func NewConfigFromFile(configFile string) (*Config, error) {
	cfg := NewEmptyConfig(configFile)
	if err := cfg.Load(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) File() string {
	return c.configFile
}

func (c *Config) isYAML() bool {
	switch strings.ToLower(filepath.Ext(c.configFile)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// Save saves the configuration to a file
func (c *Config) Save() error {
	log.Infof("Saving config to %s", c.configFile)

	var data []byte
	var err error
	if c.isYAML() {
		data, err = yaml.Marshal(c)
	} else {
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return err
	}
	return os.WriteFile(c.configFile, data, 0600)
}

func (c *Config) Load() error {
	log.Infof("Loading config from %s", c.configFile)
	data, err := os.ReadFile(c.configFile)
	if err != nil {
		return err
	}

	if c.isYAML() {
		err = yaml.Unmarshal(data, c)
	} else {
		err = json.Unmarshal(data, c)
	}
	if err != nil {
		return fmt.Errorf("parsing %s: %w", c.configFile, err)
	}
	return nil
}

// GenerateKey replaces the node key with a fresh one.
func (c *Config) GenerateKey() error {
	seed := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return err
	}
	c.Node.Key = hex.EncodeToString(seed)
	return nil
}

func (c *Config) PrivateKey() (ed25519.PrivateKey, error) {
	if c.Node.Key == "" {
		return nil, ErrNoKey
	}
	seed, err := hex.DecodeString(c.Node.Key)
	if err != nil {
		return nil, fmt.Errorf("node key: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("node key must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	return ed25519.NewKeyFromSeed(seed), nil
}

func (c *Config) NodeID() (nodeid.ID, error) {
	priv, err := c.PrivateKey()
	if err != nil {
		return nodeid.ID{}, err
	}
	return nodeid.FromPublicKey(priv.Public().(ed25519.PublicKey))
}

// Validate checks everything a node needs before it starts.
func (c *Config) Validate() error {
	if _, err := c.NodeID(); err != nil {
		return err
	}
	if c.Network.RPCListenAddress == "" {
		return errors.New("network.rpc_listen is required")
	}
	if c.Network.PubSubMulticastAddress == "" {
		return errors.New("network.pubsub_multicast is required")
	}
	for name, d := range map[string]Duration{
		"announce_interval": c.Discovery.AnnounceInterval,
		"ping_interval":     c.Discovery.PingInterval,
		"ping_timeout":      c.Discovery.PingTimeout,
		"verified_ttl":      c.Discovery.VerifiedTTL,
	} {
		if d.Duration <= 0 {
			return fmt.Errorf("discovery.%s must be positive", name)
		}
	}
	if c.Discovery.AnnounceRate <= 0 || c.Discovery.AnnounceBurst <= 0 {
		return errors.New("discovery.announce_rate and announce_burst must be positive")
	}
	for _, b := range c.Discovery.Bootnodes {
		if _, _, err := enode.Parse(b); err != nil {
			return fmt.Errorf("discovery.bootnodes: %w", err)
		}
	}
	return nil
}
