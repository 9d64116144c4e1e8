package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Env string `yaml:"env"`

	HTTP struct {
		Addr string `yaml:"addr"` // ":7480"
	} `yaml:"http"`

	// The two fixed device identities this relay serves.
	Pair []string `yaml:"pair"`

	Store struct {
		Driver string `yaml:"driver"` // "mysql" or "memory"
		DSN    string `yaml:"dsn"`
	} `yaml:"store"`

	Delivery struct {
		AckTimeout  time.Duration `yaml:"ack_timeout"`
		MaxAttempts int           `yaml:"max_attempts"`
		BackoffBase time.Duration `yaml:"backoff_base"`
		BackoffCap  time.Duration `yaml:"backoff_cap"`
	} `yaml:"delivery"`

	Heartbeat struct {
		Interval  time.Duration `yaml:"interval"`
		MaxMissed int           `yaml:"max_missed"`
	} `yaml:"heartbeat"`

	WriteTimeout time.Duration `yaml:"write_timeout"`
	SendQueue    int           `yaml:"send_queue"`
}

// Load supports comma-separated config files: "-c common.yml,relay.yml".
// Later files override earlier ones.
func Load(pathList string) (*Config, error) {
	if strings.TrimSpace(pathList) == "" {
		return nil, errors.New("config path required (e.g. -c ./relay.yml)")
	}
	var c Config
	for _, p := range strings.Split(pathList, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		b, err := os.ReadFile(p)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(b, &c); err != nil {
			return nil, err
		}
	}
	c.applyDefaults()
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) applyDefaults() {
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":7480"
	}
	if c.Store.Driver == "" {
		c.Store.Driver = "memory"
	}
	if c.Delivery.AckTimeout == 0 {
		c.Delivery.AckTimeout = 5 * time.Second
	}
	if c.Delivery.MaxAttempts == 0 {
		c.Delivery.MaxAttempts = 5
	}
	if c.Delivery.BackoffBase == 0 {
		c.Delivery.BackoffBase = 1 * time.Second
	}
	if c.Delivery.BackoffCap == 0 {
		c.Delivery.BackoffCap = 60 * time.Second
	}
	if c.Heartbeat.Interval == 0 {
		c.Heartbeat.Interval = 10 * time.Second
	}
	if c.Heartbeat.MaxMissed == 0 {
		c.Heartbeat.MaxMissed = 3
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.SendQueue == 0 {
		c.SendQueue = 64
	}
}

func (c *Config) validate() error {
	if len(c.Pair) != 2 {
		return fmt.Errorf("pair must name exactly two devices, got %d", len(c.Pair))
	}
	if c.Pair[0] == c.Pair[1] || c.Pair[0] == "" || c.Pair[1] == "" {
		return errors.New("pair devices must be two distinct non-empty names")
	}
	switch c.Store.Driver {
	case "memory":
	case "mysql":
		if c.Store.DSN == "" {
			return errors.New("store.dsn required for mysql driver")
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	return nil
}

// PairDevices returns the two configured identities.
func (c *Config) PairDevices() [2]string {
	return [2]string{c.Pair[0], c.Pair[1]}
}

// PeerOf returns the other member of the pair, or "" if device is not a
// member.
func (c *Config) PeerOf(device string) string {
	switch device {
	case c.Pair[0]:
		return c.Pair[1]
	case c.Pair[1]:
		return c.Pair[0]
	default:
		return ""
	}
}
