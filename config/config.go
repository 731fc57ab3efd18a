package config

import (
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"

	"github.com/outofforest/tandem/auth"
	"github.com/outofforest/tandem/transport"
)

// DefaultPort is the default port of the synchronization server.
const DefaultPort = 5042

// ForkRejectPolicy decides what happens to updates queued during a fork the server rejected.
type ForkRejectPolicy string

// Fork reject policies.
const (
	ForkRejectDiscard ForkRejectPolicy = "discard"
	ForkRejectReplay  ForkRejectPolicy = "replay"
)

// Config is the configuration of the client.
type Config struct {
	Server           string
	User             string
	StorePath        string
	MaxFrameSize     uint32
	WriteTimeout     time.Duration
	FlushInterval    time.Duration
	AuthAttempts     int
	ForkRejectPolicy ForkRejectPolicy
	HandshakeTimeout time.Duration
	Reconnect        bool
	ReconnectDelay   time.Duration
}

// Default returns default configuration.
func Default() Config {
	return Config{
		StorePath:        "tandem.db",
		MaxFrameSize:     transport.DefaultMaxFrameSize,
		WriteTimeout:     transport.DefaultWriteTimeout,
		FlushInterval:    100 * time.Millisecond,
		AuthAttempts:     auth.DefaultMaxAttempts,
		ForkRejectPolicy: ForkRejectDiscard,
		ReconnectDelay:   time.Second,
	}
}

// Validate verifies the configuration.
func (c Config) Validate() error {
	if c.Server == "" {
		return errors.New("server address not set")
	}
	if c.MaxFrameSize < 8 {
		return errors.Errorf("max frame size %d is too small", c.MaxFrameSize)
	}
	switch c.ForkRejectPolicy {
	case ForkRejectDiscard, ForkRejectReplay:
	default:
		return errors.Errorf("unknown fork reject policy %q", c.ForkRejectPolicy)
	}
	if c.AuthAttempts <= 0 {
		return errors.Errorf("auth attempts must be positive, got %d", c.AuthAttempts)
	}
	return nil
}

type fileConfig struct {
	Server           string `toml:"server"`
	User             string `toml:"user"`
	StorePath        string `toml:"store_path"`
	MaxFrameSize     uint32 `toml:"max_frame_size"`
	WriteTimeout     string `toml:"write_timeout"`
	FlushInterval    string `toml:"flush_interval"`
	AuthAttempts     int    `toml:"auth_attempts"`
	ForkRejectPolicy string `toml:"fork_reject_policy"`
	HandshakeTimeout string `toml:"handshake_timeout"`
	Reconnect        bool   `toml:"reconnect"`
	ReconnectDelay   string `toml:"reconnect_delay"`
}

// Load reads configuration from TOML file. Keys missing in the file keep their default values.
func Load(path string) (Config, error) {
	cfg := Default()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, errors.Wrapf(err, "loading config %q", path)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, errors.Errorf("unknown config key %q", undecoded[0].String())
	}

	if meta.IsDefined("server") {
		cfg.Server = strings.TrimSpace(raw.Server)
	}
	if meta.IsDefined("user") {
		cfg.User = strings.TrimSpace(raw.User)
	}
	if meta.IsDefined("store_path") {
		cfg.StorePath = strings.TrimSpace(raw.StorePath)
	}
	if meta.IsDefined("max_frame_size") {
		cfg.MaxFrameSize = raw.MaxFrameSize
	}
	if meta.IsDefined("auth_attempts") {
		cfg.AuthAttempts = raw.AuthAttempts
	}
	if meta.IsDefined("fork_reject_policy") {
		cfg.ForkRejectPolicy = ForkRejectPolicy(strings.TrimSpace(raw.ForkRejectPolicy))
	}
	if meta.IsDefined("reconnect") {
		cfg.Reconnect = raw.Reconnect
	}

	for _, d := range []struct {
		key   string
		value string
		dst   *time.Duration
	}{
		{key: "write_timeout", value: raw.WriteTimeout, dst: &cfg.WriteTimeout},
		{key: "flush_interval", value: raw.FlushInterval, dst: &cfg.FlushInterval},
		{key: "handshake_timeout", value: raw.HandshakeTimeout, dst: &cfg.HandshakeTimeout},
		{key: "reconnect_delay", value: raw.ReconnectDelay, dst: &cfg.ReconnectDelay},
	} {
		if !meta.IsDefined(d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.value))
		if err != nil {
			return Config{}, errors.Wrapf(err, "parsing %s", d.key)
		}
		*d.dst = v
	}

	return cfg, nil
}
