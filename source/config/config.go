package config

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// Config holds every tunable of the communication core. Defaults match the
// values the protocol was validated with; any field can be overridden through
// environment variables prefixed RELCOMM_ (e.g. RELCOMM_BROADCAST=URB) or an
// optional relcomm.yaml in the working directory.
type Config struct {
	// Broadcast selects the delivery guarantee: "BEB", "URB" or "AB".
	Broadcast string

	// Timeout is the per-packet ACK wait inside Go-Back-N.
	Timeout time.Duration

	// TimeoutLimit is the number of consecutive Go-Back-N timeouts
	// tolerated before the saturation warning is logged.
	TimeoutLimit int

	// MessageTimeout bounds the application Receive call.
	MessageTimeout time.Duration

	// BroadcastTimeout bounds the broadcast-waiter; under AB expiring it
	// triggers a leader re-attempt.
	BroadcastTimeout time.Duration

	// GossipRate is the fan-out width of the gossip overlay.
	GossipRate int

	// WindowSize is the Go-Back-N sliding-window size.
	WindowSize int

	// LossRate is a test hook: probability of silently dropping a packet
	// on send and on receive. Zero in production.
	LossRate float64

	// HeartbeatInterval is the failure-detector cycle period.
	HeartbeatInterval time.Duration

	// HeartbeatMissLimit is how many silent cycles turn a peer Dead.
	HeartbeatMissLimit int

	// LogLevel configures the shared logger.
	LogLevel string
}

// Default returns the configuration the protocol was tuned with.
func Default() *Config {
	return &Config{
		Broadcast:          "AB",
		Timeout:            100 * time.Millisecond,
		TimeoutLimit:       10,
		MessageTimeout:     1 * time.Second,
		BroadcastTimeout:   500 * time.Millisecond,
		GossipRate:         3,
		WindowSize:         5,
		LossRate:           0.0,
		HeartbeatInterval:  500 * time.Millisecond,
		HeartbeatMissLimit: 5,
		LogLevel:           "info",
	}
}

// Load builds a Config from defaults, an optional relcomm.yaml and the
// RELCOMM_* environment.
func Load() (*Config, error) {
	v := viper.New()
	def := Default()

	v.SetDefault("broadcast", def.Broadcast)
	v.SetDefault("timeout", def.Timeout)
	v.SetDefault("timeout_limit", def.TimeoutLimit)
	v.SetDefault("message_timeout", def.MessageTimeout)
	v.SetDefault("broadcast_timeout", def.BroadcastTimeout)
	v.SetDefault("gossip_rate", def.GossipRate)
	v.SetDefault("w_size", def.WindowSize)
	v.SetDefault("loss_rate", def.LossRate)
	v.SetDefault("heartbeat_interval", def.HeartbeatInterval)
	v.SetDefault("heartbeat_miss_limit", def.HeartbeatMissLimit)
	v.SetDefault("log_level", def.LogLevel)

	v.SetEnvPrefix("relcomm")
	v.AutomaticEnv()

	v.SetConfigName("relcomm")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return nil, errors.Wrap(err, "failed to read config file")
		}
	}

	cfg := &Config{
		Broadcast:          strings.ToUpper(v.GetString("broadcast")),
		Timeout:            v.GetDuration("timeout"),
		TimeoutLimit:       v.GetInt("timeout_limit"),
		MessageTimeout:     v.GetDuration("message_timeout"),
		BroadcastTimeout:   v.GetDuration("broadcast_timeout"),
		GossipRate:         v.GetInt("gossip_rate"),
		WindowSize:         v.GetInt("w_size"),
		LossRate:           v.GetFloat64("loss_rate"),
		HeartbeatInterval:  v.GetDuration("heartbeat_interval"),
		HeartbeatMissLimit: v.GetInt("heartbeat_miss_limit"),
		LogLevel:           v.GetString("log_level"),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the engines cannot run with.
func (c *Config) Validate() error {
	switch c.Broadcast {
	case "BEB", "URB", "AB":
	default:
		return errors.Errorf("unknown broadcast policy %q", c.Broadcast)
	}
	if c.WindowSize < 1 {
		return errors.New("window size must be at least 1")
	}
	if c.GossipRate < 1 {
		return errors.New("gossip rate must be at least 1")
	}
	if c.LossRate < 0 || c.LossRate >= 1 {
		return errors.New("loss rate must be in [0, 1)")
	}
	return nil
}
