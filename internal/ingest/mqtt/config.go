package mqtt

import (
	"errors"
	"strings"
	"time"

	"telemetrygw/internal/chunk"
)

type Config struct {
	Enabled  bool
	Broker   string
	Username string
	Password string

	// ClientPrefix is prepended to the generated session identity.
	ClientPrefix   string
	SharedTopic    string
	ResponseBase   string
	DiscoveryTopic string
	SubscribeQoS   byte

	ConnectTimeout time.Duration
	// AckTimeout bounds the wait for a SUBACK or PUBACK.
	AckTimeout time.Duration
	KeepAlive  time.Duration
	// Ceiling is the largest reply published whole.
	Ceiling     int
	EventBuffer int

	Backoff BackoffConfig
}

type BackoffConfig struct {
	Initial time.Duration
	Max     time.Duration
	// StableAfter resets the backoff when a session stayed active this long.
	StableAfter time.Duration
}

func (c *Config) withDefaults() {
	if c.ClientPrefix == "" {
		c.ClientPrefix = "telemetry-gw-"
	}
	if c.SharedTopic == "" {
		c.SharedTopic = "shared-topic"
	}
	if c.ResponseBase == "" {
		c.ResponseBase = "response"
	}
	if c.DiscoveryTopic == "" {
		c.DiscoveryTopic = "discovery"
	}
	if c.SubscribeQoS > 2 {
		c.SubscribeQoS = 1
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = 10 * time.Second
	}
	if c.KeepAlive <= 0 {
		c.KeepAlive = 30 * time.Second
	}
	if c.Ceiling <= 0 {
		c.Ceiling = chunk.DefaultCeiling
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = 256
	}
	if c.Backoff.Initial <= 0 {
		c.Backoff.Initial = 500 * time.Millisecond
	}
	if c.Backoff.Max <= 0 {
		c.Backoff.Max = 30 * time.Second
	}
	if c.Backoff.StableAfter <= 0 {
		c.Backoff.StableAfter = time.Minute
	}
}

func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Broker == "" {
		return errors.New("mqtt.broker is required")
	}
	for _, topic := range []string{c.SharedTopic, c.ResponseBase, c.DiscoveryTopic} {
		if strings.ContainsAny(topic, "+#") {
			return errors.New("mqtt topics must not contain wildcards")
		}
	}
	if c.Backoff.Max < c.Backoff.Initial {
		return errors.New("mqtt.backoff.max must not be below mqtt.backoff.initial")
	}
	return nil
}
