// Package broker runs an in-process MQTT broker for single-node deployments
// and for exercising the broker session without external infrastructure.
package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	mqtt "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/mochi-mqtt/server/v2/packets"
	"go.uber.org/zap"

	"telemetrygw/internal/logging"
)

type Config struct {
	Enabled bool
	Address string
	// Username and Password, when set, are the only accepted credentials.
	// Empty means any client may connect.
	Username string
	Password string
}

func (c *Config) withDefaults() {
	if c.Address == "" {
		c.Address = "127.0.0.1:1883"
	}
}

func (c Config) Validate() error {
	if c.Password != "" && c.Username == "" {
		return errors.New("mqtt.embedded.username is required when a password is set")
	}
	return nil
}

type Broker struct {
	cfg    Config
	server *mqtt.Server
	tcp    *listeners.TCP
	log    *zap.Logger

	subID atomic.Int32
	once  sync.Once
}

func New(cfg Config, log *zap.Logger) (*Broker, error) {
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	server := mqtt.New(&mqtt.Options{
		InlineClient: true,
		Logger:       logging.Discard(),
	})

	if cfg.Username == "" {
		if err := server.AddHook(new(auth.AllowHook), nil); err != nil {
			return nil, fmt.Errorf("add allow hook: %w", err)
		}
	} else {
		ledger := &auth.Ledger{
			Auth: auth.AuthRules{
				{Username: auth.RString(cfg.Username), Password: auth.RString(cfg.Password), Allow: true},
			},
		}
		if err := server.AddHook(new(auth.Hook), &auth.Options{Ledger: ledger}); err != nil {
			return nil, fmt.Errorf("add auth hook: %w", err)
		}
	}

	tcp := listeners.NewTCP(listeners.Config{ID: "telemetry-tcp", Address: cfg.Address})
	if err := server.AddListener(tcp); err != nil {
		return nil, fmt.Errorf("listen %s: %w", cfg.Address, err)
	}
	return &Broker{cfg: cfg, server: server, tcp: tcp, log: log.Named("broker")}, nil
}

// Addr is the bound listener address.
func (b *Broker) Addr() string { return b.tcp.Address() }

// URL is the address in the form the session client dials.
func (b *Broker) URL() string { return "tcp://" + b.Addr() }

// Start serves until ctx is cancelled.
func (b *Broker) Start(ctx context.Context) error {
	if err := b.server.Serve(); err != nil {
		return fmt.Errorf("serve embedded broker: %w", err)
	}
	b.log.Info("embedded broker listening", zap.String("address", b.Addr()))
	<-ctx.Done()
	return b.Close()
}

// Observe subscribes an in-process handler to filter.
func (b *Broker) Observe(filter string, fn func(topic string, payload []byte)) error {
	id := int(b.subID.Add(1))
	return b.server.Subscribe(filter, id, func(_ *mqtt.Client, _ packets.Subscription, pk packets.Packet) {
		fn(pk.TopicName, append([]byte(nil), pk.Payload...))
	})
}

// Publish sends a message from the in-process client.
func (b *Broker) Publish(topic string, payload []byte, qos byte) error {
	return b.server.Publish(topic, payload, false, qos)
}

func (b *Broker) Close() error {
	var err error
	b.once.Do(func() {
		err = b.server.Close()
	})
	return err
}
