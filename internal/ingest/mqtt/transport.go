package mqtt

import (
	"context"
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"telemetrygw/internal/errs"
)

type EventKind int

const (
	EventPublish EventKind = iota
	// EventDisconnect is an orderly end of the connection.
	EventDisconnect
	// EventError is a transport failure.
	EventError
)

// Event is one occurrence polled from the broker connection.
type Event struct {
	Kind    EventKind
	Topic   string
	Payload []byte
	Err     error
}

// Transport is the broker connection a Session drives. Implementations
// deliver inbound publishes and connection loss through Events.
type Transport interface {
	Connect(ctx context.Context, timeout time.Duration) error
	Subscribe(ctx context.Context, topic string, qos byte) error
	Publish(ctx context.Context, topic string, qos byte, payload []byte) error
	Events() <-chan Event
	Close()
}

// Dialer builds a transport for one session identity.
type Dialer func(cfg Config, sessionID string) Transport

// PahoDialer is the production Dialer.
func PahoDialer(cfg Config, sessionID string) Transport {
	return newPahoTransport(cfg, sessionID)
}

type pahoTransport struct {
	client     paho.Client
	ackTimeout time.Duration
	events     chan Event
	done   chan struct{}
	once   sync.Once
}

func newPahoTransport(cfg Config, sessionID string) *pahoTransport {
	t := &pahoTransport{
		ackTimeout: cfg.AckTimeout,
		events:     make(chan Event, cfg.EventBuffer),
		done:       make(chan struct{}),
	}
	opts := paho.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(sessionID).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetKeepAlive(cfg.KeepAlive).
		// replies are published while a message is being handled; ordered
		// delivery would block their acknowledgements
		SetOrderMatters(false).
		SetDefaultPublishHandler(func(_ paho.Client, m paho.Message) {
			t.push(Event{Kind: EventPublish, Topic: m.Topic(), Payload: append([]byte(nil), m.Payload()...)})
		}).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			if err == nil {
				t.push(Event{Kind: EventDisconnect})
				return
			}
			t.push(Event{Kind: EventError, Err: err})
		})
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	t.client = paho.NewClient(opts)
	return t
}

func (t *pahoTransport) push(ev Event) {
	select {
	case t.events <- ev:
	case <-t.done:
	}
}

func (t *pahoTransport) Events() <-chan Event { return t.events }

func (t *pahoTransport) Connect(ctx context.Context, timeout time.Duration) error {
	tok := t.client.Connect()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-tok.Done():
		if err := tok.Error(); err != nil {
			return errs.Transport("connect", err)
		}
		return nil
	case <-timer.C:
		return errs.Transport("connect", fmt.Errorf("%w: no acknowledgement within %s", errs.ErrBrokerUnreachable, timeout))
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *pahoTransport) Subscribe(ctx context.Context, topic string, qos byte) error {
	// the default publish handler receives every message
	return wait(ctx, t.ackTimeout, "subscribe "+topic, t.client.Subscribe(topic, qos, nil))
}

func (t *pahoTransport) Publish(ctx context.Context, topic string, qos byte, payload []byte) error {
	return wait(ctx, t.ackTimeout, "publish "+topic, t.client.Publish(topic, qos, false, payload))
}

func (t *pahoTransport) Close() {
	t.once.Do(func() {
		close(t.done)
		if t.client.IsConnectionOpen() {
			t.client.Disconnect(250)
		}
	})
}

// wait blocks until tok completes. A broker that silently drops a publish
// never completes the token, so the wait is bounded by timeout.
func wait(ctx context.Context, timeout time.Duration, op string, tok paho.Token) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-tok.Done():
		if err := tok.Error(); err != nil {
			return errs.Transport(op, err)
		}
		return nil
	case <-timer.C:
		return errs.Transport(op, fmt.Errorf("%w within %s", errs.ErrNoAcknowledgement, timeout))
	case <-ctx.Done():
		return errs.Transport(op, ctx.Err())
	}
}
