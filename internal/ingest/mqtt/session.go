// Package mqtt owns the broker session: connect under a fresh identity,
// announce, subscribe, dispatch inbound publishes, and publish replies
// through the chunked publish protocol. Supervisor restarts sessions.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"telemetrygw/internal/chunk"
	"telemetrygw/internal/dispatch"
	"telemetrygw/internal/errs"
	"telemetrygw/internal/metrics"
)

type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateActive
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateActive:
		return "active"
	default:
		return "disconnected"
	}
}

// Handler is the dispatcher as seen from the session.
type Handler interface {
	Dispatch(ctx context.Context, raw []byte, meta dispatch.Meta, sink dispatch.ReplySink) error
}

const announceQoS byte = 1

type announcement struct {
	Type     string `json:"type"`
	ClientID string `json:"client_id"`
}

// Session is one broker connection under one identity. It is not reusable:
// once Run returns, a new Session with a new identity must be built.
type Session struct {
	cfg       Config
	id        string
	transport Transport
	handler   Handler
	publisher *chunk.Publisher
	log       *zap.Logger

	state atomic.Int32
}

func NewSession(cfg Config, id string, t Transport, h Handler, log *zap.Logger, m *metrics.Metrics) *Session {
	cfg.withDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	return &Session{
		cfg:       cfg,
		id:        id,
		transport: t,
		handler:   h,
		publisher: chunk.NewPublisher(t, cfg.Ceiling, m),
		log:       log.Named("session").With(zap.String("session", id)),
	}
}

func (s *Session) ID() string { return s.id }

func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) SessionTopic() string { return s.cfg.SharedTopic + "/" + s.id }

// Run drives the session to completion. It returns nil on an orderly
// disconnect, ctx.Err() when cancelled, and a transport error otherwise.
func (s *Session) Run(ctx context.Context) error {
	defer func() {
		s.transport.Close()
		s.setState(StateDisconnected)
	}()

	s.setState(StateConnecting)
	if err := s.transport.Connect(ctx, s.cfg.ConnectTimeout); err != nil {
		return err
	}
	s.setState(StateConnected)

	if err := s.activate(ctx); err != nil {
		return err
	}
	s.setState(StateActive)
	return s.loop(ctx)
}

func (s *Session) activate(ctx context.Context) error {
	body, err := json.Marshal(announcement{Type: "client_connect", ClientID: s.id})
	if err != nil {
		return err
	}
	if err := s.transport.Publish(ctx, s.cfg.DiscoveryTopic, announceQoS, body); err != nil {
		return fmt.Errorf("announce: %w", err)
	}
	for _, topic := range []string{s.cfg.SharedTopic, s.SessionTopic()} {
		if err := s.transport.Subscribe(ctx, topic, s.cfg.SubscribeQoS); err != nil {
			return fmt.Errorf("subscribe: %w", err)
		}
	}
	return nil
}

func (s *Session) loop(ctx context.Context) error {
	sessionTopic := s.SessionTopic()
	sink := replySink{publisher: s.publisher, base: s.cfg.ResponseBase, session: s.id}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-s.transport.Events():
			if !ok {
				return nil
			}
			switch ev.Kind {
			case EventDisconnect:
				s.log.Info("broker closed the connection")
				return nil
			case EventError:
				return errs.Transport("poll", ev.Err)
			case EventPublish:
				meta := dispatch.Meta{Origin: dispatch.OriginMQTT, Session: s.id, OnSessionTopic: ev.Topic == sessionTopic}
				if err := s.handler.Dispatch(ctx, ev.Payload, meta, sink); err != nil {
					// a failed publish of the reply means the connection is gone
					if errs.Is(err, errs.KindTransport) {
						return err
					}
					s.log.Debug("message not answered", zap.String("topic", ev.Topic), zap.Error(err))
				}
			}
		}
	}
}

func (s *Session) setState(st State) {
	prev := State(s.state.Swap(int32(st)))
	if prev != st {
		s.log.Debug("state change", zap.Stringer("from", prev), zap.Stringer("to", st))
	}
}

type replySink struct {
	publisher *chunk.Publisher
	base      string
	session   string
}

func (r replySink) Reply(ctx context.Context, rep dispatch.Reply) error {
	return r.publisher.Publish(ctx, dispatch.ResponseTopic(r.base, r.session, rep.Operation, rep.Key), rep.Body)
}
