package mqtt

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"telemetrygw/internal/metrics"
)

// Supervisor keeps one broker session alive. Every attempt runs under a new
// identity; failed or ended sessions are restarted after an exponential
// backoff that resets once a session has been stable.
type Supervisor struct {
	cfg     Config
	dial    Dialer
	handler Handler
	log     *zap.Logger
	metrics *metrics.Metrics

	newID   func() string
	current chan *Session
}

func NewSupervisor(cfg Config, dial Dialer, h Handler, log *zap.Logger, m *metrics.Metrics) (*Supervisor, error) {
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if dial == nil {
		dial = PahoDialer
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Supervisor{
		cfg:     cfg,
		dial:    dial,
		handler: h,
		log:     log.Named("mqtt"),
		metrics: m,
		newID:   uuid.NewString,
		current: make(chan *Session, 1),
	}, nil
}

// Sessions yields each session as it is started. Only the latest unread
// session is kept.
func (s *Supervisor) Sessions() <-chan *Session { return s.current }

// Start runs sessions until ctx is cancelled.
func (s *Supervisor) Start(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.Backoff.Initial
	b.MaxInterval = s.cfg.Backoff.Max
	b.MaxElapsedTime = 0
	b.Reset()

	for attempt := 1; ; attempt++ {
		id := s.cfg.ClientPrefix + s.newID()
		session := NewSession(s.cfg, id, s.dial(s.cfg, id), s.handler, s.log, s.metrics)
		s.publish(session)

		started := time.Now()
		s.log.Info("starting broker session", zap.String("session", id), zap.Int("attempt", attempt))
		err := session.Run(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if time.Since(started) >= s.cfg.Backoff.StableAfter {
			b.Reset()
		}
		wait := b.NextBackOff()
		if err != nil && !errors.Is(err, context.Canceled) {
			s.log.Warn("broker session failed", zap.String("session", id), zap.Error(err), zap.Duration("retry_in", wait))
		} else {
			s.log.Info("broker session ended", zap.String("session", id), zap.Duration("retry_in", wait))
		}
		s.metrics.SessionRestarted()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

func (s *Supervisor) publish(session *Session) {
	select {
	case <-s.current:
	default:
	}
	s.current <- session
}
