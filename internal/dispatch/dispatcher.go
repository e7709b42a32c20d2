// Package dispatch routes parsed inbound messages to the record store and
// hands the results to a transport-specific reply sink.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"telemetrygw/internal/domain"
	"telemetrygw/internal/errs"
	"telemetrygw/internal/metrics"
	"telemetrygw/internal/storage"
)

type Origin int

const (
	OriginSocket Origin = iota
	OriginMQTT
	OriginKafka
	OriginRabbitMQ
)

func (o Origin) String() string {
	switch o {
	case OriginSocket:
		return "socket"
	case OriginMQTT:
		return "mqtt"
	case OriginKafka:
		return "kafka"
	case OriginRabbitMQ:
		return "rabbitmq"
	default:
		return "unknown"
	}
}

// allows reports whether a transport may carry the given message type. Bulk
// create is refused on the broker session; administrative commands are only
// accepted from authenticated socket clients.
func (o Origin) allows(r Request) bool {
	switch r.(type) {
	case CreateRecords:
		return o != OriginMQTT
	case Command, LegacyMessage:
		return o == OriginSocket
	default:
		return true
	}
}

// Meta describes where a message came from.
type Meta struct {
	Origin Origin
	// Session is the broker session identity; empty off the broker.
	Session string
	// OnSessionTopic is set when the message arrived on <shared>/<session>.
	OnSessionTopic bool
}

// Reply is one response ready for the originating transport.
type Reply struct {
	Operation string
	Key       string
	Body      any
}

type ReplySink interface {
	Reply(ctx context.Context, r Reply) error
}

// Controller receives the process-level effect of the exit command.
type Controller interface {
	Shutdown()
}

type NotFound struct {
	UUID      string `json:"uuid,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Found     bool   `json:"found"`
	Message   string `json:"message"`
}

type CreateReply struct {
	Type    string `json:"type"`
	Success bool   `json:"success"`
}

type CommandReply struct {
	Type    string `json:"type"`
	Command string `json:"command"`
	Success bool   `json:"success"`
}

type SensorReply struct {
	Timestamp   string  `json:"timestamp"`
	Temperature float64 `json:"temperature"`
	Humidity    float64 `json:"humidity"`
	Found       bool    `json:"found"`
}

const (
	CommandExit   = "exit"
	CommandReset  = "reset"
	CommandStatus = "status"
)

// ResponseTopic builds <base>/<session>/<operation>[/<key>].
func ResponseTopic(base, session, operation, key string) string {
	parts := []string{strings.TrimSuffix(base, "/"), session, operation}
	if key != "" {
		parts = append(parts, key)
	}
	return strings.Join(parts, "/")
}

type Dispatcher struct {
	store      storage.Store
	controller Controller
	log        *zap.Logger
	metrics    *metrics.Metrics
}

type Option func(*Dispatcher)

func WithController(c Controller) Option { return func(d *Dispatcher) { d.controller = c } }

func WithLogger(l *zap.Logger) Option { return func(d *Dispatcher) { d.log = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(d *Dispatcher) { d.metrics = m } }

func New(store storage.Store, opts ...Option) *Dispatcher {
	d := &Dispatcher{store: store, log: zap.NewNop()}
	for _, o := range opts {
		o(d)
	}
	d.log = d.log.Named("dispatch")
	return d
}

// Dispatch decodes raw, applies the targeting rule, validates, runs the store
// operation and emits at most one reply. A message meant for another gateway
// returns nil without a reply. Validation and unknown-type errors are
// returned without a reply; the caller decides whether to log or report them.
func (d *Dispatcher) Dispatch(ctx context.Context, raw []byte, meta Meta, sink ReplySink) error {
	msg, err := Decode(raw)
	if err != nil {
		d.reject(meta, err)
		return err
	}
	if !d.targeted(msg, meta) {
		d.log.Debug("message for another session dropped",
			zap.String("client_id", msg.ClientID), zap.String("session", meta.Session))
		return nil
	}
	req, err := msg.Request()
	if err != nil {
		d.reject(meta, err)
		return err
	}
	d.metrics.MessageReceived(meta.Origin.String(), req.Operation())
	if !meta.Origin.allows(req) {
		err := errs.Validation("dispatch", fmt.Errorf("%w: %s via %s", errs.ErrNotPermitted, req.Operation(), meta.Origin))
		d.reject(meta, err)
		return err
	}
	if meta.Origin == OriginMQTT && !TopicSafe(req.Key()) {
		err := errs.Validation("dispatch", fmt.Errorf("%w: %s key %q", errs.ErrTopicUnsafe, req.Operation(), req.Key()))
		d.reject(meta, err)
		return err
	}
	if err := d.execute(ctx, req, sink); err != nil {
		d.reject(meta, err)
		return err
	}
	return nil
}

// targeted applies the client_id rule. Messages on the session topic are
// addressed by the topic itself and always pass.
func (d *Dispatcher) targeted(msg Message, meta Meta) bool {
	if meta.Origin != OriginMQTT || meta.OnSessionTopic {
		return true
	}
	return msg.ClientID == "" || msg.ClientID == meta.Session
}

func (d *Dispatcher) reject(meta Meta, err error) {
	kind := errs.KindOf(err)
	d.metrics.MessageRejected(meta.Origin.String(), kind.String())
	if kind == errs.KindStore {
		d.log.Error("store operation failed", zap.String("origin", meta.Origin.String()), zap.Error(err))
		return
	}
	d.log.Warn("message dropped", zap.String("origin", meta.Origin.String()), zap.Error(err))
}

func (d *Dispatcher) execute(ctx context.Context, req Request, sink ReplySink) error {
	switch r := req.(type) {
	case UUIDQuery:
		rec, found, err := d.store.ByUUID(ctx, r.UUID)
		if err != nil {
			return err
		}
		if !found {
			return d.reply(ctx, sink, r, NotFound{UUID: r.UUID, Found: false, Message: "No data found for this UUID"})
		}
		return d.reply(ctx, sink, r, rec)
	case AllQuery:
		return d.list(ctx, sink, r, d.store.All)
	case ColorQuery:
		return d.list(ctx, sink, r, func(ctx context.Context) ([]domain.Record, error) { return d.store.ByColor(ctx, r.Color) })
	case TimeRangeQuery:
		return d.list(ctx, sink, r, func(ctx context.Context) ([]domain.Record, error) {
			return d.store.InTimeRange(ctx, r.Start, r.End)
		})
	case TemperatureHumidityQuery:
		return d.list(ctx, sink, r, func(ctx context.Context) ([]domain.Record, error) {
			return d.store.ByTemperatureOrHumidity(ctx, r.Temperature, r.Humidity)
		})
	case TimestampQuery:
		reading, found, err := d.store.SensorDataAt(ctx, r.Timestamp)
		if err != nil {
			return err
		}
		if !found {
			return d.reply(ctx, sink, r, NotFound{Timestamp: r.Timestamp, Found: false, Message: "No sensor data found for this timestamp"})
		}
		return d.reply(ctx, sink, r, SensorReply{Timestamp: reading.Timestamp, Temperature: reading.Temperature, Humidity: reading.Humidity, Found: true})
	case EnergyCostQuery:
		return d.list(ctx, sink, r, func(ctx context.Context) ([]domain.Record, error) { return d.store.ByEnergyCost(ctx, r.Cost) })
	case EnergyConsumeQuery:
		return d.list(ctx, sink, r, func(ctx context.Context) ([]domain.Record, error) {
			return d.store.ByEnergyConsume(ctx, r.Consume)
		})
	case CreateRecords:
		if err := storage.ValidateBatch(r.Records); err != nil {
			return errs.Validation("create_records", err)
		}
		res, err := d.store.CreateRecords(ctx, r.Records)
		if err != nil {
			if errs.Is(err, errs.KindStore) {
				_ = d.reply(ctx, sink, r, CreateReply{Type: "data", Success: false})
			}
			return err
		}
		d.log.Info("records created", zap.Int("created", res.Created), zap.Int("skipped", res.Skipped))
		return d.reply(ctx, sink, r, CreateReply{Type: "data", Success: res.Success()})
	case Command:
		return d.command(ctx, sink, r)
	case LegacyMessage:
		d.log.Info("client message", zap.String("content", r.Content))
		return nil
	default:
		return errs.Protocol("dispatch", fmt.Errorf("%w: %T", errs.ErrUnknownType, req))
	}
}

func (d *Dispatcher) command(ctx context.Context, sink ReplySink, c Command) error {
	switch c.Name {
	case CommandStatus:
		return d.reply(ctx, sink, c, CommandReply{Type: "command", Command: c.Name, Success: true})
	case CommandReset:
		err := d.store.ResetCluster(ctx)
		if err != nil {
			d.log.Error("cluster reset failed", zap.Error(err))
		} else {
			d.log.Warn("cluster reset by client command")
		}
		if rerr := d.reply(ctx, sink, c, CommandReply{Type: "command", Command: c.Name, Success: err == nil}); rerr != nil && err == nil {
			return rerr
		}
		return err
	case CommandExit:
		if err := d.reply(ctx, sink, c, CommandReply{Type: "command", Command: c.Name, Success: true}); err != nil {
			d.log.Warn("exit acknowledgement not delivered", zap.Error(err))
		}
		d.log.Info("shutdown requested by client command")
		if d.controller != nil {
			d.controller.Shutdown()
		}
		return nil
	default:
		_ = d.reply(ctx, sink, c, CommandReply{Type: "command", Command: c.Name, Success: false})
		return errs.Validation("command", fmt.Errorf("%w %q", errs.ErrUnknownCommand, c.Name))
	}
}

func (d *Dispatcher) list(ctx context.Context, sink ReplySink, r Request, query func(context.Context) ([]domain.Record, error)) error {
	recs, err := query(ctx)
	if err != nil {
		return err
	}
	return d.reply(ctx, sink, r, recs)
}

func (d *Dispatcher) reply(ctx context.Context, sink ReplySink, r Request, body any) error {
	if sink == nil {
		return nil
	}
	if err := sink.Reply(ctx, Reply{Operation: r.Operation(), Key: r.Key(), Body: body}); err != nil {
		if errs.KindOf(err) == errs.KindUnknown {
			err = errs.Transport("reply", err)
		}
		return err
	}
	d.metrics.ReplyPublished(r.Operation())
	return nil
}

// IsSilent reports errors that end with no reply and no in-band report.
func IsSilent(err error) bool {
	return errors.Is(err, errs.ErrUnknownType) || errs.Is(err, errs.KindValidation)
}
