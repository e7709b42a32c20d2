package rabbitmq

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"telemetrygw/internal/chunk"
	"telemetrygw/internal/dispatch"
	"telemetrygw/internal/errs"
)

// Handler is the dispatcher as seen from a delivery.
type Handler interface {
	Dispatch(ctx context.Context, raw []byte, meta dispatch.Meta, sink dispatch.ReplySink) error
}

type Config struct {
	Enabled       bool
	URL           string
	Endpoints     []string
	Exchange      string
	Queue         string
	RoutingKeys   []string
	ConsumerTag   string
	PrefetchCount int
	TLS           TLSConfig
	Auth          AuthConfig
	Workers       int
	DeliveryQueue int
	// ReplyExchange receives replies for deliveries without a reply_to
	// property. Empty means such replies are dropped.
	ReplyExchange string
	ResponseBase  string
}

type TLSConfig struct {
	Enabled            bool
	InsecureSkipVerify bool
	ServerName         string
	CAFile             string
	CertFile           string
	KeyFile            string
}

type AuthConfig struct {
	Username string
	Password string
}

type Adapter struct {
	cfg      Config
	handler  Handler
	log      *zap.Logger
	conn     *amqp091.Connection
	ch       *amqp091.Channel
	deliver  <-chan amqp091.Delivery
	ops      chan deliveryTask
	closed   chan struct{}
	closeErr atomic.Value
	wg       sync.WaitGroup

	publish func(ctx context.Context, exchange, key string, msg amqp091.Publishing) error
}

type deliveryTask struct {
	ctx      context.Context
	delivery amqp091.Delivery
}

func (c *Config) withDefaults() {
	if c.ConsumerTag == "" {
		c.ConsumerTag = "telemetry-gw"
	}
	if c.PrefetchCount <= 0 {
		c.PrefetchCount = 16
	}
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.DeliveryQueue <= 0 {
		c.DeliveryQueue = 64
	}
	if c.ResponseBase == "" {
		c.ResponseBase = "response"
	}
}

func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Queue == "" {
		return fmt.Errorf("rabbitmq queue is required")
	}
	if c.Exchange == "" {
		return fmt.Errorf("rabbitmq exchange is required")
	}
	if c.PrefetchCount < 1 {
		return fmt.Errorf("rabbitmq prefetch_count must be >= 1")
	}
	if c.Workers < 1 {
		return fmt.Errorf("rabbitmq workers must be >= 1")
	}
	if c.DeliveryQueue < 1 {
		return fmt.Errorf("rabbitmq delivery_queue must be >= 1")
	}
	if c.endpoint() == "" {
		return fmt.Errorf("rabbitmq url or endpoints is required")
	}
	return nil
}

func (c Config) endpoint() string {
	if strings.TrimSpace(c.URL) != "" {
		return strings.TrimSpace(c.URL)
	}
	for _, e := range c.Endpoints {
		if strings.TrimSpace(e) != "" {
			return strings.TrimSpace(e)
		}
	}
	return ""
}

func NewAdapter(cfg Config, h Handler, log *zap.Logger) (*Adapter, error) {
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if h == nil {
		return nil, fmt.Errorf("handler is required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	a := &Adapter{cfg: cfg, handler: h, log: log.Named("rabbitmq"), closed: make(chan struct{}), ops: make(chan deliveryTask, cfg.DeliveryQueue)}
	a.publish = func(ctx context.Context, exchange, key string, msg amqp091.Publishing) error {
		if a.ch == nil {
			return errors.New("rabbitmq channel not open")
		}
		return a.ch.PublishWithContext(ctx, exchange, key, false, false, msg)
	}
	return a, nil
}

// Start declares the topology and begins consuming. It returns once the
// consumer is running; Close stops it.
func (a *Adapter) Start(ctx context.Context) error {
	dialCfg := amqp091.Config{}
	if a.cfg.Auth.Username != "" {
		dialCfg.SASL = []amqp091.Authentication{&amqp091.PlainAuth{Username: a.cfg.Auth.Username, Password: a.cfg.Auth.Password}}
	}
	if tlsCfg, err := a.buildTLSConfig(); err != nil {
		return errs.Configuration("rabbitmq tls", err)
	} else if tlsCfg != nil {
		dialCfg.TLSClientConfig = tlsCfg
	}
	conn, err := amqp091.DialConfig(a.cfg.endpoint(), dialCfg)
	if err != nil {
		return errs.Transport("dial rabbitmq", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return errs.Transport("open rabbitmq channel", err)
	}
	fail := func(op string, err error) error {
		ch.Close()
		conn.Close()
		return errs.Transport(op, err)
	}
	if err := ch.Qos(a.cfg.PrefetchCount, 0, false); err != nil {
		return fail("set prefetch", err)
	}
	if err := ch.ExchangeDeclare(a.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		return fail("declare exchange", err)
	}
	if a.cfg.ReplyExchange != "" {
		if err := ch.ExchangeDeclare(a.cfg.ReplyExchange, "topic", true, false, false, false, nil); err != nil {
			return fail("declare reply exchange", err)
		}
	}
	if _, err := ch.QueueDeclare(a.cfg.Queue, true, false, false, false, nil); err != nil {
		return fail("declare queue", err)
	}
	routingKeys := a.cfg.RoutingKeys
	if len(routingKeys) == 0 {
		routingKeys = []string{"#"}
	}
	for _, key := range routingKeys {
		if err := ch.QueueBind(a.cfg.Queue, key, a.cfg.Exchange, false, nil); err != nil {
			return fail("bind queue key="+key, err)
		}
	}
	deliveries, err := ch.Consume(a.cfg.Queue, a.cfg.ConsumerTag, false, false, false, false, nil)
	if err != nil {
		return fail("consume queue", err)
	}
	a.conn, a.ch, a.deliver = conn, ch, deliveries

	a.wg.Add(1)
	go a.readLoop(ctx)
	for i := 0; i < a.cfg.Workers; i++ {
		a.wg.Add(1)
		go a.workerLoop(ctx)
	}
	a.log.Info("consuming", zap.String("queue", a.cfg.Queue), zap.String("exchange", a.cfg.Exchange))
	return nil
}

// Run starts the consumer and blocks until ctx is cancelled or the broker
// closes the connection.
func (a *Adapter) Run(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		return err
	}
	connClosed := a.conn.NotifyClose(make(chan *amqp091.Error, 1))
	select {
	case <-ctx.Done():
		return a.Close()
	case amqpErr := <-connClosed:
		_ = a.Close()
		if amqpErr != nil {
			return errs.Transport("rabbitmq connection", amqpErr)
		}
		return nil
	}
}

func (a *Adapter) Close() error {
	select {
	case <-a.closed:
		if v := a.closeErr.Load(); v != nil {
			return v.(error)
		}
		return nil
	default:
		close(a.closed)
	}
	if a.ch != nil {
		_ = a.ch.Cancel(a.cfg.ConsumerTag, false)
	}
	a.wg.Wait()
	var errList []error
	if a.ch != nil && !a.ch.IsClosed() {
		if err := a.ch.Close(); err != nil {
			errList = append(errList, err)
		}
	}
	if a.conn != nil && !a.conn.IsClosed() {
		if err := a.conn.Close(); err != nil {
			errList = append(errList, err)
		}
	}
	err := errors.Join(errList...)
	if err != nil {
		a.closeErr.Store(err)
	}
	return err
}

func (a *Adapter) readLoop(ctx context.Context) {
	defer a.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.closed:
			return
		case d, ok := <-a.deliver:
			if !ok {
				return
			}
			task := deliveryTask{ctx: ctx, delivery: d}
			select {
			case a.ops <- task:
			case <-ctx.Done():
				return
			case <-a.closed:
				return
			}
		}
	}
}

func (a *Adapter) workerLoop(ctx context.Context) {
	defer a.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.closed:
			return
		case task := <-a.ops:
			a.processDelivery(task.ctx, task.delivery)
		}
	}
}

// processDelivery acks handled messages, drops malformed or refused ones and
// requeues those that failed on the store or the reply path.
func (a *Adapter) processDelivery(ctx context.Context, d amqp091.Delivery) {
	err := a.handler.Dispatch(ctx, d.Body, dispatch.Meta{Origin: dispatch.OriginRabbitMQ}, a.sink(d))
	switch {
	case err == nil:
		_ = d.Ack(false)
	case errs.Is(err, errs.KindStore), errs.Is(err, errs.KindTransport):
		a.log.Warn("delivery requeued", zap.Uint64("tag", d.DeliveryTag), zap.Error(err))
		_ = d.Nack(false, true)
	default:
		a.log.Debug("delivery dropped", zap.Uint64("tag", d.DeliveryTag), zap.Error(err))
		_ = d.Nack(false, false)
	}
}

func (a *Adapter) sink(d amqp091.Delivery) dispatch.ReplySink {
	if d.ReplyTo == "" && a.cfg.ReplyExchange == "" {
		return nil
	}
	return replySink{a: a, replyTo: d.ReplyTo, correlationID: d.CorrelationId}
}

// replySink answers on the delivery's reply_to queue when the publisher set
// one, otherwise on the reply exchange under the dotted response path.
type replySink struct {
	a             *Adapter
	replyTo       string
	correlationID string
}

func (r replySink) Reply(ctx context.Context, rep dispatch.Reply) error {
	body, err := chunk.Marshal(rep.Body)
	if err != nil {
		return fmt.Errorf("marshal %s reply: %w", rep.Operation, err)
	}
	msg := amqp091.Publishing{ContentType: "application/json", CorrelationId: r.correlationID, Body: body}
	exchange, key := "", r.replyTo
	if key == "" {
		exchange = r.a.cfg.ReplyExchange
		key = RoutingKey(dispatch.ResponseTopic(r.a.cfg.ResponseBase, r.a.cfg.ConsumerTag, rep.Operation, rep.Key))
	}
	if err := r.a.publish(ctx, exchange, key, msg); err != nil {
		return errs.Transport("publish reply", err)
	}
	return nil
}

// RoutingKey turns a slash-separated response path into a topic-exchange
// routing key.
func RoutingKey(path string) string {
	return strings.ReplaceAll(path, "/", ".")
}

func (a *Adapter) buildTLSConfig() (*tls.Config, error) {
	if !a.cfg.TLS.Enabled {
		return nil, nil
	}
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: a.cfg.TLS.InsecureSkipVerify, ServerName: a.cfg.TLS.ServerName}
	if a.cfg.TLS.CAFile != "" {
		pemBytes, err := os.ReadFile(a.cfg.TLS.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read rabbitmq ca_file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemBytes) {
			return nil, fmt.Errorf("parse rabbitmq ca_file")
		}
		tlsCfg.RootCAs = pool
	}
	if a.cfg.TLS.CertFile != "" || a.cfg.TLS.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(a.cfg.TLS.CertFile, a.cfg.TLS.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load rabbitmq cert/key: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}
