package kafka

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl/plain"
	"go.uber.org/zap"

	"telemetrygw/internal/chunk"
	"telemetrygw/internal/dispatch"
	"telemetrygw/internal/errs"
)

// Handler is the dispatcher as seen from a consumed record.
type Handler interface {
	Dispatch(ctx context.Context, raw []byte, meta dispatch.Meta, sink dispatch.ReplySink) error
}

type Config struct {
	Enabled        bool
	Brokers        []string
	Topics         []string
	GroupID        string
	ClientID       string
	WorkerCount    int
	MaxPollRecords int
	QueueCapacity  int
	// ReplyTopic receives query results. Empty means replies are dropped.
	ReplyTopic   string
	ResponseBase string
	Auth         AuthConfig
	Fetch        FetchConfig
}

type AuthConfig struct {
	SASL SASLConfig
	TLS  TLSConfig
}

type SASLConfig struct {
	Enabled  bool
	Username string
	Password string
}

type TLSConfig struct {
	Enabled            bool
	InsecureSkipVerify bool
}

type FetchConfig struct {
	MinBytes int32
	MaxBytes int32
	MaxWait  time.Duration
}

type Adapter struct {
	cfg     Config
	handler Handler
	log     *zap.Logger

	client  *kgo.Client
	records chan *kgo.Record
	acks    chan recordAck
	offsets offsetTracker
	closed  atomic.Bool
	// abort stops polling with the failure that requires redelivery.
	abort context.CancelCauseFunc

	pauseMux sync.Mutex
	paused   bool

	poll           func(context.Context, int) kgo.Fetches
	allowRebalance func()
	closeClient    func()
	markCommit     func(*kgo.Record)
	commitMarked   func(context.Context) error
	pauseFetch     func(...string)
	resumeFetch    func(...string)
	produce        func(context.Context, *kgo.Record) error
}

type recordAck struct {
	record *kgo.Record
	err    error
}

func NewAdapter(cfg Config, h Handler, log *zap.Logger, opts ...kgo.Opt) (*Adapter, error) {
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if h == nil {
		return nil, errors.New("kafka handler is required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	kopts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.DisableAutoCommit(),
		kgo.BlockRebalanceOnPoll(),
		kgo.FetchMaxWait(cfg.Fetch.MaxWait),
		kgo.FetchMinBytes(cfg.Fetch.MinBytes),
		kgo.FetchMaxBytes(cfg.Fetch.MaxBytes),
	}
	if cfg.ClientID != "" {
		kopts = append(kopts, kgo.ClientID(cfg.ClientID))
	}
	if cfg.Auth.TLS.Enabled {
		kopts = append(kopts, kgo.DialTLSConfig(&tls.Config{InsecureSkipVerify: cfg.Auth.TLS.InsecureSkipVerify}))
	}
	if cfg.Auth.SASL.Enabled {
		kopts = append(kopts, kgo.SASL(plain.Auth{User: cfg.Auth.SASL.Username, Pass: cfg.Auth.SASL.Password}.AsMechanism()))
	}
	kopts = append(kopts, opts...)

	cl, err := kgo.NewClient(kopts...)
	if err != nil {
		return nil, errs.Transport("new kafka client", err)
	}

	a := &Adapter{
		cfg:     cfg,
		handler: h,
		log:     log.Named("kafka"),
		client:  cl,
		records: make(chan *kgo.Record, cfg.QueueCapacity),
		acks:    make(chan recordAck, cfg.QueueCapacity),
	}
	a.poll = cl.PollRecords
	a.allowRebalance = cl.AllowRebalance
	a.closeClient = cl.Close
	a.markCommit = func(r *kgo.Record) { cl.MarkCommitRecords(r) }
	a.commitMarked = func(ctx context.Context) error { return cl.CommitMarkedOffsets(ctx) }
	a.pauseFetch = func(topics ...string) { _ = cl.PauseFetchTopics(topics...) }
	a.resumeFetch = func(topics ...string) { cl.ResumeFetchTopics(topics...) }
	a.produce = func(ctx context.Context, r *kgo.Record) error { return cl.ProduceSync(ctx, r).FirstErr() }
	return a, nil
}

func (c *Config) withDefaults() {
	if c.WorkerCount <= 0 {
		c.WorkerCount = 4
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 1024
	}
	if c.MaxPollRecords <= 0 {
		c.MaxPollRecords = 500
	}
	if c.ResponseBase == "" {
		c.ResponseBase = "response"
	}
	if c.Fetch.MaxWait <= 0 {
		c.Fetch.MaxWait = time.Second
	}
	if c.Fetch.MinBytes <= 0 {
		c.Fetch.MinBytes = 1
	}
	if c.Fetch.MaxBytes <= 0 {
		c.Fetch.MaxBytes = 50 << 20
	}
}

func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if len(c.Brokers) == 0 {
		return errors.New("kafka.brokers is required")
	}
	if len(c.Topics) == 0 {
		return errors.New("kafka.topics is required")
	}
	if c.GroupID == "" {
		return errors.New("kafka.group_id is required")
	}
	if c.Auth.SASL.Enabled && c.Auth.SASL.Username == "" {
		return errors.New("kafka.auth.sasl.username is required when sasl is enabled")
	}
	return nil
}

// Start polls until ctx is cancelled. Offsets are committed only once the
// dispatcher is done with a record and every earlier record of its partition.
// A record that failed with a store or transport error stops polling and is
// returned, so the next adapter resumes from the last committed offset.
func (a *Adapter) Start(ctx context.Context) error {
	defer a.closeClient()
	pollCtx, abort := context.WithCancelCause(ctx)
	defer abort(nil)
	a.abort = abort

	var workers sync.WaitGroup
	for i := 0; i < a.cfg.WorkerCount; i++ {
		workers.Add(1)
		go func() {
			defer workers.Done()
			a.runWorker(ctx)
		}()
	}
	acksDone := make(chan struct{})
	go func() {
		defer close(acksDone)
		a.handleAcks(ctx)
	}()
	defer func() {
		close(a.records)
		workers.Wait()
		close(a.acks)
		<-acksDone
	}()

	a.log.Info("consuming", zap.Strings("topics", a.cfg.Topics), zap.String("group", a.cfg.GroupID))
	for {
		if pollCtx.Err() != nil || a.closed.Load() {
			if ctx.Err() != nil || a.closed.Load() {
				return nil
			}
			return context.Cause(pollCtx)
		}
		fetches := a.poll(pollCtx, a.cfg.MaxPollRecords)
		if ferrs := fetches.Errors(); len(ferrs) > 0 {
			if pollCtx.Err() != nil {
				continue
			}
			return errs.Transport("poll", ferrs[0].Err)
		}
		fetches.EachPartition(func(p kgo.FetchTopicPartition) {
			for _, rec := range p.Records {
				a.offsets.track(rec)
				for {
					select {
					case a.records <- rec:
						a.maybeResume()
						goto next
					default:
						a.maybePause()
						time.Sleep(5 * time.Millisecond)
					}
				}
			next:
			}
		})
		a.allowRebalance()
	}
}

func (a *Adapter) Close() error {
	a.closed.Store(true)
	return nil
}

// runWorker dispatches until records is closed. Records still queued after
// cancellation are skipped and stay uncommitted.
func (a *Adapter) runWorker(ctx context.Context) {
	for rec := range a.records {
		if ctx.Err() != nil {
			continue
		}
		err := a.handler.Dispatch(ctx, rec.Value, dispatch.Meta{Origin: dispatch.OriginKafka}, a.sink())
		a.acks <- recordAck{record: rec, err: err}
	}
}

// handleAcks runs until acks is closed, after every worker has returned.
func (a *Adapter) handleAcks(ctx context.Context) {
	for ack := range a.acks {
		if ack.record == nil {
			continue
		}
		if retryable(ack.err) {
			a.log.Warn("record left uncommitted",
				zap.String("topic", ack.record.Topic),
				zap.Int32("partition", ack.record.Partition),
				zap.Int64("offset", ack.record.Offset),
				zap.Error(ack.err))
			if a.abort != nil {
				a.abort(ack.err)
			}
			continue
		}
		if ack.err != nil {
			a.log.Debug("record dropped", zap.Int64("offset", ack.record.Offset), zap.Error(ack.err))
		}
		last := a.offsets.complete(ack.record)
		if last == nil {
			continue
		}
		a.markCommit(last)
		if err := a.commitMarked(ctx); err != nil && ctx.Err() == nil {
			a.log.Warn("commit failed", zap.Error(err))
		}
	}
}

type partitionKey struct {
	topic     string
	partition int32
}

type inflight struct {
	record *kgo.Record
	done   bool
}

// offsetTracker keeps the records handed to workers in offset order per
// partition. Workers complete them out of order; only a completed prefix is
// committable, so a record that never completes holds back its partition.
type offsetTracker struct {
	mu      sync.Mutex
	pending map[partitionKey][]*inflight
}

func (o *offsetTracker) track(r *kgo.Record) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.pending == nil {
		o.pending = make(map[partitionKey][]*inflight)
	}
	k := partitionKey{topic: r.Topic, partition: r.Partition}
	o.pending[k] = append(o.pending[k], &inflight{record: r})
}

// complete marks r done and returns the newest record of the completed
// prefix of its partition, or nil when nothing new became committable.
func (o *offsetTracker) complete(r *kgo.Record) *kgo.Record {
	o.mu.Lock()
	defer o.mu.Unlock()
	k := partitionKey{topic: r.Topic, partition: r.Partition}
	queue := o.pending[k]
	if len(queue) == 0 {
		return nil
	}
	for _, f := range queue {
		if f.record == r {
			f.done = true
			break
		}
	}
	var last *kgo.Record
	i := 0
	for ; i < len(queue) && queue[i].done; i++ {
		last = queue[i].record
	}
	o.pending[k] = queue[i:]
	return last
}

// retryable reports whether a record should be redelivered. Malformed and
// invalid records are committed and dropped.
func retryable(err error) bool {
	return errs.Is(err, errs.KindStore) || errs.Is(err, errs.KindTransport)
}

func (a *Adapter) sink() dispatch.ReplySink {
	if a.cfg.ReplyTopic == "" {
		return nil
	}
	return replySink{a: a, session: a.cfg.GroupID}
}

// replySink produces each reply to the reply topic, keyed by the response
// path a broker client would have seen.
type replySink struct {
	a       *Adapter
	session string
}

func (r replySink) Reply(ctx context.Context, rep dispatch.Reply) error {
	body, err := chunk.Marshal(rep.Body)
	if err != nil {
		return fmt.Errorf("marshal %s reply: %w", rep.Operation, err)
	}
	key := dispatch.ResponseTopic(r.a.cfg.ResponseBase, r.session, rep.Operation, rep.Key)
	if err := r.a.produce(ctx, &kgo.Record{Topic: r.a.cfg.ReplyTopic, Key: []byte(key), Value: body}); err != nil {
		return errs.Transport("produce reply", err)
	}
	return nil
}

func (a *Adapter) maybePause() {
	a.pauseMux.Lock()
	defer a.pauseMux.Unlock()
	if a.paused {
		return
	}
	if len(a.records) < cap(a.records) {
		return
	}
	a.pauseFetch(a.cfg.Topics...)
	a.paused = true
}

func (a *Adapter) maybeResume() {
	a.pauseMux.Lock()
	defer a.pauseMux.Unlock()
	if !a.paused {
		return
	}
	if len(a.records) > cap(a.records)/2 {
		return
	}
	a.resumeFetch(a.cfg.Topics...)
	a.paused = false
}
