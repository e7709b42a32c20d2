package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"telemetrygw/internal/broker"
	"telemetrygw/internal/config"
	"telemetrygw/internal/dispatch"
	"telemetrygw/internal/errs"
	"telemetrygw/internal/ingest/kafka"
	"telemetrygw/internal/ingest/mqtt"
	"telemetrygw/internal/ingest/rabbitmq"
	"telemetrygw/internal/ingest/socket"
	"telemetrygw/internal/logging"
	"telemetrygw/internal/metrics"
	"telemetrygw/internal/storage"
	"telemetrygw/internal/storage/neo4j"
	"telemetrygw/internal/storage/sqlite"
)

func main() {
	flags := pflag.NewFlagSet("telemetryd", pflag.ExitOnError)
	cfgPath := flags.String("config", "telemetry.yaml", "path to config file")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	_ = flags.Parse(os.Args[1:])

	cfg, err := config.Load(*cfgPath, flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(2)
	}
	log, err := logging.New(cfg.Logging())
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(2)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Error("telemetryd stopped", zap.Error(err))
		if errs.Is(err, errs.KindConfiguration) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

// shutdown lets the exit command stop the daemon.
type shutdown context.CancelFunc

func (s shutdown) Shutdown() { s() }

func run(cfg config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	m := metrics.New()

	store, err := openStore(cfg, log, m)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close(context.Background()) }()

	d := dispatch.New(store,
		dispatch.WithController(shutdown(cancel)),
		dispatch.WithLogger(log),
		dispatch.WithMetrics(m),
	)

	g, ctx := errgroup.WithContext(ctx)

	session := cfg.Session()
	if cfg.MQTT.Embedded.Enabled {
		b, err := broker.New(cfg.EmbeddedBroker(), log)
		if err != nil {
			return errs.Configuration("embedded broker", err)
		}
		g.Go(func() error { return b.Start(ctx) })
		session.Broker = b.URL()
		if cfg.MQTT.Embedded.Username != "" {
			session.Username, session.Password = cfg.MQTT.Embedded.Username, cfg.MQTT.Embedded.Password
		}
	}

	if cfg.Socket.Enabled {
		srv, err := socket.NewServer(cfg.SocketServer(), d, log, m)
		if err != nil {
			return errs.Configuration("socket", err)
		}
		g.Go(func() error { return srv.Start(ctx) })
	}

	if session.Enabled {
		sup, err := mqtt.NewSupervisor(session, nil, d, log, m)
		if err != nil {
			return errs.Configuration("mqtt", err)
		}
		g.Go(func() error { return sup.Start(ctx) })
	}

	if cfg.Kafka.Enabled {
		g.Go(func() error {
			return keepAlive(ctx, log, "kafka", func(ctx context.Context) error {
				adapter, err := kafka.NewAdapter(cfg.KafkaAdapter(), d, log)
				if err != nil {
					return err
				}
				return adapter.Start(ctx)
			})
		})
	}

	if cfg.RabbitMQ.Enabled {
		g.Go(func() error {
			return keepAlive(ctx, log, "rabbitmq", func(ctx context.Context) error {
				adapter, err := rabbitmq.NewAdapter(cfg.RabbitMQAdapter(), d, log)
				if err != nil {
					return errs.Configuration("rabbitmq", err)
				}
				return adapter.Run(ctx)
			})
		})
	}

	if cfg.Metrics.Enabled {
		ms, err := metrics.NewServer(cfg.Metrics.Address, m)
		if err != nil {
			return errs.Transport("metrics listen", err)
		}
		log.Info("metrics listening", zap.String("address", ms.Addr()))
		g.Go(func() error { return ms.Start(ctx) })
	}

	log.Info("telemetryd started",
		zap.Bool("socket", cfg.Socket.Enabled),
		zap.Bool("mqtt", session.Enabled),
		zap.Bool("kafka", cfg.Kafka.Enabled),
		zap.Bool("rabbitmq", cfg.RabbitMQ.Enabled),
		zap.String("store", cfg.Store.Backend))

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	log.Info("telemetryd shut down")
	return err
}

// keepAlive reruns a consumer after transport failures. Only configuration
// errors end it early.
func keepAlive(ctx context.Context, log *zap.Logger, name string, run func(context.Context) error) error {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 0
	for {
		err := run(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if errs.Is(err, errs.KindConfiguration) {
			return err
		}
		wait := b.NextBackOff()
		log.Warn("consumer stopped", zap.String("consumer", name), zap.Error(err), zap.Duration("retry_in", wait))
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

func openStore(cfg config.Config, log *zap.Logger, m *metrics.Metrics) (storage.Store, error) {
	switch cfg.Store.Backend {
	case config.BackendSQLite:
		s, err := sqlite.NewStore(cfg.SQLite.Dir)
		if err != nil {
			return nil, errs.Store("open sqlite", err)
		}
		return s, nil
	default:
		handle := neo4j.NewHandle(neo4j.Dial(cfg.Graph()), log)
		return neo4j.NewClient(handle, log, m), nil
	}
}
