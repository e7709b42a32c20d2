package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "telemetry"

// Metrics holds every gateway collector. A nil *Metrics is valid and records
// nothing, so components can be built without a registry in tests.
type Metrics struct {
	registry *prometheus.Registry

	MessagesReceived *prometheus.CounterVec
	MessagesRejected *prometheus.CounterVec
	RepliesPublished *prometheus.CounterVec
	ChunksPublished  prometheus.Counter
	RecordsWritten   prometheus.Counter
	QueryDuration    *prometheus.HistogramVec
	QueryErrors      *prometheus.CounterVec
	SessionRestarts  prometheus.Counter
	SocketSessions   prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		MessagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "messages_received_total",
			Help:      "Messages handed to the dispatcher.",
		}, []string{"origin", "type"}),
		MessagesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "messages_rejected_total",
			Help:      "Messages dropped by the dispatcher, by error kind.",
		}, []string{"origin", "kind"}),
		RepliesPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "replies_total",
			Help:      "Replies emitted per operation.",
		}, []string{"operation"}),
		ChunksPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "chunk",
			Name:      "fragments_published_total",
			Help:      "Fragments published for oversized replies.",
		}),
		RecordsWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "records_created_total",
			Help:      "Records newly created in the store.",
		}),
		QueryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "query_duration_seconds",
			Help:      "Store query latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"query"}),
		QueryErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "query_errors_total",
			Help:      "Failed store queries.",
		}, []string{"query"}),
		SessionRestarts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mqtt",
			Name:      "session_restarts_total",
			Help:      "Broker sessions restarted by the supervisor.",
		}),
		SocketSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "socket",
			Name:      "sessions_active",
			Help:      "Open TCP client sessions.",
		}),
	}
	m.registry.MustRegister(
		m.MessagesReceived, m.MessagesRejected, m.RepliesPublished,
		m.ChunksPublished, m.RecordsWritten, m.QueryDuration, m.QueryErrors,
		m.SessionRestarts, m.SocketSessions,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) MessageReceived(origin, typ string) {
	if m == nil {
		return
	}
	m.MessagesReceived.WithLabelValues(origin, typ).Inc()
}

func (m *Metrics) MessageRejected(origin, kind string) {
	if m == nil {
		return
	}
	m.MessagesRejected.WithLabelValues(origin, kind).Inc()
}

func (m *Metrics) ReplyPublished(operation string) {
	if m == nil {
		return
	}
	m.RepliesPublished.WithLabelValues(operation).Inc()
}

func (m *Metrics) FragmentsPublished(n int) {
	if m == nil {
		return
	}
	m.ChunksPublished.Add(float64(n))
}

func (m *Metrics) RecordsCreated(n int) {
	if m == nil {
		return
	}
	m.RecordsWritten.Add(float64(n))
}

func (m *Metrics) ObserveQuery(name string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.QueryDuration.WithLabelValues(name).Observe(d.Seconds())
	if err != nil {
		m.QueryErrors.WithLabelValues(name).Inc()
	}
}

func (m *Metrics) SessionRestarted() {
	if m == nil {
		return
	}
	m.SessionRestarts.Inc()
}

func (m *Metrics) SocketSessionOpened() {
	if m == nil {
		return
	}
	m.SocketSessions.Inc()
}

func (m *Metrics) SocketSessionClosed() {
	if m == nil {
		return
	}
	m.SocketSessions.Dec()
}

// Server exposes the registry over HTTP at /metrics.
type Server struct {
	srv *http.Server
	ln  net.Listener
}

func NewServer(addr string, m *Metrics) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{}))
	return &Server{
		srv: &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		ln:  ln,
	}, nil
}

func (s *Server) Addr() string { return s.ln.Addr().String() }

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.Serve(s.ln) }()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
