package neo4j

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"
)

// Query is one parameterised Cypher statement.
type Query struct {
	Name   string
	Cypher string
	Params map[string]any
}

// Executor runs queries against one database node. Rows are returned as
// column-name maps.
type Executor interface {
	Run(ctx context.Context, q Query) ([]map[string]any, error)
	Close(ctx context.Context) error
}

// Cluster is one write-capable primary plus an ordered list of read-only
// secondaries.
type Cluster struct {
	Primary     Executor
	Secondaries []Executor
}

// Writer returns the node every write must target.
func (c *Cluster) Writer() Executor { return c.Primary }

// Reader returns the node used for queries. The policy is "first secondary";
// there is no load balancing across secondaries. A cluster without
// secondaries reads from the primary.
func (c *Cluster) Reader() Executor {
	if len(c.Secondaries) > 0 {
		return c.Secondaries[0]
	}
	return c.Primary
}

func (c *Cluster) Close(ctx context.Context) error {
	var errs []error
	if c.Primary != nil {
		if err := c.Primary.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close primary: %w", err))
		}
	}
	for i, s := range c.Secondaries {
		if err := s.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close secondary %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

// Connector establishes a full cluster: one primary and every secondary.
type Connector func(ctx context.Context) (*Cluster, error)

// Handle is the process-wide, lazily initialised cluster. Concurrent first
// callers may each connect; exactly one cluster is installed and the others
// are closed before their callers return.
type Handle struct {
	connect Connector
	log     *zap.Logger
	current atomic.Pointer[Cluster]
}

func NewHandle(connect Connector, log *zap.Logger) *Handle {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handle{connect: connect, log: log.Named("cluster")}
}

func (h *Handle) Get(ctx context.Context) (*Cluster, error) {
	for {
		if c := h.current.Load(); c != nil {
			return c, nil
		}
		c, err := h.connect(ctx)
		if err != nil {
			return nil, fmt.Errorf("connect cluster: %w", err)
		}
		if h.current.CompareAndSwap(nil, c) {
			h.log.Info("cluster connected", zap.Int("secondaries", len(c.Secondaries)))
			return c, nil
		}
		if err := c.Close(ctx); err != nil {
			h.log.Warn("close redundant cluster connection", zap.Error(err))
		}
	}
}

// Reset drops the installed cluster so that the next Get reconnects the
// whole topology.
func (h *Handle) Reset(ctx context.Context) error {
	c := h.current.Swap(nil)
	if c == nil {
		return nil
	}
	return c.Close(ctx)
}

func (h *Handle) Close(ctx context.Context) error { return h.Reset(ctx) }
