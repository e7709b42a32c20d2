package mqtt

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"telemetrygw/internal/errs"
)

func TestSupervisorRestartsWithFreshIdentity(t *testing.T) {
	var (
		mu  sync.Mutex
		ids []string
	)
	dial := func(cfg Config, id string) Transport {
		mu.Lock()
		ids = append(ids, id)
		mu.Unlock()
		tr := newFakeTransport()
		tr.connectErr = errs.Transport("connect", errs.ErrBrokerUnreachable)
		return tr
	}
	cfg := Config{Enabled: true, Broker: "tcp://unused:1883", Backoff: BackoffConfig{Initial: time.Millisecond, Max: 5 * time.Millisecond}}
	sup, err := NewSupervisor(cfg, dial, &recordingHandler{}, nil, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Start(ctx) }()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(ids) >= 3
	}, 5*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor did not stop")
	}

	mu.Lock()
	defer mu.Unlock()
	seen := map[string]bool{}
	for _, id := range ids {
		assert.True(t, strings.HasPrefix(id, "telemetry-gw-"), id)
		assert.False(t, seen[id], "identity %s reused", id)
		seen[id] = true
	}
}

func TestSupervisorReportsCurrentSession(t *testing.T) {
	n := 0
	dial := func(cfg Config, id string) Transport {
		tr := newFakeTransport()
		tr.events <- Event{Kind: EventDisconnect}
		return tr
	}
	cfg := Config{Enabled: true, Broker: "tcp://unused:1883", ClientPrefix: "gw-", Backoff: BackoffConfig{Initial: time.Millisecond, Max: time.Millisecond}}
	sup, err := NewSupervisor(cfg, dial, &recordingHandler{}, nil, nil)
	require.NoError(t, err)
	sup.newID = func() string {
		n++
		return fmt.Sprintf("%d", n)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = sup.Start(ctx) }()

	select {
	case s := <-sup.Sessions():
		assert.True(t, strings.HasPrefix(s.ID(), "gw-"))
	case <-time.After(5 * time.Second):
		t.Fatal("no session reported")
	}
}

func TestSupervisorRejectsInvalidConfig(t *testing.T) {
	_, err := NewSupervisor(Config{Enabled: true}, nil, &recordingHandler{}, nil, nil)
	assert.Error(t, err)
	_, err = NewSupervisor(Config{Enabled: true, Broker: "tcp://b:1883", SharedTopic: "shared/#"}, nil, &recordingHandler{}, nil, nil)
	assert.Error(t, err)
}
