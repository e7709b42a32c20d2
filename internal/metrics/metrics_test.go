package metrics

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.MessageReceived("socket", "query")
	m.ObserveQuery("all", time.Millisecond, errors.New("boom"))
	m.RecordsCreated(3)
	m.SocketSessionOpened()
	assert.Nil(t, m.Registry())
}

func TestCountersAccumulate(t *testing.T) {
	m := New()
	m.MessageReceived("mqtt", "data")
	m.MessageReceived("mqtt", "data")
	m.RecordsCreated(4)
	m.ObserveQuery("by_uuid", time.Millisecond, errors.New("down"))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.MessagesReceived.WithLabelValues("mqtt", "data")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.RecordsWritten))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.QueryErrors.WithLabelValues("by_uuid")))
}

func TestServerExposesRegistry(t *testing.T) {
	m := New()
	m.FragmentsPublished(2)

	srv, err := NewServer("127.0.0.1:0", m)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Start(ctx) }()

	resp, err := http.Get("http://" + srv.Addr() + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.True(t, strings.Contains(string(body), "telemetry_chunk_fragments_published_total 2"))

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("metrics server did not stop")
	}
}
