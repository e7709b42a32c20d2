package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"telemetrygw/internal/chunk"
	"telemetrygw/internal/dispatch"
	"telemetrygw/internal/errs"
)

type publish struct {
	topic   string
	qos     byte
	payload []byte
}

type fakeTransport struct {
	connectErr error
	events     chan Event

	mu         sync.Mutex
	published  []publish
	subscribed []string
	closed     atomic.Bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{events: make(chan Event, 16)}
}

func (f *fakeTransport) Connect(context.Context, time.Duration) error { return f.connectErr }

func (f *fakeTransport) Subscribe(_ context.Context, topic string, _ byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed = append(f.subscribed, topic)
	return nil
}

func (f *fakeTransport) Publish(_ context.Context, topic string, qos byte, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, publish{topic: topic, qos: qos, payload: append([]byte(nil), payload...)})
	return nil
}

func (f *fakeTransport) Events() <-chan Event { return f.events }

func (f *fakeTransport) Close() { f.closed.Store(true) }

func (f *fakeTransport) publishes() []publish {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]publish(nil), f.published...)
}

type call struct {
	raw  string
	meta dispatch.Meta
}

type recordingHandler struct {
	mu    sync.Mutex
	calls []call
	reply func(ctx context.Context, sink dispatch.ReplySink) error
}

func (h *recordingHandler) Dispatch(ctx context.Context, raw []byte, meta dispatch.Meta, sink dispatch.ReplySink) error {
	h.mu.Lock()
	h.calls = append(h.calls, call{raw: string(raw), meta: meta})
	h.mu.Unlock()
	if h.reply != nil {
		return h.reply(ctx, sink)
	}
	return nil
}

func runSession(t *testing.T, s *Session) <-chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()
	return done
}

func waitResult(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("session did not finish")
		return nil
	}
}

func TestConnectFailureEndsAttempt(t *testing.T) {
	tr := newFakeTransport()
	tr.connectErr = errs.Transport("connect", errs.ErrBrokerUnreachable)
	s := NewSession(Config{}, "gw-A", tr, &recordingHandler{}, nil, nil)

	err := s.Run(context.Background())
	assert.ErrorIs(t, err, errs.ErrBrokerUnreachable)
	assert.Equal(t, StateDisconnected, s.State())
	assert.True(t, tr.closed.Load())
	assert.Empty(t, tr.publishes())
}

func TestActivationAnnouncesAndSubscribes(t *testing.T) {
	tr := newFakeTransport()
	s := NewSession(Config{}, "gw-A", tr, &recordingHandler{}, nil, nil)
	tr.events <- Event{Kind: EventDisconnect}

	require.NoError(t, waitResult(t, runSession(t, s)))

	pubs := tr.publishes()
	require.Len(t, pubs, 1)
	assert.Equal(t, "discovery", pubs[0].topic)
	assert.JSONEq(t, `{"type":"client_connect","client_id":"gw-A"}`, string(pubs[0].payload))
	assert.Equal(t, []string{"shared-topic", "shared-topic/gw-A"}, tr.subscribed)
}

func TestInboundPublishCarriesSessionTopicFlag(t *testing.T) {
	tr := newFakeTransport()
	h := &recordingHandler{}
	s := NewSession(Config{}, "gw-A", tr, h, nil, nil)

	tr.events <- Event{Kind: EventPublish, Topic: "shared-topic", Payload: []byte(`{"type":"all"}`)}
	tr.events <- Event{Kind: EventPublish, Topic: "shared-topic/gw-A", Payload: []byte(`{"type":"all","client_id":"B"}`)}
	tr.events <- Event{Kind: EventDisconnect}
	require.NoError(t, waitResult(t, runSession(t, s)))

	require.Len(t, h.calls, 2)
	assert.Equal(t, dispatch.Meta{Origin: dispatch.OriginMQTT, Session: "gw-A"}, h.calls[0].meta)
	assert.Equal(t, dispatch.Meta{Origin: dispatch.OriginMQTT, Session: "gw-A", OnSessionTopic: true}, h.calls[1].meta)
}

func TestRepliesAreChunkedOntoResponseTopics(t *testing.T) {
	tr := newFakeTransport()
	big := strings.Repeat("r", 100)
	h := &recordingHandler{reply: func(ctx context.Context, sink dispatch.ReplySink) error {
		return sink.Reply(ctx, dispatch.Reply{Operation: "color", Key: "red", Body: big})
	}}
	s := NewSession(Config{Ceiling: 40}, "gw-A", tr, h, nil, nil)

	tr.events <- Event{Kind: EventPublish, Topic: "shared-topic", Payload: []byte(`{"type":"color","data":"red"}`)}
	tr.events <- Event{Kind: EventDisconnect}
	require.NoError(t, waitResult(t, runSession(t, s)))

	pubs := tr.publishes()[1:] // skip the announcement
	// 102 bytes of JSON text over a 40 byte ceiling
	require.Len(t, pubs, 4)
	for i, p := range pubs[:3] {
		assert.Equal(t, chunk.FragmentTopic("response/gw-A/color/red", i+1, 3), p.topic)
		assert.Equal(t, chunk.QoSFragment, p.qos)
	}
	assert.Equal(t, "response/gw-A/color/red", pubs[3].topic)

	var sum chunk.Summary
	require.NoError(t, json.Unmarshal(pubs[3].payload, &sum))
	assert.Equal(t, 3, sum.TotalChunks)
	assert.Equal(t, 102, sum.TotalLength)
}

func TestTransportErrorEndsLoopWithError(t *testing.T) {
	tr := newFakeTransport()
	s := NewSession(Config{}, "gw-A", tr, &recordingHandler{}, nil, nil)
	tr.events <- Event{Kind: EventError, Err: errors.New("connection reset")}

	err := waitResult(t, runSession(t, s))
	assert.True(t, errs.Is(err, errs.KindTransport))
	assert.Equal(t, StateDisconnected, s.State())
}

func TestDispatchErrorsDoNotEndSession(t *testing.T) {
	tr := newFakeTransport()
	h := &recordingHandler{reply: func(context.Context, dispatch.ReplySink) error {
		return errs.Validation("parse", errs.ErrMissingField)
	}}
	s := NewSession(Config{}, "gw-A", tr, h, nil, nil)
	tr.events <- Event{Kind: EventPublish, Topic: "shared-topic", Payload: []byte(`{"type":"uuid"}`)}
	tr.events <- Event{Kind: EventPublish, Topic: "shared-topic", Payload: []byte(`{"type":"uuid"}`)}
	tr.events <- Event{Kind: EventDisconnect}

	require.NoError(t, waitResult(t, runSession(t, s)))
	assert.Len(t, h.calls, 2)
}

func TestCancelStopsActiveSession(t *testing.T) {
	tr := newFakeTransport()
	s := NewSession(Config{}, "gw-A", tr, &recordingHandler{}, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return s.State() == StateActive }, 5*time.Second, 10*time.Millisecond)
	cancel()
	assert.ErrorIs(t, waitResult(t, done), context.Canceled)
	assert.True(t, tr.closed.Load())
}
