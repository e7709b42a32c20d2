package chunk

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type published struct {
	topic   string
	qos     byte
	payload []byte
}

type recordingTransport struct {
	mu   sync.Mutex
	msgs []published
	fail error
}

func (r *recordingTransport) Publish(_ context.Context, topic string, qos byte, payload []byte) error {
	if r.fail != nil {
		return r.fail
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, published{topic: topic, qos: qos, payload: append([]byte(nil), payload...)})
	return nil
}

func TestSmallPayloadIsPublishedWholeAtQoS0(t *testing.T) {
	tr := &recordingTransport{}
	p := NewPublisher(tr, 64, nil)

	require.NoError(t, p.Publish(context.Background(), "response/A/uuid/U", map[string]any{"uuid": "U"}))
	require.Len(t, tr.msgs, 1)
	assert.Equal(t, "response/A/uuid/U", tr.msgs[0].topic)
	assert.Equal(t, QoSWhole, tr.msgs[0].qos)
	assert.JSONEq(t, `{"uuid":"U"}`, string(tr.msgs[0].payload))
}

func TestPayloadAtCeilingIsNotSplit(t *testing.T) {
	tr := &recordingTransport{}
	p := NewPublisher(tr, 10, nil)
	require.NoError(t, p.PublishBytes(context.Background(), "t", []byte("0123456789")))
	require.Len(t, tr.msgs, 1)
}

func TestSplitInvariant(t *testing.T) {
	for _, tc := range []struct {
		length, ceiling int
	}{
		{11, 10}, {20, 10}, {21, 10}, {1000, 7}, {8193, 8192},
	} {
		payload := []byte(strings.Repeat("x", tc.length))
		frags := Split(payload, tc.ceiling)
		want := (tc.length + tc.ceiling - 1) / tc.ceiling
		require.Len(t, frags, want, "L=%d C=%d", tc.length, tc.ceiling)

		var joined strings.Builder
		for i, f := range frags {
			assert.Equal(t, i+1, f.SplitIndex)
			assert.Equal(t, want, f.TotalSplits)
			assert.Equal(t, tc.length, f.TotalLength)
			assert.LessOrEqual(t, len(f.Payload), tc.ceiling)
			joined.WriteString(f.Payload)
		}
		assert.Equal(t, string(payload), joined.String())
	}
}

func TestOversizedPublishSendsFragmentsThenSummary(t *testing.T) {
	tr := &recordingTransport{}
	p := NewPublisher(tr, 16, nil)
	payload := []byte(`{"records":["aaaaaaaaaa","bbbbbbbbbb","cccccccccc"]}`)

	require.NoError(t, p.PublishBytes(context.Background(), "response/A/all", payload))

	n := (len(payload) + 15) / 16
	require.Len(t, tr.msgs, n+1)

	var joined []byte
	for i := 0; i < n; i++ {
		m := tr.msgs[i]
		assert.Equal(t, FragmentTopic("response/A/all", i+1, n), m.topic)
		assert.Equal(t, QoSFragment, m.qos)
		var f Fragment
		require.NoError(t, json.Unmarshal(m.payload, &f))
		joined = append(joined, f.Payload...)
	}
	assert.Equal(t, payload, joined)

	last := tr.msgs[n]
	assert.Equal(t, "response/A/all", last.topic)
	assert.Equal(t, QoSFragment, last.qos)
	var s Summary
	require.NoError(t, json.Unmarshal(last.payload, &s))
	assert.Equal(t, SummaryType, s.Type)
	assert.Equal(t, n, s.TotalChunks)
	assert.Equal(t, len(payload), s.TotalLength)
}

func TestNonASCIIPayloadSurvivesByteSplitting(t *testing.T) {
	tr := &recordingTransport{}
	p := NewPublisher(tr, 5, nil)
	in := map[string]string{"color": "grün ☀ 🌡"}
	require.NoError(t, p.Publish(context.Background(), "r", in))

	a := NewAssembler()
	var out []byte
	for _, m := range tr.msgs {
		_, payload, done, err := a.Add(m.topic, m.payload)
		require.NoError(t, err)
		if done {
			out = payload
		}
	}
	var got map[string]string
	require.NoError(t, json.Unmarshal(out, &got))
	assert.Equal(t, in, got)
}

func TestPublishErrorStopsSequence(t *testing.T) {
	tr := &recordingTransport{fail: errors.New("broker gone")}
	p := NewPublisher(tr, 4, nil)
	err := p.PublishBytes(context.Background(), "t", []byte("0123456789"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fragment 1/3")
}
