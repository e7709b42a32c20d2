// Package chunk publishes replies that may exceed the broker's packet limit.
//
// A payload at or below the ceiling is published whole at QoS 0. A larger
// payload is cut into byte ranges of at most ceiling bytes; fragment i of n
// goes to <topic>/split/<i>/<n> at QoS 1, followed by a split_summary
// envelope on <topic> at QoS 1. Fragment boundaries are byte offsets into the
// serialized text and may fall inside a JSON token, so consumers must
// reassemble before parsing (see Assembler).
package chunk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"unicode/utf8"

	"telemetrygw/internal/metrics"
)

const (
	DefaultCeiling = 8192

	QoSWhole    byte = 0
	QoSFragment byte = 1

	SummaryType = "split_summary"
)

// Transport sends one broker publish.
type Transport interface {
	Publish(ctx context.Context, topic string, qos byte, payload []byte) error
}

// Fragment is the envelope published on a split topic.
type Fragment struct {
	SplitIndex  int    `json:"split_index"`
	TotalSplits int    `json:"total_splits"`
	TotalLength int    `json:"total_length"`
	Payload     string `json:"payload"`
}

// Summary is published on the base topic after the last fragment.
type Summary struct {
	Type        string `json:"type"`
	TotalChunks int    `json:"total_chunks"`
	TotalLength int    `json:"total_length"`
}

func FragmentTopic(topic string, index, total int) string {
	return fmt.Sprintf("%s/split/%d/%d", topic, index, total)
}

// Split cuts payload into ceil(len/ceiling) contiguous byte ranges.
func Split(payload []byte, ceiling int) []Fragment {
	if ceiling <= 0 {
		ceiling = DefaultCeiling
	}
	total := (len(payload) + ceiling - 1) / ceiling
	out := make([]Fragment, 0, total)
	for i := 0; i < total; i++ {
		start := i * ceiling
		end := min(start+ceiling, len(payload))
		out = append(out, Fragment{
			SplitIndex:  i + 1,
			TotalSplits: total,
			TotalLength: len(payload),
			Payload:     string(payload[start:end]),
		})
	}
	return out
}

type Publisher struct {
	transport Transport
	ceiling   int
	metrics   *metrics.Metrics
}

func NewPublisher(t Transport, ceiling int, m *metrics.Metrics) *Publisher {
	if ceiling <= 0 {
		ceiling = DefaultCeiling
	}
	return &Publisher{transport: t, ceiling: ceiling, metrics: m}
}

func (p *Publisher) Ceiling() int { return p.ceiling }

// Publish serializes v and sends it to topic, splitting when needed.
func (p *Publisher) Publish(ctx context.Context, topic string, v any) error {
	payload, err := Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal reply for %s: %w", topic, err)
	}
	return p.PublishBytes(ctx, topic, payload)
}

func (p *Publisher) PublishBytes(ctx context.Context, topic string, payload []byte) error {
	if len(payload) <= p.ceiling {
		return p.transport.Publish(ctx, topic, QoSWhole, payload)
	}
	// fragment payloads travel as JSON strings; a byte cut through a
	// multi-byte rune would not survive that, so split ASCII text only
	payload = escapeNonASCII(payload)

	frags := Split(payload, p.ceiling)
	for _, f := range frags {
		body, err := json.Marshal(f)
		if err != nil {
			return err
		}
		if err := p.transport.Publish(ctx, FragmentTopic(topic, f.SplitIndex, f.TotalSplits), QoSFragment, body); err != nil {
			return fmt.Errorf("publish fragment %d/%d: %w", f.SplitIndex, f.TotalSplits, err)
		}
	}
	p.metrics.FragmentsPublished(len(frags))

	summary, err := json.Marshal(Summary{Type: SummaryType, TotalChunks: len(frags), TotalLength: len(payload)})
	if err != nil {
		return err
	}
	if err := p.transport.Publish(ctx, topic, QoSFragment, summary); err != nil {
		return fmt.Errorf("publish split summary: %w", err)
	}
	return nil
}

// Marshal encodes v as JSON text restricted to ASCII, so any byte offset is
// a valid cut point for Split.
func Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return escapeNonASCII(bytes.TrimRight(buf.Bytes(), "\n")), nil
}

// escapeNonASCII rewrites every non-ASCII rune of a JSON text as a \u escape.
// Outside strings valid JSON is already ASCII, so the result parses to the
// same value.
func escapeNonASCII(b []byte) []byte {
	ascii := true
	for _, c := range b {
		if c >= utf8.RuneSelf {
			ascii = false
			break
		}
	}
	if ascii {
		return b
	}
	out := make([]byte, 0, len(b)+len(b)/4)
	for len(b) > 0 {
		r, size := utf8.DecodeRune(b)
		b = b[size:]
		switch {
		case r < utf8.RuneSelf:
			out = append(out, byte(r))
		case r > 0xFFFF:
			r -= 0x10000
			out = fmt.Appendf(out, `\u%04x\u%04x`, 0xD800+(r>>10), 0xDC00+(r&0x3FF))
		default:
			out = fmt.Appendf(out, `\u%04x`, r)
		}
	}
	return out
}
