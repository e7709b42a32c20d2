package chunk

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
)

var (
	ErrBadFragmentTopic = errors.New("malformed fragment topic")
	ErrInconsistent     = errors.New("fragment metadata disagrees with earlier fragments")
)

// Assembler is the subscriber side of the split protocol. Feed it every
// message received under a base topic and its split subtopics; it returns the
// original payload once every fragment has arrived. Fragments may arrive in
// any order and more than once.
type Assembler struct {
	mu      sync.Mutex
	pending map[string]*partial
}

type partial struct {
	total  int
	length int
	parts  map[int]string
}

func NewAssembler() *Assembler {
	return &Assembler{pending: make(map[string]*partial)}
}

// Add consumes one message. It returns the base topic and the complete
// payload when done is true. Summary envelopes and fragments that leave the
// set incomplete return done == false.
func (a *Assembler) Add(topic string, msg []byte) (base string, payload []byte, done bool, err error) {
	if i := strings.LastIndex(topic, "/split/"); i >= 0 {
		return a.addFragment(topic[:i], topic[i+len("/split/"):], msg)
	}
	var probe struct {
		Type string `json:"type"`
	}
	if json.Unmarshal(msg, &probe) == nil && probe.Type == SummaryType {
		return topic, nil, false, nil
	}
	return topic, msg, true, nil
}

func (a *Assembler) addFragment(base, suffix string, msg []byte) (string, []byte, bool, error) {
	idx, total, err := parseSuffix(suffix)
	if err != nil {
		return base, nil, false, err
	}
	var f Fragment
	if err := json.Unmarshal(msg, &f); err != nil {
		return base, nil, false, fmt.Errorf("decode fragment: %w", err)
	}
	if f.SplitIndex != idx || f.TotalSplits != total {
		return base, nil, false, fmt.Errorf("%w: topic %d/%d, envelope %d/%d", ErrInconsistent, idx, total, f.SplitIndex, f.TotalSplits)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.pending[base]
	if !ok {
		p = &partial{total: total, length: f.TotalLength, parts: make(map[int]string, total)}
		a.pending[base] = p
	}
	if p.total != total || p.length != f.TotalLength {
		delete(a.pending, base)
		return base, nil, false, ErrInconsistent
	}
	p.parts[idx] = f.Payload
	if len(p.parts) < p.total {
		return base, nil, false, nil
	}
	delete(a.pending, base)

	var b strings.Builder
	b.Grow(p.length)
	for i := 1; i <= p.total; i++ {
		b.WriteString(p.parts[i])
	}
	if b.Len() != p.length {
		return base, nil, false, fmt.Errorf("%w: reassembled %d bytes, expected %d", ErrInconsistent, b.Len(), p.length)
	}
	return base, []byte(b.String()), true, nil
}

// Pending reports how many base topics have an incomplete fragment set.
func (a *Assembler) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

func parseSuffix(s string) (int, int, error) {
	is, ns, ok := strings.Cut(s, "/")
	if !ok {
		return 0, 0, ErrBadFragmentTopic
	}
	idx, err := strconv.Atoi(is)
	if err != nil {
		return 0, 0, ErrBadFragmentTopic
	}
	total, err := strconv.Atoi(ns)
	if err != nil || idx < 1 || idx > total {
		return 0, 0, ErrBadFragmentTopic
	}
	return idx, total, nil
}
