package chunk

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAssemblerReordersAndIgnoresDuplicates(t *testing.T) {
	tr := &recordingTransport{}
	p := NewPublisher(tr, 8, nil)
	payload := []byte(strings.Repeat("0123456789", 4))
	require.NoError(t, p.PublishBytes(context.Background(), "response/A/color/red", payload))

	frags := tr.msgs[:len(tr.msgs)-1]
	summary := tr.msgs[len(tr.msgs)-1]

	a := NewAssembler()
	// summary first, then fragments reversed with one duplicate
	_, _, done, err := a.Add(summary.topic, summary.payload)
	require.NoError(t, err)
	assert.False(t, done)

	_, _, done, err = a.Add(frags[len(frags)-1].topic, frags[len(frags)-1].payload)
	require.NoError(t, err)
	assert.False(t, done)

	var got []byte
	var base string
	for i := len(frags) - 1; i >= 0; i-- {
		b, out, ok, err := a.Add(frags[i].topic, frags[i].payload)
		require.NoError(t, err)
		if ok {
			got, base = out, b
		}
	}
	assert.Equal(t, payload, got)
	assert.Equal(t, "response/A/color/red", base)
	assert.Equal(t, 0, a.Pending())
}

func TestAssemblerPassesWholeMessagesThrough(t *testing.T) {
	a := NewAssembler()
	base, out, done, err := a.Add("response/A/all", []byte(`[]`))
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, "response/A/all", base)
	assert.Equal(t, `[]`, string(out))
}

func TestAssemblerRejectsMismatchedMetadata(t *testing.T) {
	a := NewAssembler()
	_, _, _, err := a.Add("r/split/1/2", []byte(`{"split_index":1,"total_splits":3,"total_length":4,"payload":"ab"}`))
	assert.ErrorIs(t, err, ErrInconsistent)

	_, _, _, err = a.Add("r/split/x/2", []byte(`{}`))
	assert.ErrorIs(t, err, ErrBadFragmentTopic)

	_, _, _, err = a.Add("r/split/3/2", []byte(`{}`))
	assert.ErrorIs(t, err, ErrBadFragmentTopic)
}
