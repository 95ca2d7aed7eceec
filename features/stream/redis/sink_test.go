package redis

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/runtime/plan"
)

func newSink(t *testing.T, opts Options) (*Sink, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	opts.Client = goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	sink, err := NewSink(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sink.Close() })
	return sink, mr
}

func TestNewSinkRequiresClient(t *testing.T) {
	_, err := NewSink(Options{})
	assert.Error(t, err)
}

func TestSendPublishesEnvelope(t *testing.T) {
	sink, mr := newSink(t, Options{})

	event := plan.Event{
		Seq:     7,
		TS:      1700000000000,
		Actor:   "scheduler-1",
		Type:    "step_claimed",
		Payload: map[string]any{"step_id": "s1"},
	}
	require.NoError(t, sink.Send(context.Background(), event))

	entries, err := mr.Stream(DefaultStream)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	values := entries[0].Values
	require.GreaterOrEqual(t, len(values), 4)
	assert.Equal(t, "type", values[0])
	assert.Equal(t, "step_claimed", values[1])

	var env envelope
	require.NoError(t, json.Unmarshal([]byte(values[3]), &env))
	assert.EqualValues(t, 7, env.Seq)
	assert.Equal(t, "scheduler-1", env.Actor)
	assert.Equal(t, "s1", env.Payload["step_id"])
}

func TestSendUsesConfiguredStream(t *testing.T) {
	sink, mr := newSink(t, Options{Stream: "audit"})
	require.NoError(t, sink.Send(context.Background(), plan.Event{Type: "ping"}))

	entries, err := mr.Stream("audit")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestSendPropagatesMarshalError(t *testing.T) {
	sink, _ := newSink(t, Options{
		MarshalEnvelope: func(envelope) ([]byte, error) {
			return nil, errors.New("marshal boom")
		},
	})
	err := sink.Send(context.Background(), plan.Event{Type: "ping"})
	assert.ErrorContains(t, err, "marshal boom")
}
