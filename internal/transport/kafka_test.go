package transport

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/fyrsmithlabs/patternd/internal/engine"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type fakeReader struct {
	msgs chan kafka.Message

	mu        sync.Mutex
	committed []int64
	closed    bool
}

func newFakeReader(msgs ...kafka.Message) *fakeReader {
	r := &fakeReader{msgs: make(chan kafka.Message, len(msgs))}
	for _, m := range msgs {
		r.msgs <- m
	}
	return r
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case m := <-r.msgs:
		return m, nil
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	}
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *fakeReader) commits() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...)
}

func TestKafkaSource_HandlesAndCommits(t *testing.T) {
	good, err := json.Marshal(engine.MessageEvent{
		ConversationID: "c1",
		Direction:      engine.DirectionInbound,
		Text:           "the lights are off",
	})
	require.NoError(t, err)

	reader := newFakeReader(
		kafka.Message{Topic: "events", Offset: 1, Value: good},
		kafka.Message{Topic: "events", Offset: 2, Value: []byte("not json")},
	)

	core, logs := observer.New(zap.WarnLevel)
	handled := make(chan engine.MessageEvent, 2)
	src, err := NewKafkaSource(reader, func(_ context.Context, ev engine.MessageEvent) error {
		handled <- ev
		return nil
	}, zap.New(core))
	require.NoError(t, err)
	require.NoError(t, src.Start())

	select {
	case ev := <-handled:
		assert.Equal(t, "the lights are off", ev.Text)
	case <-time.After(2 * time.Second):
		t.Fatal("event not handled")
	}

	require.Eventually(t, func() bool { return len(reader.commits()) == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []int64{1, 2}, reader.commits())

	require.NoError(t, src.Stop())
	require.NoError(t, src.Stop())
	assert.True(t, reader.closed)
	assert.Equal(t, 1, logs.FilterMessage("dropping invalid message event").Len())
	assert.Empty(t, handled)
}

func TestNewKafkaSource_Validation(t *testing.T) {
	_, err := NewKafkaSource(nil, nil, nil)
	assert.Error(t, err)
}
