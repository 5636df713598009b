package broker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeReader struct {
	mu      sync.Mutex
	queue   []kafka.Message
	commits []int64
}

func (f *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	f.mu.Lock()
	if len(f.queue) > 0 {
		msg := f.queue[0]
		f.queue = f.queue[1:]
		f.mu.Unlock()
		return msg, nil
	}
	f.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (f *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range msgs {
		f.commits = append(f.commits, m.Offset)
	}
	return nil
}

func (f *fakeReader) Config() kafka.ReaderConfig { return kafka.ReaderConfig{Topic: "sale-requests"} }

func (f *fakeReader) Close() error { return nil }

func newTestConsumer(offsets ...int64) (*Consumer, *fakeReader) {
	r := &fakeReader{}
	for _, o := range offsets {
		r.queue = append(r.queue, kafka.Message{Offset: o})
	}
	return &Consumer{reader: r, logger: zap.NewNop(), retryDelay: time.Millisecond, maxDelay: 4 * time.Millisecond}, r
}

func TestStartConsuming_RetriesFailedMessageBeforeMovingOn(t *testing.T) {
	c, r := newTestConsumer(5, 6)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var handled []int64
	failures := 3
	err := c.StartConsuming(ctx, func(_ context.Context, msg kafka.Message) error {
		handled = append(handled, msg.Offset)
		if msg.Offset == 5 && failures > 0 {
			failures--
			return errors.New("transaction conflict")
		}
		if msg.Offset == 6 {
			cancel()
		}
		return nil
	})

	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, []int64{5, 5, 5, 5, 6}, handled)
	assert.Equal(t, []int64{5, 6}, r.commits)
}

func TestStartConsuming_CancelDuringRetryLeavesMessageUncommitted(t *testing.T) {
	c, r := newTestConsumer(5, 6)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	calls := 0
	err := c.StartConsuming(ctx, func(_ context.Context, msg kafka.Message) error {
		calls++
		require.Equal(t, int64(5), msg.Offset)
		if calls == 2 {
			cancel()
		}
		return errors.New("store unavailable")
	})

	assert.True(t, errors.Is(err, context.Canceled))
	assert.Empty(t, r.commits)
	assert.Len(t, r.queue, 1)
}
