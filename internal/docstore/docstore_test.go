package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"stockflow/internal/apperr"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPolicy(attempts int) RetryPolicy {
	return RetryPolicy{MaxAttempts: attempts, BaseDelay: time.Microsecond, MaxDelay: time.Millisecond}
}

func TestRetryPolicy_SucceedsAfterConflicts(t *testing.T) {
	calls := 0
	retries := 0
	p := fastPolicy(5)
	p.OnRetry = func(int, error) { retries++ }

	err := p.Run(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return fmt.Errorf("version moved: %w", ErrTxConflict)
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 2, retries)
}

func TestRetryPolicy_ExhaustionIsConflict(t *testing.T) {
	calls := 0
	err := fastPolicy(4).Run(context.Background(), func(context.Context) error {
		calls++
		return ErrTxConflict
	})

	assert.Equal(t, 4, calls)
	assert.True(t, errors.Is(err, apperr.ErrConflict))
}

func TestRetryPolicy_DomainErrorsAreNotRetried(t *testing.T) {
	calls := 0
	err := fastPolicy(5).Run(context.Background(), func(context.Context) error {
		calls++
		return apperr.OutOfStock("p1")
	})

	assert.Equal(t, 1, calls)
	assert.True(t, errors.Is(err, apperr.ErrOutOfStock))
}

func TestRetryPolicy_StopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := RetryPolicy{MaxAttempts: 10, BaseDelay: time.Second, MaxDelay: time.Second}

	err := p.Run(ctx, func(context.Context) error {
		cancel()
		return ErrTxConflict
	})

	assert.ErrorIs(t, err, context.Canceled)
}

func TestBackoffIsBounded(t *testing.T) {
	p := RetryPolicy{BaseDelay: 10 * time.Millisecond, MaxDelay: 40 * time.Millisecond}
	for attempt := 1; attempt < 40; attempt++ {
		d := p.Backoff(attempt)
		assert.Greater(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, 40*time.Millisecond)
	}
}

func doc(t *testing.T, id string, body map[string]any) Document {
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	return Document{ID: id, Data: raw}
}

func ids(docs []Document) []string {
	out := make([]string, len(docs))
	for i, d := range docs {
		out[i] = d.ID
	}
	return out
}

func TestApply_FilterOrderLimit(t *testing.T) {
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	docs := []Document{
		doc(t, "a", map[string]any{"status": "Pending", "created_at": base.Add(time.Second)}),
		doc(t, "b", map[string]any{"status": "Received", "created_at": base}),
		doc(t, "c", map[string]any{"status": "Pending", "created_at": base.Add(500 * time.Millisecond)}),
		doc(t, "d", map[string]any{"status": "Pending", "created_at": base.Add(2 * time.Second)}),
	}

	q := Query{Collection: "orders"}.Where("status", "Pending").Ordered("created_at", true).Limited(2)
	out, err := Apply(q, docs)

	require.NoError(t, err)
	assert.Equal(t, []string{"d", "a"}, ids(out))
}

func TestApply_TimesCompareChronologically(t *testing.T) {
	// RFC 3339 trims trailing zeros, so lexical order would put .5 after .123
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	docs := []Document{
		doc(t, "late", map[string]any{"ts": base.Add(500 * time.Millisecond)}),
		doc(t, "early", map[string]any{"ts": base.Add(123 * time.Millisecond)}),
	}

	out, err := Apply(Query{OrderBy: "ts"}, docs)
	require.NoError(t, err)
	assert.Equal(t, []string{"early", "late"}, ids(out))
}

func TestApply_NumericFilter(t *testing.T) {
	docs := []Document{
		doc(t, "x", map[string]any{"quantity": 3}),
		doc(t, "y", map[string]any{"quantity": 4}),
	}

	out, err := Apply(Query{}.Where("quantity", 3), docs)
	require.NoError(t, err)
	assert.Equal(t, []string{"x"}, ids(out))
}

func TestClockIsStrictlyMonotonic(t *testing.T) {
	fixed := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewClock(func() time.Time { return fixed })

	first := c.Next()
	second := c.Next()
	third := c.Next()

	assert.True(t, second.After(first))
	assert.True(t, third.After(second))
}

type stampedDoc struct {
	At time.Time `json:"at"`
}

func (s *stampedDoc) Stamp(now time.Time) { s.At = now }

func TestEncodeStamps(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	d := &stampedDoc{}

	raw, err := Encode(d, now)
	require.NoError(t, err)
	assert.Equal(t, now, d.At)
	assert.JSONEq(t, `{"at":"2024-01-01T00:00:00Z"}`, string(raw))
}
