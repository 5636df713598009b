package store

import (
	"context"
	"fmt"
	"time"

	"stockflow/internal/docstore"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

// Watch emits q now and again whenever a transaction touching its collection
// commits. Each watch holds its own LISTEN connection.
func (s *Store) Watch(ctx context.Context, q docstore.Query) (<-chan docstore.Snapshot, error) {
	listener := pq.NewListener(s.dsn, 10*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			s.logger.Warn("Docstore listener event", zap.Int("event", int(ev)), zap.Error(err))
		}
	})
	if err := listener.Listen(notifyChannel); err != nil {
		listener.Close()
		return nil, fmt.Errorf("failed to listen: %w", err)
	}

	docs, err := s.Query(ctx, q)
	if err != nil {
		listener.Close()
		return nil, err
	}

	ch := make(chan docstore.Snapshot, 1)
	ch <- docstore.Snapshot{Docs: docs, ReadAt: s.clock.Next()}

	go func() {
		defer close(ch)
		defer listener.Close()

		ping := time.NewTicker(90 * time.Second)
		defer ping.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case n := <-listener.Notify:
				// nil follows a reconnect, after which anything may have changed
				if n != nil && n.Extra != q.Collection {
					continue
				}
			case <-ping.C:
				go listener.Ping()
				continue
			}

			docs, err := s.Query(ctx, q)
			if err != nil {
				if ctx.Err() == nil {
					s.logger.Error("Watch query failed", zap.String("collection", q.Collection), zap.Error(err))
				}
				continue
			}
			replace(ch, docstore.Snapshot{Docs: docs, ReadAt: s.clock.Next()})
		}
	}()

	return ch, nil
}

// replace drops an undelivered snapshot in favour of s
func replace(ch chan docstore.Snapshot, s docstore.Snapshot) {
	select {
	case <-ch:
	default:
	}
	ch <- s
}
