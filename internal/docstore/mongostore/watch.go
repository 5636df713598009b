package mongostore

import (
	"context"
	"fmt"

	"stockflow/internal/docstore"

	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"
)

// Watch emits q now and after every change event on its collection. The
// channel closes when ctx ends or the change stream fails.
func (s *Store) Watch(ctx context.Context, q docstore.Query) (<-chan docstore.Snapshot, error) {
	stream, err := s.db.Collection(q.Collection).Watch(ctx, mongo.Pipeline{})
	if err != nil {
		return nil, fmt.Errorf("mongostore: change stream: %w", err)
	}

	docs, err := s.Query(ctx, q)
	if err != nil {
		_ = stream.Close(context.Background())
		return nil, err
	}

	ch := make(chan docstore.Snapshot, 1)
	ch <- docstore.Snapshot{Docs: docs, ReadAt: s.clock.Next()}

	go func() {
		defer close(ch)
		defer stream.Close(context.Background())

		for stream.Next(ctx) {
			// drain events that are already buffered so one query covers them
			for stream.RemainingBatchLength() > 0 && stream.Next(ctx) {
			}

			docs, err := s.Query(ctx, q)
			if err != nil {
				if ctx.Err() == nil {
					s.logger.Error("Watch query failed", zap.String("collection", q.Collection), zap.Error(err))
				}
				continue
			}
			select {
			case <-ch:
			default:
			}
			ch <- docstore.Snapshot{Docs: docs, ReadAt: s.clock.Next()}
		}
		if err := stream.Err(); err != nil && ctx.Err() == nil {
			s.logger.Error("Change stream ended", zap.String("collection", q.Collection), zap.Error(err))
		}
	}()

	return ch, nil
}
