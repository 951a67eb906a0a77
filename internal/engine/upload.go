package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/BadgerOps/ijec/internal/remote"
	"github.com/BadgerOps/ijec/internal/session"
)

// upload sends the archive chunk by chunk starting at the persisted cursor.
// A cursor returned with an acknowledgement is adopted and saved only when
// it is ahead of the local one; otherwise the chunk counts as failed. A
// failing chunk is retried on its own. Only an out-of-order reply may move
// the cursor backwards.
func (r *jobRun) upload(ctx context.Context) error {
	e := r.engine
	data := r.payload.archive
	total := int64(len(data))

	cursor := r.rec.UploadCursor
	if cursor < 0 {
		cursor = 0
	}
	if cursor > 0 {
		e.logger.Info("resuming upload", "cursor", cursor, "total", total)
	}

	attempts := 0
	for cursor < total {
		end := min(cursor+e.chunkSize, total)
		index := cursor / e.chunkSize

		next, err := e.remote.UploadChunk(ctx, r.rec.Token, index, data[cursor:end])
		if err == nil && next <= cursor {
			err = fmt.Errorf("server cursor did not advance past %d (got %d)", cursor, next)
		} else if err == nil {
			attempts = 0
			r.report.ChunksSent++
			r.addUploaded(end - cursor)
			cursor = next
			r.rec.UploadCursor = next
			if err := r.save(); err != nil {
				return err
			}
			e.logger.Debug("chunk acknowledged", "index", index, "cursor", next, "total", total)
			r.progress(0)
			continue
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		attempts++
		r.report.ChunkRetries++
		r.recordChunkFailure(cursor, index, attempts, err)
		e.logger.Warn("chunk upload failed", "index", index, "cursor", cursor, "attempt", attempts, "error", err)

		if attempts >= e.chunkAttempts {
			return fmt.Errorf("%w: chunk %d at byte %d failed %d times: %w",
				ErrChunkRetriesExhausted, index, cursor, attempts, err)
		}

		var apiErr *remote.APIError
		if errors.As(err, &apiErr) && apiErr.Code == remote.CodeChunkOutOfOrder && apiErr.Current != nil {
			e.logger.Info("resyncing upload cursor", "from", cursor, "to", *apiErr.Current)
			cursor = max(*apiErr.Current, 0)
			r.rec.UploadCursor = cursor
			if err := r.save(); err != nil {
				return err
			}
		}

		if err := sleep(ctx, e.backoffFunc(attempts)); err != nil {
			return err
		}
	}

	return r.advance(session.StepUploaded)
}

// calculateBackoffDelay calculates exponential backoff with jitter.
// Base delay is 500ms, doubles each attempt, capped at 8s, plus random
// jitter up to half the delay.
func calculateBackoffDelay(attempt int) time.Duration {
	baseDelay := 500 * time.Millisecond
	exponentialDelay := time.Duration(math.Pow(2, float64(attempt-1))) * baseDelay
	if exponentialDelay > 8*time.Second {
		exponentialDelay = 8 * time.Second
	}
	maxJitter := exponentialDelay / 2
	jitter := time.Duration(rand.Int63n(int64(maxJitter)))
	return exponentialDelay + jitter
}
