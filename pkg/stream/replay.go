package stream

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/pario-ai/llmcache/pkg/cache"
)

// Replayer writes stored entries back to clients in their original shape.
type Replayer struct {
	// Interval paces chunked replays. Zero writes frames back to back.
	Interval time.Duration
}

// Replay delivers entry to w. Chunked frames are written and flushed one at
// a time; ctx is checked between frames. The entry is never modified.
func (r *Replayer) Replay(ctx context.Context, w http.ResponseWriter, entry *cache.Entry) error {
	h := w.Header()
	if entry.ContentType != "" {
		h.Set("Content-Type", entry.ContentType)
	}
	status := entry.StatusCode
	if status == 0 {
		status = http.StatusOK
	}

	if entry.Shape == cache.ShapeAtomic {
		w.WriteHeader(status)
		if _, err := w.Write(entry.Body); err != nil {
			return errors.Join(ErrDelivery, err)
		}
		return nil
	}

	h.Set("Cache-Control", "no-cache")
	w.WriteHeader(status)
	flusher, _ := w.(http.Flusher)

	var tick *time.Ticker
	if r.Interval > 0 {
		tick = time.NewTicker(r.Interval)
		defer tick.Stop()
	}
	for i, frame := range entry.Chunks {
		if i > 0 && tick != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-tick.C:
			}
		} else if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := w.Write(frame); err != nil {
			return errors.Join(ErrDelivery, err)
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
	return nil
}
