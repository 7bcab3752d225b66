package checkin

import (
	"context"
	"fmt"
	"strconv"

	"github.com/mikeydub/untappd-announcer/service/redis"
	"github.com/mikeydub/untappd-announcer/util"
)

// Watermarks tracks the highest check-in id processed per Untappd username.
type Watermarks struct {
	store Store
}

func NewWatermarks(store Store) *Watermarks {
	return &Watermarks{store: store}
}

// Get returns 0 for a username that has never been synced.
func (w *Watermarks) Get(ctx context.Context, username string) (int64, error) {
	bs, err := w.store.Get(ctx, watermarkKey(username))
	if util.ErrorAs[redis.ErrKeyNotFound](err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read watermark for %s: %w", username, err)
	}

	id, err := strconv.ParseInt(string(bs), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt watermark for %s (%q): %w", username, bs, err)
	}
	return id, nil
}

func (w *Watermarks) Set(ctx context.Context, username string, id int64) error {
	if err := w.store.Set(ctx, watermarkKey(username), watermarkValue(id), 0); err != nil {
		return fmt.Errorf("failed to write watermark for %s: %w", username, err)
	}
	return nil
}

func (w *Watermarks) Delete(ctx context.Context, username string) error {
	if err := w.store.Delete(ctx, watermarkKey(username)); err != nil {
		return fmt.Errorf("failed to delete watermark for %s: %w", username, err)
	}
	return nil
}

func watermarkValue(id int64) []byte {
	return strconv.AppendInt(nil, id, 10)
}
