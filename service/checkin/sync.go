package checkin

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/gammazero/workerpool"
	"github.com/segmentio/ksuid"
	"github.com/sirupsen/logrus"

	"github.com/mikeydub/untappd-announcer/service/logger"
	"github.com/mikeydub/untappd-announcer/service/tracing"
	"github.com/mikeydub/untappd-announcer/service/untappd"
)

const defaultWorkers = 4

// NewCheckin is a check-in seen for the first time.
type NewCheckin struct {
	Username string
	Checkin  untappd.Checkin
}

// Engine pulls each registered user's feed and keeps only what lies above
// their watermark. A username's read-fetch-advance cycle runs under that
// username's sync lock; different usernames sync in parallel.
type Engine struct {
	registry   *Registry
	watermarks *Watermarks
	feeds      FeedClient
	locker     Locker
	workers    int
}

func NewEngine(registry *Registry, watermarks *Watermarks, feeds FeedClient, locker Locker, workers int) *Engine {
	if workers <= 0 {
		workers = defaultWorkers
	}
	return &Engine{
		registry:   registry,
		watermarks: watermarks,
		feeds:      feeds,
		locker:     locker,
		workers:    workers,
	}
}

// SyncOne returns username's check-ins newer than its watermark, oldest first,
// and advances the watermark to the newest of them. A username that is no
// longer registered yields nothing. Untappd failures leave the watermark alone
// and come back wrapped in ErrFeedUnavailable.
func (e *Engine) SyncOne(ctx context.Context, username string) ([]NewCheckin, error) {
	ctx = logger.NewContextWithFields(ctx, logrus.Fields{"username": username})

	var result []NewCheckin
	err := tracing.WithSpan(ctx, "checkin.sync", username, func(ctx context.Context) error {
		unlock, err := e.locker.Lock(ctx, syncLockKey(username))
		if err != nil {
			return err
		}
		defer unlock()

		registered, err := e.registry.IsRegistered(ctx, username)
		if err != nil || !registered {
			return err
		}

		last, err := e.watermarks.Get(ctx, username)
		if err != nil {
			return err
		}

		result, err = e.syncFrom(ctx, username, last)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Replay forgets username's watermark and syncs its whole visible feed. The
// reset is only persisted along with a successful fetch, so a failed replay
// leaves the old watermark in place.
func (e *Engine) Replay(ctx context.Context, username string) ([]NewCheckin, error) {
	ctx = logger.NewContextWithFields(ctx, logrus.Fields{"username": username, "replay": true})

	unlock, err := e.locker.Lock(ctx, syncLockKey(username))
	if err != nil {
		return nil, err
	}
	defer unlock()

	registered, err := e.registry.IsRegistered(ctx, username)
	if err != nil {
		return nil, err
	}
	if !registered {
		return nil, ErrNotAssociated
	}

	return e.syncFrom(ctx, username, 0)
}

// syncFrom must be called with username's sync lock held.
func (e *Engine) syncFrom(ctx context.Context, username string, last int64) ([]NewCheckin, error) {
	logger.For(ctx).Debugf("last checkin id: %d", last)

	feed, err := e.feeds.UserFeed(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %s", ErrFeedUnavailable, username, err)
	}

	if len(feed) == 0 {
		return nil, nil
	}

	logger.For(ctx).Debugf("got %d potential checkins", len(feed))

	fresh, newest := selectNew(username, feed, last)

	if newest != last {
		if err := e.watermarks.Set(ctx, username, newest); err != nil {
			return nil, err
		}
	}

	logger.For(ctx).Debugf("got %d new checkins, watermark now %d", len(fresh), newest)

	return fresh, nil
}

// selectNew picks the check-ins above last from a newest-first feed page and
// returns them in ascending id order along with the new watermark. Ids are
// compared against last rather than a running maximum so a page that isn't
// strictly ordered still yields everything above the watermark.
func selectNew(username string, feed []untappd.Checkin, last int64) ([]NewCheckin, int64) {
	newest := last
	seen := make(map[int64]bool, len(feed))
	var fresh []NewCheckin

	for i := len(feed) - 1; i >= 0; i-- {
		c := feed[i]
		if c.ID <= last || seen[c.ID] {
			continue
		}
		seen[c.ID] = true
		fresh = append(fresh, NewCheckin{Username: username, Checkin: c})
		if c.ID > newest {
			newest = c.ID
		}
	}

	sort.SliceStable(fresh, func(i, j int) bool {
		return fresh[i].Checkin.ID < fresh[j].Checkin.ID
	})

	return fresh, newest
}

// SyncAll runs SyncOne for every registered username and concatenates the
// results in registry order. Feed failures are logged and skipped. Store
// failures don't stop the other users either; they are joined into the
// returned error alongside whatever was synced, since those watermarks have
// already moved and the check-ins must still be delivered. When no feed could
// be read at all the error wraps ErrFeedUnavailable.
func (e *Engine) SyncAll(ctx context.Context) ([]NewCheckin, error) {
	ctx = logger.NewContextWithFields(ctx, logrus.Fields{"syncCycle": ksuid.New().String()})

	associations, err := e.registry.List(ctx)
	if err != nil {
		return nil, err
	}

	results := make([][]NewCheckin, len(associations))
	errs := make([]error, len(associations))

	wp := workerpool.New(e.workers)
	for i, a := range associations {
		i, username := i, a.Username
		wp.Submit(func() {
			results[i], errs[i] = e.SyncOne(ctx, username)
		})
	}
	wp.StopWait()

	var all []NewCheckin
	var storeErrs []error
	unavailable := 0
	for i, a := range associations {
		switch err := errs[i]; {
		case err == nil:
			all = append(all, results[i]...)
		case errors.Is(err, ErrFeedUnavailable):
			logger.For(ctx).Infof("skipping %s this cycle: %s", a.Username, err)
			unavailable++
		default:
			logger.For(ctx).Errorf("failed to sync %s: %s", a.Username, err)
			storeErrs = append(storeErrs, err)
		}
	}

	logger.For(ctx).Debugf("got %d total checkins from %d users", len(all), len(associations))

	if len(storeErrs) > 0 {
		return all, errors.Join(storeErrs...)
	}
	if unavailable > 0 && unavailable == len(associations) {
		return nil, fmt.Errorf("%w: none of %d feeds could be read", ErrFeedUnavailable, unavailable)
	}
	return all, nil
}
