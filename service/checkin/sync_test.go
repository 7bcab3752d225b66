package checkin

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mikeydub/untappd-announcer/service/untappd"
)

func TestSyncOne(t *testing.T) {
	ctx := context.Background()

	t.Run("returns checkins above the watermark in ascending order", func(t *testing.T) {
		f := newFixture(t)
		f.feeds.addUser("alice")
		require.NoError(t, f.registry.Associate(ctx, "A", "alice"))
		require.NoError(t, f.watermarks.Set(ctx, "alice", 100))

		f.feeds.addUser("alice", beer(103, time.Minute), beer(101, time.Hour), beer(98, 2*time.Hour))

		got, err := f.engine.SyncOne(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, []int64{101, 103}, ids(got))
		for _, c := range got {
			assert.Equal(t, "alice", c.Username)
		}

		last, err := f.watermarks.Get(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, int64(103), last)
	})

	t.Run("is idempotent without new data", func(t *testing.T) {
		f := newFixture(t)
		f.feeds.addUser("alice")
		require.NoError(t, f.registry.Associate(ctx, "A", "alice"))
		f.feeds.post("alice", 1, 2, 3)

		first, err := f.engine.SyncOne(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, []int64{1, 2, 3}, ids(first))

		second, err := f.engine.SyncOne(ctx, "alice")
		require.NoError(t, err)
		assert.Empty(t, second)

		last, err := f.watermarks.Get(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, int64(3), last)
	})

	t.Run("delivers each checkin exactly once across cycles", func(t *testing.T) {
		f := newFixture(t)
		f.feeds.addUser("alice", beer(5, 48*time.Hour))
		require.NoError(t, f.registry.Associate(ctx, "A", "alice"))

		seen := map[int64]int{}
		next := int64(6)
		for cycle := 0; cycle < 10; cycle++ {
			for n := 0; n < cycle%3; n++ {
				f.feeds.post("alice", next)
				next++
			}
			got, err := f.engine.SyncOne(ctx, "alice")
			require.NoError(t, err)
			for _, id := range ids(got) {
				seen[id]++
			}
		}

		assert.Len(t, seen, int(next-6))
		for id, n := range seen {
			assert.Equal(t, 1, n, "checkin %d delivered %d times", id, n)
		}
		assert.NotContains(t, seen, int64(5))
	})

	t.Run("feed failure leaves the watermark alone", func(t *testing.T) {
		f := newFixture(t)
		f.feeds.addUser("alice", beer(10, time.Hour))
		require.NoError(t, f.registry.Associate(ctx, "A", "alice"))
		f.feeds.post("alice", 11)
		f.feeds.fail("alice", errUntappdDown)

		got, err := f.engine.SyncOne(ctx, "alice")
		assert.ErrorIs(t, err, ErrFeedUnavailable)
		assert.Empty(t, got)

		last, err := f.watermarks.Get(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, int64(10), last)

		// Picked up on the next cycle
		f.feeds.fail("alice", nil)
		got, err = f.engine.SyncOne(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, []int64{11}, ids(got))
	})

	t.Run("empty feed is nothing new", func(t *testing.T) {
		f := newFixture(t)
		f.feeds.addUser("alice")
		require.NoError(t, f.registry.Associate(ctx, "A", "alice"))

		got, err := f.engine.SyncOne(ctx, "alice")
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("unregistered usernames are skipped", func(t *testing.T) {
		f := newFixture(t)
		f.feeds.addUser("alice", beer(1, time.Hour))

		got, err := f.engine.SyncOne(ctx, "alice")
		require.NoError(t, err)
		assert.Empty(t, got)
		assert.Zero(t, f.feeds.calls["alice"])
	})

	t.Run("store outage fails hard without reading the feed", func(t *testing.T) {
		f := newFixture(t)
		f.feeds.addUser("alice")
		require.NoError(t, f.registry.Associate(ctx, "A", "alice"))
		f.feeds.post("alice", 1)
		calls := f.feeds.calls["alice"]
		require.NoError(t, f.client.Close())

		got, err := f.engine.SyncOne(ctx, "alice")
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrFeedUnavailable)
		assert.Empty(t, got)
		assert.Equal(t, calls, f.feeds.calls["alice"])
	})

	t.Run("corrupt watermark is an error, not a guess", func(t *testing.T) {
		f := newFixture(t)
		f.feeds.addUser("alice")
		require.NoError(t, f.registry.Associate(ctx, "A", "alice"))
		f.feeds.post("alice", 1)
		require.NoError(t, f.store.Set(ctx, watermarkKey("alice"), []byte("garbage"), 0))

		got, err := f.engine.SyncOne(ctx, "alice")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "corrupt watermark for alice")
		assert.Empty(t, got)

		bs, err := f.store.Get(ctx, watermarkKey("alice"))
		require.NoError(t, err)
		assert.Equal(t, "garbage", string(bs))
	})

	t.Run("overlapping syncs of one user never double deliver", func(t *testing.T) {
		f := newFixture(t)
		f.feeds.addUser("alice")
		require.NoError(t, f.registry.Associate(ctx, "A", "alice"))
		f.feeds.post("alice", 1, 2, 3, 4)

		var mu sync.Mutex
		var wg sync.WaitGroup
		seen := map[int64]int{}
		for i := 0; i < 6; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				got, err := f.engine.SyncOne(ctx, "alice")
				assert.NoError(t, err)
				mu.Lock()
				defer mu.Unlock()
				for _, id := range ids(got) {
					seen[id]++
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, map[int64]int{1: 1, 2: 1, 3: 1, 4: 1}, seen)
	})
}

func TestSelectNew(t *testing.T) {
	t.Run("page that isn't strictly ordered", func(t *testing.T) {
		feed := []untappd.Checkin{beer(103, 0), beer(98, 0), beer(101, 0), beer(103, 0)}

		got, newest := selectNew("alice", feed, 100)
		assert.Equal(t, []int64{101, 103}, ids(got))
		assert.Equal(t, int64(103), newest)
	})

	t.Run("nothing above the watermark", func(t *testing.T) {
		got, newest := selectNew("alice", []untappd.Checkin{beer(3, 0), beer(2, 0)}, 3)
		assert.Empty(t, got)
		assert.Equal(t, int64(3), newest)
	})
}

func TestReplay(t *testing.T) {
	ctx := context.Background()

	t.Run("replays the whole visible feed", func(t *testing.T) {
		f := newFixture(t)
		f.feeds.addUser("alice", beer(3, time.Hour), beer(2, 2*time.Hour), beer(1, 3*time.Hour))
		require.NoError(t, f.registry.Associate(ctx, "A", "alice"))

		got, err := f.engine.Replay(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, []int64{1, 2, 3}, ids(got))

		got, err = f.engine.SyncOne(ctx, "alice")
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("failed replay keeps the old watermark", func(t *testing.T) {
		f := newFixture(t)
		f.feeds.addUser("alice", beer(3, time.Hour))
		require.NoError(t, f.registry.Associate(ctx, "A", "alice"))
		f.feeds.fail("alice", errUntappdDown)

		_, err := f.engine.Replay(ctx, "alice")
		assert.ErrorIs(t, err, ErrFeedUnavailable)

		last, err := f.watermarks.Get(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, int64(3), last)
	})

	t.Run("store outage fails hard", func(t *testing.T) {
		f := newFixture(t)
		f.feeds.addUser("alice", beer(3, time.Hour))
		require.NoError(t, f.registry.Associate(ctx, "A", "alice"))
		require.NoError(t, f.client.Close())

		got, err := f.engine.Replay(ctx, "alice")
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrFeedUnavailable)
		assert.NotErrorIs(t, err, ErrNotAssociated)
		assert.Empty(t, got)
	})

	t.Run("unregistered usernames can't be replayed", func(t *testing.T) {
		f := newFixture(t)

		_, err := f.engine.Replay(ctx, "alice")
		assert.ErrorIs(t, err, ErrNotAssociated)
	})
}

func TestSyncAll(t *testing.T) {
	ctx := context.Background()

	t.Run("one user's failure doesn't stop the others", func(t *testing.T) {
		f := newFixture(t)
		for i, name := range []string{"alice", "bob", "carol"} {
			f.feeds.addUser(name)
			require.NoError(t, f.registry.Associate(ctx, string(rune('A'+i)), name))
		}
		f.feeds.post("alice", 10, 11)
		f.feeds.post("bob", 20)
		f.feeds.post("carol", 30, 31, 32)
		f.feeds.fail("bob", errUntappdDown)

		got, err := f.engine.SyncAll(ctx)
		require.NoError(t, err)

		byUser := map[string][]int64{}
		for _, c := range got {
			byUser[c.Username] = append(byUser[c.Username], c.Checkin.ID)
		}
		assert.Equal(t, map[string][]int64{
			"alice": {10, 11},
			"carol": {30, 31, 32},
		}, byUser)

		f.feeds.fail("bob", nil)
		got, err = f.engine.SyncAll(ctx)
		require.NoError(t, err)
		assert.Equal(t, []int64{20}, ids(got))
	})

	t.Run("store error for one user comes back with the others' checkins", func(t *testing.T) {
		f := newFixture(t)
		for i, name := range []string{"alice", "bob", "carol"} {
			f.feeds.addUser(name)
			require.NoError(t, f.registry.Associate(ctx, string(rune('A'+i)), name))
		}
		f.feeds.post("alice", 10)
		f.feeds.post("bob", 20)
		f.feeds.post("carol", 30)
		require.NoError(t, f.store.Set(ctx, watermarkKey("bob"), []byte("garbage"), 0))

		got, err := f.engine.SyncAll(ctx)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "corrupt watermark for bob")
		assert.NotErrorIs(t, err, ErrFeedUnavailable)
		assert.ElementsMatch(t, []int64{10, 30}, ids(got))

		bs, err := f.store.Get(ctx, watermarkKey("bob"))
		require.NoError(t, err)
		assert.Equal(t, "garbage", string(bs))
	})

	t.Run("store errors win over feed outages", func(t *testing.T) {
		f := newFixture(t)
		for i, name := range []string{"alice", "bob"} {
			f.feeds.addUser(name)
			require.NoError(t, f.registry.Associate(ctx, string(rune('A'+i)), name))
		}
		f.feeds.fail("alice", errUntappdDown)
		require.NoError(t, f.store.Set(ctx, watermarkKey("bob"), []byte("garbage"), 0))

		_, err := f.engine.SyncAll(ctx)
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrFeedUnavailable)
	})

	t.Run("every feed unavailable", func(t *testing.T) {
		f := newFixture(t)
		for i, name := range []string{"alice", "bob"} {
			f.feeds.addUser(name)
			require.NoError(t, f.registry.Associate(ctx, string(rune('A'+i)), name))
			f.feeds.post(name, int64(10*(i+1)))
			f.feeds.fail(name, errUntappdDown)
		}

		got, err := f.engine.SyncAll(ctx)
		assert.ErrorIs(t, err, ErrFeedUnavailable)
		assert.Empty(t, got)

		f.feeds.fail("alice", nil)
		f.feeds.fail("bob", nil)
		got, err = f.engine.SyncAll(ctx)
		require.NoError(t, err)
		assert.ElementsMatch(t, []int64{10, 20}, ids(got))
	})

	t.Run("store outage returns nothing", func(t *testing.T) {
		f := newFixture(t)
		f.feeds.addUser("alice")
		require.NoError(t, f.registry.Associate(ctx, "A", "alice"))
		f.feeds.post("alice", 1)
		require.NoError(t, f.client.Close())

		got, err := f.engine.SyncAll(ctx)
		require.Error(t, err)
		assert.Empty(t, got)
	})

	t.Run("no registered users", func(t *testing.T) {
		f := newFixture(t)

		got, err := f.engine.SyncAll(ctx)
		require.NoError(t, err)
		assert.Empty(t, got)
	})
}
