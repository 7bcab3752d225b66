package checkin

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/go-redis/redis/v8"

	"github.com/mikeydub/untappd-announcer/service/redis"
	"github.com/mikeydub/untappd-announcer/service/untappd"
)

var errUntappdDown = errors.New("untappd is down")

type fixture struct {
	client     *goredis.Client
	store      *redis.Cache
	locker     *redis.KeyLocker
	feeds      *fakeFeeds
	directory  *fakeDirectory
	registry   *Registry
	watermarks *Watermarks
	engine     *Engine
	query      *Query
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	f := &fixture{
		client:    client,
		store:     redis.NewCacheWithClient(client, redis.CheckinCache),
		locker:    redis.NewKeyLocker(redis.NewCacheWithClient(client, redis.LockCache), 5*time.Second),
		feeds:     newFakeFeeds(),
		directory: &fakeDirectory{names: map[string]string{}},
	}
	f.registry = NewRegistry(f.store, f.locker, f.feeds)
	f.watermarks = NewWatermarks(f.store)
	f.engine = NewEngine(f.registry, f.watermarks, f.feeds, f.locker, 2)
	f.query = NewQuery(f.registry, f.feeds, f.directory)
	return f
}

// fakeFeeds serves canned feeds, newest first, like the Untappd API.
type fakeFeeds struct {
	mu      sync.Mutex
	feeds   map[string][]untappd.Checkin
	failing map[string]error
	calls   map[string]int
}

func newFakeFeeds() *fakeFeeds {
	return &fakeFeeds{
		feeds:   map[string][]untappd.Checkin{},
		failing: map[string]error{},
		calls:   map[string]int{},
	}
}

// addUser makes username exist with the given feed, newest first.
func (f *fakeFeeds) addUser(username string, feed ...untappd.Checkin) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.feeds[username] = feed
}

// post puts new check-ins at the top of username's feed. ids are oldest first.
func (f *fakeFeeds) post(username string, ids ...int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		f.feeds[username] = append([]untappd.Checkin{beer(id, time.Minute)}, f.feeds[username]...)
	}
}

func (f *fakeFeeds) fail(username string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.failing, username)
		return
	}
	f.failing[username] = err
}

func (f *fakeFeeds) UserFeed(ctx context.Context, username string) ([]untappd.Checkin, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[username]++
	if err := f.failing[username]; err != nil {
		return nil, err
	}
	feed, ok := f.feeds[username]
	if !ok {
		return nil, untappd.ErrUserNotFound
	}
	out := make([]untappd.Checkin, len(feed))
	copy(out, feed)
	return out, nil
}

func (f *fakeFeeds) UserInfo(ctx context.Context, username string) (untappd.UserInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.feeds[username]; !ok {
		return untappd.UserInfo{}, untappd.ErrUserNotFound
	}
	return untappd.UserInfo{Username: username, TotalCheckins: len(f.feeds[username])}, nil
}

type fakeDirectory struct {
	names map[string]string
}

func (d *fakeDirectory) DisplayName(ctx context.Context, localID string) (string, error) {
	name, ok := d.names[localID]
	if !ok {
		return "", ErrUnknownChatUser
	}
	return name, nil
}

func (d *fakeDirectory) FuzzyFind(ctx context.Context, name string) (string, error) {
	for id, n := range d.names {
		if strings.EqualFold(n, name) {
			return id, nil
		}
	}
	return "", ErrUnknownChatUser
}

func beer(id int64, age time.Duration) untappd.Checkin {
	return untappd.Checkin{
		ID:          id,
		CreatedAt:   time.Now().Add(-age),
		BeerName:    "Beer " + itoa(id),
		BreweryName: "Brewery",
	}
}

func itoa(id int64) string {
	return string(watermarkValue(id))
}

func ids(checkins []NewCheckin) []int64 {
	out := make([]int64, len(checkins))
	for i, c := range checkins {
		out[i] = c.Checkin.ID
	}
	return out
}
