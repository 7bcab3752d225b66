package announcer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"

	"github.com/mikeydub/untappd-announcer/service/redis"
	"github.com/mikeydub/untappd-announcer/service/untappd"
)

const admin = "ADMIN"

type fakeFeeds struct {
	mu    sync.Mutex
	feeds map[string][]untappd.Checkin
	down  bool
}

func (f *fakeFeeds) addUser(username string, feed ...untappd.Checkin) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.feeds[username] = feed
}

// post puts new check-ins at the top of username's feed.
func (f *fakeFeeds) post(username string, checkins ...untappd.Checkin) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range checkins {
		f.feeds[username] = append([]untappd.Checkin{c}, f.feeds[username]...)
	}
}

func (f *fakeFeeds) setDown(down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.down = down
}

func (f *fakeFeeds) UserFeed(ctx context.Context, username string) ([]untappd.Checkin, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return nil, context.DeadlineExceeded
	}
	feed, ok := f.feeds[username]
	if !ok {
		return nil, untappd.ErrUserNotFound
	}
	return append([]untappd.Checkin(nil), feed...), nil
}

func (f *fakeFeeds) UserInfo(ctx context.Context, username string) (untappd.UserInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return untappd.UserInfo{}, context.DeadlineExceeded
	}
	if _, ok := f.feeds[username]; !ok {
		return untappd.UserInfo{}, untappd.ErrUserNotFound
	}
	return untappd.UserInfo{Username: username}, nil
}

type sent struct {
	target string
	text   string
}

type recordingSink struct {
	mu   sync.Mutex
	sent []sent
}

func (s *recordingSink) Send(ctx context.Context, target, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, sent{target: target, text: text})
	return nil
}

func (s *recordingSink) texts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.sent))
	for i, m := range s.sent {
		out[i] = m.text
	}
	return out
}

type testApp struct {
	*App
	mr    *miniredis.Miniredis
	feeds *fakeFeeds
	sink  *recordingSink
}

func newTestApp(t *testing.T) *testApp {
	t.Helper()

	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	stores := Stores{
		Checkins:  redis.NewCacheWithClient(client, redis.CheckinCache),
		ChatUsers: redis.NewCacheWithClient(client, redis.ChatUserCache),
		Locks:     redis.NewCacheWithClient(client, redis.LockCache),
		Throttle:  redis.NewCacheWithClient(client, redis.ThrottleCache),
	}

	config := Config{
		Env:             "test",
		AnnounceChannel: "beer-channel",
		Interval:        time.Minute,
		Admins:          []string{admin},
		SyncWorkers:     2,
		LockTTL:         5 * time.Second,
	}

	feeds := &fakeFeeds{feeds: map[string][]untappd.Checkin{}}
	sink := &recordingSink{}

	return &testApp{
		App:   NewAppWithOptions(config, stores, feeds, sink),
		mr:    mr,
		feeds: feeds,
		sink:  sink,
	}
}

// say relays text from the chat user id, remembering them under name first.
func (a *testApp) say(t *testing.T, id, name, text string) []string {
	t.Helper()
	return a.Commands.Dispatch(context.Background(), Message{
		User: ChatUser{ID: id, Name: name, MentionName: name},
		Room: "general",
		Text: text,
	})
}

func (a *testApp) identify(t *testing.T, id, name, username string) {
	t.Helper()
	require.Equal(t, []string{"@" + name + ": ok " + username}, a.say(t, id, name, "untappd identify "+username))
}

func drink(id int64, beer, brewery string, age time.Duration) untappd.Checkin {
	return untappd.Checkin{
		ID:          id,
		CreatedAt:   time.Now().Add(-age),
		BeerName:    beer,
		BreweryName: brewery,
	}
}
