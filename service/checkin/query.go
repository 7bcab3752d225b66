package checkin

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mikeydub/untappd-announcer/service/logger"
	"github.com/mikeydub/untappd-announcer/service/untappd"
)

const (
	recentWindow  = 24 * time.Hour
	recentMinimum = 3
)

type KnownUser struct {
	DisplayName string
	Username    string
}

// Query answers read-only questions about registered users. It never moves a watermark.
type Query struct {
	registry  *Registry
	feeds     FeedClient
	directory Directory
	now       func() time.Time
}

func NewQuery(registry *Registry, feeds FeedClient, directory Directory) *Query {
	return &Query{registry: registry, feeds: feeds, directory: directory, now: time.Now}
}

// KnownUsers lists every association with the chat user's display name. Chat
// users the directory has never seen fall back to their id.
func (q *Query) KnownUsers(ctx context.Context) ([]KnownUser, error) {
	associations, err := q.registry.List(ctx)
	if err != nil {
		return nil, err
	}

	known := make([]KnownUser, 0, len(associations))
	for _, a := range associations {
		name, err := q.directory.DisplayName(ctx, a.LocalID)
		if err != nil {
			if !errors.Is(err, ErrUnknownChatUser) {
				logger.For(ctx).Warnf("failed to resolve display name for %s: %s", a.LocalID, err)
			}
			name = a.LocalID
		}
		known = append(known, KnownUser{DisplayName: name, Username: a.Username})
	}

	return known, nil
}

// Resolve turns ref into a registered Untappd username. ref is either the
// username itself or a chat user's name.
func (q *Query) Resolve(ctx context.Context, ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", ErrUnknownUser
	}

	registered, err := q.registry.IsRegistered(ctx, ref)
	if err != nil {
		return "", err
	}
	if registered {
		return ref, nil
	}

	localID, err := q.directory.FuzzyFind(ctx, ref)
	if errors.Is(err, ErrUnknownChatUser) {
		return "", fmt.Errorf("%w: %s", ErrUnknownUser, ref)
	}
	if err != nil {
		return "", err
	}

	username, err := q.registry.UsernameFor(ctx, localID)
	if errors.Is(err, ErrNotAssociated) {
		return "", fmt.Errorf("%w: %s has no untappd username", ErrUnknownUser, ref)
	}
	if err != nil {
		return "", err
	}

	return username, nil
}

// RecentCheckins returns the resolved username and its recent check-ins, newest
// first: everything from the last 24 hours when there are at least three of
// them, otherwise the three most recent regardless of age.
func (q *Query) RecentCheckins(ctx context.Context, ref string) (string, []untappd.Checkin, error) {
	username, err := q.Resolve(ctx, ref)
	if err != nil {
		return "", nil, err
	}

	feed, err := q.feeds.UserFeed(ctx, username)
	if err != nil {
		return username, nil, fmt.Errorf("%w: %s: %s", ErrFeedUnavailable, username, err)
	}

	return username, selectRecent(feed, q.now()), nil
}

func selectRecent(feed []untappd.Checkin, now time.Time) []untappd.Checkin {
	sorted := make([]untappd.Checkin, len(feed))
	copy(sorted, feed)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].ID > sorted[j].ID })

	cutoff := now.Add(-recentWindow)
	var recent []untappd.Checkin
	for _, c := range sorted {
		if c.CreatedAt.After(cutoff) {
			recent = append(recent, c)
		}
	}

	if len(recent) >= recentMinimum {
		return recent
	}

	if len(sorted) > recentMinimum {
		return sorted[:recentMinimum]
	}
	return sorted
}
