// Package checkin keeps chat users associated with Untappd accounts and
// turns each account's feed into a stream of check-ins seen exactly once.
//
// Associations and watermarks live in one Store under disjoint key
// namespaces. Nothing is cached in memory: every read goes to the store.
package checkin

import (
	"context"
	"time"

	"github.com/mikeydub/untappd-announcer/service/redis"
	"github.com/mikeydub/untappd-announcer/service/untappd"
)

// Store is the associative store backing the registry and watermarks.
// *redis.Cache satisfies it.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, expiration time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	SetMembers(ctx context.Context, setKey string) ([]string, error)
	SetContains(ctx context.Context, setKey string, member string) (bool, error)
	Keys(ctx context.Context, pattern string) ([]string, error)
	Exec(ctx context.Context, ops ...redis.Op) error
}

// Locker hands out mutexes keyed by name. The returned func releases the lock.
type Locker interface {
	Lock(ctx context.Context, key string) (func(), error)
}

// FeedClient is the slice of the Untappd API the engine needs.
type FeedClient interface {
	UserFeed(ctx context.Context, username string) ([]untappd.Checkin, error)
	UserInfo(ctx context.Context, username string) (untappd.UserInfo, error)
}

// Directory resolves chat identities. It is implemented by the chat transport.
type Directory interface {
	DisplayName(ctx context.Context, localID string) (string, error)
	FuzzyFind(ctx context.Context, name string) (string, error)
}

const (
	registeredUsersKey = "users"
	registryLockKey    = "registry"
)

func userKey(localID string) string { return "user:" + localID }

func ownerKey(username string) string { return "owner:" + username }

func watermarkKey(username string) string { return "last:" + username }

func syncLockKey(username string) string { return "sync:" + username }
