package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bsm/redislock"
	"github.com/go-redis/redis/v8"

	"github.com/mikeydub/untappd-announcer/env"
	"github.com/mikeydub/untappd-announcer/service/tracing"
)

type ErrKeyNotFound struct {
	Key string
}

type redisDB int

type CacheConfig struct {
	database    redisDB
	displayName string
	keyPrefix   string
}

const (
	checkins redisDB = 0
	locks    redisDB = 1
	throttle redisDB = 2
)

// Every cache is uniquely defined by its database and key prefix. Display names are used for tracing.

var (
	CheckinCache  = CacheConfig{database: checkins, keyPrefix: "untappd", displayName: "checkins"}
	ChatUserCache = CacheConfig{database: checkins, keyPrefix: "chat", displayName: "chatUsers"}
	LockCache     = CacheConfig{database: locks, keyPrefix: "lock", displayName: "locks"}
	ThrottleCache = CacheConfig{database: throttle, keyPrefix: "throttle", displayName: "throttle"}
)

func newClient(db redisDB, traceName string) (*redis.Client, error) {
	databaseID := int(db)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()
	client := redis.NewClient(&redis.Options{
		Addr:     env.GetString(ctx, "REDIS_URL"),
		Password: env.GetString(ctx, "REDIS_PASS"),
		DB:       databaseID,
	})
	client.AddHook(tracing.NewRedisHook(databaseID, traceName, true))
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to reach redis db %d (%s): %w", databaseID, traceName, err)
	}
	return client, nil
}

// Cache represents an abstraction over a redis client
type Cache struct {
	client    *redis.Client
	keyPrefix string
	scripter  *scripter
}

// NewCache creates a new redis cache, connecting with REDIS_URL and REDIS_PASS.
func NewCache(config CacheConfig) (*Cache, error) {
	client, err := newClient(config.database, config.displayName)
	if err != nil {
		return nil, err
	}
	return NewCacheWithClient(client, config), nil
}

// NewCacheWithClient wraps an existing client. The config's database is ignored
// in favor of whatever database the client is already connected to.
func NewCacheWithClient(client *redis.Client, config CacheConfig) *Cache {
	cache := &Cache{
		client:    client,
		keyPrefix: config.keyPrefix,
	}

	cache.scripter = &scripter{cache: cache}

	return cache
}

// Set sets a value in the redis cache
func (c *Cache) Set(pCtx context.Context, key string, value []byte, expiration time.Duration) error {
	return c.client.Set(pCtx, c.getPrefixedKey(key), value, expiration).Err()
}

// SetNX sets a value in the redis cache if it doesn't already exist. Returns true if the key did not
// already exist and was set, false if the key did exist and therefore was not set.
func (c *Cache) SetNX(pCtx context.Context, key string, value []byte, expiration time.Duration) (bool, error) {
	cmd := c.client.SetNX(pCtx, c.getPrefixedKey(key), value, expiration)

	err := cmd.Err()
	if err != nil {
		return false, err
	}

	return cmd.Val(), nil
}

// Get gets a value from the redis cache
func (c *Cache) Get(pCtx context.Context, key string) ([]byte, error) {
	bs, err := c.client.Get(pCtx, c.getPrefixedKey(key)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrKeyNotFound{Key: key}
		}
		return nil, err
	}
	return bs, nil
}

func (c *Cache) Delete(pCtx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return c.client.Del(pCtx, c.getPrefixedKeys(keys)...).Err()
}

// SetAdd adds member to the set stored at setKey
func (c *Cache) SetAdd(ctx context.Context, setKey string, member string) error {
	return c.client.SAdd(ctx, c.getPrefixedKey(setKey), member).Err()
}

// SetRemove removes member from the set stored at setKey
func (c *Cache) SetRemove(ctx context.Context, setKey string, member string) error {
	return c.client.SRem(ctx, c.getPrefixedKey(setKey), member).Err()
}

// SetMembers returns every member of the set stored at setKey. A missing set is empty.
func (c *Cache) SetMembers(ctx context.Context, setKey string) ([]string, error) {
	return c.client.SMembers(ctx, c.getPrefixedKey(setKey)).Result()
}

// SetContains reports whether member is in the set stored at setKey
func (c *Cache) SetContains(ctx context.Context, setKey string, member string) (bool, error) {
	return c.client.SIsMember(ctx, c.getPrefixedKey(setKey), member).Result()
}

// Keys returns every key in this cache's namespace matching pattern, with the namespace stripped.
// It iterates with SCAN so large keyspaces don't block the server.
func (c *Cache) Keys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := c.client.Scan(ctx, 0, c.getPrefixedKey(pattern), 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, c.stripPrefix(iter.Val()))
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return keys, nil
}

// Exec applies ops atomically inside a MULTI/EXEC transaction.
func (c *Cache) Exec(ctx context.Context, ops ...Op) error {
	if len(ops) == 0 {
		return nil
	}
	_, err := c.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for _, op := range ops {
			switch op.kind {
			case opSet:
				p.Set(ctx, c.getPrefixedKey(op.key), op.value, 0)
			case opDelete:
				p.Del(ctx, c.getPrefixedKey(op.key))
			case opSetAdd:
				p.SAdd(ctx, c.getPrefixedKey(op.key), op.member)
			case opSetRemove:
				p.SRem(ctx, c.getPrefixedKey(op.key), op.member)
			default:
				return fmt.Errorf("unknown cache op %d", op.kind)
			}
		}
		return nil
	})
	return err
}

type opKind int

const (
	opSet opKind = iota
	opDelete
	opSetAdd
	opSetRemove
)

// Op is a single write queued for Exec.
type Op struct {
	kind   opKind
	key    string
	member string
	value  []byte
}

func SetOp(key string, value []byte) Op { return Op{kind: opSet, key: key, value: value} }

func DeleteOp(key string) Op { return Op{kind: opDelete, key: key} }

func SetAddOp(setKey, member string) Op { return Op{kind: opSetAdd, key: setKey, member: member} }

func SetRemoveOp(setKey, member string) Op {
	return Op{kind: opSetRemove, key: setKey, member: member}
}

// Close closes the underlying redis client
func (c *Cache) Close() error {
	return c.client.Close()
}

func (c *Cache) getPrefixedKey(key string) string {
	if c.keyPrefix == "" {
		return key
	}

	return c.keyPrefix + ":" + key
}

func (c *Cache) getPrefixedKeys(keys []string) []string {
	if c.keyPrefix == "" {
		return keys
	}

	prefixedKeys := make([]string, len(keys))
	for i, key := range keys {
		prefixedKeys[i] = c.keyPrefix + ":" + key
	}
	return prefixedKeys
}

func (c *Cache) stripPrefix(key string) string {
	if c.keyPrefix == "" {
		return key
	}
	return strings.TrimPrefix(key, c.keyPrefix+":")
}

func (e ErrKeyNotFound) Error() string {
	return fmt.Sprintf("key %s not found", e.Key)
}

// scripter is an implementation of the redis.Scripter interface that uses a Cache to namespace keys
type scripter struct {
	cache *Cache
}

func (s scripter) Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd {
	return s.cache.client.Eval(ctx, script, s.cache.getPrefixedKeys(keys), args...)
}

func (s scripter) EvalSha(ctx context.Context, sha1 string, keys []string, args ...interface{}) *redis.Cmd {
	return s.cache.client.EvalSha(ctx, sha1, s.cache.getPrefixedKeys(keys), args...)
}

func (s scripter) ScriptExists(ctx context.Context, scripts ...string) *redis.BoolSliceCmd {
	return s.cache.client.ScriptExists(ctx, scripts...)
}

func (s scripter) ScriptLoad(ctx context.Context, script string) *redis.StringCmd {
	return s.cache.client.ScriptLoad(ctx, script)
}

func NewLockClient(cache *Cache) *redislock.Client {
	return redislock.New(&redislockCacheClient{
		scripter: *cache.scripter,
	})
}

// redislockCacheClient is a minimal implementation of redislock.RedisClient that uses a Cache to namespace its keys.
type redislockCacheClient struct {
	scripter
}

func (r *redislockCacheClient) SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd {
	return r.cache.client.SetNX(ctx, r.cache.getPrefixedKey(key), value, expiration)
}

// KeyLocker hands out distributed mutexes keyed by name. Lock blocks, retrying
// with a linear backoff, until the lock is obtained or ctx is done. Without a
// deadline on ctx, waiting is bounded by the lock's ttl.
type KeyLocker struct {
	client  *redislock.Client
	ttl     time.Duration
	backoff time.Duration
}

func NewKeyLocker(cache *Cache, ttl time.Duration) *KeyLocker {
	return &KeyLocker{
		client:  NewLockClient(cache),
		ttl:     ttl,
		backoff: 50 * time.Millisecond,
	}
}

func (l *KeyLocker) Lock(ctx context.Context, key string) (func(), error) {
	lock, err := l.client.Obtain(ctx, key, l.ttl, &redislock.Options{
		RetryStrategy: redislock.LinearBackoff(l.backoff),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to obtain lock %s: %w", key, err)
	}

	return func() {
		// Detached from ctx so a cancelled request still releases its lock
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		lock.Release(releaseCtx)
	}, nil
}
