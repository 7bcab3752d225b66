package checkin

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/mikeydub/untappd-announcer/service/logger"
	"github.com/mikeydub/untappd-announcer/service/redis"
	"github.com/mikeydub/untappd-announcer/service/untappd"
	"github.com/mikeydub/untappd-announcer/util"
)

// Association links a chat user to an Untappd username.
type Association struct {
	LocalID  string
	Username string
}

// Registry maintains the one-to-one mapping between chat users and Untappd
// usernames. Both directions are written together, and every mutation holds
// the registry lock. Mutations that drop a username also hold that username's
// sync lock, always taken after the registry lock.
type Registry struct {
	store  Store
	locker Locker
	feeds  FeedClient
}

func NewRegistry(store Store, locker Locker, feeds FeedClient) *Registry {
	return &Registry{store: store, locker: locker, feeds: feeds}
}

// Associate links localID to username after checking the username exists on
// Untappd. The username's watermark starts at its newest check-in so history
// isn't announced as new.
func (r *Registry) Associate(ctx context.Context, localID, username string) error {
	if username == "" {
		return ErrUnknownExternalUser
	}

	// Cheap rejection before spending API calls; rechecked under the lock below.
	if err := r.checkAvailable(ctx, localID, username); err != nil {
		return err
	}

	if _, err := r.feeds.UserInfo(ctx, username); err != nil {
		if errors.Is(err, untappd.ErrUserNotFound) {
			return ErrUnknownExternalUser
		}
		return fmt.Errorf("%w: looking up %s: %s", ErrFeedUnavailable, username, err)
	}

	feed, err := r.feeds.UserFeed(ctx, username)
	if err != nil {
		return fmt.Errorf("%w: reading %s's feed: %s", ErrFeedUnavailable, username, err)
	}

	var newest int64
	for _, c := range feed {
		if c.ID > newest {
			newest = c.ID
		}
	}

	unlock, err := r.locker.Lock(ctx, registryLockKey)
	if err != nil {
		return err
	}
	defer unlock()

	if err := r.checkAvailable(ctx, localID, username); err != nil {
		return err
	}

	unlockSync, err := r.locker.Lock(ctx, syncLockKey(username))
	if err != nil {
		return err
	}
	defer unlockSync()

	err = r.store.Exec(ctx,
		redis.SetOp(userKey(localID), []byte(username)),
		redis.SetOp(ownerKey(username), []byte(localID)),
		redis.SetAddOp(registeredUsersKey, username),
		redis.SetOp(watermarkKey(username), watermarkValue(newest)),
	)
	if err != nil {
		return fmt.Errorf("failed to associate %s with %s: %w", localID, username, err)
	}

	logger.For(ctx).WithFields(logrus.Fields{
		"localID":   localID,
		"username":  username,
		"watermark": newest,
	}).Info("associated untappd user")

	return nil
}

func (r *Registry) checkAvailable(ctx context.Context, localID, username string) error {
	current, err := r.UsernameFor(ctx, localID)
	switch {
	case err == nil && current == username:
		return ErrAlreadyAssociatedSelf
	case err == nil:
		return ErrAlreadyAssociatedWith{Username: current}
	case !errors.Is(err, ErrNotAssociated):
		return err
	}

	_, err = r.OwnerOf(ctx, username)
	switch {
	case err == nil:
		return ErrUsernameTaken
	case !errors.Is(err, ErrNotAssociated):
		return err
	}

	return nil
}

// Forget removes localID's association and the watermark of its username.
func (r *Registry) Forget(ctx context.Context, localID string) (string, error) {
	unlock, err := r.locker.Lock(ctx, registryLockKey)
	if err != nil {
		return "", err
	}
	defer unlock()

	username, err := r.UsernameFor(ctx, localID)
	if err != nil {
		return "", err
	}

	return username, r.remove(ctx, localID, username)
}

// ForgetByUsername is the administrative variant of Forget keyed by Untappd username.
func (r *Registry) ForgetByUsername(ctx context.Context, username string) error {
	unlock, err := r.locker.Lock(ctx, registryLockKey)
	if err != nil {
		return err
	}
	defer unlock()

	localID, err := r.OwnerOf(ctx, username)
	if err != nil {
		return err
	}

	return r.remove(ctx, localID, username)
}

// ResetAll drops every association and watermark. Keys orphaned by a crash
// halfway through an older write are swept as well.
func (r *Registry) ResetAll(ctx context.Context) error {
	unlock, err := r.locker.Lock(ctx, registryLockKey)
	if err != nil {
		return err
	}
	defer unlock()

	usernames, err := r.store.SetMembers(ctx, registeredUsersKey)
	if err != nil {
		return fmt.Errorf("failed to list registered users: %w", err)
	}

	for _, username := range usernames {
		localID, err := r.OwnerOf(ctx, username)
		if err != nil && !errors.Is(err, ErrNotAssociated) {
			return err
		}
		if err := r.remove(ctx, localID, username); err != nil {
			return err
		}
	}

	for _, pattern := range []string{userKey("*"), ownerKey("*"), watermarkKey("*")} {
		keys, err := r.store.Keys(ctx, pattern)
		if err != nil {
			return fmt.Errorf("failed to scan %s: %w", pattern, err)
		}
		if err := r.store.Delete(ctx, keys...); err != nil {
			return fmt.Errorf("failed to delete %s: %w", pattern, err)
		}
	}

	if err := r.store.Delete(ctx, registeredUsersKey); err != nil {
		return fmt.Errorf("failed to delete registered users: %w", err)
	}

	logger.For(ctx).Warnf("reset all %d untappd associations", len(usernames))
	return nil
}

// remove must be called with the registry lock held.
func (r *Registry) remove(ctx context.Context, localID, username string) error {
	unlockSync, err := r.locker.Lock(ctx, syncLockKey(username))
	if err != nil {
		return err
	}
	defer unlockSync()

	ops := []redis.Op{
		redis.DeleteOp(ownerKey(username)),
		redis.SetRemoveOp(registeredUsersKey, username),
		redis.DeleteOp(watermarkKey(username)),
	}
	if localID != "" {
		ops = append(ops, redis.DeleteOp(userKey(localID)))
	}

	if err := r.store.Exec(ctx, ops...); err != nil {
		return fmt.Errorf("failed to forget %s: %w", username, err)
	}

	logger.For(ctx).WithFields(logrus.Fields{"localID": localID, "username": username}).Info("forgot untappd user")
	return nil
}

// UsernameFor returns the Untappd username associated with localID.
func (r *Registry) UsernameFor(ctx context.Context, localID string) (string, error) {
	return r.lookup(ctx, userKey(localID))
}

// OwnerOf returns the chat user associated with username.
func (r *Registry) OwnerOf(ctx context.Context, username string) (string, error) {
	return r.lookup(ctx, ownerKey(username))
}

func (r *Registry) lookup(ctx context.Context, key string) (string, error) {
	bs, err := r.store.Get(ctx, key)
	if util.ErrorAs[redis.ErrKeyNotFound](err) {
		return "", ErrNotAssociated
	}
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", key, err)
	}
	return string(bs), nil
}

func (r *Registry) IsRegistered(ctx context.Context, username string) (bool, error) {
	ok, err := r.store.SetContains(ctx, registeredUsersKey, username)
	if err != nil {
		return false, fmt.Errorf("failed to check registration of %s: %w", username, err)
	}
	return ok, nil
}

// List returns every association in no particular order.
func (r *Registry) List(ctx context.Context) ([]Association, error) {
	usernames, err := r.store.SetMembers(ctx, registeredUsersKey)
	if err != nil {
		return nil, fmt.Errorf("failed to list registered users: %w", err)
	}

	associations := make([]Association, 0, len(usernames))
	for _, username := range usernames {
		localID, err := r.OwnerOf(ctx, username)
		if errors.Is(err, ErrNotAssociated) {
			logger.For(ctx).Warnf("registered user %s has no owner, skipping", username)
			continue
		}
		if err != nil {
			return nil, err
		}
		associations = append(associations, Association{LocalID: localID, Username: username})
	}

	return associations, nil
}
