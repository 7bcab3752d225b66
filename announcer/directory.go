package announcer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mikeydub/untappd-announcer/service/checkin"
	"github.com/mikeydub/untappd-announcer/service/redis"
	"github.com/mikeydub/untappd-announcer/util"
)

const chatUsersKey = "users"

func chatUserKey(id string) string { return "user:" + id }

// ChatUser is a chat platform identity as reported by the relay.
type ChatUser struct {
	ID          string `json:"id" binding:"required"`
	Name        string `json:"name"`
	MentionName string `json:"mention_name"`
}

// Directory remembers every chat user that has talked to the bot so admins and
// the last command can refer to people by name.
type Directory struct {
	cache *redis.Cache
}

var _ checkin.Directory = (*Directory)(nil)

func NewDirectory(cache *redis.Cache) *Directory {
	return &Directory{cache: cache}
}

func (d *Directory) Remember(ctx context.Context, u ChatUser) error {
	bs, err := json.Marshal(u)
	if err != nil {
		return err
	}
	return d.cache.Exec(ctx,
		redis.SetOp(chatUserKey(u.ID), bs),
		redis.SetAddOp(chatUsersKey, u.ID),
	)
}

func (d *Directory) Get(ctx context.Context, id string) (ChatUser, error) {
	bs, err := d.cache.Get(ctx, chatUserKey(id))
	if util.ErrorAs[redis.ErrKeyNotFound](err) {
		return ChatUser{}, checkin.ErrUnknownChatUser
	}
	if err != nil {
		return ChatUser{}, err
	}

	var u ChatUser
	if err := json.Unmarshal(bs, &u); err != nil {
		return ChatUser{}, fmt.Errorf("corrupt chat user %s: %w", id, err)
	}
	return u, nil
}

func (d *Directory) DisplayName(ctx context.Context, id string) (string, error) {
	u, err := d.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return u.displayName(), nil
}

// FuzzyFind resolves a chat user by id, then by exact name or mention name
// ignoring case, then by a name prefix shared with no one else.
func (d *Directory) FuzzyFind(ctx context.Context, name string) (string, error) {
	name = strings.TrimPrefix(strings.TrimSpace(name), "@")
	if name == "" {
		return "", checkin.ErrUnknownChatUser
	}

	ids, err := d.cache.SetMembers(ctx, chatUsersKey)
	if err != nil {
		return "", err
	}

	var prefixMatches []string
	for _, id := range ids {
		if id == name {
			return id, nil
		}

		u, err := d.Get(ctx, id)
		if err != nil {
			return "", err
		}

		if strings.EqualFold(u.Name, name) || strings.EqualFold(u.MentionName, name) {
			return id, nil
		}

		lower := strings.ToLower(name)
		if strings.HasPrefix(strings.ToLower(u.Name), lower) || strings.HasPrefix(strings.ToLower(u.MentionName), lower) {
			prefixMatches = append(prefixMatches, id)
		}
	}

	if len(prefixMatches) == 1 {
		return prefixMatches[0], nil
	}

	return "", checkin.ErrUnknownChatUser
}

func (u ChatUser) displayName() string {
	if u.Name != "" {
		return u.Name
	}
	if u.MentionName != "" {
		return u.MentionName
	}
	return u.ID
}

func (u ChatUser) mention() string {
	if u.MentionName != "" {
		return "@" + u.MentionName
	}
	return u.displayName()
}
