package announcer

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mikeydub/untappd-announcer/service/checkin"
	"github.com/mikeydub/untappd-announcer/service/logger"
	sentryutil "github.com/mikeydub/untappd-announcer/service/sentry"
	"github.com/mikeydub/untappd-announcer/util"
)

const (
	storeErrorReply      = "Something went wrong talking to the store"
	feedUnavailableReply = "Untappd isn't answering right now, try again later."
)

// Message is a chat message relayed to the bot.
type Message struct {
	User ChatUser `json:"user" binding:"required"`
	Room string   `json:"room"`
	Text string   `json:"text" binding:"required"`
}

// Response collects the replies to a single message.
type Response struct {
	msg     Message
	replies []string
}

func (r *Response) Reply(text string) {
	r.replies = append(r.replies, text)
}

func (r *Response) ReplyWithMention(text string) {
	r.Reply(fmt.Sprintf("%s: %s", r.msg.User.mention(), text))
}

type handlerFunc func(ctx context.Context, resp *Response, args []string)

type route struct {
	name    string
	pattern *regexp.Regexp
	admin   bool
	handle  handlerFunc
}

// Router matches chat messages against the untappd commands. The first
// matching route handles a message.
type Router struct {
	registry  *checkin.Registry
	engine    *checkin.Engine
	query     *checkin.Query
	directory *Directory
	announcer *Announcer
	names     namer
	admins    []string
	now       func() time.Time
	routes    []route
}

func NewRouter(registry *checkin.Registry, engine *checkin.Engine, query *checkin.Query, directory *Directory, announcer *Announcer, admins []string) *Router {
	r := &Router{
		registry:  registry,
		engine:    engine,
		query:     query,
		directory: directory,
		announcer: announcer,
		names:     namer{registry: registry, directory: directory},
		admins:    util.Dedupe(admins, false),
		now:       time.Now,
	}

	r.routes = []route{
		{name: "fetch", pattern: regexp.MustCompile(`(?i)^untappd fetch$`), admin: true, handle: r.fetch},
		{name: "debug fetch", pattern: regexp.MustCompile(`(?i)^untappd debug fetch (\S+)$`), admin: true, handle: r.debugFetch},
		{name: "debug nuke", pattern: regexp.MustCompile(`(?i)^untappd debug nuke$`), admin: true, handle: r.nuke},
		{name: "identify", pattern: regexp.MustCompile(`(?i)^untappd identify (\S+)$`), handle: r.identify},
		{name: "identify", pattern: regexp.MustCompile(`^[iI](?: a|')m (\S+) on untappd`), handle: r.identify},
		{name: "known", pattern: regexp.MustCompile(`(?i)^untappd known$`), handle: r.known},
		{name: "last", pattern: regexp.MustCompile(`(?i)^untappd last(?:\s+(.+))?$`), handle: r.last},
		{name: "forget", pattern: regexp.MustCompile(`(?i)^untappd forget$`), handle: r.forget},
		{name: "forget person", pattern: regexp.MustCompile(`(?i)^untappd forget (.+)$`), admin: true, handle: r.forgetPerson},
		{name: "checkin", pattern: regexp.MustCompile(`(?i)^untappd check ?in (.+)$`), handle: r.checkIn},
	}

	return r
}

// Dispatch runs msg through the first matching route and returns its replies.
// Messages that match no route get no replies.
func (r *Router) Dispatch(ctx context.Context, msg Message) []string {
	text := strings.TrimSpace(msg.Text)
	resp := &Response{msg: msg}

	if err := r.directory.Remember(ctx, msg.User); err != nil {
		logger.For(ctx).Warnf("failed to remember chat user %s: %s", msg.User.ID, err)
	}

	for _, rt := range r.routes {
		matches := rt.pattern.FindStringSubmatch(text)
		if matches == nil {
			continue
		}

		ctx = logger.NewContextWithFields(ctx, logrus.Fields{
			"command":    rt.name,
			"chatUserId": msg.User.ID,
		})

		if rt.admin && !r.isAdmin(msg.User.ID) {
			resp.ReplyWithMention("Only admins can do that.")
			return resp.replies
		}

		rt.handle(ctx, resp, matches[1:])
		return resp.replies
	}

	return nil
}

func (r *Router) isAdmin(localID string) bool {
	return util.Contains(r.admins, localID)
}

func (r *Router) storeFailure(ctx context.Context, resp *Response, err error) {
	logger.For(ctx).Errorf("store failure: %s", err)
	sentryutil.ReportError(ctx, err)
	resp.Reply(storeErrorReply)
}

func (r *Router) fetch(ctx context.Context, resp *Response, _ []string) {
	lines, err := r.announcer.RunNow(ctx)
	if errors.Is(err, checkin.ErrFeedUnavailable) {
		resp.Reply(feedUnavailableReply)
		return
	}
	for _, line := range lines {
		resp.Reply(line)
	}
	if err != nil {
		r.storeFailure(ctx, resp, err)
		return
	}
	if len(lines) == 0 {
		resp.Reply("No new checkins.")
	}
}

func (r *Router) debugFetch(ctx context.Context, resp *Response, args []string) {
	username := args[0]

	checkins, err := r.engine.Replay(ctx, username)
	switch {
	case errors.Is(err, checkin.ErrNotAssociated):
		resp.Reply(fmt.Sprintf("%s isn't associated with anyone.", username))
		return
	case errors.Is(err, checkin.ErrFeedUnavailable):
		resp.Reply(fmt.Sprintf("Couldn't fetch %s from Untappd right now, try again later.", username))
		return
	case err != nil:
		r.storeFailure(ctx, resp, err)
		return
	}

	if len(checkins) == 0 {
		resp.Reply(fmt.Sprintf("%s hasn't checked in anything.", username))
		return
	}

	name := r.names.displayName(ctx, username)
	for _, c := range checkins {
		resp.Reply(formatAnnouncement(name, c.Checkin))
	}
}

func (r *Router) nuke(ctx context.Context, resp *Response, _ []string) {
	if err := r.registry.ResetAll(ctx); err != nil {
		r.storeFailure(ctx, resp, err)
		return
	}
	resp.Reply("Forgot every Untappd association.")
}

func (r *Router) identify(ctx context.Context, resp *Response, args []string) {
	username := args[0]

	var associated checkin.ErrAlreadyAssociatedWith
	err := r.registry.Associate(ctx, resp.msg.User.ID, username)
	switch {
	case err == nil:
		resp.ReplyWithMention("ok " + username)
	case errors.Is(err, checkin.ErrAlreadyAssociatedSelf):
		resp.ReplyWithMention(fmt.Sprintf("You're already associated with %s", username))
	case errors.As(err, &associated):
		resp.ReplyWithMention(fmt.Sprintf("You're already associated with someone else (%s). Say `untappd forget` first.", associated.Username))
	case errors.Is(err, checkin.ErrUsernameTaken):
		resp.ReplyWithMention(fmt.Sprintf("%s is already associated with someone else.", username))
	case errors.Is(err, checkin.ErrUnknownExternalUser):
		resp.ReplyWithMention(fmt.Sprintf("I couldn't find %s on Untappd.", username))
	case errors.Is(err, checkin.ErrFeedUnavailable):
		resp.ReplyWithMention(feedUnavailableReply)
	default:
		r.storeFailure(ctx, resp, err)
	}
}

func (r *Router) known(ctx context.Context, resp *Response, _ []string) {
	known, err := r.query.KnownUsers(ctx)
	if err != nil {
		r.storeFailure(ctx, resp, err)
		return
	}

	if len(known) == 0 {
		resp.Reply("I don't know anyone's Untappd username yet.")
		return
	}

	for _, k := range known {
		resp.Reply(fmt.Sprintf("%s is %s", k.DisplayName, k.Username))
	}
}

func (r *Router) last(ctx context.Context, resp *Response, args []string) {
	ref := strings.TrimSpace(args[0])
	if ref == "" {
		username, err := r.registry.UsernameFor(ctx, resp.msg.User.ID)
		if errors.Is(err, checkin.ErrNotAssociated) {
			resp.ReplyWithMention("I don't know your Untappd username. Say `untappd identify <username>` first.")
			return
		}
		if err != nil {
			r.storeFailure(ctx, resp, err)
			return
		}
		ref = username
	}

	username, checkins, err := r.query.RecentCheckins(ctx, ref)
	switch {
	case errors.Is(err, checkin.ErrUnknownUser):
		resp.Reply(fmt.Sprintf("I don't know who %s is.", ref))
		return
	case errors.Is(err, checkin.ErrFeedUnavailable):
		resp.Reply(feedUnavailableReply)
		return
	case err != nil:
		r.storeFailure(ctx, resp, err)
		return
	}

	if len(checkins) == 0 {
		resp.Reply(fmt.Sprintf("%s hasn't checked in anything.", username))
		return
	}

	name := r.names.displayName(ctx, username)
	now := r.now()
	for _, c := range checkins {
		resp.Reply(formatRecent(name, c, now))
	}
}

func (r *Router) forget(ctx context.Context, resp *Response, _ []string) {
	_, err := r.registry.Forget(ctx, resp.msg.User.ID)
	switch {
	case err == nil:
		resp.ReplyWithMention("You've been disassociated with Untappd")
	case errors.Is(err, checkin.ErrNotAssociated):
		resp.ReplyWithMention("You aren't associated with Untappd.")
	default:
		r.storeFailure(ctx, resp, err)
	}
}

// forgetPerson accepts either a registered Untappd username or a chat user's name.
func (r *Router) forgetPerson(ctx context.Context, resp *Response, args []string) {
	person := strings.TrimSpace(args[0])

	registered, err := r.registry.IsRegistered(ctx, person)
	if err != nil {
		r.storeFailure(ctx, resp, err)
		return
	}
	if registered {
		if err := r.registry.ForgetByUsername(ctx, person); err != nil && !errors.Is(err, checkin.ErrNotAssociated) {
			r.storeFailure(ctx, resp, err)
			return
		}
		resp.Reply(fmt.Sprintf("Forgot %s.", person))
		return
	}

	localID, err := r.directory.FuzzyFind(ctx, person)
	if errors.Is(err, checkin.ErrUnknownChatUser) {
		resp.Reply(fmt.Sprintf("I don't know who %s is.", person))
		return
	}
	if err != nil {
		r.storeFailure(ctx, resp, err)
		return
	}

	username, err := r.registry.Forget(ctx, localID)
	switch {
	case err == nil:
		resp.Reply(fmt.Sprintf("Forgot %s (%s).", person, username))
	case errors.Is(err, checkin.ErrNotAssociated):
		resp.Reply(fmt.Sprintf("%s isn't associated with Untappd.", person))
	default:
		r.storeFailure(ctx, resp, err)
	}
}

func (r *Router) checkIn(ctx context.Context, resp *Response, _ []string) {
	resp.ReplyWithMention("Sorry, that's not implemented yet.")
}
