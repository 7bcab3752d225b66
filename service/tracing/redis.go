package tracing

import (
	"context"
	"fmt"
	"strings"

	"github.com/getsentry/sentry-go"
	"github.com/go-redis/redis/v8"
)

const argLengthLimit = 64

func NewRedisHook(db int, dbName string, continueOnly bool) redis.Hook {
	return redisHook{
		db:           db,
		dbName:       dbName,
		continueOnly: continueOnly,
	}
}

type redisHook struct {
	db           int
	dbName       string
	continueOnly bool
}

var _ redis.Hook = redisHook{}

type spanContextKey struct{}

func (r redisHook) skip(ctx context.Context) bool {
	return r.continueOnly && sentry.TransactionFromContext(ctx) == nil
}

func (r redisHook) BeforeProcess(ctx context.Context, cmd redis.Cmder) (context.Context, error) {
	if r.skip(ctx) {
		return ctx, nil
	}

	span, ctx := StartSpan(ctx, "redis."+strings.ToLower(cmd.FullName()), r.dbName)

	AddEventDataToSpan(span, map[string]interface{}{
		"Redis Cmd": describeCmd(cmd),
		"Redis DB":  r.db,
	})

	return context.WithValue(ctx, spanContextKey{}, span), nil
}

func (redisHook) AfterProcess(ctx context.Context, cmd redis.Cmder) error {
	if span, ok := ctx.Value(spanContextKey{}).(*sentry.Span); ok {
		if err := cmd.Err(); err != nil && err != redis.Nil {
			AddEventDataToSpan(span, map[string]interface{}{
				"Redis Error": err.Error(),
			})
		}

		FinishSpan(span)
	}

	return nil
}

func (r redisHook) BeforeProcessPipeline(ctx context.Context, cmds []redis.Cmder) (context.Context, error) {
	if r.skip(ctx) {
		return ctx, nil
	}

	span, ctx := StartSpan(ctx, "redis.pipeline", r.dbName)

	names := make([]string, len(cmds))
	for i, cmd := range cmds {
		names[i] = cmd.Name()
	}

	AddEventDataToSpan(span, map[string]interface{}{
		"Redis Pipeline Cmds": strings.Join(names, " "),
		"Redis DB":            r.db,
	})

	return context.WithValue(ctx, spanContextKey{}, span), nil
}

func (redisHook) AfterProcessPipeline(ctx context.Context, cmds []redis.Cmder) error {
	if span, ok := ctx.Value(spanContextKey{}).(*sentry.Span); ok {
		FinishSpan(span)
	}

	return nil
}

// describeCmd renders a command for span data. Values written by SET are
// replaced with their size and long arguments are truncated.
func describeCmd(cmd redis.Cmder) string {
	args := cmd.Args()
	parts := make([]string, len(args))
	for i, arg := range args {
		s := fmt.Sprint(arg)
		switch {
		case cmd.Name() == "set" && i == 2:
			s = fmt.Sprintf("[scrubbed payload: %d bytes]", len(s))
		case len(s) > argLengthLimit:
			s = s[:argLengthLimit] + "..."
		}
		parts[i] = strings.ReplaceAll(s, "\n", "\\n")
	}
	return strings.Join(parts, " ")
}
