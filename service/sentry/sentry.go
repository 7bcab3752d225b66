package sentryutil

import (
	"context"
	"fmt"

	"github.com/getsentry/sentry-go"
	sentrygin "github.com/getsentry/sentry-go/gin"
	"github.com/gin-gonic/gin"

	"github.com/mikeydub/untappd-announcer/service/logger"
)

const (
	chatUserContextName = "chat user"
	errorContextName    = "error context"
)

// Init starts the sentry client. It is a no-op when dsn is empty, which is
// the normal case for local runs.
func Init(dsn, env string) error {
	if dsn == "" {
		logger.For(context.Background()).Info("skipping sentry init")
		return nil
	}

	logger.For(context.Background()).Info("initializing sentry...")

	return sentry.Init(sentry.ClientOptions{
		Dsn:              dsn,
		Environment:      env,
		AttachStacktrace: true,
		EnableTracing:    true,
		TracesSampleRate: 0.2,
		BeforeSend: func(event *sentry.Event, hint *sentry.EventHint) *sentry.Event {
			event = ScrubAuthHeaders(event, hint)
			return UpdateErrorFingerprints(event, hint)
		},
	})
}

func ReportRemappedError(ctx context.Context, originalErr error, remappedErr interface{}) {
	hub := SentryHubFromContext(ctx)
	if hub == nil {
		logger.For(ctx).Warnln("could not report error to Sentry because hub is nil")
		return
	}

	// Use a new scope so our error context and tag don't persist beyond this error
	hub.WithScope(func(scope *sentry.Scope) {
		if remappedErr != nil {
			SetErrorContext(scope, true, fmt.Sprintf("%T", remappedErr))
			scope.SetTag("remappedError", "true")
		} else {
			SetErrorContext(scope, false, "")
		}

		hub.CaptureException(originalErr)
	})
}

func ReportError(ctx context.Context, err error) {
	ReportRemappedError(ctx, err, nil)
}

// ScrubAuthHeaders removes the bot token and relay secret from captured requests.
func ScrubAuthHeaders(event *sentry.Event, hint *sentry.EventHint) *sentry.Event {
	if event == nil || event.Request == nil {
		return event
	}

	scrubbed := map[string]string{}
	for k, v := range event.Request.Headers {
		if k == "Authorization" || k == "X-Relay-Secret" {
			scrubbed[k] = "[Filtered]"
		} else {
			scrubbed[k] = v
		}
	}

	event.Request.Headers = scrubbed
	return event
}

func UpdateErrorFingerprints(event *sentry.Event, hint *sentry.EventHint) *sentry.Event {
	if event == nil || hint == nil || hint.OriginalException == nil {
		return event
	}

	// errors.New values all share one type, so group them by message instead
	exceptionType := fmt.Sprintf("%T", hint.OriginalException)
	if exceptionType == "*errors.errorString" || exceptionType == "*fmt.wrapError" {
		event.Fingerprint = []string{"{{ default }}", hint.OriginalException.Error()}
	}

	return event
}

// SetChatUserContext tags the scope with the chat user that issued a command.
func SetChatUserContext(scope *sentry.Scope, userID, name string) {
	scope.SetContext(chatUserContextName, map[string]interface{}{
		"UserID": userID,
		"Name":   name,
	})
	scope.SetUser(sentry.User{ID: userID, Username: name})
}

func SetErrorContext(scope *sentry.Scope, mapped bool, mappedTo string) {
	scope.SetContext(errorContextName, map[string]interface{}{
		"Mapped":   mapped,
		"MappedTo": mappedTo,
	})
}

func NewSentryHubContext(ctx context.Context, hub *sentry.Hub) context.Context {
	var cpy *sentry.Hub
	if hub != nil {
		cpy = hub.Clone()
	}

	return sentry.SetHubOnContext(ctx, cpy)
}

// SentryHubFromContext gets a Hub from the supplied context, or from an underlying
// gin.Context if one is available. Background work without a hub reports to the current hub.
func SentryHubFromContext(ctx context.Context) *sentry.Hub {
	if ctx == nil {
		return sentry.CurrentHub()
	}

	if hub := sentry.GetHubFromContext(ctx); hub != nil {
		return hub
	}

	if gc, ok := ctx.(*gin.Context); ok {
		if hub := sentrygin.GetHubFromContext(gc); hub != nil {
			return hub
		}
	}

	return sentry.CurrentHub()
}
