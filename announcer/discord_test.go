package announcer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mikeydub/untappd-announcer/util/retry"
)

func newTestSink(t *testing.T, handler http.HandlerFunc) *DiscordSink {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	sink := NewDiscordSinkWithOptions(srv.Client(), srv.URL, "token", "test-agent")
	sink.retry = retry.Retry{Base: 0, Cap: 0, Tries: 3}
	return sink
}

func TestDiscordSink(t *testing.T) {
	ctx := context.Background()

	t.Run("posts to the channel", func(t *testing.T) {
		sink := newTestSink(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "/channels/123/messages", r.URL.Path)
			assert.Equal(t, "Bot token", r.Header.Get("Authorization"))
			assert.Equal(t, "test-agent", r.Header.Get("User-Agent"))

			var body struct {
				Content string `json:"content"`
				TTS     bool   `json:"tts"`
			}
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "Alice drank a Heady Topper by The Alchemist", body.Content)
			assert.False(t, body.TTS)
		})

		require.NoError(t, sink.Send(ctx, "123", "Alice drank a Heady Topper by The Alchemist"))
	})

	t.Run("retries transient failures", func(t *testing.T) {
		var calls int32
		sink := newTestSink(t, func(w http.ResponseWriter, r *http.Request) {
			if atomic.AddInt32(&calls, 1) < 3 {
				w.WriteHeader(http.StatusBadGateway)
			}
		})

		require.NoError(t, sink.Send(ctx, "123", "hi"))
		assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	})

	t.Run("gives up after the last try", func(t *testing.T) {
		sink := newTestSink(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTooManyRequests)
		})

		assert.ErrorIs(t, sink.Send(ctx, "123", "hi"), retry.ErrOutOfRetries)
	})

	t.Run("does not retry rejected messages", func(t *testing.T) {
		var calls int32
		sink := newTestSink(t, func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&calls, 1)
			w.WriteHeader(http.StatusForbidden)
			w.Write([]byte(`{"message": "Missing Access"}`))
		})

		err := sink.Send(ctx, "123", "hi")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "Missing Access")
		assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	})

	t.Run("long messages are truncated", func(t *testing.T) {
		var got string
		sink := newTestSink(t, func(w http.ResponseWriter, r *http.Request) {
			var body struct {
				Content string `json:"content"`
			}
			json.NewDecoder(r.Body).Decode(&body)
			got = body.Content
		})

		require.NoError(t, sink.Send(ctx, "123", strings.Repeat("🍺", 3000)))
		assert.Equal(t, maxMessageLength, utf8.RuneCountInString(got))
		assert.True(t, strings.HasSuffix(got, "..."))
	})
}
