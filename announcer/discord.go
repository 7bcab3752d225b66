package announcer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/mikeydub/untappd-announcer/env"
	"github.com/mikeydub/untappd-announcer/service/logger"
	"github.com/mikeydub/untappd-announcer/service/tracing"
	"github.com/mikeydub/untappd-announcer/util"
	"github.com/mikeydub/untappd-announcer/util/retry"
)

// Sink delivers announcement lines to a chat target.
type Sink interface {
	Send(ctx context.Context, target, text string) error
}

type errFailedToPostMessage struct {
	err error
}

func (e errFailedToPostMessage) Retryable() bool {
	return true
}

func (e errFailedToPostMessage) Error() string {
	return fmt.Sprintf("failed to send message: %s", e.err)
}

type errRejectedMessage struct {
	status int
	body   string
}

func (e errRejectedMessage) Error() string {
	return fmt.Sprintf("discord rejected message with status %d: %s", e.status, e.body)
}

// DiscordSink posts to the messages endpoint of a discord channel.
type DiscordSink struct {
	httpClient *http.Client
	apiURL     string
	token      string
	agent      string
	retry      retry.Retry
}

func NewDiscordSink(ctx context.Context) *DiscordSink {
	return NewDiscordSinkWithOptions(
		&http.Client{Transport: tracing.NewTracingTransport(http.DefaultTransport, false)},
		env.GetString(ctx, "DISCORD_API"),
		env.GetString(ctx, "BOT_TOKEN"),
		env.GetString(ctx, "AGENT_NAME"),
	)
}

func NewDiscordSinkWithOptions(httpClient *http.Client, apiURL, token, agent string) *DiscordSink {
	return &DiscordSink{
		httpClient: httpClient,
		apiURL:     apiURL,
		token:      token,
		agent:      agent,
		retry:      retry.DefaultRetry,
	}
}

func (d *DiscordSink) Send(ctx context.Context, channelID, text string) error {
	body, err := createMessage(util.TruncateWithEllipsis(text, maxMessageLength-3))
	if err != nil {
		return err
	}

	return retry.RetryFunc(ctx, func(ctx context.Context) error {
		return d.post(ctx, channelID, body)
	}, isRetryable, d.retry)
}

func (d *DiscordSink) post(ctx context.Context, channelID string, body []byte) error {
	req, err := d.prepareRequest(ctx, channelID, body)
	if err != nil {
		return err
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return errFailedToPostMessage{err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError {
		return errFailedToPostMessage{fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return errRejectedMessage{status: resp.StatusCode, body: string(msg)}
	}

	return nil
}

func (d *DiscordSink) prepareRequest(ctx context.Context, channelID string, body []byte) (*http.Request, error) {
	url := fmt.Sprintf("%s/channels/%s/messages", d.apiURL, channelID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bot "+d.token)
	req.Header.Set("User-Agent", d.agent)
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

func createMessage(content string) ([]byte, error) {
	return json.Marshal(map[string]interface{}{"content": content, "tts": false})
}

func isRetryable(err error) bool {
	return util.ErrorAs[errFailedToPostMessage](err)
}

// logSink writes announcements to the log. Used when no bot token is configured.
type logSink struct{}

func (logSink) Send(ctx context.Context, target, text string) error {
	logger.For(ctx).WithField("target", target).Info(text)
	return nil
}
