package retry

import (
	"context"
	"errors"
	"math/rand"
	"net/http"
	"time"
)

var (
	DefaultRetry    = Retry{Base: 1, Cap: 8, Tries: 3}
	ErrOutOfRetries = errors.New("tried too many times")
)

type Retry struct {
	Base  int // Min amount of time to sleep per iteration
	Cap   int // Max amount of time to sleep per iteration
	Tries int // Number of times to retry
}

// Sleep waits a jittered, exponentially growing number of seconds for attempt i.
// It returns early with the context's error if ctx is done first.
func (r Retry) Sleep(ctx context.Context, i int) error {
	ceiling := r.Base << i
	if ceiling > r.Cap || ceiling <= 0 {
		ceiling = r.Cap
	}
	if ceiling <= 0 {
		return nil
	}

	timer := time.NewTimer(time.Duration(rand.Intn(ceiling)+1) * time.Second)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// RetryRequestWithRetry retries req while the server answers 429. Requests
// with a body are not safe to replay and must not be passed here.
func RetryRequestWithRetry(c *http.Client, req *http.Request, r Retry) (*http.Response, error) {
	for i := 0; i < r.Tries; i++ {
		resp, err := c.Do(req)
		if err != nil {
			return resp, err
		}

		if resp.StatusCode != http.StatusTooManyRequests {
			return resp, nil
		}

		resp.Body.Close()

		if err := r.Sleep(req.Context(), i); err != nil {
			return nil, err
		}
	}
	return nil, ErrOutOfRetries
}

func RetryFunc(ctx context.Context, f func(ctx context.Context) error, shouldRetry func(error) bool, r Retry) error {
	for i := 0; i < r.Tries; i++ {
		err := f(ctx)
		if err == nil {
			return nil
		}

		if !shouldRetry(err) {
			return err
		}

		if err := r.Sleep(ctx, i); err != nil {
			return err
		}
	}
	return ErrOutOfRetries
}
