package announcer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mikeydub/untappd-announcer/service/checkin"
	"github.com/mikeydub/untappd-announcer/service/logger"
	"github.com/mikeydub/untappd-announcer/service/metric"
	sentryutil "github.com/mikeydub/untappd-announcer/service/sentry"
	"github.com/mikeydub/untappd-announcer/service/throttle"
	"github.com/mikeydub/untappd-announcer/util"
)

const tickLockKey = "announcer:tick"

var errAlreadyStarted = errors.New("announcer already started")

// Announcer periodically syncs every registered user and posts what they drank.
type Announcer struct {
	engine   *checkin.Engine
	names    namer
	sink     Sink
	throttle *throttle.Locker
	metrics  metric.Reporter
	channel  string
	interval time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewAnnouncer(engine *checkin.Engine, names namer, sink Sink, throttler *throttle.Locker, channel string, interval time.Duration) *Announcer {
	return &Announcer{
		engine:   engine,
		names:    names,
		sink:     sink,
		throttle: throttler,
		metrics:  metric.NewLogReporter(),
		channel:  channel,
		interval: interval,
	}
}

// Start begins ticking in the background until Stop is called or ctx is done.
func (a *Announcer) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.cancel != nil {
		return errAlreadyStarted
	}

	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.done = make(chan struct{})

	go a.loop(ctx, a.done)

	logger.For(ctx).Infof("Announcer started. Announcing to %s every %s", a.channel, a.interval)
	return nil
}

// Stop cancels the loop and waits for an in-flight tick to finish.
func (a *Announcer) Stop() {
	a.mu.Lock()
	cancel, done := a.cancel, a.done
	a.cancel, a.done = nil, nil
	a.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (a *Announcer) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.Tick(sentryutil.NewSentryHubContext(ctx, sentryutil.SentryHubFromContext(ctx)))
		}
	}
}

// Tick runs a single sync cycle and sends each new check-in to the sink. A
// cycle already running anywhere else causes this one to be skipped.
func (a *Announcer) Tick(ctx context.Context) error {
	if err := a.throttle.Lock(ctx, tickLockKey); err != nil {
		if util.ErrorAs[throttle.ErrThrottleLocked](err) {
			logger.For(ctx).Debug("previous announce cycle still running, skipping tick")
			return nil
		}
		logger.For(ctx).Errorf("failed to acquire announce lock: %s", err)
		sentryutil.ReportError(ctx, err)
		return err
	}
	defer a.throttle.Unlock(context.Background(), tickLockKey)

	ctx, cancel := context.WithTimeout(ctx, a.interval)
	defer cancel()

	start := time.Now()
	lines, err := a.RunNow(ctx)

	failed := 0
	for _, line := range lines {
		if sendErr := a.sink.Send(ctx, a.channel, line); sendErr != nil {
			logger.For(ctx).Errorf("failed to announce %q: %s", line, sendErr)
			failed++
		}
	}

	tags := map[string]string{"channel": a.channel}
	a.metrics.Record(ctx, metric.Measure{Name: "announcer.checkins_announced", Value: float64(len(lines) - failed)},
		metric.WithTags(tags),
		metric.WithLogMessage(fmt.Sprintf("%d of %d checkins announced", len(lines)-failed, len(lines))),
	)
	a.metrics.Record(ctx, metric.Measure{Name: "announcer.cycle_seconds", Value: time.Since(start).Seconds()}, metric.WithTags(tags), metric.WithLevel(logrus.DebugLevel))

	if errors.Is(err, checkin.ErrFeedUnavailable) {
		logger.For(ctx).Warnf("announce cycle skipped: %s", err)
		return nil
	}
	if err != nil {
		logger.For(ctx).Errorf("announce cycle finished with errors: %s", err)
		sentryutil.ReportError(ctx, err)
	}

	return err
}

// RunNow syncs every registered user and returns the announcement lines
// without sending them anywhere.
func (a *Announcer) RunNow(ctx context.Context) ([]string, error) {
	checkins, err := a.engine.SyncAll(ctx)

	lines := make([]string, 0, len(checkins))
	for _, c := range checkins {
		lines = append(lines, formatAnnouncement(a.names.displayName(ctx, c.Username), c.Checkin))
	}

	return lines, err
}
