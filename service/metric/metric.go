package metric

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/mikeydub/untappd-announcer/service/logger"
)

type Measure struct {
	Name  string
	Value float64
}

// Reporter records measures.
type Reporter interface {
	Record(ctx context.Context, m Measure, opts ...Option)
}

type Option func(*args)

type args struct {
	tags   map[string]string
	logMsg string
	level  logrus.Level
}

func WithLogMessage(msg string) Option {
	return func(a *args) {
		a.logMsg = msg
	}
}

func WithTags(tags map[string]string) Option {
	return func(a *args) {
		a.tags = tags
	}
}

func WithLevel(l logrus.Level) Option {
	return func(a *args) {
		a.level = l
	}
}

// LogReporter writes measures as structured log lines for the log pipeline to aggregate.
type LogReporter struct{}

func NewLogReporter() LogReporter {
	return LogReporter{}
}

func (LogReporter) Record(ctx context.Context, m Measure, opts ...Option) {
	a := args{level: logrus.InfoLevel}
	for _, opt := range opts {
		opt(&a)
	}

	payload := logrus.Fields{"metric": logrus.Fields{
		"metricName":  m.Name,
		"metricValue": m.Value,
		"metricTags":  a.tags,
	}}

	line := fmt.Sprintf("reporting metric %s(val=%0.2f)", m.Name, m.Value)
	if a.logMsg != "" {
		line += ": " + a.logMsg
	}

	logger.For(ctx).WithFields(payload).Log(a.level, line)
}
