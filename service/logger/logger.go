package logger

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

type loggerContextKey struct{}

var defaultLogger = logrus.New()
var defaultEntry = logrus.NewEntry(defaultLogger)

func NewContextWithFields(parent context.Context, fields logrus.Fields) context.Context {
	return context.WithValue(parent, loggerContextKey{}, For(parent).WithFields(fields))
}

func SetLoggerOptions(optionsFunc func(logger *logrus.Logger)) {
	optionsFunc(defaultLogger)
}

// InitWithDefaults configures the default logger for the given deployment env.
// Local runs get colored text at debug level, everything else JSON.
func InitWithDefaults(env string) {
	SetLoggerOptions(func(l *logrus.Logger) {
		switch env {
		case "local", "":
			l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
			l.SetLevel(logrus.DebugLevel)
		case "production":
			l.SetFormatter(&logrus.JSONFormatter{})
			l.SetLevel(logrus.InfoLevel)
		default:
			l.SetFormatter(&logrus.JSONFormatter{})
			l.SetLevel(logrus.DebugLevel)
		}
	})
}

func For(ctx context.Context) *logrus.Entry {
	if ctx == nil {
		return defaultEntry
	}

	// If ctx is a *gin.Context, get the underlying request context
	if gc, ok := ctx.(*gin.Context); ok {
		ctx = gc.Request.Context()
	}

	value := ctx.Value(loggerContextKey{})
	if logger, ok := value.(*logrus.Entry); ok {
		return logger.WithContext(ctx)
	}

	return defaultEntry.WithContext(ctx)
}
