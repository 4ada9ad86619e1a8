package logger

import (
	"context"
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"commitflow/config"
)

type ctxKey int

const (
	requestIDKey ctxKey = iota
	userIDKey
)

var logger *logrus.Logger

func init() {
	logger = logrus.New()
}

func Init(cfg *config.Config) (err error) {
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return
	}
	logger.SetLevel(level)
	logger.SetOutput(os.Stdout)

	if cfg.Log.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	}

	return nil
}

// SetOutput redirects every sublogger, used by tests to silence output.
func SetOutput(w io.Writer) {
	logger.SetOutput(w)
}

func NewSublogger(tag string) *logrus.Entry {
	return logger.WithFields(logrus.Fields{"module": "commitflow." + tag})
}

func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

func WithUserID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, userIDKey, id)
}

func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// FromContext decorates entry with the request scoped identifiers found in ctx.
func FromContext(ctx context.Context, entry *logrus.Entry) *logrus.Entry {
	fields := logrus.Fields{}
	if id, ok := ctx.Value(requestIDKey).(string); ok && id != "" {
		fields["request_id"] = id
	}
	if id, ok := ctx.Value(userIDKey).(string); ok && id != "" {
		fields["user_id"] = id
	}
	if len(fields) == 0 {
		return entry
	}
	return entry.WithFields(fields)
}
