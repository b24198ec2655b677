// Package logger provides structured JSON logging matching the
// "[JSON] {ts_iso, ts_epoch, trace_id, request_id, level, stage, message, ...}"
// line shape consumed by the pipeline's log aggregation.
package logger

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ContextKey is the type for context keys carried across pipeline stages.
type ContextKey string

const (
	TraceIDKey   ContextKey = "trace_id"
	RequestIDKey ContextKey = "request_id"
	StageKey     ContextKey = "stage"

	noTrace   = "no-trace"
	noRequest = "no-request"
)

// pipelineFormatter renders logrus entries as single JSON lines with the
// field names the pipeline's log shippers expect, instead of logrus's
// defaults (`time`/`msg`/`level`).
type pipelineFormatter struct {
	base *logrus.JSONFormatter
}

func newPipelineFormatter() *pipelineFormatter {
	return &pipelineFormatter{
		base: &logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "ts_iso",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		},
	}
}

func (f *pipelineFormatter) Format(e *logrus.Entry) ([]byte, error) {
	e.Data["ts_epoch"] = e.Time.Unix()
	if _, ok := e.Data["trace_id"]; !ok {
		e.Data["trace_id"] = noTrace
	}
	if _, ok := e.Data["request_id"]; !ok {
		e.Data["request_id"] = noRequest
	}
	if _, ok := e.Data["stage"]; !ok {
		e.Data["stage"] = ""
	}
	return f.base.Format(e)
}

// Logger wraps logrus.Logger with pipeline-stage and trace/request context.
type Logger struct {
	*logrus.Logger
	stage string
}

// New creates a Logger bound to a pipeline stage name (e.g. "ingest",
// "rules", "outbox").
func New(stage, level string) *Logger {
	l := logrus.New()

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	l.SetLevel(lvl)
	l.SetFormatter(newPipelineFormatter())
	l.SetOutput(os.Stdout)

	return &Logger{Logger: l, stage: stage}
}

// NewFromEnv builds a Logger using LOG_LEVEL (default "info").
func NewFromEnv(stage string) *Logger {
	level := strings.TrimSpace(os.Getenv("LOG_LEVEL"))
	if level == "" {
		level = "info"
	}
	return New(stage, level)
}

// WithContext returns a logrus.Entry carrying trace_id/request_id/stage
// pulled from ctx, falling back to the documented sentinel values.
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	entry := l.Logger.WithField("stage", l.stage)

	traceID := noTrace
	if ctx != nil {
		if v, ok := ctx.Value(TraceIDKey).(string); ok && v != "" {
			traceID = v
		}
	}
	requestID := noRequest
	if ctx != nil {
		if v, ok := ctx.Value(RequestIDKey).(string); ok && v != "" {
			requestID = v
		}
	}
	return entry.WithFields(logrus.Fields{
		"trace_id":   traceID,
		"request_id": requestID,
	})
}

// WithFields merges custom fields on top of the stage/trace context.
func (l *Logger) WithFields(ctx context.Context, fields map[string]interface{}) *logrus.Entry {
	return l.WithContext(ctx).WithFields(fields)
}

// NewTraceID generates a fresh trace id for a new unit of work (one
// ingestion poll, one card build, one dispatch batch).
func NewTraceID() string {
	return uuid.New().String()
}

func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

func GetTraceID(ctx context.Context) string {
	if v, ok := ctx.Value(TraceIDKey).(string); ok {
		return v
	}
	return ""
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

func GetRequestID(ctx context.Context) string {
	if v, ok := ctx.Value(RequestIDKey).(string); ok {
		return v
	}
	return ""
}

var defaultLogger *Logger

// InitDefault sets up the process-wide default logger.
func InitDefault(stage, level string) {
	defaultLogger = New(stage, level)
}

// Default returns the process-wide logger, lazily creating one at info
// level if InitDefault was never called.
func Default() *Logger {
	if defaultLogger == nil {
		defaultLogger = New("unknown", "info")
	}
	return defaultLogger
}
