package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNew_DefaultsInvalidLevelToInfo(t *testing.T) {
	l := New("ingest", "not-a-level")
	require.NotNil(t, l)
	require.Equal(t, "ingest", l.stage)
}

func TestWithContext_FallsBackToSentinels(t *testing.T) {
	l := New("rules", "info")
	var buf bytes.Buffer
	l.SetOutput(&buf)

	l.WithContext(context.Background()).Info("evaluated")

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, noTrace, line["trace_id"])
	require.Equal(t, noRequest, line["request_id"])
	require.Equal(t, "rules", line["stage"])
	require.Equal(t, "evaluated", line["message"])
	require.Contains(t, line, "ts_iso")
	require.Contains(t, line, "ts_epoch")
}

func TestWithContext_PropagatesTraceAndRequestID(t *testing.T) {
	l := New("outbox", "info")
	var buf bytes.Buffer
	l.SetOutput(&buf)

	ctx := WithTraceID(context.Background(), "trace-abc")
	ctx = WithRequestID(ctx, "req-123")

	l.WithContext(ctx).Info("dispatched")

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "trace-abc", line["trace_id"])
	require.Equal(t, "req-123", line["request_id"])
}

func TestWithFields_MergesCustomFields(t *testing.T) {
	l := New("cards", "info")
	var buf bytes.Buffer
	l.SetOutput(&buf)

	l.WithFields(context.Background(), map[string]interface{}{"event_key": "ABC12345"}).Info("built card")

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "ABC12345", line["event_key"])
}

func TestDefault_LazilyInitializes(t *testing.T) {
	require.NotNil(t, Default())
}
