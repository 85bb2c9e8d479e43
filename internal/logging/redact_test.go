package logging

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/dealflow/internal/config"
)

// bufferLogger builds a logger writing JSON through the redacting encoder.
func bufferLogger(t *testing.T, cfg RedactionConfig) (*zap.Logger, *bytes.Buffer) {
	t.Helper()
	enc, err := NewRedactingEncoder(newEncoder("json"), cfg)
	require.NoError(t, err)
	var buf bytes.Buffer
	return zap.New(zapcore.NewCore(enc, zapcore.AddSync(&buf), zapcore.DebugLevel)), &buf
}

func TestRedactingEncoder_EntryFields(t *testing.T) {
	logger, buf := bufferLogger(t, NewDefaultConfig().Redaction)

	logger.Info("oracle configured",
		zap.String("api_key", "sk-live-123"),
		zap.String("header", "Bearer abc.def.ghi"),
		zap.String("model", "claude"))

	out := buf.String()
	assert.NotContains(t, out, "sk-live-123")
	assert.NotContains(t, out, "abc.def.ghi")
	assert.Contains(t, out, `"api_key":"[REDACTED]"`)
	assert.Contains(t, out, `"header":"[REDACTED:pattern]"`)
	assert.Contains(t, out, `"model":"claude"`)
}

func TestRedactingEncoder_WithFields(t *testing.T) {
	logger, buf := bufferLogger(t, NewDefaultConfig().Redaction)
	logger.With(zap.String("password", "hunter2")).Info("login")
	assert.NotContains(t, buf.String(), "hunter2")
}

func TestRedactingEncoder_ContentRules(t *testing.T) {
	logger, buf := bufferLogger(t, NewDefaultConfig().Redaction)
	logger.Info("inbound body",
		zap.String("body", "Please wire to card 4111 1111 1111 1111 today"))

	out := buf.String()
	assert.NotContains(t, out, "4111 1111 1111 1111")
	assert.Contains(t, out, "today")
}

func TestRedactingEncoder_Disabled(t *testing.T) {
	logger, buf := bufferLogger(t, RedactionConfig{Enabled: false})
	logger.Info("x", zap.String("password", "visible"))
	assert.Contains(t, buf.String(), "visible")
}

func TestNewRedactingEncoder_BadPattern(t *testing.T) {
	_, err := NewRedactingEncoder(newEncoder("json"), RedactionConfig{Enabled: true, Patterns: []string{"("}})
	assert.Error(t, err)
}

func TestSecretField(t *testing.T) {
	tl := NewTestLogger()
	tl.Info(context.Background(), "dsn", Secret("dsn", config.Secret("user:pw@tcp(db)/deals")))

	entries := tl.All()
	require.Len(t, entries, 1)
	obj, ok := entries[0].Context[0].Interface.(zapcore.ObjectMarshaler)
	require.True(t, ok)
	enc := zapcore.NewMapObjectEncoder()
	require.NoError(t, obj.MarshalLogObject(enc))
	assert.Equal(t, "[REDACTED:21]", enc.Fields["value"])
}

func TestTestLogger_Assertions(t *testing.T) {
	tl := NewTestLogger()
	ctx := WithRequestID(context.Background(), "req-1")
	tl.Info(ctx, "event handled", zap.String("outcome", "success"),
		RedactedString("authorization", "Bearer secret"))

	tl.AssertLogged(t, zapcore.InfoLevel, "event handled")
	tl.AssertNotLogged(t, zapcore.ErrorLevel, "event handled")
	tl.AssertField(t, "event handled", "outcome", "success")
	tl.AssertField(t, "event handled", FieldRequestID, "req-1")
	tl.AssertNoSecrets(t)

	tl.Reset()
	assert.Empty(t, tl.All())
}
