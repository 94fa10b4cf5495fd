package logging

import (
	"bytes"
	"context"
	"testing"

	"github.com/fyrsmithlabs/mathmentor/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger(NewDefaultConfig(), nil)
	require.NoError(t, err)
	require.NotNil(t, logger.Underlying())
	assert.True(t, logger.Enabled(zapcore.InfoLevel))
	assert.False(t, logger.Enabled(zapcore.DebugLevel))
}

func TestNewLogger_InvalidConfig(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Format = "xml"

	_, err := NewLogger(cfg, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "format must be")
}

func TestConfigFromSettings(t *testing.T) {
	cfg, err := ConfigFromSettings(config.LoggingConfig{Level: "trace", Format: "console"})
	require.NoError(t, err)
	assert.Equal(t, TraceLevel, cfg.Level)
	assert.Equal(t, "console", cfg.Format)

	_, err = ConfigFromSettings(config.LoggingConfig{Level: "loud"})
	assert.Error(t, err)
}

func TestLogger_LevelsAndContext(t *testing.T) {
	tl := NewTestLogger()
	ctx := WithRequestID(context.Background(), "req_42")
	ctx = WithStage(ctx, "verify")

	tl.Trace(ctx, "trace msg")
	tl.Debug(ctx, "debug msg")
	tl.Info(ctx, "info msg", zap.String("path", "deterministic"))
	tl.Warn(ctx, "warn msg")
	tl.Error(ctx, "error msg")

	require.Len(t, tl.All(), 5)
	tl.AssertLogged(t, TraceLevel, "trace msg")
	tl.AssertLogged(t, zapcore.ErrorLevel, "error msg")
	tl.AssertField(t, "info msg", "request.id", "req_42")
	tl.AssertField(t, "info msg", "stage", "verify")
	tl.AssertField(t, "info msg", "path", "deterministic")
}

func TestContextFields(t *testing.T) {
	assert.Empty(t, ContextFields(context.Background()))

	tp := trace.NewTracerProvider(trace.WithSampler(trace.AlwaysSample()))
	ctx, span := tp.Tracer("test").Start(context.Background(), "solve")
	defer span.End()

	ctx = WithInteractionID(ctx, 7)
	keys := map[string]bool{}
	for _, f := range ContextFields(ctx) {
		keys[f.Key] = true
	}
	assert.True(t, keys["trace_id"])
	assert.True(t, keys["span_id"])
	assert.True(t, keys["interaction.id"])
}

func TestWithRequestID_IgnoresInvalid(t *testing.T) {
	ctx := WithRequestID(context.Background(), "bad id with spaces")
	assert.Empty(t, RequestIDFromContext(ctx))

	ctx = WithRequestID(context.Background(), "")
	assert.Empty(t, RequestIDFromContext(ctx))
}

func TestFromContext(t *testing.T) {
	assert.NotNil(t, FromContext(context.Background()))

	tl := NewTestLogger()
	ctx := WithLogger(context.Background(), tl.Logger)
	FromContext(ctx).Info(ctx, "via context")
	tl.AssertLogged(t, zapcore.InfoLevel, "via context")
}

func TestRedactingEncoder(t *testing.T) {
	var buf bytes.Buffer
	base := zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	enc := NewRedactingEncoder(base, []string{"api_key", "Token"})
	z := zap.New(zapcore.NewCore(enc, zapcore.AddSync(&buf), zapcore.InfoLevel))

	z.With(zap.String("token", "child-secret")).Info("call oracle",
		zap.String("api_key", "sk-123"),
		zap.String("model", "gpt-4o-mini"),
	)

	out := buf.String()
	assert.NotContains(t, out, "sk-123")
	assert.NotContains(t, out, "child-secret")
	assert.Contains(t, out, "gpt-4o-mini")
	assert.Contains(t, out, "[REDACTED]")
}

func TestSecretField(t *testing.T) {
	f := Secret("api_key", config.Secret("abcdef"))
	assert.Equal(t, "[REDACTED:6]", f.String)
}

func TestSampledCore_ErrorsNeverDropped(t *testing.T) {
	var buf bytes.Buffer
	base := zapcore.NewCore(zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()), zapcore.AddSync(&buf), TraceLevel)
	core := newSampledCore(base, SamplingConfig{Enabled: true, Tick: 1e9, Initial: 1, Thereafter: 0})
	z := zap.New(core)

	for i := 0; i < 5; i++ {
		z.Info("repeated")
		z.Error("failure")
	}

	assert.Equal(t, 1, bytes.Count(buf.Bytes(), []byte(`"repeated"`)))
	assert.Equal(t, 5, bytes.Count(buf.Bytes(), []byte(`"failure"`)))
}
