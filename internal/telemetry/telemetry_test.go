package telemetry

import (
	"context"
	"errors"
	"testing"

	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/irfndi/celebrum-paper-trader/internal/config"
)

func TestInit_Disabled(t *testing.T) {
	logger, hook := logtest.NewNullLogger()

	provider, err := Init(context.Background(), config.TelemetryConfig{}, "test", logger)
	require.NoError(t, err)
	assert.NoError(t, provider.Shutdown(context.Background()))
	assert.Empty(t, hook.AllEntries())
	assert.NotNil(t, otel.GetTextMapPropagator())
}

func TestInit_StdoutExporter(t *testing.T) {
	t.Cleanup(func() { otel.SetTracerProvider(noop.NewTracerProvider()) })
	logger, hook := logtest.NewNullLogger()

	provider, err := Init(context.Background(), config.TelemetryConfig{
		Enabled:     true,
		Exporter:    "stdout",
		SampleRatio: 1,
	}, "test", logger)
	require.NoError(t, err)
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, "stdout", hook.LastEntry().Data["exporter"])

	_, span := Tracer(ScannerTracerName).Start(context.Background(), "unit")
	assert.True(t, span.SpanContext().IsValid())
	assert.True(t, span.SpanContext().IsSampled())
	span.End()

	assert.NoError(t, provider.Shutdown(context.Background()))
}

func TestInit_UnknownExporter(t *testing.T) {
	logger, _ := logtest.NewNullLogger()

	_, err := Init(context.Background(), config.TelemetryConfig{Enabled: true, Exporter: "zipkin"}, "test", logger)
	assert.ErrorContains(t, err, "unknown trace exporter")
}

func TestShutdown_NilProvider(t *testing.T) {
	var provider *Provider
	assert.NoError(t, provider.Shutdown(context.Background()))
}

func TestRecordError(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tracer := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)).Tracer("test")

	_, ok := tracer.Start(context.Background(), "ok")
	RecordError(ok, nil)
	ok.End()

	_, failed := tracer.Start(context.Background(), "failed")
	RecordError(failed, errors.New("price feed down"))
	failed.End()

	spans := recorder.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, codes.Unset, spans[0].Status().Code)
	assert.Equal(t, codes.Error, spans[1].Status().Code)
	assert.Equal(t, "price feed down", spans[1].Status().Description)
	require.Len(t, spans[1].Events(), 1)
	assert.Equal(t, "exception", spans[1].Events()[0].Name)
}
