package services

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace/noop"
)

func installSpanRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)))
	t.Cleanup(func() { otel.SetTracerProvider(noop.NewTracerProvider()) })
	return recorder
}

func spansByName(spans []sdktrace.ReadOnlySpan) map[string]sdktrace.ReadOnlySpan {
	out := make(map[string]sdktrace.ReadOnlySpan, len(spans))
	for _, s := range spans {
		out[s.Name()] = s
	}
	return out
}

func spanAttr(span sdktrace.ReadOnlySpan, key string) string {
	for _, kv := range span.Attributes() {
		if kv.Key == attribute.Key(key) {
			return kv.Value.AsString()
		}
	}
	return ""
}

func TestTracing_ScanSpanParentsExecution(t *testing.T) {
	recorder := installSpanRecorder(t)
	f := newScannerFixture(t, testExecutionConfig(), testScannerConfig("BTC/USDT"), false)

	outcome, err := f.scanner.ScanSymbol(context.Background(), "BTC/USDT")
	require.NoError(t, err)
	require.Equal(t, OutcomeExecuted, outcome)

	spans := spansByName(recorder.Ended())
	scan, ok := spans["SignalScanner.ScanSymbol"]
	require.True(t, ok)
	exec, ok := spans["PaperExecutionEngine.ExecuteSignal"]
	require.True(t, ok)

	assert.Equal(t, scan.SpanContext().SpanID(), exec.Parent().SpanID())
	assert.Equal(t, scan.SpanContext().TraceID(), exec.SpanContext().TraceID())
	assert.Equal(t, "BTC/USDT", spanAttr(scan, "symbol"))
	assert.Equal(t, string(OutcomeExecuted), spanAttr(scan, "scan.outcome"))
	assert.NotEmpty(t, spanAttr(exec, "position.id"))
}

func TestTracing_FailedScanMarksSpan(t *testing.T) {
	recorder := installSpanRecorder(t)
	f := newScannerFixture(t, testExecutionConfig(), testScannerConfig("BTC/USDT"), false)
	f.setups.err = errors.New("detector down")

	_, err := f.scanner.ScanSymbol(context.Background(), "BTC/USDT")
	require.Error(t, err)

	scan, ok := spansByName(recorder.Ended())["SignalScanner.ScanSymbol"]
	require.True(t, ok)
	assert.Equal(t, codes.Error, scan.Status().Code)
	assert.Equal(t, string(OutcomeError), spanAttr(scan, "scan.outcome"))
}

func TestTracing_InsufficientBalanceMarksExecutionSpan(t *testing.T) {
	recorder := installSpanRecorder(t)
	exec := testExecutionConfig()
	exec.InitialBalance = 5
	f := newScannerFixture(t, exec, testScannerConfig("BTC/USDT"), false)

	outcome, err := f.scanner.ScanSymbol(context.Background(), "BTC/USDT")
	require.NoError(t, err)
	require.Equal(t, OutcomeInsufficientBalance, outcome)

	spans := spansByName(recorder.Ended())
	assert.Equal(t, codes.Error, spans["PaperExecutionEngine.ExecuteSignal"].Status().Code)
	assert.NotEqual(t, codes.Error, spans["SignalScanner.ScanSymbol"].Status().Code)
}
