// Copyright 2026 fanjia1024

package tracing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestReviewSpanRecordsError(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	_, span := StartReviewSpan(context.Background(), "review_1", "fallback")
	EndSpan(span, errors.New("cancelled"))

	_, tool := StartToolSpan(context.Background(), "review_gate_chat")
	EndSpan(tool, nil)

	ended := rec.Ended()
	require.Len(t, ended, 2)
	assert.Equal(t, "review.request", ended[0].Name())
	assert.Equal(t, codes.Error, ended[0].Status().Code)
	assert.Equal(t, "tool.invoke", ended[1].Name())
	assert.Equal(t, codes.Unset, ended[1].Status().Code)
}
