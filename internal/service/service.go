// Package service provides business logic for the collaboration engine.
package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/capitalize-ai/collaboration-engine/internal/errs"
	"github.com/capitalize-ai/collaboration-engine/internal/store"
	"github.com/capitalize-ai/collaboration-engine/pkg/logger"
	"github.com/capitalize-ai/collaboration-engine/pkg/metrics"
	"github.com/capitalize-ai/collaboration-engine/pkg/tracing"
)

// Clock returns the current time. Tests inject a fixed one.
type Clock func() time.Time

func (c Clock) now() time.Time {
	if c == nil {
		return time.Now().UTC()
	}
	return c()
}

// Now returns the current time of the clock.
func (c Clock) Now() time.Time {
	return c.now()
}

// NewID returns a time-ordered identifier.
func NewID() string {
	return newID()
}

func newID() string {
	return uuid.Must(uuid.NewV7()).String()
}

func startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracing.Tracer().Start(ctx, name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// swallow logs a failure on a non-critical write path and counts it.
func swallow(log *logger.Logger, operation string, err error, fields ...zap.Field) {
	metrics.PersistenceFailures.WithLabelValues(operation).Inc()
	log.Warn("non-critical write failed",
		append(fields, zap.String("operation", operation), zap.Error(err))...,
	)
}

// storeError classifies a store failure on a critical path.
func storeError(what string, err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return errs.NotFound(what + " not found")
	case errors.Is(err, store.ErrSessionFull):
		return errs.AccessDenied("session is full").WithCode("session_full")
	case errors.Is(err, store.ErrSessionClosed):
		return errs.AccessDenied("session has ended").WithCode("session_ended")
	case errors.Is(err, store.ErrAlreadySettled):
		return errs.Validation("conflict is already settled").WithCode("conflict_settled")
	default:
		return errs.Persistence("failed to access "+what, err)
	}
}
