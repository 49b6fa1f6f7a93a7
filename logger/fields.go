package logger

import (
	"context"

	"go.uber.org/zap"
)

// Standard field names for structured logging.
// Use these constants instead of raw strings to keep keys consistent.
const (
	// Identity
	FieldRunID    = "run_id"
	FieldParentID = "parent_run_id"
	FieldItemID   = "item_id"
	FieldWorkerID = "worker_id"

	// Components
	FieldComponent = "component"
	FieldStage     = "stage"

	// Retry
	FieldAttempt        = "attempt"
	FieldMaxAttempts    = "max_attempts"
	FieldClassification = "classification"
	FieldDelayMS        = "delay_ms"
	FieldReason         = "reason"

	// Timing
	FieldDurationMS = "duration_ms"

	// Errors
	FieldError = "error"

	// Counts
	FieldCount      = "count"
	FieldTotalCount = "total_count"
	FieldSucceeded  = "succeeded"
	FieldFailed     = "failed"

	// Status and files
	FieldStatus = "status"
	FieldPath   = "path"
)

type contextKey string

const (
	runIDKey     contextKey = "logger_run_id"
	itemIDKey    contextKey = "logger_item_id"
	componentKey contextKey = "logger_component"
)

// WithRunID adds a run ID to the context for logging
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey, runID)
}

// WithItemID adds an item ID to the context for logging
func WithItemID(ctx context.Context, itemID string) context.Context {
	return context.WithValue(ctx, itemIDKey, itemID)
}

// WithComponent adds a component name to the context for logging
func WithComponent(ctx context.Context, component string) context.Context {
	return context.WithValue(ctx, componentKey, component)
}

// FieldsFromContext extracts logging fields from context.
// Returns key-value pairs suitable for Infow/Errorw/etc.
func FieldsFromContext(ctx context.Context) []interface{} {
	var fields []interface{}

	if runID, ok := ctx.Value(runIDKey).(string); ok && runID != "" {
		fields = append(fields, FieldRunID, runID)
	}
	if itemID, ok := ctx.Value(itemIDKey).(string); ok && itemID != "" {
		fields = append(fields, FieldItemID, itemID)
	}
	if component, ok := ctx.Value(componentKey).(string); ok && component != "" {
		fields = append(fields, FieldComponent, component)
	}

	return fields
}

// FromContext returns base enriched with the fields carried by ctx.
func FromContext(ctx context.Context, base *zap.SugaredLogger) *zap.SugaredLogger {
	base = OrNop(base)
	fields := FieldsFromContext(ctx)
	if len(fields) == 0 {
		return base
	}
	return base.With(fields...)
}

// ComponentLogger returns a named logger for a specific component.
// This is the preferred way to get a logger for dependency injection:
//
//	coord := coordinator.New(cfg, logger.ComponentLogger("pulse.coordinator"))
func ComponentLogger(name string) *zap.SugaredLogger {
	return Logger.Named(name)
}
