package logging

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

type contextKey string

const (
	loggerKey  contextKey = "logger"
	traceIDKey contextKey = "trace_id"
)

// GenerateTraceID generates a new trace ID
func GenerateTraceID() string {
	return uuid.NewString()
}

// FromContext retrieves the logger from context
func FromContext(ctx context.Context) zerolog.Logger {
	if l, ok := ctx.Value(loggerKey).(zerolog.Logger); ok {
		return l
	}
	return Default()
}

// NewContext creates a new context with the logger
func NewContext(ctx context.Context, l zerolog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, l)
}

// TraceID returns the trace ID stored in ctx, if any
func TraceID(ctx context.Context) string {
	id, _ := ctx.Value(traceIDKey).(string)
	return id
}

// WithTraceContext adds a trace ID to the context and returns a logger with it
func WithTraceContext(ctx context.Context, base zerolog.Logger) (context.Context, zerolog.Logger) {
	traceID := GenerateTraceID()
	l := base.With().Str("trace_id", traceID).Logger()
	newCtx := context.WithValue(ctx, traceIDKey, traceID)
	newCtx = context.WithValue(newCtx, loggerKey, l)
	return newCtx, l
}

// BatchContext creates a logger for one settlement batch
func BatchContext(l zerolog.Logger, batchID string, now time.Time) zerolog.Logger {
	return l.With().
		Str("batch_id", batchID).
		Time("batch_now", now).
		Logger()
}

// InvestmentContext creates a logger for operations on one investment
func InvestmentContext(l zerolog.Logger, investmentID, userID string) zerolog.Logger {
	return l.With().
		Str("investment_id", investmentID).
		Str("user_id", userID).
		Logger()
}

// CommissionContext creates a logger for a commission cascade
func CommissionContext(l zerolog.Logger, investorID, investmentID string, amount decimal.Decimal) zerolog.Logger {
	return l.With().
		Str("investor_id", investorID).
		Str("investment_id", investmentID).
		Str("amount", amount.String()).
		Logger()
}

// NotificationContext creates a logger for notification delivery
func NotificationContext(l zerolog.Logger, provider, recipient string) zerolog.Logger {
	return l.With().
		Str("component", "notification").
		Str("provider", provider).
		Str("recipient", recipient).
		Logger()
}
