package structlog

import (
	"context"
	"io"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ContextKey for correlation ID
type ctxKeyCorrID struct{}

// Fields represents structured log fields
type Fields map[string]interface{}

// Logger provides structured logging with correlation ID support.
type Logger struct {
	zerolog.Logger
}

// New creates a JSON logger for a service writing to output (stdout when nil).
func New(service, level string, output io.Writer) *Logger {
	if output == nil {
		output = os.Stdout
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zl := zerolog.New(output).Level(lvl).With().Timestamp().Str("service", service).Logger()
	return &Logger{Logger: zl}
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{Logger: zerolog.Nop()}
}

// WithFields returns a logger with additional base fields.
func (l *Logger) WithFields(fields Fields) *Logger {
	return &Logger{Logger: l.With().Fields(map[string]interface{}(fields)).Logger()}
}

// ForIdentity scopes the logger to one monitored identity.
func (l *Logger) ForIdentity(identity string) *Logger {
	return &Logger{Logger: l.With().Str("identity", identity).Logger()}
}

// Component tags the logger with a subsystem name.
func (l *Logger) Component(name string) *Logger {
	return &Logger{Logger: l.With().Str("component", name).Logger()}
}

// WithContext extracts correlation ID from context and adds to logger
func (l *Logger) WithContext(ctx context.Context) *Logger {
	if corrID := GetCorrelationID(ctx); corrID != "" {
		return &Logger{Logger: l.With().Str("correlation_id", corrID).Logger()}
	}
	return l
}

// SecurityEvent logs security event with special marker
func (l *Logger) SecurityEvent(event string, fields Fields) {
	l.Warn().
		Fields(map[string]interface{}(fields)).
		Str("event_type", "security").
		Str("security_event", event).
		Msg("SECURITY: " + event)
}

// AuditLog logs audit trail with immutable marker
func (l *Logger) AuditLog(action string, fields Fields) {
	l.Info().
		Fields(map[string]interface{}(fields)).
		Str("event_type", "audit").
		Str("audit_action", action).
		Msg("AUDIT: " + action)
}

// NewCorrelationID generates a new correlation ID
func NewCorrelationID() string {
	return uuid.NewString()
}

// ContextWithCorrelationID returns context with correlation ID
func ContextWithCorrelationID(ctx context.Context, corrID string) context.Context {
	return context.WithValue(ctx, ctxKeyCorrID{}, corrID)
}

// GetCorrelationID extracts correlation ID from context
func GetCorrelationID(ctx context.Context) string {
	if corrID, ok := ctx.Value(ctxKeyCorrID{}).(string); ok {
		return corrID
	}
	return ""
}

// GetOrCreateCorrelationID gets existing or creates new correlation ID
func GetOrCreateCorrelationID(ctx context.Context) (context.Context, string) {
	if corrID := GetCorrelationID(ctx); corrID != "" {
		return ctx, corrID
	}
	corrID := NewCorrelationID()
	return ContextWithCorrelationID(ctx, corrID), corrID
}
