package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lithammer/shortuuid/v4"
)

const (
	// LogFieldRequestID is the field name for request ID.
	LogFieldRequestID = "request_id"
	// LogFieldPassID is the field name for a sync pass ID.
	LogFieldPassID = "pass_id"
	// LogFieldTenantID is the field name for tenant ID.
	LogFieldTenantID = "tenant_id"
	// LogFieldUserID is the field name for user ID.
	LogFieldUserID = "user_id"
	// LogFieldComponent is the field name for the emitting component.
	LogFieldComponent = "component"
	// LogFieldDuration is the field name for duration in milliseconds.
	LogFieldDuration = "duration_ms"
	// LogFieldErrorCode is the field name for error code.
	LogFieldErrorCode = "error_code"
	// LogFieldEventType is the field name for event type.
	LogFieldEventType = "event_type"
	// LogFieldOperationID is the field name for a pending operation ID.
	LogFieldOperationID = "operation_id"
	// LogFieldTier is the field name for a cache tier.
	LogFieldTier = "tier"
)

// NewLogger builds the process logger.
// Prod mode writes JSON, anything else writes human readable text.
func NewLogger(w io.Writer, mode, level string) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: parseLevel(level)}

	var handler slog.Handler
	if mode == "prod" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// CallContext carries the identity of a single cache call or sync pass for structured logging.
type CallContext struct {
	RequestID string
	TenantID  string
	UserID    string
	Component string
	StartTime time.Time
	Logger    *slog.Logger
}

// NewCallContext creates a call context with a generated request ID.
func NewCallContext(logger *slog.Logger, component, tenantID, userID string) *CallContext {
	return NewCallContextWithID(logger, generateRequestID(), component, tenantID, userID)
}

// NewCallContextWithID creates a call context with a specific request ID.
// Pass an empty component when logger already carries one.
func NewCallContextWithID(logger *slog.Logger, requestID, component, tenantID, userID string) *CallContext {
	if logger == nil {
		logger = slog.Default()
	}
	return &CallContext{
		RequestID: requestID,
		TenantID:  tenantID,
		UserID:    userID,
		Component: component,
		StartTime: time.Now(),
		Logger:    logger,
	}
}

// NewPassID returns a short identifier for a sync pass.
func NewPassID() string {
	return shortuuid.New()
}

// WithFields returns a new logger with additional fields.
func (r *CallContext) WithFields(attrs ...slog.Attr) *slog.Logger {
	base := r.baseAttrs()
	result := make([]any, 0, len(base)+len(attrs))
	for _, attr := range base {
		result = append(result, attr)
	}
	for _, attr := range attrs {
		result = append(result, attr)
	}
	return r.Logger.With(result...)
}

// Info logs an info message.
func (r *CallContext) Info(msg string, attrs ...slog.Attr) {
	r.Logger.LogAttrs(context.Background(), slog.LevelInfo, msg, r.baseAttrsAppended(attrs...)...)
}

// Debug logs a debug message.
func (r *CallContext) Debug(msg string, attrs ...slog.Attr) {
	r.Logger.LogAttrs(context.Background(), slog.LevelDebug, msg, r.baseAttrsAppended(attrs...)...)
}

// Warn logs a warning message.
func (r *CallContext) Warn(msg string, attrs ...slog.Attr) {
	r.Logger.LogAttrs(context.Background(), slog.LevelWarn, msg, r.baseAttrsAppended(attrs...)...)
}

// Error logs an error message with the error.
func (r *CallContext) Error(msg string, err error, attrs ...slog.Attr) {
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	r.Logger.LogAttrs(context.Background(), slog.LevelError, msg, r.baseAttrsAppended(attrs...)...)
}

// SecurityEvent logs a refused or filtered operation at warn level.
// Security events are never errors for the caller; they only leave an audit trail.
func (r *CallContext) SecurityEvent(eventType string, attrs ...slog.Attr) {
	attrs = append(attrs, slog.String(LogFieldEventType, eventType))
	r.Logger.LogAttrs(context.Background(), slog.LevelWarn, "security event", r.baseAttrsAppended(attrs...)...)
}

// Duration returns the elapsed time since the call started.
func (r *CallContext) Duration() time.Duration {
	return time.Since(r.StartTime)
}

// DurationMs returns the elapsed time in milliseconds.
func (r *CallContext) DurationMs() int64 {
	return r.Duration().Milliseconds()
}

func (r *CallContext) baseAttrs() []slog.Attr {
	attrs := []slog.Attr{
		slog.String(LogFieldRequestID, r.RequestID),
		slog.String(LogFieldTenantID, r.TenantID),
		slog.String(LogFieldUserID, r.UserID),
	}
	if r.Component != "" {
		attrs = append(attrs, slog.String(LogFieldComponent, r.Component))
	}
	return attrs
}

func (r *CallContext) baseAttrsAppended(attrs ...slog.Attr) []slog.Attr {
	return append(r.baseAttrs(), attrs...)
}

// generateRequestID generates a unique request ID using full UUID.
func generateRequestID() string {
	return uuid.New().String()
}
