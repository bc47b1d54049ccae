package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"go.opentelemetry.io/otel/trace"
)

// LogLevelEnv names the environment variable consulted when no -log-level flag is given.
const LogLevelEnv = "VAULT_LINK_LOG_LEVEL"

// LogFormatEnv selects "json" (default) or "text" output.
const LogFormatEnv = "VAULT_LINK_LOG_FORMAT"

// Redacted replaces credential material in log output.
const Redacted = "[REDACTED]"

// sensitiveKeys are attribute keys whose values never reach the log.
var sensitiveKeys = map[string]bool{
	"authorization": true,
	"token":         true,
	"access_token":  true,
	"client_secret": true,
	"clientsecret":  true,
	"assertion":     true,
}

// NewLogger creates a structured logger for vault-link components. A nil
// writer logs to stdout. Credential attributes and bearer values are redacted.
func NewLogger(component string, level slog.Level, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stdout
	}
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: redactAttr,
	}
	var handler slog.Handler
	if strings.EqualFold(os.Getenv(LogFormatEnv), "text") {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	return slog.New(handler).With("component", component)
}

func redactAttr(_ []string, a slog.Attr) slog.Attr {
	if sensitiveKeys[strings.ToLower(a.Key)] {
		return slog.String(a.Key, Redacted)
	}
	if a.Value.Kind() == slog.KindString {
		if s := a.Value.String(); containsBearer(s) {
			return slog.String(a.Key, redactBearer(s))
		}
	}
	return a
}

func containsBearer(s string) bool {
	return strings.Contains(strings.ToLower(s), "bearer ")
}

// redactBearer blanks the credential following each "Bearer " in s. Challenge
// parameters (key="value") are left intact so WWW-Authenticate stays readable.
func redactBearer(s string) string {
	var b strings.Builder
	lower := strings.ToLower(s)
	for {
		i := strings.Index(lower, "bearer ")
		if i < 0 {
			b.WriteString(s)
			return b.String()
		}
		start := i + len("bearer ")
		end := start
		for end < len(s) && s[end] != ' ' && s[end] != ',' && s[end] != '"' {
			end++
		}
		b.WriteString(s[:start])
		if tok := s[start:end]; tok != "" && !strings.Contains(tok, "=") {
			b.WriteString(Redacted)
		} else {
			b.WriteString(tok)
		}
		s, lower = s[end:], lower[end:]
	}
}

// TraceLogger adds trace_id and span_id from the context to every record.
type TraceLogger struct {
	logger *slog.Logger
}

// NewTraceLogger wraps logger, or slog.Default when logger is nil.
func NewTraceLogger(logger *slog.Logger) *TraceLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &TraceLogger{logger: logger}
}

// WithTraceContext returns the logger annotated with the span in ctx, if any.
func (l *TraceLogger) WithTraceContext(ctx context.Context) *slog.Logger {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return l.logger
	}
	return l.logger.With("trace_id", sc.TraceID().String(), "span_id", sc.SpanID().String())
}

// Enabled reports whether records at level are emitted.
func (l *TraceLogger) Enabled(ctx context.Context, level slog.Level) bool {
	return l.logger.Enabled(ctx, level)
}

func (l *TraceLogger) Debug(ctx context.Context, msg string, args ...any) {
	l.WithTraceContext(ctx).DebugContext(ctx, msg, args...)
}

func (l *TraceLogger) Info(ctx context.Context, msg string, args ...any) {
	l.WithTraceContext(ctx).InfoContext(ctx, msg, args...)
}

func (l *TraceLogger) Warn(ctx context.Context, msg string, args ...any) {
	l.WithTraceContext(ctx).WarnContext(ctx, msg, args...)
}

func (l *TraceLogger) Error(ctx context.Context, msg string, args ...any) {
	l.WithTraceContext(ctx).ErrorContext(ctx, msg, args...)
}

// ParseLogLevel maps debug, info, warn or error (any case) to a level.
// Anything else is info.
func ParseLogLevel(s string) slog.Level {
	var level slog.Level
	s = strings.TrimSpace(s)
	if strings.EqualFold(s, "warning") {
		s = "warn"
	}
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// GetLogLevel returns the flag level, then VAULT_LINK_LOG_LEVEL, then info.
func GetLogLevel(flagLevel string) slog.Level {
	if flagLevel != "" {
		return ParseLogLevel(flagLevel)
	}
	if envLevel := os.Getenv(LogLevelEnv); envLevel != "" {
		return ParseLogLevel(envLevel)
	}
	return slog.LevelInfo
}
