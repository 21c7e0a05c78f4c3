package audit

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/rs/zerolog"
)

var (
	bearerTokenPattern = regexp.MustCompile(`(?i)\bBearer\s+[A-Za-z0-9\-._~+/]+=*`)
	keyValuePattern    = regexp.MustCompile(`(?i)\b(token|secret|password|authorization)\s*[:=]\s*([^\s,;]+)`)
)

// LogSink emits audit records as structured log entries. Used when no
// durable database is configured, and useful in tests.
type LogSink struct {
	logger zerolog.Logger
}

// NewLogSink creates a logging audit sink.
func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{
		logger: logger.With().Str("component", "audit-sink").Logger(),
	}
}

// Append writes one structured entry per record.
func (s *LogSink) Append(_ context.Context, rec Record) error {
	s.logger.Info().
		Str("event", "gateway.audit.record").
		Str("record_id", rec.ID).
		Str("actor", rec.Actor).
		Str("role", rec.Role).
		Str("decision", string(rec.Decision)).
		Str("operation", rec.Operation).
		Str("origin", rec.Origin).
		Bool("sensitive", rec.Sensitive).
		Time("timestamp", rec.Timestamp).
		Msg("audit record")
	return nil
}

// RedactSensitiveText removes obvious secrets from free-text error details
// before they reach any log line.
func RedactSensitiveText(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ""
	}

	redacted := bearerTokenPattern.ReplaceAllString(trimmed, "Bearer [REDACTED]")
	redacted = keyValuePattern.ReplaceAllStringFunc(redacted, func(match string) string {
		parts := strings.SplitN(match, ":", 2)
		if len(parts) == 2 {
			return fmt.Sprintf("%s: [REDACTED]", strings.TrimSpace(parts[0]))
		}
		parts = strings.SplitN(match, "=", 2)
		if len(parts) == 2 {
			return fmt.Sprintf("%s=[REDACTED]", strings.TrimSpace(parts[0]))
		}
		return "[REDACTED]"
	})
	return redacted
}
