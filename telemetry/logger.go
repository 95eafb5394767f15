package telemetry

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/yairfalse/vahti/types"
)

var (
	outputMu sync.RWMutex
	output   io.Writer = os.Stdout
)

// SetOutput changes the writer used by loggers created afterwards
func SetOutput(w io.Writer) {
	outputMu.Lock()
	defer outputMu.Unlock()
	output = w
}

func currentOutput() io.Writer {
	outputMu.RLock()
	defer outputMu.RUnlock()
	return output
}

// Configure sets the global level and the output format ("json" or
// "console") for loggers created afterwards.
func Configure(level, format string) error {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	zerolog.SetGlobalLevel(lvl)

	switch format {
	case "", "json":
		SetOutput(os.Stdout)
	case "console":
		SetOutput(zerolog.ConsoleWriter{Out: os.Stderr})
	default:
		return fmt.Errorf("invalid log format %q", format)
	}
	return nil
}

// OTELHook adds trace and span IDs to every log entry
type OTELHook struct{}

func (h OTELHook) Run(e *zerolog.Event, level zerolog.Level, msg string) {
	ctx := e.GetCtx()
	if ctx == nil {
		return
	}

	span := trace.SpanFromContext(ctx)
	if !span.SpanContext().IsValid() {
		return
	}

	e.Str("trace_id", span.SpanContext().TraceID().String())
	e.Str("span_id", span.SpanContext().SpanID().String())

	if level == zerolog.ErrorLevel {
		span.SetStatus(codes.Error, msg)
	}
}

// Logger wraps zerolog with OTEL integration
type Logger struct {
	zerolog.Logger
}

// NewLogger creates a component logger with OTEL hooks
func NewLogger(component string) *Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs

	logger := zerolog.New(currentOutput()).
		With().
		Timestamp().
		Str("component", component).
		Logger().
		Hook(OTELHook{})

	return &Logger{Logger: logger}
}

// NewNopLogger discards everything. Used in tests.
func NewNopLogger() *Logger {
	return &Logger{Logger: zerolog.Nop()}
}

// WithContext returns a logger with context (for trace propagation)
func (l *Logger) WithContext(ctx context.Context) *zerolog.Logger {
	logger := l.Logger.With().Ctx(ctx).Logger()
	return &logger
}

// Convenience methods for engine events

func (l *Logger) LogDecision(ctx context.Context, groupID string, candidate types.CandidateProfile, decision types.Decision) {
	event := l.WithContext(ctx).Debug()
	if !decision.IsAllow() {
		event = l.WithContext(ctx).Info()
	}
	event.
		Str("group_id", groupID).
		Str("user_id", candidate.ID).
		Str("display_name", candidate.DisplayName).
		Str("action", string(decision.Action)).
		Str("rule", decision.MatchedRuleName()).
		Str("reason", decision.Reason).
		Msg("candidate evaluated")
}

func (l *Logger) LogRemoteError(ctx context.Context, operation string, err error) {
	l.WithContext(ctx).Warn().
		Err(err).
		Str("operation", operation).
		Msg("remote call failed")
}

func (l *Logger) LogStorageError(ctx context.Context, operation string, err error) {
	l.WithContext(ctx).Error().
		Err(err).
		Str("operation", operation).
		Msg("storage operation failed")
}
