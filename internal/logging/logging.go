package logging

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/holytunnel/holytunnel/internal/session"
)

const (
	// scopeFieldName defines the key for the "scope" field in structured logs.
	scopeFieldName      = "scope"
	localScopeFieldName = "local_scope"
	traceIDFieldName    = "trace_id"
	remoteInfoFieldName = "remote_info"
)

// NewLogger creates and configures a zerolog.Logger instance for the
// application. The instance is passed to components via dependency injection.
func NewLogger(debug bool) zerolog.Logger {
	// Define the order of parts in the console output.
	partsOrder := []string{
		zerolog.LevelFieldName,
		zerolog.TimestampFieldName,
		traceIDFieldName,
		scopeFieldName,
		remoteInfoFieldName,
		localScopeFieldName,
		zerolog.MessageFieldName,
	}

	consoleWriter := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
		PartsOrder: partsOrder,
		// FormatPrepare intercepts fields just before printing to apply
		// custom formatting, like wrapping the scope in brackets.
		FormatPrepare: func(m map[string]any) error {
			if v, ok := m[traceIDFieldName].(string); ok && v != "" {
				m[traceIDFieldName] = v
			} else {
				m[traceIDFieldName] = ""
			}

			if v, ok := m[scopeFieldName].(string); ok && v != "" {
				m[scopeFieldName] = fmt.Sprintf("[%s]", v)
			} else {
				m[scopeFieldName] = ""
			}

			if v, ok := m[localScopeFieldName].(string); ok && v != "" {
				m[localScopeFieldName] = fmt.Sprintf("%s;", v)
			} else {
				m[localScopeFieldName] = ""
			}

			if v, ok := m[remoteInfoFieldName].(string); ok && v != "" {
				m[remoteInfoFieldName] = fmt.Sprintf("%s;", v)
			} else {
				m[remoteInfoFieldName] = ""
			}

			return nil
		},
		// Exclude the raw field names since FormatPrepare already placed
		// them, preventing duplicate output.
		FieldsExclude: []string{
			traceIDFieldName,
			scopeFieldName,
			remoteInfoFieldName,
			localScopeFieldName,
		},
	}

	logger := zerolog.New(consoleWriter).Hook(ctxHook{})

	if debug {
		logger = logger.Level(zerolog.DebugLevel)
	} else {
		logger = logger.Level(zerolog.InfoLevel)
	}

	return logger.With().Timestamp().Logger()
}

// WithScope is a helper for components (like the server or a resolver)
// to create a sub-logger carrying their component name.
func WithScope(logger zerolog.Logger, scope string) zerolog.Logger {
	return logger.With().Str(scopeFieldName, scope).Logger()
}

// WithLocalScope attaches a short operation name and the given context to
// the logger, for request-scoped log lines.
func WithLocalScope(
	ctx context.Context,
	logger zerolog.Logger,
	localScope string,
) zerolog.Logger {
	return logger.With().Ctx(ctx).Str(localScopeFieldName, localScope).Logger()
}

// ctxHook implements the zerolog.Hook interface. Its Run method is called
// for every log event carrying a context, allowing request-scoped values
// to be attached automatically.
type ctxHook struct{}

func (h ctxHook) Run(e *zerolog.Event, level zerolog.Level, msg string) {
	ctx := e.GetCtx()
	if ctx == nil {
		return
	}

	if traceID, ok := session.TraceIDFrom(ctx); ok {
		e.Str(traceIDFieldName, traceID)
	}

	if host, ok := session.RemoteInfoFrom(ctx); ok {
		e.Str(remoteInfoFieldName, host)
	}
}

type joinableError interface {
	Unwrap() []error
}

// ErrorUnwrapped tries to unwrap a joined error and logs each error
// separately. A plain error is logged normally.
func ErrorUnwrapped(logger *zerolog.Logger, msg string, err error) {
	logUnwrapped(logger, zerolog.ErrorLevel, msg, err)
}

// WarnUnwrapped is ErrorUnwrapped at warn level.
func WarnUnwrapped(logger *zerolog.Logger, msg string, err error) {
	logUnwrapped(logger, zerolog.WarnLevel, msg, err)
}

func logUnwrapped(logger *zerolog.Logger, level zerolog.Level, msg string, err error) {
	var joined joinableError

	if errors.As(err, &joined) {
		for _, e := range joined.Unwrap() {
			logger.WithLevel(level).Err(e).Msg(msg)
		}

		return
	}

	logger.WithLevel(level).Err(err).Msg(msg)
}
