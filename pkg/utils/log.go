package utils

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

type LogHandlerType string

const (
	HandlerTypeText LogHandlerType = "text"
	HandlerTypeJSON LogHandlerType = "json"
)

var (
	handlerTypeFlag = flag.String("log_handler_type", string(HandlerTypeJSON), "Log handler type: json/text")
	logLevelFlag    = flag.String("log_level", "info", "Log level: debug/info/warn/error")
)

// newLogHandler builds the handler writing to `w`. Levels are parsed by slog, so "warn+2" style offsets work too.
func newLogHandler(w io.Writer, handlerType LogHandlerType, logLevel string) (slog.Handler, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		return nil, fmt.Errorf("invalid --log_level '%s': %w", logLevel, err)
	}
	handlerOptions := &slog.HandlerOptions{Level: level}
	switch handlerType {
	case HandlerTypeJSON:
		return slog.NewJSONHandler(w, handlerOptions), nil
	case HandlerTypeText:
		return slog.NewTextHandler(w, handlerOptions), nil
	default:
		return nil, fmt.Errorf("invalid --log_handler_type '%s'; expected json or text", handlerType)
	}
}

// InitLogging configures default logger of slog. Note that this method must be called after flags are parsed.
// Invalid flag values fall back to JSON logs at info level and are reported through the returned error.
func InitLogging() error {
	handler, err := newLogHandler(os.Stdout,
		LogHandlerType(strings.ToLower(*handlerTypeFlag)), strings.ToLower(*logLevelFlag))
	if err != nil {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	}
	// `SetDefault` happens atomically and doesn't panic when called in multiple goroutines.
	slog.SetDefault(slog.New(handler))
	slog.Debug("Log handler configured successfully.", "type", *handlerTypeFlag, "logLevel", *logLevelFlag)
	return err
}
