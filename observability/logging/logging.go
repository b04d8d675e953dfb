package logging

import (
	"io"
	"log"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// FileConfig enables a rotating on-disk copy of the log stream.
type FileConfig struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Setup configures the standard library logger to emit structured JSON and returns
// the underlying slog.Logger for richer logging within the service. All log lines
// include the service name and environment when provided.
func Setup(service, env string) *slog.Logger {
	logger, _ := setup(os.Stdout, service, env, FileConfig{})
	return logger
}

// SetupWithFile behaves like Setup and additionally tees every record into a
// lumberjack-rotated file when file.Path is set. The returned closer releases the
// file handle and is never nil.
func SetupWithFile(service, env string, file FileConfig) (*slog.Logger, io.Closer) {
	return setup(os.Stdout, service, env, file)
}

// SetupWriter is SetupWithFile with an explicit primary destination.
func SetupWriter(dst io.Writer, service, env string, file FileConfig) (*slog.Logger, io.Closer) {
	return setup(dst, service, env, file)
}

func setup(dst io.Writer, service, env string, file FileConfig) (*slog.Logger, io.Closer) {
	var closer io.Closer = nopCloser{}
	out := dst
	if path := strings.TrimSpace(file.Path); path != "" {
		rotating := &lumberjack.Logger{
			Filename:   path,
			MaxSize:    file.MaxSizeMB,
			MaxBackups: file.MaxBackups,
			MaxAge:     file.MaxAgeDays,
			Compress:   file.Compress,
		}
		out = io.MultiWriter(dst, rotating)
		closer = rotating
	}

	handler := slog.NewJSONHandler(out, &slog.HandlerOptions{
		AddSource:   false,
		ReplaceAttr: renameAttr,
	})

	attrs := []slog.Attr{
		slog.String("service", strings.TrimSpace(service)),
	}
	if env = strings.TrimSpace(env); env != "" {
		attrs = append(attrs, slog.String("env", env))
	}

	withArgs := make([]any, 0, len(attrs))
	for _, attr := range attrs {
		withArgs = append(withArgs, attr)
	}

	base := slog.New(handler).With(withArgs...)
	slog.SetDefault(base)

	stdBridge := slog.NewLogLogger(handler.WithAttrs(attrs), slog.LevelInfo)
	stdBridge.SetFlags(0)
	log.SetOutput(stdBridge.Writer())
	log.SetFlags(0)
	log.SetPrefix("")

	return base, closer
}

func renameAttr(groups []string, attr slog.Attr) slog.Attr {
	switch attr.Key {
	case slog.TimeKey:
		return slog.Attr{Key: "timestamp", Value: attr.Value}
	case slog.LevelKey:
		return slog.String("severity", strings.ToUpper(attr.Value.String()))
	case slog.MessageKey:
		return slog.Attr{Key: "message", Value: attr.Value}
	}
	return redactAttr(attr)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
