// Package logging provides the structured logging infrastructure shared
// by every component of the sync agent. It is built on logrus, following
// the same output-routing and context-field conventions the rest of this
// codebase's ancestry uses: errors to stderr, everything else to stdout,
// so containerized runs can separate the two streams.
package logging

import (
	"bytes"
	"context"
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

// outputSplitter routes logrus-formatted lines to stderr when they carry
// an error level and to stdout otherwise.
type outputSplitter struct{}

func (outputSplitter) Write(p []byte) (int, error) {
	if bytes.Contains(p, []byte("level=error")) || bytes.Contains(p, []byte(`"level":"error"`)) {
		return os.Stderr.Write(p)
	}
	return os.Stdout.Write(p)
}

// Level is a logging verbosity, kept distinct from logrus.Level so config
// packages don't need to import logrus directly.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Config controls how New builds the base logger.
type Config struct {
	Level  Level
	Format string // "json" or "text"
}

// New builds a logrus.Logger configured per cfg, with output routed
// through outputSplitter.
func New(cfg Config) *logrus.Logger {
	logger := logrus.New()

	switch cfg.Level {
	case LevelDebug:
		logger.SetLevel(logrus.DebugLevel)
	case LevelWarn:
		logger.SetLevel(logrus.WarnLevel)
	case LevelError:
		logger.SetLevel(logrus.ErrorLevel)
	default:
		logger.SetLevel(logrus.InfoLevel)
	}

	if cfg.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{TimestampFormat: time.RFC3339, FullTimestamp: true})
	}

	logger.SetOutput(outputSplitter{})
	return logger
}

// ContextLogger carries a base set of structured fields (component, run
// id, step, endpoint, ...) through a call chain without every function
// needing to thread them explicitly.
type ContextLogger struct {
	logger *logrus.Logger
	fields logrus.Fields
}

// NewContext wraps logger with an immutable base field set.
func NewContext(logger *logrus.Logger, fields map[string]interface{}) *ContextLogger {
	if logger == nil {
		logger = New(Config{Level: LevelInfo, Format: "text"})
	}
	base := make(logrus.Fields, len(fields))
	for k, v := range fields {
		base[k] = v
	}
	return &ContextLogger{logger: logger, fields: base}
}

func (cl *ContextLogger) clone() logrus.Fields {
	next := make(logrus.Fields, len(cl.fields))
	for k, v := range cl.fields {
		next[k] = v
	}
	return next
}

// WithField returns a derived logger with one additional field.
func (cl *ContextLogger) WithField(key string, value interface{}) *ContextLogger {
	next := cl.clone()
	next[key] = value
	return &ContextLogger{logger: cl.logger, fields: next}
}

// WithFields returns a derived logger with several additional fields.
func (cl *ContextLogger) WithFields(fields map[string]interface{}) *ContextLogger {
	next := cl.clone()
	for k, v := range fields {
		next[k] = v
	}
	return &ContextLogger{logger: cl.logger, fields: next}
}

// WithError attaches an error's message as a field.
func (cl *ContextLogger) WithError(err error) *ContextLogger {
	if err == nil {
		return cl
	}
	return cl.WithField("error", err.Error())
}

// WithContext pulls well-known trace identifiers out of ctx, if present.
func (cl *ContextLogger) WithContext(ctx context.Context) *ContextLogger {
	next := cl.clone()
	if runID := ctx.Value(ctxKeyRunID); runID != nil {
		next["run_id"] = runID
	}
	return &ContextLogger{logger: cl.logger, fields: next}
}

type ctxKey int

const ctxKeyRunID ctxKey = iota

// WithRunID returns a context carrying run_id for WithContext to pick up.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, ctxKeyRunID, runID)
}

func (cl *ContextLogger) Debug(msg string)                       { cl.logger.WithFields(cl.fields).Debug(msg) }
func (cl *ContextLogger) Debugf(f string, a ...interface{})      { cl.logger.WithFields(cl.fields).Debugf(f, a...) }
func (cl *ContextLogger) Info(msg string)                        { cl.logger.WithFields(cl.fields).Info(msg) }
func (cl *ContextLogger) Infof(f string, a ...interface{})       { cl.logger.WithFields(cl.fields).Infof(f, a...) }
func (cl *ContextLogger) Warn(msg string)                        { cl.logger.WithFields(cl.fields).Warn(msg) }
func (cl *ContextLogger) Warnf(f string, a ...interface{})       { cl.logger.WithFields(cl.fields).Warnf(f, a...) }
func (cl *ContextLogger) Error(msg string)                       { cl.logger.WithFields(cl.fields).Error(msg) }
func (cl *ContextLogger) Errorf(f string, a ...interface{})      { cl.logger.WithFields(cl.fields).Errorf(f, a...) }
