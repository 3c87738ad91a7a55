package logger

import (
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LoggerConfig selects where batch and task events go. It mirrors the
// logging section of the config file plus the --verbose console switch.
type LoggerConfig struct {
	Level      string // debug, info, warn or error
	FilePath   string // rotated JSON log; empty logs to stdout only
	MaxSize    int    // MB per file before rotation
	MaxBackups int
	MaxAge     int // days
	Compress   bool
	Console    bool // mirror entries to stdout
}

// NewLogger builds the process logger shared by the CLI, the orchestrator
// workers and the web server. Entries are JSON so per-file task failures
// can be filtered by the "file" and "batch" fields.
func NewLogger(config LoggerConfig) (*logrus.Logger, error) {
	logger := logrus.New()

	level, err := logrus.ParseLevel(config.Level)
	if err != nil {
		return nil, err
	}
	logger.SetLevel(level)

	logger.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: "2006-01-02 15:04:05",
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime:  "timestamp",
			logrus.FieldKeyLevel: "level",
			logrus.FieldKeyMsg:   "message",
			logrus.FieldKeyFunc:  "function",
		},
	})

	var writers []io.Writer

	if config.FilePath != "" {
		dir := filepath.Dir(config.FilePath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}

		fileWriter := &lumberjack.Logger{
			Filename:   config.FilePath,
			MaxSize:    config.MaxSize,
			MaxBackups: config.MaxBackups,
			MaxAge:     config.MaxAge,
			Compress:   config.Compress,
		}
		writers = append(writers, fileWriter)
	}

	if config.Console || config.FilePath == "" {
		writers = append(writers, os.Stdout)
	}

	if len(writers) > 1 {
		logger.SetOutput(io.MultiWriter(writers...))
	} else if len(writers) == 1 {
		logger.SetOutput(writers[0])
	}

	return logger, nil
}

// WithFields is a shorthand kept for call sites that build ad hoc fields.
func WithFields(logger *logrus.Logger, fields logrus.Fields) *logrus.Entry {
	return logger.WithFields(fields)
}

// WithFile tags an entry with the input identifier of one task.
func WithFile(logger *logrus.Logger, filePath string) *logrus.Entry {
	return logger.WithField("file", filePath)
}

// WithOperation tags an entry with a stage name such as "run_batch".
func WithOperation(logger *logrus.Logger, operation string) *logrus.Entry {
	return logger.WithField("operation", operation)
}

// WithBatch tags an entry with the batch id and the knob it ran with.
func WithBatch(logger *logrus.Logger, batchID string, quality int) *logrus.Entry {
	return logger.WithFields(logrus.Fields{
		"batch":   batchID,
		"quality": quality,
	})
}

// WithFileOperation combines WithFile and WithOperation for per-task stages.
func WithFileOperation(logger *logrus.Logger, filePath, operation string) *logrus.Entry {
	return logger.WithFields(logrus.Fields{
		"file":      filePath,
		"operation": operation,
	})
}

// NewDiscardLogger is used by tests and library callers that want no output.
func NewDiscardLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// DefaultConfig matches the logging defaults of config.DefaultConfig with
// console output on.
func DefaultConfig() LoggerConfig {
	return LoggerConfig{
		Level:      "info",
		FilePath:   "bulk-squeeze.log",
		MaxSize:    10,
		MaxBackups: 3,
		MaxAge:     30,
		Compress:   true,
		Console:    true,
	}
}
