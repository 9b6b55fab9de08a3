// Copyright 2025 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package logger wraps log/slog behind a small package-level surface (one
// function per severity) with two selectable wire formats, text and JSON,
// and optional rotation to a file via lumberjack. This narrows every other
// package's logging down to five calls instead of reaching for the
// standard "log" package the way gcsproxy/logger.go does for its one debug
// flag.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Severity names, matching cfg.LoggingConfig.Severity (SPEC_FULL.md A.2).
const (
	TRACE   = "TRACE"
	DEBUG   = "DEBUG"
	INFO    = "INFO"
	WARNING = "WARNING"
	ERROR   = "ERROR"
	OFF     = "OFF"
)

// The slog levels backing the severities above. TRACE and DEBUG sit below
// slog's built-in Info/Warn/Error; OFF sits above Error so nothing is ever
// enabled at that setting.
const (
	LevelTrace slog.Level = -8
	LevelDebug slog.Level = slog.LevelDebug // -4
	LevelInfo  slog.Level = slog.LevelInfo  // 0
	LevelWarn  slog.Level = slog.LevelWarn  // 4
	LevelError slog.Level = slog.LevelError // 8
	LevelOff   slog.Level = 1 << 10
)

var severityNames = map[slog.Level]string{
	LevelTrace: TRACE,
	LevelDebug: DEBUG,
	LevelInfo:  INFO,
	LevelWarn:  WARNING,
	LevelError: ERROR,
}

func severityName(l slog.Level) string {
	if name, ok := severityNames[l]; ok {
		return name
	}
	return l.String()
}

func setLoggingLevel(severity string, level *slog.LevelVar) {
	switch severity {
	case TRACE:
		level.Set(LevelTrace)
	case DEBUG:
		level.Set(LevelDebug)
	case WARNING:
		level.Set(LevelWarn)
	case ERROR:
		level.Set(LevelError)
	case OFF:
		level.Set(LevelOff)
	default:
		level.Set(LevelInfo)
	}
}

// RotateConfig mirrors the lumberjack knobs cfg.LoggingConfig exposes for a
// file sink.
type RotateConfig struct {
	MaxFileSizeMB   int
	BackupFileCount int
	Compress        bool
}

// loggerFactory remembers enough to rebuild defaultLogger whenever the
// format or destination changes (SetLogFormat), the way the teacher's own
// factory backs both text and JSON handlers with the same writer.
type loggerFactory struct {
	file   *lumberjack.Logger
	writer io.Writer // non-nil only when not logging to a rotated file
	format string
	level  *slog.LevelVar
}

func (f *loggerFactory) out() io.Writer {
	if f.file != nil {
		return f.file
	}
	if f.writer != nil {
		return f.writer
	}
	return os.Stderr
}

func (f *loggerFactory) createJSONOrTextHandler() slog.Handler {
	if f.format == "json" {
		return newJSONHandler(f.out(), f.level)
	}
	return newTextHandler(f.out(), f.level)
}

var defaultLoggerFactory = &loggerFactory{writer: os.Stderr, format: "text", level: new(slog.LevelVar)}
var defaultLogger = slog.New(defaultLoggerFactory.createJSONOrTextHandler())

// Init (re)configures the package-level logger to write to w. format is
// "text" or "json"; severity is one of TRACE/DEBUG/INFO/WARNING/ERROR/OFF.
func Init(format, severity string, w io.Writer) {
	defaultLoggerFactory = &loggerFactory{writer: w, format: format, level: new(slog.LevelVar)}
	setLoggingLevel(severity, defaultLoggerFactory.level)
	defaultLogger = slog.New(defaultLoggerFactory.createJSONOrTextHandler())
}

// InitLogFile points the package-level logger at a rotated file, per
// cfg.LoggingConfig's FilePath/Severity/Format plus the lumberjack knobs in
// rotate. An empty path leaves logging on stderr.
func InitLogFile(path, format, severity string, rotate RotateConfig) error {
	if path == "" {
		Init(format, severity, os.Stderr)
		return nil
	}
	file := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    rotate.MaxFileSizeMB,
		MaxBackups: rotate.BackupFileCount,
		Compress:   rotate.Compress,
	}
	defaultLoggerFactory = &loggerFactory{file: file, format: format, level: new(slog.LevelVar)}
	setLoggingLevel(severity, defaultLoggerFactory.level)
	defaultLogger = slog.New(defaultLoggerFactory.createJSONOrTextHandler())
	return nil
}

// SetLogFormat switches the wire format without touching the destination or
// severity level already configured.
func SetLogFormat(format string) {
	if format != "json" && format != "text" {
		format = "json"
	}
	defaultLoggerFactory.format = format
	defaultLogger = slog.New(defaultLoggerFactory.createJSONOrTextHandler())
}

func logf(level slog.Level, format string, args ...any) {
	if !defaultLogger.Enabled(context.Background(), level) {
		return
	}
	defaultLogger.Log(context.Background(), level, fmt.Sprintf(format, args...))
}

func Tracef(format string, args ...any) { logf(LevelTrace, format, args...) }
func Debugf(format string, args ...any) { logf(LevelDebug, format, args...) }
func Infof(format string, args ...any)  { logf(LevelInfo, format, args...) }
func Warnf(format string, args ...any)  { logf(LevelWarn, format, args...) }
func Errorf(format string, args ...any) { logf(LevelError, format, args...) }

// textHandler renders `time="..." severity=LEVEL message="..."`, one
// record per line.
type textHandler struct {
	out   io.Writer
	level *slog.LevelVar
}

func newTextHandler(out io.Writer, level *slog.LevelVar) *textHandler {
	return &textHandler{out: out, level: level}
}

func (h *textHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *textHandler) Handle(_ context.Context, r slog.Record) error {
	_, err := fmt.Fprintf(h.out, "time=%q severity=%s message=%q\n",
		r.Time.Format("2006/01/02 15:04:05.000000"), severityName(r.Level), r.Message)
	return err
}

func (h *textHandler) WithAttrs(_ []slog.Attr) slog.Handler { return h }
func (h *textHandler) WithGroup(_ string) slog.Handler      { return h }

// jsonHandler renders `{"timestamp":{"seconds":N,"nanos":N},"severity":"LEVEL","message":"..."}`.
type jsonHandler struct {
	out   io.Writer
	level *slog.LevelVar
}

func newJSONHandler(out io.Writer, level *slog.LevelVar) *jsonHandler {
	return &jsonHandler{out: out, level: level}
}

func (h *jsonHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *jsonHandler) Handle(_ context.Context, r slog.Record) error {
	_, err := fmt.Fprintf(h.out, "{\"timestamp\":{\"seconds\":%d,\"nanos\":%d},\"severity\":%q,\"message\":%q}\n",
		r.Time.Unix(), r.Time.Nanosecond(), severityName(r.Level), r.Message)
	return err
}

func (h *jsonHandler) WithAttrs(_ []slog.Attr) slog.Handler { return h }
func (h *jsonHandler) WithGroup(_ string) slog.Handler      { return h }
