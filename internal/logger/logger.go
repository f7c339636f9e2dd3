// Copyright 2023 Google Inc. All Rights Reserved.
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

// Package logger provides the process-wide structured logger every
// package in the storage core uses instead of fmt.Print or the bare log
// package: severity-filtered, text- or JSON-formatted, and backed by a
// rotating, asynchronously-flushed file so a backend never blocks on log
// I/O while holding a lock.
package logger

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/googlecloudplatform/rdbmscore/v2/cfg"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Severity levels, expressed as slog.Level so they interoperate with the
// standard handler machinery. TRACE and OFF fall outside slog's built-in
// four levels, so they're given headroom below Debug and above Error.
const (
	LevelTrace slog.Level = slog.LevelDebug - 4
	LevelDebug slog.Level = slog.LevelDebug
	LevelInfo  slog.Level = slog.LevelInfo
	LevelWarn  slog.Level = slog.LevelWarn
	LevelError slog.Level = slog.LevelError
	LevelOff   slog.Level = slog.LevelError + 4
)

// loggerFactory owns the writer (file or stderr), its rotation settings,
// and the chosen format, and knows how to build a slog.Handler for them.
type loggerFactory struct {
	file            *os.File
	sysWriter       io.Writer
	asyncLogger     *AsyncLogger
	level           cfg.LogSeverity
	format          string
	logRotateConfig cfg.LogRotateLoggingConfig
}

var defaultLoggerFactory = &loggerFactory{
	level:  cfg.InfoLogSeverity,
	format: "json",
}

var defaultLogger = slog.New(
	defaultLoggerFactory.createJsonOrTextHandler(os.Stderr, new(slog.LevelVar), ""),
)

// InitLogFile points the default logger at the file named in lc, wiring
// up lumberjack rotation and an AsyncLogger so writes never block a
// backend. An empty FilePath leaves the logger on stderr.
func InitLogFile(lc cfg.LoggingConfig) error {
	factory := &loggerFactory{
		level:           lc.Severity,
		format:          lc.Format,
		logRotateConfig: lc.LogRotate,
	}

	programLevel := new(slog.LevelVar)
	setLoggingLevel(lc.Severity, programLevel)

	var writer io.Writer = os.Stderr
	if lc.FilePath != "" {
		lj := &lumberjack.Logger{
			Filename:   string(lc.FilePath),
			MaxSize:    lc.LogRotate.MaxFileSizeMb,
			MaxBackups: lc.LogRotate.BackupFileCount,
			Compress:   lc.LogRotate.Compress,
		}
		async := NewAsyncLogger(lj, 10000)
		factory.asyncLogger = async
		writer = async

		f, err := os.OpenFile(string(lc.FilePath), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("opening log file %q: %w", lc.FilePath, err)
		}
		factory.file = f
	} else {
		factory.sysWriter = os.Stderr
	}

	defaultLoggerFactory = factory
	defaultLogger = slog.New(factory.createJsonOrTextHandler(writer, programLevel, ""))
	return nil
}

// SetLogFormat switches the active handler's format ("text" or "json",
// defaulting to "json") without touching the underlying writer or level.
func SetLogFormat(format string) {
	defaultLoggerFactory.format = format

	var writer io.Writer = os.Stderr
	if defaultLoggerFactory.asyncLogger != nil {
		writer = defaultLoggerFactory.asyncLogger
	}

	programLevel := new(slog.LevelVar)
	setLoggingLevel(defaultLoggerFactory.level, programLevel)
	defaultLogger = slog.New(defaultLoggerFactory.createJsonOrTextHandler(writer, programLevel, ""))
}

// Close flushes and releases any file-backed resources held by the
// default logger. Safe to call even if InitLogFile was never called.
func Close() error {
	if defaultLoggerFactory.asyncLogger != nil {
		return defaultLoggerFactory.asyncLogger.Close()
	}
	return nil
}

func setLoggingLevel(level cfg.LogSeverity, programLevel *slog.LevelVar) {
	switch level {
	case cfg.TraceLogSeverity:
		programLevel.Set(LevelTrace)
	case cfg.DebugLogSeverity:
		programLevel.Set(LevelDebug)
	case cfg.WarningLogSeverity:
		programLevel.Set(LevelWarn)
	case cfg.ErrorLogSeverity:
		programLevel.Set(LevelError)
	case cfg.OffLogSeverity:
		programLevel.Set(LevelOff)
	default:
		programLevel.Set(LevelInfo)
	}
}

// createJsonOrTextHandler builds a slog.Handler that renders TRACE/OFF
// levels by name (slog otherwise prints them as "DEBUG-4" etc.) and
// prefixes every message, matching the message format the storage core's
// backends expect in their log lines.
func (f *loggerFactory) createJsonOrTextHandler(w io.Writer, level *slog.LevelVar, prefix string) slog.Handler {
	replace := func(groups []string, a slog.Attr) slog.Attr {
		if a.Key == slog.LevelKey {
			a.Key = "severity"
			a.Value = slog.StringValue(severityName(a.Value.Any().(slog.Level)))
		}
		if a.Key == slog.MessageKey {
			a.Key = "message"
			a.Value = slog.StringValue(prefix + a.Value.String())
		}
		if a.Key == slog.TimeKey {
			if f.format == "text" {
				a.Value = slog.StringValue(a.Value.Time().Format("2006/01/02 15:04:05.000000"))
			} else {
				a.Key = "timestamp"
				a.Value = timestampValue(a.Value.Time())
			}
		}
		return a
	}

	opts := &slog.HandlerOptions{Level: level, ReplaceAttr: replace}
	if f.format == "text" {
		return slog.NewTextHandler(w, opts)
	}
	return slog.NewJSONHandler(w, opts)
}

func timestampValue(t time.Time) slog.Value {
	b, _ := json.Marshal(struct {
		Seconds int64 `json:"seconds"`
		Nanos   int   `json:"nanos"`
	}{t.Unix(), t.Nanosecond()})
	var raw json.RawMessage = b
	return slog.AnyValue(raw)
}

func severityName(l slog.Level) string {
	switch {
	case l <= LevelTrace:
		return "TRACE"
	case l < LevelInfo:
		return "DEBUG"
	case l < LevelWarn:
		return "INFO"
	case l < LevelError:
		return "WARNING"
	case l < LevelOff:
		return "ERROR"
	default:
		return "OFF"
	}
}

// Tracef logs at TRACE severity, the finest granularity: per-block I/O,
// per-lock-acquire bookkeeping. Off by default.
func Tracef(format string, v ...interface{}) {
	defaultLogger.Log(context.Background(), LevelTrace, fmt.Sprintf(format, v...))
}

// Debugf logs at DEBUG severity.
func Debugf(format string, v ...interface{}) {
	defaultLogger.Debug(fmt.Sprintf(format, v...))
}

// Infof logs at INFO severity.
func Infof(format string, v ...interface{}) {
	defaultLogger.Info(fmt.Sprintf(format, v...))
}

// Warnf logs at WARNING severity.
func Warnf(format string, v ...interface{}) {
	defaultLogger.Warn(fmt.Sprintf(format, v...))
}

// Errorf logs at ERROR severity.
func Errorf(format string, v ...interface{}) {
	defaultLogger.Error(fmt.Sprintf(format, v...))
}
