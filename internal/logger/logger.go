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

// Package logger provides the process-wide structured logger used by the
// mount command and the dispatcher. It wraps log/slog with a TRACE level
// below slog's built-in Debug, a choice of text or JSON output, and an
// optional rotation-backed async sink for the log file destination.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"time"
)

// Severity levels, ordered coarsest-to-finest disabled to finest enabled.
const (
	OFF     = "OFF"
	ERROR   = "ERROR"
	WARNING = "WARNING"
	INFO    = "INFO"
	DEBUG   = "DEBUG"
	TRACE   = "TRACE"
)

// slog has no built-in trace level; LevelTrace sits one rung below
// slog.LevelDebug the same way slog.LevelWarn sits one rung above LevelInfo.
const (
	LevelTrace = slog.Level(-8)
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelWarn  = slog.LevelWarn
	LevelError = slog.LevelError
)

var levelNames = map[slog.Leveler]string{
	LevelTrace: "TRACE",
	LevelWarn:  "WARNING",
}

func replaceAttr(groups []string, a slog.Attr) slog.Attr {
	if a.Key == slog.LevelKey {
		level := a.Value.Any().(slog.Level)
		a.Key = "severity"
		if name, ok := levelNames[level]; ok {
			a.Value = slog.StringValue(name)
		} else {
			a.Value = slog.StringValue(level.String())
		}
	}
	if a.Key == slog.MessageKey {
		a.Key = "message"
	}
	if a.Key == slog.TimeKey {
		a.Key = "time"
		if t, ok := a.Value.Any().(time.Time); ok {
			a.Value = slog.StringValue(t.Format("01/02 15:04:05.000000"))
		}
	}
	return a
}

type loggerFactory struct {
	format string // "text" or "json"
	prefix string
}

func (f *loggerFactory) createJsonOrTextHandler(w io.Writer, level slog.Leveler, prefix string) slog.Handler {
	opts := &slog.HandlerOptions{Level: level, ReplaceAttr: replaceAttr}
	if f.format == "json" {
		return &prefixHandler{prefix: prefix, Handler: slog.NewJSONHandler(w, opts)}
	}
	return &prefixHandler{prefix: prefix, Handler: slog.NewTextHandler(w, opts)}
}

// prefixHandler prepends a fixed prefix to every record's message when the
// prefix is non-empty; every handler this package builds passes an empty
// prefix.
type prefixHandler struct {
	prefix string
	slog.Handler
}

func (h *prefixHandler) Handle(ctx context.Context, r slog.Record) error {
	if h.prefix != "" {
		r.Message = h.prefix + r.Message
	}
	return h.Handler.Handle(ctx, r)
}

func (h *prefixHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &prefixHandler{prefix: h.prefix, Handler: h.Handler.WithAttrs(attrs)}
}

func (h *prefixHandler) WithGroup(name string) slog.Handler {
	return &prefixHandler{prefix: h.prefix, Handler: h.Handler.WithGroup(name)}
}

var (
	programLevel         = new(slog.LevelVar)
	defaultLoggerFactory = &loggerFactory{format: "text"}
	defaultLogger        = slog.New(defaultLoggerFactory.createJsonOrTextHandler(os.Stderr, programLevel, ""))
)

func setLoggingLevel(level string, v *slog.LevelVar) {
	switch level {
	case TRACE:
		v.Set(LevelTrace)
	case DEBUG:
		v.Set(LevelDebug)
	case INFO:
		v.Set(LevelInfo)
	case WARNING:
		v.Set(LevelWarn)
	case ERROR:
		v.Set(LevelError)
	case OFF:
		v.Set(slog.Level(math.MaxInt))
	}
}

// Init (re)configures the default logger: output destination, format
// ("text" or "json"), and minimum severity. w may be an *AsyncLogger when
// file rotation is in play, or os.Stderr for interactive runs.
func Init(w io.Writer, format, level string) {
	defaultLoggerFactory = &loggerFactory{format: format}
	setLoggingLevel(level, programLevel)
	defaultLogger = slog.New(defaultLoggerFactory.createJsonOrTextHandler(w, programLevel, ""))
}

func Tracef(format string, v ...any) {
	defaultLogger.Log(context.Background(), LevelTrace, fmt.Sprintf(format, v...))
}
func Debugf(format string, v ...any) { defaultLogger.Debug(fmt.Sprintf(format, v...)) }
func Infof(format string, v ...any)  { defaultLogger.Info(fmt.Sprintf(format, v...)) }
func Warnf(format string, v ...any)  { defaultLogger.Warn(fmt.Sprintf(format, v...)) }
func Errorf(format string, v ...any) { defaultLogger.Error(fmt.Sprintf(format, v...)) }

func Tracew(msg string, args ...any) { defaultLogger.Log(context.Background(), LevelTrace, msg, args...) }
func Debugw(msg string, args ...any) { defaultLogger.Debug(msg, args...) }
func Infow(msg string, args ...any)  { defaultLogger.Info(msg, args...) }
func Warnw(msg string, args ...any)  { defaultLogger.Warn(msg, args...) }
func Errorw(msg string, args ...any) { defaultLogger.Error(msg, args...) }
