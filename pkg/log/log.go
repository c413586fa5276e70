// Copyright 2025 Probemesh Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//   http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package log provides leveled logging on top of zap. Loggers carry key value
// context and can be attached to a context.Context.
package log

import (
	"fmt"
	"runtime/debug"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/probemesh/gateway/pkg/private/serrors"
)

// Level is the log level type. It mirrors zapcore.Level.
type Level = zapcore.Level

const (
	DebugLevel = zapcore.DebugLevel
	InfoLevel  = zapcore.InfoLevel
	ErrorLevel = zapcore.ErrorLevel
)

// Logger describes the logger interface.
type Logger interface {
	New(ctx ...any) Logger
	Debug(msg string, ctx ...any)
	Info(msg string, ctx ...any)
	Error(msg string, ctx ...any)
	Enabled(lvl Level) bool
}

type logger struct {
	logger *zap.Logger
}

func (l *logger) New(ctx ...any) Logger {
	return &logger{logger: l.logger.With(convertCtx(ctx)...)}
}

func (l *logger) Debug(msg string, ctx ...any) {
	l.logger.Debug(msg, convertCtx(ctx)...)
}

func (l *logger) Info(msg string, ctx ...any) {
	l.logger.Info(msg, convertCtx(ctx)...)
}

func (l *logger) Error(msg string, ctx ...any) {
	l.logger.Error(msg, convertCtx(ctx)...)
}

func (l *logger) Enabled(lvl Level) bool {
	return l.logger.Core().Enabled(lvl)
}

func convertCtx(ctx []any) []zap.Field {
	fields := make([]zap.Field, 0, len(ctx)/2)
	for i := 0; i+1 < len(ctx); i += 2 {
		fields = append(fields, zap.Any(fmt.Sprint(ctx[i]), ctx[i+1]))
	}
	return fields
}

var root = zap.NewNop()

// Setup configures the logging library with the given config.
func Setup(cfg Config) error {
	cfg.InitDefaults()
	zCfg := zap.NewProductionConfig()
	zCfg.Encoding = "console"
	zCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zCfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	zCfg.DisableStacktrace = true
	lvl, err := zapcore.ParseLevel(cfg.Console.Level)
	if err != nil {
		return serrors.Wrap("parsing log level", err, "level", cfg.Console.Level)
	}
	zCfg.Level = zap.NewAtomicLevelAt(lvl)
	l, err := zCfg.Build()
	if err != nil {
		return serrors.Wrap("creating logger", err)
	}
	root = l
	return nil
}

// Root returns the root logger. It's a logger without any context. Root is
// guaranteed to never return nil.
func Root() Logger {
	return &logger{logger: root}
}

// New creates a logger with the given context on top of the root logger.
func New(ctx ...any) Logger {
	return Root().New(ctx...)
}

// Debug logs at debug level on the root logger.
func Debug(msg string, ctx ...any) {
	Root().Debug(msg, ctx...)
}

// Info logs at info level on the root logger.
func Info(msg string, ctx ...any) {
	Root().Info(msg, ctx...)
}

// Error logs at error level on the root logger.
func Error(msg string, ctx ...any) {
	Root().Error(msg, ctx...)
}

// Discard sets the logger up to discard all log entries. This is useful for
// testing.
func Discard() {
	root = zap.NewNop()
}

// Flush writes the logs to the underlying buffer.
func Flush() error {
	return root.Sync()
}

// HandlePanic catches panics and logs them. It should be deferred at the start
// of every goroutine.
func HandlePanic() {
	if msg := recover(); msg != nil {
		root.Error("Panic", zap.Any("msg", msg), zap.ByteString("stack", debug.Stack()))
		_ = root.Sync()
		panic(msg)
	}
}
