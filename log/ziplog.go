// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package log

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/luxfi/log"
	zap "github.com/luxfi/zap"
	"go.uber.org/zap/zapcore"
)

// ZapLog is the log.Logger implementation cmd/scsync wires up: JSON to
// stderr, level-filterable at runtime, the real counterpart to NoLog.
type ZapLog struct {
	z     *zap.Logger
	level zap.AtomicLevel
}

// NewZapLogger returns a ZapLog writing JSON-encoded records to stderr at
// info level, tagged with component.
func NewZapLogger(component string) log.Logger {
	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey = "ts"
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewJSONEncoder(cfg), zapcore.Lock(os.Stderr), level)
	z := zap.New(core).With(zap.String("component", component))
	return &ZapLog{z: z, level: level}
}

func toZapFields(ctx []interface{}) []zap.Field {
	fields := make([]zap.Field, 0, len(ctx))
	for i := 0; i < len(ctx); i++ {
		if f, ok := ctx[i].(zap.Field); ok {
			fields = append(fields, f)
			continue
		}
		if key, ok := ctx[i].(string); ok && i+1 < len(ctx) {
			fields = append(fields, zap.Any(key, ctx[i+1]))
			i++
			continue
		}
		fields = append(fields, zap.Any(fmt.Sprintf("arg%d", i), ctx[i]))
	}
	return fields
}

func (l *ZapLog) With(ctx ...interface{}) log.Logger {
	return &ZapLog{z: l.z.With(toZapFields(ctx)...), level: l.level}
}

func (l *ZapLog) New(ctx ...interface{}) log.Logger { return l.With(ctx...) }

func (l *ZapLog) Log(level slog.Level, msg string, ctx ...interface{}) {
	switch {
	case level >= slog.LevelError:
		l.Error(msg, ctx...)
	case level >= slog.LevelWarn:
		l.Warn(msg, ctx...)
	case level >= slog.LevelInfo:
		l.Info(msg, ctx...)
	default:
		l.Debug(msg, ctx...)
	}
}

func (l *ZapLog) Trace(msg string, ctx ...interface{}) { l.z.Debug(msg, toZapFields(ctx)...) }
func (l *ZapLog) Debug(msg string, ctx ...interface{}) { l.z.Debug(msg, toZapFields(ctx)...) }
func (l *ZapLog) Info(msg string, ctx ...interface{})  { l.z.Info(msg, toZapFields(ctx)...) }
func (l *ZapLog) Warn(msg string, ctx ...interface{})  { l.z.Warn(msg, toZapFields(ctx)...) }
func (l *ZapLog) Error(msg string, ctx ...interface{}) { l.z.Error(msg, toZapFields(ctx)...) }
func (l *ZapLog) Crit(msg string, ctx ...interface{})  { l.z.Error(msg, toZapFields(ctx)...) }

func (l *ZapLog) WriteLog(level slog.Level, msg string, attrs ...any) { l.Log(level, msg, attrs...) }

func (l *ZapLog) Enabled(_ context.Context, level slog.Level) bool {
	return l.level.Enabled(zapSlogToZapLevel(level))
}

func (l *ZapLog) Handler() slog.Handler { return nil }

func (l *ZapLog) Fatal(msg string, fields ...zap.Field) { l.z.Fatal(msg, fields...) }
func (l *ZapLog) Verbo(msg string, fields ...zap.Field) { l.z.Debug(msg, fields...) }

func (l *ZapLog) WithFields(fields ...zap.Field) log.Logger {
	return &ZapLog{z: l.z.With(fields...), level: l.level}
}

func (l *ZapLog) WithOptions(opts ...zap.Option) log.Logger {
	return &ZapLog{z: l.z.WithOptions(opts...), level: l.level}
}

func (l *ZapLog) SetLevel(level slog.Level) { l.level.SetLevel(zapSlogToZapLevel(level)) }
func (l *ZapLog) GetLevel() slog.Level      { return zapZapToSlogLevel(l.level.Level()) }

func (l *ZapLog) EnabledLevel(lvl slog.Level) bool { return l.Enabled(context.Background(), lvl) }

func (l *ZapLog) StopOnPanic() {}

func (l *ZapLog) RecoverAndPanic(f func()) {
	defer func() {
		if r := recover(); r != nil {
			l.z.Error("recovered panic, re-panicking", zap.Any("panic", r))
			panic(r)
		}
	}()
	f()
}

func (l *ZapLog) RecoverAndExit(f, exit func()) {
	defer func() {
		if r := recover(); r != nil {
			l.z.Error("recovered panic, exiting", zap.Any("panic", r))
			exit()
		}
	}()
	f()
}

func (l *ZapLog) Stop() { _ = l.z.Sync() }

func (l *ZapLog) Write(p []byte) (int, error) {
	l.z.Info(string(p))
	return len(p), nil
}

func zapSlogToZapLevel(level slog.Level) zapcore.Level {
	switch {
	case level >= slog.LevelError:
		return zapcore.ErrorLevel
	case level >= slog.LevelWarn:
		return zapcore.WarnLevel
	case level >= slog.LevelInfo:
		return zapcore.InfoLevel
	default:
		return zapcore.DebugLevel
	}
}

func zapZapToSlogLevel(level zapcore.Level) slog.Level {
	switch level {
	case zapcore.ErrorLevel:
		return slog.LevelError
	case zapcore.WarnLevel:
		return slog.LevelWarn
	case zapcore.InfoLevel:
		return slog.LevelInfo
	default:
		return slog.LevelDebug
	}
}

var _ log.Logger = (*ZapLog)(nil)
