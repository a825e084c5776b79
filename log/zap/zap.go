// Package zap adapts a *zap.Logger to syncache.Logger.
package zap

import (
	"github.com/unkn0wn-root/syncache"
	"go.uber.org/zap"
)

var _ syncache.Logger = ZapLogger{}

type ZapLogger struct{ L *zap.Logger }

// New wraps l; a nil l logs nothing.
func New(l *zap.Logger) ZapLogger {
	if l == nil {
		l = zap.NewNop()
	}
	return ZapLogger{L: l}
}

func (z ZapLogger) Debug(msg string, f syncache.Fields) { z.L.Debug(msg, zf(f)...) }
func (z ZapLogger) Info(msg string, f syncache.Fields)  { z.L.Info(msg, zf(f)...) }
func (z ZapLogger) Warn(msg string, f syncache.Fields)  { z.L.Warn(msg, zf(f)...) }
func (z ZapLogger) Error(msg string, f syncache.Fields) { z.L.Error(msg, zf(f)...) }

func (z ZapLogger) With(f syncache.Fields) syncache.Logger {
	return ZapLogger{L: z.L.With(zf(f)...)}
}

func zf(f syncache.Fields) []zap.Field {
	if len(f) == 0 {
		return nil
	}
	out := make([]zap.Field, 0, len(f))
	for k, v := range f {
		switch v := v.(type) {
		case nil:
		case error:
			out = append(out, zap.NamedError(k, v))
		default:
			out = append(out, zap.Any(k, v))
		}
	}
	return out
}
