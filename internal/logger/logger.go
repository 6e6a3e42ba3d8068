package logger

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/mickamy/notifybox"
)

// New builds a JSON production logger for "prod" and a console logger otherwise.
func New(env string) (*zap.Logger, error) {
	var cfg zap.Config

	if env == "prod" {
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "time"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	} else {
		cfg = zap.NewDevelopmentConfig()
	}

	return cfg.Build(zap.AddCaller())
}

// Printf adapts a zap logger to the printf-style notifybox.Logger.
func Printf(l *zap.Logger) notifybox.Logger {
	return printfLogger{l: l.WithOptions(zap.AddCallerSkip(1)).Sugar()}
}

type printfLogger struct {
	l *zap.SugaredLogger
}

func (p printfLogger) Info(_ context.Context, format string, args ...any) {
	p.l.Info(fmt.Sprintf(format, args...))
}

func (p printfLogger) Warn(_ context.Context, format string, args ...any) {
	p.l.Warn(fmt.Sprintf(format, args...))
}

func (p printfLogger) Error(_ context.Context, format string, args ...any) {
	p.l.Error(fmt.Sprintf(format, args...))
}
