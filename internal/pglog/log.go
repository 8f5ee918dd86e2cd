// Structured logging for pgpool2, on top of zap.
package pglog

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger wraps a zap.SugaredLogger with a runtime-adjustable level, so
// the watchdog and the session workers can share one sink but the
// operator can raise verbosity without a restart.
type Logger struct {
	*zap.SugaredLogger
	level zap.AtomicLevel
}

func GetLogger() *Logger {
	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	config := zap.Config{
		Level: level,
		// don't panic on DPanic-equivalent calls in this daemon
		Development: false,
		// useful when debugging many frontend workers interleaved
		// in one process
		DisableCaller: false,
		DisableStacktrace: true,
		Encoding: "console",
		EncoderConfig: zap.NewProductionEncoderConfig(),
		OutputPaths: []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}
	config.EncoderConfig.TimeKey = "ts"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	zlogger, err := config.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	zslogger := zlogger.Sugar()
	return &Logger{SugaredLogger: zslogger, level: level}
}

func GetLoggerWithLevel(level string) *Logger {
	l := GetLogger()
	l.SetLevel(level)
	return l
}

func (l *Logger) SetLevel(level string) {
	switch level {
	case "error":
		l.level.SetLevel(zap.ErrorLevel)
	case "warn":
		l.level.SetLevel(zap.WarnLevel)
	case "info":
		l.level.SetLevel(zap.InfoLevel)
	case "debug":
		l.level.SetLevel(zap.DebugLevel)
	default:
		l.Fatalf("invalid log level: %v", level)
	}
}

// Named returns a child logger tagged with a component name, e.g.
// "watchdog" or "worker.3", so log lines from the many concurrent
// session workers and the watchdog event loop can be told apart.
func (l *Logger) Named(name string) *Logger {
	return &Logger{SugaredLogger: l.SugaredLogger.Named(name), level: l.level}
}
