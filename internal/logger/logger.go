package logger

import (
	"fmt"
	"io"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/jask/clinicbook/internal/config"
)

const timeFormat = "2006-01-02T15:04:05.000Z07:00"

// New builds a zap logger from the log section of the app config.
// Output is stdout, stderr or a file path (appended).
func New(cfg config.LogConfig) (*zap.Logger, error) {
	w, err := writer(cfg.Output)
	if err != nil {
		return nil, err
	}
	core := zapcore.NewCore(encoder(cfg.Format), w, parseLevel(cfg.Level))
	return zap.New(core,
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel),
	), nil
}

// NewWriter is New with an explicit destination; used by the TUI so logs do not
// scribble over the alt screen.
func NewWriter(cfg config.LogConfig, out io.Writer) *zap.Logger {
	core := zapcore.NewCore(encoder(cfg.Format), zapcore.AddSync(out), parseLevel(cfg.Level))
	return zap.New(core, zap.AddCaller())
}

func parseLevel(level string) zapcore.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func encoder(format string) zapcore.Encoder {
	ec := zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.TimeEncoderOfLayout(timeFormat),
		EncodeDuration: zapcore.MillisDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
	if format == "json" {
		return zapcore.NewJSONEncoder(ec)
	}
	ec.EncodeLevel = zapcore.CapitalColorLevelEncoder
	return zapcore.NewConsoleEncoder(ec)
}

func writer(output string) (zapcore.WriteSyncer, error) {
	switch strings.ToLower(output) {
	case "", "stderr":
		return zapcore.AddSync(os.Stderr), nil
	case "stdout":
		return zapcore.AddSync(os.Stdout), nil
	default:
		f, err := os.OpenFile(output, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		return zapcore.AddSync(f), nil
	}
}

// OrNop lets components accept a nil logger.
func OrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}
