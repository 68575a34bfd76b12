package util

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const DEFAULT_LOG_FILE = "vertexcentric.log"

// NewLogger logs to both the console and logPath. An empty logPath logs to
// the console only. The returned func flushes and closes the file.
func NewLogger(name string, logPath string, debug bool) (*zap.Logger, func(), error) {
	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	if debug {
		level.SetLevel(zapcore.DebugLevel)
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	cores := []zapcore.Core{
		zapcore.NewCore(
			zapcore.NewConsoleEncoder(encoderConfig),
			zapcore.Lock(os.Stdout),
			level,
		),
	}

	closeFile := func() {}
	if logPath != "" {
		sink, closeSink, err := zap.Open(logPath)
		if err != nil {
			return nil, nil, err
		}
		closeFile = closeSink
		cores = append(cores, zapcore.NewCore(
			zapcore.NewJSONEncoder(encoderConfig), sink, level,
		))
	}

	logger := zap.New(zapcore.NewTee(cores...)).Named(name)
	cleanup := func() {
		_ = logger.Sync()
		closeFile()
	}
	return logger, cleanup, nil
}
