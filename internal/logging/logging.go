// Package logging builds the zap logger shared by the chat client. The TUI
// owns the terminal, so the logger writes to a file instead of stderr.
package logging

import (
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New returns a production-encoded logger appending to logPath. Debug mode
// lowers the level so the read-receipt bookkeeping can be traced in the
// field. When the file cannot be opened the logger degrades to a no-op
// rather than fighting the TUI for the terminal.
func New(logPath string, debug bool) *zap.Logger {
	if logPath == "" {
		return zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return zap.NewNop()
	}
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return zap.NewNop()
	}

	level := zap.InfoLevel
	if debug {
		level = zap.DebugLevel
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		zapcore.AddSync(file),
		level,
	)
	return zap.New(core)
}
