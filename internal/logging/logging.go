// Package logging constructs the zap loggers shared by the daemon and
// launcher binaries.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a *zap.Logger writing to w (typically the daemon's log file or
// os.Stderr for the launcher), at debug level when verbose is set and info
// level otherwise.
func New(w zapcore.WriteSyncer, verbose bool) *zap.Logger {
	level := zapcore.InfoLevel
	if verbose {
		level = zapcore.DebugLevel
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderCfg), w, level)
	return zap.New(core)
}
