// Package logging builds the zap loggers used by every qtspy binary. Logs go
// to stderr so stdout stays reserved for inspection output.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/m4xw311/qtspy/errors"
)

// New returns a console logger at level, or a JSON logger when json is set.
func New(level string, json bool) (*zap.Logger, error) {
	lvl := zap.InfoLevel
	if level != "" {
		if err := lvl.UnmarshalText([]byte(level)); err != nil {
			return nil, errors.Wrapf(err, "invalid log level %q", level)
		}
	}

	var cfg zap.Config
	if json {
		cfg = zap.NewProductionConfig()
	} else {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		cfg.DisableStacktrace = true
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}

	logger, err := cfg.Build(zap.AddStacktrace(zap.ErrorLevel))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create logger")
	}
	return logger, nil
}

// Must is New for binaries that cannot run without a logger.
func Must(level string, json bool) *zap.Logger {
	logger, err := New(level, json)
	if err != nil {
		return zap.NewNop()
	}
	return logger
}
