// Package logging owns the process-wide zap logger used by pveprov.
package logging

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Logger is the global logger. It is a no-op until Initialize is called so
	// packages can log safely from init paths and tests.
	Logger *zap.SugaredLogger
	// JSONOutput reports whether Initialize selected the JSON encoder.
	JSONOutput bool
)

func init() {
	Logger = zap.NewNop().Sugar()
}

// Initialize sets up the global logger. jsonOutput selects zap's production
// JSON config; otherwise a console encoder writes to stderr so stdout stays
// free for command output (fetched JSON, rendered manifests).
func Initialize(jsonOutput bool, level string) error {
	lvl, err := ParseLevel(level)
	if err != nil {
		return err
	}
	JSONOutput = jsonOutput

	var zl *zap.Logger
	if jsonOutput {
		cfg := zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(lvl)
		cfg.OutputPaths = []string{"stderr"}
		cfg.ErrorOutputPaths = []string{"stderr"}
		zl, err = cfg.Build()
		if err != nil {
			return err
		}
	} else {
		encCfg := zap.NewDevelopmentEncoderConfig()
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encCfg.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
		encCfg.EncodeCaller = nil
		zl = zap.New(zapcore.NewCore(
			zapcore.NewConsoleEncoder(encCfg),
			zapcore.AddSync(os.Stderr),
			lvl,
		))
	}

	Logger = zl.Sugar()
	return nil
}

// ParseLevel maps a level name to a zap level. Empty means info.
func ParseLevel(level string) (zapcore.Level, error) {
	level = strings.TrimSpace(strings.ToLower(level))
	if level == "" {
		return zap.InfoLevel, nil
	}
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return zap.InfoLevel, err
	}
	return lvl, nil
}

// Named returns a child of the global logger tagged with a component name.
func Named(component string) *zap.SugaredLogger {
	return Logger.Named(component)
}

// Sync flushes buffered log entries. Errors from syncing stderr are ignored.
func Sync() {
	_ = Logger.Sync()
}
