// Package logging builds the zap logger used by the CLI and the server.
package logging

import (
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Config struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
	// File, when set, receives log output instead of stderr and is rotated.
	File       string `yaml:"file" mapstructure:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" mapstructure:"max_backups"`
}

// New returns a logger for cfg. Empty fields fall back to info level and
// console output on stderr.
func New(cfg Config) (*zap.Logger, error) {
	return NewWithWriter(cfg, nil)
}

// NewWithWriter is New with an explicit sink. A nil w selects stderr or the
// rotated file.
func NewWithWriter(cfg Config, w io.Writer) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		l, err := zapcore.ParseLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("log level: %w", err)
		}
		level = l
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	var enc zapcore.Encoder
	switch cfg.Format {
	case "", "console":
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	case "json":
		enc = zapcore.NewJSONEncoder(encCfg)
	default:
		return nil, fmt.Errorf("log format %q: want console or json", cfg.Format)
	}

	var sink zapcore.WriteSyncer
	switch {
	case w != nil:
		sink = zapcore.AddSync(w)
	case cfg.File != "":
		sink = zapcore.AddSync(&lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    orDefault(cfg.MaxSizeMB, 10),
			MaxBackups: orDefault(cfg.MaxBackups, 3),
		})
	default:
		sink = zapcore.Lock(os.Stderr)
	}

	core := zapcore.NewCore(enc, sink, zap.NewAtomicLevelAt(level))
	return zap.New(core, zap.ErrorOutput(zapcore.Lock(os.Stderr))), nil
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
