// Package logging builds the zap loggers shared by all branch components.
package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/Meander-Cloud/go-branch/result"
)

const (
	FormatConsole = "console"
	FormatJSON    = "json"
)

type Config struct {
	Level  string `koanf:"level"`  // debug, info, warn, error
	Format string `koanf:"format"` // console or json
	Caller bool   `koanf:"caller"`
}

func (c *Config) ApplyDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format == "" {
		c.Format = FormatConsole
	}
}

func (c *Config) Validate() error {
	if _, err := zapcore.ParseLevel(c.Level); err != nil {
		return result.Newf(result.CodeConfigNotValid, "invalid log level=%s", c.Level)
	}

	switch c.Format {
	case FormatConsole, FormatJSON:
	default:
		return result.Newf(result.CodeConfigNotValid, "invalid log format=%s", c.Format)
	}

	return nil
}

// New creates the root logger; components derive their own via Named.
func New(c *Config) (*zap.SugaredLogger, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	level, _ := zapcore.ParseLevel(c.Level)

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	if c.Format == FormatJSON {
		encoder = zapcore.NewJSONEncoder(encoderCfg)
	} else {
		encoder = zapcore.NewConsoleEncoder(encoderCfg)
	}

	core := zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), level)

	opts := []zap.Option{}
	if c.Caller {
		opts = append(opts, zap.AddCaller())
	}

	return zap.New(core, opts...).Sugar(), nil
}

// Nop returns a logger discarding everything, for tests and embedding.
func Nop() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}
