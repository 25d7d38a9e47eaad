package config

import (
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// WatchLogLevel re-reads log.level whenever the config file changes and
// applies it to level. Without a config file it does nothing. c.Log keeps the
// level read at startup; level holds the live one.
func (c *Config) WatchLogLevel(level zap.AtomicLevel, logger *zap.Logger) {
	if c.v == nil || c.v.ConfigFileUsed() == "" {
		return
	}

	c.v.OnConfigChange(func(e fsnotify.Event) {
		c.applyLogLevel(level, logger, e.Name)
	})
	c.v.WatchConfig()
}

func (c *Config) applyLogLevel(level zap.AtomicLevel, logger *zap.Logger, source string) {
	raw := c.v.GetString("log.level")
	lvl, err := zapcore.ParseLevel(raw)
	if err != nil {
		logger.Warn("Ignoring invalid log level", zap.String("level", raw), zap.String("file", source))
		return
	}
	if lvl == level.Level() {
		return
	}
	level.SetLevel(lvl)
	logger.Info("Log level changed", zap.String("level", lvl.String()), zap.String("file", source))
}
