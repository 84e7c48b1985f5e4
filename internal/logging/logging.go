// Package logging provides the module-scoped structured logger used across
// limitd-go, handing every subsystem its own *logrus.Entry instead of a bare
// global logger.
package logging

import (
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	once   sync.Once
	base   *logrus.Logger
	initMu sync.Mutex
)

func root() *logrus.Logger {
	once.Do(func() {
		base = logrus.New()
		base.SetOutput(os.Stderr)
		base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
		base.SetLevel(levelFromEnv())
	})
	return base
}

func levelFromEnv() logrus.Level {
	switch os.Getenv("LOG_LEVEL") {
	case "debug":
		return logrus.DebugLevel
	case "error":
		return logrus.ErrorLevel
	case "info", "":
		return logrus.InfoLevel
	default:
		return logrus.InfoLevel
	}
}

// SetLevel overrides the process-wide log level. cmd/limitd calls it with
// LOG_LEVEL, falling back to the config file's log_level (see levelFromEnv
// there). An unparseable level leaves the current level unchanged.
func SetLevel(level string) {
	initMu.Lock()
	defer initMu.Unlock()
	l, err := logrus.ParseLevel(level)
	if err != nil {
		return
	}
	root().SetLevel(l)
}

// For returns a module-scoped logger tagged with module's name.
func For(module string) *logrus.Entry {
	return root().WithField("module", module)
}
