// Package log wires the broker's structured logging: parse a level name,
// configure logrus once at process start, and hand out component-scoped
// entries.
package log

import (
	"os"

	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
)

// Configure sets the global logrus level from levelName (one of: panic,
// fatal, error, warn, info, debug, trace) and returns the root entry
// components should derive their own fields from. An invalid levelName is
// a fatal misconfiguration.
func Configure(levelName string) *logrus.Entry {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
		ForceColors:   isatty.IsTerminal(os.Stderr.Fd()),
	})

	level, err := logrus.ParseLevel(levelName)
	if err != nil {
		logger.SetLevel(logrus.InfoLevel)
		entry := logrus.NewEntry(logger)
		entry.WithError(err).WithField("requested-level", levelName).
			Fatal("invalid log-level")
		return entry
	}
	logger.SetLevel(level)
	return logrus.NewEntry(logger)
}
