// Package logging wires logrus the way dendrite's own internal/logging.go
// does: stdout/stderr split by level via MFAshby/stdemuxerhook, plus one
// daily-rotated file sink per internal/config.Logging entry via
// matrix-org/dugong, so an operator can point structured JSON logs at a
// log-shipper while still tailing a readable console stream.
package logging

import (
	"os"
	"time"

	"github.com/MFAshby/stdemuxerhook"
	"github.com/matrix-org/dugong"
	log "github.com/sirupsen/logrus"

	"github.com/matrixcore/matrixcore/internal/config"
)

// SetupStdLogging points logrus's own output at stdout and installs the
// stdemuxerhook split (warn/error/fatal to stderr, everything else to
// stdout), matching the teacher's two-call setup sequence.
func SetupStdLogging() {
	log.SetOutput(os.Stdout)
	log.AddHook(stdemuxerhook.New(log.StandardLogger()))
}

// SetupHookLogging adds one rotating file hook per entry in hooks. A hook
// with no Dir is a console-only entry and is skipped here since
// SetupStdLogging already covers stdout/stderr.
func SetupHookLogging(hooks []config.Logging) {
	for _, hook := range hooks {
		if hook.Dir == "" {
			continue
		}
		level, err := log.ParseLevel(hook.Level)
		if err != nil {
			log.WithError(err).WithField("level", hook.Level).Warn("logging: unrecognised level, defaulting to info")
			level = log.InfoLevel
		}
		if err := os.MkdirAll(hook.Dir, 0o750); err != nil {
			log.WithError(err).WithField("dir", hook.Dir).Warn("logging: could not create log directory, skipping file hook")
			continue
		}
		log.AddHook(newLevelFilterHook(level, dugong.NewFSHook(
			hook.Dir,
			&log.JSONFormatter{TimestampFormat: time.RFC3339},
			&dugong.DailyRotationScheme{Compress: true},
		)))
	}
}

// levelFilterHook restricts an underlying hook to levels at or above
// minLevel, since dugong.NewFSHook itself fires on every level logrus
// passes to it.
type levelFilterHook struct {
	minLevel log.Level
	inner    log.Hook
}

func newLevelFilterHook(minLevel log.Level, inner log.Hook) log.Hook {
	return &levelFilterHook{minLevel: minLevel, inner: inner}
}

func (h *levelFilterHook) Levels() []log.Level {
	levels := make([]log.Level, 0, len(log.AllLevels))
	for _, l := range log.AllLevels {
		if l <= h.minLevel {
			levels = append(levels, l)
		}
	}
	return levels
}

func (h *levelFilterHook) Fire(entry *log.Entry) error {
	return h.inner.Fire(entry)
}
