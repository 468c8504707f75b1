// Package dbtlog provides the structured logging used throughout the
// core. It wraps logrus the same way the teacher's runsc/boot package
// configures a package-level logger, rather than introducing a new
// logging abstraction.
package dbtlog

import (
	"github.com/sirupsen/logrus"
)

// Log is the shared logger for the translation core. Subsystems should
// call Log.WithField("subsystem", "...") rather than constructing their
// own logger, so that a single output sink and level control governs
// the whole core.
var Log = logrus.New()

// WithSubsystem returns an entry tagged with the given subsystem name,
// mirroring the per-component log lines used in Core.cpp and
// ThreadManager.cpp (e.g. "[BlockCache]", "[ThreadManager]").
func WithSubsystem(name string) *logrus.Entry {
	return Log.WithField("subsystem", name)
}
