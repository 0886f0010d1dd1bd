// Package logger gives every long-lived task (a µTP connection, a peer
// agent, the DHT server, a lookup) its own named logger, the way the rest
// of this codebase's ancestry does it.
package logger

import (
	golog "github.com/cenkalti/log"
)

// Logger is the interface every component logs through. It is satisfied by
// *golog.Logger; components depend on this interface, not the concrete
// type, so tests can substitute a silent or capturing logger.
type Logger interface {
	Debug(args ...interface{})
	Debugln(args ...interface{})
	Debugf(format string, args ...interface{})
	Info(args ...interface{})
	Infoln(args ...interface{})
	Infof(format string, args ...interface{})
	Warning(args ...interface{})
	Warningln(args ...interface{})
	Warningf(format string, args ...interface{})
	Error(args ...interface{})
	Errorln(args ...interface{})
	Errorf(format string, args ...interface{})
}

// New returns a logger prefixed with name, e.g. New("dht") or
// New("peer <- "+addr.String()).
func New(name string) Logger {
	l := golog.NewLogger(name)
	l.SetLevel(golog.INFO)
	return l
}

// SetLevelDebug turns on debug-level logging process-wide, used by tests
// and the orchestrator's verbose mode.
func SetLevelDebug() {
	golog.DefaultLogger.SetLevel(golog.DEBUG)
}
