// Package logger provides the standard-library-backed Logger the rest of
// cam2tv depends on through application.Logger: Info/Error/Debug backed
// by the standard log package, gated on a debug flag, with a Warn level
// added for the recoverable degradations this pipeline's state machine
// produces (peer-negotiation fallback, sink eviction, dropped frames).
package logger

import "log"

// StdLogger is a minimal logger over the standard log package.
type StdLogger struct {
	debugEnabled bool
}

// NewStdLogger creates a logger; debug messages are only printed when
// debugEnabled is true.
func NewStdLogger(debugEnabled bool) *StdLogger {
	return &StdLogger{debugEnabled: debugEnabled}
}

func (l *StdLogger) Info(msg string, args ...interface{}) {
	log.Printf(msg, args...)
}

func (l *StdLogger) Warn(msg string, args ...interface{}) {
	log.Printf("WARN: "+msg, args...)
}

func (l *StdLogger) Error(msg string, args ...interface{}) {
	log.Printf("ERROR: "+msg, args...)
}

func (l *StdLogger) Debug(msg string, args ...interface{}) {
	if l.debugEnabled {
		log.Printf("DEBUG: "+msg, args...)
	}
}
