package logging

import (
	"reflect"
)

// Logger is the printf-style contract every component logs through.
type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// Nop discards everything.
func Nop() Logger {
	return nopLogger{}
}

// IsNil also catches a typed nil pointer stored in the interface.
func IsNil(logger Logger) bool {
	if logger == nil {
		return true
	}
	v := reflect.ValueOf(logger)
	return v.Kind() == reflect.Ptr && v.IsNil()
}

// OrNop substitutes Nop for a nil logger.
func OrNop(logger Logger) Logger {
	if IsNil(logger) {
		return Nop()
	}
	return logger
}

// NewComponentLogger returns a logger on the shared log file tagged with
// component.
func NewComponentLogger(component string) Logger {
	return newComponentLogger(component)
}

// fanout forwards each line to every member in order.
type fanout []Logger

// Multi combines loggers, dropping nil members and flattening nested fan-outs.
// A single survivor is returned as is.
func Multi(loggers ...Logger) Logger {
	var members fanout
	for _, logger := range loggers {
		switch typed := logger.(type) {
		case fanout:
			members = append(members, typed...)
		default:
			if !IsNil(logger) {
				members = append(members, logger)
			}
		}
	}
	switch len(members) {
	case 0:
		return Nop()
	case 1:
		return members[0]
	default:
		return members
	}
}

func (f fanout) Debug(format string, args ...any) {
	for _, l := range f {
		l.Debug(format, args...)
	}
}

func (f fanout) Info(format string, args ...any) {
	for _, l := range f {
		l.Info(format, args...)
	}
}

func (f fanout) Warn(format string, args ...any) {
	for _, l := range f {
		l.Warn(format, args...)
	}
}

func (f fanout) Error(format string, args ...any) {
	for _, l := range f {
		l.Error(format, args...)
	}
}
