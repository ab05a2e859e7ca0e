// Package logger holds the process-wide zerolog instance. Components derive
// their own sub-loggers from it with a "component" field.
package logger

import (
	"os"
	"sync"

	"github.com/rs/zerolog"
)

const timeFormat = "2006-01-02T15:04:05.000Z07:00"

var once sync.Once
var Log zerolog.Logger

// Log lines go to stderr so stdout stays free for tooling.
func configure() {
	zerolog.TimeFieldFormat = timeFormat
	Log = zerolog.New(zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: timeFormat,
	}).With().Timestamp().Logger()
}

// GetLoggerConfigured initializes the logger at the given level. Called once
// from main; later calls return the existing logger unchanged.
func GetLoggerConfigured(level zerolog.Level) *zerolog.Logger {
	once.Do(func() {
		configure()
		zerolog.SetGlobalLevel(level)
	})
	return &Log
}

// GetLogger returns the shared logger, initializing it at the default level
// if main has not configured one yet.
func GetLogger() *zerolog.Logger {
	once.Do(configure)
	return &Log
}
