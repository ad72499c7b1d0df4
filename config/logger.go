package config

import (
	"io"

	"github.com/rs/zerolog"
)

// Log levels accepted in ClientConfig.LogLevel.
const (
	LogVerbose = 0 // everything, for integration work
	LogKey     = 1 // key lifecycle events only
	LogNone    = 2
)

// Level maps LogLevel onto zerolog.
func (c *ClientConfig) Level() zerolog.Level {
	switch c.LogLevel {
	case LogVerbose:
		return zerolog.DebugLevel
	case LogKey:
		return zerolog.InfoLevel
	default:
		return zerolog.Disabled
	}
}

// NewLogger builds the SDK logger writing to w.
func (c *ClientConfig) NewLogger(w io.Writer) zerolog.Logger {
	return zerolog.New(w).Level(c.Level()).With().Timestamp().Str("sdk", "chatsync").Logger()
}
