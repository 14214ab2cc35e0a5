// Package logging builds the phuslu loggers shared by the lobby, the match
// coordinators and the terminals.
package logging

import (
	"io"

	"github.com/phuslu/log"
)

// Console returns a pretty console logger at the given level ("debug",
// "info", ...). Unknown levels fall back to info.
func Console(level string) *log.Logger {
	logger := log.DefaultLogger

	// https://github.com/phuslu/log?tab=readme-ov-file#pretty-console-writer
	logger.Level = log.ParseLevel(level)
	logger.Caller = 1
	logger.TimeFormat = "15:04:05"
	logger.Writer = &log.ConsoleWriter{
		ColorOutput:    true,
		QuoteString:    true,
		EndWithMessage: true,
	}

	return &logger
}

// OrDiscard returns logger, or a silenced default logger when logger is nil
// (which is what tests usually pass).
func OrDiscard(logger *log.Logger) *log.Logger {
	if logger != nil {
		return logger
	}
	tmp := log.DefaultLogger
	tmp.Writer = &log.IOWriter{Writer: io.Discard}
	return &tmp
}

// Component derives a logger that stamps every entry with a component name
// and an optional numeric id (the match id for coordinators).
func Component(logger *log.Logger, name string, id ...int) *log.Logger {
	child := *OrDiscard(logger)

	ctx := log.NewContext(nil).Str("component", name)
	if len(id) > 0 {
		ctx = ctx.Int("id", id[0])
	}
	child.Context = ctx.Value()

	return &child
}
