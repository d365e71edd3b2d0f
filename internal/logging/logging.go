// Package logging builds the component loggers used across ghostsync.
//
// Every component logs through a *log.Logger prefixed with "[component] ".
// Loggers built from the same Options share one writer, so a rotating log
// file is opened once per process.
package logging

import (
	"io"
	"log"
	"os"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options controls where log lines go.
type Options struct {
	// File, when set, receives log lines through a rotating writer
	File string

	// MaxSizeMB is the size at which File is rotated (default 10)
	MaxSizeMB int

	// MaxBackups is the number of rotated files kept (default 3)
	MaxBackups int

	// MaxAgeDays removes rotated files older than this; 0 keeps them
	MaxAgeDays int

	// Stderr also copies lines to stderr when File is set
	Stderr bool

	// Quiet discards everything
	Quiet bool
}

// Factory creates component loggers over one shared writer.
type Factory struct {
	out    io.Writer
	closer io.Closer
	once   sync.Once
}

// NewFactory opens the writer described by opts.
func NewFactory(opts Options) *Factory {
	f := &Factory{}
	switch {
	case opts.Quiet:
		f.out = io.Discard
	case opts.File != "":
		rotator := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    orDefault(opts.MaxSizeMB, 10),
			MaxBackups: orDefault(opts.MaxBackups, 3),
			MaxAge:     opts.MaxAgeDays,
		}
		f.closer = rotator
		f.out = rotator
		if opts.Stderr {
			f.out = io.MultiWriter(rotator, os.Stderr)
		}
	default:
		f.out = os.Stderr
	}
	return f
}

// Logger returns a logger for component.
func (f *Factory) Logger(component string) *log.Logger {
	return log.New(f.out, Prefix(component), log.LstdFlags)
}

// Writer returns the shared writer.
func (f *Factory) Writer() io.Writer { return f.out }

// Close closes the log file, if any.
func (f *Factory) Close() error {
	var err error
	f.once.Do(func() {
		if f.closer != nil {
			err = f.closer.Close()
		}
	})
	return err
}

// New returns a logger for component writing where opts says. Callers that
// build several loggers should share a Factory instead.
func New(component string, opts Options) *log.Logger {
	return NewFactory(opts).Logger(component)
}

// Prefix returns the log prefix of component.
func Prefix(component string) string {
	return "[" + component + "] "
}

// Discard returns a logger that drops everything.
func Discard() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
