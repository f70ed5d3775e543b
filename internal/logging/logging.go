// Package logging builds the component loggers used across relaysync.
//
// Every logger is a standard *log.Logger with a bracketed component prefix.
// Output goes to stderr and, when a log file is configured, to a
// size-rotated file shared by all components.
package logging

import (
	"io"
	"log"
	"os"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures a Factory.
type Options struct {
	// File is the log file path; empty disables file output
	File string

	// MaxSizeMB is the size at which the file is rotated (default: 10)
	MaxSizeMB int

	// MaxBackups is the number of rotated files kept (default: 3)
	MaxBackups int

	// MaxAgeDays is how long rotated files are kept (default: 28)
	MaxAgeDays int

	// Compress gzips rotated files
	Compress bool

	// Quiet drops stderr output
	Quiet bool

	// Stderr overrides the console writer (default: os.Stderr)
	Stderr io.Writer
}

// Factory hands out loggers that share one output.
type Factory struct {
	out  io.Writer
	file *lumberjack.Logger

	mu sync.Mutex
}

// New creates a factory from opts.
func New(opts Options) *Factory {
	f := &Factory{}

	var writers []io.Writer
	if !opts.Quiet {
		stderr := opts.Stderr
		if stderr == nil {
			stderr = os.Stderr
		}
		writers = append(writers, stderr)
	}
	if opts.File != "" {
		f.file = &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    orDefault(opts.MaxSizeMB, 10),
			MaxBackups: orDefault(opts.MaxBackups, 3),
			MaxAge:     orDefault(opts.MaxAgeDays, 28),
			Compress:   opts.Compress,
		}
		writers = append(writers, f.file)
	}

	switch len(writers) {
	case 0:
		f.out = io.Discard
	case 1:
		f.out = writers[0]
	default:
		f.out = io.MultiWriter(writers...)
	}
	return f
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// Logger returns a logger for component, prefixed "[component] ".
func (f *Factory) Logger(component string) *log.Logger {
	return log.New(f.out, "["+component+"] ", log.LstdFlags)
}

// Writer returns the shared output.
func (f *Factory) Writer() io.Writer {
	return f.out
}

// Rotate starts a new log file. It is a no-op without file output.
func (f *Factory) Rotate() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.file == nil {
		return nil
	}
	return f.file.Rotate()
}

// Close closes the log file, if any.
func (f *Factory) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.file == nil {
		return nil
	}
	return f.file.Close()
}
