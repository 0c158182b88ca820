// Package logging builds the prefixed loggers the agent components share.
package logging

import (
	"io"
	"log"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Rotation defaults for the log file.
const (
	MaxSizeMB  = 50
	MaxBackups = 5
	MaxAgeDays = 28
)

// Options configures the log output.
type Options struct {
	// File, when set, receives a copy of every line and is rotated by size.
	File string
	// Quiet drops the stderr copy. Ignored when File is empty.
	Quiet bool
	// Stderr overrides os.Stderr, for tests.
	Stderr io.Writer
}

// Output is the shared log destination.
type Output struct {
	w    io.Writer
	file *lumberjack.Logger
}

// New opens the log output described by opts.
func New(opts Options) *Output {
	stderr := opts.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}

	if opts.File == "" {
		return &Output{w: stderr}
	}

	file := &lumberjack.Logger{
		Filename:   opts.File,
		MaxSize:    MaxSizeMB,
		MaxBackups: MaxBackups,
		MaxAge:     MaxAgeDays,
		Compress:   true,
	}
	if opts.Quiet {
		return &Output{w: file, file: file}
	}
	return &Output{w: io.MultiWriter(stderr, file), file: file}
}

// Logger returns a logger writing to the output with a "[component] " prefix.
func (o *Output) Logger(component string) *log.Logger {
	return log.New(o.w, "["+component+"] ", log.LstdFlags)
}

// Rotate closes the current log file and starts a new one. No-op without a file.
func (o *Output) Rotate() error {
	if o.file == nil {
		return nil
	}
	return o.file.Rotate()
}

// Close closes the log file, if any.
func (o *Output) Close() error {
	if o.file == nil {
		return nil
	}
	return o.file.Close()
}
