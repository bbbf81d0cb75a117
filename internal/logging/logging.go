// Package logging provides the leveled logging backend, based around the
// go-logging package.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/op/go-logging.v1"
)

const format = "%{time:15:04:05.000} %{level:.4s} %{module}: %{message}"

// Backend is a log backend handing out per-module leveled loggers.
type Backend struct {
	backend logging.LeveledBackend
	w       io.WriteCloser
}

// New creates a Backend writing to file (stderr when file is empty) at the
// given level. Disable swallows all output.
func New(file, level string, disable bool) (*Backend, error) {
	lvl, err := levelFromString(level)
	if err != nil {
		return nil, err
	}

	b := new(Backend)
	var w io.Writer
	switch {
	case disable:
		w = io.Discard
	case file == "":
		w = os.Stderr
	default:
		f, err := os.OpenFile(file, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return nil, err
		}
		b.w = f
		w = f
	}

	base := logging.NewLogBackend(w, "", 0)
	formatted := logging.NewBackendFormatter(base, logging.MustStringFormatter(format))
	leveled := logging.AddModuleLevel(formatted)
	leveled.SetLevel(lvl, "")
	b.backend = leveled
	return b, nil
}

// GetLogger returns a per-module logger that writes to the backend.
func (b *Backend) GetLogger(module string) *logging.Logger {
	l := logging.MustGetLogger(module)
	l.SetBackend(b.backend)
	return l
}

// Close releases the log file if one was opened.
func (b *Backend) Close() error {
	if b.w != nil {
		return b.w.Close()
	}
	return nil
}

func levelFromString(level string) (logging.Level, error) {
	switch strings.ToUpper(level) {
	case "ERROR":
		return logging.ERROR, nil
	case "WARNING", "":
		return logging.WARNING, nil
	case "NOTICE":
		return logging.NOTICE, nil
	case "INFO":
		return logging.INFO, nil
	case "DEBUG":
		return logging.DEBUG, nil
	default:
		return logging.CRITICAL, fmt.Errorf("logging: invalid level: %q", level)
	}
}
