package logger

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// Package-level logger shared by all components. Defaults to JSON on stderr;
// the CLI switches to console output at startup.
var (
	mu  sync.RWMutex
	log = zerolog.New(os.Stderr).With().Timestamp().Logger()
)

// Init configures the global logger output and level.
// Level accepts zerolog level names ("debug", "info", "warn", "error").
func Init(level string, console bool) {
	mu.Lock()
	defer mu.Unlock()

	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}

	var l zerolog.Logger
	if console {
		l = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	} else {
		l = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	log = l.Level(lvl)
}

// L returns the current global logger for structured call sites.
func L() zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return log
}

// With returns a child logger tagged with a component name.
func With(component string) zerolog.Logger {
	return L().With().Str("component", component).Logger()
}

func Debugf(format string, args ...any) {
	l := L()
	l.Debug().Msg(fmt.Sprintf(format, args...))
}

func Infof(format string, args ...any) {
	l := L()
	l.Info().Msg(fmt.Sprintf(format, args...))
}

func Warnf(format string, args ...any) {
	l := L()
	l.Warn().Msg(fmt.Sprintf(format, args...))
}

func Errorf(format string, args ...any) {
	l := L()
	l.Error().Msg(fmt.Sprintf(format, args...))
}
