package cliutil

import (
	"os"

	"gopkg.in/op/go-logging.v1"
)

var format = logging.MustStringFormatter(
	`%{color}%{time:15:04:05.000} %{level:-7s} %{module}%{color:reset}: %{message}`,
)

// InitLogging configures the single stderr backend used by every binary in
// this repo. Verbosity is mapped onto go-logging levels: 0 (or less) is
// errors only, 1 adds warning, 2 notice, 3 info, and 4 or more debug.
func InitLogging(verbosity Verbosity) {
	backend := logging.NewLogBackend(os.Stderr, "", 0)
	formatted := logging.NewBackendFormatter(backend, format)
	leveled := logging.AddModuleLevel(formatted)
	leveled.SetLevel(levelFor(verbosity), "")
	logging.SetBackend(leveled)
}

func levelFor(v Verbosity) logging.Level {
	switch {
	case v <= 0:
		return logging.ERROR
	case v == 1:
		return logging.WARNING
	case v == 2:
		return logging.NOTICE
	case v == 3:
		return logging.INFO
	default:
		return logging.DEBUG
	}
}
