// Package cliutil contains helper types for flag parsing and logging, in
// the same shape please's own src/cli package uses throughout its tools.
package cliutil

import (
	"fmt"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jessevdk/go-flags"
)

// ParseFlagsOrDie parses the app's flags from os.Args and dies (printing
// usage) if unsuccessful, or if any unexpected positional arguments remain.
// It returns the name of the chosen subcommand, if any.
func ParseFlagsOrDie(appname, version string, data interface{}) string {
	return ParseFlagsFromArgsOrDie(appname, version, data, os.Args)
}

// ParseFlagsFromArgsOrDie is like ParseFlagsOrDie but allows control over
// the argument slice, which is useful for testing.
func ParseFlagsFromArgsOrDie(appname, version string, data interface{}, args []string) string {
	parser := flags.NewNamedParser(path.Base(args[0]), flags.HelpFlag|flags.PassDoubleDash)
	parser.AddGroup(appname+" options", "", data)
	extra, err := parser.ParseArgs(args[1:])
	if err != nil {
		if ferr, ok := err.(*flags.Error); ok {
			if ferr.Type == flags.ErrHelp {
				fmt.Println(ferr.Message)
				os.Exit(0)
			}
			if ferr.Type == flags.ErrUnknownFlag && strings.Contains(ferr.Message, "`version'") {
				fmt.Printf("%s version %s\n", appname, version)
				os.Exit(0)
			}
		}
		parser.WriteHelp(os.Stderr)
		fmt.Fprintf(os.Stderr, "\n%s\n", err)
		os.Exit(1)
	} else if len(extra) > 0 {
		parser.WriteHelp(os.Stderr)
		fmt.Fprintf(os.Stderr, "Unknown argument(s): %s\n", strings.Join(extra, " "))
		os.Exit(1)
	}
	if parser.Active != nil {
		return parser.Active.Name
	}
	return ""
}

// A Duration is a flag type accepting either a Go duration string ("300s",
// "5m") or, for backwards compatibility with plain integers, a bare number
// of seconds.
type Duration time.Duration

// UnmarshalFlag implements the flags.Unmarshaler interface.
func (d *Duration) UnmarshalFlag(in string) error {
	if parsed, err := time.ParseDuration(in); err == nil {
		*d = Duration(parsed)
		return nil
	}
	if n, err := strconv.Atoi(in); err == nil {
		*d = Duration(time.Duration(n) * time.Second)
		return nil
	}
	return fmt.Errorf("invalid duration %q", in)
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	return d.UnmarshalFlag(string(text))
}

// ByteSize is a flag type for quantities of bytes that can be passed as
// human-readable quantities ("16M", "1G").
type ByteSize uint64

// UnmarshalFlag implements the flags.Unmarshaler interface.
func (b *ByteSize) UnmarshalFlag(in string) error {
	n, err := humanize.ParseBytes(in)
	if err != nil {
		return err
	}
	*b = ByteSize(n)
	return nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (b *ByteSize) UnmarshalText(text []byte) error {
	return b.UnmarshalFlag(string(text))
}

// Verbosity represents a logging verbosity level as accepted on the command
// line: higher numbers mean more output.
type Verbosity int

// UnmarshalFlag implements the flags.Unmarshaler interface.
func (v *Verbosity) UnmarshalFlag(in string) error {
	switch strings.ToLower(in) {
	case "error":
		*v = 0
	case "warning", "warn":
		*v = 1
	case "notice":
		*v = 2
	case "info":
		*v = 3
	case "debug":
		*v = 4
	default:
		n, err := strconv.Atoi(in)
		if err != nil {
			return fmt.Errorf("invalid verbosity %q", in)
		}
		*v = Verbosity(n)
	}
	return nil
}
