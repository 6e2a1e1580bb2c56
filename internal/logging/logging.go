// Package logging configures the process-wide logrus logger.
package logging

import (
	"io"
	"os"

	colorable "github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	log "github.com/sirupsen/logrus"
)

// Setup applies level and format to the standard logrus logger. Format "auto"
// selects colored text on a terminal and JSON otherwise.
func Setup(level, format string) error {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return err
	}
	log.SetLevel(lvl)

	out, formatter := selectOutput(format, os.Stdout)
	log.SetOutput(out)
	log.SetFormatter(formatter)
	return nil
}

func selectOutput(format string, stdout *os.File) (io.Writer, log.Formatter) {
	tty := isatty.IsTerminal(stdout.Fd()) || isatty.IsCygwinTerminal(stdout.Fd())
	if format == "auto" {
		if tty {
			format = "text"
		} else {
			format = "json"
		}
	}

	if format == "json" {
		return stdout, &log.JSONFormatter{}
	}
	if tty {
		return colorable.NewColorable(stdout), &log.TextFormatter{FullTimestamp: true, ForceColors: true}
	}
	return stdout, &log.TextFormatter{FullTimestamp: true}
}
