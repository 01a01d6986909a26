package main

import (
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/detok/internal/logger"
)

var (
	tokenizerJSONPath string
	pullAddr          string
	pushAddr          string
	monitorAddr       string
	sendRetries       int64
	sendTimeout       time.Duration
	logLevel          string
	logFormat         string
	debug             bool
)

func channelFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "tokenizer-json",
			Aliases:     []string{"t"},
			Usage:       "path to tokenizer.json",
			Destination: &tokenizerJSONPath,
		},
		&cli.StringFlag{
			Name:        "pull-addr",
			Usage:       "inbound channel bind address (engine pushes request batches here)",
			Value:       "tcp://*:5557",
			Destination: &pullAddr,
		},
		&cli.StringFlag{
			Name:        "push-addr",
			Usage:       "outbound channel bind address (engine pulls response batches here)",
			Value:       "tcp://*:5558",
			Destination: &pushAddr,
		},
	}
}

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}

func newLogger(w io.Writer) logger.Logger {
	level := logger.ParseLevel(logLevel)
	if debug {
		level = slog.LevelDebug
	}
	switch logFormat {
	case "json":
		return logger.JSON(w, level)
	case "text":
		return logger.Text(w, level)
	default:
		return logger.Pretty(w, level)
	}
}

func stderrLogger() logger.Logger {
	return newLogger(os.Stderr)
}
