// deck joins a live slide deck room from the terminal, as the speaker or as
// part of the audience, and drives it with line commands on stdin.
//
// Single-process rooms use the local backend (Badger under data_dir).
// Replicas on several machines share a room through the redis backend.
package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/spf13/pflag"

	"github.com/shinyes/yep_deck/pkg/config"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := config.Flags("deck")
	fs.BoolP("help", "h", false, "show help")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if help, _ := fs.GetBool("help"); help {
		fmt.Println("usage: deck [flags]")
		fs.PrintDefaults()
		return nil
	}

	cfg, err := config.Load(fs)
	if err != nil {
		return err
	}

	logger := initLogger(cfg.LogLevel)
	level.Info(logger).Log("msg", "starting", "room", cfg.Room, "backend", cfg.Backend, "speaker", cfg.Speaker)

	return runApp(cfg, logger, os.Stdin, os.Stdout)
}

// initLogger builds a JSON logger on stderr filtered at loglevel, keeping
// stdout for the interactive view.
func initLogger(loglevel string) log.Logger {
	logger := log.NewJSONLogger(log.NewSyncWriter(os.Stderr))
	logger = log.With(logger,
		"ts", log.DefaultTimestampUTC,
		"caller", log.DefaultCaller,
	)

	switch strings.ToLower(loglevel) {
	case "info":
		logger = level.NewFilter(logger, level.AllowInfo())
	case "warn":
		logger = level.NewFilter(logger, level.AllowWarn())
	case "error":
		logger = level.NewFilter(logger, level.AllowError())
	default:
		logger = level.NewFilter(logger, level.AllowDebug())
	}
	return logger
}
