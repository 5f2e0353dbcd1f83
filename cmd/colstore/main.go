// Command colstore inserts into, queries and inspects colstore tables
// declared in a YAML configuration file.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/maruel/colstore/internal/config"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

func main() {
	if err := mainImpl(); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "colstore: %v\n", err)
		os.Exit(1)
	}
}

func mainImpl() error {
	configPath := flag.String("config", config.DefaultFileName, "Configuration file")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	flag.Usage = usage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, os.Interrupt)
	defer stop()
	if err := initLogger(*logLevel); err != nil {
		return err
	}

	args := flag.Args()
	if len(args) == 0 {
		usage()
		return errors.New("missing command")
	}
	if args[0] == "version" {
		printVersion()
		return nil
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	cmd, ok := commands[args[0]]
	if !ok {
		return fmt.Errorf("unknown command %q", args[0])
	}
	return cmd.run(ctx, cfg, args[1:])
}

type command struct {
	args string
	help string
	run  func(ctx context.Context, cfg *config.Config, args []string) error
}

var commands map[string]command

func init() {
	commands = map[string]command{
		"insert": {"<table> col=value...", "Insert one row and print its id", cmdInsert},
		"first":  {"<table> -select a,b [-where expr]...", "Print the first matching row", cmdFirst},
		"dump":   {"<table>", "Print every row", cmdDump},
		"log":    {"<table>", "Print the transaction log", cmdLog},
		"tail":   {"<table>", "Follow the transaction log", cmdTail},
	}
}

func usage() {
	out := flag.CommandLine.Output()
	_, _ = fmt.Fprintf(out, "Usage: colstore [flags] <command> [args]\n\nCommands:\n")
	for _, name := range []string{"insert", "first", "dump", "log", "tail"} {
		c := commands[name]
		_, _ = fmt.Fprintf(out, "  %s %s\n      %s\n", name, c.args, c.help)
	}
	_, _ = fmt.Fprintf(out, "  version\n      Print version and exit\n\nFlags:\n")
	flag.PrintDefaults()
}

func initLogger(level string) error {
	ll := &slog.LevelVar{}
	if err := ll.UnmarshalText([]byte(level)); err != nil {
		return fmt.Errorf("invalid -log-level: %w", err)
	}
	logger := slog.New(tint.NewHandler(colorable.NewColorable(os.Stderr), &tint.Options{
		Level:      ll,
		TimeFormat: "15:04:05.000", // Like time.TimeOnly plus milliseconds.
		NoColor:    !isatty.IsTerminal(os.Stderr.Fd()),
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			switch t := a.Value.Any().(type) {
			case string:
				if t == "" {
					return slog.Attr{}
				}
			case time.Duration:
				if t == 0 {
					return slog.Attr{}
				}
			case nil:
				return slog.Attr{}
			}
			return a
		},
	}))
	slog.SetDefault(logger)
	return nil
}

func printVersion() {
	version, goVersion, revision, dirty := getBuildInfo()
	fmt.Printf("colstore %s\n", version)
	fmt.Printf("  Go version: %s\n", goVersion)
	fmt.Printf("  Revision:   %s\n", revision)
	if dirty {
		fmt.Printf("  Modified:   true\n")
	}
}

func getBuildInfo() (version, goVersion, revision string, dirty bool) {
	version = "unknown"
	goVersion = "unknown"
	revision = "unknown"
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	version = info.Main.Version
	if version == "" || version == "(devel)" {
		version = "dev"
	}
	goVersion = info.GoVersion
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			revision = setting.Value
		case "vcs.modified":
			dirty = setting.Value == "true"
		}
	}
	return
}
