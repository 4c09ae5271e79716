// hevm builds, stores, runs and serves HeVM programs.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/fortiblox/hevm/pkg/config"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// Version information
var (
	Version   = "0.1.0"
	GitCommit = "dev"
)

// app carries state shared by every command.
type app struct {
	cfgPath  string
	logLevel string
	noColor  bool

	cfg *config.Config
	log zerolog.Logger
}

func main() {
	cmd := newRootCmd()
	if err := cmd.Execute(); err != nil {
		if !errors.Is(err, errCrashed) {
			fmt.Fprintln(os.Stderr, red(err.Error()))
		}
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:           "hevm",
		Short:         "Build, store, run and serve HeVM programs",
		Version:       fmt.Sprintf("%s (%s)", Version, GitCommit),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd.ErrOrStderr())
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.cfgPath, "config", "", "Path to hevm.toml")
	flags.StringVar(&a.logLevel, "log-level", "", "Log level: trace, debug, info, warn, error")
	flags.BoolVar(&a.noColor, "no-color", false, "Disable colored output")

	root.AddCommand(
		newBuildCmd(a),
		newRunCmd(a),
		newInspectCmd(a),
		newStoreCmd(a),
		newHistoryCmd(a),
		newServeCmd(a),
		newCtlCmd(a),
	)
	return root
}

// setup loads configuration and configures logging.
func (a *app) setup(stderr io.Writer) error {
	if a.noColor && !color.NoColor {
		color.NoColor = true
	}

	cfg := config.DefaultConfig()
	if a.cfgPath != "" {
		var err error
		if cfg, err = config.Load(a.cfgPath); err != nil {
			return err
		}
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}
	a.cfg = cfg

	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Log.Level))
	if err != nil {
		return fmt.Errorf("invalid log level %q", cfg.Log.Level)
	}

	var w io.Writer = stderr
	if cfg.Log.Format != "json" {
		w = zerolog.ConsoleWriter{
			Out:        stderr,
			TimeFormat: time.RFC3339,
			NoColor:    color.NoColor,
		}
	}
	a.log = zerolog.New(w).Level(level).With().Timestamp().Logger()
	return nil
}

var (
	red    = color.New(color.FgRed).SprintFunc()
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)
