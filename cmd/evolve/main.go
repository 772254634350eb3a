package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/opentalon/evolve/internal/config"
)

type rootFlags struct {
	configPath string
	logLevel   string
}

func newRootCommand() *cobra.Command {
	flags := &rootFlags{}
	cmd := &cobra.Command{
		Use:   "evolve",
		Short: "Generate, test and refine n8n workflows from natural-language requests",
		Long: `evolve turns a natural-language request into a working n8n workflow.

Each iteration retrieves similar templates, generates a candidate, creates and
activates it on n8n and calls its trigger. Failures are fed back to a planner
model until a candidate runs or the iteration budget is spent.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", os.Getenv("EVOLVE_CONFIG"), "path to config file")
	cmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "override the log level (trace, debug, info, warn, error)")

	cmd.AddCommand(
		newServeCommand(flags),
		newRunCommand(flags),
		newGenerateCommand(flags),
		newIndexCommand(flags),
		newWorkflowsCommand(flags),
		newMCPCommand(flags),
		newVersionCommand(),
	)
	return cmd
}

// loadConfig reads the config file when one is given and otherwise uses the
// defaults.
func loadConfig(path string) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if path == "" {
		cfg = config.Default()
	} else if cfg, err = config.Load(path); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config:\n%w", err)
	}
	return cfg, nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCommand().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		var exit *exitError
		if errors.As(err, &exit) {
			os.Exit(exit.code)
		}
		os.Exit(1)
	}
}

// exitError carries a non-default process exit code.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }
