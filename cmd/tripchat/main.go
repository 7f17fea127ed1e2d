// Command tripchat runs the chat core against a server, serves the
// development server and mints development session tokens.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/putto11262002/tripchat/internal/config"
	"github.com/putto11262002/tripchat/pkg/logger"
	"github.com/spf13/cobra"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:           "tripchat",
		Short:         "Trip chat client core and development server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default: ./tripchat.yaml)")

	root.AddCommand(connectCmd())
	root.AddCommand(devserverCmd())
	root.AddCommand(tokenCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// load reads and validates the config and builds the process logger.
func load() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		if msg := config.FormatValidationErrors(err); msg != "" {
			return nil, nil, fmt.Errorf("invalid config:\n%s", msg)
		}
		return nil, nil, err
	}
	return cfg, logger.New(os.Stderr, cfg.Log.Level, cfg.Log.Format), nil
}
