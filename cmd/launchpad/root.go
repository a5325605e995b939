package main

import (
	"errors"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/splax/launchpad/pkg/config"
	"github.com/splax/launchpad/pkg/logger"
)

type rootFlags struct {
	logLevel string
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}

	cmd := &cobra.Command{
		Use:           "launchpad",
		Short:         "Operator tooling for the launchpad deployment service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
				cmd.PrintErrln("warning: failed to load .env:", err)
			}
		},
	}

	cmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", config.GetString("LOG_LEVEL", "warn"), "Log level (debug|info|warn|error)")

	cmd.AddCommand(newDetectCmd())
	cmd.AddCommand(newStacksCmd())
	cmd.AddCommand(newRecipeCmd())
	cmd.AddCommand(newMigrateCmd(flags))
	cmd.AddCommand(newLedgerCmd(flags))
	cmd.AddCommand(newRemoteCmds()...)
	cmd.AddCommand(newVersionCmd())

	return cmd
}

func (f *rootFlags) logger(component string) *slog.Logger {
	return logger.New("cli", logger.ParseLevel(f.logLevel)).With("component", component)
}
