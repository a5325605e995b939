package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/splax/launchpad/internal/app/migrate"
	"github.com/splax/launchpad/internal/ledger/postgres"
	"github.com/splax/launchpad/pkg/config"
)

type dbOptions struct {
	databaseURL string
	timeout     time.Duration
}

func (o *dbOptions) bind(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVar(&o.databaseURL, "database-url", config.GetString("DATABASE_URL", ""), "Postgres connection string")
	cmd.PersistentFlags().DurationVar(&o.timeout, "timeout", time.Minute, "Command timeout")
}

func (o *dbOptions) connect(ctx context.Context) (*pgxpool.Pool, error) {
	if strings.TrimSpace(o.databaseURL) == "" {
		return nil, errors.New("DATABASE_URL (or --database-url) is required")
	}
	pool, err := pgxpool.New(ctx, o.databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	return pool, nil
}

func newMigrateCmd(root *rootFlags) *cobra.Command {
	opts := &dbOptions{}
	var target int64

	cmd := &cobra.Command{
		Use:       "migrate <up|status|down>",
		Short:     "Manage the ledger schema",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"up", "status", "down"},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()

			log := root.logger("migrate")
			pool, err := opts.connect(ctx)
			if err != nil {
				return err
			}
			runner, err := migrate.New(pool, postgres.Migrations, postgres.MigrationsDir, log)
			if err != nil {
				pool.Close()
				return err
			}
			defer runner.Close()

			switch args[0] {
			case "up":
				err = runner.Ensure(ctx)
			case "status":
				var migrations []migrate.Migration
				if migrations, err = runner.Status(ctx); err == nil {
					printMigrations(cmd.OutOrStdout(), migrations)
				}
			case "down":
				err = runner.Down(ctx, target)
			default:
				return fmt.Errorf("unsupported migrate command %q", args[0])
			}
			if err != nil {
				return err
			}
			log.Info("migration command completed", "command", args[0])
			return nil
		},
	}
	opts.bind(cmd)
	cmd.Flags().Int64Var(&target, "target", 0, "Target version for down (0 rolls back one step)")
	return cmd
}

func printMigrations(out io.Writer, migrations []migrate.Migration) {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "VERSION\tFILE\tSTATE\tAPPLIED AT")
	for _, m := range migrations {
		state, at := "pending", "-"
		if m.Applied {
			state, at = "applied", m.AppliedAt.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", m.Version, m.Name, state, at)
	}
	_ = tw.Flush()
}
