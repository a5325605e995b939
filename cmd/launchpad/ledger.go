package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/splax/launchpad/internal/domain"
	"github.com/splax/launchpad/internal/ledger"
	"github.com/splax/launchpad/internal/ledger/postgres"
	"github.com/splax/launchpad/pkg/config"
)

func newLedgerCmd(root *rootFlags) *cobra.Command {
	opts := &dbOptions{}
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect and maintain the persisted deployment ledger",
	}
	opts.bind(cmd)
	cmd.AddCommand(newLedgerStatsCmd(root, opts))
	cmd.AddCommand(newLedgerCleanupCmd(root, opts))
	return cmd
}

func openLedger(ctx context.Context, root *rootFlags, opts *dbOptions) (*ledger.Ledger, func(), error) {
	pool, err := opts.connect(ctx)
	if err != nil {
		return nil, nil, err
	}
	led, err := ledger.Open(ctx, postgres.New(pool), ledger.Options{
		MaxRecords: config.GetInt("LEDGER_MAX_RECORDS", ledger.DefaultMaxRecords),
		Logger:     root.logger("ledger"),
	})
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	return led, pool.Close, nil
}

func newLedgerStatsCmd(root *rootFlags, opts *dbOptions) *cobra.Command {
	var (
		owner      string
		replay     bool
		jsonOutput bool
	)
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print aggregate deployment statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()
			led, closeFn, err := openLedger(ctx, root, opts)
			if err != nil {
				return err
			}
			defer closeFn()

			stats := led.Stats(owner)
			out := cmd.OutOrStdout()
			if jsonOutput {
				payload := map[string]any{"stats": stats}
				if replay {
					payload["replay"] = led.Replay()
				}
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(payload)
			}
			if err := renderStats(out, "persisted", stats); err != nil {
				return err
			}
			if replay {
				rep := led.Replay()
				fmt.Fprintln(out)
				if err := renderStats(out, "replayed from retained records", rep); err != nil {
					return err
				}
				if rep.TotalDeployments != stats.TotalDeployments {
					fmt.Fprintf(out, "\n%d records were evicted; persisted counters keep them\n", stats.TotalDeployments-rep.TotalDeployments)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "Restrict to one owner")
	cmd.Flags().BoolVar(&replay, "replay", false, "Also recompute statistics from retained records")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	return cmd
}

func renderStats(out io.Writer, title string, s domain.Stats) error {
	fmt.Fprintf(out, "%s\n", title)
	fmt.Fprintf(out, "  total:      %d\n", s.TotalDeployments)
	fmt.Fprintf(out, "  successful: %d\n", s.SuccessfulDeployments)
	fmt.Fprintf(out, "  failed:     %d\n", s.FailedDeployments)
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "  STACK\tCOUNT")
	for _, k := range sortedKeys(s.StackStats) {
		fmt.Fprintf(tw, "  %s\t%d\n", k, s.StackStats[k])
	}
	return tw.Flush()
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func newLedgerCleanupCmd(root *rootFlags, opts *dbOptions) *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove records older than a cutoff; statistics are kept",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThan <= 0 {
				return fmt.Errorf("--older-than must be positive")
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()
			led, closeFn, err := openLedger(ctx, root, opts)
			if err != nil {
				return err
			}
			defer closeFn()

			removed, err := led.Cleanup(ctx, time.Now().Add(-olderThan))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d records\n", removed)
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "Age cutoff")
	return cmd
}
