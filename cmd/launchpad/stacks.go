package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/splax/launchpad/internal/stack"
)

func newStacksCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stacks",
		Short: "List supported stacks and their default ports",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "STACK\tPORT")
			for _, s := range stack.DefaultRegistry().Stacks() {
				fmt.Fprintf(tw, "%s\t%d\n", s.ID, s.DefaultPort)
			}
			return tw.Flush()
		},
	}
}

func newRecipeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recipe <stack>",
		Short: "Print the container recipe rendered for a stack",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, _, err := stack.DefaultRegistry().Render(args[0])
			if err != nil {
				return err
			}
			_, err = fmt.Fprint(cmd.OutOrStdout(), body)
			return err
		},
	}
}
