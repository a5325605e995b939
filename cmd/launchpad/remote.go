package main

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/splax/launchpad/pkg/api/client"
	"github.com/splax/launchpad/pkg/config"
)

type apiOptions struct {
	baseURL string
	token   string
}

func (o *apiOptions) bind(cmd *cobra.Command) {
	token := config.GetString("LAUNCHPAD_TOKEN", config.GetString("GITHUB_TOKEN", ""))
	cmd.PersistentFlags().StringVar(&o.baseURL, "api", config.GetString("LAUNCHPAD_API", "http://localhost:4000"), "API base URL")
	cmd.PersistentFlags().StringVar(&o.token, "token", token, "GitHub token identifying the caller")
}

func (o *apiOptions) client() (*client.Client, string, error) {
	token := strings.TrimSpace(o.token)
	if token == "" {
		return nil, "", errors.New("a token is required (--token, LAUNCHPAD_TOKEN or GITHUB_TOKEN)")
	}
	c, err := client.New(o.baseURL)
	if err != nil {
		return nil, "", err
	}
	return c, token, nil
}

// newRemoteCmds returns the commands that talk to a running API server.
func newRemoteCmds() []*cobra.Command {
	opts := &apiOptions{}
	cmds := []*cobra.Command{
		newDeployCmd(opts),
		newStatusCmd(opts),
		newListCmd(opts),
		newTransitionCmd(opts, "stop", "Stop a deployment", (*client.Client).Stop),
		newTransitionCmd(opts, "restart", "Restart a stopped deployment", (*client.Client).Restart),
		newTransitionCmd(opts, "rm", "Delete a deployment's container and image", (*client.Client).Delete),
		newLogsCmd(opts),
	}
	for _, c := range cmds {
		opts.bind(c)
	}
	return cmds
}

func repoNameFromURL(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return ""
	}
	return strings.TrimSuffix(path.Base(strings.TrimRight(u.Path, "/")), ".git")
}

func newDeployCmd(opts *apiOptions) *cobra.Command {
	in := client.DeployInput{}
	cmd := &cobra.Command{
		Use:   "deploy <clone-url>",
		Short: "Deploy a repository on the managed host",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, token, err := opts.client()
			if err != nil {
				return err
			}
			in.CloneURL = args[0]
			if in.Repo == "" {
				in.Repo = repoNameFromURL(args[0])
			}
			if in.Repo == "" || in.Repo == "." || in.Repo == "/" {
				return errors.New("could not derive a repository name, pass --name")
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "deploying %s...\n", in.Repo)
			res, err := c.Deploy(cmd.Context(), token, in)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "deployment: %s\nstack:      %s\nurl:        %s\nhandle:     %s\n", res.DeploymentID, res.DetectedStack, res.URL, res.ContainerHandle)
			if res.StackOverridden {
				fmt.Fprintln(out, "note: detected stack differs from the requested one")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&in.Repo, "name", "", "Repository name (defaults to the last URL segment)")
	cmd.Flags().StringVar(&in.Stack, "stack", "", "Stack hint used when detection is inconclusive")
	cmd.Flags().StringVar(&in.Platform, "platform", "", "Source platform tag")
	return cmd
}

func newStatusCmd(opts *apiOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status <handle>",
		Short: "Show the live state of a container handle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, token, err := opts.client()
			if err != nil {
				return err
			}
			st, err := c.Status(cmd.Context(), token, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s  %s  running=%t  %s  %s\n", st.DeploymentID, st.Status, st.Running, st.StatusLine, st.URL)
			return nil
		},
	}
}

func newListCmd(opts *apiOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "ls",
		Short: "List your deployments, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, token, err := opts.client()
			if err != nil {
				return err
			}
			items, total, err := c.Deployments(cmd.Context(), token, limit)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tREPO\tSTACK\tSTATUS\tURL")
			for _, d := range items {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", d.ID, d.RepoName, d.Stack, d.Status, d.URL)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			if total > len(items) {
				fmt.Fprintf(cmd.OutOrStdout(), "showing %d of %d\n", len(items), total)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum records to show")
	return cmd
}

func newTransitionCmd(opts *apiOptions, use, short string, call func(*client.Client, context.Context, string, string) (client.Deployment, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <deployment-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, token, err := opts.client()
			if err != nil {
				return err
			}
			d, err := call(c, cmd.Context(), token, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s  %s  %s\n", d.ID, d.Status, d.URL)
			return nil
		},
	}
}

func newLogsCmd(opts *apiOptions) *cobra.Command {
	var lines int
	cmd := &cobra.Command{
		Use:   "logs <deployment-id>",
		Short: "Print the tail of a deployment's container output",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, token, err := opts.client()
			if err != nil {
				return err
			}
			out, err := c.Logs(cmd.Context(), token, args[0], lines)
			if err != nil {
				return err
			}
			for _, line := range out {
				fmt.Fprintln(cmd.OutOrStdout(), line)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&lines, "lines", 100, "Number of lines (1-5000)")
	return cmd
}
