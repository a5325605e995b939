package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/splax/launchpad/internal/git"
	"github.com/splax/launchpad/internal/stack"
	"github.com/splax/launchpad/pkg/config"
)

type detectOptions struct {
	repo       string
	token      string
	askToken   bool
	timeout    time.Duration
	jsonOutput bool
}

type detectReport struct {
	Source     string         `json:"source"`
	Stack      string         `json:"stack"`
	Conclusive bool           `json:"conclusive"`
	Scores     map[string]int `json:"scores"`
	Recipe     string         `json:"existing_recipe,omitempty"`
	Port       int            `json:"port"`
}

func newDetectCmd() *cobra.Command {
	opts := &detectOptions{}

	cmd := &cobra.Command{
		Use:   "detect [dir]",
		Short: "Classify the stack of a local directory or a remote repository",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) == 1 {
				dir = args[0]
			}
			if opts.repo != "" && len(args) == 1 {
				return errors.New("pass either a directory or --repo, not both")
			}
			return runDetect(cmd.Context(), cmd.OutOrStdout(), cmd.InOrStdin(), dir, opts)
		},
	}

	cmd.Flags().StringVar(&opts.repo, "repo", "", "Clone this https repository into a temporary directory and classify it")
	cmd.Flags().StringVar(&opts.token, "token", config.GetString("LAUNCHPAD_TOKEN", ""), "Access token for private repositories")
	cmd.Flags().BoolVar(&opts.askToken, "ask-token", false, "Prompt for the access token without echo")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 2*time.Minute, "Clone timeout")
	cmd.Flags().BoolVar(&opts.jsonOutput, "json", false, "Output in JSON format")

	return cmd
}

func runDetect(ctx context.Context, out io.Writer, in io.Reader, dir string, opts *detectOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	source := dir
	if opts.repo != "" {
		token := strings.TrimSpace(opts.token)
		if opts.askToken {
			secret, err := promptSecret(out, in, "Access token: ")
			if err != nil {
				return err
			}
			token = secret
		}
		tmp, err := os.MkdirTemp("", "launchpad-detect-*")
		if err != nil {
			return fmt.Errorf("create temp dir: %w", err)
		}
		defer os.RemoveAll(tmp)

		cloneCtx, cancel := context.WithTimeout(ctx, opts.timeout)
		defer cancel()
		if err := git.Clone(cloneCtx, opts.repo, tmp, token); err != nil {
			return err
		}
		dir, source = tmp, opts.repo
	}

	report, err := detect(dir)
	if err != nil {
		return err
	}
	report.Source = source
	if opts.jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}
	return renderDetect(out, report)
}

func detect(dir string) (detectReport, error) {
	classifier := stack.Default()
	listing, err := classifier.ScanDir(dir)
	if err != nil {
		return detectReport{}, err
	}
	res := classifier.Classify(listing)
	report := detectReport{Stack: res.Stack, Conclusive: res.Conclusive, Scores: res.Scores}
	if name, ok := stack.HasRecipe(listing.Paths); ok {
		report.Recipe = name
		body, err := os.ReadFile(filepath.Join(dir, name))
		if err == nil {
			if port, ok := stack.ExposedPort(string(body)); ok {
				report.Port = port
			}
		}
	}
	if report.Port == 0 {
		if port, err := stack.DefaultRegistry().DefaultPort(res.Stack); err == nil {
			report.Port = port
		}
	}
	return report, nil
}

func renderDetect(out io.Writer, r detectReport) error {
	fmt.Fprintf(out, "source:     %s\n", r.Source)
	fmt.Fprintf(out, "stack:      %s\n", r.Stack)
	fmt.Fprintf(out, "conclusive: %t\n", r.Conclusive)
	if r.Recipe != "" {
		fmt.Fprintf(out, "recipe:     %s (kept as is)\n", r.Recipe)
	}
	fmt.Fprintf(out, "port:       %d\n\n", r.Port)

	type score struct {
		id    string
		value int
	}
	scores := make([]score, 0, len(r.Scores))
	for id, v := range r.Scores {
		if v > 0 {
			scores = append(scores, score{id, v})
		}
	}
	sort.Slice(scores, func(i, j int) bool {
		if scores[i].value != scores[j].value {
			return scores[i].value > scores[j].value
		}
		return scores[i].id < scores[j].id
	})
	if len(scores) == 0 {
		fmt.Fprintln(out, "no stack evidence found")
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STACK\tSCORE")
	for _, s := range scores {
		fmt.Fprintf(tw, "%s\t%d\n", s.id, s.value)
	}
	return tw.Flush()
}

// promptSecret reads a line without echo when in is a terminal.
func promptSecret(out io.Writer, in io.Reader, prompt string) (string, error) {
	fmt.Fprint(out, prompt)
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		b, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(out)
		if err != nil {
			return "", fmt.Errorf("read token: %w", err)
		}
		return strings.TrimSpace(string(b)), nil
	}
	var line string
	if _, err := fmt.Fscanln(in, &line); err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read token: %w", err)
	}
	return strings.TrimSpace(line), nil
}
