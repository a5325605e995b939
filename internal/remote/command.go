package remote

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/splax/launchpad/internal/domain"
)

// Command is one structured remote invocation. Arguments are always quoted
// before they reach the remote shell.
type Command struct {
	// Description is what audit logs and errors show; the command line never is.
	Description string
	Program     string
	Args        []string
	Stdin       []byte
	// Timeout overrides the executor default when positive.
	Timeout time.Duration
}

// Line renders the command as a single shell-safe string.
func (c Command) Line() string {
	parts := make([]string, 0, len(c.Args)+1)
	parts = append(parts, Quote(c.Program))
	for _, a := range c.Args {
		parts = append(parts, Quote(a))
	}
	return strings.Join(parts, " ")
}

// Script builds a `sh -c` command whose values arrive as positional
// parameters ($1, $2, ...) instead of being spliced into the script text.
func Script(description, script string, args ...string) Command {
	argv := append([]string{"-c", script, "launchpad"}, args...)
	return Command{Description: description, Program: "sh", Args: argv}
}

// Result carries the captured output of a successful invocation.
type Result struct {
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Executor runs commands on the managed host.
type Executor interface {
	Run(ctx context.Context, cmd Command) (Result, error)
}

// ExecError reports a failed or timed out invocation.
type ExecError struct {
	Description string
	Detail      string
	ExitStatus  int
	TimedOut    bool
	Err         error
}

func (e *ExecError) Error() string {
	switch {
	case e.TimedOut:
		return fmt.Sprintf("%s: timed out", e.Description)
	case e.Detail != "":
		return fmt.Sprintf("%s: exit %d: %s", e.Description, e.ExitStatus, e.Detail)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Description, e.Err)
	default:
		return fmt.Sprintf("%s: exit %d", e.Description, e.ExitStatus)
	}
}

func (e *ExecError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, domain.ErrRemoteExec) match.
func (e *ExecError) Is(target error) bool {
	return target == domain.ErrRemoteExec
}

const maxDetail = 600

// summarize trims stderr to its last lines so failures stay readable.
func summarize(stderr string) string {
	s := strings.TrimSpace(stderr)
	if len(s) <= maxDetail {
		return s
	}
	return "..." + s[len(s)-maxDetail:]
}

// Quote escapes s for a POSIX shell. Plain words pass through unchanged.
func Quote(s string) string {
	if s == "" {
		return "''"
	}
	safe := true
	for _, r := range s {
		if !isSafe(r) {
			safe = false
			break
		}
	}
	if safe {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

func isSafe(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	}
	return strings.ContainsRune("-_./:=@%+,", r)
}
