package workspace

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path"
	"regexp"
	"strings"

	"github.com/splax/launchpad/internal/remote"
)

var (
	unsafeChars = regexp.MustCompile(`[^a-z0-9-]+`)
	dashRuns    = regexp.MustCompile(`-{2,}`)
	keyPattern  = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{0,62}-[0-9a-f]{8}$`)
)

const maxReadable = 54

// Key derives the deterministic workspace, image and container name for an
// owner/repository pair. The hash suffix keeps pairs that normalise to the
// same readable prefix ("a-b"/"c" and "a"/"b-c") apart.
func Key(owner, repo string) string {
	readable := strings.ToLower(strings.TrimSpace(owner) + "-" + strings.TrimSpace(repo))
	readable = unsafeChars.ReplaceAllString(readable, "-")
	readable = dashRuns.ReplaceAllString(readable, "-")
	readable = strings.Trim(readable, "-")
	if len(readable) > maxReadable {
		readable = strings.TrimRight(readable[:maxReadable], "-")
	}
	if readable == "" {
		readable = "app"
	}
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(owner)) + "/" + strings.ToLower(strings.TrimSpace(repo))))
	return readable + "-" + hex.EncodeToString(sum[:4])
}

// ValidKey reports whether k has the shape produced by Key. Anything derived
// from caller input is checked with it before reaching a remote command.
func ValidKey(k string) bool {
	return keyPattern.MatchString(k)
}

// Manager owns deployment workspaces under a common root on the remote host.
type Manager struct {
	root string
}

// New returns a manager rooted at an absolute remote path.
func New(root string) (*Manager, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, fmt.Errorf("workspace root cannot be empty")
	}
	if !strings.HasPrefix(root, "/") {
		return nil, fmt.Errorf("workspace root must be absolute: %q", root)
	}
	root = path.Clean(root)
	if root == "/" {
		return nil, fmt.Errorf("workspace root cannot be /")
	}
	return &Manager{root: root}, nil
}

// Root returns the configured root.
func (m *Manager) Root() string { return m.root }

// Path returns the workspace directory for a key.
func (m *Manager) Path(key string) (string, error) {
	if !ValidKey(key) {
		return "", fmt.Errorf("invalid workspace key %q", key)
	}
	return path.Join(m.root, key), nil
}

// PrepareCommands clears and recreates the workspace, so running them twice
// for the same key leaves a fresh empty directory.
func (m *Manager) PrepareCommands(key string) (string, []remote.Command, error) {
	dir, err := m.Path(key)
	if err != nil {
		return "", nil, err
	}
	return dir, []remote.Command{
		{Description: "clear workspace", Program: "rm", Args: []string{"-rf", "--", dir}},
		{Description: "create workspace", Program: "mkdir", Args: []string{"-p", "--", dir}},
	}, nil
}

// CleanupCommand removes a workspace, refusing paths outside the root.
func (m *Manager) CleanupCommand(dir string) (remote.Command, error) {
	if dir == "" {
		return remote.Command{}, fmt.Errorf("workspace path cannot be empty")
	}
	cleaned := path.Clean(dir)
	rel := strings.TrimPrefix(cleaned, m.root+"/")
	if rel == cleaned || rel == "" || strings.Contains(rel, "/") || !ValidKey(rel) {
		return remote.Command{}, fmt.Errorf("refusing to cleanup path outside workspace root")
	}
	return remote.Command{Description: "remove workspace", Program: "rm", Args: []string{"-rf", "--", cleaned}}, nil
}
