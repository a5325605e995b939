package git

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	gogit "github.com/go-git/go-git/v5"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
)

// ValidateCloneURL accepts http(s) references without embedded credentials.
// Credentials travel separately so they never end up in argv or logs.
func ValidateCloneURL(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("repository URL cannot be empty")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse repository URL: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "https", "http":
	default:
		return nil, fmt.Errorf("unsupported repository URL scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("repository URL has no host")
	}
	if u.User != nil {
		return nil, fmt.Errorf("repository URL must not embed credentials")
	}
	if strings.HasPrefix(u.Host, "-") || strings.ContainsAny(raw, " \t\r\n") {
		return nil, fmt.Errorf("repository URL is malformed")
	}
	return u, nil
}

// Clone shallow-clones the repository into dest on the local machine. token
// may be empty for public repositories.
func Clone(ctx context.Context, repoURL, dest, token string) error {
	u, err := ValidateCloneURL(repoURL)
	if err != nil {
		return err
	}
	if dest == "" {
		return fmt.Errorf("destination cannot be empty")
	}
	opts := &gogit.CloneOptions{
		URL:          u.String(),
		Depth:        1,
		SingleBranch: true,
		Tags:         gogit.NoTags,
	}
	if token != "" {
		opts.Auth = &githttp.BasicAuth{Username: "x-access-token", Password: token}
	}
	if _, err := gogit.PlainCloneContext(ctx, dest, false, opts); err != nil {
		return fmt.Errorf("git clone failed: %w", err)
	}
	return nil
}
