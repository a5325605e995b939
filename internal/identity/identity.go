// Package identity resolves bearer tokens to source platform logins.
package identity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/go-github/v28/github"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/oauth2"

	"github.com/splax/launchpad/internal/domain"
)

// Identity is the authenticated caller.
type Identity struct {
	Login string
}

// Resolver maps a bearer token to an Identity.
type Resolver interface {
	Resolve(ctx context.Context, token string) (Identity, error)
}

// GitHubOptions configure a GitHub resolver.
type GitHubOptions struct {
	// BaseURL overrides the API endpoint, e.g. for GitHub Enterprise.
	BaseURL   string
	CacheSize int
	CacheTTL  time.Duration
	Timeout   time.Duration
	Logger    *slog.Logger
}

// GitHub resolves tokens against the authenticated-user endpoint.
type GitHub struct {
	baseURL *url.URL
	timeout time.Duration
	cache   *expirable.LRU[string, Identity]
	log     *slog.Logger
}

// NewGitHub constructs a GitHub resolver.
func NewGitHub(opts GitHubOptions) (*GitHub, error) {
	g := &GitHub{timeout: opts.Timeout, log: opts.Logger}
	if g.timeout <= 0 {
		g.timeout = 10 * time.Second
	}
	if g.log == nil {
		g.log = slog.Default()
	}
	if raw := strings.TrimSpace(opts.BaseURL); raw != "" {
		if !strings.HasSuffix(raw, "/") {
			raw += "/"
		}
		u, err := url.Parse(raw)
		if err != nil {
			return nil, domain.Errorf(domain.KindConfiguration, "invalid GITHUB_API_URL: %v", err)
		}
		g.baseURL = u
	}
	if opts.CacheTTL > 0 {
		size := opts.CacheSize
		if size <= 0 {
			size = 512
		}
		g.cache = expirable.NewLRU[string, Identity](size, nil, opts.CacheTTL)
	}
	return g, nil
}

// Resolve returns the login that owns token.
func (g *GitHub) Resolve(ctx context.Context, token string) (Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Identity{}, domain.E(domain.KindAuthorization, "", "missing token", nil)
	}
	key := cacheKey(token)
	if g.cache != nil {
		if id, ok := g.cache.Get(key); ok {
			return id, nil
		}
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	client := github.NewClient(oauth2.NewClient(ctx, ts))
	if g.baseURL != nil {
		client.BaseURL = g.baseURL
	}

	user, resp, err := client.Users.Get(ctx, "")
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return Identity{}, domain.E(domain.KindAuthorization, "", "token rejected by identity provider", err)
		}
		g.log.Warn("identity lookup failed", "error", err)
		return Identity{}, fmt.Errorf("identity lookup: %w", err)
	}
	login := strings.TrimSpace(user.GetLogin())
	if login == "" {
		return Identity{}, errors.New("identity lookup: empty login")
	}

	id := Identity{Login: login}
	if g.cache != nil {
		g.cache.Add(key, id)
	}
	return id, nil
}

// cacheKey avoids keeping raw tokens in memory longer than a request.
func cacheKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Static resolves a fixed token table; used by tests and local development.
type Static map[string]string

// Resolve implements Resolver.
func (s Static) Resolve(_ context.Context, token string) (Identity, error) {
	login, ok := s[token]
	if !ok || login == "" {
		return Identity{}, domain.E(domain.KindAuthorization, "", "unknown token", nil)
	}
	return Identity{Login: login}, nil
}
