package httpx

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/splax/launchpad/internal/domain"
)

type authContextKey struct{}

// authInfo is the resolved caller. Token is kept so a deploy can fall back
// to the caller's own credential.
type authInfo struct {
	Login string
	Token string
}

// tokenSources says where a route may read the bearer token from.
type tokenSources int

const (
	headerToken tokenSources = iota
	// headerOrQueryToken also accepts ?access_token=, for websocket and
	// EventSource clients which cannot set headers.
	headerOrQueryToken
)

type contextSetter interface {
	SetContext(context.Context)
}

var (
	errNoCredentials = errors.New("missing authorization header")
	errMalformed     = errors.New("invalid authorization header format")
)

// requireAuth resolves the caller before invoking the handler.
func (r *Router) requireAuth(src tokenSources, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		info, ok := r.authenticate(w, req, src)
		if !ok {
			return
		}
		ctx := context.WithValue(req.Context(), authContextKey{}, info)
		if setter, ok := w.(contextSetter); ok {
			setter.SetContext(ctx)
		}
		next(w, req.WithContext(ctx))
	}
}

// authenticate writes the error response itself when it returns false.
func (r *Router) authenticate(w http.ResponseWriter, req *http.Request, src tokenSources) (authInfo, bool) {
	token, err := requestToken(req, src)
	if err != nil {
		r.logger.Warn("request not authenticated", "error", err, "path", req.URL.Path)
		writeError(w, http.StatusUnauthorized, domain.KindAuthorization, "authentication required")
		return authInfo{}, false
	}
	id, err := r.identity.Resolve(req.Context(), token)
	switch {
	case err == nil:
		return authInfo{Login: id.Login, Token: token}, true
	case errors.Is(err, domain.ErrAuthorization):
		r.logger.Warn("token rejected by identity provider", "error", err, "path", req.URL.Path)
		writeError(w, http.StatusUnauthorized, domain.KindAuthorization, "authentication failed")
	default:
		r.logger.Error("identity lookup failed", "error", err, "path", req.URL.Path)
		writeError(w, http.StatusServiceUnavailable, domain.KindInternal, "identity provider unavailable")
	}
	return authInfo{}, false
}

func requestToken(req *http.Request, src tokenSources) (string, error) {
	header := req.Header.Get("Authorization")
	if header != "" || src == headerToken {
		return bearerToken(header)
	}
	if token := strings.TrimSpace(req.URL.Query().Get("access_token")); token != "" {
		return token, nil
	}
	return "", errNoCredentials
}

func authInfoFromContext(ctx context.Context) (authInfo, bool) {
	info, ok := ctx.Value(authContextKey{}).(authInfo)
	return info, ok
}

func bearerToken(header string) (string, error) {
	if strings.TrimSpace(header) == "" {
		return "", errNoCredentials
	}
	scheme, token, found := strings.Cut(strings.TrimSpace(header), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", errMalformed
	}
	token = strings.TrimSpace(token)
	if token == "" || strings.ContainsAny(token, " \t") {
		return "", errMalformed
	}
	return token, nil
}
