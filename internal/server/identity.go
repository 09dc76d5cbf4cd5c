package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/raphaelgruber/policychat/internal/auth"
)

// Identity is an authenticated caller.
type Identity interface {
	Username() string
	PolicyNumber() string
	AccessToken() string
	Logout(ctx context.Context) error
}

// Authenticator signs users in and resolves bearer tokens.
type Authenticator interface {
	Login(ctx context.Context, username, password string) (Identity, error)
	Resume(ctx context.Context, accessToken string) (Identity, error)
}

// CognitoAuthenticator adapts an *auth.Provider.
type CognitoAuthenticator struct {
	Provider *auth.Provider
}

// Login implements Authenticator.
func (c CognitoAuthenticator) Login(ctx context.Context, username, password string) (Identity, error) {
	s, err := c.Provider.Login(ctx, username, password)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Resume implements Authenticator.
func (c CognitoAuthenticator) Resume(ctx context.Context, accessToken string) (Identity, error) {
	s, err := c.Provider.Resume(ctx, accessToken)
	if err != nil {
		return nil, err
	}
	return s, nil
}

type identityKey struct{}

// IdentityFromContext returns the caller set by the auth middleware.
func IdentityFromContext(ctx context.Context) Identity {
	id, _ := ctx.Value(identityKey{}).(Identity)
	return id
}

// bearerToken reads the access token from the Authorization header or, for
// websocket upgrades where browsers cannot set headers, the token query
// parameter.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

// requireIdentity rejects requests without a valid access token.
func (a *API) requireIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			Error(w, http.StatusUnauthorized, "missing access token")
			return
		}
		id, err := a.auth.Resume(r.Context(), token)
		if err != nil {
			status := http.StatusUnauthorized
			if !errors.Is(err, auth.ErrNotAuthenticated) && !errors.Is(err, auth.ErrUserNotFound) {
				a.logger.Error("resolving access token failed", "error", err)
				status = http.StatusBadGateway
			}
			Error(w, status, "not authenticated")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey{}, id)))
	})
}
