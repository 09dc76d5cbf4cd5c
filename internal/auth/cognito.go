// Package auth signs users in against a Cognito user pool and exposes the
// authenticated identity and its custom attributes.
package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	cip "github.com/aws/aws-sdk-go-v2/service/cognitoidentityprovider"
	"github.com/aws/aws-sdk-go-v2/service/cognitoidentityprovider/types"

	"github.com/raphaelgruber/policychat/internal/secrets"
)

// PolicyNumberAttribute is the custom user attribute holding the policy id.
const PolicyNumberAttribute = "custom:policy_number"

var (
	ErrNotAuthenticated   = errors.New("not authenticated")
	ErrInvalidCredentials = errors.New("incorrect username or password")
	ErrUserNotFound       = errors.New("user does not exist")
	ErrChallenge          = errors.New("additional authentication challenge required")
)

// Credentials identify the user pool app client.
type Credentials struct {
	UserPoolID   string `json:"cognito_user_pool_id"`
	ClientID     string `json:"cognito_app_client_id"`
	ClientSecret string `json:"cognito_app_client_secret"`
}

// LoadCredentials reads the app client credentials from a Secrets Manager
// JSON secret.
func LoadCredentials(ctx context.Context, api secrets.API, secretID string) (Credentials, error) {
	var c Credentials
	if err := secrets.LoadJSON(ctx, api, secretID, &c); err != nil {
		return Credentials{}, err
	}
	if c.UserPoolID == "" || c.ClientID == "" {
		return Credentials{}, fmt.Errorf("secret %s: missing cognito_user_pool_id or cognito_app_client_id", secretID)
	}
	return c, nil
}

// CognitoAPI is the subset of the Cognito Identity Provider client used here.
type CognitoAPI interface {
	InitiateAuth(ctx context.Context, in *cip.InitiateAuthInput, optFns ...func(*cip.Options)) (*cip.InitiateAuthOutput, error)
	AdminGetUser(ctx context.Context, in *cip.AdminGetUserInput, optFns ...func(*cip.Options)) (*cip.AdminGetUserOutput, error)
	GetUser(ctx context.Context, in *cip.GetUserInput, optFns ...func(*cip.Options)) (*cip.GetUserOutput, error)
	GlobalSignOut(ctx context.Context, in *cip.GlobalSignOutInput, optFns ...func(*cip.Options)) (*cip.GlobalSignOutOutput, error)
}

// Provider authenticates users of one app client.
type Provider struct {
	api    CognitoAPI
	creds  Credentials
	logger *slog.Logger
	now    func() time.Time
}

// NewProvider creates a provider. logger may be nil.
func NewProvider(api CognitoAPI, creds Credentials, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{api: api, creds: creds, logger: logger, now: time.Now}
}

// NewProviderFromConfig builds the Cognito client from an AWS config.
func NewProviderFromConfig(cfg aws.Config, creds Credentials, logger *slog.Logger) *Provider {
	return NewProvider(cip.NewFromConfig(cfg), creds, logger)
}

// SecretHash computes the SECRET_HASH Cognito requires for app clients with
// a secret: base64(HMAC-SHA256(secret, username + clientID)).
func SecretHash(username, clientID, clientSecret string) string {
	mac := hmac.New(sha256.New, []byte(clientSecret))
	mac.Write([]byte(username + clientID))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// Login signs in with USER_PASSWORD_AUTH and loads the user's attributes.
func (p *Provider) Login(ctx context.Context, username, password string) (*Session, error) {
	params := map[string]string{
		"USERNAME": username,
		"PASSWORD": password,
	}
	if p.creds.ClientSecret != "" {
		params["SECRET_HASH"] = SecretHash(username, p.creds.ClientID, p.creds.ClientSecret)
	}

	out, err := p.api.InitiateAuth(ctx, &cip.InitiateAuthInput{
		AuthFlow:       types.AuthFlowTypeUserPasswordAuth,
		ClientId:       aws.String(p.creds.ClientID),
		AuthParameters: params,
	})
	if err != nil {
		return nil, classify(err)
	}
	if out.ChallengeName != "" {
		return nil, fmt.Errorf("%w: %s", ErrChallenge, out.ChallengeName)
	}
	if out.AuthenticationResult == nil || out.AuthenticationResult.AccessToken == nil {
		return nil, fmt.Errorf("login: %w", ErrNotAuthenticated)
	}

	s := &Session{provider: p, username: username}
	s.setTokens(out.AuthenticationResult)

	attrs, err := p.adminAttributes(ctx, username)
	if err != nil {
		// Attributes are optional context; the login itself succeeded.
		p.logger.Error("failed to fetch user attributes", "user", username, "error", err)
	}
	s.attributes = attrs

	p.logger.Info("user logged in", "user", username)
	return s, nil
}

// Resume rebuilds a session from an access token, for example one sent as a
// bearer token.
func (p *Provider) Resume(ctx context.Context, accessToken string) (*Session, error) {
	out, err := p.api.GetUser(ctx, &cip.GetUserInput{AccessToken: aws.String(accessToken)})
	if err != nil {
		if errors.Is(classify(err), ErrInvalidCredentials) {
			return nil, ErrNotAuthenticated
		}
		return nil, classify(err)
	}
	return &Session{
		provider:    p,
		username:    aws.ToString(out.Username),
		accessToken: accessToken,
		attributes:  attributeMap(out.UserAttributes),
	}, nil
}

func (p *Provider) adminAttributes(ctx context.Context, username string) (map[string]string, error) {
	out, err := p.api.AdminGetUser(ctx, &cip.AdminGetUserInput{
		UserPoolId: aws.String(p.creds.UserPoolID),
		Username:   aws.String(username),
	})
	if err != nil {
		return nil, classify(err)
	}
	return attributeMap(out.UserAttributes), nil
}

func attributeMap(list []types.AttributeType) map[string]string {
	m := make(map[string]string, len(list))
	for _, a := range list {
		m[aws.ToString(a.Name)] = aws.ToString(a.Value)
	}
	return m
}

func classify(err error) error {
	var notAuth *types.NotAuthorizedException
	if errors.As(err, &notAuth) {
		return fmt.Errorf("%w: %w", ErrInvalidCredentials, err)
	}
	var notFound *types.UserNotFoundException
	if errors.As(err, &notFound) {
		return fmt.Errorf("%w: %w", ErrUserNotFound, err)
	}
	return fmt.Errorf("cognito: %w", err)
}

// Session is one authenticated user. Methods are safe for concurrent use.
type Session struct {
	provider *Provider

	mu           sync.RWMutex
	username     string
	accessToken  string
	idToken      string
	refreshToken string
	expiresAt    time.Time
	attributes   map[string]string
}

func (s *Session) setTokens(r *types.AuthenticationResultType) {
	s.accessToken = aws.ToString(r.AccessToken)
	s.idToken = aws.ToString(r.IdToken)
	s.refreshToken = aws.ToString(r.RefreshToken)
	if r.ExpiresIn > 0 {
		s.expiresAt = s.provider.now().Add(time.Duration(r.ExpiresIn) * time.Second)
	}
}

// IsAuthenticated reports whether the session holds an unexpired token.
func (s *Session) IsAuthenticated() bool {
	if s == nil {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.accessToken == "" {
		return false
	}
	return s.expiresAt.IsZero() || s.provider.now().Before(s.expiresAt)
}

// Username returns the signed-in user name, or "" after logout.
func (s *Session) Username() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.username
}

// AccessToken returns the Cognito access token.
func (s *Session) AccessToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.accessToken
}

// Attribute returns a user attribute by name, for example "email" or
// "custom:policy_number".
func (s *Session) Attribute(name string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.accessToken == "" {
		return "", false
	}
	v, ok := s.attributes[name]
	return v, ok
}

// PolicyNumber returns the custom:policy_number attribute, or "".
func (s *Session) PolicyNumber() string {
	v, _ := s.Attribute(PolicyNumberAttribute)
	return v
}

// Logout revokes the user's tokens and clears local state. Local state is
// cleared even if the revoke call fails.
func (s *Session) Logout(ctx context.Context) error {
	s.mu.Lock()
	token := s.accessToken
	user := s.username
	s.accessToken, s.idToken, s.refreshToken = "", "", ""
	s.username = ""
	s.attributes = nil
	s.expiresAt = time.Time{}
	s.mu.Unlock()

	if token == "" {
		return nil
	}
	if _, err := s.provider.api.GlobalSignOut(ctx, &cip.GlobalSignOutInput{AccessToken: aws.String(token)}); err != nil {
		return fmt.Errorf("sign out: %w", err)
	}
	s.provider.logger.Info("user logged out", "user", user)
	return nil
}
