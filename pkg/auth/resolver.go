package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gitpull/pkg/providers/github"
)

// AuthContext contains the resolved clone credentials for a push.
// An empty Token means the remote is read anonymously.
type AuthContext struct {
	Provider       string
	InstallationID int64
	Username       string
	Token          string
}

// Anonymous reports whether no credentials were resolved.
func (a AuthContext) Anonymous() bool {
	return a.Token == ""
}

// EventContext captures the push fields used for auth resolution.
type EventContext struct {
	Provider       string
	InstallationID int64
	Payload        []byte
}

// Resolver resolves clone credentials for a push.
type Resolver interface {
	Resolve(ctx context.Context, event EventContext) (AuthContext, error)
}

// InstallationTokenSource mints GitHub App installation tokens.
type InstallationTokenSource interface {
	InstallationToken(ctx context.Context, installationID int64) (string, error)
}

// DefaultResolver resolves credentials from configuration, preferring a
// GitHub App installation token over a static token.
type DefaultResolver struct {
	cfg       Config
	appTokens InstallationTokenSource
}

// NewResolver constructs a DefaultResolver. A GitHub App token source is
// created when the app is configured.
func NewResolver(cfg Config) *DefaultResolver {
	resolver := &DefaultResolver{cfg: cfg}
	if cfg.GitHub.AppID != 0 && cfg.GitHub.PrivateKeyPath != "" {
		resolver.appTokens = github.NewAppTokenSource(github.AppConfig{
			AppID:          cfg.GitHub.AppID,
			PrivateKeyPath: cfg.GitHub.PrivateKeyPath,
			BaseURL:        cfg.GitHub.BaseURL,
		})
	}
	return resolver
}

// WithTokenSource replaces the GitHub App token source.
func (r *DefaultResolver) WithTokenSource(source InstallationTokenSource) *DefaultResolver {
	r.appTokens = source
	return r
}

// Resolve builds an AuthContext for the push.
func (r *DefaultResolver) Resolve(ctx context.Context, event EventContext) (AuthContext, error) {
	provider := strings.ToLower(strings.TrimSpace(event.Provider))
	switch provider {
	case "github":
		if r.appTokens != nil {
			installationID := event.InstallationID
			if installationID == 0 && len(event.Payload) > 0 {
				id, ok, err := github.InstallationIDFromPayload(event.Payload)
				if err != nil {
					return AuthContext{}, err
				}
				if ok {
					installationID = id
				}
			}
			if installationID != 0 {
				token, err := r.appTokens.InstallationToken(ctx, installationID)
				if err != nil {
					return AuthContext{}, fmt.Errorf("github installation %d: %w", installationID, err)
				}
				return AuthContext{
					Provider:       "github",
					InstallationID: installationID,
					Username:       "x-access-token",
					Token:          token,
				}, nil
			}
			if r.cfg.GitHub.Token == "" {
				return AuthContext{}, errors.New("github installation id not found in push")
			}
		}
		return staticContext("github", r.cfg.GitHub, "x-access-token"), nil
	case "gitlab":
		return staticContext("gitlab", r.cfg.GitLab, "oauth2"), nil
	case "bitbucket":
		return staticContext("bitbucket", r.cfg.Bitbucket, "x-token-auth"), nil
	default:
		return AuthContext{}, fmt.Errorf("unsupported provider for auth resolution: %q", event.Provider)
	}
}

func staticContext(provider string, cfg ProviderConfig, defaultUsername string) AuthContext {
	if cfg.Token == "" {
		return AuthContext{Provider: provider}
	}
	username := cfg.Username
	if username == "" {
		username = defaultUsername
	}
	return AuthContext{Provider: provider, Username: username, Token: cfg.Token}
}
