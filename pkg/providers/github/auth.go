package github

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const defaultBaseURL = "https://api.github.com"

// tokenRefreshMargin is how long before expiry a cached installation token
// is replaced.
const tokenRefreshMargin = time.Minute

// AppConfig contains GitHub App authentication settings.
type AppConfig struct {
	AppID          int64
	PrivateKeyPath string
	BaseURL        string
}

// InstallationIDFromPayload extracts the GitHub App installation ID.
func InstallationIDFromPayload(payload []byte) (int64, bool, error) {
	var raw struct {
		Installation struct {
			ID int64 `json:"id"`
		} `json:"installation"`
	}
	if err := json.Unmarshal(payload, &raw); err != nil {
		return 0, false, err
	}
	if raw.Installation.ID == 0 {
		return 0, false, nil
	}
	return raw.Installation.ID, true, nil
}

// AppTokenSource mints installation access tokens for a GitHub App and
// caches them until shortly before they expire.
type AppTokenSource struct {
	appID   int64
	keyPath string
	baseURL string
	client  *http.Client
	now     func() time.Time

	keyOnce  sync.Once
	key      *rsa.PrivateKey
	keyError error

	mu     sync.Mutex
	tokens map[int64]cachedToken
}

type cachedToken struct {
	value     string
	expiresAt time.Time
}

// NewAppTokenSource returns a token source for the configured app.
func NewAppTokenSource(cfg AppConfig) *AppTokenSource {
	return &AppTokenSource{
		appID:   cfg.AppID,
		keyPath: cfg.PrivateKeyPath,
		baseURL: normalizeBaseURL(cfg.BaseURL),
		client:  &http.Client{Timeout: 10 * time.Second},
		now:     time.Now,
		tokens:  make(map[int64]cachedToken),
	}
}

// InstallationToken returns an access token usable as the password for
// https clones of repositories the installation can read.
func (a *AppTokenSource) InstallationToken(ctx context.Context, installationID int64) (string, error) {
	if installationID == 0 {
		return "", errors.New("installation id is required")
	}
	a.mu.Lock()
	cached, ok := a.tokens[installationID]
	a.mu.Unlock()
	if ok && a.now().Add(tokenRefreshMargin).Before(cached.expiresAt) {
		return cached.value, nil
	}

	token, err := a.exchange(ctx, installationID)
	if err != nil {
		return "", err
	}
	a.mu.Lock()
	a.tokens[installationID] = token
	a.mu.Unlock()
	return token.value, nil
}

func (a *AppTokenSource) exchange(ctx context.Context, installationID int64) (cachedToken, error) {
	signed, err := a.jwt()
	if err != nil {
		return cachedToken{}, err
	}

	endpoint := fmt.Sprintf("%s/app/installations/%d/access_tokens", a.baseURL, installationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return cachedToken{}, err
	}
	req.Header.Set("Authorization", "Bearer "+signed)
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := a.client.Do(req)
	if err != nil {
		return cachedToken{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return cachedToken{}, fmt.Errorf("github token exchange failed: %s", strings.TrimSpace(string(body)))
	}

	var out struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return cachedToken{}, err
	}
	if out.Token == "" {
		return cachedToken{}, errors.New("github installation token missing from response")
	}
	return cachedToken{value: out.Token, expiresAt: out.ExpiresAt}, nil
}

// jwt signs the short lived app token GitHub expects on /app endpoints.
func (a *AppTokenSource) jwt() (string, error) {
	key, err := a.privateKey()
	if err != nil {
		return "", err
	}
	now := a.now().UTC()
	claims := jwt.RegisteredClaims{
		IssuedAt:  jwt.NewNumericDate(now.Add(-30 * time.Second)),
		ExpiresAt: jwt.NewNumericDate(now.Add(9 * time.Minute)),
		Issuer:    strconv.FormatInt(a.appID, 10),
	}
	return jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
}

func (a *AppTokenSource) privateKey() (*rsa.PrivateKey, error) {
	a.keyOnce.Do(func() {
		keyBytes, err := os.ReadFile(a.keyPath)
		if err != nil {
			a.keyError = err
			return
		}
		key, err := jwt.ParseRSAPrivateKeyFromPEM(keyBytes)
		if err != nil {
			a.keyError = fmt.Errorf("github private key: %w", err)
			return
		}
		a.key = key
	})
	if a.keyError != nil {
		return nil, a.keyError
	}
	if a.key == nil {
		return nil, errors.New("github private key not loaded")
	}
	return a.key, nil
}

func normalizeBaseURL(base string) string {
	base = strings.TrimSpace(base)
	if base == "" {
		return defaultBaseURL
	}
	return strings.TrimRight(base, "/")
}
