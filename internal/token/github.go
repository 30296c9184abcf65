package token

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/msageha/conductor/internal/model"
)

// Doer sends HTTP requests. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// KeySource supplies the App private key; implementations may rotate it.
type KeySource interface {
	PrivateKey() (*rsa.PrivateKey, error)
}

// GitHubAuthority mints installation access tokens for a GitHub App.
type GitHubAuthority struct {
	AppID          string
	InstallationID string
	APIBaseURL     string
	Keys           KeySource
	Doer           Doer
	Now            func() time.Time
}

type accessTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (g *GitHubAuthority) now() time.Time {
	if g.Now != nil {
		return g.Now()
	}
	return time.Now()
}

// AppJWT signs the short-lived RS256 JWT that authenticates as the App.
// iat is backdated a minute for clock drift.
func (g *GitHubAuthority) AppJWT() (string, error) {
	key, err := g.Keys.PrivateKey()
	if err != nil {
		return "", fmt.Errorf("load app private key: %w", err)
	}
	now := g.now()
	claims := jwt.RegisteredClaims{
		Issuer:    g.AppID,
		IssuedAt:  jwt.NewNumericDate(now.Add(-60 * time.Second)),
		ExpiresAt: jwt.NewNumericDate(now.Add(9 * time.Minute)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	if err != nil {
		return "", fmt.Errorf("sign app jwt: %w", err)
	}
	return signed, nil
}

// Acquire exchanges the App JWT for an installation token.
func (g *GitHubAuthority) Acquire(ctx context.Context) (model.TokenCache, error) {
	appJWT, err := g.AppJWT()
	if err != nil {
		return model.TokenCache{}, err
	}

	base := strings.TrimRight(g.APIBaseURL, "/")
	if base == "" {
		base = "https://api.github.com"
	}
	url := fmt.Sprintf("%s/app/installations/%s/access_tokens", base, g.InstallationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return model.TokenCache{}, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+appJWT)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")

	doer := g.Doer
	if doer == nil {
		doer = &http.Client{Timeout: 30 * time.Second}
	}
	obtained := g.now().UTC()
	resp, err := doer.Do(req)
	if err != nil {
		return model.TokenCache{}, fmt.Errorf("request installation token: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return model.TokenCache{}, fmt.Errorf("installation token request returned %d: %s",
			resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var out accessTokenResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return model.TokenCache{}, fmt.Errorf("decode installation token: %w", err)
	}
	if out.Token == "" || out.ExpiresAt.IsZero() {
		return model.TokenCache{}, fmt.Errorf("installation token response missing token or expires_at")
	}
	return model.TokenCache{Token: out.Token, ExpiresAt: out.ExpiresAt.UTC(), ObtainedAt: obtained}, nil
}
