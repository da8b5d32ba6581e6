package auth

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha512"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"chatline/internal/models"

	"github.com/c-pro/geche"
)

const (
	DefaultTokenExpiry = 24 * time.Hour
	// Revocations on another instance become visible here within this interval.
	maxCacheTTL = 5 * time.Minute
)

// TokenStore persists hashed bearer tokens.
type TokenStore interface {
	UpsertToken(tokenHash, userID string, expiresAt int64) error
	GetToken(tokenHash string) (userID string, expiresAt int64, err error)
	DeleteToken(tokenHash string) error
	PurgeExpiredTokens(now int64) (int, error)
}

type Config struct {
	Secret      string        `json:"secret"`
	secretBytes []byte        `json:"-"`
	TokenExpiry time.Duration `json:"tokenExpiry"`
}

func (c *Config) Validate() error {
	if c.Secret == "" {
		return errors.New("secret is required")
	}

	var err error
	c.secretBytes, err = base64.StdEncoding.DecodeString(c.Secret)
	if err != nil {
		return fmt.Errorf("auth secret is not a valid base64: %w", err)
	}

	if c.TokenExpiry == 0 {
		c.TokenExpiry = DefaultTokenExpiry
	}

	return nil
}

type liveToken struct {
	userID    string
	expiresAt int64
}

// AuthService issues opaque bearer tokens and resolves them to user ids.
// Only HMAC digests of tokens are stored.
type AuthService struct {
	Config
	store      TokenStore
	liveTokens geche.Geche[string, liveToken]
	now        func() time.Time
}

func NewAuthService(ctx context.Context, config Config, store TokenStore) (*AuthService, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	ttl := config.TokenExpiry
	if ttl > maxCacheTTL {
		ttl = maxCacheTTL
	}
	return &AuthService{
		Config:     config,
		store:      store,
		liveTokens: geche.NewMapTTLCache[string, liveToken](ctx, ttl, time.Minute),
		now:        time.Now,
	}, nil
}

func (as *AuthService) hashToken(token string) string {
	h := hmac.New(sha512.New, as.secretBytes)
	h.Write([]byte(token))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

func (as *AuthService) generateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// IssueToken creates a new token for userID and returns it with its expiry.
func (as *AuthService) IssueToken(userID string) (string, int64, error) {
	token, err := as.generateToken()
	if err != nil {
		return "", 0, err
	}
	expiresAt := as.now().Add(as.TokenExpiry).Unix()
	hash := as.hashToken(token)
	if err := as.store.UpsertToken(hash, userID, expiresAt); err != nil {
		return "", 0, fmt.Errorf("failed to persist token: %w", err)
	}
	as.liveTokens.Set(hash, liveToken{userID: userID, expiresAt: expiresAt})
	return token, expiresAt, nil
}

// Authenticate resolves token to its user id. Unknown, revoked and expired
// tokens fail with models.ErrAuth.
func (as *AuthService) Authenticate(token string) (string, error) {
	if token == "" {
		return "", fmt.Errorf("%w: missing token", models.ErrAuth)
	}
	hash := as.hashToken(token)
	now := as.now().Unix()

	if live, err := as.liveTokens.Get(hash); err == nil {
		if live.expiresAt >= now {
			return live.userID, nil
		}
		_ = as.liveTokens.Del(hash)
		return "", fmt.Errorf("%w: token expired", models.ErrAuth)
	}

	userID, expiresAt, err := as.store.GetToken(hash)
	if errors.Is(err, models.ErrNotFound) {
		return "", fmt.Errorf("%w: unknown token", models.ErrAuth)
	}
	if err != nil {
		slog.Error("token lookup failed", "error", err)
		return "", fmt.Errorf("%w: token lookup: %v", models.ErrTransient, err)
	}
	if expiresAt < now {
		return "", fmt.Errorf("%w: token expired", models.ErrAuth)
	}
	as.liveTokens.Set(hash, liveToken{userID: userID, expiresAt: expiresAt})
	return userID, nil
}

// Revoke invalidates token.
func (as *AuthService) Revoke(token string) error {
	hash := as.hashToken(token)
	_ = as.liveTokens.Del(hash)
	return as.store.DeleteToken(hash)
}

// RunJanitor removes expired tokens from the store every interval until ctx ends.
func (as *AuthService) RunJanitor(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := as.store.PurgeExpiredTokens(as.now().Unix())
			if err != nil {
				slog.Error("failed to purge expired tokens", "error", err)
				continue
			}
			if n > 0 {
				slog.Debug("purged expired tokens", "count", n)
			}
		}
	}
}
