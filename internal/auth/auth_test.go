package auth

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"chatline/internal/models"

	"github.com/stretchr/testify/require"
)

type mockTokenStore struct {
	mu      sync.Mutex
	tokens  map[string]storedToken
	lookups int
	fail    error
}

type storedToken struct {
	userID    string
	expiresAt int64
}

func newMockTokenStore() *mockTokenStore {
	return &mockTokenStore{tokens: make(map[string]storedToken)}
}

func (m *mockTokenStore) UpsertToken(hash, userID string, expiresAt int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[hash] = storedToken{userID: userID, expiresAt: expiresAt}
	return nil
}

func (m *mockTokenStore) GetToken(hash string) (string, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lookups++
	if m.fail != nil {
		return "", 0, m.fail
	}
	tok, ok := m.tokens[hash]
	if !ok {
		return "", 0, models.ErrNotFound
	}
	return tok.userID, tok.expiresAt, nil
}

func (m *mockTokenStore) DeleteToken(hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tokens, hash)
	return nil
}

func (m *mockTokenStore) PurgeExpiredTokens(now int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k, v := range m.tokens {
		if v.expiresAt < now {
			delete(m.tokens, k)
			n++
		}
	}
	return n, nil
}

func TestAuthService(t *testing.T) {
	const t0Unix = 1700000000

	createService := func(t *testing.T, store TokenStore) (*AuthService, *time.Time) {
		cfg := Config{
			Secret:      base64.StdEncoding.EncodeToString([]byte("server-secret")),
			TokenExpiry: time.Hour,
		}
		svc, err := NewAuthService(context.Background(), cfg, store)
		require.NoError(t, err)

		currentTime := time.Unix(t0Unix, 0)
		svc.now = func() time.Time {
			return currentTime
		}
		return svc, &currentTime
	}

	t.Run("Issue and authenticate", func(t *testing.T) {
		store := newMockTokenStore()
		svc, _ := createService(t, store)

		token, expiresAt, err := svc.IssueToken("user1")
		require.NoError(t, err)
		require.Equal(t, int64(t0Unix+3600), expiresAt)

		for hash := range store.tokens {
			require.NotEqual(t, token, hash)
		}

		userID, err := svc.Authenticate(token)
		require.NoError(t, err)
		require.Equal(t, "user1", userID)
		require.Zero(t, store.lookups)
	})

	t.Run("Unknown token", func(t *testing.T) {
		svc, _ := createService(t, newMockTokenStore())
		_, err := svc.Authenticate("nope")
		require.ErrorIs(t, err, models.ErrAuth)
		_, err = svc.Authenticate("")
		require.ErrorIs(t, err, models.ErrAuth)
	})

	t.Run("Token issued by another instance", func(t *testing.T) {
		store := newMockTokenStore()
		issuer, _ := createService(t, store)
		other, _ := createService(t, store)

		token, _, err := issuer.IssueToken("user2")
		require.NoError(t, err)

		userID, err := other.Authenticate(token)
		require.NoError(t, err)
		require.Equal(t, "user2", userID)
		require.Equal(t, 1, store.lookups)

		_, err = other.Authenticate(token)
		require.NoError(t, err)
		require.Equal(t, 1, store.lookups)
	})

	t.Run("Expiry", func(t *testing.T) {
		svc, now := createService(t, newMockTokenStore())
		token, _, err := svc.IssueToken("user1")
		require.NoError(t, err)

		*now = now.Add(2 * time.Hour)
		_, err = svc.Authenticate(token)
		require.ErrorIs(t, err, models.ErrAuth)
	})

	t.Run("Revoke", func(t *testing.T) {
		store := newMockTokenStore()
		svc, _ := createService(t, store)
		token, _, err := svc.IssueToken("user1")
		require.NoError(t, err)

		require.NoError(t, svc.Revoke(token))
		_, err = svc.Authenticate(token)
		require.ErrorIs(t, err, models.ErrAuth)
		require.Empty(t, store.tokens)
	})

	t.Run("Store failure is transient", func(t *testing.T) {
		store := newMockTokenStore()
		store.fail = fmt.Errorf("%w: disk", models.ErrTransient)
		svc, _ := createService(t, store)

		_, err := svc.Authenticate("whatever")
		require.True(t, errors.Is(err, models.ErrTransient))
		require.False(t, errors.Is(err, models.ErrAuth))
	})

	t.Run("Invalid secret", func(t *testing.T) {
		_, err := NewAuthService(context.Background(), Config{Secret: "%%%"}, newMockTokenStore())
		require.Error(t, err)
		_, err = NewAuthService(context.Background(), Config{}, newMockTokenStore())
		require.Error(t, err)
	})
}
