package credentials

import (
	"context"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/netauto/naas/pkg/kv"
)

// ErrNoSalt is returned when the credential salt has not been
// bootstrapped yet. Instances create it at startup via kv.EnsureSalt.
var ErrNoSalt = errors.New("credential salt is not initialized")

// Hasher derives ownership hashes from credentials. The salt lives in
// the shared store so every instance derives identical hashes; it is
// loaded once and cached for the life of the process.
type Hasher struct {
	store *kv.Store

	mu   sync.Mutex
	salt string
}

// NewHasher creates a Hasher over the shared store.
func NewHasher(store *kv.Store) *Hasher {
	return &Hasher{store: store}
}

// Hash returns the lowercase hex SHA-512 of username:password plus the
// shared salt. The result identifies the submitter of a job; comparing
// it against a stored hash is the only authorization check, so the
// cleartext password never participates in ownership decisions.
func (h *Hasher) Hash(ctx context.Context, creds Credentials) (string, error) {
	salt, err := h.loadSalt(ctx)
	if err != nil {
		return "", err
	}

	sum := sha512.Sum512([]byte(creds.Username + ":" + creds.Password + salt))

	return hex.EncodeToString(sum[:]), nil
}

func (h *Hasher) loadSalt(ctx context.Context) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.salt != "" {
		return h.salt, nil
	}

	salt, err := h.store.Client().Get(ctx, kv.SaltKey).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNoSalt
	}

	if err != nil {
		return "", fmt.Errorf("error reading credential salt: %w", err)
	}

	h.salt = salt

	return salt, nil
}
