package kv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/netauto/naas/pkg/helper"
	"github.com/netauto/naas/pkg/lock"
)

const (
	// SaltKey is the Redis key holding the credential hashing salt.
	SaltKey = "naas_cred_salt"

	// SaltLength is the number of lowercase letters in a generated salt.
	SaltLength = 10

	// saltLockKey guards first-boot salt creation across instances.
	saltLockKey = "cred_salt"

	saltLockTTL = 30 * time.Second
)

// EnsureSalt returns the credential hashing salt, creating it on first
// boot. The salt is written with SETNX under a distributed lock and is
// never overwritten afterwards: rotating it would orphan the ownership
// hashes of every job already in the store.
func (s *Store) EnsureSalt(ctx context.Context, locker lock.Locker) (string, error) {
	salt, err := s.client.Get(ctx, SaltKey).Result()
	if err == nil {
		return salt, nil
	}

	if !errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("error reading credential salt: %w", err)
	}

	if err := locker.Lock(ctx, saltLockKey, saltLockTTL); err != nil {
		return "", fmt.Errorf("error acquiring salt bootstrap lock: %w", err)
	}

	defer func() {
		if err := locker.Unlock(ctx, saltLockKey); err != nil {
			zerolog.Ctx(ctx).Warn().
				Err(err).
				Msg("failed to release salt bootstrap lock")
		}
	}()

	fresh, err := helper.RandLetters(SaltLength, nil)
	if err != nil {
		return "", fmt.Errorf("error generating credential salt: %w", err)
	}

	created, err := s.client.SetNX(ctx, SaltKey, fresh, 0).Result()
	if err != nil {
		return "", fmt.Errorf("error writing credential salt: %w", err)
	}

	// Re-read instead of trusting our candidate: another instance may
	// have won the SETNX between our GET and our lock.
	salt, err = s.client.Get(ctx, SaltKey).Result()
	if err != nil {
		return "", fmt.Errorf("error re-reading credential salt: %w", err)
	}

	if created {
		zerolog.Ctx(ctx).Info().Msg("created credential salt")
	} else {
		zerolog.Ctx(ctx).Debug().Msg("credential salt already present")
	}

	return salt, nil
}
