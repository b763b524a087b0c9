// Package creds answers whether a supplied login/secret pair is valid
// against the password hashes stored in the persons table.
package creds

import (
	"context"
	"crypto/md5"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strings"

	"github.com/rs/zerolog"

	"github.com/vmfds/kool-dav/internal/store"
)

type Validator struct {
	store  store.Store
	logger zerolog.Logger
}

func New(st store.Store, logger zerolog.Logger) *Validator {
	return &Validator{store: st, logger: logger}
}

// HashSecret computes the hash format the persons table stores. The legacy
// schema carries MD5 hex digests; hash strength is owned by the site's
// account management, not by this server.
func HashSecret(secret string) string {
	sum := md5.Sum([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// Validate reports whether secret matches the stored hash for identity.
// Unknown identity and wrong secret are indistinguishable to the caller.
// A store failure is returned as an error, never as a silent pass.
func (v *Validator) Validate(ctx context.Context, identity, secret string) (bool, error) {
	stored, err := v.store.GetPasswordHash(ctx, identity)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Compare against a dummy hash so unknown identities take the
			// same time as known ones.
			subtle.ConstantTimeCompare([]byte(HashSecret(secret)), []byte(HashSecret("")))
			return false, nil
		}
		return false, err
	}

	calc := HashSecret(secret)
	ok := subtle.ConstantTimeCompare([]byte(calc), []byte(strings.ToLower(stored))) == 1
	if !ok {
		v.logger.Debug().Msg("credential check failed")
	}
	return ok, nil
}
