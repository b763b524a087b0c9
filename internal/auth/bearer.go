package auth

import (
	"context"
	"errors"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/rs/zerolog"

	"github.com/vmfds/kool-dav/internal/backend/principals"
	"github.com/vmfds/kool-dav/internal/cache"
	"github.com/vmfds/kool-dav/internal/config"
)

type BearerAuth struct {
	cfg    *config.Config
	Dir    *principals.Directory
	Logger zerolog.Logger

	keyset jwk.Set
	ksAt   time.Time
	ksTTL  time.Duration

	verCache *cache.Cache[string, *Principal]
}

func NewBearerAuth(cfg *config.Config, dir *principals.Directory, logger zerolog.Logger) *BearerAuth {
	return &BearerAuth{
		cfg:      cfg,
		Dir:      dir,
		Logger:   logger,
		ksTTL:    10 * time.Minute,
		verCache: cache.New[string, *Principal](2 * time.Minute),
	}
}

// Authenticate validates a JWT against the configured JWKS and maps the
// token subject onto a principal by login email.
func (b *BearerAuth) Authenticate(ctx context.Context, token string) (*Principal, error) {
	if p, ok := b.verCache.Get(token); ok && p != nil {
		return p, nil
	}

	if b.cfg.Auth.JWKSURL == "" {
		return nil, errors.New("no jwt validation configured")
	}

	// Fetch/cached JWKS
	set := b.keyset
	var err error
	if set == nil || time.Since(b.ksAt) > b.ksTTL {
		set, err = jwk.Fetch(ctx, b.cfg.Auth.JWKSURL)
		if err != nil {
			return nil, err
		}
		b.keyset = set
		b.ksAt = time.Now()
	}

	tok, err := jwt.Parse([]byte(token), jwt.WithKeySet(set), jwt.WithValidate(true))
	if err != nil {
		return nil, errors.New("bearer rejected")
	}
	if iss := tok.Issuer(); b.cfg.Auth.Issuer != "" && iss != b.cfg.Auth.Issuer {
		return nil, errors.New("issuer mismatch")
	}
	if aud := tok.Audience(); len(aud) > 0 && b.cfg.Auth.Audience != "" {
		found := false
		for _, a := range aud {
			if a == b.cfg.Auth.Audience {
				found = true
				break
			}
		}
		if !found {
			return nil, errors.New("audience mismatch")
		}
	}
	sub := tok.Subject()
	if sub == "" {
		return nil, errors.New("no sub")
	}

	pr, err := b.Dir.ByPath(ctx, principals.URIFor(sub))
	if err != nil {
		return nil, err
	}
	if pr == nil {
		return nil, errors.New("unknown subject")
	}
	p := &Principal{Email: pr.Email, Display: pr.DisplayName}
	b.verCache.Set(token, p, time.Now().Add(b.verCache.TTL()))
	return p, nil
}
