package auth

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"

	"github.com/rs/zerolog"

	"github.com/vmfds/kool-dav/internal/backend/creds"
	"github.com/vmfds/kool-dav/internal/backend/principals"
)

type BasicAuth struct {
	Creds  *creds.Validator
	Dir    *principals.Directory
	Logger zerolog.Logger
}

func (b *BasicAuth) Authenticate(ctx context.Context, header string) (*Principal, error) {
	// header may be empty; clients prompt and retry; handle both cases
	if header == "" {
		return nil, errors.New("no auth")
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "basic" {
		return nil, errors.New("not basic")
	}
	dec, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, err
	}
	pair := strings.SplitN(string(dec), ":", 2)
	if len(pair) != 2 {
		return nil, errors.New("malformed basic")
	}
	username, password := pair[0], pair[1]

	ok, err := b.Creds.Validate(ctx, username, password)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.New("invalid credentials")
	}

	p, err := b.Dir.ByPath(ctx, principals.URIFor(username))
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, errors.New("invalid credentials")
	}
	return &Principal{
		Email:   p.Email,
		Display: p.DisplayName,
	}, nil
}
