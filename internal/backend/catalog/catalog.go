// Package catalog lists the address books a principal can see. There is a
// single shared persons table, so every principal owns exactly one book; its
// sync state (ctag) is derived from the content of the person set rather
// than from the owning user.
package catalog

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/vmfds/kool-dav/internal/config"
	"github.com/vmfds/kool-dav/internal/store"
)

type AddressBook struct {
	ID           int64
	URI          string
	PrincipalURI string
	DisplayName  string
	Description  string
	CTag         string
}

type Catalog struct {
	store  store.Store
	cfg    config.AddressbookConfig
	logger zerolog.Logger
}

func New(st store.Store, cfg config.AddressbookConfig, logger zerolog.Logger) *Catalog {
	return &Catalog{store: st, cfg: cfg, logger: logger}
}

// ctagFor derives the collection tag from the person set state. Any person
// insert, update, or delete moves either the count or the max modification
// time, so the tag changes exactly when the book content changes.
func ctagFor(bookURI string, count int64, maxModified int64) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%d:%d", bookURI, count, maxModified)))
	return hex.EncodeToString(sum[:])
}

// AddressBooksForUser returns the books visible to a principal. An unknown
// principal gets an empty listing, not an error; repeated calls with an
// unchanged person set return byte-identical results.
func (c *Catalog) AddressBooksForUser(ctx context.Context, principalURI string) ([]*AddressBook, error) {
	email := principalURI
	if i := strings.LastIndex(principalURI, "/"); i >= 0 {
		email = principalURI[i+1:]
	}
	if email == "" {
		return nil, nil
	}

	person, err := c.store.GetPersonByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}

	count, maxModified, err := c.store.PersonSetState(ctx, c.cfg.AdminCMSUserID)
	if err != nil {
		return nil, fmt.Errorf("person set state: %w", err)
	}

	desc := c.cfg.Description
	if desc == "" {
		desc = "Default addressbook for user " + person.Email
	}

	return []*AddressBook{{
		ID:           person.ID,
		URI:          c.cfg.URI,
		PrincipalURI: principalURI,
		DisplayName:  person.Email,
		Description:  desc,
		CTag:         ctagFor(c.cfg.URI, count, maxModified.UTC().UnixNano()),
	}}, nil
}

// CreateAddressBook accepts and ignores book creation. Clients such as the
// macOS account wizard insist on creating a collection during setup; the
// persons table has nowhere to put one, so the call succeeds without effect.
func (c *Catalog) CreateAddressBook(_ context.Context, principalURI, bookURI string) error {
	c.logger.Debug().Str("book", bookURI).Msg("ignoring addressbook creation")
	return nil
}

// DeleteAddressBook likewise succeeds without effect.
func (c *Catalog) DeleteAddressBook(_ context.Context, principalURI, bookURI string) error {
	c.logger.Debug().Str("book", bookURI).Msg("ignoring addressbook deletion")
	return nil
}

// UpdateAddressBook claims no properties: every requested change is
// reported back as failed so clients know book metadata is fixed.
func (c *Catalog) UpdateAddressBook(_ context.Context, bookURI string, props map[string]string) ([]string, error) {
	return nil, nil
}
