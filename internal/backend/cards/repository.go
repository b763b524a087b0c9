// Package cards materializes persons rows as address objects. Cards are a
// projection of the relational data: reads render vCards on the fly, and the
// write operations refuse because the site owns the persons table.
package cards

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/vmfds/kool-dav/internal/config"
	"github.com/vmfds/kool-dav/internal/store"
	"github.com/vmfds/kool-dav/pkg/vcard"
)

// ErrReadOnly marks the card write operations; the DAV layer maps it to 403.
var ErrReadOnly = errors.New("cards: address objects are read-only")

type Card struct {
	URI          string
	Data         []byte
	ETag         string
	LastModified time.Time
}

type Repository struct {
	store  store.Store
	cfg    config.AddressbookConfig
	logger zerolog.Logger
}

func New(st store.Store, cfg config.AddressbookConfig, logger zerolog.Logger) *Repository {
	return &Repository{store: st, cfg: cfg, logger: logger}
}

// etagFor hashes the full row, not the rendered bytes, so the tag is stable
// across vCard encoder versions yet moves on any column change.
func etagFor(p *store.Person) string {
	parts := []string{
		strconv.FormatInt(p.ID, 10),
		p.CMSUserID,
		p.FirstName,
		p.LastName,
		p.Email,
		p.Phone,
		p.Street,
		p.Zip,
		p.City,
		strconv.FormatInt(p.CreatedAt.UTC().UnixNano(), 10),
	}
	if p.ModifiedAt != nil {
		parts = append(parts, strconv.FormatInt(p.ModifiedAt.UTC().UnixNano(), 10))
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x00")))
	return hex.EncodeToString(sum[:])
}

// Card URIs are the bare decimal person id.
func cardURIFor(id int64) string {
	return strconv.FormatInt(id, 10)
}

func cardFor(p *store.Person) (*Card, error) {
	data, err := vcard.FromPerson(p)
	if err != nil {
		return nil, err
	}
	return &Card{
		URI:          cardURIFor(p.ID),
		Data:         data,
		ETag:         etagFor(p),
		LastModified: p.LastModified().UTC(),
	}, nil
}

// List returns every card in the book, in stable id order. The technical
// admin account is never exported.
func (r *Repository) List(ctx context.Context, bookURI string) ([]*Card, error) {
	persons, err := r.store.ListPersons(ctx, r.cfg.AdminCMSUserID)
	if err != nil {
		return nil, err
	}
	out := make([]*Card, 0, len(persons))
	for _, p := range persons {
		c, err := cardFor(p)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// Get resolves one card by its URI. Malformed URIs and the excluded admin
// person both report store.ErrNotFound; a Get for a URI returned by List
// yields the same ETag and timestamp List reported.
func (r *Repository) Get(ctx context.Context, bookURI, cardURI string) (*Card, error) {
	id, err := strconv.ParseInt(cardURI, 10, 64)
	if err != nil || id <= 0 {
		return nil, store.ErrNotFound
	}

	p, err := r.store.GetPersonByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.CMSUserID == r.cfg.AdminCMSUserID && r.cfg.AdminCMSUserID != "" {
		return nil, store.ErrNotFound
	}
	return cardFor(p)
}

// Create refuses: the persons table is maintained through the site.
func (r *Repository) Create(_ context.Context, bookURI, cardURI string, _ []byte) (string, error) {
	r.logger.Debug().Str("card", cardURI).Msg("rejecting card creation")
	return "", ErrReadOnly
}

// Update refuses for the same reason as Create.
func (r *Repository) Update(_ context.Context, bookURI, cardURI string, _ []byte) (string, error) {
	r.logger.Debug().Str("card", cardURI).Msg("rejecting card update")
	return "", ErrReadOnly
}

// Delete refuses for the same reason as Create.
func (r *Repository) Delete(_ context.Context, bookURI, cardURI string) error {
	r.logger.Debug().Str("card", cardURI).Msg("rejecting card deletion")
	return ErrReadOnly
}
