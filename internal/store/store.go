package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound distinguishes a missing row from a backend failure. Callers
// translate it into protocol-level not-found; every other error is surfaced
// as a hard failure.
var ErrNotFound = errors.New("store: not found")

// Person is one row of the persons table. The numeric ID is immutable and
// keys cards; the login email is unique and keys principals.
type Person struct {
	ID         int64
	CMSUserID  string
	FirstName  string
	LastName   string
	Email      string
	Phone      string
	Street     string
	Zip        string
	City       string
	CreatedAt  time.Time
	ModifiedAt *time.Time
}

// LastModified is the card-visible modification time: the explicit
// modification timestamp when present, else the creation timestamp.
func (p *Person) LastModified() time.Time {
	if p.ModifiedAt != nil && !p.ModifiedAt.IsZero() {
		return *p.ModifiedAt
	}
	return p.CreatedAt
}

type Store interface {
	Close()

	// Persons
	ListPersons(ctx context.Context, excludeCMSUserID string) ([]*Person, error)
	GetPersonByID(ctx context.Context, id int64) (*Person, error)
	GetPersonByEmail(ctx context.Context, email string) (*Person, error)

	// Credentials
	GetPasswordHash(ctx context.Context, email string) (string, error)

	// Principal search/update
	SearchEmails(ctx context.Context, substrings []string, matchAll bool) ([]string, error)
	UpdatePersonFields(ctx context.Context, email string, fields map[string]string) error

	// Change detection over the card set
	PersonSetState(ctx context.Context, excludeCMSUserID string) (count int64, maxModified time.Time, err error)
}
