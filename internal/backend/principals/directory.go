// Package principals resolves DAV principals against the persons table.
// Every person with a login email is a principal; the URI shape
// "principals/<email>" is a client-visible contract and must not change.
package principals

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/vmfds/kool-dav/internal/store"
)

// CollectionPrefix is the single principal collection this system serves.
const CollectionPrefix = "principals"

// WebDAV property names this directory understands. Both map onto the email
// column; the legacy site has no separate display-name column for logins.
const (
	PropDisplayName  = "{DAV:}displayname"
	PropEmailAddress = "{http://sabredav.org/ns}email-address"
)

var fieldMap = map[string]string{
	PropDisplayName:  "email",
	PropEmailAddress: "email",
}

// MatchMode mirrors the DAV principal-property-search test attribute.
type MatchMode string

const (
	MatchAll MatchMode = "allof"
	MatchAny MatchMode = "anyof"
)

type Principal struct {
	URI         string
	DisplayName string
	Email       string
}

type Directory struct {
	store  store.Store
	logger zerolog.Logger
}

func New(st store.Store, logger zerolog.Logger) *Directory {
	return &Directory{store: st, logger: logger}
}

// URIFor builds the canonical principal URI for a login email.
func URIFor(email string) string {
	return CollectionPrefix + "/" + email
}

func parentPath(uri string) string {
	if i := strings.LastIndex(uri, "/"); i >= 0 {
		return uri[:i]
	}
	return ""
}

func principalFor(p *store.Person) *Principal {
	return &Principal{
		URI:         URIFor(p.Email),
		DisplayName: p.Email,
		Email:       p.Email,
	}
}

// ListByPrefix enumerates all principals whose parent collection equals
// prefix. Only the fixed "principals" collection ever matches.
func (d *Directory) ListByPrefix(ctx context.Context, prefix string) ([]*Principal, error) {
	persons, err := d.store.ListPersons(ctx, "")
	if err != nil {
		return nil, err
	}

	var out []*Principal
	for _, p := range persons {
		uri := URIFor(p.Email)
		if parentPath(uri) != prefix {
			continue
		}
		out = append(out, principalFor(p))
	}
	return out, nil
}

// ByPath resolves one principal by its full path. A missing principal is
// (nil, nil), never an error.
func (d *Directory) ByPath(ctx context.Context, path string) (*Principal, error) {
	email, ok := strings.CutPrefix(path, CollectionPrefix+"/")
	if !ok || email == "" || strings.Contains(email, "/") {
		return nil, nil
	}

	p, err := d.store.GetPersonByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return principalFor(p), nil
}

// Search implements principal-property-search matching: case-insensitive
// substring containment per criterion, combined with AND (allof) or OR
// (anyof). A criterion on any unsupported property makes the whole search
// return zero results; WebDAV clients rely on that rather than on partial
// matches.
func (d *Directory) Search(ctx context.Context, prefix string, criteria map[string]string, mode MatchMode) ([]string, error) {
	if len(criteria) == 0 {
		return nil, nil
	}

	props := make([]string, 0, len(criteria))
	for prop := range criteria {
		if _, ok := fieldMap[prop]; !ok {
			return nil, nil
		}
		props = append(props, prop)
	}
	sort.Strings(props)

	subs := make([]string, 0, len(props))
	for _, prop := range props {
		subs = append(subs, criteria[prop])
	}

	emails, err := d.store.SearchEmails(ctx, subs, mode != MatchAny)
	if err != nil {
		return nil, err
	}

	var out []string
	for _, email := range emails {
		uri := URIFor(email)
		if parentPath(uri) != prefix {
			continue
		}
		out = append(out, uri)
	}
	return out, nil
}

// Update applies a principal property patch. Only whitelisted properties
// are claimed; the returned slice names the claimed property keys so the
// protocol layer can report unclaimed ones as failed instead of silently
// accepted. All claimed changes go to the store as one combined update.
func (d *Directory) Update(ctx context.Context, path string, props map[string]string) ([]string, error) {
	email, ok := strings.CutPrefix(path, CollectionPrefix+"/")
	if !ok || email == "" {
		return nil, store.ErrNotFound
	}

	// Iterate in sorted key order so that when two claimed properties land
	// on the same column the winner is deterministic: email-address sorts
	// after displayname and its value prevails.
	keys := make([]string, 0, len(props))
	for prop := range props {
		keys = append(keys, prop)
	}
	sort.Strings(keys)

	var claimed []string
	fields := make(map[string]string)
	for _, prop := range keys {
		col, ok := fieldMap[prop]
		if !ok {
			continue
		}
		claimed = append(claimed, prop)
		fields[col] = props[prop]
	}

	if len(claimed) == 0 {
		return nil, nil
	}
	if err := d.store.UpdatePersonFields(ctx, email, fields); err != nil {
		return nil, err
	}
	return claimed, nil
}

// GroupMemberSet returns the members of a group principal. No groups exist
// in this system; the empty set is the correct answer, not a stub.
func (d *Directory) GroupMemberSet(_ context.Context, _ string) ([]string, error) {
	return []string{}, nil
}

// GroupMembership returns the groups a principal belongs to; always empty.
func (d *Directory) GroupMembership(_ context.Context, _ string) ([]string, error) {
	return []string{}, nil
}

// SearchableProperties lists the property names Search accepts, for the
// principal-search-property-set REPORT.
func SearchableProperties() []string {
	return []string{PropDisplayName, PropEmailAddress}
}
