package postgres

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/vmfds/kool-dav/internal/store"
)

const personColumns = `id, cms_user_id, first_name, last_name, email, phone, street, zip, city, created_at, modified_at`

func scanPerson(row pgx.Row) (*store.Person, error) {
	var p store.Person
	err := row.Scan(&p.ID, &p.CMSUserID, &p.FirstName, &p.LastName, &p.Email,
		&p.Phone, &p.Street, &p.Zip, &p.City, &p.CreatedAt, &p.ModifiedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (s *Store) ListPersons(ctx context.Context, excludeCMSUserID string) ([]*store.Person, error) {
	// An empty exclusion means no filter; cms_user_id defaults to '' and a
	// <> '' predicate would drop every ordinary row.
	q := `select ` + personColumns + ` from persons order by id`
	var args []any
	if excludeCMSUserID != "" {
		q = `select ` + personColumns + ` from persons where cms_user_id <> $1 order by id`
		args = append(args, excludeCMSUserID)
	}
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*store.Person
	for rows.Next() {
		p, err := scanPerson(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) GetPersonByID(ctx context.Context, id int64) (*store.Person, error) {
	row := s.pool.QueryRow(ctx, `
		select `+personColumns+`
		from persons where id = $1`, id)
	return scanPerson(row)
}

func (s *Store) GetPersonByEmail(ctx context.Context, email string) (*store.Person, error) {
	row := s.pool.QueryRow(ctx, `
		select `+personColumns+`
		from persons where email = $1`, email)
	return scanPerson(row)
}

func (s *Store) GetPasswordHash(ctx context.Context, email string) (string, error) {
	var hash string
	err := s.pool.QueryRow(ctx, `
		select password_hash from persons where email = $1`, email).Scan(&hash)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", store.ErrNotFound
		}
		return "", err
	}
	return hash, nil
}

func (s *Store) SearchEmails(ctx context.Context, substrings []string, matchAll bool) ([]string, error) {
	if len(substrings) == 0 {
		return nil, nil
	}

	var sb strings.Builder
	sb.WriteString(`select email from persons where `)
	args := make([]any, 0, len(substrings))
	for i, sub := range substrings {
		if i > 0 {
			if matchAll {
				sb.WriteString(" and ")
			} else {
				sb.WriteString(" or ")
			}
		}
		fmt.Fprintf(&sb, "lower(email) like lower($%d)", i+1)
		args = append(args, "%"+sub+"%")
	}
	sb.WriteString(" order by email")

	rows, err := s.pool.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var email string
		if err := rows.Scan(&email); err != nil {
			return nil, err
		}
		out = append(out, email)
	}
	return out, rows.Err()
}

func (s *Store) UpdatePersonFields(ctx context.Context, email string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}

	cols := make([]string, 0, len(fields))
	for col := range fields {
		cols = append(cols, col)
	}
	sort.Strings(cols)

	var sb strings.Builder
	sb.WriteString(`update persons set `)
	args := make([]any, 0, len(cols)+1)
	for i, col := range cols {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "%s = $%d", col, i+1)
		args = append(args, fields[col])
	}
	fmt.Fprintf(&sb, ", modified_at = now() where email = $%d", len(cols)+1)
	args = append(args, email)

	tag, err := s.pool.Exec(ctx, sb.String(), args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) PersonSetState(ctx context.Context, excludeCMSUserID string) (int64, time.Time, error) {
	var count int64
	var maxModified time.Time
	q := `select count(*), coalesce(max(coalesce(modified_at, created_at)), 'epoch'::timestamptz) from persons`
	var args []any
	if excludeCMSUserID != "" {
		q += ` where cms_user_id <> $1`
		args = append(args, excludeCMSUserID)
	}
	err := s.pool.QueryRow(ctx, q, args...).Scan(&count, &maxModified)
	if err != nil {
		return 0, time.Time{}, err
	}
	return count, maxModified, nil
}
