// Package storetest provides an in-memory store.Store used by package tests.
package storetest

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/vmfds/kool-dav/internal/store"
)

type Store struct {
	mu      sync.RWMutex
	persons map[int64]*store.Person
	hashes  map[string]string

	// Err, when set, is returned by every query to simulate an outage.
	Err error
}

func New() *Store {
	return &Store{
		persons: make(map[int64]*store.Person),
		hashes:  make(map[string]string),
	}
}

func (s *Store) Close() {}

// AddPerson seeds a person row; hash is the stored password hash.
func (s *Store) AddPerson(p store.Person, hash string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := p
	s.persons[p.ID] = &cp
	s.hashes[p.Email] = hash
}

// TouchPerson mutates a field and bumps the modification timestamp, the way
// an edit through the site would.
func (s *Store) TouchPerson(id int64, mutate func(*store.Person)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.persons[id]
	if !ok {
		return
	}
	mutate(p)
	now := time.Now().UTC()
	p.ModifiedAt = &now
}

func (s *Store) RemovePerson(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.persons[id]; ok {
		delete(s.hashes, p.Email)
		delete(s.persons, id)
	}
}

func (s *Store) ListPersons(_ context.Context, excludeCMSUserID string) ([]*store.Person, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*store.Person
	for _, p := range s.persons {
		if excludeCMSUserID != "" && p.CMSUserID == excludeCMSUserID {
			continue
		}
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) GetPersonByID(_ context.Context, id int64) (*store.Person, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.persons[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *Store) GetPersonByEmail(_ context.Context, email string) (*store.Person, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.persons {
		if p.Email == email {
			cp := *p
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) GetPasswordHash(_ context.Context, email string) (string, error) {
	if s.Err != nil {
		return "", s.Err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.hashes[email]
	if !ok {
		return "", store.ErrNotFound
	}
	return h, nil
}

func (s *Store) SearchEmails(_ context.Context, substrings []string, matchAll bool) ([]string, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for _, p := range s.persons {
		matched := matchAll
		for _, sub := range substrings {
			has := strings.Contains(strings.ToLower(p.Email), strings.ToLower(sub))
			if matchAll {
				matched = matched && has
			} else {
				matched = matched || has
			}
		}
		if len(substrings) > 0 && matched {
			out = append(out, p.Email)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) UpdatePersonFields(_ context.Context, email string, fields map[string]string) error {
	if s.Err != nil {
		return s.Err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.persons {
		if p.Email != email {
			continue
		}
		if v, ok := fields["email"]; ok {
			s.hashes[v] = s.hashes[p.Email]
			delete(s.hashes, p.Email)
			p.Email = v
		}
		now := time.Now().UTC()
		p.ModifiedAt = &now
		return nil
	}
	return store.ErrNotFound
}

func (s *Store) PersonSetState(_ context.Context, excludeCMSUserID string) (int64, time.Time, error) {
	if s.Err != nil {
		return 0, time.Time{}, s.Err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var count int64
	maxModified := time.Unix(0, 0).UTC()
	for _, p := range s.persons {
		if excludeCMSUserID != "" && p.CMSUserID == excludeCMSUserID {
			continue
		}
		count++
		if lm := p.LastModified(); lm.After(maxModified) {
			maxModified = lm
		}
	}
	return count, maxModified, nil
}
