package memstore

import (
	"context"
	"sort"

	"github.com/google/uuid"

	"github.com/lalithlochan/herald/internal/db"
)

// AddContact seeds the contact table. Contacts are otherwise read-only.
func (s *Store) AddContact(c db.Contact) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c.Tags = append([]string(nil), c.Tags...)
	s.contacts = append(s.contacts, c)
}

func (s *Store) ContactsByIDs(ctx context.Context, ids []uuid.UUID) ([]db.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	want := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	var out []db.Contact
	for _, c := range s.contacts {
		if want[c.ID] {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *Store) ContactsByTags(ctx context.Context, tags []string) ([]db.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	want := make(map[string]bool, len(tags))
	for _, t := range tags {
		want[t] = true
	}
	var out []db.Contact
	for _, c := range s.contacts {
		for _, t := range c.Tags {
			if want[t] {
				out = append(out, c)
				break
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}
