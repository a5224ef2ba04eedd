package db

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const contactSelect = `
	SELECT c.id, c.name, COALESCE(c.phone, ''), COALESCE(c.email, ''),
	       COALESCE(array_agg(ct.tag ORDER BY ct.tag) FILTER (WHERE ct.tag IS NOT NULL), '{}')
	FROM contacts c
	LEFT JOIN contact_tags ct ON ct.contact_id = c.id
`

// ContactsByIDs returns the contacts that exist among ids. Order is not
// guaranteed; callers index the result by ID.
func (r *Repository) ContactsByIDs(ctx context.Context, ids []uuid.UUID) ([]Contact, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = id.String()
	}

	query := contactSelect + `
		WHERE c.id = ANY($1::uuid[])
		GROUP BY c.id
	`
	rows, err := r.db.Pool().Query(ctx, query, keys)
	if err != nil {
		return nil, fmt.Errorf("query contacts by id: %w", err)
	}
	return collectContacts(rows)
}

// ContactsByTags returns every contact carrying at least one of tags, ordered
// by name then ID.
func (r *Repository) ContactsByTags(ctx context.Context, tags []string) ([]Contact, error) {
	if len(tags) == 0 {
		return nil, nil
	}

	query := contactSelect + `
		WHERE c.id IN (SELECT contact_id FROM contact_tags WHERE tag = ANY($1))
		GROUP BY c.id
		ORDER BY c.name, c.id
	`
	rows, err := r.db.Pool().Query(ctx, query, tags)
	if err != nil {
		return nil, fmt.Errorf("query contacts by tag: %w", err)
	}
	return collectContacts(rows)
}

func collectContacts(rows pgx.Rows) ([]Contact, error) {
	defer rows.Close()
	var out []Contact
	for rows.Next() {
		var c Contact
		if err := rows.Scan(&c.ID, &c.Name, &c.Phone, &c.Email, &c.Tags); err != nil {
			return nil, fmt.Errorf("scan contact: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate contacts: %w", err)
	}
	return out, nil
}
