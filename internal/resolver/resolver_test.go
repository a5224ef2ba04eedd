package resolver

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/db"
)

type mockSource struct {
	contacts []db.Contact
	byTag    map[string][]db.Contact
	err      error
}

func (m *mockSource) ContactsByIDs(ctx context.Context, ids []uuid.UUID) ([]db.Contact, error) {
	if m.err != nil {
		return nil, m.err
	}
	var out []db.Contact
	for _, c := range m.contacts {
		for _, id := range ids {
			if c.ID == id {
				out = append(out, c)
			}
		}
	}
	return out, nil
}

func (m *mockSource) ContactsByTags(ctx context.Context, tags []string) ([]db.Contact, error) {
	if m.err != nil {
		return nil, m.err
	}
	var out []db.Contact
	for _, t := range tags {
		out = append(out, m.byTag[t]...)
	}
	return out, nil
}

func TestResolve_UnionDedupedInOrder(t *testing.T) {
	alice := db.Contact{ID: uuid.New(), Name: "Alice", Phone: "+1 (555) 000-0001"}
	bob := db.Contact{ID: uuid.New(), Name: "Bob", Phone: "+15550000002"}
	carol := db.Contact{ID: uuid.New(), Name: "Carol", Phone: "+1-555-000-0002"} // same number as Bob

	src := &mockSource{
		contacts: []db.Contact{alice, bob, carol},
		byTag:    map[string][]db.Contact{"vip": {alice, carol}},
	}
	r := New(src, zap.NewNop())

	res, err := r.Resolve(context.Background(), db.RecipientSpec{
		ContactIDs: []uuid.UUID{bob.ID, alice.ID},
		Tags:       []string{"vip"},
	}, db.ChannelSMS)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(res.Recipients) != 2 {
		t.Fatalf("expected 2 recipients, got %d", len(res.Recipients))
	}
	if res.Recipients[0].Address != "+15550000002" || res.Recipients[1].Address != "+15550000001" {
		t.Errorf("unexpected order: %s, %s", res.Recipients[0].Address, res.Recipients[1].Address)
	}
	if res.Deliverable != 2 || res.Skipped != 0 {
		t.Errorf("expected 2 deliverable, got %d/%d", res.Deliverable, res.Skipped)
	}
}

func TestResolve_SkipsMissingAddressAndUnknownContact(t *testing.T) {
	noEmail := db.Contact{ID: uuid.New(), Name: "Dan", Phone: "+15550003"}
	withEmail := db.Contact{ID: uuid.New(), Name: "Eve", Email: " Eve@Example.COM "}
	gone := uuid.New()

	r := New(&mockSource{contacts: []db.Contact{noEmail, withEmail}}, zap.NewNop())
	res, err := r.Resolve(context.Background(), db.RecipientSpec{
		ContactIDs: []uuid.UUID{noEmail.ID, withEmail.ID, gone},
	}, db.ChannelEmail)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(res.Recipients) != 3 {
		t.Fatalf("expected 3 recipients, got %d", len(res.Recipients))
	}
	if res.Recipients[0].Status != db.RecipientSkipped || *res.Recipients[0].Error != db.ReasonNoAddress {
		t.Errorf("expected no-address skip, got %s", res.Recipients[0].Status)
	}
	if res.Recipients[1].Address != "eve@example.com" {
		t.Errorf("expected normalized email, got %q", res.Recipients[1].Address)
	}
	if res.Recipients[2].Status != db.RecipientSkipped || *res.Recipients[2].Error != db.ReasonContactNotFound {
		t.Errorf("expected contact-not-found skip, got %s", res.Recipients[2].Status)
	}
	if res.Skipped != 2 || res.Deliverable != 1 {
		t.Errorf("expected 1 deliverable and 2 skipped, got %d/%d", res.Deliverable, res.Skipped)
	}
}

func TestResolve_EmptyAudience(t *testing.T) {
	r := New(&mockSource{}, zap.NewNop())
	res, err := r.Resolve(context.Background(), db.RecipientSpec{Tags: []string{"nobody"}}, db.ChannelSMS)
	if err != nil {
		t.Fatalf("empty audience should not error: %v", err)
	}
	if len(res.Recipients) != 0 {
		t.Errorf("expected no recipients, got %d", len(res.Recipients))
	}
}

func TestResolve_StoreUnavailable(t *testing.T) {
	storeErr := errors.New("connection refused")
	r := New(&mockSource{err: storeErr}, zap.NewNop())

	_, err := r.Resolve(context.Background(), db.RecipientSpec{Tags: []string{"vip"}}, db.ChannelSMS)

	var resErr *ResolutionError
	if !errors.As(err, &resErr) {
		t.Fatalf("expected ResolutionError, got %v", err)
	}
	if !errors.Is(err, storeErr) {
		t.Error("expected the store error to be wrapped")
	}
}

func TestNormalizePhone(t *testing.T) {
	tests := map[string]string{
		"+1 (555) 000-0001": "+15550000001",
		" 555.000.0001 ":    "5550000001",
		"+":                 "",
		"":                  "",
		"12+34":             "1234",
	}
	for in, want := range tests {
		if got := NormalizePhone(in); got != want {
			t.Errorf("NormalizePhone(%q) = %q, want %q", in, got, want)
		}
	}
}
