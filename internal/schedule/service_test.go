package schedule

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/db"
	"github.com/lalithlochan/herald/internal/memstore"
	"github.com/lalithlochan/herald/internal/recurrence"
)

var now = time.Date(2026, 10, 16, 9, 30, 0, 0, time.UTC)

func newTestService(policy ResumePolicy) (*Service, *memstore.Store) {
	store := memstore.New()
	s := New(store, Config{ResumePolicy: policy}, zap.NewNop())
	s.now = func() time.Time { return now }
	return s, store
}

func dailyInput() Input {
	return Input{
		Name:       "daily standup reminder",
		Channel:    db.ChannelSMS,
		Payload:    db.Payload{Text: "Standup in 15 minutes"},
		Recipients: db.RecipientSpec{Tags: []string{"engineering"}},
		SendType:   db.SendRecurring,
		Rule: &recurrence.Rule{
			Frequency: recurrence.Daily,
			Interval:  1,
			TimeOfDay: "09:45",
			Start:     now.Add(-30 * 24 * time.Hour),
			Timezone:  "UTC",
		},
	}
}

func TestValidate(t *testing.T) {
	at := now.Add(time.Hour)
	tests := []struct {
		name  string
		edit  func(*Input)
		field string
	}{
		{"missing name", func(in *Input) { in.Name = " " }, "name"},
		{"bad channel", func(in *Input) { in.Channel = "fax" }, "channel"},
		{"empty payload", func(in *Input) { in.Payload = db.Payload{} }, "payload"},
		{"email without subject", func(in *Input) { in.Channel = db.ChannelEmail }, "payload.subject"},
		{"no recipients", func(in *Input) { in.Recipients = db.RecipientSpec{} }, "recipients"},
		{"blank tag", func(in *Input) { in.Recipients.Tags = []string{""} }, "recipients.tags"},
		{"recurring without rule", func(in *Input) { in.Rule = nil }, "rule"},
		{"malformed rule", func(in *Input) { in.Rule.TimeOfDay = "25:99" }, "rule"},
		{"once without time", func(in *Input) { in.SendType = db.SendOnce; in.Rule = nil }, "scheduled_at"},
		{"immediate with time", func(in *Input) { in.SendType = db.SendImmediate; in.Rule = nil; in.ScheduledAt = &at }, "send_type"},
		{"unknown send type", func(in *Input) { in.SendType = "sometimes" }, "send_type"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := dailyInput()
			rule := *in.Rule
			in.Rule = &rule
			tt.edit(&in)

			err := Validate(in)
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if verr.Field != tt.field {
				t.Errorf("field = %s, want %s", verr.Field, tt.field)
			}
		})
	}

	if err := Validate(dailyInput()); err != nil {
		t.Errorf("valid input rejected: %v", err)
	}
}

func TestValidate_RuleErrorUnwraps(t *testing.T) {
	in := dailyInput()
	in.Rule.Timezone = "Mars/Olympus"
	if err := Validate(in); !errors.Is(err, recurrence.ErrInvalidRule) {
		t.Errorf("expected wrapped recurrence error, got %v", err)
	}
}

func TestCreate_DraftIsNotPersistedWhenInvalid(t *testing.T) {
	s, store := newTestService(ResumePreserve)
	in := dailyInput()
	in.Name = ""

	if _, err := s.Create(context.Background(), in, "ops", true); err == nil {
		t.Fatal("expected validation error")
	}
	all, _ := store.ListMessages(context.Background(), db.MessageFilter{})
	if len(all) != 0 {
		t.Errorf("invalid message must not be stored, found %d", len(all))
	}
}

func TestCreate_ActivateComputesFirstRun(t *testing.T) {
	s, _ := newTestService(ResumePreserve)
	at := now.Add(2 * time.Hour)

	tests := []struct {
		name string
		in   func() Input
		want time.Time
	}{
		{"recurring", dailyInput, time.Date(2026, 10, 16, 9, 45, 0, 0, time.UTC)},
		{"immediate", func() Input {
			in := dailyInput()
			in.SendType, in.Rule = db.SendImmediate, nil
			return in
		}, now},
		{"once", func() Input {
			in := dailyInput()
			in.SendType, in.Rule, in.ScheduledAt = db.SendOnce, nil, &at
			return in
		}, at},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := s.Create(context.Background(), tt.in(), "ops", true)
			if err != nil {
				t.Fatalf("create: %v", err)
			}
			if m.Status != db.MessageActive || m.NextRunAt == nil || !m.NextRunAt.Equal(tt.want) {
				t.Errorf("got %s next=%v, want active at %v", m.Status, m.NextRunAt, tt.want)
			}
		})
	}
}

func TestLifecycle_DraftActivatePauseResumeCancel(t *testing.T) {
	s, _ := newTestService(ResumePreserve)
	ctx := context.Background()

	m, err := s.Create(ctx, dailyInput(), "ops", false)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if m.Status != db.MessageDraft || m.NextRunAt != nil {
		t.Fatalf("expected draft without next run, got %s", m.Status)
	}

	m, err = s.Activate(ctx, m.ID)
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	scheduled := *m.NextRunAt

	m, err = s.Pause(ctx, m.ID)
	if err != nil {
		t.Fatalf("pause: %v", err)
	}
	if m.Status != db.MessagePaused || m.NextRunAt != nil || !m.PausedNextRunAt.Equal(scheduled) {
		t.Fatalf("pause should save the next run, got %+v", m)
	}

	if _, err := s.Activate(ctx, m.ID); !errors.Is(err, ErrInvalidState) {
		t.Errorf("activate on paused: expected ErrInvalidState, got %v", err)
	}

	m, err = s.Resume(ctx, m.ID)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if m.Status != db.MessageActive || !m.NextRunAt.Equal(scheduled) {
		t.Fatalf("resume should restore %v, got %v", scheduled, m.NextRunAt)
	}

	m, err = s.Cancel(ctx, m.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if m.Status != db.MessageCancelled || m.NextRunAt != nil {
		t.Fatalf("expected cancelled, got %s", m.Status)
	}
	if _, err := s.Cancel(ctx, m.ID); !errors.Is(err, ErrInvalidState) {
		t.Errorf("second cancel: expected ErrInvalidState, got %v", err)
	}
	if _, err := s.Update(ctx, m.ID, dailyInput()); !errors.Is(err, ErrInvalidState) {
		t.Errorf("edit after cancel: expected ErrInvalidState, got %v", err)
	}
}

func TestResume_Policies(t *testing.T) {
	tests := []struct {
		policy ResumePolicy
		want   time.Time
	}{
		// paused at 09:30 with 09:45 pending, resumed next day at 10:00
		{ResumePreserve, time.Date(2026, 10, 16, 9, 45, 0, 0, time.UTC)},
		{ResumeRecompute, time.Date(2026, 10, 18, 9, 45, 0, 0, time.UTC)},
	}

	for _, tt := range tests {
		t.Run(string(tt.policy), func(t *testing.T) {
			s, _ := newTestService(tt.policy)
			ctx := context.Background()

			m, _ := s.Create(ctx, dailyInput(), "ops", true)
			s.Pause(ctx, m.ID)

			s.now = func() time.Time { return now.Add(24*time.Hour + 30*time.Minute) }
			m, err := s.Resume(ctx, m.ID)
			if err != nil {
				t.Fatalf("resume: %v", err)
			}
			if !m.NextRunAt.Equal(tt.want) {
				t.Errorf("next run = %v, want %v", m.NextRunAt, tt.want)
			}
		})
	}
}

func TestUpdate_RecomputesActiveSchedule(t *testing.T) {
	s, _ := newTestService(ResumePreserve)
	ctx := context.Background()
	m, _ := s.Create(ctx, dailyInput(), "ops", true)

	in := dailyInput()
	in.Rule.TimeOfDay = "18:00"
	m, err := s.Update(ctx, m.ID, in)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	want := time.Date(2026, 10, 16, 18, 0, 0, 0, time.UTC)
	if !m.NextRunAt.Equal(want) {
		t.Errorf("next run = %v, want %v", m.NextRunAt, want)
	}
}

func TestUpdate_StaleWrite(t *testing.T) {
	s, store := newTestService(ResumePreserve)
	ctx := context.Background()
	m, _ := s.Create(ctx, dailyInput(), "ops", true)

	// a concurrent writer bumps updated_at
	stale, _ := store.GetMessage(ctx, m.ID)
	if _, err := s.Pause(ctx, m.ID); err != nil {
		t.Fatalf("pause: %v", err)
	}
	stale.Name = "renamed"
	if err := store.UpdateMessage(ctx, stale); !errors.Is(err, db.ErrStale) {
		t.Fatalf("expected ErrStale, got %v", err)
	}
}

func TestOperations_NotFound(t *testing.T) {
	s, _ := newTestService(ResumePreserve)
	id := uuid.New()
	if _, err := s.Pause(context.Background(), id); !errors.Is(err, db.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := s.Delete(context.Background(), id); !errors.Is(err, db.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestParseResumePolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    ResumePolicy
		wantErr bool
	}{
		{"", ResumePreserve, false},
		{"preserve", ResumePreserve, false},
		{"Recompute", ResumeRecompute, false},
		{"skip", "", true},
	}
	for _, tt := range tests {
		got, err := ParseResumePolicy(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseResumePolicy(%q) = %q, %v", tt.in, got, err)
		}
	}
}
