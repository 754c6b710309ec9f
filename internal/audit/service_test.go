package audit

import (
	"context"
	"testing"
)

func TestService_AppendRequiresCallAndType(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo)

	if err := svc.Append(context.Background(), Event{Type: EventTypeCallStatus}); err == nil {
		t.Fatalf("expected error")
	}
	if err := svc.Append(context.Background(), Event{CallID: "c"}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestService_AppendsImmutableEvents(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo)

	ctx := WithClientIP(context.Background(), "1.2.3.4")
	if err := svc.LogStatus(ctx, "call1", "u", "ringing", "accepted"); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	evs := repo.Events()
	if len(evs) != 1 {
		t.Fatalf("expected 1 event")
	}
	if evs[0].IPAddress != "1.2.3.4" {
		t.Fatalf("expected ip captured from context")
	}
	if evs[0].Type != EventTypeCallStatus || evs[0].ToStatus != "accepted" {
		t.Fatalf("unexpected event %+v", evs[0])
	}
	if evs[0].ID == "" || evs[0].CreatedAt.IsZero() {
		t.Fatalf("expected id and timestamp assigned")
	}
}

func TestService_LogCreated(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo)

	if err := svc.LogCreated(context.Background(), "call1", "patient1", "therapist1"); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	evs := repo.Events()
	if len(evs) != 1 || evs[0].Type != EventTypeCallCreated || evs[0].ToStatus != "dialing" {
		t.Fatalf("unexpected events %+v", evs)
	}
}

func TestService_RequiresRepository(t *testing.T) {
	svc := NewService(nil)
	if err := svc.LogStatus(context.Background(), "c", "u", "a", "b"); err == nil {
		t.Fatalf("expected error without repository")
	}
}

func TestPostgresRepo_RequiresDB(t *testing.T) {
	if err := NewPostgresRepo(nil).Append(context.Background(), Event{CallID: "c", Type: EventTypeCallStatus}); err == nil {
		t.Fatalf("expected error without database")
	}
}
