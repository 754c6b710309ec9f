package reporting

import (
	"context"
	"errors"
	"testing"
	"time"

	"teletherapy-calls/internal/audit"
)

func seed(t *testing.T, now time.Time) *audit.MemoryRepo {
	t.Helper()
	repo := audit.NewMemoryRepo()
	svc := audit.NewService(repo)
	ctx := context.Background()

	must := func(err error) {
		if err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	// c1: T1 accepts then ends. c2: T1 misses. c3: T2 declines. c4: caller cancels T2.
	must(svc.LogCreated(ctx, "c1", "p1", "T1"))
	must(svc.LogStatus(ctx, "c1", "T1", "dialing", "ringing"))
	must(svc.LogStatus(ctx, "c1", "T1", "ringing", "accepted"))
	must(svc.LogStatus(ctx, "c1", "p1", "accepted", "ended"))
	must(svc.LogCreated(ctx, "c2", "p1", "T1"))
	must(svc.LogStatus(ctx, "c2", "T1", "ringing", "missed"))
	must(svc.LogCreated(ctx, "c3", "p2", "T2"))
	must(svc.LogStatus(ctx, "c3", "T2", "dialing", "declined"))
	must(svc.LogCreated(ctx, "c4", "p2", "T2"))
	must(svc.LogStatus(ctx, "c4", "p2", "dialing", "cancelled"))
	must(svc.LogMedia(ctx, "c1", "p1", `{"side":"caller"}`))
	return repo
}

func window(now time.Time) TimeRange {
	return TimeRange{From: now.Add(-time.Hour), To: now.Add(time.Hour)}
}

func TestOutcomeSummary_Totals(t *testing.T) {
	now := time.Now().UTC()
	svc := NewService(seed(t, now))

	out, err := svc.OutcomeSummary(context.Background(), OutcomeSummaryRequest{Range: window(now)})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	want := Outcomes{Attempts: 4, Accepted: 1, Declined: 1, Missed: 1, Cancelled: 1, Ended: 1, AnswerRate: 0.25}
	if out.Outcomes != want {
		t.Fatalf("expected %+v, got %+v", want, out.Outcomes)
	}
	if t1 := out.ByCallee["T1"]; t1.Attempts != 2 || t1.Accepted != 1 || t1.Missed != 1 || t1.AnswerRate != 0.5 {
		t.Fatalf("unexpected T1 outcomes %+v", t1)
	}
	if t2 := out.ByCallee["T2"]; t2.Attempts != 2 || t2.Declined != 1 || t2.Cancelled != 1 || t2.AnswerRate != 0 {
		t.Fatalf("unexpected T2 outcomes %+v", t2)
	}
}

func TestOutcomeSummary_FilterByCallee(t *testing.T) {
	now := time.Now().UTC()
	svc := NewService(seed(t, now))

	out, err := svc.OutcomeSummary(context.Background(), OutcomeSummaryRequest{Range: window(now), CalleeID: "T2"})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if out.Outcomes.Attempts != 2 || out.Outcomes.Accepted != 0 || out.Outcomes.Ended != 0 {
		t.Fatalf("unexpected filtered outcomes %+v", out.Outcomes)
	}
	if _, ok := out.ByCallee["T1"]; ok {
		t.Fatalf("filtered summary leaked T1")
	}
}

func TestOutcomeSummary_StatusAuditedBeforeCreated(t *testing.T) {
	repo := audit.NewMemoryRepo()
	svc := audit.NewService(repo)
	ctx := context.Background()
	now := time.Now().UTC()

	// The callee rang and accepted before the creation event landed.
	for _, err := range []error{
		svc.LogStatus(ctx, "c9", "T3", "dialing", "ringing"),
		svc.LogStatus(ctx, "c9", "T3", "ringing", "accepted"),
		svc.LogCreated(ctx, "c9", "p1", "T3"),
	} {
		if err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	out, err := NewService(repo).OutcomeSummary(ctx, OutcomeSummaryRequest{Range: window(now), CalleeID: "T3"})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if out.Outcomes.Attempts != 1 || out.Outcomes.Accepted != 1 {
		t.Fatalf("unexpected outcomes %+v", out.Outcomes)
	}
	if t3 := out.ByCallee["T3"]; t3.Accepted != 1 || t3.AnswerRate != 1 {
		t.Fatalf("unexpected T3 outcomes %+v", t3)
	}
}

func TestOutcomeSummary_RangeExcludesEvents(t *testing.T) {
	now := time.Now().UTC()
	svc := NewService(seed(t, now))

	out, err := svc.OutcomeSummary(context.Background(), OutcomeSummaryRequest{Range: TimeRange{From: now.Add(time.Hour), To: now.Add(2 * time.Hour)}})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if out.Outcomes.Attempts != 0 || len(out.ByCallee) != 0 {
		t.Fatalf("expected empty summary, got %+v", out)
	}
}

func TestOutcomeSummary_InvalidRange(t *testing.T) {
	svc := NewService(audit.NewMemoryRepo())
	now := time.Now()
	_, err := svc.OutcomeSummary(context.Background(), OutcomeSummaryRequest{Range: TimeRange{From: now, To: now}})
	if !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
}

func TestOutcomeSummary_RequiresRepository(t *testing.T) {
	now := time.Now()
	if _, err := NewService(nil).OutcomeSummary(context.Background(), OutcomeSummaryRequest{Range: window(now)}); err == nil {
		t.Fatalf("expected error without repository")
	}
}
