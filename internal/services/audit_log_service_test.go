package services

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	domain "github.com/maplemarket/api/internal/domain"
	"github.com/maplemarket/api/internal/repositories"
)

type stubAuditRepo struct {
	entries   []domain.AuditLog
	appendErr error

	listFilter repositories.AuditLogFilter
	listResp   domain.CursorPage[domain.AuditLog]
	listErr    error
}

func (s *stubAuditRepo) Append(_ context.Context, entry domain.AuditLog) error {
	if s.appendErr != nil {
		return s.appendErr
	}
	s.entries = append(s.entries, entry)
	return nil
}

func (s *stubAuditRepo) List(_ context.Context, filter repositories.AuditLogFilter) (domain.CursorPage[domain.AuditLog], error) {
	s.listFilter = filter
	return s.listResp, s.listErr
}

func newTestAuditService(t *testing.T, repo *stubAuditRepo, now time.Time) AuditLogService {
	t.Helper()
	seq := 0
	svc, err := NewAuditLogService(AuditLogServiceDeps{
		Repository: repo,
		Clock:      func() time.Time { return now },
		IDGenerator: func() string {
			seq++
			return testSequenceID(seq)
		},
	})
	if err != nil {
		t.Fatalf("NewAuditLogService: %v", err)
	}
	return svc
}

func TestAuditRecordBuildsEntry(t *testing.T) {
	now := time.Date(2025, time.May, 1, 8, 0, 0, 0, time.UTC)
	repo := &stubAuditRepo{}
	svc := newTestAuditService(t, repo, now)

	err := svc.Record(context.Background(), RecordAuditCommand{
		ActorID:    "  admin-1 ",
		ActorRole:  "Admin",
		Action:     "order.status.updated",
		TargetType: "order",
		TargetID:   "ord_1",
		Metadata:   map[string]any{"from": "pending", "to": "shipped"},
	})
	if err != nil {
		t.Fatalf("Record returned error: %v", err)
	}
	if len(repo.entries) != 1 {
		t.Fatalf("expected one entry, got %d", len(repo.entries))
	}

	entry := repo.entries[0]
	if !strings.HasPrefix(entry.ID, "aud_") {
		t.Fatalf("expected aud_ prefix, got %q", entry.ID)
	}
	if entry.ActorID != "admin-1" || entry.ActorRole != "admin" {
		t.Fatalf("unexpected actor fields %+v", entry)
	}
	if entry.Metadata["to"] != "shipped" {
		t.Fatalf("unexpected metadata %+v", entry.Metadata)
	}
	if !entry.CreatedAt.Equal(now) {
		t.Fatalf("expected CreatedAt=%v, got %v", now, entry.CreatedAt)
	}
}

func TestAuditRecordRequiresAction(t *testing.T) {
	now := time.Date(2025, time.May, 1, 8, 0, 0, 0, time.UTC)
	svc := newTestAuditService(t, &stubAuditRepo{}, now)

	if err := svc.Record(context.Background(), RecordAuditCommand{ActorID: "admin-1"}); err == nil {
		t.Fatal("expected error for missing action")
	}
}

func TestAuditRecordUnknownRoleNormalized(t *testing.T) {
	now := time.Date(2025, time.May, 1, 8, 0, 0, 0, time.UTC)
	repo := &stubAuditRepo{}
	svc := newTestAuditService(t, repo, now)

	if err := svc.Record(context.Background(), RecordAuditCommand{
		ActorRole: "superuser",
		Action:    "promotion.deleted",
	}); err != nil {
		t.Fatalf("Record returned error: %v", err)
	}
	if repo.entries[0].ActorRole != "unknown" {
		t.Fatalf("expected unknown role, got %q", repo.entries[0].ActorRole)
	}
}

func TestAuditRecordSurfacesAppendFailure(t *testing.T) {
	now := time.Date(2025, time.May, 1, 8, 0, 0, 0, time.UTC)
	repo := &stubAuditRepo{appendErr: errors.New("backend down")}
	svc := newTestAuditService(t, repo, now)

	if err := svc.Record(context.Background(), RecordAuditCommand{Action: "order.refund.completed"}); err == nil {
		t.Fatal("expected append failure to surface")
	}
}

func TestAuditListTrimsFilter(t *testing.T) {
	now := time.Date(2025, time.May, 1, 8, 0, 0, 0, time.UTC)
	repo := &stubAuditRepo{listResp: domain.CursorPage[domain.AuditLog]{
		Items: []domain.AuditLog{{ID: "aud_1", Action: "order.status.updated"}},
	}}
	svc := newTestAuditService(t, repo, now)

	page, err := svc.List(context.Background(), repositories.AuditLogFilter{
		ActorID: " admin-1 ",
		Action:  " order.status.updated ",
	})
	if err != nil {
		t.Fatalf("List returned error: %v", err)
	}
	if repo.listFilter.ActorID != "admin-1" || repo.listFilter.Action != "order.status.updated" {
		t.Fatalf("expected trimmed filter, got %+v", repo.listFilter)
	}
	if len(page.Items) != 1 {
		t.Fatalf("expected one item, got %d", len(page.Items))
	}
}
