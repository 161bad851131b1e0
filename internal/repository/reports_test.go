package repository

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/iago/reporting-back/internal/domain"
)

func newTestRequest(t *testing.T, requester domain.RequesterRef, createdAt time.Time) *domain.ReportRequest {
	t.Helper()
	token, err := domain.NewToken()
	if err != nil {
		t.Fatalf("new token: %v", err)
	}
	return &domain.ReportRequest{
		ID:        uuid.NewString(),
		Token:     token,
		Kind:      "sales",
		Params:    map[string]any{"month": "2024-01", "filters": map[string]any{"region": "south"}},
		Requester: requester,
		Status:    domain.ReportStatusQueued,
		RemoteIP:  "10.0.0.1",
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
}

// exerciseReportsRepository runs the lifecycle contract shared by every implementation.
func exerciseReportsRepository(t *testing.T, repo ReportsRepository) {
	t.Helper()
	ctx := context.Background()
	owner := domain.RequesterRef{Type: "user", ID: "u-" + uuid.NewString()}
	createdAt := time.Now().UTC().Truncate(time.Microsecond)

	req := newTestRequest(t, owner, createdAt)
	if err := repo.Create(ctx, req); err != nil {
		t.Fatalf("create: %v", err)
	}

	dup := newTestRequest(t, owner, createdAt)
	dup.Token = req.Token
	if err := repo.Create(ctx, dup); !errors.Is(err, domain.ErrDuplicateToken) {
		t.Fatalf("expected ErrDuplicateToken, got %v", err)
	}

	stored, err := repo.GetByToken(ctx, req.Token)
	if err != nil {
		t.Fatalf("get by token: %v", err)
	}
	if stored.ID != req.ID || stored.Status != domain.ReportStatusQueued {
		t.Fatalf("unexpected stored request %+v", stored)
	}
	if stored.Params["filters"].(map[string]any)["region"] != "south" {
		t.Fatalf("params not persisted verbatim: %+v", stored.Params)
	}
	if stored.File != nil || stored.ErrorMessage != "" {
		t.Fatalf("queued request must carry neither file nor error")
	}

	if _, err := repo.Get(ctx, uuid.NewString()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := repo.GetByToken(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound by token, got %v", err)
	}

	if err := repo.Complete(ctx, req.ID, domain.Artifact{Key: "k"}, time.Now()); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("queued -> done must be rejected, got %v", err)
	}
	if err := repo.Fail(ctx, req.ID, "boom", time.Now()); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("queued -> failed must be rejected, got %v", err)
	}

	startedAt := createdAt.Add(time.Second)
	claimed, err := repo.Claim(ctx, req.ID, startedAt, "worker-a")
	if err != nil || !claimed {
		t.Fatalf("expected first claim to win, claimed=%v err=%v", claimed, err)
	}
	claimed, err = repo.Claim(ctx, req.ID, startedAt, "worker-b")
	if err != nil || claimed {
		t.Fatalf("expected second claim to lose, claimed=%v err=%v", claimed, err)
	}
	if _, err := repo.Claim(ctx, uuid.NewString(), startedAt, "worker-a"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound when claiming unknown id, got %v", err)
	}

	if err := repo.Fail(ctx, req.ID, "DB timeout", startedAt.Add(time.Second)); err != nil {
		t.Fatalf("fail: %v", err)
	}
	failed, _ := repo.Get(ctx, req.ID)
	if failed.Status != domain.ReportStatusFailed || failed.ErrorMessage != "DB timeout" || failed.File != nil {
		t.Fatalf("unexpected failed state %+v", failed)
	}
	if failed.ServiceName != "worker-a" || failed.Attempts != 1 {
		t.Fatalf("expected audit columns from claim, got service=%q attempts=%d", failed.ServiceName, failed.Attempts)
	}

	retryStart := startedAt.Add(2 * time.Second)
	claimed, err = repo.Claim(ctx, req.ID, retryStart, "worker-b")
	if err != nil || !claimed {
		t.Fatalf("expected failed request to be claimable, claimed=%v err=%v", claimed, err)
	}
	reclaimed, _ := repo.Get(ctx, req.ID)
	if reclaimed.ErrorMessage != "" || reclaimed.FinishedAt != nil {
		t.Fatalf("claim must clear previous failure, got %+v", reclaimed)
	}

	artifact := domain.Artifact{Key: "reports/x/sales.csv", Filename: "sales.csv", ContentType: "text/csv", Size: 42, Checksum: "abc"}
	finishedAt := retryStart.Add(time.Second)
	if err := repo.Complete(ctx, req.ID, artifact, finishedAt); err != nil {
		t.Fatalf("complete: %v", err)
	}
	done, _ := repo.GetByToken(ctx, req.Token)
	if done.Status != domain.ReportStatusDone || done.File == nil || *done.File != artifact {
		t.Fatalf("unexpected done state %+v", done)
	}
	if done.Attempts != 2 || done.ServiceName != "worker-b" {
		t.Fatalf("expected second attempt by worker-b, got %d %q", done.Attempts, done.ServiceName)
	}
	if done.FinishedAt == nil || done.StartedAt == nil || done.FinishedAt.Before(*done.StartedAt) || done.StartedAt.Before(done.CreatedAt) {
		t.Fatalf("timestamps out of order: %+v", done)
	}

	claimed, err = repo.Claim(ctx, req.ID, time.Now(), "worker-c")
	if err != nil || claimed {
		t.Fatalf("done request must not be claimable, claimed=%v err=%v", claimed, err)
	}

	other := newTestRequest(t, domain.RequesterRef{Type: "service", ID: owner.ID}, createdAt.Add(time.Minute))
	if err := repo.Create(ctx, other); err != nil {
		t.Fatalf("create other: %v", err)
	}
	second := newTestRequest(t, owner, createdAt.Add(2*time.Minute))
	second.Kind = "inventory"
	if err := repo.Create(ctx, second); err != nil {
		t.Fatalf("create second: %v", err)
	}

	items, total, err := repo.List(ctx, domain.ReportListFilter{Requester: &owner})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 2 || len(items) != 2 || items[0].ID != second.ID {
		t.Fatalf("expected owner's two requests newest first, got total=%d items=%d", total, len(items))
	}

	doneStatus := domain.ReportStatusDone
	items, total, err = repo.List(ctx, domain.ReportListFilter{Requester: &owner, Status: &doneStatus})
	if err != nil || total != 1 || items[0].ID != req.ID {
		t.Fatalf("expected status filter to match done request, total=%d err=%v", total, err)
	}

	items, total, err = repo.List(ctx, domain.ReportListFilter{Requester: &owner, Kind: "inventory", PageSize: 1})
	if err != nil || total != 1 || len(items) != 1 || items[0].ID != second.ID {
		t.Fatalf("expected kind filter to match, total=%d err=%v", total, err)
	}

	items, total, err = repo.List(ctx, domain.ReportListFilter{Requester: &owner, Page: 5})
	if err != nil || total != 2 || len(items) != 0 {
		t.Fatalf("expected empty page past the end, total=%d len=%d err=%v", total, len(items), err)
	}
}

func exerciseConcurrentClaim(t *testing.T, repo ReportsRepository) {
	t.Helper()
	ctx := context.Background()
	req := newTestRequest(t, domain.RequesterRef{Type: "user", ID: "race"}, time.Now().UTC())
	if err := repo.Create(ctx, req); err != nil {
		t.Fatalf("create: %v", err)
	}

	var (
		wins atomic.Int32
		wg   sync.WaitGroup
	)
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			claimed, err := repo.Claim(ctx, req.ID, time.Now().UTC(), fmt.Sprintf("worker-%d", worker))
			if err != nil {
				t.Errorf("claim: %v", err)
				return
			}
			if claimed {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Fatalf("expected exactly one winning claim, got %d", wins.Load())
	}
}

func TestMemoryReportsRepositoryLifecycle(t *testing.T) {
	exerciseReportsRepository(t, NewMemoryReportsRepository())
}

func TestMemoryReportsRepositoryConcurrentClaim(t *testing.T) {
	exerciseConcurrentClaim(t, NewMemoryReportsRepository())
}

func TestMemoryReportsRepositoryIsolatesCallers(t *testing.T) {
	repo := NewMemoryReportsRepository()
	req := newTestRequest(t, domain.RequesterRef{Type: "user", ID: "u1"}, time.Now().UTC())
	if err := repo.Create(context.Background(), req); err != nil {
		t.Fatalf("create: %v", err)
	}

	req.Params["month"] = "mutated"
	stored, _ := repo.Get(context.Background(), req.ID)
	stored.Status = domain.ReportStatusDone

	again, _ := repo.Get(context.Background(), req.ID)
	if again.Params["month"] != "2024-01" || again.Status != domain.ReportStatusQueued {
		t.Fatalf("repository leaked shared state: %+v", again)
	}
}

func TestMemoryReportsRepositoryStartedBeforeFilter(t *testing.T) {
	repo := NewMemoryReportsRepository()
	ctx := context.Background()
	now := time.Now().UTC()

	stuck := newTestRequest(t, domain.RequesterRef{Type: "user", ID: "u1"}, now.Add(-2*time.Hour))
	fresh := newTestRequest(t, domain.RequesterRef{Type: "user", ID: "u1"}, now)
	for _, req := range []*domain.ReportRequest{stuck, fresh} {
		if err := repo.Create(ctx, req); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	if _, err := repo.Claim(ctx, stuck.ID, now.Add(-time.Hour), "w"); err != nil {
		t.Fatalf("claim stuck: %v", err)
	}
	if _, err := repo.Claim(ctx, fresh.ID, now, "w"); err != nil {
		t.Fatalf("claim fresh: %v", err)
	}

	processing := domain.ReportStatusProcessing
	cutoff := now.Add(-30 * time.Minute)
	items, total, err := repo.List(ctx, domain.ReportListFilter{Status: &processing, StartedBefore: &cutoff})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 1 || items[0].ID != stuck.ID {
		t.Fatalf("expected only the stuck request, got total=%d", total)
	}
}

func TestMemoryReportsRepositoryListClampsHugePage(t *testing.T) {
	repo := NewMemoryReportsRepository()
	ctx := context.Background()
	req := newTestRequest(t, domain.RequesterRef{Type: "user", ID: "u1"}, time.Now().UTC())
	if err := repo.Create(ctx, req); err != nil {
		t.Fatalf("create: %v", err)
	}

	for _, page := range []int{math.MaxInt64, math.MaxInt32, maxPage + 1} {
		items, total, err := repo.List(ctx, domain.ReportListFilter{Page: page, PageSize: maxPageSize})
		if err != nil {
			t.Fatalf("page %d: list: %v", page, err)
		}
		if total != 1 || len(items) != 0 {
			t.Fatalf("page %d: expected empty page with total 1, got %d items total=%d", page, len(items), total)
		}
	}

	if filter := normalizeFilter(domain.ReportListFilter{Page: math.MaxInt64, PageSize: maxPageSize}); (filter.Page-1)*filter.PageSize < 0 {
		t.Fatalf("offset overflowed for page %d", filter.Page)
	}
}
