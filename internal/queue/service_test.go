package queue

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"fieldsync/internal/models"
	"fieldsync/internal/remote"
	"fieldsync/internal/spool"
	"fieldsync/internal/store"
)

type fakeSyncer struct {
	triggers int
}

func (f *fakeSyncer) TriggerSync() { f.triggers++ }

func newTestService(t *testing.T, backend *httptest.Server) (*Service, *store.SQLite, *fakeSyncer) {
	t.Helper()
	st, err := store.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "queue.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(st.Close)

	sp, err := spool.New(filepath.Join(t.TempDir(), "spool"))
	if err != nil {
		t.Fatalf("new spool: %v", err)
	}

	baseURL := "http://unused.invalid"
	if backend != nil {
		baseURL = backend.URL
	}
	syncer := &fakeSyncer{}
	return NewService(st, sp, remote.New(baseURL, nil), syncer), st, syncer
}

func TestEnqueueActionTriggersSync(t *testing.T) {
	ctx := context.Background()
	svc, st, syncer := newTestService(t, nil)

	item, err := svc.EnqueueAction(ctx, models.ActionDailyLogCreate, "", map[string]any{"weather": "sun"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if item.Status != models.StatusPending || item.ID == "" {
		t.Fatalf("unexpected item: %+v", item)
	}
	if syncer.triggers != 1 {
		t.Fatalf("expected one sync trigger, got %d", syncer.triggers)
	}
	if _, err := st.Get(ctx, item.ID); err != nil {
		t.Fatalf("item not persisted: %v", err)
	}
}

func TestEnqueuePhotoSpoolsFile(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t, nil)

	item, err := svc.EnqueuePhoto(ctx, "log-1", "IMG_1.jpg", strings.NewReader("jpeg"), map[string]any{"caption": "footing pour"})
	if err != nil {
		t.Fatalf("enqueue photo: %v", err)
	}
	if item.LocalPath == "" {
		t.Fatal("photo item must own a spool path")
	}
	data, err := os.ReadFile(item.LocalPath)
	if err != nil {
		t.Fatalf("spool file: %v", err)
	}
	if string(data) != "jpeg" {
		t.Fatalf("spool content = %q", data)
	}
}

func failedItem(t *testing.T, st *store.SQLite, id string, conflict bool) models.QueueItem {
	t.Helper()
	ctx := context.Background()
	item := models.QueueItem{
		ID:         id,
		Kind:       models.KindAction,
		ActionType: models.ActionDailyLogUpdate,
		ResourceID: "log-1",
		Payload:    map[string]any{"weather": "rain"},
		Status:     models.StatusPending,
		CreatedAt:  time.Now().UTC().Truncate(time.Second),
	}
	if err := st.Insert(ctx, item); err != nil {
		t.Fatalf("insert: %v", err)
	}
	attempt := time.Now().UTC().Truncate(time.Second)
	reason := "conflict"
	err := st.UpdateStatus(ctx, id, store.StatusUpdate{
		Status:        models.StatusFailed,
		RetryCount:    2,
		LastAttemptAt: &attempt,
		LastError:     &reason,
		Conflict:      conflict,
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	got, err := st.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	return got
}

func TestRetryResetsFailedItem(t *testing.T) {
	ctx := context.Background()
	svc, st, syncer := newTestService(t, nil)
	failedItem(t, st, "item-1", false)

	if err := svc.Retry(ctx, "item-1"); err != nil {
		t.Fatalf("retry: %v", err)
	}
	got, err := st.Get(ctx, "item-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != models.StatusPending || got.RetryCount != 0 {
		t.Fatalf("retry did not reset: %+v", got)
	}
	if got.LastAttemptAt != nil || got.LastError != nil || got.Conflict {
		t.Fatalf("retry must clear attempt state: %+v", got)
	}
	if syncer.triggers != 1 {
		t.Fatalf("expected a sync trigger, got %d", syncer.triggers)
	}
}

func TestRetryOnPendingItemIsFieldNoop(t *testing.T) {
	ctx := context.Background()
	svc, st, syncer := newTestService(t, nil)

	item, err := svc.EnqueueAction(ctx, models.ActionDailyLogCreate, "", nil)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	before, _ := st.Get(ctx, item.ID)

	if err := svc.Retry(ctx, item.ID); err != nil {
		t.Fatalf("retry: %v", err)
	}
	after, _ := st.Get(ctx, item.ID)
	if before.RetryCount != after.RetryCount || before.Status != after.Status {
		t.Fatalf("retry on pending mutated fields: before=%+v after=%+v", before, after)
	}
	if syncer.triggers != 2 {
		t.Fatalf("retry should still trigger a pass, triggers = %d", syncer.triggers)
	}
}

func TestRetryAll(t *testing.T) {
	ctx := context.Background()
	svc, st, _ := newTestService(t, nil)
	failedItem(t, st, "item-1", false)
	failedItem(t, st, "item-2", false)

	n, err := svc.RetryAll(ctx)
	if err != nil {
		t.Fatalf("retry all: %v", err)
	}
	if n != 2 {
		t.Fatalf("reset %d items, want 2", n)
	}
	pending, _ := st.ListByStatus(ctx, models.StatusPending, "")
	if len(pending) != 2 {
		t.Fatalf("expected 2 pending, got %d", len(pending))
	}
}

func TestDeleteRemovesSpoolFile(t *testing.T) {
	ctx := context.Background()
	svc, st, _ := newTestService(t, nil)

	item, err := svc.EnqueueFile(ctx, "proj-1", "drawings", "rev4.pdf", strings.NewReader("pdf"), nil)
	if err != nil {
		t.Fatalf("enqueue file: %v", err)
	}
	if err := svc.Delete(ctx, item.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := st.Get(ctx, item.ID); err != store.ErrNotFound {
		t.Fatalf("row should be gone, err = %v", err)
	}
	if _, err := os.Stat(item.LocalPath); !os.IsNotExist(err) {
		t.Fatalf("spool file should be gone, stat err = %v", err)
	}
}

func TestResolutionReturnsBothSides(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/daily-logs/log-1" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"weather":"snow","updated_by":"foreman"}`))
	}))
	defer srv.Close()

	ctx := context.Background()
	svc, st, _ := newTestService(t, srv)
	failedItem(t, st, "item-1", true)

	res, err := svc.Resolution(ctx, "item-1")
	if err != nil {
		t.Fatalf("resolution: %v", err)
	}
	if res.Item.ID != "item-1" {
		t.Fatalf("local side = %+v", res.Item)
	}
	if res.Remote["weather"] != "snow" {
		t.Fatalf("remote side = %+v", res.Remote)
	}
}

func TestResolveChoices(t *testing.T) {
	ctx := context.Background()
	svc, st, _ := newTestService(t, nil)

	failedItem(t, st, "keep-local-item", true)
	if err := svc.Resolve(ctx, "keep-local-item", "keep-local"); err != nil {
		t.Fatalf("resolve keep-local: %v", err)
	}
	got, _ := st.Get(ctx, "keep-local-item")
	if got.Status != models.StatusPending || got.Conflict {
		t.Fatalf("keep-local should re-queue: %+v", got)
	}

	failedItem(t, st, "keep-remote-item", true)
	if err := svc.Resolve(ctx, "keep-remote-item", "keep-remote"); err != nil {
		t.Fatalf("resolve keep-remote: %v", err)
	}
	if _, err := st.Get(ctx, "keep-remote-item"); err != store.ErrNotFound {
		t.Fatalf("keep-remote should delete, err = %v", err)
	}

	failedItem(t, st, "plain-failure", false)
	if err := svc.Resolve(ctx, "plain-failure", "keep-local"); err != ErrNotResolvable {
		t.Fatalf("non-conflict resolve err = %v", err)
	}
}
