package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"fieldsync/internal/models"
	"fieldsync/internal/remote"
	"fieldsync/internal/spool"
	"fieldsync/internal/store"
	"fieldsync/internal/submit"
	"fieldsync/internal/telemetry"
)

// ErrNotResolvable marks resolve calls against items that are not parked on
// a conflict.
var ErrNotResolvable = errors.New("item is not waiting on conflict resolution")

// Syncer requests a drain pass. Satisfied by *drain.Drainer.
type Syncer interface {
	TriggerSync()
}

// Service is the queue surface the UI layer talks to. It owns enqueueing and
// the user-facing state transitions; the drain scheduler owns everything
// that happens during replay.
type Service struct {
	store  store.Store
	spool  *spool.Spool
	remote *remote.Client
	syncer Syncer
}

func NewService(st store.Store, sp *spool.Spool, rc *remote.Client, syncer Syncer) *Service {
	return &Service{store: st, spool: sp, remote: rc, syncer: syncer}
}

// EnqueueAction queues a deferred REST write. Returns immediately; the item
// starts pending and a drain pass is requested.
func (s *Service) EnqueueAction(ctx context.Context, actionType, resourceID string, payload map[string]any) (models.QueueItem, error) {
	item := models.QueueItem{
		ID:         uuid.New().String(),
		Kind:       models.KindAction,
		ActionType: actionType,
		ResourceID: resourceID,
		Payload:    payload,
		Status:     models.StatusPending,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.store.Insert(ctx, item); err != nil {
		return models.QueueItem{}, fmt.Errorf("enqueue action: %w", err)
	}
	telemetry.EnqueuedCounter.Inc()
	s.syncer.TriggerSync()
	return item, nil
}

// EnqueuePhoto spools the photo bytes and queues the upload.
func (s *Service) EnqueuePhoto(ctx context.Context, dailyLogID, filename string, r io.Reader, metadata map[string]any) (models.QueueItem, error) {
	return s.enqueueUpload(ctx, models.QueueItem{
		Kind:       models.KindPhoto,
		DailyLogID: dailyLogID,
		Metadata:   metadata,
	}, filename, r)
}

// EnqueueFile spools the file bytes and queues the upload.
func (s *Service) EnqueueFile(ctx context.Context, projectID, category, filename string, r io.Reader, metadata map[string]any) (models.QueueItem, error) {
	return s.enqueueUpload(ctx, models.QueueItem{
		Kind:      models.KindFile,
		ProjectID: projectID,
		Category:  category,
		Metadata:  metadata,
	}, filename, r)
}

func (s *Service) enqueueUpload(ctx context.Context, item models.QueueItem, filename string, r io.Reader) (models.QueueItem, error) {
	item.ID = uuid.New().String()
	item.Status = models.StatusPending
	item.CreatedAt = time.Now().UTC()

	path, err := s.spool.Save(item.ID, filename, r)
	if err != nil {
		return models.QueueItem{}, fmt.Errorf("spool upload: %w", err)
	}
	item.LocalPath = path

	if err := s.store.Insert(ctx, item); err != nil {
		_ = s.spool.Remove(path)
		return models.QueueItem{}, fmt.Errorf("enqueue upload: %w", err)
	}
	telemetry.EnqueuedCounter.Inc()
	s.syncer.TriggerSync()
	return item, nil
}

// ListPending returns pending items, optionally narrowed to one kind.
func (s *Service) ListPending(ctx context.Context, kind string) ([]models.QueueItem, error) {
	return s.store.ListByStatus(ctx, models.StatusPending, kind)
}

// ListFailed returns failed items, optionally narrowed to one kind.
func (s *Service) ListFailed(ctx context.Context, kind string) ([]models.QueueItem, error) {
	return s.store.ListByStatus(ctx, models.StatusFailed, kind)
}

// Retry puts a failed item back in the pending pool with a fresh retry
// budget and requests a drain pass. Retrying an already-pending item leaves
// its fields alone but still triggers the pass.
func (s *Service) Retry(ctx context.Context, id string) error {
	item, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if item.Status != models.StatusPending {
		err := s.store.UpdateStatus(ctx, id, store.StatusUpdate{
			Status:     models.StatusPending,
			RetryCount: 0,
		})
		if err != nil {
			return fmt.Errorf("reset item: %w", err)
		}
	}
	s.syncer.TriggerSync()
	return nil
}

// RetryAll resets every failed item, then requests one drain pass.
func (s *Service) RetryAll(ctx context.Context) (int, error) {
	failed, err := s.store.ListByStatus(ctx, models.StatusFailed, "")
	if err != nil {
		return 0, err
	}
	reset := 0
	for _, item := range failed {
		err := s.store.UpdateStatus(ctx, item.ID, store.StatusUpdate{
			Status:     models.StatusPending,
			RetryCount: 0,
		})
		if err != nil {
			return reset, fmt.Errorf("reset item %s: %w", item.ID, err)
		}
		reset++
	}
	if reset > 0 {
		s.syncer.TriggerSync()
	}
	return reset, nil
}

// Delete removes an item and, for upload kinds, its spool file.
func (s *Service) Delete(ctx context.Context, id string) error {
	item, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	if item.OwnsFile() {
		if err := s.spool.Remove(item.LocalPath); err != nil {
			return err
		}
	}
	return nil
}

// Resolution pairs the queued local write with the current remote state so
// the user can decide which side wins.
type Resolution struct {
	Item   models.QueueItem `json:"item"`
	Remote map[string]any   `json:"remote,omitempty"`
}

// Resolution fetches both sides of a conflict. The remote snapshot is best
// effort: offline resolution still shows the local item.
func (s *Service) Resolution(ctx context.Context, id string) (Resolution, error) {
	item, err := s.store.Get(ctx, id)
	if err != nil {
		return Resolution{}, err
	}
	if !item.Conflict {
		return Resolution{}, ErrNotResolvable
	}
	res := Resolution{Item: item}
	if path, ok := submit.ResourcePath(item); ok {
		var snapshot map[string]any
		if err := s.remote.GetJSON(ctx, path, &snapshot); err == nil {
			res.Remote = snapshot
		}
	}
	return res, nil
}

// Resolve applies the user's conflict decision: keep-local replays the
// queued write over the remote change, keep-remote discards it.
func (s *Service) Resolve(ctx context.Context, id, choice string) error {
	item, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if !item.Conflict {
		return ErrNotResolvable
	}
	switch choice {
	case "keep-local":
		return s.Retry(ctx, id)
	case "keep-remote":
		return s.Delete(ctx, id)
	default:
		return fmt.Errorf("unknown resolution choice %q", choice)
	}
}

// TriggerSync requests an immediate drain pass.
func (s *Service) TriggerSync() {
	s.syncer.TriggerSync()
}
