package models

import (
	"time"
)

// Item statuses persisted in the store. There is no succeeded status:
// a successful submission removes the item entirely.
const (
	StatusPending = "pending"
	StatusFailed  = "failed"
)

// Item kinds.
const (
	KindAction = "action"
	KindPhoto  = "photo"
	KindFile   = "file"
)

// Action types dispatched by the submitter. Unknown types fail terminally.
const (
	ActionDailyLogCreate  = "DAILY_LOG_CREATE"
	ActionDailyLogUpdate  = "DAILY_LOG_UPDATE"
	ActionPunchItemCreate = "PUNCH_ITEM_CREATE"
	ActionPunchItemUpdate = "PUNCH_ITEM_UPDATE"
	ActionEquipmentLog    = "EQUIPMENT_LOG_CREATE"
	ActionMaterialLog     = "MATERIAL_LOG_CREATE"
	ActionTimecardCreate  = "TIMECARD_CREATE"
)

// MaxRetryCount is the number of retryable failures an item absorbs before
// it is parked as failed and left to the user.
const MaxRetryCount = 5

// QueueItem is one durable unit of deferred work: a queued REST action or a
// staged photo/file upload waiting for connectivity.
type QueueItem struct {
	ID            string         `json:"id"`
	Kind          string         `json:"kind"`
	ActionType    string         `json:"action_type,omitempty"`
	ResourceID    string         `json:"resource_id,omitempty"`
	Payload       map[string]any `json:"payload,omitempty"`
	DailyLogID    string         `json:"daily_log_id,omitempty"`
	ProjectID     string         `json:"project_id,omitempty"`
	Category      string         `json:"category,omitempty"`
	LocalPath     string         `json:"local_path,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	Status        string         `json:"status"`
	RetryCount    int            `json:"retry_count"`
	LastAttemptAt *time.Time     `json:"last_attempt_at,omitempty"`
	LastError     *string        `json:"last_error,omitempty"`
	Conflict      bool           `json:"conflict"`
	CreatedAt     time.Time      `json:"created_at"`
}

// OwnsFile reports whether the item owns a local spool file that must be
// removed when the item is deleted.
func (i QueueItem) OwnsFile() bool {
	return i.Kind == KindPhoto || i.Kind == KindFile
}

// ResourceKey groups items that target the same remote resource so replay
// can stay in creation order per resource. Items without a resource target
// get a key unique to themselves.
func (i QueueItem) ResourceKey() string {
	switch i.Kind {
	case KindAction:
		if i.ResourceID != "" {
			return "resource:" + i.ResourceID
		}
	case KindPhoto:
		if i.DailyLogID != "" {
			return "daily-log:" + i.DailyLogID
		}
	}
	return "item:" + i.ID
}
