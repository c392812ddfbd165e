package domain

import "time"

type SyncOp string

const (
	SyncUpsert SyncOp = "upsert"
	SyncDelete SyncOp = "delete"
)

// SyncTask is one queued index mutation. A delete with Version 0 is
// unversioned: it is applied one past the newest applied version of its key.
type SyncTask struct {
	ID         string        `json:"id"`
	EntityID   string        `json:"entity_id"`
	Kind       Kind          `json:"kind"`
	Op         SyncOp        `json:"op"`
	Record     *SourceRecord `json:"record,omitempty"`
	Version    int64         `json:"version"`
	EnqueuedAt time.Time     `json:"enqueued_at"`
	Attempts   int           `json:"attempts"`
}

func (t SyncTask) Key() string {
	return DocumentKey(t.Kind, t.EntityID)
}

func (t SyncTask) Validate() error {
	switch t.Op {
	case SyncUpsert:
		if t.Record == nil {
			return ValidationError("validate sync task", "upsert requires a record")
		}
		if err := t.Record.Validate(); err != nil {
			return err
		}
		if t.Record.ID != t.EntityID || t.Record.Kind != t.Kind {
			return ValidationError("validate sync task", "record does not match task key")
		}
		if t.Version <= 0 {
			return ValidationError("validate sync task", "upsert requires a positive revision")
		}
	case SyncDelete:
		if t.EntityID == "" {
			return ValidationError("validate sync task", "entity id is required")
		}
		if _, err := ParseKind(string(t.Kind)); err != nil {
			return err
		}
		if t.Version < 0 {
			return ValidationError("validate sync task", "delete version must be >= 0")
		}
	default:
		return ValidationError("validate sync task", "unknown operation")
	}
	return nil
}

// DeadLetter holds a task that exhausted its retry budget.
type DeadLetter struct {
	ID         string     `json:"id"`
	Task       SyncTask   `json:"task"`
	LastError  string     `json:"last_error"`
	Attempts   int        `json:"attempts"`
	FailedAt   time.Time  `json:"failed_at"`
	ReplayedAt *time.Time `json:"replayed_at,omitempty"`
}

// AppliedVersion is the ledger entry for the newest mutation applied to a key.
type AppliedVersion struct {
	Version   int64     `json:"version"`
	Deleted   bool      `json:"deleted"`
	AppliedAt time.Time `json:"applied_at"`
}

type RebuildReport struct {
	Applied  int    `json:"applied"`
	Skipped  int    `json:"skipped"`
	Failed   int    `json:"failed"`
	Swept    int    `json:"swept"`
	Duration string `json:"duration"`
}
