package domain

import (
	"time"

	"github.com/google/uuid"
)

// Run statuses recorded in the ingestion log.
const (
	RunCommitted = "committed"
	RunNoOp      = "noop"
	RunFailed    = "failed"
)

// IngestionRun is the log entry written once per ingestion cycle, whether
// it committed, had nothing to do or failed.
type IngestionRun struct {
	ID             uuid.UUID `json:"id"`
	Source         string    `json:"source"`
	Status         string    `json:"status"`
	Requested      int       `json:"requested"`
	Skipped        int       `json:"skipped"`
	Fetched        int       `json:"fetched"`
	Dropped        int       `json:"dropped"`
	Raced          int       `json:"raced"`
	Products       int       `json:"products"`
	HistoryEntries int       `json:"history_entries"`
	ErrorMessage   string    `json:"error_message,omitempty"`
	StartedAt      time.Time `json:"started_at"`
	FinishedAt     time.Time `json:"finished_at"`
}
