package models

import "time"

// SyncStatus is the per-account state of a sync run.
type SyncStatus string

const (
	SyncPending    SyncStatus = "PENDING"
	SyncFetching   SyncStatus = "FETCHING"
	SyncMapping    SyncStatus = "MAPPING"
	SyncPersisting SyncStatus = "PERSISTING"
	SyncCompleted  SyncStatus = "COMPLETED"
	SyncFailed     SyncStatus = "FAILED"
)

// SyncRequest selects what a sync run ingests.
type SyncRequest struct {
	InitiatedBy string       `json:"initiated_by"`
	ReportTypes []ReportType `json:"report_types"`
	StartDate   string       `json:"start_date"`
	EndDate     string       `json:"end_date"`
	// UserID restricts the run to one user's accounts when non-zero.
	UserID int64 `json:"user_id,omitempty"`
}

// ReportOutcome records how one report type fared inside an account run.
type ReportOutcome struct {
	ReportType ReportType `json:"report_type"`
	Status     SyncStatus `json:"status"`
	ReportID   int64      `json:"report_id,omitempty"`
	RowsCount  int        `json:"rows_count,omitempty"`
	Attempts   int        `json:"attempts"`
	Error      string     `json:"error,omitempty"`
}

// SyncOutcome is the record appended to the sync log for one account run.
type SyncOutcome struct {
	ID          int64           `json:"id,omitempty"`
	RunID       string          `json:"run_id"`
	Account     AccountRef      `json:"account"`
	InitiatedBy string          `json:"initiated_by"`
	Status      SyncStatus      `json:"status"`
	Reports     []ReportOutcome `json:"reports"`
	Error       string          `json:"error,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	FinishedAt  time.Time       `json:"finished_at"`
}
