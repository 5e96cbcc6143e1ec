package domain

import "time"

// RunStatus is the state of a migration run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
)

// MigrationRun records one execution of a plan.
type MigrationRun struct {
	ID          string
	CatalogName string
	Target      string
	Preview     bool
	Status      RunStatus
	Error       string
	StartedAt   time.Time
	FinishedAt  *time.Time
}
