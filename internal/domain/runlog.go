package domain

import "time"

// RunStatus values recorded for a job run.
const (
	RunSuccess = "success"
	RunPartial = "partial"
	RunError   = "error"
	RunNoWork  = "no-work"
)

// RunLog is the historical record of one orchestrated job run.
type RunLog struct {
	ID         string    `json:"id" bson:"_id"`
	Job        string    `json:"job" bson:"job"` // "extract" | "transform" | "pipeline"
	SchoolYear string    `json:"schoolYear" bson:"school_year"`
	StartedAt  time.Time `json:"startedAt" bson:"started_at"`
	FinishedAt time.Time `json:"finishedAt" bson:"finished_at"`
	Status     string    `json:"status" bson:"status"`
	Succeeded  int       `json:"succeeded" bson:"succeeded"` // endpoints staged or views written
	Failed     int       `json:"failed" bson:"failed"`
	Failures   []Failure `json:"failures,omitempty" bson:"failures,omitempty"`
}

// RunLogStore persists run history.
type RunLogStore interface {
	CreateRunLog(log *RunLog) error
	ListRunLogs(job string, limit int) ([]RunLog, error)
	Close() error
}
