package storage

import (
	"encoding/json"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"amt/internal/domain"
)

// RunLogStore implements domain.RunLogStore over a SQL database.
type RunLogStore struct {
	db *DB
}

// NewRunLogStore creates a new RunLogStore.
func NewRunLogStore(db *DB) *RunLogStore {
	return &RunLogStore{db: db}
}

// ── Run Logs ───────────────────────────────────────────────

// CreateRunLog inserts log, assigning an ID when it has none.
func (s *RunLogStore) CreateRunLog(log *domain.RunLog) error {
	if log.ID == "" {
		log.ID = uuid.New().String()
	}
	failures, err := json.Marshal(log.Failures)
	if err != nil {
		return errors.Wrap(err, "encode failures")
	}
	_, err = s.db.conn.Exec(s.db.rebind(
		`INSERT INTO run_logs (id, job, school_year, started_at, finished_at, status, succeeded, failed, failures)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		log.ID, log.Job, log.SchoolYear, log.StartedAt.UTC(), log.FinishedAt.UTC(),
		log.Status, log.Succeeded, log.Failed, string(failures),
	)
	return errors.Wrap(err, "insert run log")
}

// ListRunLogs returns the latest runs of job, newest first. An empty job lists
// every job.
func (s *RunLogStore) ListRunLogs(job string, limit int) ([]domain.RunLog, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, job, school_year, started_at, finished_at, status, succeeded, failed, failures
		 FROM run_logs`
	args := []any{}
	if job != "" {
		query += ` WHERE job = ?`
		args = append(args, job)
	}
	query += ` ORDER BY started_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.conn.Query(s.db.rebind(query), args...)
	if err != nil {
		return nil, errors.Wrap(err, "query run logs")
	}
	defer rows.Close()

	var logs []domain.RunLog
	for rows.Next() {
		var (
			l        domain.RunLog
			failures string
		)
		if err := rows.Scan(&l.ID, &l.Job, &l.SchoolYear, &l.StartedAt, &l.FinishedAt,
			&l.Status, &l.Succeeded, &l.Failed, &failures); err != nil {
			return nil, errors.Wrap(err, "scan run log")
		}
		if failures != "" && failures != "null" {
			if err := json.Unmarshal([]byte(failures), &l.Failures); err != nil {
				return nil, errors.Wrapf(err, "decode failures of run %s", l.ID)
			}
		}
		l.StartedAt, l.FinishedAt = l.StartedAt.UTC(), l.FinishedAt.UTC()
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// Close closes the underlying database.
func (s *RunLogStore) Close() error {
	return s.db.Close()
}

// ── Discard ────────────────────────────────────────────────

// Discard is the run history of RUNLOG_DRIVER=none.
type Discard struct{}

func (Discard) CreateRunLog(log *domain.RunLog) error {
	if log.ID == "" {
		log.ID = uuid.New().String()
	}
	return nil
}

func (Discard) ListRunLogs(string, int) ([]domain.RunLog, error) { return nil, nil }

func (Discard) Close() error { return nil }

var (
	_ domain.RunLogStore = (*RunLogStore)(nil)
	_ domain.RunLogStore = Discard{}
)
