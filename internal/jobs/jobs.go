package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/example/appointment-scheduler/internal/db"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

var ErrInvalidTransition = errors.New("jobs: invalid status transition")

// allowedFrom maps a target status to the statuses it may be entered from.
var allowedFrom = map[Status][]Status{
	StatusInProgress: {StatusPending},
	StatusCompleted:  {StatusInProgress},
	StatusFailed:     {StatusPending, StatusInProgress},
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

func (s Status) Terminal() bool { return s == StatusCompleted || s == StatusFailed }

func CanTransition(from, to Status) bool {
	for _, f := range allowedFrom[to] {
		if f == from {
			return true
		}
	}
	return false
}

// Stats is the summary written on completion.
type Stats struct {
	TotalContainers    int   `json:"total_containers"`
	FilteredContainers int   `json:"filtered_containers"`
	CheckedContainers  int   `json:"checked_containers"`
	FailedChecks       int   `json:"failed_checks"`
	SkippedContainers  int   `json:"skipped_containers"`
	TotalAppointments  int   `json:"total_appointments"`
	BulkImportCount    int   `json:"bulk_import_count"`
	BulkExportCount    int   `json:"bulk_export_count"`
	DurationSeconds    int64 `json:"duration_seconds"`
}

type Job struct {
	ID           string     `json:"job_id"`
	TenantID     int64      `json:"tenant_id"`
	Status       Status     `json:"status"`
	FolderPath   string     `json:"folder_path"`
	Stats        *Stats     `json:"summary_stats,omitempty"`
	ErrorMessage *string    `json:"error_message,omitempty"`
	StartedAt    time.Time  `json:"started_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// NewID derives the job id from the tenant and the request time.
func NewID(tenantID int64, now time.Time) string {
	return strconv.FormatInt(tenantID, 10) + "_" + strconv.FormatInt(now.Unix(), 10)
}

type ListFilter struct {
	Status Status
	Limit  int
	Offset int
}

type Repo struct{ db *db.DB }

func NewRepo(d *db.DB) *Repo { return &Repo{db: d} }

const columns = `id,tenant_id,status,folder_path,summary_stats,error_message,started_at,completed_at`

func scanJob(row db.Row) (Job, error) {
	var j Job
	var stats []byte
	if err := row.Scan(&j.ID, &j.TenantID, &j.Status, &j.FolderPath, &stats, &j.ErrorMessage, &j.StartedAt, &j.CompletedAt); err != nil {
		return Job{}, err
	}
	if len(stats) > 0 {
		j.Stats = &Stats{}
		if err := json.Unmarshal(stats, j.Stats); err != nil {
			return Job{}, fmt.Errorf("jobs: decode stats for %s: %w", j.ID, err)
		}
	}
	return j, nil
}

func (r *Repo) Create(ctx context.Context, j Job) error {
	return r.db.Exec(ctx, `
INSERT INTO jobs(id,tenant_id,status,folder_path,started_at)
VALUES ($1,$2,'pending',$3,$4)`, j.ID, j.TenantID, j.FolderPath, j.StartedAt)
}

func (r *Repo) Get(ctx context.Context, id string) (Job, error) {
	j, err := scanJob(r.db.QueryRow(ctx, `SELECT `+columns+` FROM jobs WHERE id=$1`, id))
	if err != nil {
		return Job{}, db.WrapNotFound(err)
	}
	return j, nil
}

func (r *Repo) ListByTenant(ctx context.Context, tenantID int64, f ListFilter) ([]Job, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	var status *string
	if f.Status != "" {
		s := string(f.Status)
		status = &s
	}
	return r.list(ctx, `
SELECT `+columns+` FROM jobs
WHERE tenant_id=$1 AND ($2::text IS NULL OR status=$2)
ORDER BY started_at DESC
LIMIT $3 OFFSET $4`, tenantID, status, f.Limit, f.Offset)
}

func (r *Repo) ListByStatus(ctx context.Context, s Status) ([]Job, error) {
	return r.list(ctx, `SELECT `+columns+` FROM jobs WHERE status=$1 ORDER BY started_at`, string(s))
}

func (r *Repo) list(ctx context.Context, sql string, args ...any) ([]Job, error) {
	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("jobs: list: %w", err)
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (r *Repo) MarkInProgress(ctx context.Context, id string) error {
	return r.transition(ctx, id, StatusInProgress, `UPDATE jobs SET status=$2 WHERE id=$1 AND status = ANY($3)`)
}

func (r *Repo) Complete(ctx context.Context, id string, stats Stats) error {
	b, err := json.Marshal(stats)
	if err != nil {
		return err
	}
	return r.transition(ctx, id, StatusCompleted,
		`UPDATE jobs SET status=$2, summary_stats=$4::jsonb, completed_at=now() WHERE id=$1 AND status = ANY($3)`, string(b))
}

func (r *Repo) Fail(ctx context.Context, id, msg string) error {
	return r.transition(ctx, id, StatusFailed,
		`UPDATE jobs SET status=$2, error_message=$4, completed_at=now() WHERE id=$1 AND status = ANY($3)`, msg)
}

// transition runs a guarded update; zero affected rows means the job is
// missing or already past the allowed source statuses.
func (r *Repo) transition(ctx context.Context, id string, to Status, sql string, extra ...any) error {
	from := make([]string, 0, len(allowedFrom[to]))
	for _, s := range allowedFrom[to] {
		from = append(from, string(s))
	}
	args := append([]any{id, string(to), from}, extra...)
	n, err := r.db.ExecCount(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("jobs: %s -> %s: %w", id, to, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, id, to)
	}
	return nil
}

func (r *Repo) Delete(ctx context.Context, id string) error {
	n, err := r.db.ExecCount(ctx, `DELETE FROM jobs WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("jobs: delete: %w", err)
	}
	if n == 0 {
		return db.ErrNotFound
	}
	return nil
}
