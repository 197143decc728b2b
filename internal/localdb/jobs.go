package localdb

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/nantokaworks/ding-station/internal/shared/logger"
	"go.uber.org/zap"
)

type JobKind string

const (
	JobKindText          JobKind = "text"
	JobKindImage         JobKind = "image"
	JobKindTextWithImage JobKind = "text_with_image"
)

type ContentStyle string

const (
	StylePlain    ContentStyle = "plain"
	StyleStylized ContentStyle = "stylized"
	StyleBanner   ContentStyle = "banner"
)

type FontSize string

const (
	FontSmall  FontSize = "small"
	FontMedium FontSize = "medium"
	FontLarge  FontSize = "large"
	FontBanner FontSize = "banner"
)

type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusSuccess    JobStatus = "success"
	JobStatusFailed     JobStatus = "failed"
)

// Job is one unit of print work. Status only moves forward
// (pending -> processing -> success/failed); a failed job may be reset to
// pending via ResetJob, which also clears the error and completion time.
type Job struct {
	ID           int64
	UserID       int64
	Kind         JobKind
	ContentStyle ContentStyle
	TextContent  string
	ImagePath    string
	FontSize     FontSize
	Status       JobStatus
	ErrorMessage string
	CreatedAt    time.Time
	CompletedAt  *time.Time
}

// JobFilter narrows ListJobs results. Zero values mean no filter.
type JobFilter struct {
	UserID    int64
	Status    JobStatus
	StartDate time.Time
	EndDate   time.Time
}

// SetupJobsTable creates the jobs table.
func SetupJobsTable(db *sql.DB) error {
	createTableSQL := `
	CREATE TABLE IF NOT EXISTS jobs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL,
		kind TEXT NOT NULL,
		content_style TEXT NOT NULL DEFAULT 'plain',
		text_content TEXT DEFAULT '',
		image_path TEXT DEFAULT '',
		font_size TEXT DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending',
		error_message TEXT DEFAULT '',
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		completed_at TIMESTAMP
	)`

	if _, err := db.Exec(createTableSQL); err != nil {
		logger.Error("Failed to create jobs table", zap.Error(err))
		return err
	}

	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status)`); err != nil {
		logger.Warn("Failed to create jobs status index", zap.Error(err))
	}
	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs(created_at)`); err != nil {
		logger.Warn("Failed to create jobs created_at index", zap.Error(err))
	}
	return nil
}

// CreateJob validates the kind/content combination and inserts the job
// with status pending. Returns the assigned id.
func CreateJob(userID int64, kind JobKind, style ContentStyle, textContent, imagePath string, fontSize FontSize) (int64, error) {
	db := GetDB()
	if db == nil {
		return 0, sql.ErrConnDone
	}

	switch kind {
	case JobKindText:
		if textContent == "" {
			return 0, fmt.Errorf("text job requires text content")
		}
		if imagePath != "" {
			return 0, fmt.Errorf("text job must not carry an image path")
		}
	case JobKindImage:
		if imagePath == "" {
			return 0, fmt.Errorf("image job requires an image path")
		}
	case JobKindTextWithImage:
		if textContent == "" || imagePath == "" {
			return 0, fmt.Errorf("text_with_image job requires both text content and image path")
		}
	default:
		return 0, fmt.Errorf("unknown job kind: %s", kind)
	}

	if style == "" {
		style = StylePlain
	}

	result, err := db.Exec(`
		INSERT INTO jobs (user_id, kind, content_style, text_content, image_path, font_size, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, 'pending', ?)`,
		userID, string(kind), string(style), textContent, imagePath, string(fontSize), time.Now().UTC())
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

// GetJob returns the job with the given id, or an error if missing.
func GetJob(id int64) (*Job, error) {
	db := GetDB()
	if db == nil {
		return nil, sql.ErrConnDone
	}

	row := db.QueryRow(`
		SELECT id, user_id, kind, content_style, text_content, image_path, font_size,
		       status, error_message, created_at, completed_at
		FROM jobs WHERE id = ?`, id)
	return scanJob(row)
}

// ListJobs returns jobs matching the filter, newest first.
func ListJobs(filter JobFilter) ([]*Job, error) {
	db := GetDB()
	if db == nil {
		return nil, sql.ErrConnDone
	}

	query := `
		SELECT id, user_id, kind, content_style, text_content, image_path, font_size,
		       status, error_message, created_at, completed_at
		FROM jobs WHERE 1=1`
	var args []any

	if filter.UserID != 0 {
		query += " AND user_id = ?"
		args = append(args, filter.UserID)
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	if !filter.StartDate.IsZero() {
		query += " AND created_at >= ?"
		args = append(args, filter.StartDate.UTC())
	}
	if !filter.EndDate.IsZero() {
		query += " AND created_at <= ?"
		args = append(args, filter.EndDate.UTC())
	}
	query += " ORDER BY created_at DESC"

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// MarkProcessing transitions pending -> processing. Fails if the job is
// not pending, which keeps the forward-only invariant.
func MarkProcessing(id int64) error {
	db := GetDB()
	if db == nil {
		return sql.ErrConnDone
	}

	result, err := db.Exec(`UPDATE jobs SET status = 'processing' WHERE id = ? AND status = 'pending'`, id)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("job %d is not pending", id)
	}
	return nil
}

// MarkSuccess transitions processing -> success and stamps completed_at.
func MarkSuccess(id int64) error {
	return markTerminal(id, JobStatusSuccess, "")
}

// MarkFailed transitions processing -> failed with a short human-readable
// message and stamps completed_at.
func MarkFailed(id int64, message string) error {
	return markTerminal(id, JobStatusFailed, message)
}

func markTerminal(id int64, status JobStatus, message string) error {
	db := GetDB()
	if db == nil {
		return sql.ErrConnDone
	}

	result, err := db.Exec(`
		UPDATE jobs SET status = ?, error_message = ?, completed_at = ?
		WHERE id = ? AND status = 'processing'`,
		string(status), message, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("job %d is not processing", id)
	}
	return nil
}

// ResetJob moves a failed job back to pending for retry, clearing the
// error message and completion time. The only legal backward transition.
func ResetJob(id int64) error {
	db := GetDB()
	if db == nil {
		return sql.ErrConnDone
	}

	result, err := db.Exec(`
		UPDATE jobs SET status = 'pending', error_message = '', completed_at = NULL
		WHERE id = ? AND status = 'failed'`, id)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("job %d is not failed", id)
	}
	return nil
}

// RecoverInterruptedJobs resets jobs stuck in processing (after a crash)
// back to pending and returns their ids so the caller can re-enqueue them.
func RecoverInterruptedJobs() ([]int64, error) {
	db := GetDB()
	if db == nil {
		return nil, sql.ErrConnDone
	}

	rows, err := db.Query(`SELECT id FROM jobs WHERE status = 'processing'`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(ids) > 0 {
		if _, err := db.Exec(`UPDATE jobs SET status = 'pending' WHERE status = 'processing'`); err != nil {
			return nil, err
		}
		logger.Info("Recovered interrupted jobs", zap.Int("count", len(ids)))
	}
	return ids, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var job Job
	var kind, style, fontSize, status string
	var textContent, imagePath, errorMessage sql.NullString
	var completedAt sql.NullTime

	err := row.Scan(&job.ID, &job.UserID, &kind, &style, &textContent, &imagePath,
		&fontSize, &status, &errorMessage, &job.CreatedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	job.Kind = JobKind(kind)
	job.ContentStyle = ContentStyle(style)
	job.TextContent = textContent.String
	job.ImagePath = imagePath.String
	job.FontSize = FontSize(fontSize)
	job.Status = JobStatus(status)
	job.ErrorMessage = errorMessage.String
	if completedAt.Valid {
		t := completedAt.Time
		job.CompletedAt = &t
	}
	return &job, nil
}
