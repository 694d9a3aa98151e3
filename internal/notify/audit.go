package notify

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/graceline/safety/internal/moderation"
)

// AlertLogEntry is one row of the safety alert audit trail.
type AlertLogEntry struct {
	ID              string                 `json:"id"`
	SubjectID       string                 `json:"subject_id"`
	SessionID       string                 `json:"session_id,omitempty"`
	ContentID       string                 `json:"content_id,omitempty"`
	Categories      moderation.CategorySet `json:"categories"`
	Excerpt         string                 `json:"excerpt"`
	AlertSuppressed bool                   `json:"alert_suppressed"`
	CreatedAt       time.Time              `json:"created_at"`
}

// AlertLog persists audit entries.
type AlertLog interface {
	Append(ctx context.Context, e AlertLogEntry) error
}

// Audit writes every classified event to the alert log, including those
// whose pastor alert was suppressed by the cooldown.
type Audit struct {
	log AlertLog
}

// NewAudit creates the audit-log dispatcher.
func NewAudit(l AlertLog) *Audit {
	return &Audit{log: l}
}

func (a *Audit) Channel() Channel { return ChannelAuditLog }

// Dispatch appends one entry keyed by the job ID, so a retried write does
// not create a duplicate row.
func (a *Audit) Dispatch(ctx context.Context, job Job) (Ack, error) {
	e := AlertLogEntry{
		ID:              job.ID,
		SubjectID:       job.SubjectID,
		SessionID:       job.SessionID,
		ContentID:       job.ContentID,
		Categories:      job.Categories,
		Excerpt:         job.Excerpt,
		AlertSuppressed: job.AlertSuppressed,
		CreatedAt:       job.CreatedAt,
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if err := a.log.Append(ctx, e); err != nil {
		return Ack{}, err
	}
	return Ack{Channel: ChannelAuditLog, Ref: e.ID}, nil
}

// PostgresAlertLog stores entries in the safety_alert_log table.
type PostgresAlertLog struct {
	db *sql.DB
}

// NewPostgresAlertLog creates an alert log backed by db.
func NewPostgresAlertLog(db *sql.DB) *PostgresAlertLog {
	return &PostgresAlertLog{db: db}
}

// Append inserts e. Re-inserting an existing ID is a no-op.
func (l *PostgresAlertLog) Append(ctx context.Context, e AlertLogEntry) error {
	cats, err := json.Marshal(e.Categories)
	if err != nil {
		return fmt.Errorf("alertlog: marshal categories: %w", err)
	}

	const query = `
		INSERT INTO safety_alert_log
			(id, subject_id, session_id, content_id, categories, excerpt, alert_suppressed, created_at)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING`

	_, err = l.db.ExecContext(ctx, query,
		e.ID,
		e.SubjectID,
		e.SessionID,
		e.ContentID,
		cats,
		e.Excerpt,
		e.AlertSuppressed,
		e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("alertlog: insert: %w", err)
	}
	return nil
}

// RecentForSubject returns the subject's most recent entries, newest first.
func (l *PostgresAlertLog) RecentForSubject(ctx context.Context, subjectID string, limit int) ([]AlertLogEntry, error) {
	const query = `
		SELECT id, subject_id, COALESCE(session_id, ''), COALESCE(content_id::text, ''),
		       categories, excerpt, alert_suppressed, created_at
		FROM safety_alert_log
		WHERE subject_id = $1
		ORDER BY created_at DESC
		LIMIT $2`

	rows, err := l.db.QueryContext(ctx, query, subjectID, limit)
	if err != nil {
		return nil, fmt.Errorf("alertlog: query: %w", err)
	}
	defer rows.Close()

	var out []AlertLogEntry
	for rows.Next() {
		var (
			e    AlertLogEntry
			cats []byte
		)
		if err := rows.Scan(&e.ID, &e.SubjectID, &e.SessionID, &e.ContentID,
			&cats, &e.Excerpt, &e.AlertSuppressed, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("alertlog: scan: %w", err)
		}
		if err := json.Unmarshal(cats, &e.Categories); err != nil {
			return nil, fmt.Errorf("alertlog: unmarshal categories: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
