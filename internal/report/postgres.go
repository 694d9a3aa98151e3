package report

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PostgresStore manages mandatory-report records in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a store backed by the given database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const returning = `
	RETURNING session_id,
	          COALESCE(full_name, ''), COALESCE(age, ''), COALESCE(phone, ''),
	          COALESCE(address, ''), COALESCE(contact_email, ''),
	          report_timestamp, submitted_at, skipped_at`

// Open inserts the minimal record if none exists and returns the stored one.
func (s *PostgresStore) Open(ctx context.Context, sessionID string, at time.Time) (Record, error) {
	const insert = `
		INSERT INTO mandatory_reports (session_id, report_timestamp)
		VALUES ($1, $2)
		ON CONFLICT (session_id) DO NOTHING`

	if _, err := s.db.ExecContext(ctx, insert, sessionID, at); err != nil {
		return Record{}, fmt.Errorf("report: open: %w", err)
	}
	return s.Get(ctx, sessionID)
}

// Submit upserts the record and merges non-blank fields in one statement.
// The WHERE clause on the conflict branch makes the merge happen at most
// once; a repeated submit matches no row.
func (s *PostgresStore) Submit(ctx context.Context, sessionID string, f Fields, at time.Time) (Record, error) {
	f = f.Trimmed()
	const query = `
		INSERT INTO mandatory_reports
			(session_id, full_name, age, phone, address, contact_email, report_timestamp, submitted_at)
		VALUES ($1, NULLIF($2, ''), NULLIF($3, ''), NULLIF($4, ''), NULLIF($5, ''), NULLIF($6, ''), $7, $7)
		ON CONFLICT (session_id) DO UPDATE SET
			full_name     = COALESCE(EXCLUDED.full_name, mandatory_reports.full_name),
			age           = COALESCE(EXCLUDED.age, mandatory_reports.age),
			phone         = COALESCE(EXCLUDED.phone, mandatory_reports.phone),
			address       = COALESCE(EXCLUDED.address, mandatory_reports.address),
			contact_email = COALESCE(EXCLUDED.contact_email, mandatory_reports.contact_email),
			submitted_at  = EXCLUDED.submitted_at
		WHERE mandatory_reports.submitted_at IS NULL` + returning

	rec, err := scanRecord(s.db.QueryRowContext(ctx, query,
		sessionID, f.FullName, f.Age, f.Phone, f.Address, f.ContactEmail, at))
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrAlreadySubmitted
	}
	if err != nil {
		return Record{}, fmt.Errorf("report: submit: %w", err)
	}
	return rec, nil
}

// Skip upserts the record and sets skipped_at if it is not already set.
func (s *PostgresStore) Skip(ctx context.Context, sessionID string, at time.Time) (Record, error) {
	const query = `
		INSERT INTO mandatory_reports (session_id, report_timestamp, skipped_at)
		VALUES ($1, $2, $2)
		ON CONFLICT (session_id) DO UPDATE SET
			skipped_at = COALESCE(mandatory_reports.skipped_at, EXCLUDED.skipped_at)` + returning

	rec, err := scanRecord(s.db.QueryRowContext(ctx, query, sessionID, at))
	if err != nil {
		return Record{}, fmt.Errorf("report: skip: %w", err)
	}
	return rec, nil
}

// Get returns the record for a session.
func (s *PostgresStore) Get(ctx context.Context, sessionID string) (Record, error) {
	const query = `
		SELECT session_id,
		       COALESCE(full_name, ''), COALESCE(age, ''), COALESCE(phone, ''),
		       COALESCE(address, ''), COALESCE(contact_email, ''),
		       report_timestamp, submitted_at, skipped_at
		FROM mandatory_reports
		WHERE session_id = $1`

	rec, err := scanRecord(s.db.QueryRowContext(ctx, query, sessionID))
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("report: get: %w", err)
	}
	return rec, nil
}

func scanRecord(row *sql.Row) (Record, error) {
	var (
		rec       Record
		submitted sql.NullTime
		skipped   sql.NullTime
	)
	err := row.Scan(&rec.SessionID,
		&rec.FullName, &rec.Age, &rec.Phone, &rec.Address, &rec.ContactEmail,
		&rec.ReportTimestamp, &submitted, &skipped)
	if err != nil {
		return Record{}, err
	}
	if submitted.Valid {
		rec.SubmittedAt = &submitted.Time
	}
	if skipped.Valid {
		rec.SkippedAt = &skipped.Time
	}
	return rec, nil
}
