package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

var itemColumns = []string{
	"id", "owner_id", "body", "category", "is_anonymous",
	"heart_count", "flag_count", "status",
	"crisis_detected", "spam_detected", "needs_moderation", "moderation_reason",
	"answered", "created_at", "updated_at",
}

// PostgresStore manages moderated items in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a store backed by the given database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Create inserts it and fills the timestamps and counters from the row.
func (s *PostgresStore) Create(ctx context.Context, it *Item) error {
	if it.Status == "" {
		it.Status = StatusActive
	}
	query, args, err := psql.Insert("moderated_items").
		Columns("id", "owner_id", "body", "category", "is_anonymous", "status",
			"crisis_detected", "spam_detected", "needs_moderation", "moderation_reason").
		Values(it.ID, it.OwnerID, it.Body, it.Category, it.IsAnonymous, it.Status,
			it.CrisisDetected, it.SpamDetected, it.NeedsModeration, it.ModerationReason).
		Suffix("RETURNING " + joinColumns()).
		ToSql()
	if err != nil {
		return fmt.Errorf("queue: build insert: %w", err)
	}
	created, err := scanItem(s.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		return fmt.Errorf("queue: insert: %w", err)
	}
	*it = created
	return nil
}

// Get returns one item.
func (s *PostgresStore) Get(ctx context.Context, id string) (Item, error) {
	query, args, err := psql.Select(itemColumns...).
		From("moderated_items").
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return Item{}, fmt.Errorf("queue: build get: %w", err)
	}
	return s.queryOne(ctx, "get", query, args)
}

// List returns items matching f, newest first. limit <= 0 means no limit.
func (s *PostgresStore) List(ctx context.Context, f Filter, limit int) ([]Item, error) {
	b := psql.Select(itemColumns...).
		From("moderated_items").
		OrderBy("created_at DESC", "id")

	switch f {
	case FilterFlagged:
		b = b.Where(sq.Gt{"flag_count": 0})
	case FilterCrisis:
		b = b.Where(sq.Eq{"crisis_detected": true})
	case FilterHidden:
		b = b.Where(sq.Eq{"status": StatusHidden})
	case FilterPending:
		b = b.Where(sq.Eq{"needs_moderation": true})
	case FilterPublic:
		b = b.Where(sq.Eq{"status": StatusActive})
	}
	if limit > 0 {
		b = b.Limit(uint64(limit))
	}

	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("queue: build list: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("queue: list: %w", err)
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("queue: scan: %w", err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// Update applies a moderator edit. Counters are never part of the SET
// list, so concurrent user increments are not overwritten.
func (s *PostgresStore) Update(ctx context.Context, id string, m Mutation) (Item, error) {
	b := psql.Update("moderated_items").
		Set("updated_at", sq.Expr("NOW()")).
		Where(sq.Eq{"id": id}).
		Suffix("RETURNING " + joinColumns())

	if m.Body != nil {
		b = b.Set("body", *m.Body).
			Set("needs_moderation", false).
			Set("moderation_reason", "")
		if m.CrisisDetected != nil {
			b = b.Set("crisis_detected", *m.CrisisDetected)
		}
		if m.SpamDetected != nil {
			b = b.Set("spam_detected", *m.SpamDetected)
		}
	}
	if m.Category != nil {
		b = b.Set("category", *m.Category)
	}
	if m.IsAnonymous != nil {
		b = b.Set("is_anonymous", *m.IsAnonymous)
	}

	query, args, err := b.ToSql()
	if err != nil {
		return Item{}, fmt.Errorf("queue: build update: %w", err)
	}
	return s.queryOne(ctx, "update", query, args)
}

// SetStatus hides or unhides an item.
func (s *PostgresStore) SetStatus(ctx context.Context, id string, st Status) (Item, error) {
	if !st.Valid() {
		return Item{}, fmt.Errorf("queue: invalid status %q", st)
	}
	query, args, err := psql.Update("moderated_items").
		Set("status", st).
		Set("updated_at", sq.Expr("NOW()")).
		Where(sq.Eq{"id": id}).
		Suffix("RETURNING " + joinColumns()).
		ToSql()
	if err != nil {
		return Item{}, fmt.Errorf("queue: build set status: %w", err)
	}
	return s.queryOne(ctx, "set status", query, args)
}

// Delete hard-deletes an item.
func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM moderated_items WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("queue: delete: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("queue: delete: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// IncrementFlag adds one user flag in a single statement.
func (s *PostgresStore) IncrementFlag(ctx context.Context, id string) (int, error) {
	return s.increment(ctx, "flag_count", id)
}

// IncrementHeart adds one heart in a single statement.
func (s *PostgresStore) IncrementHeart(ctx context.Context, id string) (int, error) {
	return s.increment(ctx, "heart_count", id)
}

func (s *PostgresStore) increment(ctx context.Context, column, id string) (int, error) {
	query := `UPDATE moderated_items SET ` + column + ` = ` + column + ` + 1 WHERE id = $1 RETURNING ` + column
	var n int
	err := s.db.QueryRowContext(ctx, query, id).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("queue: increment %s: %w", column, err)
	}
	return n, nil
}

// MarkNeedsModeration puts the item in the pending queue with a reason.
func (s *PostgresStore) MarkNeedsModeration(ctx context.Context, id, reason string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE moderated_items
		SET needs_moderation = TRUE, moderation_reason = $2, updated_at = NOW()
		WHERE id = $1`, id, reason)
	if err != nil {
		return fmt.Errorf("queue: mark needs moderation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkAnswered lets the owner mark a prayer request answered.
func (s *PostgresStore) MarkAnswered(ctx context.Context, id, ownerID string) (Item, error) {
	it, err := s.Get(ctx, id)
	if err != nil {
		return Item{}, err
	}
	if it.OwnerID != ownerID {
		return Item{}, ErrNotOwner
	}
	query, args, err := psql.Update("moderated_items").
		Set("answered", true).
		Set("updated_at", sq.Expr("NOW()")).
		Where(sq.Eq{"id": id, "owner_id": ownerID}).
		Suffix("RETURNING " + joinColumns()).
		ToSql()
	if err != nil {
		return Item{}, fmt.Errorf("queue: build mark answered: %w", err)
	}
	return s.queryOne(ctx, "mark answered", query, args)
}

func (s *PostgresStore) queryOne(ctx context.Context, op, query string, args []any) (Item, error) {
	it, err := scanItem(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return Item{}, ErrNotFound
	}
	if err != nil {
		return Item{}, fmt.Errorf("queue: %s: %w", op, err)
	}
	return it, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanItem(row scanner) (Item, error) {
	var it Item
	err := row.Scan(&it.ID, &it.OwnerID, &it.Body, &it.Category, &it.IsAnonymous,
		&it.HeartCount, &it.FlagCount, &it.Status,
		&it.CrisisDetected, &it.SpamDetected, &it.NeedsModeration, &it.ModerationReason,
		&it.Answered, &it.CreatedAt, &it.UpdatedAt)
	return it, err
}

func joinColumns() string {
	return strings.Join(itemColumns, ", ")
}
