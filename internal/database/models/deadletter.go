package models

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB is the subset of *pgxpool.Pool the models use.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// DeadLetter is one archived message that exhausted its retries.
type DeadLetter struct {
	ID         string
	Queue      string
	RoutingKey string
	ObjectKey  string
	SizeBytes  int
	DeathCount int
	CreatedAt  time.Time
}

// InsertDeadLetter records dl and returns its id. An object key that is
// already recorded returns "" and no error, so a redelivered message does
// not produce a second row.
func InsertDeadLetter(ctx context.Context, db DB, dl DeadLetter) (string, error) {
	var id string
	err := db.QueryRow(ctx,
		`INSERT INTO dead_letters (queue, routing_key, object_key, size_bytes, death_count)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (object_key) DO NOTHING
		 RETURNING id`,
		dl.Queue, dl.RoutingKey, dl.ObjectKey, dl.SizeBytes, dl.DeathCount).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("inserting dead letter %s: %w", dl.ObjectKey, err)
	}
	return id, nil
}

func RecentDeadLetters(ctx context.Context, db DB, queue string, limit int) ([]DeadLetter, error) {
	rows, err := db.Query(ctx,
		`SELECT id, queue, routing_key, object_key, size_bytes, death_count, created_at
		 FROM dead_letters WHERE queue = $1
		 ORDER BY created_at DESC LIMIT $2`, queue, limit)
	if err != nil {
		return nil, fmt.Errorf("listing dead letters for %s: %w", queue, err)
	}
	defer rows.Close()

	var out []DeadLetter
	for rows.Next() {
		var dl DeadLetter
		if err := rows.Scan(&dl.ID, &dl.Queue, &dl.RoutingKey, &dl.ObjectKey,
			&dl.SizeBytes, &dl.DeathCount, &dl.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, dl)
	}
	return out, rows.Err()
}

func DeleteDeadLetter(ctx context.Context, db DB, id string) error {
	_, err := db.Exec(ctx, `DELETE FROM dead_letters WHERE id = $1`, id)
	return err
}

// DeadLetterStore binds the dead-letter queries to one database handle.
type DeadLetterStore struct {
	db DB
}

func NewDeadLetterStore(db DB) *DeadLetterStore {
	return &DeadLetterStore{db: db}
}

func (s *DeadLetterStore) Record(ctx context.Context, dl DeadLetter) (string, error) {
	return InsertDeadLetter(ctx, s.db, dl)
}

func (s *DeadLetterStore) Recent(ctx context.Context, queue string, limit int) ([]DeadLetter, error) {
	return RecentDeadLetters(ctx, s.db, queue, limit)
}
