package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/mbd888/yieldguard/internal/retry"
)

const uniqueViolation = "23505"

// PostgresStore persists events in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed event store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Append inserts e and sets e.Seq. A duplicate event ID is reported as a
// permanent failure so the bus does not retry it.
func (s *PostgresStore) Append(ctx context.Context, e *Event) error {
	data := e.Data
	if data == nil {
		data = map[string]any{}
	}
	dataJSON, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}

	err = s.db.QueryRowContext(ctx, `
		INSERT INTO vault_events (id, type, entity_id, actor, old_score, new_score, reason, data, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING seq
	`,
		e.ID,
		string(e.Type),
		e.EntityID,
		e.Actor,
		int64(e.OldScore),
		int64(e.NewScore),
		e.Reason,
		dataJSON,
		e.Timestamp,
	).Scan(&e.Seq)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return retry.Permanent(fmt.Errorf("event %s already stored: %w", e.ID, err))
		}
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// List returns matching events, most recent first.
func (s *PostgresStore) List(ctx context.Context, q Query) ([]*Event, error) {
	var (
		where []string
		args  []any
	)
	if q.Type != "" {
		args = append(args, string(q.Type))
		where = append(where, fmt.Sprintf("type = $%d", len(args)))
	}
	if q.EntityID != "" {
		args = append(args, q.EntityID)
		where = append(where, fmt.Sprintf("entity_id = $%d", len(args)))
	}
	if !q.Since.IsZero() {
		args = append(args, q.Since)
		where = append(where, fmt.Sprintf("created_at >= $%d", len(args)))
	}
	if q.BeforeSeq > 0 {
		args = append(args, q.BeforeSeq)
		where = append(where, fmt.Sprintf("seq < $%d", len(args)))
	}
	args = append(args, clampLimit(q.Limit))

	query := `SELECT seq, id, type, entity_id, actor, old_score, new_score, reason, data, created_at FROM vault_events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY seq DESC LIMIT $%d", len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Event
	for rows.Next() {
		var (
			e                  Event
			typ                string
			oldScore, newScore int64
			dataJSON           []byte
		)
		if err := rows.Scan(&e.Seq, &e.ID, &typ, &e.EntityID, &e.Actor, &oldScore, &newScore, &e.Reason, &dataJSON, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e.Type = Type(typ)
		e.OldScore = uint64(oldScore)
		e.NewScore = uint64(newScore)
		if len(dataJSON) > 0 && string(dataJSON) != "{}" {
			e.Data = make(map[string]any)
			_ = json.Unmarshal(dataJSON, &e.Data)
		}
		result = append(result, &e)
	}
	return result, rows.Err()
}
