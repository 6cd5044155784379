// Package checkpoint persists workflow state in SQLite so paused threads
// survive process restarts and approval can happen hours after the run
// that triggered it.
package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/elkinlatorre/FINA/internal/engine"
	finaotel "github.com/elkinlatorre/FINA/internal/otel"
)

var tracer = finaotel.Tracer("github.com/elkinlatorre/FINA/internal/checkpoint")

// Store is a SQLite-backed implementation of engine.Store. The full state
// is serialized as JSON; the columns pulled out alongside it exist only
// for querying (pending reviews, staleness sweeps).
type Store struct {
	db *sql.DB
}

// PendingReview summarizes a thread parked at the human review gate.
type PendingReview struct {
	ThreadID  string    `json:"thread_id"`
	UserID    string    `json:"user_id"`
	Preview   string    `json:"preview"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewStore opens (creating if needed) the thread checkpoint database.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening checkpoint database: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS threads (
		thread_id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		next_node TEXT NOT NULL,
		final_decision TEXT NOT NULL,
		state_json TEXT NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_threads_user ON threads(user_id);
	CREATE INDEX IF NOT EXISTS idx_threads_next ON threads(next_node);
	`

	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		return nil, fmt.Errorf("creating checkpoint schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save writes the full state in a single statement, replacing any prior
// checkpoint for the thread.
func (s *Store) Save(ctx context.Context, state *engine.State) error {
	ctx, span := tracer.Start(ctx, "checkpoint.save",
		trace.WithAttributes(
			attribute.String("thread_id", state.ThreadID),
			attribute.String("next_node", state.Next),
		))
	defer span.End()

	stateJSON, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshaling state: %w", err)
	}

	query := `INSERT OR REPLACE INTO threads (thread_id, user_id, next_node, final_decision, state_json, updated_at)
	          VALUES (?, ?, ?, ?, ?, ?)`

	_, err = s.db.ExecContext(ctx, query,
		state.ThreadID, state.UserID, state.Next, string(state.FinalDecision),
		string(stateJSON), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("saving checkpoint: %w", err)
	}
	return nil
}

// Load retrieves the latest checkpoint for a thread. Returns
// engine.ErrThreadNotFound when no checkpoint exists.
func (s *Store) Load(ctx context.Context, threadID string) (*engine.State, error) {
	ctx, span := tracer.Start(ctx, "checkpoint.load",
		trace.WithAttributes(attribute.String("thread_id", threadID)))
	defer span.End()

	var stateJSON string
	query := `SELECT state_json FROM threads WHERE thread_id = ?`
	err := s.db.QueryRowContext(ctx, query, threadID).Scan(&stateJSON)

	if err == sql.ErrNoRows {
		return nil, engine.ErrThreadNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying checkpoint: %w", err)
	}

	var state engine.State
	if err := json.Unmarshal([]byte(stateJSON), &state); err != nil {
		return nil, fmt.Errorf("unmarshaling state: %w", err)
	}
	return &state, nil
}

// ListPendingReview returns all threads parked at the review gate,
// oldest first.
func (s *Store) ListPendingReview(ctx context.Context) ([]PendingReview, error) {
	return s.listPending(ctx, time.Time{})
}

// ListPendingOlderThan returns pending reviews whose last checkpoint is
// older than the cutoff. Used by the staleness sweep.
func (s *Store) ListPendingOlderThan(ctx context.Context, cutoff time.Time) ([]PendingReview, error) {
	return s.listPending(ctx, cutoff)
}

func (s *Store) listPending(ctx context.Context, before time.Time) ([]PendingReview, error) {
	ctx, span := tracer.Start(ctx, "checkpoint.list_pending")
	defer span.End()

	query := `SELECT state_json, updated_at FROM threads WHERE next_node = ?`
	args := []interface{}{engine.NodeHumanReviewGate}
	if !before.IsZero() {
		query += ` AND updated_at < ?`
		args = append(args, before)
	}
	query += ` ORDER BY updated_at ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying pending reviews: %w", err)
	}
	defer rows.Close()

	var results []PendingReview
	for rows.Next() {
		var stateJSON string
		var updatedAt time.Time
		if err := rows.Scan(&stateJSON, &updatedAt); err != nil {
			continue
		}
		var state engine.State
		if err := json.Unmarshal([]byte(stateJSON), &state); err != nil {
			continue
		}

		preview := ""
		if last := state.LastAgentMessage(); last != nil {
			preview = last.Content
		}
		results = append(results, PendingReview{
			ThreadID:  state.ThreadID,
			UserID:    state.UserID,
			Preview:   preview,
			UpdatedAt: updatedAt,
		})
	}

	span.SetAttributes(attribute.Int("pending_count", len(results)))
	return results, nil
}
