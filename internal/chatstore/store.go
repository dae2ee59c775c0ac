package chatstore

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"chatternest/internal/models"
	"chatternest/internal/redis"
)

// liveWindowLimit caps the live view at the most recent entries.
const liveWindowLimit = 50

// Store persists chat messages and exposes a live, ordered, user-scoped view
// of history. It owns the subscription lifecycle for that view.
type Store struct {
	db    *sql.DB
	cache *redis.Client // may be nil; live feeds then stay process-local

	feed *feed
}

// New builds the store and, when a redis client is supplied, starts listening
// for change notifications from other processes.
func New(db *sql.DB, cache *redis.Client) *Store {
	s := &Store{db: db, cache: cache}
	s.feed = newFeed(s, cache)
	return s
}

// Save appends a new message owned by userID with a server-assigned id and
// creation time. It never overwrites an existing record. Callers are free to
// ignore the result and fire-and-forget; the error is also logged here so a
// dropped result still leaves a trace for operators.
func (s *Store) Save(ctx context.Context, msg models.Message, userID string) (string, error) {
	if userID == "" {
		return "", fmt.Errorf("user id is required")
	}
	id := uuid.NewString()
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, user_id, sender, text, created_at) VALUES (?, ?, ?, ?, ?)`,
		id, userID, msg.Sender, msg.Text, now,
	)
	if err != nil {
		log.Printf("chatstore: save message for user %s failed: %v", userID, err)
		return "", fmt.Errorf("save message: %w", err)
	}
	s.feed.changed(userID)
	return id, nil
}

// Window returns the user's current live view: all messages owned by the user
// or by one of the reserved sentinel ids, sorted ascending by creation time
// and capped to the most recent entries. Zero matches yield an empty,
// non-nil slice.
func (s *Store) Window(ctx context.Context, userID string) ([]models.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, sender, text, created_at
		 FROM messages
		 WHERE user_id IN (?, ?, ?)
		 ORDER BY created_at DESC, id DESC
		 LIMIT ?`,
		userID, models.AssistantUserID, models.SystemUserID, liveWindowLimit,
	)
	if err != nil {
		return nil, fmt.Errorf("query window: %w", err)
	}
	defer rows.Close()

	var newestFirst []models.Message
	for rows.Next() {
		var m models.Message
		if err := rows.Scan(&m.ID, &m.UserID, &m.Sender, &m.Text, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		newestFirst = append(newestFirst, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate window: %w", err)
	}

	window := make([]models.Message, len(newestFirst))
	for i, m := range newestFirst {
		window[len(newestFirst)-1-i] = m
	}
	return window, nil
}

// Subscribe establishes a live feed for the user. The callback receives the
// full current window immediately and again after every underlying change,
// never a diff. A delivery that fails to load (for example while the database
// is unavailable) is logged and downgraded to an empty list rather than
// propagated. Cancel the returned subscription to release the feed.
func (s *Store) Subscribe(userID string, onChange func([]models.Message)) *Subscription {
	return s.feed.subscribe(userID, onChange)
}

// DeleteAll removes every message owned by userID as a single all-or-nothing
// batch. Zero matches is a success and performs no writes. Failures are
// logged and reported as false; no partial state is exposed.
func (s *Store) DeleteAll(ctx context.Context, userID string) bool {
	if userID == "" {
		log.Printf("chatstore: delete all called without user id")
		return false
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		log.Printf("chatstore: begin delete for user %s failed: %v", userID, err)
		return false
	}
	defer tx.Rollback()

	var count int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE user_id = ?`, userID,
	).Scan(&count); err != nil {
		log.Printf("chatstore: count messages for user %s failed: %v", userID, err)
		return false
	}
	if count == 0 {
		return true
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE user_id = ?`, userID); err != nil {
		log.Printf("chatstore: delete messages for user %s failed: %v", userID, err)
		return false
	}
	if err := tx.Commit(); err != nil {
		log.Printf("chatstore: commit delete for user %s failed: %v", userID, err)
		return false
	}

	s.feed.changed(userID)
	return true
}
