// Package profile manages the per-user profile document.
package profile

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"chatternest/internal/models"
	"chatternest/internal/redis"
)

const cacheTTL = 30 * time.Minute

// Service reads and writes profile documents keyed by user id, with an
// optional redis read-through cache.
type Service struct {
	db    *sql.DB
	cache *redis.Client // may be nil
}

// NewService builds the profile service.
func NewService(db *sql.DB, cache *redis.Client) *Service {
	return &Service{db: db, cache: cache}
}

// EnsureDocument fills in the profile fields for a freshly created or
// incomplete user record. The display name defaults to the email local part;
// the photo URL stays explicitly null until the user sets one. Existing
// profile data is never overwritten.
func (s *Service) EnsureDocument(ctx context.Context, user *models.User) error {
	if user == nil || user.UID == "" {
		return errors.New("user is required")
	}
	existing, err := s.Get(ctx, user.UID)
	if err != nil {
		return err
	}
	if existing != nil && existing.DisplayName != "" {
		return nil
	}

	displayName := "User"
	if at := strings.Index(user.Email, "@"); at > 0 {
		displayName = user.Email[:at]
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE users SET display_name = ? WHERE uid = ? AND display_name = ''`,
		displayName, user.UID,
	); err != nil {
		return fmt.Errorf("ensure profile: %w", err)
	}
	s.invalidate(user.UID)
	return nil
}

// Get returns the profile document, or nil when the user does not exist.
func (s *Service) Get(ctx context.Context, userID string) (*models.Profile, error) {
	if userID == "" {
		return nil, nil
	}
	if p := s.fromCache(ctx, userID); p != nil {
		return p, nil
	}

	var p models.Profile
	err := s.db.QueryRowContext(ctx,
		`SELECT uid, email, display_name, photo_url, age, gender, created_at FROM users WHERE uid = ?`,
		userID,
	).Scan(&p.UID, &p.Email, &p.DisplayName, &p.PhotoURL, &p.Age, &p.Gender, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get profile: %w", err)
	}

	s.toCache(ctx, &p)
	return &p, nil
}

// Update merges the non-nil fields of the update into the profile document
// and reports whether the write succeeded. Failures are logged rather than
// surfaced as errors, matching the boolean contract of the callers.
func (s *Service) Update(ctx context.Context, userID string, update models.ProfileUpdate) bool {
	if userID == "" {
		return false
	}

	sets := make([]string, 0, 4)
	args := make([]any, 0, 5)
	if update.DisplayName != nil {
		sets = append(sets, "display_name = ?")
		args = append(args, strings.TrimSpace(*update.DisplayName))
	}
	if update.PhotoURL != nil {
		sets = append(sets, "photo_url = ?")
		args = append(args, *update.PhotoURL)
	}
	if update.Age != nil {
		sets = append(sets, "age = ?")
		args = append(args, *update.Age)
	}
	if update.Gender != nil {
		sets = append(sets, "gender = ?")
		args = append(args, *update.Gender)
	}
	if len(sets) == 0 {
		return true
	}
	args = append(args, userID)

	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE users SET %s WHERE uid = ?`, strings.Join(sets, ", ")), args...,
	)
	if err != nil {
		log.Printf("profile: update for user %s failed: %v", userID, err)
		return false
	}
	// MySQL reports only changed rows, so a merge writing the current values
	// comes back as zero affected. Only a genuinely missing document fails.
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		var exists int
		if err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM users WHERE uid = ?`, userID,
		).Scan(&exists); err != nil || exists == 0 {
			log.Printf("profile: update for user %s matched no document", userID)
			return false
		}
	}
	s.invalidate(userID)
	return true
}

func (s *Service) cacheKey(userID string) string {
	return "profile:" + userID
}

func (s *Service) fromCache(ctx context.Context, userID string) *models.Profile {
	if s.cache == nil {
		return nil
	}
	raw, err := s.cache.Get(ctx, s.cacheKey(userID))
	if err != nil {
		if err != redis.ErrCacheMiss {
			log.Printf("profile: cache read for user %s failed: %v", userID, err)
		}
		return nil
	}
	var p models.Profile
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		log.Printf("profile: cache decode for user %s failed: %v", userID, err)
		return nil
	}
	return &p
}

func (s *Service) toCache(ctx context.Context, p *models.Profile) {
	if s.cache == nil || p == nil {
		return
	}
	data, err := json.Marshal(p)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, s.cacheKey(p.UID), data, cacheTTL); err != nil {
		log.Printf("profile: cache write for user %s failed: %v", p.UID, err)
	}
}

func (s *Service) invalidate(userID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Del(context.Background(), s.cacheKey(userID)); err != nil {
		log.Printf("profile: cache invalidate for user %s failed: %v", userID, err)
	}
}
