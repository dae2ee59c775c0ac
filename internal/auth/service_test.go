package auth

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"os"
	"strconv"
	"testing"
	"time"

	"chatternest/internal/config"
	"chatternest/internal/redis"
	"chatternest/internal/storage"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	cfg := &config.Config{
		Databases: map[string]config.DatabaseConfig{
			"sqlite3": {DSN: ":memory:"},
		},
	}
	db, err := storage.Open("sqlite3", cfg)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate db: %v", err)
	}
	return db
}

func insertUser(t *testing.T, db *sql.DB, uid string) {
	t.Helper()
	_, err := db.Exec(`INSERT INTO users (uid, email, password_hash, created_at) VALUES (?, ?, '', ?)`,
		uid, fmt.Sprintf("%s@example.com", uid), time.Now().UTC())
	if err != nil {
		t.Fatalf("insert user: %v", err)
	}
}

func TestAuthIssueValidateRevoke(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	insertUser(t, db, "u-1")

	svc := NewService(db, nil, time.Hour)
	token, err := svc.IssueToken(context.Background(), "u-1")
	if err != nil {
		t.Fatalf("IssueToken error: %v", err)
	}
	if token == "" {
		t.Fatalf("expected token")
	}
	userID, err := svc.ValidateToken(context.Background(), token)
	if err != nil || userID != "u-1" {
		t.Fatalf("ValidateToken failed: id=%s err=%v", userID, err)
	}
	if err := svc.RevokeToken(context.Background(), token); err != nil {
		t.Fatalf("RevokeToken error: %v", err)
	}
	if _, err := svc.ValidateToken(context.Background(), token); err == nil {
		t.Fatalf("expected error after revoke")
	}

	token2, err := svc.IssueToken(context.Background(), "u-1")
	if err != nil {
		t.Fatalf("IssueToken error: %v", err)
	}
	if err := svc.RevokeUserTokens(context.Background(), "u-1"); err != nil {
		t.Fatalf("RevokeUserTokens error: %v", err)
	}
	if _, err := svc.ValidateToken(context.Background(), token2); err == nil {
		t.Fatalf("expected error after revoke all")
	}
}

func TestAuthValidateExpiredToken(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	insertUser(t, db, "u-2")

	svc := NewService(db, nil, 10*time.Millisecond)
	token, err := svc.IssueToken(context.Background(), "u-2")
	if err != nil {
		t.Fatalf("IssueToken error: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if _, err := svc.ValidateToken(context.Background(), token); err == nil {
		t.Fatalf("expected expiration error")
	}
	// ensure token removed
	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM user_tokens WHERE token = ?`, token).Scan(&count); err != nil {
		t.Fatalf("query tokens: %v", err)
	}
	if count != 0 {
		t.Fatalf("expired token not purged")
	}
}

func TestRegisterAndLogin(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	svc := NewService(db, nil, time.Hour)
	ctx := context.Background()

	user, err := svc.Register(ctx, "  Alice@Example.COM ", "secret")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if user.UID == "" {
		t.Fatalf("expected generated uid")
	}
	if user.Email != "alice@example.com" {
		t.Fatalf("email not normalized: %q", user.Email)
	}

	got, err := svc.Login(ctx, "alice@example.com", "secret")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if got.UID != user.UID {
		t.Fatalf("login returned wrong user: %s vs %s", got.UID, user.UID)
	}

	if _, err := svc.Login(ctx, "alice@example.com", "wrong"); err == nil {
		t.Fatalf("expected invalid credentials")
	}
	if _, err := svc.Login(ctx, "nobody@example.com", "secret"); err == nil {
		t.Fatalf("expected invalid credentials for unknown user")
	}
}

func TestRegisterValidation(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	svc := NewService(db, nil, time.Hour)
	ctx := context.Background()

	if _, err := svc.Register(ctx, "", "secret"); err == nil {
		t.Fatalf("expected error for empty email")
	}
	if _, err := svc.Register(ctx, "alice@example.com", ""); err == nil {
		t.Fatalf("expected error for empty password")
	}
	if _, err := svc.Register(ctx, "not-an-email", "secret"); err == nil {
		t.Fatalf("expected error for malformed email")
	}

	if _, err := svc.Register(ctx, "bob@example.com", "secret"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := svc.Register(ctx, "bob@example.com", "other"); err == nil {
		t.Fatalf("expected duplicate email rejection")
	}
}

func TestWatchSeesSignInAndSignOut(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	insertUser(t, db, "u-3")

	svc := NewService(db, nil, time.Hour)
	events := svc.Watch()
	ctx := context.Background()

	token, err := svc.IssueToken(ctx, "u-3")
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	change := nextChange(t, events)
	if change.UserID != "u-3" || !change.SignedIn {
		t.Fatalf("unexpected sign-in event: %+v", change)
	}

	if err := svc.RevokeToken(ctx, token); err != nil {
		t.Fatalf("RevokeToken: %v", err)
	}
	change = nextChange(t, events)
	if change.UserID != "u-3" || change.SignedIn {
		t.Fatalf("unexpected sign-out event: %+v", change)
	}
}

func TestAuthTokenCacheUsesRedis(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	insertUser(t, db, "u-10")

	cacheClient, cleanup := newRedisCacheClient(t)
	defer cleanup()

	svc := NewService(db, cacheClient, time.Hour)
	ctx := context.Background()

	token, err := svc.IssueToken(ctx, "u-10")
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}

	raw := cacheClient.Raw()
	if raw == nil {
		t.Fatalf("redis raw client nil")
	}
	key := tokenCacheKey(token)
	got, err := raw.Get(ctx, key).Result()
	if err != nil {
		t.Fatalf("get redis token: %v", err)
	}
	if got != "u-10" {
		t.Fatalf("expected user u-10 in cache, got %s", got)
	}

	// Validation must be served from the cache alone.
	if _, err := db.Exec(`DELETE FROM user_tokens WHERE token = ?`, token); err != nil {
		t.Fatalf("delete token row: %v", err)
	}
	userID, err := svc.ValidateToken(ctx, token)
	if err != nil || userID != "u-10" {
		t.Fatalf("ValidateToken via cache failed: id=%s err=%v", userID, err)
	}

	if err := svc.RevokeToken(ctx, token); err != nil {
		t.Fatalf("RevokeToken: %v", err)
	}
	if _, err := raw.Get(ctx, key).Result(); err == nil {
		t.Fatalf("expected cached token deleted")
	}
	if _, err := svc.ValidateToken(ctx, token); err == nil {
		t.Fatalf("expected error after revoke")
	}
}

func newRedisCacheClient(t *testing.T) (*redis.Client, func()) {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("set TEST_REDIS_ADDR to run redis-backed auth tests")
	}
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("split host port: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("atoi port: %v", err)
	}
	rdb := 0
	if v := os.Getenv("TEST_REDIS_DB"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			rdb = parsed
		}
	}
	cfg := &config.Config{
		Redis: config.RedisConfig{
			Host: host,
			Port: port,
			DB:   rdb,
		},
	}
	client, err := redis.NewClient(cfg)
	if err != nil {
		t.Fatalf("redis client: %v", err)
	}
	if raw := client.Raw(); raw != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := raw.FlushDB(ctx).Err(); err != nil {
			t.Fatalf("flush db: %v", err)
		}
	}
	cleanup := func() {
		client.Close()
	}
	return client, cleanup
}

func nextChange(t *testing.T, events <-chan StateChange) StateChange {
	t.Helper()
	select {
	case change := <-events:
		return change
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for state change")
		return StateChange{}
	}
}
