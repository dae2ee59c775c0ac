package chat

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"chatternest/internal/auth"
	"chatternest/internal/chatstore"
	"chatternest/internal/config"
	"chatternest/internal/models"
	"chatternest/internal/storage"
	"chatternest/internal/window"
)

type stubCompleter struct {
	mu     sync.Mutex
	result string
	turns  []window.Turn
	calls  int
}

func (s *stubCompleter) Complete(ctx context.Context, newMessage string, turns []window.Turn) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.turns = turns
	return s.result
}

func (s *stubCompleter) lastTurns() []window.Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turns
}

func (s *stubCompleter) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func newTestManager(t *testing.T, completer Completer) (*Manager, *sql.DB) {
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
	store := chatstore.New(db, nil)
	return NewManager(store, window.NewBuilder(window.DefaultSize), completer), db
}

func TestRunAttachesAndDetaches(t *testing.T) {
	m, db := newTestManager(t, &stubCompleter{result: "ok"})
	defer db.Close()

	events := make(chan auth.StateChange)
	done := make(chan struct{})
	go func() {
		m.Run(events)
		close(done)
	}()

	events <- auth.StateChange{UserID: "u-1", SignedIn: true}
	waitFor(t, func() bool { return m.Attached("u-1") })

	events <- auth.StateChange{UserID: "u-1", SignedIn: false}
	waitFor(t, func() bool { return !m.Attached("u-1") })

	close(events)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Run did not return after stream close")
	}
}

func TestAttachIsIdempotent(t *testing.T) {
	m, db := newTestManager(t, &stubCompleter{result: "ok"})
	defer db.Close()

	m.Attach("u-1")
	waitFor(t, func() bool { return m.Snapshot("u-1") != nil })

	if _, err := m.store.Save(context.Background(), models.Message{
		Sender: models.SenderUser, Text: "hello",
	}, "u-1"); err != nil {
		t.Fatalf("Save: %v", err)
	}
	waitFor(t, func() bool { return len(m.Snapshot("u-1")) == 1 })

	// A second attach must not reset the delivered snapshot.
	m.Attach("u-1")
	if len(m.Snapshot("u-1")) != 1 {
		t.Fatalf("snapshot lost on re-attach")
	}

	m.Detach("u-1")
	if m.Snapshot("u-1") != nil {
		t.Fatalf("snapshot survived detach")
	}
}

func TestObserveStreamsWindows(t *testing.T) {
	m, db := newTestManager(t, &stubCompleter{result: "ok"})
	defer db.Close()

	ch, cancel := m.Observe("u-1")
	defer cancel()

	// Seed delivery arrives first, possibly before the feed's initial load.
	waitForLen(t, ch, 0)

	if _, err := m.store.Save(context.Background(), models.Message{
		Sender: models.SenderUser, Text: "live update",
	}, "u-1"); err != nil {
		t.Fatalf("Save: %v", err)
	}

	win := waitForLen(t, ch, 1)
	if win[0].Text != "live update" {
		t.Fatalf("unexpected window: %+v", win)
	}
}

func TestObserveEndsOnDetach(t *testing.T) {
	m, db := newTestManager(t, &stubCompleter{result: "ok"})
	defer db.Close()

	ch, cancel := m.Observe("u-1")
	defer cancel()
	waitForLen(t, ch, 0)

	m.Detach("u-1")
	deadline := time.After(time.Second)
	for {
		select {
		case _, open := <-ch:
			if !open {
				return
			}
		case <-deadline:
			t.Fatalf("observer channel not closed on detach")
		}
	}
}

func TestSendPersistsUserAndAssistantMessages(t *testing.T) {
	completer := &stubCompleter{result: "Nice to meet you!"}
	m, db := newTestManager(t, completer)
	defer db.Close()

	got := m.Send(context.Background(), "u-1", "Hi, I am Bob.")
	if got != "Nice to meet you!" {
		t.Fatalf("unexpected result: %q", got)
	}

	// The user save is fire-and-forget; wait for both rows.
	waitFor(t, func() bool { return countMessages(t, db, "u-1") == 2 })

	win, err := m.Window(context.Background(), "u-1")
	if err != nil {
		t.Fatalf("Window: %v", err)
	}
	var senders []models.Sender
	for _, msg := range win {
		senders = append(senders, msg.Sender)
	}
	if len(senders) != 2 {
		t.Fatalf("expected user + assistant rows, got %v", senders)
	}
}

func TestSendWindowExcludesNewMessage(t *testing.T) {
	completer := &stubCompleter{result: "answer"}
	m, db := newTestManager(t, completer)
	defer db.Close()

	base := time.Now().UTC().Add(-time.Minute)
	seed := []string{"one", "two", "three"}
	for i, text := range seed {
		if _, err := db.Exec(
			`INSERT INTO messages (id, user_id, sender, text, created_at) VALUES (?, 'u-1', ?, ?, ?)`,
			text, models.SenderUser, text, base.Add(time.Duration(i)*time.Second),
		); err != nil {
			t.Fatalf("seed message: %v", err)
		}
	}

	m.Send(context.Background(), "u-1", "four")

	turns := completer.lastTurns()
	// system + three history turns + the new message
	if len(turns) != 5 {
		t.Fatalf("expected 5 turns, got %d: %+v", len(turns), turns)
	}
	if turns[0].Role != window.RoleSystem {
		t.Fatalf("expected system turn first")
	}
	for i, want := range seed {
		if turns[i+1].Content != want {
			t.Fatalf("history turn %d: want %q got %q", i, want, turns[i+1].Content)
		}
	}
	if turns[4].Role != window.RoleUser || turns[4].Content != "four" {
		t.Fatalf("new message not last: %+v", turns[4])
	}
}

func TestSendErrorLabelNotPersisted(t *testing.T) {
	completer := &stubCompleter{result: "API Error (500): backend down"}
	m, db := newTestManager(t, completer)
	defer db.Close()

	got := m.Send(context.Background(), "u-1", "hello?")
	if got != "API Error (500): backend down" {
		t.Fatalf("label not passed through: %q", got)
	}

	// Only the user's own message may land; the label never becomes a row.
	waitFor(t, func() bool { return countMessages(t, db, "u-1") == 1 })
	var sender models.Sender
	if err := db.QueryRow(`SELECT sender FROM messages WHERE user_id = 'u-1'`).Scan(&sender); err != nil {
		t.Fatalf("query: %v", err)
	}
	if sender != models.SenderUser {
		t.Fatalf("unexpected persisted sender: %s", sender)
	}
}

func TestSendShowsOptimisticMessage(t *testing.T) {
	completer := &stubCompleter{result: "sure"}
	m, db := newTestManager(t, completer)
	defer db.Close()

	m.Attach("u-1")
	waitFor(t, func() bool { return m.Snapshot("u-1") != nil })

	m.Send(context.Background(), "u-1", "show me immediately")

	// The optimistic entry carries a temp id until the persisted window
	// supersedes it; either way the text must show up in the snapshot.
	waitFor(t, func() bool {
		for _, msg := range m.Snapshot("u-1") {
			if msg.Text == "show me immediately" {
				return true
			}
		}
		return false
	})
}

func TestDeleteHistory(t *testing.T) {
	m, db := newTestManager(t, &stubCompleter{result: "ok"})
	defer db.Close()

	if _, err := m.store.Save(context.Background(), models.Message{
		Sender: models.SenderUser, Text: "gone soon",
	}, "u-1"); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if !m.DeleteHistory(context.Background(), "u-1") {
		t.Fatalf("DeleteHistory failed")
	}
	if n := countMessages(t, db, "u-1"); n != 0 {
		t.Fatalf("expected empty history, got %d rows", n)
	}
	// Deleting an already empty history still succeeds.
	if !m.DeleteHistory(context.Background(), "u-1") {
		t.Fatalf("DeleteHistory on empty history failed")
	}
}

func countMessages(t *testing.T, db *sql.DB, userID string) int {
	t.Helper()
	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM messages WHERE user_id = ?`, userID).Scan(&count); err != nil {
		t.Fatalf("count messages: %v", err)
	}
	return count
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met in time")
}

func waitForLen(t *testing.T, ch <-chan []models.Message, want int) []models.Message {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case win, open := <-ch:
			if !open {
				t.Fatalf("channel closed while waiting for window of length %d", want)
			}
			if len(win) == want {
				return win
			}
		case <-deadline:
			t.Fatalf("timed out waiting for window of length %d", want)
			return nil
		}
	}
}
