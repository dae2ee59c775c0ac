// Package chat ties the live message feed, the conversation window builder,
// and the completion client together behind the auth session lifecycle.
package chat

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"chatternest/internal/auth"
	"chatternest/internal/chatstore"
	"chatternest/internal/completion"
	"chatternest/internal/models"
	"chatternest/internal/window"
)

// Completer produces either response text or an error label for a prepared
// conversation window.
type Completer interface {
	Complete(ctx context.Context, newMessage string, turns []window.Turn) string
}

// Manager holds one live subscription per signed-in user context and the
// latest delivered snapshot for each. Sign-in attaches a subscription,
// sign-out or a user switch releases the previous one before the next
// attaches, so stale-user data never reaches a new session.
type Manager struct {
	store     *chatstore.Store
	builder   *window.Builder
	completer Completer

	mu       sync.Mutex
	sessions map[string]*session
}

type session struct {
	sub       *chatstore.Subscription
	snapshot  []models.Message
	nextObsID int64
	observers map[int64]chan []models.Message
}

// NewManager builds the session manager.
func NewManager(store *chatstore.Store, builder *window.Builder, completer Completer) *Manager {
	return &Manager{
		store:     store,
		builder:   builder,
		completer: completer,
		sessions:  make(map[string]*session),
	}
}

// Run consumes the auth state stream until it closes, attaching on sign-in
// and detaching on sign-out. Meant to run on its own goroutine.
func (m *Manager) Run(events <-chan auth.StateChange) {
	for change := range events {
		if change.SignedIn {
			m.Attach(change.UserID)
		} else {
			m.Detach(change.UserID)
		}
	}
}

// Attach ensures the user has an active live subscription. Attaching is
// idempotent; an existing session is kept as is.
func (m *Manager) Attach(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[userID]; ok {
		return
	}
	sess := &session{observers: make(map[int64]chan []models.Message)}
	m.sessions[userID] = sess
	sess.sub = m.store.Subscribe(userID, func(win []models.Message) {
		m.deliver(userID, win)
	})
}

// Detach cancels the user's subscription and drops the held snapshot.
// Observers are closed so surfaces streaming this session end cleanly.
func (m *Manager) Detach(userID string) {
	m.mu.Lock()
	sess, ok := m.sessions[userID]
	if ok {
		delete(m.sessions, userID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	sess.sub.Cancel()
	m.mu.Lock()
	for _, ch := range sess.observers {
		close(ch)
	}
	sess.observers = make(map[int64]chan []models.Message)
	m.mu.Unlock()
}

// Attached reports whether the user currently has a live session.
func (m *Manager) Attached(userID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[userID]
	return ok
}

// Snapshot returns a copy of the latest delivered window for the user, or
// nil when no session is attached.
func (m *Manager) Snapshot(userID string) []models.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[userID]
	if !ok {
		return nil
	}
	out := make([]models.Message, len(sess.snapshot))
	copy(out, sess.snapshot)
	return out
}

// Observe registers a consumer of the user's snapshot stream, attaching the
// session first if needed. The returned channel carries the full window on
// every delivery; call the cancel function when done.
func (m *Manager) Observe(userID string) (<-chan []models.Message, func()) {
	m.Attach(userID)

	ch := make(chan []models.Message, 1)
	m.mu.Lock()
	sess, ok := m.sessions[userID]
	if !ok {
		// Detached between Attach and here; end the stream immediately.
		m.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	sess.nextObsID++
	id := sess.nextObsID
	sess.observers[id] = ch
	// Seed with the current snapshot so a new surface renders immediately.
	current := make([]models.Message, len(sess.snapshot))
	copy(current, sess.snapshot)
	pushLatest(ch, current)
	m.mu.Unlock()

	cancel := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		cur, ok := m.sessions[userID]
		if !ok || cur != sess {
			return
		}
		if _, ok := sess.observers[id]; ok {
			delete(sess.observers, id)
			close(ch)
		}
	}
	return ch, cancel
}

// Send persists the user's message, derives the conversation window from the
// history held before this message, and submits it for completion. The
// result is either the assistant's response text (already persisted) or an
// error label for the caller to surface; Send never returns an error value.
func (m *Manager) Send(ctx context.Context, userID, text string) string {
	history := m.Snapshot(userID)
	if history == nil {
		// No live session (for example a bare API call after a restart);
		// fall back to the stored window.
		var err error
		history, err = m.store.Window(ctx, userID)
		if err != nil {
			log.Printf("chat: load history for user %s failed: %v", userID, err)
			history = nil
		}
	}

	optimistic := models.Message{
		ID:        fmt.Sprintf("temp-%d", time.Now().UnixMilli()),
		UserID:    userID,
		Sender:    models.SenderUser,
		Text:      text,
		CreatedAt: time.Now(),
	}
	m.appendLocal(userID, optimistic)

	// Fire and forget: the next live-feed emission supersedes the optimistic
	// entry once the write lands, and a silent failure leaves it orphaned.
	userMsg := models.Message{UserID: userID, Sender: models.SenderUser, Text: text}
	go func() {
		saveCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		m.store.Save(saveCtx, userMsg, userID)
	}()

	turns := m.builder.Build(history, text)
	result := m.completer.Complete(ctx, text, turns)
	if completion.IsErrorLabel(result) {
		return result
	}

	aiMsg := models.Message{UserID: userID, Sender: models.SenderAI, Text: result}
	// The response is returned even if persistence fails; Save logs it.
	m.store.Save(ctx, aiMsg, userID)
	return result
}

// Window returns the authoritative stored window for the user, bypassing any
// locally held snapshot.
func (m *Manager) Window(ctx context.Context, userID string) ([]models.Message, error) {
	win, err := m.store.Window(ctx, userID)
	if err != nil {
		return nil, err
	}
	if win == nil {
		win = []models.Message{}
	}
	return win, nil
}

// DeleteHistory removes the user's stored messages as one batch.
func (m *Manager) DeleteHistory(ctx context.Context, userID string) bool {
	return m.store.DeleteAll(ctx, userID)
}

func (m *Manager) deliver(userID string, win []models.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[userID]
	if !ok {
		return
	}
	sess.snapshot = win
	sess.fanOutLocked(win)
}

func (m *Manager) appendLocal(userID string, msg models.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[userID]
	if !ok {
		return
	}
	sess.snapshot = append(sess.snapshot, msg)
	sess.fanOutLocked(sess.snapshot)
}

// fanOutLocked pushes a copy of the window to every observer. Callers hold
// the manager mutex, which also guards channel closes in Detach.
func (sess *session) fanOutLocked(win []models.Message) {
	for _, ch := range sess.observers {
		copied := make([]models.Message, len(win))
		copy(copied, win)
		pushLatest(ch, copied)
	}
}

// pushLatest delivers a snapshot without blocking: when the observer has not
// consumed the previous one yet, it is replaced, since only the latest
// window matters.
func pushLatest(ch chan []models.Message, win []models.Message) {
	select {
	case ch <- win:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- win:
	default:
	}
}
