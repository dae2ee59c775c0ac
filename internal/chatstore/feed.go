package chatstore

import (
	"context"
	"encoding/json"
	"log"
	"sync"

	"chatternest/internal/models"
	"chatternest/internal/redis"
)

// changeChannel carries cross-process change notifications. Every process
// replays affected windows on receipt; replaying a self-published change is
// harmless because deliveries are full snapshots.
const changeChannel = "chatternest:chats:changed"

type changeEvent struct {
	UserID string `json:"user_id"`
}

// feed fans change notifications out to live subscriptions. Notifications are
// process-local always and additionally broadcast over redis when a client is
// configured.
type feed struct {
	store *Store
	cache *redis.Client

	mu     sync.Mutex
	nextID int64
	subs   map[int64]*Subscription
}

func newFeed(store *Store, cache *redis.Client) *feed {
	f := &feed{
		store: store,
		cache: cache,
		subs:  make(map[int64]*Subscription),
	}
	f.startListener()
	return f
}

// Subscription is a handle on one live feed. Each subscription delivers on
// its own goroutine, so a slow consumer only delays itself.
type Subscription struct {
	id     int64
	userID string
	feed   *feed

	dirty chan struct{}
	stop  chan struct{}
	once  sync.Once
}

// Cancel releases the feed. It is safe to call more than once.
func (sub *Subscription) Cancel() {
	sub.once.Do(func() {
		sub.feed.mu.Lock()
		delete(sub.feed.subs, sub.id)
		sub.feed.mu.Unlock()
		close(sub.stop)
	})
}

func (f *feed) subscribe(userID string, onChange func([]models.Message)) *Subscription {
	sub := &Subscription{
		userID: userID,
		feed:   f,
		dirty:  make(chan struct{}, 1),
		stop:   make(chan struct{}),
	}

	f.mu.Lock()
	f.nextID++
	sub.id = f.nextID
	f.subs[sub.id] = sub
	f.mu.Unlock()

	go f.deliverLoop(sub, onChange)

	// Initial snapshot.
	sub.mark()
	return sub
}

func (f *feed) deliverLoop(sub *Subscription, onChange func([]models.Message)) {
	for {
		select {
		case <-sub.stop:
			return
		case <-sub.dirty:
			window, err := f.store.Window(context.Background(), sub.userID)
			if err != nil {
				// A live feed has no rejection channel; deliver empty
				// and leave the cause in the log for operators.
				log.Printf("chatstore: live feed query for user %s failed: %v", sub.userID, err)
				window = []models.Message{}
			}
			if window == nil {
				window = []models.Message{}
			}
			select {
			case <-sub.stop:
				return
			default:
				onChange(window)
			}
		}
	}
}

func (sub *Subscription) mark() {
	select {
	case sub.dirty <- struct{}{}:
	default:
	}
}

// changed re-queues delivery for every subscription whose window can contain
// records owned by userID. Sentinel-owned records appear in every window.
func (f *feed) changed(userID string) {
	f.notifyLocal(userID)
	f.publish(userID)
}

func (f *feed) notifyLocal(userID string) {
	sentinel := userID == models.AssistantUserID || userID == models.SystemUserID
	f.mu.Lock()
	for _, sub := range f.subs {
		if sentinel || sub.userID == userID {
			sub.mark()
		}
	}
	f.mu.Unlock()
}

func (f *feed) publish(userID string) {
	if f.cache == nil {
		return
	}
	raw := f.cache.Raw()
	if raw == nil {
		return
	}
	payload, err := json.Marshal(changeEvent{UserID: userID})
	if err != nil {
		log.Printf("chatstore: marshal change event failed: %v", err)
		return
	}
	if err := raw.Publish(context.Background(), changeChannel, payload).Err(); err != nil {
		log.Printf("chatstore: publish change event failed: %v", err)
	}
}

func (f *feed) startListener() {
	if f.cache == nil {
		return
	}
	raw := f.cache.Raw()
	if raw == nil {
		return
	}
	go func() {
		ctx := context.Background()
		pubsub := raw.Subscribe(ctx, changeChannel)
		for msg := range pubsub.Channel() {
			var event changeEvent
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				log.Printf("chatstore: decode change event failed: %v", err)
				continue
			}
			f.notifyLocal(event.UserID)
		}
	}()
}
