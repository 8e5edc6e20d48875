package typing

import (
	"slices"
	"sync"
	"time"

	"github.com/cloudzz-dev/chatsync/internal/client/chat"
)

// Tracker holds who is typing per conversation. Every entry expires after the
// TTL unless refreshed, so a lost typing-stop cannot pin an indicator.
type Tracker struct {
	clock    Clock
	ttl      time.Duration
	onChange func(chat.Key)

	mu   sync.Mutex
	sets map[chat.Key]map[string]*entry
}

type entry struct {
	timer Timer
}

func NewTracker(clock Clock, ttl time.Duration, onChange func(chat.Key)) *Tracker {
	if clock == nil {
		clock = System
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if onChange == nil {
		onChange = func(chat.Key) {}
	}
	return &Tracker{clock: clock, ttl: ttl, onChange: onChange, sets: make(map[chat.Key]map[string]*entry)}
}

// Start adds or refreshes userID in key's set.
func (t *Tracker) Start(key chat.Key, userID string) {
	t.mu.Lock()
	set := t.sets[key]
	if set == nil {
		set = make(map[string]*entry)
		t.sets[key] = set
	}
	old, existed := set[userID]
	if existed {
		old.timer.Stop()
	}
	e := &entry{}
	e.timer = t.clock.AfterFunc(t.ttl, func() { t.expire(key, userID, e) })
	set[userID] = e
	t.mu.Unlock()

	if !existed {
		t.onChange(key)
	}
}

func (t *Tracker) Stop(key chat.Key, userID string) {
	t.mu.Lock()
	removed := t.removeLocked(key, userID, nil)
	t.mu.Unlock()
	if removed {
		t.onChange(key)
	}
}

// Users returns key's typers in a stable order.
func (t *Tracker) Users(key chat.Key) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.sets[key]))
	for id := range t.sets[key] {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// Clear drops key's set, e.g. when the conversation goes away.
func (t *Tracker) Clear(key chat.Key) {
	t.mu.Lock()
	set := t.sets[key]
	for _, e := range set {
		e.timer.Stop()
	}
	delete(t.sets, key)
	t.mu.Unlock()
	if len(set) > 0 {
		t.onChange(key)
	}
}

// Reset stops every timer. Used on teardown.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, set := range t.sets {
		for _, e := range set {
			e.timer.Stop()
		}
	}
	t.sets = make(map[chat.Key]map[string]*entry)
}

func (t *Tracker) expire(key chat.Key, userID string, e *entry) {
	t.mu.Lock()
	removed := t.removeLocked(key, userID, e)
	t.mu.Unlock()
	if removed {
		t.onChange(key)
	}
}

// removeLocked deletes userID from key's set. With want set, only that exact
// registration is removed, so a stale timer cannot evict a refreshed entry.
func (t *Tracker) removeLocked(key chat.Key, userID string, want *entry) bool {
	set := t.sets[key]
	cur, ok := set[userID]
	if !ok || (want != nil && cur != want) {
		return false
	}
	cur.timer.Stop()
	delete(set, userID)
	if len(set) == 0 {
		delete(t.sets, key)
	}
	return true
}
