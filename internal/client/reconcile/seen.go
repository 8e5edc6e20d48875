package reconcile

import "sync"

// recentIDs remembers the last n message ids delivered to the controller so
// a message pushed twice only touches the directory once.
type recentIDs struct {
	mu    sync.Mutex
	ring  []string
	next  int
	index map[string]struct{}
}

func newRecentIDs(n int) *recentIDs {
	if n <= 0 {
		n = 512
	}
	return &recentIDs{ring: make([]string, n), index: make(map[string]struct{}, n)}
}

// Add records id and reports whether it was new.
func (r *recentIDs) Add(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.index[id]; ok {
		return false
	}
	if old := r.ring[r.next]; old != "" {
		delete(r.index, old)
	}
	r.ring[r.next] = id
	r.index[id] = struct{}{}
	r.next = (r.next + 1) % len(r.ring)
	return true
}
