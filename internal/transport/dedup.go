package transport

import "sync"

// requestWindow remembers the most recent request ids. The oldest id is
// forgotten once capacity is reached.
type requestWindow struct {
	mu    sync.Mutex
	seen  map[string]struct{}
	ring  []string
	next  int
	limit int
}

func newRequestWindow(capacity int) *requestWindow {
	if capacity <= 0 {
		capacity = 1024
	}
	return &requestWindow{
		seen:  make(map[string]struct{}, capacity),
		ring:  make([]string, capacity),
		limit: capacity,
	}
}

// firstSeen records key and reports whether it was new.
func (w *requestWindow) firstSeen(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.seen[key]; ok {
		return false
	}
	if old := w.ring[w.next]; old != "" {
		delete(w.seen, old)
	}
	w.ring[w.next] = key
	w.next = (w.next + 1) % w.limit
	w.seen[key] = struct{}{}
	return true
}
