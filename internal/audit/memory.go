package audit

import (
	"context"
	"sync"
	"time"
)

// MemorySink keeps the most recent entries in a fixed-size ring.
type MemorySink struct {
	mu      sync.Mutex
	entries []Entry
	next    int
	full    bool
}

func NewMemorySink(size int) *MemorySink {
	if size <= 0 {
		size = 1000
	}
	return &MemorySink{entries: make([]Entry, size)}
}

func (s *MemorySink) Write(_ context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[s.next] = e
	s.next++
	if s.next == len(s.entries) {
		s.next = 0
		s.full = true
	}
	return nil
}

// Entries returns the retained entries, oldest first.
func (s *MemorySink) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.full {
		out := make([]Entry, s.next)
		copy(out, s.entries[:s.next])
		return out
	}
	out := make([]Entry, 0, len(s.entries))
	out = append(out, s.entries[s.next:]...)
	out = append(out, s.entries[:s.next]...)
	return out
}

// List filters like SQLiteSink.List: newest first, at most q.Limit entries.
func (s *MemorySink) List(_ context.Context, q Query) ([]Entry, error) {
	if q.Limit <= 0 {
		q.Limit = 100
	}
	all := s.Entries()
	out := make([]Entry, 0, q.Limit)
	for i := len(all) - 1; i >= 0 && len(out) < q.Limit; i-- {
		e := all[i]
		if q.Category != "" && e.Category != q.Category {
			continue
		}
		if q.Level != "" && e.Level != q.Level {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// Prune drops entries created before the cutoff.
func (s *MemorySink) Prune(_ context.Context, before time.Time) (int64, error) {
	kept := make([]Entry, 0)
	var removed int64
	for _, e := range s.Entries() {
		if e.CreatedAt.Before(before) {
			removed++
			continue
		}
		kept = append(kept, e)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	size := len(s.entries)
	s.entries = make([]Entry, size)
	s.next = copy(s.entries, kept)
	s.full = s.next == size
	if s.full {
		s.next = 0
	}
	return removed, nil
}

var _ Store = (*MemorySink)(nil)
