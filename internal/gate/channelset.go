package gate

import (
	"sync"
	"sync/atomic"

	"gatebot/internal/transport"
)

// ChannelSet is the in-memory copy of the required-channel configuration.
//
// Readers (every gate check) are lock-free: the current set is an immutable
// slice behind an atomic.Value and is only ever replaced wholesale, never
// mutated in place. Writers (reload, admin add/remove) serialize on a mutex.
type ChannelSet struct {
	mu sync.Mutex   // serializes writers
	v  atomic.Value // stores []int64; never mutated after Store
}

func NewChannelSet() *ChannelSet {
	s := &ChannelSet{}
	s.v.Store([]int64(nil))
	return s
}

// Snapshot returns the current set. Callers must not modify the result.
func (s *ChannelSet) Snapshot() []int64 {
	ids, _ := s.v.Load().([]int64)
	return ids
}

func (s *ChannelSet) Len() int { return len(s.Snapshot()) }

// Replace swaps in a whole new set.
func (s *ChannelSet) Replace(ids []int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.v.Store(append([]int64(nil), ids...))
}

// Add appends a channel, reporting whether it was not already present.
func (s *ChannelSet) Add(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, _ := s.v.Load().([]int64)
	for _, c := range cur {
		if c == id {
			return false
		}
	}
	next := make([]int64, 0, len(cur)+1)
	next = append(next, cur...)
	next = append(next, id)
	s.v.Store(next)
	return true
}

// Remove drops a channel, reporting whether it was present.
func (s *ChannelSet) Remove(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, _ := s.v.Load().([]int64)
	next := make([]int64, 0, len(cur))
	found := false
	for _, c := range cur {
		if c == id {
			found = true
			continue
		}
		next = append(next, c)
	}
	if found {
		s.v.Store(next)
	}
	return found
}

// Directory caches channel metadata (title, link) gathered by the reconciler
// so the gate prompt can render named join buttons without extra API calls.
type Directory struct {
	mu   sync.RWMutex
	info map[int64]transport.ChatInfo
}

func NewDirectory() *Directory {
	return &Directory{info: map[int64]transport.ChatInfo{}}
}

func (d *Directory) Put(info transport.ChatInfo) {
	d.mu.Lock()
	d.info[info.ID] = info
	d.mu.Unlock()
}

func (d *Directory) Get(id int64) (transport.ChatInfo, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	info, ok := d.info[id]
	return info, ok
}
