package orchestrator

import (
	"container/list"
	"hash/fnv"
	"sync"
)

// dedupShards keeps lock contention low; ids spread across shards by
// hash.
const dedupShards = 16

// Deduper is a sharded LRU set of record ids. Capacity is global; each
// shard holds an equal slice of it.
type Deduper struct {
	shards [dedupShards]*dedupShard
}

type dedupShard struct {
	mu    sync.Mutex
	cap   int
	order *list.List
	items map[string]*list.Element
}

// NewDeduper builds a deduper holding at most capacity ids.
func NewDeduper(capacity int) *Deduper {
	if capacity < dedupShards {
		capacity = dedupShards
	}
	d := &Deduper{}
	per := capacity / dedupShards
	for i := range d.shards {
		d.shards[i] = &dedupShard{
			cap:   per,
			order: list.New(),
			items: make(map[string]*list.Element, per),
		}
	}
	return d
}

func fnvShard(id string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return h.Sum32() % dedupShards
}

// Seen records the id and reports whether it was already present.
// A hit refreshes the id's recency.
func (d *Deduper) Seen(id string) bool {
	s := d.shards[fnvShard(id)]

	s.mu.Lock()
	defer s.mu.Unlock()
	if el, ok := s.items[id]; ok {
		s.order.MoveToFront(el)
		return true
	}
	s.items[id] = s.order.PushFront(id)
	if s.order.Len() > s.cap {
		oldest := s.order.Back()
		s.order.Remove(oldest)
		delete(s.items, oldest.Value.(string))
	}
	return false
}

// Len reports the number of ids currently held.
func (d *Deduper) Len() int {
	total := 0
	for _, s := range d.shards {
		s.mu.Lock()
		total += s.order.Len()
		s.mu.Unlock()
	}
	return total
}
