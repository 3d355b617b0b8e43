package orchestrator

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeduper_SeenOnceThenHit(t *testing.T) {
	d := NewDeduper(1000)
	assert.False(t, d.Seen("a"))
	assert.True(t, d.Seen("a"))
	assert.False(t, d.Seen("b"))
	assert.Equal(t, 2, d.Len())
}

func TestDeduper_EvictsOldestAtCapacity(t *testing.T) {
	// Capacity 16 with 16 shards: one slot per shard. A second id
	// landing on the same shard evicts the first.
	d := NewDeduper(16)
	first, evictor := sameShardPair()
	assert.False(t, d.Seen(first))
	assert.False(t, d.Seen(evictor))
	assert.False(t, d.Seen(first), "evicted id looks new again")
}

func TestDeduper_HitRefreshesRecency(t *testing.T) {
	// Capacity 32 with 16 shards: two slots per shard.
	d := NewDeduper(32)
	a, b, c := sameShardTriple()
	assert.False(t, d.Seen(a))
	assert.False(t, d.Seen(b))
	assert.True(t, d.Seen(a), "hit moves a to the front")
	assert.False(t, d.Seen(c), "c evicts b, the least recently seen")
	assert.True(t, d.Seen(a))
	assert.False(t, d.Seen(b))
}

func TestDeduper_ConcurrentAccess(t *testing.T) {
	d := NewDeduper(100_000)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				d.Seen(fmt.Sprintf("g%d-%d", g, i))
			}
		}(g)
	}
	wg.Wait()
	assert.Equal(t, 8*500, d.Len())
}

// sameShardPair finds two ids the deduper hashes to the same shard.
func sameShardPair() (string, string) {
	base := "pair-0"
	for i := 1; ; i++ {
		id := fmt.Sprintf("pair-%d", i)
		if fnvShard(id) == fnvShard(base) {
			return base, id
		}
	}
}

func sameShardTriple() (string, string, string) {
	a, b := sameShardPair()
	for i := 0; ; i++ {
		id := fmt.Sprintf("triple-%d", i)
		if fnvShard(id) == fnvShard(a) {
			return a, b, id
		}
	}
}
