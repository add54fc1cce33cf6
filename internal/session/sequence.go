package session

import (
	"context"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// StaleAfter is how long a sequence number may stay unanswered before its
// entry is dropped and counted as a timeout.
const StaleAfter = 5 * time.Second

type seqEntry struct {
	hop    int
	sentAt time.Time
	gen    int // statistics generation the probe was sent in
}

// sequenceTable maps outstanding sequence numbers to the hop that sent them.
type sequenceTable struct {
	cache *ttlcache.Cache[uint16, seqEntry]

	mu      sync.Mutex
	expired []seqEntry
}

func newSequenceTable(staleAfter time.Duration) *sequenceTable {
	t := &sequenceTable{
		cache: ttlcache.New(
			ttlcache.WithTTL[uint16, seqEntry](staleAfter),
			ttlcache.WithDisableTouchOnHit[uint16, seqEntry](),
		),
	}
	t.cache.OnEviction(func(ctx context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[uint16, seqEntry]) {
		if reason == ttlcache.EvictionReasonExpired {
			t.mu.Lock()
			t.expired = append(t.expired, item.Value())
			t.mu.Unlock()
		}
	})
	return t
}

// Insert records seq. It returns entries that went stale since the last call,
// plus any live entry that seq displaces.
func (t *sequenceTable) Insert(seq uint16, e seqEntry) []seqEntry {
	stale := t.Expire()
	if old := t.cache.Get(seq); old != nil {
		stale = append(stale, old.Value())
	}
	t.cache.Set(seq, e, ttlcache.DefaultTTL)
	return stale
}

// Expire removes stale entries and returns them.
func (t *sequenceTable) Expire() []seqEntry {
	t.cache.DeleteExpired()
	t.mu.Lock()
	defer t.mu.Unlock()
	out := t.expired
	t.expired = nil
	return out
}

// Take removes and returns the entry for seq. Stale entries are not returned.
func (t *sequenceTable) Take(seq uint16) (seqEntry, bool) {
	item := t.cache.Get(seq)
	if item == nil {
		return seqEntry{}, false
	}
	t.cache.Delete(seq)
	return item.Value(), true
}

func (t *sequenceTable) Len() int { return t.cache.Len() }
