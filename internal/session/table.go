package session

import "sync"

// shardCount bounds lock contention on Get, which dominates in steady
// state.
const shardCount = 32

type shard struct {
	mu       sync.RWMutex
	sessions map[uint64]*Session
}

// Table is a concurrent mapping from session hash to *Session. Sessions
// returned by Get remain valid for as long as the caller holds the
// pointer, even if another goroutine concurrently erases the table entry:
// Go's garbage collector keeps the Session alive for as long as anything
// still references it.
type Table struct {
	shards [shardCount]shard
}

// NewTable constructs an empty, ready-to-use Table.
func NewTable() *Table {
	t := &Table{}
	for i := range t.shards {
		t.shards[i].sessions = make(map[uint64]*Session)
	}
	return t
}

func (t *Table) shardFor(hash uint64) *shard {
	return &t.shards[hash%shardCount]
}

// Get returns the session for hash, or nil if absent.
func (t *Table) Get(hash uint64) *Session {
	sh := t.shardFor(hash)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	return sh.sessions[hash]
}

// Set inserts or overwrites the session at hash.
func (t *Table) Set(hash uint64, s *Session) {
	sh := t.shardFor(hash)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sh.sessions[hash] = s
}

// Erase removes the session at hash, reporting whether one was present.
func (t *Table) Erase(hash uint64) bool {
	sh := t.shardFor(hash)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, ok := sh.sessions[hash]; !ok {
		return false
	}
	delete(sh.sessions, hash)
	return true
}

// Size returns the total number of sessions across all shards.
func (t *Table) Size() int {
	total := 0
	for i := range t.shards {
		sh := &t.shards[i]
		sh.mu.RLock()
		total += len(sh.sessions)
		sh.mu.RUnlock()
	}
	return total
}

// Purge removes every session expired as of currentTime, returning the
// number removed.
func (t *Table) Purge(currentTime uint64) int {
	removed := 0
	for i := range t.shards {
		sh := &t.shards[i]
		sh.mu.Lock()
		for hash, s := range sh.sessions {
			if s.Expired(currentTime) {
				delete(sh.sessions, hash)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}
