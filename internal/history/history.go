// Package history keeps a short, in-memory transcript per chat identity that
// feeds context into text generation. Transcripts are never persisted.
package history

import (
	"container/list"
	"sync"
	"time"
)

// Defaults for a Store.
const (
	DefaultMaxEntries = 20
	DefaultMaxOwners  = 10000
	DefaultIdleTTL    = 7 * 24 * time.Hour
)

// Speaker identifies who produced an entry.
type Speaker string

// Speakers.
const (
	User      Speaker = "user"
	Assistant Speaker = "assistant"
)

// Entry is a single transcript line.
type Entry struct {
	Speaker   Speaker
	Text      string
	Timestamp time.Time
}

// Store holds one bounded transcript per owner. Each owner has its own lock;
// the owner index is only held while looking transcripts up, so a slow
// reader of one owner never blocks another owner.
//
// Total memory is bounded by MaxOwners (least recently used owners are
// evicted first) and by IdleTTL, enforced by Prune.
type Store struct {
	mu     sync.Mutex
	owners map[string]*list.Element
	lru    *list.List // front = most recently used

	maxEntries int
	maxOwners  int
	idleTTL    time.Duration
	now        func() time.Time

	// beforeWrite runs in Append between lookup and write; tests only.
	beforeWrite func(owner string)
}

type transcript struct {
	owner    string
	lastUsed time.Time // guarded by Store.mu

	mu      sync.Mutex
	entries []Entry
	removed bool // set once evicted or pruned
}

// Opts holds parameters for creating a Store. Zero values select the
// defaults; a negative MaxOwners or IdleTTL disables that bound.
type Opts struct {
	MaxEntries int
	MaxOwners  int
	IdleTTL    time.Duration
	Now        func() time.Time
}

// New creates an empty Store.
func New(opts Opts) *Store {
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = DefaultMaxEntries
	}
	if opts.MaxOwners == 0 {
		opts.MaxOwners = DefaultMaxOwners
	}
	if opts.IdleTTL == 0 {
		opts.IdleTTL = DefaultIdleTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Store{
		owners:     make(map[string]*list.Element),
		lru:        list.New(),
		maxEntries: opts.MaxEntries,
		maxOwners:  opts.MaxOwners,
		idleTTL:    opts.IdleTTL,
		now:        opts.Now,
	}
}

// touch returns the transcript for owner, marking it most recently used.
// When create is false and the owner is unknown it returns nil.
func (s *Store) touch(owner string, create bool) *transcript {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if el, ok := s.owners[owner]; ok {
		s.lru.MoveToFront(el)
		tr := el.Value.(*transcript)
		tr.lastUsed = now
		return tr
	}
	if !create {
		return nil
	}

	tr := &transcript{owner: owner, lastUsed: now}
	s.owners[owner] = s.lru.PushFront(tr)
	for s.maxOwners > 0 && s.lru.Len() > s.maxOwners {
		s.removeElement(s.lru.Back())
	}
	return tr
}

// removeElement requires s.mu. Lock order is Store.mu, then transcript.mu.
func (s *Store) removeElement(el *list.Element) {
	tr := el.Value.(*transcript)
	delete(s.owners, tr.owner)
	s.lru.Remove(el)
	tr.mu.Lock()
	tr.removed = true
	tr.mu.Unlock()
}

// Append adds an entry to owner's transcript, dropping the oldest entries
// beyond the per-owner cap.
func (s *Store) Append(owner string, speaker Speaker, text string) {
	entry := Entry{Speaker: speaker, Text: text, Timestamp: s.now()}
	for {
		tr := s.touch(owner, true)
		if s.beforeWrite != nil {
			s.beforeWrite(owner)
		}
		if s.write(tr, entry) {
			return
		}
		// Evicted between lookup and write; retry on a fresh transcript.
	}
}

func (s *Store) write(tr *transcript, entry Entry) bool {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.removed {
		return false
	}
	tr.entries = append(tr.entries, entry)
	if over := len(tr.entries) - s.maxEntries; over > 0 {
		tr.entries = append(tr.entries[:0:0], tr.entries[over:]...)
	}
	return true
}

// Read returns a copy of owner's transcript, oldest first. Unknown owners
// yield an empty slice.
func (s *Store) Read(owner string) []Entry {
	return s.Last(owner, 0)
}

// Last returns up to n most recent entries of owner, oldest first. n <= 0
// returns the whole transcript.
func (s *Store) Last(owner string, n int) []Entry {
	tr := s.touch(owner, false)
	if tr == nil {
		return []Entry{}
	}

	tr.mu.Lock()
	defer tr.mu.Unlock()
	start := 0
	if n > 0 && len(tr.entries) > n {
		start = len(tr.entries) - n
	}
	out := make([]Entry, len(tr.entries)-start)
	copy(out, tr.entries[start:])
	return out
}

// Prune drops owners idle for longer than the idle TTL and returns how
// many were removed.
func (s *Store) Prune() int {
	if s.idleTTL < 0 {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-s.idleTTL)
	removed := 0
	for el := s.lru.Back(); el != nil; {
		tr := el.Value.(*transcript)
		if tr.lastUsed.After(cutoff) {
			break
		}
		prev := el.Prev()
		s.removeElement(el)
		removed++
		el = prev
	}
	return removed
}

// Owners returns the number of owners with a transcript.
func (s *Store) Owners() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lru.Len()
}
