// Package session keeps the short-lived tokens that tie a recording link to
// the chat identity that asked for it.
package session

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bellujrb/hackathon-onco/internal/models"
	"github.com/charmbracelet/log"
	"github.com/google/uuid"
)

// DefaultTTL is how long a test link stays valid.
const DefaultTTL = 24 * time.Hour

const (
	shardCount = 16
	// maxIDAttempts bounds token regeneration on collision with a live token.
	maxIDAttempts = 3
)

// ErrNotFound is returned for unknown, deleted, or expired tokens.
var ErrNotFound = errors.New("session: not found")

// Persister stores and restores the full session table.
type Persister interface {
	Load(ctx context.Context) ([]models.Session, error)
	Save(ctx context.Context, sessions []models.Session) error
}

// Store is a concurrent, expiring token -> session map. Tokens are spread
// over shards so operations on different tokens do not contend.
type Store struct {
	shards    [shardCount]*shard
	ttl       time.Duration
	persister Persister
	now       func() time.Time
	newID     func() string
	log       *log.Logger

	dirty   atomic.Bool
	flushMu sync.Mutex
}

type shard struct {
	mu    sync.RWMutex
	items map[string]models.Session
}

// StoreOpts holds parameters for creating a Store.
type StoreOpts struct {
	TTL       time.Duration    // defaults to DefaultTTL
	Persister Persister        // optional; nil keeps sessions in memory only
	Logger    *log.Logger      // defaults to log.Default()
	Now       func() time.Time // defaults to time.Now
	NewID     func() string    // defaults to uuid.NewString
}

// NewStore creates an empty Store. Call Load to restore persisted sessions.
func NewStore(opts StoreOpts) (*Store, error) {
	if opts.TTL < 0 {
		return nil, fmt.Errorf("session: ttl must be positive, got %v", opts.TTL)
	}
	if opts.TTL == 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}

	s := &Store{
		ttl:       opts.TTL,
		persister: opts.Persister,
		now:       opts.Now,
		newID:     opts.NewID,
		log:       logger.WithPrefix("session"),
	}
	for i := range s.shards {
		s.shards[i] = &shard{items: make(map[string]models.Session)}
	}
	return s, nil
}

func (s *Store) shardFor(token string) *shard {
	h := fnv.New32a()
	h.Write([]byte(token))
	return s.shards[h.Sum32()%shardCount]
}

// Create issues a new token for ownerID.
func (s *Store) Create(ownerID string) (models.Session, error) {
	if ownerID == "" {
		return models.Session{}, fmt.Errorf("session: create: owner id is required")
	}
	now := s.now()
	for attempt := 0; attempt < maxIDAttempts; attempt++ {
		id := s.newID()
		sh := s.shardFor(id)

		sh.mu.Lock()
		if existing, ok := sh.items[id]; ok && !existing.Expired(now) {
			sh.mu.Unlock()
			continue
		}
		sess := models.Session{
			ID:        id,
			OwnerID:   ownerID,
			CreatedAt: now,
			ExpiresAt: now.Add(s.ttl),
		}
		sh.items[id] = sess
		sh.mu.Unlock()

		s.dirty.Store(true)
		return sess, nil
	}
	return models.Session{}, fmt.Errorf("session: create: could not allocate a unique token after %d attempts", maxIDAttempts)
}

// Get returns the session for token. Expired sessions are removed and
// reported as ErrNotFound.
func (s *Store) Get(token string) (models.Session, error) {
	sh := s.shardFor(token)
	now := s.now()

	sh.mu.RLock()
	sess, ok := sh.items[token]
	sh.mu.RUnlock()
	if !ok {
		return models.Session{}, ErrNotFound
	}
	if !sess.Expired(now) {
		return sess, nil
	}

	sh.mu.Lock()
	if cur, ok := sh.items[token]; ok && cur.Expired(now) {
		delete(sh.items, token)
		s.dirty.Store(true)
	}
	sh.mu.Unlock()
	return models.Session{}, ErrNotFound
}

// GetByOwner returns the most recently created live session of ownerID.
func (s *Store) GetByOwner(ownerID string) (models.Session, error) {
	now := s.now()
	var (
		best  models.Session
		found bool
	)
	for _, sh := range s.shards {
		sh.mu.RLock()
		for _, sess := range sh.items {
			if sess.OwnerID != ownerID || sess.Expired(now) {
				continue
			}
			if !found || sess.CreatedAt.After(best.CreatedAt) {
				best, found = sess, true
			}
		}
		sh.mu.RUnlock()
	}
	if !found {
		return models.Session{}, ErrNotFound
	}
	return best, nil
}

// Delete removes token. Deleting an unknown token is a no-op.
func (s *Store) Delete(token string) {
	sh := s.shardFor(token)
	sh.mu.Lock()
	if _, ok := sh.items[token]; ok {
		delete(sh.items, token)
		s.dirty.Store(true)
	}
	sh.mu.Unlock()
}

// Sweep removes every expired session and returns how many were dropped.
func (s *Store) Sweep() int {
	now := s.now()
	removed := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for id, sess := range sh.items {
			if sess.Expired(now) {
				delete(sh.items, id)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	if removed > 0 {
		s.dirty.Store(true)
		s.log.Info("swept expired sessions", "count", removed)
	}
	return removed
}

// List returns live sessions ordered by creation time.
func (s *Store) List() []models.Session {
	now := s.now()
	var out []models.Session
	for _, sh := range s.shards {
		sh.mu.RLock()
		for _, sess := range sh.items {
			if !sess.Expired(now) {
				out = append(out, sess)
			}
		}
		sh.mu.RUnlock()
	}
	sortByCreated(out)
	return out
}

// Len returns the number of stored sessions, including expired ones not
// yet swept.
func (s *Store) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		n += len(sh.items)
		sh.mu.RUnlock()
	}
	return n
}

// snapshot copies every stored session.
func (s *Store) snapshot() []models.Session {
	var out []models.Session
	for _, sh := range s.shards {
		sh.mu.RLock()
		for _, sess := range sh.items {
			out = append(out, sess)
		}
		sh.mu.RUnlock()
	}
	sortByCreated(out)
	return out
}

// Flush writes the table through the persister if anything changed since
// the last successful flush. In-memory state is never affected by a failed
// write; the table stays dirty and the next flush retries.
func (s *Store) Flush(ctx context.Context) error {
	if s.persister == nil {
		return nil
	}
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	if !s.dirty.Swap(false) {
		return nil
	}
	if err := s.persister.Save(ctx, s.snapshot()); err != nil {
		s.dirty.Store(true)
		return fmt.Errorf("session: flush: %w", err)
	}
	return nil
}

// Load restores persisted sessions, dropping the ones already expired.
func (s *Store) Load(ctx context.Context) error {
	if s.persister == nil {
		return nil
	}
	rows, err := s.persister.Load(ctx)
	if err != nil {
		return fmt.Errorf("session: load: %w", err)
	}

	now := s.now()
	loaded, dropped := 0, 0
	for _, sess := range rows {
		if sess.ID == "" || sess.Expired(now) {
			dropped++
			continue
		}
		sh := s.shardFor(sess.ID)
		sh.mu.Lock()
		sh.items[sess.ID] = sess
		sh.mu.Unlock()
		loaded++
	}
	if dropped > 0 {
		s.dirty.Store(true)
	}
	s.log.Info("loaded sessions", "active", loaded, "expired", dropped)
	return nil
}

func sortByCreated(list []models.Session) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].ID < list[j].ID
		}
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})
}
