package oracle

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/xtrntr/spotdesk/internal/models"
)

// Store is the symbol-keyed table of last known quotes. Put is last-fetched-at-wins:
// it is rejected (false) only when the stored quote was fetched strictly later.
type Store interface {
	Get(ctx context.Context, symbol string) (models.Quote, bool, error)
	Put(ctx context.Context, q models.Quote) (bool, error)
	All(ctx context.Context) ([]models.Quote, error)
}

// MemoryStore keeps quotes in process memory. Writers of one symbol are serialized,
// writers of different symbols never contend, and readers never block.
type MemoryStore struct {
	entries sync.Map // symbol -> *memEntry
}

type memEntry struct {
	mu    sync.Mutex
	quote atomic.Pointer[models.Quote]
}

// NewMemoryStore creates an empty in-memory quote store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Get returns the stored quote for symbol
func (s *MemoryStore) Get(ctx context.Context, symbol string) (models.Quote, bool, error) {
	v, ok := s.entries.Load(symbol)
	if !ok {
		return models.Quote{}, false, nil
	}
	q := v.(*memEntry).quote.Load()
	if q == nil {
		return models.Quote{}, false, nil
	}
	return *q, true, nil
}

// Put replaces the stored quote unless a later one is already present
func (s *MemoryStore) Put(ctx context.Context, q models.Quote) (bool, error) {
	v, _ := s.entries.LoadOrStore(q.Symbol, &memEntry{})
	e := v.(*memEntry)

	e.mu.Lock()
	defer e.mu.Unlock()

	if cur := e.quote.Load(); cur != nil && cur.FetchedAt.After(q.FetchedAt) {
		return false, nil
	}
	e.quote.Store(&q)
	return true, nil
}

// All returns every stored quote ordered by symbol
func (s *MemoryStore) All(ctx context.Context) ([]models.Quote, error) {
	var out []models.Quote
	s.entries.Range(func(_, v any) bool {
		if q := v.(*memEntry).quote.Load(); q != nil {
			out = append(out, *q)
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}
