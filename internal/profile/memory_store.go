package profile

import (
	"context"
	"sort"
	"sync"

	"github.com/mpesa-analytics/riskpipe/internal/syncutil"
)

// MemoryStore is an in-memory Store for tests and single-process runs.
type MemoryStore struct {
	locks *syncutil.ContextShardedMutex

	mu       sync.RWMutex
	profiles map[string]*Profile
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory profile store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		locks:    syncutil.NewContextShardedMutex(),
		profiles: make(map[string]*Profile),
	}
}

func (s *MemoryStore) Get(ctx context.Context, account string) (*Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.profiles[account]
	if !ok {
		return nil, ErrNotFound
	}
	return p.Clone(), nil
}

func (s *MemoryStore) GetMany(ctx context.Context, accounts []string) (map[string]*Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]*Profile, len(accounts))
	for _, a := range accounts {
		if p, ok := s.profiles[a]; ok {
			out[a] = p.Clone()
		}
	}
	return out, nil
}

func (s *MemoryStore) CompareAndSwap(ctx context.Context, profiles []*Profile) error {
	if len(profiles) == 0 {
		return nil
	}
	keys := make([]string, len(profiles))
	for i, p := range profiles {
		keys[i] = p.Account
	}
	unlock, err := s.locks.LockKeys(ctx, keys)
	if err != nil {
		return err
	}
	defer unlock()

	// The key locks keep other swaps on these accounts out between the
	// version check and the write.
	var conflicts []string
	s.mu.RLock()
	for _, p := range profiles {
		var current int64
		if stored, ok := s.profiles[p.Account]; ok {
			current = stored.Version
		}
		if current != p.Version {
			conflicts = append(conflicts, p.Account)
		}
	}
	s.mu.RUnlock()
	if len(conflicts) > 0 {
		sort.Strings(conflicts)
		return &ConflictError{Accounts: conflicts}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range profiles {
		c := p.Clone()
		c.Version++
		s.profiles[p.Account] = c
	}
	return nil
}
