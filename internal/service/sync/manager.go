package sync

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/sparkcoach/backend/internal/store"
)

// Manager lazily runs one Synchronizer per account. The first status request
// for an account starts its reconcile loop; the loop lives until the manager
// context ends.
type Manager struct {
	ctx   context.Context
	store store.Store
	opts  Options
	log   zerolog.Logger

	mu    sync.Mutex
	syncs map[string]*Synchronizer
}

// NewManager builds the per-account synchronizer registry.
func NewManager(ctx context.Context, st store.Store, opts Options, log zerolog.Logger) *Manager {
	return &Manager{
		ctx:   ctx,
		store: st,
		opts:  opts,
		log:   log,
		syncs: make(map[string]*Synchronizer),
	}
}

// ForAccount returns the account's synchronizer, starting it on first use.
func (m *Manager) ForAccount(accountID string) *Synchronizer {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.syncs[accountID]; ok {
		return s
	}
	s := NewSynchronizer(m.store, accountID, m.opts, m.log)
	m.syncs[accountID] = s
	go s.Run(m.ctx)
	return s
}

// Wake nudges the account's synchronizer if one is already running. Accounts
// that never asked for a projection are not started on a wake.
func (m *Manager) Wake(accountID string) {
	m.mu.Lock()
	s := m.syncs[accountID]
	m.mu.Unlock()
	if s != nil {
		s.Wake()
	}
}
