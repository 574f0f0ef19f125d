// Package sync keeps a device's in-memory projection of the shared account
// state (economy plus active goals) converging with the authoritative store.
// Polling on an interval is the base mechanism; the websocket change feed
// only accelerates it.
package sync

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sparkcoach/backend/internal/model/economy"
	"github.com/sparkcoach/backend/internal/model/goal"
	"github.com/sparkcoach/backend/internal/store"
)

// Defaults match the product tuning: a 30s poll bounds staleness, a 500ms
// post-write re-read catches a concurrent writer on another device.
const (
	DefaultInterval       = 30 * time.Second
	DefaultReconcileDelay = 500 * time.Millisecond
)

// Options tune the reconciliation cadence.
type Options struct {
	Interval       time.Duration
	ReconcileDelay time.Duration
}

// Synchronizer holds one account's local projection. Writes still go through
// the store's atomic paths; the projection is read-side convenience and the
// reconcile passes are what bound its staleness.
type Synchronizer struct {
	store     store.Store
	accountID string
	interval  time.Duration
	delay     time.Duration
	log       zerolog.Logger

	wake chan struct{}

	mu       sync.RWMutex
	base     context.Context
	eco      economy.UserEconomy
	goals    []goal.Goal
	lastSync time.Time
}

// NewSynchronizer builds a synchronizer for one account.
func NewSynchronizer(st store.Store, accountID string, opts Options, log zerolog.Logger) *Synchronizer {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.ReconcileDelay <= 0 {
		opts.ReconcileDelay = DefaultReconcileDelay
	}
	return &Synchronizer{
		store:     st,
		accountID: accountID,
		interval:  opts.Interval,
		delay:     opts.ReconcileDelay,
		log:       log.With().Str("component", "sync").Str("account", accountID).Logger(),
		wake:      make(chan struct{}, 1),
	}
}

// Run reconciles on the interval and whenever Wake fires, until ctx ends.
// Delayed post-write re-reads are bounded by the same ctx.
func (s *Synchronizer) Run(ctx context.Context) {
	s.mu.Lock()
	s.base = ctx
	s.mu.Unlock()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	if err := s.Reconcile(ctx); err != nil {
		s.log.Warn().Err(err).Msg("initial reconcile failed")
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-s.wake:
		}
		if err := s.Reconcile(ctx); err != nil {
			// Soft failure: the projection stays usable and the next pass
			// retries, which also re-attempts any write the store missed.
			s.log.Warn().Err(err).Msg("reconcile failed")
		}
	}
}

// Wake requests an immediate reconcile: fired on a network-reconnect edge
// and on change-feed pings from other devices.
func (s *Synchronizer) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Reconcile re-reads the authoritative store and replaces the local
// projection when it differs. Last writer wins; concurrent edits to the same
// goal are not merged field by field.
func (s *Synchronizer) Reconcile(ctx context.Context) error {
	eco, err := s.store.Economies().Ensure(ctx, s.accountID)
	if err != nil {
		return err
	}
	goals, err := s.store.Goals().List(ctx, s.accountID, false)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if eco != s.eco {
		s.log.Debug().Int("totalXp", eco.TotalXP).Msg("economy projection replaced")
	}
	s.eco = eco
	s.goals = goals
	s.lastSync = time.Now().UTC()
	return nil
}

// Snapshot returns the current projection.
func (s *Synchronizer) Snapshot() (economy.UserEconomy, []goal.Goal) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	goals := make([]goal.Goal, len(s.goals))
	copy(goals, s.goals)
	return s.eco, goals
}

// LastSync reports when the projection last matched the store.
func (s *Synchronizer) LastSync() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastSync
}

// ApplyGoalAccepted records a local goal acceptance optimistically so the
// UI sees it immediately, then schedules the short-delayed re-read that
// reconciles any divergence caused by another device.
func (s *Synchronizer) ApplyGoalAccepted(g goal.Goal) {
	s.mu.Lock()
	s.goals = append(s.goals, g)
	s.mu.Unlock()
	s.scheduleReconcile()
}

// ApplyCompletion records a local completion optimistically: the goal drops
// from the active set and the economy projection takes the post-credit value.
func (s *Synchronizer) ApplyCompletion(eco economy.UserEconomy, completedGoalID string) {
	s.mu.Lock()
	s.eco = eco
	kept := s.goals[:0]
	for _, g := range s.goals {
		if g.ID != completedGoalID {
			kept = append(kept, g)
		}
	}
	s.goals = kept
	s.mu.Unlock()
	s.scheduleReconcile()
}

func (s *Synchronizer) scheduleReconcile() {
	time.AfterFunc(s.delay, func() {
		s.mu.RLock()
		base := s.base
		s.mu.RUnlock()
		if base == nil {
			base = context.Background()
		}
		if base.Err() != nil {
			// The loop has been shut down; nothing should fire after it.
			return
		}
		ctx, cancel := context.WithTimeout(base, 5*time.Second)
		defer cancel()
		if err := s.Reconcile(ctx); err != nil {
			s.log.Warn().Err(err).Msg("post-write reconcile failed")
		}
	})
}
