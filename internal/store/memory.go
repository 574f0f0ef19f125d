package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sparkcoach/backend/internal/model/chat"
	"github.com/sparkcoach/backend/internal/model/economy"
	"github.com/sparkcoach/backend/internal/model/goal"
)

// MemoryStore keeps everything in process memory behind one mutex. It backs
// the test suite and serves as a zero-configuration fallback when no SQLite
// path is configured.
type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]chat.Conversation
	turns         map[string][]chat.Turn
	goals         map[string]goal.Goal
	economies     map[string]economy.UserEconomy
}

// NewMemory returns an empty in-memory store.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[string]chat.Conversation),
		turns:         make(map[string][]chat.Turn),
		goals:         make(map[string]goal.Goal),
		economies:     make(map[string]economy.UserEconomy),
	}
}

func (s *MemoryStore) Conversations() Conversations { return (*memoryConversations)(s) }
func (s *MemoryStore) Turns() Turns                 { return (*memoryTurns)(s) }
func (s *MemoryStore) Goals() Goals                 { return (*memoryGoals)(s) }
func (s *MemoryStore) Economies() Economies         { return (*memoryEconomies)(s) }

func (s *MemoryStore) Close() error { return nil }

// CompleteGoalAndCredit implements the atomic completion contract under the
// store mutex.
func (s *MemoryStore) CompleteGoalAndCredit(_ context.Context, goalID, justification string, at time.Time) (economy.UserEconomy, goal.Goal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.goals[goalID]
	if !ok {
		return economy.UserEconomy{}, goal.Goal{}, ErrNotFound
	}
	if g.Status != goal.StatusAccepted || g.Completed {
		return economy.UserEconomy{}, goal.Goal{}, ErrGoalNotOpen
	}

	completedAt := at.UTC()
	g.Status = goal.StatusCompleted
	g.Completed = true
	g.CompletedAt = &completedAt
	g.Justification = justification
	s.goals[goalID] = g

	e := s.economies[g.AccountID]
	e.AccountID = g.AccountID
	e.TotalXP += g.ExperienceXP
	e.TouchActivity(at)
	s.economies[g.AccountID] = e

	return e, g, nil
}

type memoryConversations MemoryStore

func (s *memoryConversations) Create(_ context.Context, c chat.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[c.ID]; ok {
		return ErrAlreadyExists
	}
	s.conversations[c.ID] = c
	s.turns[c.ID] = make([]chat.Turn, 0, 16)
	return nil
}

func (s *memoryConversations) Get(_ context.Context, id string) (chat.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations[id]
	if !ok {
		return chat.Conversation{}, ErrNotFound
	}
	return c, nil
}

func (s *memoryConversations) SetCompleted(_ context.Context, id string, completed bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return ErrNotFound
	}
	c.Completed = completed
	s.conversations[id] = c
	return nil
}

func (s *memoryConversations) List(_ context.Context, accountID string) ([]chat.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]chat.Conversation, 0)
	for _, c := range s.conversations {
		if c.AccountID == accountID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

type memoryTurns MemoryStore

func (s *memoryTurns) Append(_ context.Context, t chat.Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[t.ConversationID]; !ok {
		return ErrNotFound
	}
	s.turns[t.ConversationID] = append(s.turns[t.ConversationID], t)
	return nil
}

func (s *memoryTurns) List(_ context.Context, conversationID string) ([]chat.Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	turns, ok := s.turns[conversationID]
	if !ok {
		return nil, ErrNotFound
	}
	copied := make([]chat.Turn, len(turns))
	copy(copied, turns)
	return copied, nil
}

type memoryGoals MemoryStore

func (s *memoryGoals) Create(_ context.Context, g goal.Goal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.goals[g.ID]; ok {
		return ErrAlreadyExists
	}
	s.goals[g.ID] = g
	return nil
}

func (s *memoryGoals) Get(_ context.Context, id string) (goal.Goal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.goals[id]
	if !ok {
		return goal.Goal{}, ErrNotFound
	}
	return g, nil
}

func (s *memoryGoals) List(_ context.Context, accountID string, includeCompleted bool) ([]goal.Goal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]goal.Goal, 0)
	for _, g := range s.goals {
		if g.AccountID != accountID {
			continue
		}
		if g.Completed && !includeCompleted {
			continue
		}
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

type memoryEconomies MemoryStore

func (s *memoryEconomies) Ensure(_ context.Context, accountID string) (economy.UserEconomy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.economies[accountID]
	if !ok {
		e = economy.UserEconomy{AccountID: accountID}
		s.economies[accountID] = e
	}
	return e, nil
}

func (s *memoryEconomies) Get(_ context.Context, accountID string) (economy.UserEconomy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.economies[accountID]
	if !ok {
		return economy.UserEconomy{}, ErrNotFound
	}
	return e, nil
}

func (s *memoryEconomies) Put(_ context.Context, e economy.UserEconomy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.economies[e.AccountID] = e
	return nil
}

func (s *memoryEconomies) Credit(_ context.Context, accountID string, delta int, now time.Time) (economy.UserEconomy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.economies[accountID]
	e.AccountID = accountID
	e.TotalXP += delta
	e.TouchActivity(now)
	s.economies[accountID] = e
	return e, nil
}
