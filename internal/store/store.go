// Package store provides persistence for conversations, goals and the
// per-account reward economy. Implementations: SQLite and in-memory.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/sparkcoach/backend/internal/model/chat"
	"github.com/sparkcoach/backend/internal/model/economy"
	"github.com/sparkcoach/backend/internal/model/goal"
)

var (
	ErrNotFound      = errors.New("record not found")
	ErrGoalNotOpen   = errors.New("goal is not open for completion")
	ErrAlreadyExists = errors.New("record already exists")
)

// Store groups the persistence operations required by the services.
type Store interface {
	Conversations() Conversations
	Turns() Turns
	Goals() Goals
	Economies() Economies

	// CompleteGoalAndCredit marks an accepted goal completed and credits its
	// experience value to the owning account in one atomic step, so a
	// concurrent completion from another device can never lose the update.
	CompleteGoalAndCredit(ctx context.Context, goalID, justification string, at time.Time) (economy.UserEconomy, goal.Goal, error)

	Close() error
}

type Conversations interface {
	Create(ctx context.Context, c chat.Conversation) error
	Get(ctx context.Context, id string) (chat.Conversation, error)
	SetCompleted(ctx context.Context, id string, completed bool) error
	List(ctx context.Context, accountID string) ([]chat.Conversation, error)
}

type Turns interface {
	// Append adds a turn at the end of its conversation's transcript.
	// Append order is the authoritative turn order.
	Append(ctx context.Context, t chat.Turn) error
	List(ctx context.Context, conversationID string) ([]chat.Turn, error)
}

type Goals interface {
	Create(ctx context.Context, g goal.Goal) error
	Get(ctx context.Context, id string) (goal.Goal, error)
	List(ctx context.Context, accountID string, includeCompleted bool) ([]goal.Goal, error)
}

type Economies interface {
	// Ensure creates a zeroed economy row for the account when absent.
	Ensure(ctx context.Context, accountID string) (economy.UserEconomy, error)
	Get(ctx context.Context, accountID string) (economy.UserEconomy, error)
	Put(ctx context.Context, e economy.UserEconomy) error

	// Credit atomically adds delta experience and applies the daily-streak
	// update for activity at `now`. Read-modify-write happens inside the
	// store so concurrent writers from different devices both land.
	Credit(ctx context.Context, accountID string, delta int, now time.Time) (economy.UserEconomy, error)
}
