package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sparkcoach/backend/internal/model/chat"
	"github.com/sparkcoach/backend/internal/model/goal"
)

// Both backends must satisfy the same contract, so every test runs against
// each of them.
func forEachStore(t *testing.T, fn func(t *testing.T, st Store)) {
	t.Helper()

	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemory())
	})
	t.Run("sqlite", func(t *testing.T) {
		st, err := NewSQLite(filepath.Join(t.TempDir(), "store.db"))
		require.NoError(t, err)
		t.Cleanup(func() { _ = st.Close() })
		fn(t, st)
	})
}

func newConversation(accountID string) chat.Conversation {
	return chat.Conversation{
		ID:        uuid.NewString(),
		AccountID: accountID,
		CreatedAt: time.Now().UTC().Truncate(time.Second),
	}
}

func newTurn(conversationID string, kind chat.Kind, content string) chat.Turn {
	return chat.Turn{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Speaker:        chat.SpeakerUser,
		Kind:           kind,
		Content:        content,
		CreatedAt:      time.Now().UTC().Truncate(time.Second),
	}
}

func newAcceptedGoal(accountID string, xp int) goal.Goal {
	return goal.Goal{
		ID:           uuid.NewString(),
		AccountID:    accountID,
		Description:  "Take a ten minute walk",
		Difficulty:   goal.DifficultyEasy,
		ExperienceXP: xp,
		Status:       goal.StatusAccepted,
		Motivation:   6,
		CreatedAt:    time.Now().UTC().Truncate(time.Second),
	}
}

func TestConversationLifecycle(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		conv := newConversation("acct-1")

		require.NoError(t, st.Conversations().Create(ctx, conv))
		assert.ErrorIs(t, st.Conversations().Create(ctx, conv), ErrAlreadyExists)

		got, err := st.Conversations().Get(ctx, conv.ID)
		require.NoError(t, err)
		assert.Equal(t, conv.AccountID, got.AccountID)
		assert.False(t, got.Completed)

		require.NoError(t, st.Conversations().SetCompleted(ctx, conv.ID, true))
		got, err = st.Conversations().Get(ctx, conv.ID)
		require.NoError(t, err)
		assert.True(t, got.Completed)

		_, err = st.Conversations().Get(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestListConversationsByAccount(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		require.NoError(t, st.Conversations().Create(ctx, newConversation("acct-1")))
		require.NoError(t, st.Conversations().Create(ctx, newConversation("acct-1")))
		require.NoError(t, st.Conversations().Create(ctx, newConversation("acct-2")))

		list, err := st.Conversations().List(ctx, "acct-1")
		require.NoError(t, err)
		assert.Len(t, list, 2)
	})
}

func TestTurnAppendOrderIsAuthoritative(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		conv := newConversation("acct-1")
		require.NoError(t, st.Conversations().Create(ctx, conv))

		first := newTurn(conv.ID, chat.KindAnswer, "first")
		second := newTurn(conv.ID, chat.KindAnswer, "second")
		// Identical timestamps: order must come from the append sequence.
		second.CreatedAt = first.CreatedAt
		require.NoError(t, st.Turns().Append(ctx, first))
		require.NoError(t, st.Turns().Append(ctx, second))

		turns, err := st.Turns().List(ctx, conv.ID)
		require.NoError(t, err)
		require.Len(t, turns, 2)
		assert.Equal(t, "first", turns[0].Content)
		assert.Equal(t, "second", turns[1].Content)
	})
}

func TestAppendToMissingConversation(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		err := st.Turns().Append(context.Background(), newTurn("missing", chat.KindAnswer, "x"))
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestGoalListFiltersCompleted(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		open := newAcceptedGoal("acct-1", 25)
		done := newAcceptedGoal("acct-1", 75)
		require.NoError(t, st.Goals().Create(ctx, open))
		require.NoError(t, st.Goals().Create(ctx, done))
		_, _, err := st.CompleteGoalAndCredit(ctx, done.ID, "finished it", time.Now())
		require.NoError(t, err)

		active, err := st.Goals().List(ctx, "acct-1", false)
		require.NoError(t, err)
		require.Len(t, active, 1)
		assert.Equal(t, open.ID, active[0].ID)

		all, err := st.Goals().List(ctx, "acct-1", true)
		require.NoError(t, err)
		assert.Len(t, all, 2)
	})
}

func TestCompleteGoalAndCredit(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		g := newAcceptedGoal("acct-1", 75)
		require.NoError(t, st.Goals().Create(ctx, g))

		eco, completed, err := st.CompleteGoalAndCredit(ctx, g.ID, "walked all week", time.Now())
		require.NoError(t, err)
		assert.Equal(t, 75, eco.TotalXP)
		assert.True(t, completed.Completed)
		assert.Equal(t, goal.StatusCompleted, completed.Status)
		require.NotNil(t, completed.CompletedAt)
		assert.Equal(t, "walked all week", completed.Justification)

		// Second completion must refuse rather than double-credit.
		_, _, err = st.CompleteGoalAndCredit(ctx, g.ID, "again", time.Now())
		assert.ErrorIs(t, err, ErrGoalNotOpen)

		eco, err = st.Economies().Get(ctx, "acct-1")
		require.NoError(t, err)
		assert.Equal(t, 75, eco.TotalXP)
	})
}

func TestEconomyEnsureAndCredit(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()

		_, err := st.Economies().Get(ctx, "acct-1")
		assert.ErrorIs(t, err, ErrNotFound)

		eco, err := st.Economies().Ensure(ctx, "acct-1")
		require.NoError(t, err)
		assert.Equal(t, 0, eco.TotalXP)

		eco, err = st.Economies().Credit(ctx, "acct-1", 100, time.Now())
		require.NoError(t, err)
		assert.Equal(t, 100, eco.TotalXP)
		assert.Equal(t, 1, eco.DailyStreak)
	})
}

// Concurrent credits are the cross-device race: every delta must land.
func TestConcurrentCreditsAllLand(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		_, err := st.Economies().Credit(ctx, "acct-1", 500, time.Now())
		require.NoError(t, err)

		var wg sync.WaitGroup
		for _, delta := range []int{100, 50} {
			wg.Add(1)
			go func(d int) {
				defer wg.Done()
				_, err := st.Economies().Credit(ctx, "acct-1", d, time.Now())
				assert.NoError(t, err)
			}(delta)
		}
		wg.Wait()

		eco, err := st.Economies().Get(ctx, "acct-1")
		require.NoError(t, err)
		assert.Equal(t, 650, eco.TotalXP)
	})
}

// Mixed writers across the connection pool: plain credits racing goal
// completions, every delta must land.
func TestConcurrentMixedWritersNoneLost(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()

		goals := make([]goal.Goal, 8)
		for i := range goals {
			goals[i] = newAcceptedGoal("acct-1", 50)
			require.NoError(t, st.Goals().Create(ctx, goals[i]))
		}

		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := st.Economies().Credit(ctx, "acct-1", 10, time.Now())
				assert.NoError(t, err)
			}()
		}
		for _, g := range goals {
			wg.Add(1)
			go func(goalID string) {
				defer wg.Done()
				_, _, err := st.CompleteGoalAndCredit(ctx, goalID, "done", time.Now())
				assert.NoError(t, err)
			}(g.ID)
		}
		wg.Wait()

		eco, err := st.Economies().Get(ctx, "acct-1")
		require.NoError(t, err)
		assert.Equal(t, 8*10+8*50, eco.TotalXP)

		open, err := st.Goals().List(ctx, "acct-1", false)
		require.NoError(t, err)
		assert.Empty(t, open)
	})
}
