package conversation

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sparkcoach/backend/internal/model/chat"
	"github.com/sparkcoach/backend/internal/service/ai"
	"github.com/sparkcoach/backend/internal/service/proposal"
	"github.com/sparkcoach/backend/internal/store"
)

// scriptedReplies answers coaching instructions with a question and proposal
// instructions with a marked suggestion, and can be switched into failure.
type scriptedReplies struct {
	failing      bool
	proposalText string
	calls        int
}

func (r *scriptedReplies) GenerateReply(_ context.Context, instruction string, _ []chat.Turn, _ string) (string, error) {
	r.calls++
	if r.failing {
		return "", ai.ErrProvider
	}
	if instruction == ai.InstructionProposal {
		if r.proposalText != "" {
			return r.proposalText, nil
		}
		return "[GOAL] Here's a goal for you: take a ten minute walk after lunch.", nil
	}
	return "That makes sense. What feels like the hardest part?", nil
}

type scriptedDetailer struct {
	detail ai.GoalDetail
	err    error
}

func (d scriptedDetailer) DetailGoal(context.Context, []chat.Turn) (ai.GoalDetail, error) {
	if d.err != nil {
		return ai.GoalDetail{}, d.err
	}
	if d.detail.Description == "" {
		return ai.GoalDetail{
			Description:     "Take a ten minute walk after lunch",
			Difficulty:      "medium",
			Timeframe:       "3 days",
			ExperienceValue: 75,
			Motivation:      7,
		}, nil
	}
	return d.detail, nil
}

func newTestService(t *testing.T, replies ReplyProvider, detailer proposal.Detailer) (*Service, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemory()
	svc := NewService(st, replies, detailer, zerolog.Nop())
	return svc, st
}

func startConversation(t *testing.T, svc *Service) chat.Conversation {
	t.Helper()
	conv, res, err := svc.Start(context.Background(), "acct-1")
	require.NoError(t, err)
	require.False(t, res.ProviderDown)
	require.Equal(t, PhaseCoachingQ1, res.Phase)
	return conv
}

// advanceToProposal sends three generic answers and returns the final result.
func advanceToProposal(t *testing.T, svc *Service, convID string) Result {
	t.Helper()
	ctx := context.Background()

	res, err := svc.Message(ctx, convID, "I want to get more exercise", false)
	require.NoError(t, err)
	require.Equal(t, PhaseCoachingQ2, res.Phase)

	res, err = svc.Message(ctx, convID, "Mostly I'm too tired after work", false)
	require.NoError(t, err)
	require.Equal(t, PhaseCoachingQ3, res.Phase)

	res, err = svc.Message(ctx, convID, "Mornings would suit me better", false)
	require.NoError(t, err)
	return res
}

func TestThreeQuestionsThenExactlyOneProposal(t *testing.T) {
	svc, st := newTestService(t, &scriptedReplies{}, scriptedDetailer{})
	conv := startConversation(t, svc)

	res := advanceToProposal(t, svc, conv.ID)
	require.Equal(t, PhaseAwaitingGoalResponse, res.Phase)
	require.NotNil(t, res.Pending)
	assert.Equal(t, "take a ten minute walk after lunch.", res.Pending.Description)

	turns, err := st.Turns().List(context.Background(), conv.ID)
	require.NoError(t, err)
	proposals := 0
	for _, turn := range turns {
		if turn.Kind == chat.KindProposal {
			proposals++
		}
	}
	assert.Equal(t, 1, proposals)

	counters := ReplayCounters(turns)
	assert.Equal(t, 3, counters.QuestionsAsked)
	assert.Equal(t, 1, counters.GoalsProposed)
}

func TestMessagePathRejectedWhileGoalPending(t *testing.T) {
	svc, _ := newTestService(t, &scriptedReplies{}, scriptedDetailer{})
	conv := startConversation(t, svc)
	advanceToProposal(t, svc, conv.ID)

	_, err := svc.Message(context.Background(), conv.ID, "also, about my diet...", false)
	assert.ErrorIs(t, err, ErrGoalPending)
}

func TestAcceptProposalPersistsGoalWithDeadline(t *testing.T) {
	svc, st := newTestService(t, &scriptedReplies{}, scriptedDetailer{})
	conv := startConversation(t, svc)
	advanceToProposal(t, svc, conv.ID)

	res, err := svc.RespondToGoal(context.Background(), conv.ID, "sounds good", false)
	require.NoError(t, err)
	require.True(t, res.Accepted)
	require.NotNil(t, res.Goal)

	assert.Equal(t, "medium", res.Goal.Difficulty)
	assert.Equal(t, 75, res.Goal.ExperienceXP)
	require.NotNil(t, res.Goal.Deadline)
	assert.Equal(t, 72.0, res.Goal.Deadline.Sub(res.Goal.CreatedAt).Hours())

	// First of three cycles: back to the first coaching question.
	assert.Equal(t, PhaseCoachingQ1, res.Phase)

	goals, err := st.Goals().List(context.Background(), "acct-1", true)
	require.NoError(t, err)
	require.Len(t, goals, 1)
}

func TestDeclineProposalPersistsNothing(t *testing.T) {
	svc, st := newTestService(t, &scriptedReplies{}, scriptedDetailer{})
	conv := startConversation(t, svc)
	advanceToProposal(t, svc, conv.ID)

	res, err := svc.RespondToGoal(context.Background(), conv.ID, "no thanks", false)
	require.NoError(t, err)
	assert.False(t, res.Accepted)
	assert.Nil(t, res.Goal)
	assert.Equal(t, PhaseCoachingQ1, res.Phase)

	goals, err := st.Goals().List(context.Background(), "acct-1", true)
	require.NoError(t, err)
	assert.Empty(t, goals)

	eco, err := st.Economies().Get(context.Background(), "acct-1")
	require.NoError(t, err)
	assert.Equal(t, 0, eco.TotalXP)
}

func TestThirdResolutionAsksToConcludeAndNoThanksConcludes(t *testing.T) {
	svc, st := newTestService(t, &scriptedReplies{}, scriptedDetailer{})
	conv := startConversation(t, svc)
	ctx := context.Background()

	for cycle := 0; cycle < 3; cycle++ {
		res := advanceToProposal(t, svc, conv.ID)
		require.Equal(t, PhaseAwaitingGoalResponse, res.Phase, "cycle %d", cycle)

		goalRes, err := svc.RespondToGoal(ctx, conv.ID, "no thanks", false)
		require.NoError(t, err)
		if cycle < 2 {
			require.Equal(t, PhaseCoachingQ1, goalRes.Phase)
		} else {
			require.Equal(t, PhaseAskingToConclude, goalRes.Phase)
		}
	}

	res, err := svc.Message(ctx, conv.ID, "no thanks", false)
	require.NoError(t, err)
	assert.True(t, res.Concluded)
	assert.Equal(t, PhaseConcluded, res.Phase)

	stored, err := st.Conversations().Get(ctx, conv.ID)
	require.NoError(t, err)
	assert.True(t, stored.Completed)

	_, err = svc.Message(ctx, conv.ID, "wait, one more", false)
	assert.ErrorIs(t, err, ErrConcluded)
}

func TestConcludeCheckNonClosingReturnsToCoaching(t *testing.T) {
	svc, _ := newTestService(t, &scriptedReplies{}, scriptedDetailer{})
	conv := startConversation(t, svc)
	ctx := context.Background()

	for cycle := 0; cycle < 3; cycle++ {
		advanceToProposal(t, svc, conv.ID)
		_, err := svc.RespondToGoal(ctx, conv.ID, "no thanks", false)
		require.NoError(t, err)
	}

	res, err := svc.Message(ctx, conv.ID, "actually, my sleep needs work too", false)
	require.NoError(t, err)
	assert.False(t, res.Concluded)
	assert.Equal(t, PhaseCoachingQ1, res.Phase)
}

func TestProviderFailureHoldsStateForRetry(t *testing.T) {
	replies := &scriptedReplies{}
	svc, st := newTestService(t, replies, scriptedDetailer{})
	conv := startConversation(t, svc)
	ctx := context.Background()

	_, err := svc.Message(ctx, conv.ID, "I want to read more", false)
	require.NoError(t, err)

	replies.failing = true
	res, err := svc.Message(ctx, conv.ID, "I get distracted by my phone", false)
	require.NoError(t, err)
	assert.True(t, res.ProviderDown)
	require.Len(t, res.Turns, 1)
	assert.Equal(t, chat.KindApology, res.Turns[0].Kind)

	// Nothing was persisted: the failed input left the replayed state alone.
	turns, err := st.Turns().List(ctx, conv.ID)
	require.NoError(t, err)
	counters := ReplayCounters(turns)
	assert.Equal(t, 1, counters.QuestionsAsked)
	assert.Equal(t, PhaseCoachingQ2, counters.Phase)

	// The resend succeeds and lands the same transition.
	replies.failing = false
	res, err = svc.Message(ctx, conv.ID, "I get distracted by my phone", false)
	require.NoError(t, err)
	assert.Equal(t, PhaseCoachingQ3, res.Phase)
}

func TestDetailingNoSuggestionWithdrawsProposal(t *testing.T) {
	svc, st := newTestService(t, &scriptedReplies{}, scriptedDetailer{err: ai.ErrNoSuggestion})
	conv := startConversation(t, svc)
	ctx := context.Background()
	advanceToProposal(t, svc, conv.ID)

	res, err := svc.RespondToGoal(ctx, conv.ID, "yes please", false)
	require.NoError(t, err)
	assert.True(t, res.Withdrawn)
	assert.False(t, res.Accepted)
	assert.Equal(t, PhaseProposingGoal, res.Phase)

	// The proposal was counted back out and no goal was persisted.
	turns, err := st.Turns().List(ctx, conv.ID)
	require.NoError(t, err)
	counters := ReplayCounters(turns)
	assert.Equal(t, 0, counters.GoalsProposed)

	goals, err := st.Goals().List(ctx, "acct-1", true)
	require.NoError(t, err)
	assert.Empty(t, goals)
}

func TestDetailingProviderErrorKeepsPendingForRetry(t *testing.T) {
	detailer := &flakyDetailer{err: ai.ErrProvider}
	svc, _ := newTestService(t, &scriptedReplies{}, detailer)
	conv := startConversation(t, svc)
	ctx := context.Background()
	advanceToProposal(t, svc, conv.ID)

	res, err := svc.RespondToGoal(ctx, conv.ID, "yes", false)
	require.NoError(t, err)
	assert.True(t, res.ProviderDown)

	_, stillPending := svc.PendingProposal(conv.ID)
	assert.True(t, stillPending)

	detailer.err = nil
	res, err = svc.RespondToGoal(ctx, conv.ID, "yes", false)
	require.NoError(t, err)
	assert.True(t, res.Accepted)
}

type flakyDetailer struct {
	err error
}

func (d *flakyDetailer) DetailGoal(context.Context, []chat.Turn) (ai.GoalDetail, error) {
	if d.err != nil {
		return ai.GoalDetail{}, d.err
	}
	return ai.GoalDetail{
		Description:     "Take a ten minute walk after lunch",
		Difficulty:      "easy",
		Timeframe:       "24h",
		ExperienceValue: 25,
		Motivation:      6,
	}, nil
}

func TestReloadConcludedConversationInjectsWelcomeBack(t *testing.T) {
	svc, _ := newTestService(t, &scriptedReplies{}, scriptedDetailer{})
	conv := startConversation(t, svc)
	ctx := context.Background()

	for cycle := 0; cycle < 3; cycle++ {
		advanceToProposal(t, svc, conv.ID)
		_, err := svc.RespondToGoal(ctx, conv.ID, "no thanks", false)
		require.NoError(t, err)
	}
	_, err := svc.Message(ctx, conv.ID, "that's all", false)
	require.NoError(t, err)

	stored, turns, counters, err := svc.Load(ctx, conv.ID)
	require.NoError(t, err)
	assert.True(t, stored.Completed, "historical completed flag survives reopening")
	assert.Equal(t, chat.KindWelcomeBack, turns[len(turns)-1].Kind)
	assert.Equal(t, PhaseCoachingQ1, counters.Phase)
	assert.Equal(t, 0, counters.QuestionsAsked)

	// The reopened conversation accepts input again.
	res, err := svc.Message(ctx, conv.ID, "let's work on my focus", false)
	require.NoError(t, err)
	assert.Equal(t, PhaseCoachingQ2, res.Phase)

	// A second load does not stack welcome-back turns.
	_, turns2, _, err := svc.Load(ctx, conv.ID)
	require.NoError(t, err)
	welcomes := 0
	for _, turn := range turns2 {
		if turn.Kind == chat.KindWelcomeBack {
			welcomes++
		}
	}
	assert.Equal(t, 1, welcomes)
}

func TestReplayMatchesLiveCountersMidConversation(t *testing.T) {
	svc, st := newTestService(t, &scriptedReplies{}, scriptedDetailer{})
	conv := startConversation(t, svc)
	ctx := context.Background()

	res, err := svc.Message(ctx, conv.ID, "I want to journal", false)
	require.NoError(t, err)

	turns, err := st.Turns().List(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, res.Phase, ReplayCounters(turns).Phase)

	// A fresh service over the same store recovers the pending proposal.
	advanceToProposal(t, svc, conv.ID)
	svc2 := NewService(st, &scriptedReplies{}, scriptedDetailer{}, zerolog.Nop())
	goalRes, err := svc2.RespondToGoal(ctx, conv.ID, "ok", false)
	require.NoError(t, err)
	assert.True(t, goalRes.Accepted)
}

func TestLoadRecoversPendingProposalAfterRestart(t *testing.T) {
	svc, st := newTestService(t, &scriptedReplies{}, scriptedDetailer{})
	conv := startConversation(t, svc)
	advanceToProposal(t, svc, conv.ID)

	// A fresh service has an empty proposal registry, as after a restart.
	// Loading the transcript alone must already surface the pending goal.
	svc2 := NewService(st, &scriptedReplies{}, scriptedDetailer{}, zerolog.Nop())
	_, _, counters, err := svc2.Load(context.Background(), conv.ID)
	require.NoError(t, err)
	require.Equal(t, PhaseAwaitingGoalResponse, counters.Phase)

	pending, ok := svc2.PendingProposal(conv.ID)
	require.True(t, ok)
	assert.NotEmpty(t, pending.Description)
	assert.Equal(t, "acct-1", pending.AccountID)
}
