// Package conversation implements the coaching state machine: it decides,
// turn by turn, what the assistant says next, when a goal proposal surfaces,
// and how the user's accept/decline resolves it.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sparkcoach/backend/internal/analysis/intent"
	"github.com/sparkcoach/backend/internal/model/chat"
	"github.com/sparkcoach/backend/internal/model/goal"
	"github.com/sparkcoach/backend/internal/service/ai"
	"github.com/sparkcoach/backend/internal/service/proposal"
	"github.com/sparkcoach/backend/internal/store"
)

var (
	// ErrGoalPending rejects the normal message path while a proposal awaits
	// the user's decision. The message is rejected, never queued.
	ErrGoalPending = errors.New("a goal proposal is pending, resolve it first")

	// ErrConcluded rejects user input on a concluded conversation that has
	// not been reopened by a reload.
	ErrConcluded = errors.New("conversation is concluded")

	// ErrNotStreamable marks phases whose reply cannot be streamed because
	// the full text must be inspected before release.
	ErrNotStreamable = errors.New("phase reply is not streamable")
)

// Fixed assistant texts. These never go through the model, so concluding and
// failure surfacing cannot themselves fail.
const (
	apologyText = "I'm sorry, I'm having trouble responding right now. Please send that again in a moment."

	closingText = "Wonderful work today. I'll be here whenever you want to check in again. Take care!"

	welcomeBackText = "Welcome back! It's good to see you again. What would you like to work on today?"

	withdrawnText = "On second thought, I couldn't firm that up into a workable goal. Tell me a bit more and I'll suggest something better."
)

// ReplyProvider is the external text-generation collaborator.
type ReplyProvider interface {
	GenerateReply(ctx context.Context, instruction string, history []chat.Turn, userMessage string) (string, error)
}

// Service drives one conversation per call; all transitions happen on the
// message-arrival path, and counters are replayed from the transcript rather
// than cached, so every device converges on the stored log.
type Service struct {
	store     store.Store
	replies   ReplyProvider
	detailer  proposal.Detailer
	proposals *proposal.Handler
	log       zerolog.Logger
}

// NewService wires the state machine to its collaborators.
func NewService(st store.Store, replies ReplyProvider, detailer proposal.Detailer, log zerolog.Logger) *Service {
	return &Service{
		store:     st,
		replies:   replies,
		detailer:  detailer,
		proposals: proposal.NewHandler(),
		log:       log.With().Str("component", "conversation").Logger(),
	}
}

// Result is the outcome of one user input.
type Result struct {
	Turns        []chat.Turn       `json:"turns"`
	Phase        Phase             `json:"phase"`
	Pending      *proposal.Pending `json:"pendingGoal,omitempty"`
	Concluded    bool              `json:"concluded,omitempty"`
	ProviderDown bool              `json:"providerDown,omitempty"`
}

// GoalResult is the outcome of resolving a pending goal proposal.
type GoalResult struct {
	Accepted     bool        `json:"accepted"`
	Withdrawn    bool        `json:"withdrawn,omitempty"`
	Goal         *goal.Goal  `json:"goal,omitempty"`
	Turns        []chat.Turn `json:"turns"`
	Phase        Phase       `json:"phase"`
	ProviderDown bool        `json:"providerDown,omitempty"`
}

// Start opens a new conversation and generates the opening question.
func (s *Service) Start(ctx context.Context, accountID string) (chat.Conversation, Result, error) {
	if accountID == "" {
		return chat.Conversation{}, Result{}, fmt.Errorf("account id is required")
	}

	conv := chat.Conversation{
		ID:        uuid.NewString(),
		AccountID: accountID,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.Conversations().Create(ctx, conv); err != nil {
		return chat.Conversation{}, Result{}, fmt.Errorf("create conversation: %w", err)
	}
	if _, err := s.store.Economies().Ensure(ctx, accountID); err != nil {
		return chat.Conversation{}, Result{}, fmt.Errorf("ensure economy: %w", err)
	}

	reply, err := s.replies.GenerateReply(ctx, ai.InstructionOpening, nil, "(the user just opened a new conversation)")
	if err != nil {
		s.log.Warn().Err(err).Str("conversation", conv.ID).Msg("opening generation failed")
		return conv, Result{Turns: []chat.Turn{s.apologyTurn(conv.ID)}, Phase: PhaseCoachingQ1, ProviderDown: true}, nil
	}

	opening := s.assistantTurn(conv.ID, chat.KindQuestion, reply)
	if err := s.store.Turns().Append(ctx, opening); err != nil {
		return conv, Result{}, fmt.Errorf("append opening turn: %w", err)
	}
	return conv, Result{Turns: []chat.Turn{opening}, Phase: PhaseCoachingQ1}, nil
}

// Load returns a conversation and its transcript. Loading a concluded
// conversation injects one synthetic welcome-back turn and the machine
// restarts at the first coaching question; the stored completed flag keeps
// its historical meaning.
func (s *Service) Load(ctx context.Context, conversationID string) (chat.Conversation, []chat.Turn, Counters, error) {
	conv, err := s.store.Conversations().Get(ctx, conversationID)
	if err != nil {
		return chat.Conversation{}, nil, Counters{}, err
	}
	turns, err := s.store.Turns().List(ctx, conversationID)
	if err != nil {
		return chat.Conversation{}, nil, Counters{}, err
	}

	if conv.Completed && !chat.Reopened(turns) {
		welcome := s.assistantTurn(conv.ID, chat.KindWelcomeBack, welcomeBackText)
		if err := s.store.Turns().Append(ctx, welcome); err != nil {
			return chat.Conversation{}, nil, Counters{}, fmt.Errorf("append welcome turn: %w", err)
		}
		turns = append(turns, welcome)
	}

	counters := ReplayCounters(turns)
	if counters.Phase == PhaseAwaitingGoalResponse {
		// Re-derive the parked proposal from the transcript so a load after a
		// restart (or on another device) sees the pending goal immediately.
		s.proposals.Recover(conv.ID, conv.AccountID, turns)
	}
	return conv, turns, counters, nil
}

// Message handles one normal user input. While a goal proposal is pending
// the path is rejected with ErrGoalPending.
func (s *Service) Message(ctx context.Context, conversationID, text string, voice bool) (Result, error) {
	conv, turns, counters, err := s.snapshot(ctx, conversationID)
	if err != nil {
		return Result{}, err
	}

	switch counters.Phase {
	case PhaseConcluded:
		return Result{}, ErrConcluded
	case PhaseAwaitingGoalResponse:
		s.proposals.Recover(conv.ID, conv.AccountID, turns)
		return Result{}, ErrGoalPending
	case PhaseAskingToConclude:
		return s.handleConcludeReply(ctx, conv, turns, counters, text, voice)
	default:
		return s.handleCoachingReply(ctx, conv, turns, counters, text, voice)
	}
}

func (s *Service) handleCoachingReply(ctx context.Context, conv chat.Conversation, turns []chat.Turn, counters Counters, text string, voice bool) (Result, error) {
	userTurn := s.userTurn(conv.ID, chat.KindAnswer, text, voice)

	tentative := counters
	tentative.applyTurn(userTurn)

	instruction := ai.InstructionCoachingQuestion
	expectProposal := tentative.Phase == PhaseProposingGoal
	if expectProposal {
		instruction = ai.InstructionProposal
	}

	reply, err := s.replies.GenerateReply(ctx, instruction, turns, text)
	if err != nil {
		// Nothing is persisted: the machine stays in the pre-call state and
		// the user's next send retries the same transition.
		s.log.Warn().Err(err).Str("conversation", conv.ID).Msg("reply generation failed")
		return Result{Turns: []chat.Turn{s.apologyTurn(conv.ID)}, Phase: counters.Phase, ProviderDown: true}, nil
	}

	if expectProposal {
		if !proposal.Detect(reply) {
			s.log.Warn().Str("conversation", conv.ID).Msg("proposal reply missing marker, holding state")
			return Result{Turns: []chat.Turn{s.apologyTurn(conv.ID)}, Phase: counters.Phase, ProviderDown: true}, nil
		}
		return s.commitProposal(ctx, conv, userTurn, reply)
	}

	assistantTurn := s.assistantTurn(conv.ID, chat.KindQuestion, reply)
	appended, err := s.appendAll(ctx, userTurn, assistantTurn)
	if err != nil {
		return Result{}, err
	}
	tentative.applyTurn(assistantTurn)
	return Result{Turns: appended, Phase: tentative.Phase}, nil
}

func (s *Service) commitProposal(ctx context.Context, conv chat.Conversation, userTurn chat.Turn, reply string) (Result, error) {
	proposalTurn := s.assistantTurn(conv.ID, chat.KindProposal, reply)
	appended, err := s.appendAll(ctx, userTurn, proposalTurn)
	if err != nil {
		return Result{}, err
	}

	pending, err := s.proposals.Propose(conv.ID, conv.AccountID, proposal.Extract(reply), proposalTurn.CreatedAt)
	if err != nil {
		// Invariant breach: a pending goal already existed for a phase that
		// should not have one. Surface it rather than queueing a second.
		return Result{}, err
	}

	s.log.Info().Str("conversation", conv.ID).Str("description", pending.Description).Msg("goal proposed")
	return Result{Turns: appended, Phase: PhaseAwaitingGoalResponse, Pending: &pending}, nil
}

func (s *Service) handleConcludeReply(ctx context.Context, conv chat.Conversation, turns []chat.Turn, counters Counters, text string, voice bool) (Result, error) {
	userTurn := s.userTurn(conv.ID, chat.KindConcludeResponse, text, voice)

	if intent.ClassifyConcludeResponse(text) == intent.Closing {
		closing := s.assistantTurn(conv.ID, chat.KindClosing, closingText)
		appended, err := s.appendAll(ctx, userTurn, closing)
		if err != nil {
			return Result{}, err
		}
		if err := s.store.Conversations().SetCompleted(ctx, conv.ID, true); err != nil {
			return Result{}, fmt.Errorf("mark conversation completed: %w", err)
		}
		s.log.Info().Str("conversation", conv.ID).Msg("conversation concluded")
		return Result{Turns: appended, Phase: PhaseConcluded, Concluded: true}, nil
	}

	// Anything else starts a new coaching sub-cycle.
	reply, err := s.replies.GenerateReply(ctx, ai.InstructionCoachingQuestion, turns, text)
	if err != nil {
		s.log.Warn().Err(err).Str("conversation", conv.ID).Msg("reply generation failed")
		return Result{Turns: []chat.Turn{s.apologyTurn(conv.ID)}, Phase: counters.Phase, ProviderDown: true}, nil
	}

	question := s.assistantTurn(conv.ID, chat.KindQuestion, reply)
	appended, err := s.appendAll(ctx, userTurn, question)
	if err != nil {
		return Result{}, err
	}
	return Result{Turns: appended, Phase: PhaseCoachingQ1}, nil
}

// RespondToGoal resolves the pending proposal from the user's free-text
// reply. The decline vocabulary decides; any other reply accepts.
func (s *Service) RespondToGoal(ctx context.Context, conversationID, text string, voice bool) (GoalResult, error) {
	conv, turns, counters, err := s.snapshot(ctx, conversationID)
	if err != nil {
		return GoalResult{}, err
	}
	if counters.Phase != PhaseAwaitingGoalResponse {
		return GoalResult{}, proposal.ErrNothingPending
	}
	if _, ok := s.proposals.Recover(conv.ID, conv.AccountID, turns); !ok {
		return GoalResult{}, proposal.ErrNothingPending
	}

	userTurn := s.userTurn(conv.ID, chat.KindGoalResponse, text, voice)

	if intent.ClassifyGoalResponse(text) == intent.Decline {
		if err := s.proposals.ResolveDecline(conv.ID); err != nil {
			return GoalResult{}, err
		}
		s.log.Info().Str("conversation", conv.ID).Msg("goal declined")
		return s.commitResolution(ctx, conv, turns, counters, userTurn, GoalResult{Accepted: false})
	}

	g, err := s.proposals.ResolveAccept(ctx, conv.ID, append(turns, userTurn), s.detailer, time.Now().UTC())
	if errors.Is(err, ai.ErrNoSuggestion) {
		return s.withdrawProposal(ctx, conv, counters)
	}
	if err != nil {
		s.log.Warn().Err(err).Str("conversation", conv.ID).Msg("goal detailing failed, holding pending")
		return GoalResult{
			Turns:        []chat.Turn{s.apologyTurn(conv.ID)},
			Phase:        counters.Phase,
			ProviderDown: true,
		}, nil
	}

	if err := s.store.Goals().Create(ctx, g); err != nil {
		s.log.Error().Err(err).Str("goal", g.ID).Msg("goal persistence failed")
		return GoalResult{}, fmt.Errorf("persist accepted goal: %w", err)
	}
	s.log.Info().Str("conversation", conv.ID).Str("goal", g.ID).Int("xp", g.ExperienceXP).Msg("goal accepted")
	return s.commitResolution(ctx, conv, turns, counters, userTurn, GoalResult{Accepted: true, Goal: &g})
}

// commitResolution appends the resolution turn, advances the machine, and
// generates the follow-up (next question or the conclude check).
func (s *Service) commitResolution(ctx context.Context, conv chat.Conversation, turns []chat.Turn, counters Counters, userTurn chat.Turn, result GoalResult) (GoalResult, error) {
	if err := s.store.Turns().Append(ctx, userTurn); err != nil {
		return GoalResult{}, fmt.Errorf("append resolution turn: %w", err)
	}
	counters.applyTurn(userTurn)
	result.Turns = append(result.Turns, userTurn)
	result.Phase = counters.Phase

	instruction := ai.InstructionCoachingQuestion
	kind := chat.KindQuestion
	if counters.Phase == PhaseAskingToConclude {
		instruction = ai.InstructionConcludeCheck
		kind = chat.KindConcludeCheck
	}

	reply, err := s.replies.GenerateReply(ctx, instruction, append(turns, userTurn), userTurn.Content)
	if err != nil {
		// The resolution is committed either way; the follow-up question is
		// regenerated when the user writes next.
		s.log.Warn().Err(err).Str("conversation", conv.ID).Msg("follow-up generation failed")
		result.Turns = append(result.Turns, s.apologyTurn(conv.ID))
		result.ProviderDown = true
		return result, nil
	}

	followUp := s.assistantTurn(conv.ID, kind, reply)
	if err := s.store.Turns().Append(ctx, followUp); err != nil {
		return GoalResult{}, fmt.Errorf("append follow-up turn: %w", err)
	}
	result.Turns = append(result.Turns, followUp)
	return result, nil
}

// withdrawProposal records the no-suggestion outcome: the proposal is
// counted back out and the machine returns to the pre-proposal state.
func (s *Service) withdrawProposal(ctx context.Context, conv chat.Conversation, counters Counters) (GoalResult, error) {
	withdrawn := s.assistantTurn(conv.ID, chat.KindProposalWithdrawn, withdrawnText)
	if err := s.store.Turns().Append(ctx, withdrawn); err != nil {
		return GoalResult{}, fmt.Errorf("append withdrawal turn: %w", err)
	}
	counters.applyTurn(withdrawn)
	s.log.Info().Str("conversation", conv.ID).Msg("proposal withdrawn, no suggestion")
	return GoalResult{Withdrawn: true, Turns: []chat.Turn{withdrawn}, Phase: counters.Phase}, nil
}

// PendingProposal exposes the parked proposal for a conversation.
func (s *Service) PendingProposal(conversationID string) (proposal.Pending, bool) {
	return s.proposals.Pending(conversationID)
}

// StreamableInstruction reports whether the next reply for this user input
// can be streamed, and with which instruction. Proposal replies are not
// streamable: the marker must be inspected on the complete text.
func (s *Service) StreamableInstruction(ctx context.Context, conversationID string) (string, error) {
	_, _, counters, err := s.snapshot(ctx, conversationID)
	if err != nil {
		return "", err
	}
	if !counters.Phase.coaching() {
		return "", ErrNotStreamable
	}
	if counters.QuestionsAsked+1 >= questionsPerCycle {
		return "", ErrNotStreamable
	}
	return ai.InstructionCoachingQuestion, nil
}

// CommitStreamedExchange persists a user turn and the fully streamed reply.
// The phase is re-validated so a stale stream cannot corrupt the machine.
func (s *Service) CommitStreamedExchange(ctx context.Context, conversationID, userText, replyText string) ([]chat.Turn, error) {
	conv, _, counters, err := s.snapshot(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !counters.Phase.coaching() || counters.QuestionsAsked+1 >= questionsPerCycle {
		return nil, ErrNotStreamable
	}

	userTurn := s.userTurn(conv.ID, chat.KindAnswer, userText, false)
	assistantTurn := s.assistantTurn(conv.ID, chat.KindQuestion, replyText)
	return s.appendAll(ctx, userTurn, assistantTurn)
}

// snapshot loads the conversation, transcript, and replayed counters, and
// applies the input-path gates shared by every entry point.
func (s *Service) snapshot(ctx context.Context, conversationID string) (chat.Conversation, []chat.Turn, Counters, error) {
	conv, err := s.store.Conversations().Get(ctx, conversationID)
	if err != nil {
		return chat.Conversation{}, nil, Counters{}, err
	}
	turns, err := s.store.Turns().List(ctx, conversationID)
	if err != nil {
		return chat.Conversation{}, nil, Counters{}, err
	}
	if conv.Completed && !chat.Reopened(turns) {
		return chat.Conversation{}, nil, Counters{}, ErrConcluded
	}
	return conv, turns, ReplayCounters(turns), nil
}

func (s *Service) appendAll(ctx context.Context, turns ...chat.Turn) ([]chat.Turn, error) {
	for _, t := range turns {
		if err := s.store.Turns().Append(ctx, t); err != nil {
			return nil, fmt.Errorf("append turn: %w", err)
		}
	}
	return turns, nil
}

func (s *Service) userTurn(conversationID string, kind chat.Kind, text string, voice bool) chat.Turn {
	return chat.Turn{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Speaker:        chat.SpeakerUser,
		Kind:           kind,
		Content:        text,
		VoiceInput:     voice,
		CreatedAt:      time.Now().UTC(),
	}
}

func (s *Service) assistantTurn(conversationID string, kind chat.Kind, text string) chat.Turn {
	return chat.Turn{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Speaker:        chat.SpeakerAssistant,
		Kind:           kind,
		Content:        text,
		CreatedAt:      time.Now().UTC(),
	}
}

// apologyTurn is surfaced but never persisted, so a failed generation leaves
// the stored transcript, and therefore the replayed state, untouched.
func (s *Service) apologyTurn(conversationID string) chat.Turn {
	return chat.Turn{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Speaker:        chat.SpeakerAssistant,
		Kind:           chat.KindApology,
		Content:        apologyText,
		CreatedAt:      time.Now().UTC(),
	}
}
