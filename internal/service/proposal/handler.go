// Package proposal holds the pending-goal handler: it detects a proposal in
// generated text, parks it until the user accepts or declines, and resolves
// the acceptance through the detailing collaborator.
package proposal

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sparkcoach/backend/internal/model/chat"
	"github.com/sparkcoach/backend/internal/model/goal"
	"github.com/sparkcoach/backend/internal/service/ai"
)

var (
	// ErrAlreadyPending guards the one-pending-goal-per-conversation invariant.
	ErrAlreadyPending = errors.New("a goal proposal is already pending")
	ErrNothingPending = errors.New("no goal proposal is pending")
)

// Detailer is the external collaborator that turns an accepted proposal plus
// its transcript into a structured goal.
type Detailer interface {
	DetailGoal(ctx context.Context, transcript []chat.Turn) (ai.GoalDetail, error)
}

// Pending is a proposed goal awaiting the user's accept/decline.
type Pending struct {
	ConversationID string    `json:"conversationId"`
	AccountID      string    `json:"accountId"`
	Description    string    `json:"description"`
	ProposedAt     time.Time `json:"proposedAt"`
}

// Handler tracks at most one pending proposal per conversation.
type Handler struct {
	mu      sync.Mutex
	pending map[string]Pending
}

// NewHandler returns an empty pending-proposal registry.
func NewHandler() *Handler {
	return &Handler{pending: make(map[string]Pending)}
}

// Propose parks a detected proposal for the conversation.
func (h *Handler) Propose(conversationID, accountID, description string, now time.Time) (Pending, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.pending[conversationID]; ok {
		return Pending{}, ErrAlreadyPending
	}
	p := Pending{
		ConversationID: conversationID,
		AccountID:      accountID,
		Description:    description,
		ProposedAt:     now.UTC(),
	}
	h.pending[conversationID] = p
	return p, nil
}

// Pending returns the parked proposal for the conversation, if any.
func (h *Handler) Pending(conversationID string) (Pending, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	p, ok := h.pending[conversationID]
	return p, ok
}

// Clear drops the parked proposal without resolving it.
func (h *Handler) Clear(conversationID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.pending, conversationID)
}

// Recover re-derives a pending proposal from the transcript after a restart:
// a trailing proposal turn with no later resolution turn means the user still
// owes a decision.
func (h *Handler) Recover(conversationID, accountID string, turns []chat.Turn) (Pending, bool) {
	if p, ok := h.Pending(conversationID); ok {
		return p, true
	}

	for i := len(turns) - 1; i >= 0; i-- {
		switch turns[i].Kind {
		case chat.KindGoalResponse, chat.KindProposalWithdrawn:
			return Pending{}, false
		case chat.KindProposal:
			p, err := h.Propose(conversationID, accountID, Extract(turns[i].Content), turns[i].CreatedAt)
			if err != nil {
				return Pending{}, false
			}
			return p, true
		}
	}
	return Pending{}, false
}

// ResolveAccept turns the pending proposal into an accepted goal via the
// detailing collaborator. The pending entry survives a provider failure so
// the user's next attempt retries; it is cleared on success and on a
// no-suggestion outcome (which reverts the conversation to the pre-proposal
// state).
func (h *Handler) ResolveAccept(ctx context.Context, conversationID string, transcript []chat.Turn, detailer Detailer, now time.Time) (goal.Goal, error) {
	p, ok := h.Pending(conversationID)
	if !ok {
		return goal.Goal{}, ErrNothingPending
	}

	detail, err := detailer.DetailGoal(ctx, transcript)
	if errors.Is(err, ai.ErrNoSuggestion) {
		h.Clear(conversationID)
		return goal.Goal{}, err
	}
	if err != nil {
		return goal.Goal{}, err
	}

	deadline := goal.DeadlineFromTimeframe(detail.Timeframe, now)
	difficulty := normalizeDifficulty(detail.Difficulty)
	g := goal.Goal{
		ID:             uuid.NewString(),
		AccountID:      p.AccountID,
		ConversationID: conversationID,
		Description:    detail.Description,
		Difficulty:     difficulty,
		ExperienceXP:   experienceFor(difficulty, detail.ExperienceValue),
		Motivation:     clampMotivation(detail.Motivation),
		Status:         goal.StatusAccepted,
		Deadline:       &deadline,
		CreatedAt:      now.UTC(),
	}

	h.Clear(conversationID)
	return g, nil
}

// ResolveDecline discards the pending proposal. Nothing is persisted.
func (h *Handler) ResolveDecline(conversationID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.pending[conversationID]; !ok {
		return ErrNothingPending
	}
	delete(h.pending, conversationID)
	return nil
}

func normalizeDifficulty(d string) string {
	switch d {
	case goal.DifficultyEasy, goal.DifficultyMedium, goal.DifficultyHard:
		return d
	default:
		return goal.DifficultyMedium
	}
}

// experienceFor keeps the reward on the fixed tiers even when the detailing
// output drifts off them.
func experienceFor(difficulty string, value int) int {
	switch value {
	case 25, 75, 150:
		return value
	}
	switch difficulty {
	case goal.DifficultyEasy:
		return 25
	case goal.DifficultyHard:
		return 150
	default:
		return 75
	}
}

func clampMotivation(m int) int {
	if m < 1 {
		return 1
	}
	if m > 10 {
		return 10
	}
	return m
}
