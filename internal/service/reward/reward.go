// Package reward owns the experience economy: the level formula and the
// verified-completion path that credits experience points.
package reward

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/sparkcoach/backend/internal/model/economy"
	"github.com/sparkcoach/backend/internal/model/goal"
	"github.com/sparkcoach/backend/internal/service/ai"
	"github.com/sparkcoach/backend/internal/store"
)

// xpPerLevel is the fixed width of one level.
const xpPerLevel = 1000

// ComputeLevel derives the level from a total experience count. Level is
// always computed, never stored, so it can never drift from the total.
func ComputeLevel(totalExperience int) int {
	if totalExperience < 0 {
		totalExperience = 0
	}
	return totalExperience/xpPerLevel + 1
}

// Verifier is the external collaborator that judges completion claims.
type Verifier interface {
	Verify(ctx context.Context, goalDescription, justification string) (ai.Verdict, error)
}

// Outcome reports one completion attempt. A rejected verification is a
// normal outcome: the goal stays accepted and the economy is untouched, and
// the user may retry with a revised justification as often as they like.
type Outcome struct {
	Verified bool                 `json:"verified"`
	Feedback string               `json:"feedback"`
	Goal     *goal.Goal           `json:"goal,omitempty"`
	Economy  *economy.UserEconomy `json:"economy,omitempty"`
	Level    int                  `json:"level,omitempty"`
}

// Calculator applies the completion protocol against the store.
type Calculator struct {
	store    store.Store
	verifier Verifier
	log      zerolog.Logger
}

// NewCalculator wires the reward path.
func NewCalculator(st store.Store, verifier Verifier, log zerolog.Logger) *Calculator {
	return &Calculator{
		store:    st,
		verifier: verifier,
		log:      log.With().Str("component", "reward").Logger(),
	}
}

// CompleteGoal verifies the justification and, only when verified, commits
// the goal transition and the experience credit in one atomic store call.
func (c *Calculator) CompleteGoal(ctx context.Context, goalID, justification string) (Outcome, error) {
	if strings.TrimSpace(justification) == "" {
		return Outcome{}, fmt.Errorf("justification is required")
	}

	g, err := c.store.Goals().Get(ctx, goalID)
	if err != nil {
		return Outcome{}, err
	}
	if g.Status != goal.StatusAccepted || g.Completed {
		return Outcome{}, store.ErrGoalNotOpen
	}

	verdict, err := c.verifier.Verify(ctx, g.Description, justification)
	if err != nil {
		return Outcome{}, err
	}
	if !verdict.Verified {
		c.log.Info().Str("goal", g.ID).Msg("completion not verified")
		return Outcome{Verified: false, Feedback: verdict.Feedback}, nil
	}

	eco, completed, err := c.store.CompleteGoalAndCredit(ctx, g.ID, justification, time.Now().UTC())
	if err != nil {
		return Outcome{}, fmt.Errorf("commit completion: %w", err)
	}

	c.log.Info().
		Str("goal", completed.ID).
		Int("xp", completed.ExperienceXP).
		Int("total", eco.TotalXP).
		Int("level", ComputeLevel(eco.TotalXP)).
		Msg("goal completed")

	return Outcome{
		Verified: true,
		Feedback: verdict.Feedback,
		Goal:     &completed,
		Economy:  &eco,
		Level:    ComputeLevel(eco.TotalXP),
	}, nil
}
