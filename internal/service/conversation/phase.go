package conversation

import "github.com/sparkcoach/backend/internal/model/chat"

// Phase is the current state of the coaching state machine.
type Phase string

const (
	PhaseCoachingQ1           Phase = "COACHING_Q1"
	PhaseCoachingQ2           Phase = "COACHING_Q2"
	PhaseCoachingQ3           Phase = "COACHING_Q3"
	PhaseProposingGoal        Phase = "PROPOSING_GOAL"
	PhaseAwaitingGoalResponse Phase = "AWAITING_GOAL_RESPONSE"
	PhaseAskingToConclude     Phase = "ASKING_TO_CONCLUDE"
	PhaseConcluded            Phase = "CONCLUDED"
)

// The fixed cadence: three questions per goal cycle, three goal cycles
// before the assistant checks whether the user is done.
const (
	questionsPerCycle        = 3
	proposalsPerConversation = 3
)

// Counters is the per-conversation scalar state. It is never persisted:
// ReplayCounters over the stored transcript is authoritative.
type Counters struct {
	QuestionsAsked int   `json:"questionsAsked"`
	GoalsProposed  int   `json:"goalsProposed"`
	Phase          Phase `json:"phase"`
}

// applyTurn advances the counters for one appended turn. The live machine
// and the replay path both go through here, so a reloaded conversation
// always lands in the same state it was in when the process stopped.
func (c *Counters) applyTurn(t chat.Turn) {
	switch t.Kind {
	case chat.KindWelcomeBack:
		// Revisiting a concluded conversation starts a fresh sub-cycle.
		*c = Counters{Phase: PhaseCoachingQ1}

	case chat.KindAnswer:
		if c.Phase == PhaseProposingGoal {
			// A message sent while a proposal is owed only feeds context.
			return
		}
		c.QuestionsAsked++
		if c.QuestionsAsked >= questionsPerCycle {
			c.Phase = PhaseProposingGoal
		} else {
			c.Phase = coachingPhase(c.QuestionsAsked)
		}

	case chat.KindProposal:
		c.GoalsProposed++
		c.Phase = PhaseAwaitingGoalResponse

	case chat.KindProposalWithdrawn:
		if c.GoalsProposed > 0 {
			c.GoalsProposed--
		}
		c.Phase = PhaseProposingGoal

	case chat.KindGoalResponse:
		if c.GoalsProposed >= proposalsPerConversation {
			c.Phase = PhaseAskingToConclude
		} else {
			c.QuestionsAsked = 0
			c.Phase = PhaseCoachingQ1
		}

	case chat.KindConcludeResponse:
		// A closing turn follows when the reply actually concluded.
		c.QuestionsAsked = 0
		c.Phase = PhaseCoachingQ1

	case chat.KindClosing:
		c.Phase = PhaseConcluded
	}
}

// coachingPhase maps the number of questions already answered in the current
// sub-cycle onto the question phase now due.
func coachingPhase(questionsAsked int) Phase {
	switch questionsAsked {
	case 1:
		return PhaseCoachingQ2
	case 2:
		return PhaseCoachingQ3
	default:
		return PhaseCoachingQ1
	}
}

// ReplayCounters deterministically reconstructs the counters from a stored
// transcript. Turn kinds are structured metadata, so no prose is re-parsed.
func ReplayCounters(turns []chat.Turn) Counters {
	c := Counters{Phase: PhaseCoachingQ1}
	for _, t := range turns {
		c.applyTurn(t)
	}
	return c
}

// coaching reports whether the phase accepts normal free-text input.
func (p Phase) coaching() bool {
	switch p {
	case PhaseCoachingQ1, PhaseCoachingQ2, PhaseCoachingQ3, PhaseProposingGoal:
		return true
	}
	return false
}
