package chat

import "time"

// Speakers for a turn.
const (
	SpeakerUser      = "user"
	SpeakerAssistant = "assistant"
)

// Kind classifies a turn structurally so conversation state can be rebuilt
// from the log without re-parsing prose.
type Kind string

const (
	// User-authored kinds.
	KindAnswer           Kind = "answer"
	KindGoalResponse     Kind = "goal_response"
	KindConcludeResponse Kind = "conclude_response"

	// Assistant-authored kinds.
	KindQuestion          Kind = "question"
	KindProposal          Kind = "proposal"
	KindProposalWithdrawn Kind = "proposal_withdrawn"
	KindConcludeCheck     Kind = "conclude_check"
	KindApology           Kind = "apology"
	KindWelcomeBack       Kind = "welcome_back"
	KindClosing           Kind = "closing"
)

// Turn is one utterance in a conversation. Immutable once appended.
type Turn struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	Speaker        string    `json:"speaker"`
	Kind           Kind      `json:"kind"`
	Content        string    `json:"content"`
	VoiceInput     bool      `json:"voiceInput,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}
