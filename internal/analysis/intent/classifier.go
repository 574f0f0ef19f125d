package intent

import "strings"

// Label is the classified intent of a free-text user reply.
type Label string

const (
	Accept  Label = "accept"
	Decline Label = "decline"
	Closing Label = "closing"
	Other   Label = "other"
)

// Fixed vocabularies matched case-insensitively against the whole reply.
// This is knowingly lossy: "no, actually give me a harder one" classifies
// as a decline. The product observed this behavior and kept it; see the
// open-question note in DESIGN.md before changing it.
var declineVocabulary = []string{
	"no", "no thanks", "nah", "not now", "skip", "decline",
}

var closingVocabulary = []string{
	"no", "no thanks", "i'm good", "that's all", "nothing else",
}

// ClassifyGoalResponse maps the user's reply to a pending goal proposal onto
// accept or decline. Anything outside the decline vocabulary accepts.
func ClassifyGoalResponse(reply string) Label {
	if matchesAny(reply, declineVocabulary) {
		return Decline
	}
	return Accept
}

// ClassifyConcludeResponse decides whether a reply to "anything else?" closes
// the conversation.
func ClassifyConcludeResponse(reply string) Label {
	if matchesAny(reply, closingVocabulary) {
		return Closing
	}
	return Other
}

func matchesAny(reply string, vocabulary []string) bool {
	normalized := strings.ToLower(strings.TrimSpace(reply))
	normalized = strings.TrimRight(normalized, ".!")
	for _, phrase := range vocabulary {
		if normalized == phrase {
			return true
		}
	}
	return false
}
