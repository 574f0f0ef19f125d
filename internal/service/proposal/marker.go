package proposal

import (
	"strings"

	"github.com/sparkcoach/backend/internal/service/ai"
)

// Detect reports whether a generated reply is a goal proposal.
func Detect(replyText string) bool {
	return strings.Contains(replyText, ai.ProposalMarker)
}

// Extract pulls the suggestion text out of a proposal reply: the text after
// the fixed lead-in phrase, or the marker-stripped full reply when the model
// dropped the lead-in.
func Extract(replyText string) string {
	if idx := strings.Index(replyText, ai.ProposalLeadIn); idx != -1 {
		return strings.TrimSpace(replyText[idx+len(ai.ProposalLeadIn):])
	}
	stripped := strings.ReplaceAll(replyText, ai.ProposalMarker, "")
	return strings.TrimSpace(stripped)
}
