package ai

import (
	"fmt"
	"strings"

	"github.com/sparkcoach/backend/internal/model/chat"
)

// ProposalMarker is the fixed token the model is instructed to emit when, and
// only when, its reply is a goal proposal.
const ProposalMarker = "[GOAL]"

// ProposalLeadIn is the fixed phrase that precedes the actionable suggestion
// inside a proposal reply.
const ProposalLeadIn = "Here's a goal for you:"

const coachSystemPrompt = `You are a warm, practical self-coaching assistant. You help the user reflect on what they want to change and turn it into small concrete actions. Keep replies short (2-4 sentences), encouraging, and free of filler. Never invent facts about the user.`

// Per-phase instructions appended to the system prompt. The state machine
// picks one before each generation call.
const (
	InstructionOpening = `Greet the user briefly and ask one open question about what they would like to work on today. Ask exactly one question.`

	InstructionCoachingQuestion = `Acknowledge the user's last answer in one sentence, then ask exactly one follow-up question that digs deeper into their situation. Do not propose any action yet.`

	InstructionConcludeCheck = `Briefly celebrate the progress made in this conversation, then ask whether there is anything else the user would like to work on. Ask exactly one question.`
)

// InstructionProposal asks for a reply that carries exactly one proposal
// marker and a single actionable suggestion.
var InstructionProposal = fmt.Sprintf(
	`Based on everything the user has shared, propose exactly one small, concrete, achievable action. Your reply must contain the token %s exactly once, followed by the phrase %q and then the suggestion in one sentence. Do not ask coaching questions in this reply.`,
	ProposalMarker, ProposalLeadIn)

const detailSystemPrompt = `You turn a coaching conversation into one structured goal. Read the transcript and the proposal the user accepted, then output only a JSON object with these fields: description (one sentence, imperative), difficulty (one of easy/medium/hard), timeframe (one of "24h"/"3d"/"1w"), experienceValue (integer, 25 for easy, 75 for medium, 150 for hard), motivation (integer 1-10, how motivated the user sounds). If the transcript contains no workable suggestion, output {"noSuggestion": true} instead. No text outside the JSON.`

const detailUserPrompt = `Transcript:
{transcript}

Produce the JSON.`

const verifySystemPrompt = `You verify whether a user's justification plausibly shows they completed a goal. Be generous but not gullible: a concrete account of doing the thing passes, a refusal or an unrelated answer fails. Output only a JSON object: verified (boolean), feedback (one encouraging sentence; on failure, say what evidence would convince you). No text outside the JSON.`

const verifyUserPrompt = `Goal: {goal}

User's justification: {justification}

Produce the JSON.`

// formatTranscript renders turns for the detailing prompt. Only spoken turns
// matter; bookkeeping kinds (apology, welcome back) are skipped.
func formatTranscript(turns []chat.Turn) string {
	var builder strings.Builder
	for _, t := range turns {
		switch t.Kind {
		case chat.KindApology, chat.KindWelcomeBack:
			continue
		}
		content := strings.TrimSpace(t.Content)
		if content == "" {
			continue
		}
		if builder.Len() > 0 {
			builder.WriteString("\n")
		}
		if t.Speaker == chat.SpeakerUser {
			builder.WriteString("User: ")
		} else {
			builder.WriteString("Coach: ")
		}
		builder.WriteString(content)
	}
	if builder.Len() == 0 {
		return "(empty)"
	}
	return builder.String()
}
