package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog"

	"github.com/sparkcoach/backend/internal/config"
	"github.com/sparkcoach/backend/internal/model/chat"
)

var (
	// ErrProvider wraps any model failure. Callers hold state and let the
	// user's next send retry; nothing auto-retries.
	ErrProvider = errors.New("ai provider unavailable")

	// ErrNoSuggestion is returned when the detailing collaborator cannot
	// shape the transcript into a goal.
	ErrNoSuggestion = errors.New("no goal suggestion in transcript")
)

// GoalDetail is the structured triple (plus advisory motivation) returned by
// the detailing collaborator for an accepted proposal.
type GoalDetail struct {
	Description     string `json:"description"`
	Difficulty      string `json:"difficulty"`
	Timeframe       string `json:"timeframe"`
	ExperienceValue int    `json:"experienceValue"`
	Motivation      int    `json:"motivation"`
	NoSuggestion    bool   `json:"noSuggestion"`
}

// Verdict is the verification collaborator's answer for a completion claim.
type Verdict struct {
	Verified bool   `json:"verified"`
	Feedback string `json:"feedback"`
}

// Service runs the three LLM collaborators the coaching engine consumes:
// reply generation, goal detailing, and completion verification.
type Service struct {
	chatModel   model.ChatModel
	cfg         config.AIConfig
	replyChain  compose.Runnable[map[string]any, *schema.Message]
	detailChain compose.Runnable[map[string]any, *schema.Message]
	verifyChain compose.Runnable[map[string]any, *schema.Message]
	log         zerolog.Logger
}

// NewService builds the chains against the configured chat model.
func NewService(ctx context.Context, cfg config.AIConfig, log zerolog.Logger) (*Service, error) {
	chatModel, err := cfg.NewChatModel(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create chat model: %w", err)
	}

	replyTemplate := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage("{system}"),
		schema.MessagesPlaceholder("history", true),
		schema.UserMessage("{query}"),
	)
	replyChain, err := compileChain(ctx, chatModel, replyTemplate)
	if err != nil {
		return nil, fmt.Errorf("failed to compile reply chain: %w", err)
	}

	detailTemplate := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage(detailSystemPrompt),
		schema.UserMessage(detailUserPrompt),
	)
	detailChain, err := compileChain(ctx, chatModel, detailTemplate)
	if err != nil {
		return nil, fmt.Errorf("failed to compile detail chain: %w", err)
	}

	verifyTemplate := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage(verifySystemPrompt),
		schema.UserMessage(verifyUserPrompt),
	)
	verifyChain, err := compileChain(ctx, chatModel, verifyTemplate)
	if err != nil {
		return nil, fmt.Errorf("failed to compile verify chain: %w", err)
	}

	return &Service{
		chatModel:   chatModel,
		cfg:         cfg,
		replyChain:  replyChain,
		detailChain: detailChain,
		verifyChain: verifyChain,
		log:         log.With().Str("component", "ai").Logger(),
	}, nil
}

func compileChain(ctx context.Context, chatModel model.ChatModel, template prompt.ChatTemplate) (compose.Runnable[map[string]any, *schema.Message], error) {
	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(template)
	chain.AppendChatModel(chatModel)
	return chain.Compile(ctx)
}

// StreamingEnabled reports whether SSE streaming is configured.
func (s *Service) StreamingEnabled() bool {
	return s.cfg.StreamResponse
}

// GenerateReply produces the next coaching turn. The phase instruction is
// appended to the base system prompt so the same chain serves every phase.
func (s *Service) GenerateReply(ctx context.Context, instruction string, history []chat.Turn, userMessage string) (string, error) {
	response, err := s.replyChain.Invoke(ctx, s.replyInput(instruction, history, userMessage))
	if err != nil {
		s.log.Warn().Err(err).Msg("reply generation failed")
		return "", fmt.Errorf("%w: %v", ErrProvider, err)
	}
	return strings.TrimSpace(response.Content), nil
}

// StreamReply streams the next coaching turn chunk by chunk.
func (s *Service) StreamReply(ctx context.Context, instruction string, history []chat.Turn, userMessage string) (*schema.StreamReader[*schema.Message], error) {
	if !s.StreamingEnabled() {
		return nil, fmt.Errorf("streaming disabled in configuration")
	}
	stream, err := s.replyChain.Stream(ctx, s.replyInput(instruction, history, userMessage))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProvider, err)
	}
	return stream, nil
}

func (s *Service) replyInput(instruction string, history []chat.Turn, userMessage string) map[string]any {
	return map[string]any{
		"system":  coachSystemPrompt + "\n\n" + instruction,
		"history": buildHistoryMessages(history),
		"query":   userMessage,
	}
}

// DetailGoal asks the detailing collaborator for the structured goal behind
// an accepted proposal.
func (s *Service) DetailGoal(ctx context.Context, transcript []chat.Turn) (GoalDetail, error) {
	msg, err := s.detailChain.Invoke(ctx, map[string]any{
		"transcript": formatTranscript(transcript),
	})
	if err != nil {
		s.log.Warn().Err(err).Msg("goal detailing failed")
		return GoalDetail{}, fmt.Errorf("%w: %v", ErrProvider, err)
	}

	var detail GoalDetail
	if err := parseJSONOutput(msg.Content, &detail); err != nil {
		s.log.Warn().Err(err).Msg("goal detailing output unparseable")
		return GoalDetail{}, fmt.Errorf("%w: %v", ErrProvider, err)
	}
	if detail.NoSuggestion || strings.TrimSpace(detail.Description) == "" {
		return GoalDetail{}, ErrNoSuggestion
	}
	return detail, nil
}

// Verify asks the verification collaborator whether the justification shows
// the goal was done. A negative verdict is a normal outcome, not an error.
func (s *Service) Verify(ctx context.Context, goalDescription, justification string) (Verdict, error) {
	msg, err := s.verifyChain.Invoke(ctx, map[string]any{
		"goal":          goalDescription,
		"justification": justification,
	})
	if err != nil {
		s.log.Warn().Err(err).Msg("verification failed")
		return Verdict{}, fmt.Errorf("%w: %v", ErrProvider, err)
	}

	var verdict Verdict
	if err := parseJSONOutput(msg.Content, &verdict); err != nil {
		s.log.Warn().Err(err).Msg("verification output unparseable")
		return Verdict{}, fmt.Errorf("%w: %v", ErrProvider, err)
	}
	return verdict, nil
}

// parseJSONOutput extracts the first JSON object from a model reply. Models
// occasionally wrap the object in prose or code fences.
func parseJSONOutput(content string, dst any) error {
	trimmed := strings.TrimSpace(content)
	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")
	if start == -1 || end == -1 || end <= start {
		return fmt.Errorf("missing json object")
	}
	return json.Unmarshal([]byte(trimmed[start:end+1]), dst)
}

func buildHistoryMessages(turns []chat.Turn) []*schema.Message {
	const historyLimit = 12

	if len(turns) == 0 {
		return nil
	}

	startIdx := 0
	if len(turns) > historyLimit {
		startIdx = len(turns) - historyLimit
	}

	history := make([]*schema.Message, 0, len(turns)-startIdx)
	for _, t := range turns[startIdx:] {
		switch t.Speaker {
		case chat.SpeakerUser:
			history = append(history, schema.UserMessage(t.Content))
		case chat.SpeakerAssistant:
			history = append(history, schema.AssistantMessage(t.Content, nil))
		}
	}
	return history
}
