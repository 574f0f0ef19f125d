package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog"

	"github.com/sparkcoach/backend/internal/model/chat"
	aiService "github.com/sparkcoach/backend/internal/service/ai"
	conversationService "github.com/sparkcoach/backend/internal/service/conversation"
	"github.com/sparkcoach/backend/internal/store"
	"github.com/sparkcoach/backend/pkg/utils"
)

// Handler streams mid-cycle coaching questions over Server-Sent Events.
// Proposal replies are never streamed: their full text must be inspected
// before release, so those turns fall back to the non-streaming path.
type Handler struct {
	aiSvc   *aiService.Service
	convSvc *conversationService.Service
	store   store.Store
	log     zerolog.Logger
}

// New creates a new stream handler.
func New(aiSvc *aiService.Service, convSvc *conversationService.Service, st store.Store, log zerolog.Logger) *Handler {
	return &Handler{
		aiSvc:   aiSvc,
		convSvc: convSvc,
		store:   st,
		log:     log.With().Str("component", "http-stream").Logger(),
	}
}

// StreamResponse is one SSE chunk.
type StreamResponse struct {
	Event          string `json:"event"`
	Content        string `json:"content,omitempty"`
	ConversationID string `json:"conversationId,omitempty"`
	Phase          string `json:"phase,omitempty"`
	Finished       bool   `json:"finished,omitempty"`
	Error          string `json:"error,omitempty"`
}

// HandleStreamRequest answers one user message over SSE. When the machine is
// about to propose a goal the reply is generated whole and sent as a single
// message event instead of deltas.
func (h *Handler) HandleStreamRequest(ctx context.Context, w http.ResponseWriter, conversationID, userMessage string) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return fmt.Errorf("streaming unsupported")
	}
	utils.SetupSSEHeaders(w)

	instruction, err := h.convSvc.StreamableInstruction(ctx, conversationID)
	if errors.Is(err, conversationService.ErrNotStreamable) {
		return h.answerWhole(ctx, w, flusher, conversationID, userMessage)
	}
	if err != nil {
		h.sendSSEError(w, flusher, err.Error())
		return err
	}

	history, err := h.store.Turns().List(ctx, conversationID)
	if err != nil {
		h.sendSSEError(w, flusher, fmt.Sprintf("failed to load transcript: %v", err))
		return err
	}

	h.sendSSE(w, flusher, StreamResponse{Event: "start", ConversationID: conversationID})

	var reply string
	if h.aiSvc.StreamingEnabled() {
		reply, err = h.streamReply(ctx, w, flusher, conversationID, instruction, history, userMessage)
	} else {
		reply, err = h.aiSvc.GenerateReply(ctx, instruction, history, userMessage)
	}
	if err != nil {
		h.sendSSEError(w, flusher, fmt.Sprintf("reply generation failed: %v", err))
		return err
	}

	if _, err := h.convSvc.CommitStreamedExchange(ctx, conversationID, userMessage, reply); err != nil {
		h.sendSSEError(w, flusher, fmt.Sprintf("failed to commit exchange: %v", err))
		return err
	}

	h.sendSSE(w, flusher, StreamResponse{
		Event:          "message",
		ConversationID: conversationID,
		Content:        reply,
	})
	h.sendSSE(w, flusher, StreamResponse{Event: "end", ConversationID: conversationID, Finished: true})

	h.log.Debug().Str("conversation", conversationID).Msg("streamed coaching reply")
	return nil
}

// answerWhole runs the non-streaming message path and relays its outcome as
// a single message event.
func (h *Handler) answerWhole(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, conversationID, userMessage string) error {
	result, err := h.convSvc.Message(ctx, conversationID, userMessage, false)
	if err != nil {
		h.sendSSEError(w, flusher, err.Error())
		return err
	}

	h.sendSSE(w, flusher, StreamResponse{Event: "start", ConversationID: conversationID})
	for _, t := range result.Turns {
		if t.Speaker != chat.SpeakerAssistant {
			continue
		}
		h.sendSSE(w, flusher, StreamResponse{
			Event:          "message",
			ConversationID: conversationID,
			Content:        t.Content,
			Phase:          string(result.Phase),
		})
	}
	h.sendSSE(w, flusher, StreamResponse{Event: "end", ConversationID: conversationID, Finished: true})
	return nil
}

func (h *Handler) streamReply(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, conversationID, instruction string, history []chat.Turn, userMessage string) (string, error) {
	stream, err := h.aiSvc.StreamReply(ctx, instruction, history, userMessage)
	if err != nil {
		return "", err
	}
	defer stream.Close()

	chunks := make([]*schema.Message, 0, 8)
	for {
		chunk, recvErr := stream.Recv()
		if errors.Is(recvErr, io.EOF) {
			break
		}
		if recvErr != nil {
			return "", recvErr
		}
		if chunk == nil {
			continue
		}

		chunks = append(chunks, chunk)
		if chunk.Content != "" {
			h.sendSSE(w, flusher, StreamResponse{
				Event:          "delta",
				ConversationID: conversationID,
				Content:        chunk.Content,
			})
		}
	}

	full, err := schema.ConcatMessages(chunks)
	if err != nil {
		return "", err
	}
	return full.Content, nil
}

func (h *Handler) sendSSE(w http.ResponseWriter, flusher http.Flusher, response StreamResponse) {
	utils.SendSSEChunk(w, flusher, response)
}

func (h *Handler) sendSSEError(w http.ResponseWriter, flusher http.Flusher, errorMsg string) {
	h.sendSSE(w, flusher, StreamResponse{Event: "error", Error: errorMsg})
}
