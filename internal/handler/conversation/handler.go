package conversation

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/sparkcoach/backend/internal/service/conversation"
	"github.com/sparkcoach/backend/internal/service/proposal"
	syncsvc "github.com/sparkcoach/backend/internal/service/sync"
	"github.com/sparkcoach/backend/internal/store"
	"github.com/sparkcoach/backend/pkg/utils"
)

// Handler exposes the conversation endpoints.
type Handler struct {
	convSvc *conversation.Service
	store   store.Store
	feed    *syncsvc.Hub
	syncs   *syncsvc.Manager
	log     zerolog.Logger
}

// New creates the conversation handler.
func New(convSvc *conversation.Service, st store.Store, feed *syncsvc.Hub, syncs *syncsvc.Manager, log zerolog.Logger) *Handler {
	return &Handler{
		convSvc: convSvc,
		store:   st,
		feed:    feed,
		syncs:   syncs,
		log:     log.With().Str("component", "http-conversation").Logger(),
	}
}

// RegisterRoutes mounts the conversation routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/conversations", h.handleCreate)
	r.Get("/conversations", h.handleList)
	r.Get("/conversations/{conversationID}", h.handleLoad)
	r.Post("/conversations/{conversationID}/messages", h.handleMessage)
	r.Post("/conversations/{conversationID}/goal-response", h.handleGoalResponse)
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		AccountID string `json:"accountId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if payload.AccountID == "" {
		utils.RespondError(w, http.StatusBadRequest, "accountId is required")
		return
	}

	conv, result, err := h.convSvc.Start(r.Context(), payload.AccountID)
	if err != nil {
		utils.RespondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	utils.RespondJSON(w, http.StatusCreated, map[string]any{
		"conversation": conv,
		"result":       result,
	})
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	accountID := r.URL.Query().Get("accountId")
	if accountID == "" {
		utils.RespondError(w, http.StatusBadRequest, "accountId query parameter is required")
		return
	}

	conversations, err := h.store.Conversations().List(r.Context(), accountID)
	if err != nil {
		utils.RespondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]any{"conversations": conversations})
}

func (h *Handler) handleLoad(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationID")

	conv, turns, counters, err := h.convSvc.Load(r.Context(), conversationID)
	if errors.Is(err, store.ErrNotFound) {
		utils.RespondError(w, http.StatusNotFound, "conversation not found")
		return
	}
	if err != nil {
		utils.RespondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	response := map[string]any{
		"conversation": conv,
		"turns":        turns,
		"phase":        counters.Phase,
	}
	if pending, ok := h.convSvc.PendingProposal(conversationID); ok {
		response["pendingGoal"] = pending
	}
	utils.RespondJSON(w, http.StatusOK, response)
}

func (h *Handler) handleMessage(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationID")

	var payload struct {
		Text  string `json:"text"`
		Voice bool   `json:"voice"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if payload.Text == "" {
		utils.RespondError(w, http.StatusBadRequest, "text is required")
		return
	}

	result, err := h.convSvc.Message(r.Context(), conversationID, payload.Text, payload.Voice)
	switch {
	case errors.Is(err, store.ErrNotFound):
		utils.RespondError(w, http.StatusNotFound, "conversation not found")
		return
	case errors.Is(err, conversation.ErrGoalPending):
		utils.RespondError(w, http.StatusConflict, "a goal proposal is pending, resolve it first")
		return
	case errors.Is(err, conversation.ErrConcluded):
		utils.RespondError(w, http.StatusConflict, "conversation is concluded")
		return
	case err != nil:
		utils.RespondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	utils.RespondJSON(w, http.StatusOK, result)
}

func (h *Handler) handleGoalResponse(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationID")

	var payload struct {
		Text  string `json:"text"`
		Voice bool   `json:"voice"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if payload.Text == "" {
		utils.RespondError(w, http.StatusBadRequest, "text is required")
		return
	}

	result, err := h.convSvc.RespondToGoal(r.Context(), conversationID, payload.Text, payload.Voice)
	switch {
	case errors.Is(err, store.ErrNotFound):
		utils.RespondError(w, http.StatusNotFound, "conversation not found")
		return
	case errors.Is(err, proposal.ErrNothingPending):
		utils.RespondError(w, http.StatusConflict, "no goal proposal is pending")
		return
	case err != nil:
		utils.RespondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if result.Accepted && result.Goal != nil {
		// Optimistic apply first so this device's projection shows the goal
		// before the delayed re-read, then the change-feed ping for the rest.
		if h.syncs != nil {
			h.syncs.ForAccount(result.Goal.AccountID).ApplyGoalAccepted(*result.Goal)
		}
		if h.feed != nil {
			h.feed.Broadcast(syncsvc.ChangeEvent{
				Type:      "goal_accepted",
				AccountID: result.Goal.AccountID,
				GoalID:    result.Goal.ID,
			})
		}
	}

	utils.RespondJSON(w, http.StatusOK, result)
}
