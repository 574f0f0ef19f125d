package goals

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/sparkcoach/backend/internal/service/ai"
	"github.com/sparkcoach/backend/internal/service/reward"
	syncsvc "github.com/sparkcoach/backend/internal/service/sync"
	"github.com/sparkcoach/backend/internal/store"
	"github.com/sparkcoach/backend/pkg/utils"
)

// Handler exposes the goal list, the completion path, and the economy
// snapshot.
type Handler struct {
	store  store.Store
	reward *reward.Calculator
	feed   *syncsvc.Hub
	syncs  *syncsvc.Manager
	log    zerolog.Logger
}

// New creates the goals handler.
func New(st store.Store, calc *reward.Calculator, feed *syncsvc.Hub, syncs *syncsvc.Manager, log zerolog.Logger) *Handler {
	return &Handler{
		store:  st,
		reward: calc,
		feed:   feed,
		syncs:  syncs,
		log:    log.With().Str("component", "http-goals").Logger(),
	}
}

// RegisterRoutes mounts the goal and economy routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/goals", h.handleList)
	r.Post("/goals/{goalID}/complete", h.handleComplete)
	r.Get("/economy", h.handleEconomy)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	accountID := r.URL.Query().Get("accountId")
	if accountID == "" {
		utils.RespondError(w, http.StatusBadRequest, "accountId query parameter is required")
		return
	}
	includeCompleted, _ := strconv.ParseBool(r.URL.Query().Get("includeCompleted"))

	goals, err := h.store.Goals().List(r.Context(), accountID, includeCompleted)
	if err != nil {
		utils.RespondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]any{"goals": goals})
}

func (h *Handler) handleComplete(w http.ResponseWriter, r *http.Request) {
	goalID := chi.URLParam(r, "goalID")

	var payload struct {
		Justification string `json:"justification"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if payload.Justification == "" {
		utils.RespondError(w, http.StatusBadRequest, "justification is required")
		return
	}

	outcome, err := h.reward.CompleteGoal(r.Context(), goalID, payload.Justification)
	switch {
	case errors.Is(err, store.ErrNotFound):
		utils.RespondError(w, http.StatusNotFound, "goal not found")
		return
	case errors.Is(err, store.ErrGoalNotOpen):
		utils.RespondError(w, http.StatusConflict, "goal is not open for completion")
		return
	case errors.Is(err, ai.ErrProvider):
		utils.RespondError(w, http.StatusBadGateway, "verification is unavailable, try again shortly")
		return
	case err != nil:
		utils.RespondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if outcome.Verified && outcome.Goal != nil {
		// Optimistic apply first so this device's projection reflects the
		// credit before the delayed re-read, then the change-feed ping.
		if h.syncs != nil && outcome.Economy != nil {
			h.syncs.ForAccount(outcome.Goal.AccountID).ApplyCompletion(*outcome.Economy, outcome.Goal.ID)
		}
		if h.feed != nil {
			h.feed.Broadcast(syncsvc.ChangeEvent{
				Type:      "goal_completed",
				AccountID: outcome.Goal.AccountID,
				GoalID:    outcome.Goal.ID,
			})
		}
	}

	utils.RespondJSON(w, http.StatusOK, outcome)
}

func (h *Handler) handleEconomy(w http.ResponseWriter, r *http.Request) {
	accountID := r.URL.Query().Get("accountId")
	if accountID == "" {
		utils.RespondError(w, http.StatusBadRequest, "accountId query parameter is required")
		return
	}

	eco, err := h.store.Economies().Ensure(r.Context(), accountID)
	if err != nil {
		utils.RespondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	utils.RespondJSON(w, http.StatusOK, map[string]any{
		"accountId":   eco.AccountID,
		"totalXp":     eco.TotalXP,
		"level":       reward.ComputeLevel(eco.TotalXP),
		"dailyStreak": eco.DailyStreak,
	})
}
