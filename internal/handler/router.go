package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	conversationHandler "github.com/sparkcoach/backend/internal/handler/conversation"
	goalsHandler "github.com/sparkcoach/backend/internal/handler/goals"
	"github.com/sparkcoach/backend/internal/handler/stream"
	middlewarePkg "github.com/sparkcoach/backend/internal/middleware"
	aiService "github.com/sparkcoach/backend/internal/service/ai"
	conversationService "github.com/sparkcoach/backend/internal/service/conversation"
	rewardService "github.com/sparkcoach/backend/internal/service/reward"
	syncService "github.com/sparkcoach/backend/internal/service/sync"
	"github.com/sparkcoach/backend/internal/store"
	"github.com/sparkcoach/backend/pkg/utils"
)

// NewRouter wires HTTP routes to core services.
func NewRouter(st store.Store, convSvc *conversationService.Service, aiSvc *aiService.Service, rewardCalc *rewardService.Calculator, feed *syncService.Hub, syncMgr *syncService.Manager, log zerolog.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS)

	convHandler := conversationHandler.New(convSvc, st, feed, syncMgr, log)
	goalHandler := goalsHandler.New(st, rewardCalc, feed, syncMgr, log)

	// Streaming only exists when an AI provider is configured.
	var streamHandler *stream.Handler
	if aiSvc != nil {
		streamHandler = stream.New(aiSvc, convSvc, st, log)
	}

	r.Route("/api", func(api chi.Router) {
		convHandler.RegisterRoutes(api)
		goalHandler.RegisterRoutes(api)

		api.Get("/conversations/{conversationID}/stream", func(w http.ResponseWriter, r *http.Request) {
			conversationID := chi.URLParam(r, "conversationID")
			userMessage := r.URL.Query().Get("message")

			if streamHandler == nil {
				utils.RespondError(w, http.StatusServiceUnavailable, "ai streaming unavailable")
				return
			}
			if userMessage == "" {
				utils.RespondError(w, http.StatusBadRequest, "message query parameter is required")
				return
			}

			if err := streamHandler.HandleStreamRequest(r.Context(), w, conversationID, userMessage); err != nil {
				log.Warn().Err(err).Str("conversation", conversationID).Msg("stream request failed")
			}
		})

		api.Get("/sync/feed", func(w http.ResponseWriter, r *http.Request) {
			accountID := r.URL.Query().Get("accountId")
			if accountID == "" {
				utils.RespondError(w, http.StatusBadRequest, "accountId query parameter is required")
				return
			}
			feed.Serve(w, r, accountID)
		})

		api.Get("/sync/status", func(w http.ResponseWriter, r *http.Request) {
			accountID := r.URL.Query().Get("accountId")
			if accountID == "" {
				utils.RespondError(w, http.StatusBadRequest, "accountId query parameter is required")
				return
			}
			s := syncMgr.ForAccount(accountID)
			eco, goals := s.Snapshot()
			utils.RespondJSON(w, http.StatusOK, map[string]any{
				"economy":  eco,
				"level":    rewardService.ComputeLevel(eco.TotalXP),
				"goals":    goals,
				"lastSync": s.LastSync(),
			})
		})
	})

	return r
}
