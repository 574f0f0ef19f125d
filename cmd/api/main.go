package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/sparkcoach/backend/internal/config"
	"github.com/sparkcoach/backend/internal/handler"
	"github.com/sparkcoach/backend/internal/logger"
	"github.com/sparkcoach/backend/internal/service/ai"
	"github.com/sparkcoach/backend/internal/service/conversation"
	"github.com/sparkcoach/backend/internal/service/reward"
	syncService "github.com/sparkcoach/backend/internal/service/sync"
	"github.com/sparkcoach/backend/internal/store"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log := logger.New("sparkcoach")

	if err := godotenv.Load(); err != nil {
		log.Info().Msg("no .env file, continuing with system environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	st, err := openStore(cfg.Store, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open store")
	}
	defer st.Close()

	// The coaching engine cannot run without a chat model: every turn of the
	// conversation is generated.
	if !cfg.AI.Enabled() {
		log.Fatal().Msg("ark credentials are not configured; set ARK_API_KEY + Model or the AK/SK pair")
	}
	aiSvc, err := ai.NewService(ctx, cfg.AI, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize AI service")
	}

	convSvc := conversation.NewService(st, aiSvc, aiSvc, log)
	rewardCalc := reward.NewCalculator(st, aiSvc, log)

	syncMgr := syncService.NewManager(ctx, st, syncService.Options{
		Interval:       cfg.Sync.Interval,
		ReconcileDelay: cfg.Sync.ReconcileDelay,
	}, log)
	feed := syncService.NewHub(log)
	feed.BindManager(syncMgr)

	router := handler.NewRouter(st, convSvc, aiSvc, rewardCalc, feed, syncMgr, log)

	startServer(ctx, cfg.Server, router, log)
}

func openStore(cfg config.StoreConfig, log zerolog.Logger) (store.Store, error) {
	switch cfg.Driver {
	case "memory":
		log.Info().Msg("using in-memory store")
		return store.NewMemory(), nil
	default:
		log.Info().Str("path", cfg.Path).Msg("using sqlite store")
		return store.NewSQLite(cfg.Path)
	}
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler, log zerolog.Logger) {
	srv := &http.Server{
		Addr:              serverCfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	log.Info().Str("addr", serverCfg.Addr).Msg("sparkcoach backend listening")
	if err := runServer(ctx, srv); err != nil {
		log.Fatal().Err(err).Msg("server error")
	}
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
