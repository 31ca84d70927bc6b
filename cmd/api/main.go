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
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/zhouzirui/podchat/internal/config"
	"github.com/zhouzirui/podchat/internal/handler"
	"github.com/zhouzirui/podchat/internal/model/persona"
	"github.com/zhouzirui/podchat/internal/service/ai"
	"github.com/zhouzirui/podchat/internal/service/chat"
	"github.com/zhouzirui/podchat/pkg/logger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log := logger.NewLogger(false)
		log.Fatal("failed to load configuration", zap.Error(err))
	}

	log := logger.NewLogger(cfg.Debug)
	defer log.Sync()

	if envErr != nil {
		log.Debug("no .env file loaded, using process environment", zap.Error(envErr))
	}

	chatModel, err := cfg.AI.NewChatModel(ctx)
	if err != nil {
		log.Fatal("failed to create chat model", zap.Error(err))
	}

	personaStore := persona.NewMemoryStore(persona.Seed(cfg.AI.SystemPrompt, cfg.AI.Greeting))
	chatService := chat.NewService(chat.Options{
		IdleTimeout:  cfg.Session.IdleTimeout,
		HistoryLimit: cfg.Session.HistoryLimit,
		Logger:       log.Named("session"),
	})
	aiService := ai.NewService(chatModel, personaStore, chatService, ai.Options{
		Text:        cfg.AI.TextParams(),
		VisionModel: cfg.AI.VisionModel,
		Logger:      log.Named("relay"),
	})

	log.Info("upstream configured",
		zap.String("endpoint", cfg.AI.EndpointURL()),
		zap.String("model", cfg.AI.TextModel),
		zap.String("vision_model", cfg.AI.VisionModel),
		zap.Int("history_limit", cfg.Session.HistoryLimit),
	)

	router := handler.NewRouter(personaStore, chatService, aiService, handler.Options{
		MaxUploadBytes: cfg.Server.MaxUploadBytes,
		Logger:         log.Named("http"),
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return chatService.Run(gctx)
	})
	g.Go(func() error {
		log.Info("podchat listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Fatal("server error", zap.Error(err))
	}
}
