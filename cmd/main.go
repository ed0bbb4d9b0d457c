package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"NeighborChat/server/internal/config"
	"NeighborChat/server/internal/db"
	"NeighborChat/server/internal/handlers"
	"NeighborChat/server/internal/notify"
	"NeighborChat/server/internal/pool"
	"NeighborChat/server/internal/services"
	"NeighborChat/server/internal/storage"
)

const shutdownTimeout = 5 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("server exited")
	}
	logger.Info().Msg("Server has been successfully stopped")
}

func newLogger(cfg *config.Config) zerolog.Logger {
	zerolog.SetGlobalLevel(cfg.Level())
	if cfg.IsDevelopment() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Str("service", "chat").Logger()
}

func run(cfg *config.Config, logger zerolog.Logger) (err error) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	database, err := db.Open(ctx, db.Options{
		Driver:       cfg.DBDriver,
		DSN:          cfg.DatabaseURL,
		MaxOpenConns: cfg.DBMaxOpenConns,
	}, logger)
	if err != nil {
		return errors.Wrap(err, "open database")
	}
	defer func() { err = multierr.Append(err, database.Close()) }()

	if err := database.Migrate(ctx); err != nil {
		return errors.Wrap(err, "migrate")
	}

	bridge, err := newBridge(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, bridge.Close()) }()

	files, filesDir, err := newStorage(ctx, cfg, logger)
	if err != nil {
		return err
	}

	clock := clockwork.NewRealClock()
	users, err := services.NewUserService(database, clock, cfg.IdentityCacheSize, logger)
	if err != nil {
		return errors.Wrap(err, "user service")
	}
	auth := services.NewAuthService(cfg.JWTSecret, users, logger)
	conversations := services.NewConversationService(database, users, clock, logger)
	receipts := services.NewReceiptService(database, clock, logger)
	messages := services.NewMessageService(database, receipts, clock, logger)
	typing := services.NewTypingService(conversations, clock, cfg.TypingTTL, cfg.TypingSweepInterval, logger)

	gateway := handlers.NewGateway(handlers.GatewayDeps{
		Conversations: conversations,
		Messages:      messages,
		Receipts:      receipts,
		Typing:        typing,
		Auth:          auth,
		Bridge:        bridge,
		Pool:          pool.New(logger),
		BufferSize:    cfg.ClientBufferSize,
	}, logger)
	handler := handlers.NewHandler(handlers.HandlerDeps{
		Gateway:        gateway,
		Conversations:  conversations,
		Messages:       messages,
		Receipts:       receipts,
		Users:          users,
		Storage:        files,
		MaxUploadBytes: cfg.MaxUploadBytes,
	}, logger)

	srv := &http.Server{
		Addr: fmt.Sprintf(":%d", cfg.Port),
		Handler: handlers.NewRouter(handler, gateway, handlers.RouterOptions{
			Auth:           auth,
			DB:             database,
			AllowedOrigins: cfg.AllowedOrigins,
			FilesDir:       filesDir,
		}, logger),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", srv.Addr).Str("env", cfg.Env).Msg("Server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "listen")
		}
		return nil
	})
	g.Go(func() error {
		typing.Run(gctx, gateway.TypingExpired)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("Stopping the server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return errors.Wrap(srv.Shutdown(shutdownCtx), "shutdown")
	})
	return g.Wait()
}

func newBridge(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (notify.Bridge, error) {
	if cfg.RedisURL == "" {
		logger.Warn().Msg("CHAT_REDIS_URL not set, notifications are only logged")
		return notify.NewLogBridge(logger), nil
	}
	bridge, err := notify.NewRedisBridge(ctx, cfg.RedisURL, cfg.NotificationQueue, logger)
	if err != nil {
		return nil, errors.Wrap(err, "notification bridge")
	}
	return bridge, nil
}

// newStorage returns the attachment store and, for local storage, the
// directory the router serves files from.
func newStorage(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (storage.Storage, string, error) {
	if cfg.StorageDriver == "s3" {
		s, err := storage.NewS3Storage(ctx, storage.S3Options{
			Bucket:        cfg.S3Bucket,
			Region:        cfg.S3Region,
			Endpoint:      cfg.S3Endpoint,
			AccessKey:     cfg.S3AccessKey,
			SecretKey:     cfg.S3SecretKey,
			PublicBaseURL: cfg.S3PublicBaseURL,
		}, logger)
		if err != nil {
			return nil, "", errors.Wrap(err, "s3 storage")
		}
		return s, "", nil
	}

	s, err := storage.NewLocalStorage(cfg.StorageDir, cfg.StorageBaseURL, logger)
	if err != nil {
		return nil, "", errors.Wrap(err, "local storage")
	}
	return s, s.Dir(), nil
}
