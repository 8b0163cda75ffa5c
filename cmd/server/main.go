package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Tyrowin/convochat/internal/auth"
	"github.com/Tyrowin/convochat/internal/broker"
	"github.com/Tyrowin/convochat/internal/config"
	"github.com/Tyrowin/convochat/internal/gateway"
	"github.com/Tyrowin/convochat/internal/server"
	"github.com/Tyrowin/convochat/internal/users"
	"golang.org/x/sync/errgroup"
)

const (
	exitOK      = 0
	exitRuntime = 1
	exitConfig  = 2
)

func main() {
	code, err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "convochat terminated with error: %v\n", err)
	}
	os.Exit(code)
}

func run() (int, error) {
	configPath := flag.String("config", os.Getenv("CONFIG_FILE"), "path to an optional YAML config file")
	dotenv := flag.String("env-file", ".env", "path to an optional .env file")
	flag.Parse()

	if err := config.LoadDotEnv(*dotenv); err != nil {
		return exitConfig, err
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		return exitConfig, err
	}

	logger := config.NewLogger(cfg.Logging, os.Stderr)
	if cfg.Auth.SecretGenerated {
		logger.Warn("JWT_SECRET is not set; using a random secret, tokens will not survive a restart")
	}

	store, err := users.NewSQLiteStore(cfg.Database.Path, logger)
	if err != nil {
		return exitRuntime, fmt.Errorf("opening user store: %w", err)
	}
	defer store.Close()

	tokens := auth.NewTokenManager([]byte(cfg.Auth.JWTSecret), cfg.Auth.TokenTTL.Std())
	accounts := users.NewService(store, auth.NewPasswordHasher(cfg.Auth.BcryptCost), logger)

	b := broker.NewConversationBroker(
		broker.NewIdentityRegistry(cfg.Broker.Shards, logger),
		broker.NewRoomDirectory(cfg.Broker.Shards, logger),
		broker.Options{CloseOnCreatorDisconnect: cfg.Broker.CloseOnCreatorDisconnect},
		logger,
	)
	gw := gateway.New(auth.NewTokenAuthenticator(tokens), b, logger)

	hub := server.NewHub(logger)
	go hub.Run()

	srv := server.New(server.Deps{
		Config:   server.ConfigFrom(cfg),
		Hub:      hub,
		Gateway:  gw,
		Broker:   b,
		Accounts: accounts,
		Tokens:   tokens,
		Logger:   logger,
	})
	httpServer := server.CreateServer(cfg.Server.Port, srv.Routes())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.StartServer(httpServer, logger)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown signal received")

		timeout := cfg.Server.ShutdownTimeout.Std()
		httpErr := server.ShutdownServer(httpServer, timeout, logger)
		if err := hub.Shutdown(timeout); err != nil {
			return fmt.Errorf("hub shutdown: %w", err)
		}
		return httpErr
	})

	if err := g.Wait(); err != nil {
		return exitRuntime, err
	}
	logger.Info("server stopped cleanly")
	return exitOK, nil
}
