package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/mama165/sdk-go/logs"
	"github.com/pliu/chatsync/internal/chat"
	"github.com/pliu/chatsync/internal/clock"
	"github.com/pliu/chatsync/internal/config"
	"github.com/pliu/chatsync/internal/handlers"
	"github.com/pliu/chatsync/internal/identity"
	"github.com/pliu/chatsync/internal/middleware"
	"github.com/pliu/chatsync/internal/store"
	"github.com/pliu/chatsync/internal/store/badgerstore"
	"github.com/pliu/chatsync/internal/store/docstore"
	"github.com/pliu/chatsync/internal/store/feed"
	"github.com/pliu/chatsync/internal/store/sqlstore"
	"github.com/pliu/chatsync/internal/ws"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "chatsync:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	log := logs.GetLoggerFromString(cfg.LogLevel)
	clk := clock.Real()

	s, err := openStore(cfg, clk, log)
	if err != nil {
		return err
	}
	defer func() {
		log.Info("Closing store", "backend", cfg.StoreBackend)
		_ = s.Close()
	}()

	tokens, err := identity.NewTokens(cfg.JWTSecret, cfg.TokenTTL, clk)
	if err != nil {
		return err
	}
	opts := chat.Options{ChatLimit: cfg.ChatLimit, MessageLimit: cfg.MessageLimit, OverlayTTL: cfg.OverlayTTL}
	provider := identity.NewProvider(s, clk, log)
	directory := chat.NewDirectory(s, clk, log, opts)
	ledger := chat.NewLedger(s, clk, log, opts)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize WebSocket Hub
	hub := ws.NewHub(directory, ledger, log)
	go hub.Run(ctx)

	// Initialize Handlers
	authHandler := &handlers.AuthHandler{Identity: provider, Tokens: tokens, SecureCookies: cfg.SecureCookies, Log: log}
	chatHandler := &handlers.ChatHandler{Directory: directory, Ledger: ledger, Identity: provider, Log: log}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           routes(log, tokens, authHandler, chatHandler, hub),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("Starting server", "addr", cfg.Addr, "store", cfg.StoreBackend)
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
		log.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown failed: %w", err)
		}
	}
	return nil
}

// openStore opens the configured backend. The sql and badger backends are
// wrapped so the live views get pushed snapshots.
func openStore(cfg *config.Config, clk clock.Clock, log *slog.Logger) (store.Store, error) {
	switch cfg.StoreBackend {
	case config.BackendSQL:
		s, err := sqlstore.New(cfg.SQLDriver, cfg.SQLDSN)
		if err != nil {
			return nil, fmt.Errorf("opening %s store: %w", cfg.SQLDriver, err)
		}
		return feed.Wrap(s, log), nil
	case config.BackendBadger:
		s, err := badgerstore.Open(cfg.BadgerPath, log)
		if err != nil {
			return nil, fmt.Errorf("opening badger store: %w", err)
		}
		return feed.Wrap(s, log), nil
	case config.BackendDoc:
		return docstore.New(clk, log, docstore.WithResolveDelay(cfg.ResolveDelay)), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}

func routes(log *slog.Logger, tokens *identity.Tokens, authHandler *handlers.AuthHandler, chatHandler *handlers.ChatHandler, hub *ws.Hub) http.Handler {
	r := mux.NewRouter()
	r.Use(middleware.LoggingMiddleware(log))

	// API Endpoints
	r.HandleFunc("/signup", authHandler.Signup).Methods("POST")
	r.HandleFunc("/login", authHandler.Login).Methods("POST")
	r.HandleFunc("/logout", authHandler.Logout).Methods("POST")

	api := r.NewRoute().Subrouter()
	api.Use(middleware.AuthMiddleware(tokens))
	api.HandleFunc("/users/search", authHandler.SearchUsers).Methods("GET")
	api.HandleFunc("/me", authHandler.UpdateProfile).Methods("PATCH")
	api.HandleFunc("/chats", chatHandler.CreateChat).Methods("POST")
	api.HandleFunc("/chats", chatHandler.GetChats).Methods("GET")
	api.HandleFunc("/chats/{id}", chatHandler.DeleteChat).Methods("DELETE")
	api.HandleFunc("/chats/{id}/messages", chatHandler.GetChatMessages).Methods("GET")
	api.HandleFunc("/chats/{id}/messages", chatHandler.SendMessage).Methods("POST")

	// WebSocket Endpoint
	api.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		ws.ServeWs(hub, w, r, middleware.UserID(r.Context()))
	})

	return r
}
