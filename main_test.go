package main

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pliu/chatsync/internal/chat"
	"github.com/pliu/chatsync/internal/clock"
	"github.com/pliu/chatsync/internal/config"
	"github.com/pliu/chatsync/internal/handlers"
	"github.com/pliu/chatsync/internal/identity"
	"github.com/pliu/chatsync/internal/ws"
)

func TestRoutes(t *testing.T) {
	cfg := config.Default()
	cfg.StoreBackend = config.BackendDoc
	clk := clock.Real()
	log := slog.Default()

	s, err := openStore(cfg, clk, log)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	tokens, err := identity.NewTokens("routes-test-secret", time.Hour, clk)
	if err != nil {
		t.Fatal(err)
	}
	opts := chat.DefaultOptions()
	provider := identity.NewProvider(s, clk, log)
	directory := chat.NewDirectory(s, clk, log, opts)
	ledger := chat.NewLedger(s, clk, log, opts)
	router := routes(log, tokens,
		&handlers.AuthHandler{Identity: provider, Tokens: tokens, Log: log},
		&handlers.ChatHandler{Directory: directory, Ledger: ledger, Identity: provider, Log: log},
		ws.NewHub(directory, ledger, log),
	)

	tests := []struct {
		method, path   string
		expectedStatus int
	}{
		{"GET", "/chats", http.StatusUnauthorized},
		{"GET", "/ws", http.StatusUnauthorized},
		{"POST", "/logout", http.StatusNoContent},
		{"GET", "/", http.StatusNotFound},
		{"GET", "/static/app.js", http.StatusNotFound},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(tt.method, tt.path, nil)
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		if rr.Code != tt.expectedStatus {
			t.Errorf("%s %s: got %v want %v", tt.method, tt.path, rr.Code, tt.expectedStatus)
		}
	}
}

func TestOpenStoreRejectsUnknownBackend(t *testing.T) {
	cfg := config.Default()
	cfg.StoreBackend = "mongo"
	if _, err := openStore(cfg, clock.Real(), slog.Default()); err == nil {
		t.Error("Expected an error for an unknown backend")
	}
}
