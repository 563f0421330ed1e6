package handlers

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/pliu/chatsync/internal/chat"
	"github.com/pliu/chatsync/internal/clock"
	"github.com/pliu/chatsync/internal/identity"
	"github.com/pliu/chatsync/internal/middleware"
	"github.com/pliu/chatsync/internal/models"
	"github.com/pliu/chatsync/internal/store"
	"github.com/pliu/chatsync/internal/store/sqlstore"
)

type testServer struct {
	store  store.Store
	clock  *clock.FakeClock
	tokens *identity.Tokens
	router *mux.Router
}

// newTestServer wires the handlers the way main does, over an in-memory sqlite store.
func newTestServer(t *testing.T) *testServer {
	t.Helper()
	s, err := sqlstore.New("sqlite3", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return newTestServerWith(t, s)
}

func newTestServerWith(t *testing.T, s store.Store) *testServer {
	t.Helper()
	clk := clock.Fake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	log := slog.Default()
	tokens, err := identity.NewTokens("handlers-test-secret", time.Hour, clk)
	if err != nil {
		t.Fatal(err)
	}
	provider := identity.NewProvider(s, clk, log)
	opts := chat.DefaultOptions()

	authHandler := &AuthHandler{Identity: provider, Tokens: tokens, Log: log}
	chatHandler := &ChatHandler{
		Directory: chat.NewDirectory(s, clk, log, opts),
		Ledger:    chat.NewLedger(s, clk, log, opts),
		Identity:  provider,
		Log:       log,
	}

	r := mux.NewRouter()
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

	return &testServer{store: s, clock: clk, tokens: tokens, router: r}
}

func (ts *testServer) do(t *testing.T, method, path string, body any, session *http.Cookie) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req, err := http.NewRequest(method, path, &buf)
	if err != nil {
		t.Fatal(err)
	}
	if session != nil {
		req.AddCookie(session)
	}
	rr := httptest.NewRecorder()
	ts.router.ServeHTTP(rr, req)
	return rr
}

// signup registers a user and returns it with its session cookie.
func (ts *testServer) signup(t *testing.T, username string) (models.User, *http.Cookie) {
	t.Helper()
	rr := ts.do(t, "POST", "/signup", identity.SignUpRequest{
		Username:    username,
		Email:       username + "@example.com",
		Password:    "password123",
		DisplayName: username,
	}, nil)
	if rr.Code != http.StatusCreated {
		t.Fatalf("signup %s: got %v: %s", username, rr.Code, rr.Body.String())
	}
	var user models.User
	if err := json.NewDecoder(rr.Body).Decode(&user); err != nil {
		t.Fatal(err)
	}
	return user, sessionCookie(t, rr)
}

func sessionCookie(t *testing.T, rr *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	for _, c := range rr.Result().Cookies() {
		if c.Name == middleware.SessionCookie {
			return c
		}
	}
	t.Fatal("Expected a session cookie")
	return nil
}

func expectStatus(t *testing.T, rr *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rr.Code != want {
		t.Errorf("handler returned wrong status code: got %v want %v (%s)",
			rr.Code, want, rr.Body.String())
	}
}

// issueFor returns a session cookie for userID without going through signup.
func issueFor(t *testing.T, ts *testServer, userID string) *http.Cookie {
	t.Helper()
	token, err := ts.tokens.IssueToken(userID)
	if err != nil {
		t.Fatal(err)
	}
	return &http.Cookie{Name: middleware.SessionCookie, Value: token}
}
