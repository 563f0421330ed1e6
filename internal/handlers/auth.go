package handlers

import (
	"log/slog"
	"net/http"

	"github.com/pliu/chatsync/internal/identity"
	"github.com/pliu/chatsync/internal/middleware"
	"github.com/pliu/chatsync/internal/models"
)

type Credentials struct {
	// Login is a username or an email address.
	Login    string `json:"login"`
	Password string `json:"password"`
}

type AuthHandler struct {
	Identity      *identity.Provider
	Tokens        *identity.Tokens
	SecureCookies bool
	Log           *slog.Logger
}

func (h *AuthHandler) Signup(w http.ResponseWriter, r *http.Request) {
	var req identity.SignUpRequest
	if err := decode(r, &req); err != nil {
		writeError(w, h.Log, err)
		return
	}

	user, err := h.Identity.SignUp(r.Context(), req)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	if err := h.startSession(w, user); err != nil {
		writeError(w, h.Log, err)
		return
	}

	writeJSON(w, http.StatusCreated, user)
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var creds Credentials
	if err := decode(r, &creds); err != nil {
		writeError(w, h.Log, err)
		return
	}

	user, err := h.Identity.SignIn(r.Context(), creds.Login, creds.Password)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	if err := h.startSession(w, user); err != nil {
		writeError(w, h.Log, err)
		return
	}

	writeJSON(w, http.StatusOK, user)
}

func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     middleware.SessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	})
	w.WriteHeader(http.StatusNoContent)
}

func (h *AuthHandler) SearchUsers(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	users, err := h.Identity.Search(r.Context(), query, middleware.UserID(r.Context()))
	if err != nil {
		writeError(w, h.Log, err)
		return
	}

	writeJSON(w, http.StatusOK, users)
}

func (h *AuthHandler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	var update identity.ProfileUpdate
	if err := decode(r, &update); err != nil {
		writeError(w, h.Log, err)
		return
	}

	user, err := h.Identity.UpdateProfile(r.Context(), middleware.UserID(r.Context()), update)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}

	writeJSON(w, http.StatusOK, user)
}

func (h *AuthHandler) startSession(w http.ResponseWriter, user *models.User) error {
	token, err := h.Tokens.IssueToken(user.ID)
	if err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     middleware.SessionCookie,
		Value:    token,
		Path:     "/",
		MaxAge:   int(h.Tokens.TTL().Seconds()),
		HttpOnly: true,
		Secure:   h.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}
