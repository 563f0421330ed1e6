package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/pliu/chatsync/internal/chat"
	"github.com/pliu/chatsync/internal/errs"
	"github.com/pliu/chatsync/internal/identity"
	"github.com/pliu/chatsync/internal/middleware"
	"github.com/pliu/chatsync/internal/models"
)

type ChatHandler struct {
	Directory *chat.Directory
	Ledger    *chat.Ledger
	Identity  *identity.Provider
	Log       *slog.Logger
}

// CreateChatRequest names either one other participant or a group.
type CreateChatRequest struct {
	ParticipantID  string   `json:"participantId"`
	ParticipantIDs []string `json:"participantIds"`
	Name           string   `json:"name"`
}

func (h *ChatHandler) CreateChat(w http.ResponseWriter, r *http.Request) {
	var req CreateChatRequest
	if err := decode(r, &req); err != nil {
		writeError(w, h.Log, err)
		return
	}

	ctx := r.Context()
	caller, err := h.Identity.Resolve(ctx, middleware.UserID(ctx))
	if err != nil {
		writeError(w, h.Log, err)
		return
	}

	var created models.Chat
	switch {
	case req.ParticipantID != "" && len(req.ParticipantIDs) == 0:
		other, err := h.Identity.Resolve(ctx, req.ParticipantID)
		if err != nil {
			writeError(w, h.Log, err)
			return
		}
		created, err = h.Directory.CreateChat(ctx, caller, other)
		if err != nil {
			writeError(w, h.Log, err)
			return
		}
	case req.ParticipantID == "" && len(req.ParticipantIDs) > 0:
		others, err := h.Identity.ResolveAll(ctx, req.ParticipantIDs)
		if err != nil {
			writeError(w, h.Log, err)
			return
		}
		created, err = h.Directory.CreateGroupChat(ctx, caller, others, req.Name)
		if err != nil {
			writeError(w, h.Log, err)
			return
		}
	default:
		writeError(w, h.Log, errs.Validation("set either participantId or participantIds"))
		return
	}

	writeJSON(w, http.StatusOK, created)
}

func (h *ChatHandler) GetChats(w http.ResponseWriter, r *http.Request) {
	chats, err := h.Directory.ListChats(r.Context(), middleware.UserID(r.Context()))
	if err != nil {
		writeError(w, h.Log, err)
		return
	}

	writeJSON(w, http.StatusOK, chats)
}

func (h *ChatHandler) DeleteChat(w http.ResponseWriter, r *http.Request) {
	chatID := mux.Vars(r)["id"]
	if _, err := h.authorize(r.Context(), chatID); err != nil {
		writeError(w, h.Log, err)
		return
	}

	if err := h.Directory.DeleteChat(r.Context(), chatID); err != nil {
		writeError(w, h.Log, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *ChatHandler) GetChatMessages(w http.ResponseWriter, r *http.Request) {
	chatID := mux.Vars(r)["id"]
	if _, err := h.authorize(r.Context(), chatID); err != nil {
		writeError(w, h.Log, err)
		return
	}

	messages, err := h.Ledger.ListMessages(r.Context(), chatID)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}

	writeJSON(w, http.StatusOK, messages)
}

func (h *ChatHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	chatID := mux.Vars(r)["id"]
	var draft chat.Draft
	if err := decode(r, &draft); err != nil {
		writeError(w, h.Log, err)
		return
	}

	ctx := r.Context()
	if _, err := h.authorize(ctx, chatID); err != nil {
		writeError(w, h.Log, err)
		return
	}
	sender, err := h.Identity.Resolve(ctx, middleware.UserID(ctx))
	if err != nil {
		writeError(w, h.Log, err)
		return
	}

	message, err := h.Ledger.Append(ctx, chatID, sender, draft)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}

	writeJSON(w, http.StatusCreated, message)
}

// authorize loads the chat and checks that the caller takes part in it.
func (h *ChatHandler) authorize(ctx context.Context, chatID string) (models.Chat, error) {
	c, err := h.Directory.GetChat(ctx, chatID)
	if err != nil {
		return models.Chat{}, err
	}
	if !c.HasParticipant(middleware.UserID(ctx)) {
		return models.Chat{}, errs.Forbidden("not a participant of chat %s", chatID)
	}
	return c, nil
}
