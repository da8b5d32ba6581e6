package api

import (
	"net/http"

	"chatline/internal/messages"
	"chatline/internal/models"
)

type MessagesResponse struct {
	Messages   []models.Message `json:"messages"`
	Pagination models.Page      `json:"pagination"`
}

func (a *API) ListMessagesHandler(w http.ResponseWriter, r *http.Request) {
	msgs, page, err := a.Messages.List(r.PathValue("id"), userIDFrom(r.Context()), queryInt(r, "page"), queryInt(r, "limit"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, MessagesResponse{Messages: msgs, Pagination: page})
}

func (a *API) SearchMessagesHandler(w http.ResponseWriter, r *http.Request) {
	msgs, page, err := a.Messages.Search(r.PathValue("id"), userIDFrom(r.Context()), r.URL.Query().Get("q"), queryInt(r, "page"), queryInt(r, "limit"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, MessagesResponse{Messages: msgs, Pagination: page})
}

type SendMessageRequest struct {
	Content     string              `json:"content"`
	MessageType models.MessageType  `json:"messageType"`
	Attachments []models.Attachment `json:"attachments"`
	ReplyTo     string              `json:"replyTo"`
}

func (a *API) SendMessageHandler(w http.ResponseWriter, r *http.Request) {
	var req SendMessageRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	msg, err := a.Messages.Create(r.Context(), messages.CreateRequest{
		SenderID:    userIDFrom(r.Context()),
		ChatID:      r.PathValue("id"),
		Content:     req.Content,
		Type:        req.MessageType,
		Attachments: req.Attachments,
		ReplyTo:     req.ReplyTo,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (a *API) GetMessageHandler(w http.ResponseWriter, r *http.Request) {
	msg, err := a.Messages.Get(r.PathValue("id"), userIDFrom(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

type EditMessageRequest struct {
	Content string `json:"content"`
}

func (a *API) EditMessageHandler(w http.ResponseWriter, r *http.Request) {
	var req EditMessageRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	msg, err := a.Messages.Edit(r.Context(), r.PathValue("id"), userIDFrom(r.Context()), req.Content)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (a *API) DeleteMessageHandler(w http.ResponseWriter, r *http.Request) {
	if err := a.Messages.SoftDelete(r.Context(), r.PathValue("id"), userIDFrom(r.Context())); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type MarkReadRequest struct {
	MessageID string `json:"messageId"`
}

type UnreadResponse struct {
	ChatID      string `json:"chatId"`
	UnreadCount int    `json:"unreadCount"`
}

// MarkReadHandler marks one message, or the whole chat when the body has
// no messageId, as read.
func (a *API) MarkReadHandler(w http.ResponseWriter, r *http.Request) {
	var req MarkReadRequest
	if r.ContentLength != 0 {
		if err := decode(w, r, &req); err != nil {
			writeError(w, err)
			return
		}
	}
	chatID := r.PathValue("id")
	n, err := a.Unread.MarkRead(r.Context(), chatID, userIDFrom(r.Context()), req.MessageID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, UnreadResponse{ChatID: chatID, UnreadCount: n})
}

func (a *API) UnreadCountHandler(w http.ResponseWriter, r *http.Request) {
	chatID := r.PathValue("id")
	n, err := a.Unread.Get(chatID, userIDFrom(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, UnreadResponse{ChatID: chatID, UnreadCount: n})
}

// SyncUnreadHandler rebuilds the counter from history. Clients call it
// after reconnecting.
func (a *API) SyncUnreadHandler(w http.ResponseWriter, r *http.Request) {
	chatID := r.PathValue("id")
	n, err := a.Unread.Reconcile(chatID, userIDFrom(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, UnreadResponse{ChatID: chatID, UnreadCount: n})
}
