package api

import (
	"net/http"

	"chatline/internal/chat"
	"chatline/internal/models"
)

type ChatsResponse struct {
	Chats      []models.ChatView `json:"chats"`
	Pagination models.Page       `json:"pagination"`
}

func (a *API) ListChatsHandler(w http.ResponseWriter, r *http.Request) {
	views, page, err := a.Chats.ChatsOf(userIDFrom(r.Context()), queryInt(r, "page"), queryInt(r, "limit"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ChatsResponse{Chats: views, Pagination: page})
}

func (a *API) GetChatHandler(w http.ResponseWriter, r *http.Request) {
	view, err := a.Chats.Get(r.PathValue("id"), userIDFrom(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

type PrivateChatRequest struct {
	UserID string `json:"userId"`
}

func (a *API) CreatePrivateChatHandler(w http.ResponseWriter, r *http.Request) {
	var req PrivateChatRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	c, err := a.Chats.CreateOrGetPrivateChat(userIDFrom(r.Context()), req.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

type GroupChatRequest struct {
	Name         string   `json:"name"`
	Description  string   `json:"description"`
	Participants []string `json:"participants"`
}

func (a *API) CreateGroupChatHandler(w http.ResponseWriter, r *http.Request) {
	var req GroupChatRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	c, err := a.Chats.CreateGroupChat(userIDFrom(r.Context()), req.Name, req.Description, req.Participants)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (a *API) UpdateGroupInfoHandler(w http.ResponseWriter, r *http.Request) {
	var req chat.GroupInfoUpdate
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	c, err := a.Chats.UpdateGroupInfo(r.PathValue("id"), userIDFrom(r.Context()), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (a *API) UpdateGroupSettingsHandler(w http.ResponseWriter, r *http.Request) {
	var req models.GroupSettings
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	c, err := a.Chats.UpdateGroupSettings(r.PathValue("id"), userIDFrom(r.Context()), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (a *API) AddParticipantHandler(w http.ResponseWriter, r *http.Request) {
	var req PrivateChatRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	c, err := a.Chats.AddParticipant(r.PathValue("id"), userIDFrom(r.Context()), req.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (a *API) RemoveParticipantHandler(w http.ResponseWriter, r *http.Request) {
	c, err := a.Chats.RemoveParticipant(r.PathValue("id"), userIDFrom(r.Context()), r.PathValue("userId"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (a *API) DeleteChatHandler(w http.ResponseWriter, r *http.Request) {
	if err := a.Chats.Deactivate(r.PathValue("id"), userIDFrom(r.Context())); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) ToggleMuteHandler(w http.ResponseWriter, r *http.Request) {
	muted, err := a.Chats.ToggleMute(r.PathValue("id"), userIDFrom(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"isMuted": muted})
}

func (a *API) TogglePinHandler(w http.ResponseWriter, r *http.Request) {
	pinned, err := a.Chats.TogglePin(r.PathValue("id"), userIDFrom(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"isPinned": pinned})
}
