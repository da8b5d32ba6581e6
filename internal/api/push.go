package api

import (
	"fmt"
	"net/http"
	"time"

	"chatline/internal/models"
)

// PushSubscriptionRequest is the browser's PushSubscription JSON.
type PushSubscriptionRequest struct {
	Endpoint string `json:"endpoint"`
	Keys     struct {
		Auth   string `json:"auth"`
		P256dh string `json:"p256dh"`
	} `json:"keys"`
}

func (a *API) SubscribePushHandler(w http.ResponseWriter, r *http.Request) {
	var req PushSubscriptionRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Endpoint == "" || req.Keys.Auth == "" || req.Keys.P256dh == "" {
		writeError(w, fmt.Errorf("%w: endpoint and keys are required", models.ErrInvalidArgument))
		return
	}
	err := a.Store.UpsertPushSubscription(models.PushSubscription{
		UserID:    userIDFrom(r.Context()),
		Endpoint:  req.Endpoint,
		Auth:      req.Keys.Auth,
		P256dh:    req.Keys.P256dh,
		CreatedAt: time.Now().Unix(),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) UnsubscribePushHandler(w http.ResponseWriter, r *http.Request) {
	var req PushSubscriptionRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := a.Store.DeletePushSubscription(userIDFrom(r.Context()), req.Endpoint); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) VAPIDKeyHandler(w http.ResponseWriter, r *http.Request) {
	if a.VAPIDPublicKey == "" {
		writeError(w, fmt.Errorf("%w: push notifications are disabled", models.ErrNotFound))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"publicKey": a.VAPIDPublicKey})
}
