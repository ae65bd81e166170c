package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	apperrors "github.com/reefmind/posepair/internal/errors"
	"github.com/reefmind/posepair/internal/httputil"
	"github.com/reefmind/posepair/internal/model"
	"github.com/reefmind/posepair/internal/session"
)

// SessionController is the part of session.Controller the HTTP surface drives.
type SessionController interface {
	Snapshot() session.Snapshot
	Request(ctx context.Context, targetID string) error
	Accept(ctx context.Context) error
	Decline(ctx context.Context) error
	Cancel(ctx context.Context) error
	SetPose(ctx context.Context, pose string) error
	End(ctx context.Context) error
	Resync(ctx context.Context) error
	ReconnectAnalysis(ctx context.Context) error
}

type InviteLister interface {
	ListInvites(ctx context.Context, userID string) ([]model.Notification, error)
}

type SessionHandler struct {
	controller  SessionController
	invites     InviteLister
	userID      string
	joinLimiter func(http.Handler) http.Handler
}

// NewSessionHandler wires the session routes. joinLimiter wraps only the join
// request route and may be nil.
func NewSessionHandler(controller SessionController, invites InviteLister, userID string, joinLimiter func(http.Handler) http.Handler) *SessionHandler {
	return &SessionHandler{
		controller:  controller,
		invites:     invites,
		userID:      userID,
		joinLimiter: joinLimiter,
	}
}

func (h *SessionHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/", h.GetSession)
	r.Get("/invites", h.ListInvites)
	r.Get("/poses", h.ListPoses)

	r.Group(func(r chi.Router) {
		if h.joinLimiter != nil {
			r.Use(h.joinLimiter)
		}
		r.Post("/request", h.Request)
	})

	r.Post("/accept", h.action("accept", h.controller.Accept))
	r.Post("/decline", h.action("decline", h.controller.Decline))
	r.Post("/cancel", h.action("cancel", h.controller.Cancel))
	r.Post("/end", h.action("end", h.controller.End))
	r.Post("/resync", h.action("resync", h.controller.Resync))
	r.Post("/analysis/reconnect", h.action("reconnect analysis", h.controller.ReconnectAnalysis))
	r.Post("/pose", h.SetPose)

	return r
}

// GET /v1/session
func (h *SessionHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.controller.Snapshot())
}

// GET /v1/session/invites
func (h *SessionHandler) ListInvites(w http.ResponseWriter, r *http.Request) {
	invites, err := h.invites.ListInvites(r.Context(), h.userID)
	if err != nil {
		log.Error().Err(err).Msg("failed to list invites")
		httputil.WriteError(w, err)
		return
	}

	items := make([]map[string]any, 0, len(invites))
	for _, n := range invites {
		items = append(items, map[string]any{
			"id":        n.ID,
			"roomId":    n.RoomID,
			"senderId":  n.SenderID,
			"createdAt": n.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// GET /v1/session/poses
func (h *SessionHandler) ListPoses(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"items": model.KnownPoses()})
}

// POST /v1/session/request
func (h *SessionHandler) Request(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TargetID string `json:"targetId"`
	}
	if err := decodeJSON(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}
	if req.TargetID == "" {
		httputil.WriteError(w, apperrors.MissingRequired("targetId"))
		return
	}

	if err := h.controller.Request(r.Context(), req.TargetID); err != nil {
		h.writeActionError(w, "request", err)
		return
	}
	writeJSON(w, http.StatusAccepted, h.controller.Snapshot())
}

// POST /v1/session/pose
func (h *SessionHandler) SetPose(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Pose string `json:"pose"`
	}
	if err := decodeJSON(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}

	if err := h.controller.SetPose(r.Context(), req.Pose); err != nil {
		h.writeActionError(w, "set pose", err)
		return
	}
	writeJSON(w, http.StatusOK, h.controller.Snapshot())
}

func (h *SessionHandler) action(name string, fn func(context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := fn(r.Context()); err != nil {
			h.writeActionError(w, name, err)
			return
		}
		writeJSON(w, http.StatusOK, h.controller.Snapshot())
	}
}

func (h *SessionHandler) writeActionError(w http.ResponseWriter, action string, err error) {
	if apperrors.IsBlockedAction(err) {
		log.Debug().Err(err).Str("action", action).Msg("session action blocked")
	} else {
		log.Error().Err(err).Str("action", action).Msg("session action failed")
	}
	httputil.WriteError(w, err)
}
