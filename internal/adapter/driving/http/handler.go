// Package http exposes the call service to a presentation layer over
// REST commands and a websocket state stream.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
)

// Calls is the part of the call service the presentation layer drives.
type Calls interface {
	LocalID() domain.CallerID
	StartCall(ctx context.Context, peerID domain.CallerID) error
	AcceptCall(ctx context.Context) error
	RejectCall(ctx context.Context) error
	HangUp(ctx context.Context) error
	ToggleCamera(ctx context.Context) error
	ToggleMicrophone(ctx context.Context) error
	SwitchCamera(ctx context.Context) error
	Snapshot() domain.Snapshot
	Subscribe() (<-chan domain.Update, func())
}

type Handler struct {
	Calls Calls
	// StaticDir, when set, is served at the root.
	StaticDir string
}

func NewHandler(calls Calls, staticDir string) *Handler {
	return &Handler{Calls: calls, StaticDir: staticDir}
}

func (h *Handler) NewRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/state", h.state)
	r.Post("/call/{peerID}", h.startCall)
	r.Post("/accept", h.command(Calls.AcceptCall))
	r.Post("/reject", h.command(Calls.RejectCall))
	r.Post("/hangup", h.command(Calls.HangUp))
	r.Post("/camera", h.command(Calls.ToggleCamera))
	r.Post("/microphone", h.command(Calls.ToggleMicrophone))
	r.Post("/camera/switch", h.command(Calls.SwitchCamera))
	r.Get("/ws", h.ServeWS)

	if h.StaticDir != "" {
		r.Handle("/*", http.FileServer(http.Dir(h.StaticDir)))
	}
	return r
}

type errorDTO struct {
	Kind  domain.ErrorKind `json:"kind"`
	Error string           `json:"error"`
}

func (h *Handler) state(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Calls.Snapshot())
}

func (h *Handler) startCall(w http.ResponseWriter, r *http.Request) {
	peer := domain.CallerID(chi.URLParam(r, "peerID"))
	h.reply(w, h.Calls.StartCall(r.Context(), peer))
}

func (h *Handler) command(fn func(Calls, context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.reply(w, fn(h.Calls, r.Context()))
	}
}

// reply answers with the state after the command, or the error.
func (h *Handler) reply(w http.ResponseWriter, err error) {
	if err != nil {
		kind := domain.KindOf(err, "")
		status := statusOf(err)
		ev := log.Debug()
		switch {
		case status >= http.StatusInternalServerError:
			ev = log.Error()
		case kind != "" && !kind.Recoverable():
			ev = log.Warn()
		}
		ev.Err(err).Str("kind", string(kind)).Msg("Command failed")
		writeJSON(w, status, errorDTO{Kind: kind, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, h.Calls.Snapshot())
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidTarget):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrCallInProgress), errors.Is(err, domain.ErrProtocolViolation):
		return http.StatusConflict
	case errors.Is(err, domain.ErrMediaUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrNetworkMismatch):
		return http.StatusForbidden
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("Failed to write response")
	}
}
