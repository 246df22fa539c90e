package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// TODO: restrict to the configured UI origin once one is served separately.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// commandDTO is what a browser sends over /ws.
type commandDTO struct {
	Action string `json:"action"`
	PeerID string `json:"peerId,omitempty"`
}

// resultDTO answers a command that failed.
type resultDTO struct {
	Action string           `json:"action"`
	Kind   domain.ErrorKind `json:"kind"`
	Error  string           `json:"error"`
}

// ServeWS streams every state update to the browser and accepts commands
// on the same connection.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("Error while upgrading ws")
		return
	}

	l := log.With().Str("remote_addr", r.RemoteAddr).Logger()
	l.Info().Msg("Presentation client connected")

	updates, cancel := h.Calls.Subscribe()
	results := make(chan resultDTO, 8)
	closed := make(chan struct{})

	go func() {
		defer close(closed)
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(pongWait))
			return nil
		})
		for {
			var req commandDTO
			if err := conn.ReadJSON(&req); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
					l.Error().Err(err).Msg("Unexpected close error")
				}
				return
			}
			if err := h.dispatch(r.Context(), req); err != nil {
				l.Debug().Err(err).Str("action", req.Action).Msg("Command failed")
				select {
				case results <- resultDTO{Action: req.Action, Kind: domain.KindOf(err, ""), Error: err.Error()}:
				default:
				}
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		cancel()
		conn.Close()
		l.Info().Msg("Presentation client disconnected")
	}()

	for {
		select {
		case <-closed:
			return
		case u, ok := <-updates:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(u); err != nil {
				return
			}
		case res := <-results:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(res); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Handler) dispatch(ctx context.Context, req commandDTO) error {
	switch req.Action {
	case "call":
		return h.Calls.StartCall(ctx, domain.CallerID(req.PeerID))
	case "accept":
		return h.Calls.AcceptCall(ctx)
	case "reject":
		return h.Calls.RejectCall(ctx)
	case "hangup":
		return h.Calls.HangUp(ctx)
	case "camera":
		return h.Calls.ToggleCamera(ctx)
	case "microphone":
		return h.Calls.ToggleMicrophone(ctx)
	case "switch_camera":
		return h.Calls.SwitchCamera(ctx)
	}
	return domain.NewError(domain.KindProtocolViolation, "dispatch", fmt.Errorf("unknown action %q", req.Action))
}
