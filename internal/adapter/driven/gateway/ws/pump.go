package ws

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Wyydra/yacall/internal/adapter/driven/signaling"
	"github.com/gorilla/websocket"
)

// Run pumps frames between the relay and the call service until ctx is
// cancelled, Close is called, or the connection drops. The Signals channel
// is closed when it returns.
func (c *Client) Run(ctx context.Context) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		close(c.signals)
		return ErrNotConnected
	}

	readErr := make(chan error, 1)
	go func() {
		readErr <- c.readPump(conn)
	}()

	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			c.shutdown(conn)
			<-readErr
			return nil

		case <-c.quit:
			c.shutdown(conn)
			<-readErr
			return nil

		case err := <-readErr:
			c.Close()
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Info().Msg("Relay closed the connection")
				return nil
			}
			c.log.Error().Err(err).Msg("Relay connection lost")
			return err

		case frame := <-c.outbox:
			conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
			if err := conn.WriteJSON(frame); err != nil {
				c.log.Error().Err(err).Str("event", string(frame.Event)).Msg("Failed to write frame")
				c.Close()
				conn.Close()
				<-readErr
				return err
			}
			c.log.Debug().Str("event", string(frame.Event)).Msg("Frame sent")

		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.WriteTimeout)); err != nil {
				c.log.Warn().Err(err).Msg("Failed to ping relay")
			}
		}
	}
}

// shutdown flushes queued frames, sends a close frame and gives the relay
// a moment to answer it before the read pump is unblocked.
func (c *Client) shutdown(conn *websocket.Conn) {
	c.Close()
	for flushed := false; !flushed; {
		select {
		case frame := <-c.outbox:
			conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
			if err := conn.WriteJSON(frame); err != nil {
				conn.Close()
				return
			}
		default:
			flushed = true
		}
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")
	if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.opts.WriteTimeout)); err != nil {
		conn.Close()
		return
	}
	conn.SetReadDeadline(time.Now().Add(time.Second))
}

// readPump decodes inbound frames onto the Signals channel. It is the only
// reader of conn.
func (c *Client) readPump(conn *websocket.Conn) error {
	defer close(c.signals)

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var frame signaling.Frame
		if err := json.Unmarshal(raw, &frame); err != nil {
			c.log.Warn().Err(err).Msg("Could not unmarshal relay frame, ignoring")
			continue
		}
		sig, err := signaling.Decode(frame)
		if err != nil {
			c.log.Warn().Err(err).Str("event", string(frame.Event)).Msg("Could not decode relay frame, ignoring")
			continue
		}

		select {
		case c.signals <- sig:
		case <-c.quit:
			return nil
		}
	}
}
