// Package ws is the Message Relay client: a websocket connection to the
// relay server carrying signaling frames.
package ws

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/Wyydra/yacall/internal/adapter/driven/signaling"
	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var _ port.Relay = (*Client)(nil)

var (
	ErrClosed       = errors.New("relay connection closed")
	ErrNotConnected = errors.New("relay not connected")
)

const (
	maxMessageSize = 64 * 1024
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	outboxSize     = 64
)

type Options struct {
	// WriteTimeout bounds each frame write.
	WriteTimeout time.Duration
	Dialer       *websocket.Dialer
}

// Client implements port.Relay over one websocket connection. Frames are
// written by Run; reads happen on their own goroutine.
type Client struct {
	url     string
	localID domain.CallerID
	opts    Options
	log     zerolog.Logger

	outbox  chan signaling.Frame
	signals chan domain.Signal
	quit    chan struct{}
	once    sync.Once

	mu   sync.Mutex
	conn *websocket.Conn
}

func NewClient(relayURL string, localID domain.CallerID, opts Options) *Client {
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	return &Client{
		url:     relayURL,
		localID: localID,
		opts:    opts,
		log:     log.With().Str("component", "relay").Str("local_id", localID.String()).Logger(),
		outbox:  make(chan signaling.Frame, outboxSize),
		signals: make(chan domain.Signal),
		quit:    make(chan struct{}),
	}
}

// Endpoint returns the relay URL with our caller id as query parameter.
func (c *Client) Endpoint() (string, error) {
	u, err := url.Parse(c.url)
	if err != nil {
		return "", fmt.Errorf("parse relay url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	q := u.Query()
	q.Set("callerId", c.localID.String())
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Connect dials the relay. It must be called once before Run.
func (c *Client) Connect(ctx context.Context) error {
	endpoint, err := c.Endpoint()
	if err != nil {
		return err
	}
	conn, resp, err := c.opts.Dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial relay %s: %s: %w", endpoint, resp.Status, err)
		}
		return fmt.Errorf("dial relay %s: %w", endpoint, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.log.Info().Str("url", endpoint).Msg("Connected to relay")
	return nil
}

func (c *Client) Signals() <-chan domain.Signal {
	return c.signals
}

// Send encodes sig and queues it for the write pump.
func (c *Client) Send(ctx context.Context, sig domain.Signal) error {
	if sig.From == "" {
		sig.From = c.localID
	}
	frame, err := signaling.Encode(sig)
	if err != nil {
		return err
	}

	select {
	case <-c.quit:
		return ErrClosed
	default:
	}
	select {
	case c.outbox <- frame:
		return nil
	case <-c.quit:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops Run and closes the connection. Safe to call more than once.
func (c *Client) Close() error {
	c.once.Do(func() {
		close(c.quit)
	})
	return nil
}
