// Package pion implements media capture and negotiation on pion/webrtc.
package pion

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	_ port.EngineFactory     = (*EngineFactory)(nil)
	_ port.NegotiationEngine = (*Engine)(nil)
)

var ErrClosed = errors.New("peer connection closed")

const DefaultSTUN = "stun:stun.l.google.com:19302"

type Config struct {
	ICEServers []string
	// ICE timeouts; all three must be set to override pion's defaults.
	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration
	KeepAlive           time.Duration
	// PLIInterval is how often a keyframe is requested on remote video.
	PLIInterval     time.Duration
	IncludeLoopback bool
}

func DefaultConfig() Config {
	return Config{
		ICEServers:          []string{DefaultSTUN},
		DisconnectedTimeout: 30 * time.Second,
		FailedTimeout:       120 * time.Second,
		KeepAlive:           2 * time.Second,
		PLIInterval:         3 * time.Second,
	}
}

// CodecRegistrar registers the codecs a MediaEngine may negotiate.
type CodecRegistrar func(*webrtc.MediaEngine) error

func DefaultCodecs(m *webrtc.MediaEngine) error {
	return m.RegisterDefaultCodecs()
}

// TrackReplacer swaps the track sent for the kind of track.
type TrackReplacer interface {
	ReplaceTrack(track webrtc.TrackLocal) error
}

// Source is a local stream whose tracks can be sent on a peer connection.
// Attach registers an engine to be told when a track is replaced.
type Source interface {
	LocalTracks() []webrtc.TrackLocal
	Attach(TrackReplacer) (detach func())
}

type EngineFactory struct {
	api *webrtc.API
	rtc webrtc.Configuration
	pli time.Duration
}

func NewEngineFactory(cfg Config, codecs CodecRegistrar) (*EngineFactory, error) {
	if codecs == nil {
		codecs = DefaultCodecs
	}
	m := &webrtc.MediaEngine{}
	if err := codecs(m); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	se := webrtc.SettingEngine{}
	if cfg.DisconnectedTimeout > 0 && cfg.FailedTimeout > 0 && cfg.KeepAlive > 0 {
		se.SetICETimeouts(cfg.DisconnectedTimeout, cfg.FailedTimeout, cfg.KeepAlive)
	}
	se.SetIncludeLoopbackCandidate(cfg.IncludeLoopback)

	var servers []webrtc.ICEServer
	if len(cfg.ICEServers) > 0 {
		servers = append(servers, webrtc.ICEServer{URLs: cfg.ICEServers})
	}
	pli := cfg.PLIInterval
	if pli <= 0 {
		pli = 3 * time.Second
	}

	return &EngineFactory{
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(m),
			webrtc.WithInterceptorRegistry(registry),
			webrtc.WithSettingEngine(se),
		),
		rtc: webrtc.Configuration{ICEServers: servers},
		pli: pli,
	}, nil
}

func (f *EngineFactory) NewEngine(ctx context.Context, stream port.LocalStream) (port.NegotiationEngine, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pc, err := f.api.NewPeerConnection(f.rtc)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	e := &Engine{
		pc:      pc,
		pli:     f.pli,
		senders: make(map[webrtc.RTPCodecType]*webrtc.RTPSender),
		log:     log.With().Str("component", "pion").Logger(),
	}

	src, ok := stream.(Source)
	if !ok {
		e.log.Warn().Msg("Local stream cannot be sent, negotiating receive-only")
		if err := addRecvOnlyTransceivers(pc); err != nil {
			pc.Close()
			return nil, err
		}
	} else {
		for _, t := range src.LocalTracks() {
			sender, err := pc.AddTrack(t)
			if err != nil {
				pc.Close()
				return nil, fmt.Errorf("add %s track: %w", t.Kind(), err)
			}
			e.senders[t.Kind()] = sender
			go drainRTCP(sender)
		}
		e.detach = src.Attach(e)
	}

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		e.log.Debug().Str("state", s.String()).Msg("Peer connection state changed")
	})
	return e, nil
}

// drainRTCP reads RTCP for a sender so interceptors keep running.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

// addRecvOnlyTransceivers makes offers carry audio and video m-lines when
// there is nothing to send.
func addRecvOnlyTransceivers(pc *webrtc.PeerConnection) error {
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			return fmt.Errorf("add %s transceiver: %w", kind, err)
		}
	}
	return nil
}

// Engine wraps one PeerConnection.
type Engine struct {
	pc      *webrtc.PeerConnection
	pli     time.Duration
	senders map[webrtc.RTPCodecType]*webrtc.RTPSender
	detach  func()
	log     zerolog.Logger

	mu     sync.Mutex
	closed bool
	remote []*remoteTrack
}

func (e *Engine) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	return nil
}

func (e *Engine) CreateOffer(ctx context.Context) (domain.SessionDescription, error) {
	if err := e.check(ctx); err != nil {
		return domain.SessionDescription{}, err
	}
	offer, err := e.pc.CreateOffer(nil)
	if err != nil {
		return domain.SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	return fromPion(offer), nil
}

func (e *Engine) CreateAnswer(ctx context.Context) (domain.SessionDescription, error) {
	if err := e.check(ctx); err != nil {
		return domain.SessionDescription{}, err
	}
	answer, err := e.pc.CreateAnswer(nil)
	if err != nil {
		return domain.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	return fromPion(answer), nil
}

func (e *Engine) SetLocalDescription(ctx context.Context, desc domain.SessionDescription) error {
	if err := e.check(ctx); err != nil {
		return err
	}
	d, err := toPion(desc)
	if err != nil {
		return err
	}
	if err := e.pc.SetLocalDescription(d); err != nil {
		return fmt.Errorf("set local %s: %w", desc.Type, err)
	}
	return nil
}

func (e *Engine) SetRemoteDescription(ctx context.Context, desc domain.SessionDescription) error {
	if err := e.check(ctx); err != nil {
		return err
	}
	d, err := toPion(desc)
	if err != nil {
		return err
	}
	if err := e.pc.SetRemoteDescription(d); err != nil {
		return fmt.Errorf("set remote %s: %w", desc.Type, err)
	}
	return nil
}

func (e *Engine) AddICECandidate(ctx context.Context, c domain.ICECandidate) error {
	if err := e.check(ctx); err != nil {
		return err
	}
	return e.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     c.Candidate,
		SDPMid:        c.SDPMid,
		SDPMLineIndex: c.SDPMLineIndex,
	})
}

// OnICECandidate reports gathered candidates; nil marks the end of gathering.
func (e *Engine) OnICECandidate(fn func(*domain.ICECandidate)) {
	e.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			fn(nil)
			return
		}
		init := c.ToJSON()
		fn(&domain.ICECandidate{
			Candidate:     init.Candidate,
			SDPMid:        init.SDPMid,
			SDPMLineIndex: init.SDPMLineIndex,
		})
	})
}

func (e *Engine) OnTrack(fn func(port.Track)) {
	e.pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		t := newRemoteTrack(remote)
		e.mu.Lock()
		if e.closed {
			e.mu.Unlock()
			return
		}
		e.remote = append(e.remote, t)
		e.mu.Unlock()

		e.log.Debug().Str("kind", remote.Kind().String()).Str("track_id", remote.ID()).Msg("Received remote track")
		go t.consume()
		if remote.Kind() == webrtc.RTPCodecTypeVideo {
			go e.requestKeyframes(t)
		}
		fn(t)
	})
}

// requestKeyframes sends a PLI right away and then every pli interval
// until the track is stopped.
func (e *Engine) requestKeyframes(t *remoteTrack) {
	ticker := time.NewTicker(e.pli)
	defer ticker.Stop()
	for {
		if err := e.pc.WriteRTCP(pictureLoss(t.remote.SSRC())); err != nil {
			if e.pc.ConnectionState() == webrtc.PeerConnectionStateClosed {
				return
			}
		}
		select {
		case <-t.done:
			return
		case <-ticker.C:
		}
	}
}

// ReplaceTrack sends track in place of the current track of the same kind.
func (e *Engine) ReplaceTrack(track webrtc.TrackLocal) error {
	sender, ok := e.senders[track.Kind()]
	if !ok {
		return fmt.Errorf("no %s sender", track.Kind())
	}
	return sender.ReplaceTrack(track)
}

func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	remote := e.remote
	e.remote = nil
	e.mu.Unlock()

	if e.detach != nil {
		e.detach()
	}
	for _, t := range remote {
		t.Stop()
		e.log.Debug().Str("track_id", t.ID()).Uint64("packets", t.Packets()).Msg("Remote track stopped")
	}
	return e.pc.Close()
}

func fromPion(d webrtc.SessionDescription) domain.SessionDescription {
	return domain.SessionDescription{Type: domain.SDPType(d.Type.String()), SDP: d.SDP}
}

func toPion(d domain.SessionDescription) (webrtc.SessionDescription, error) {
	t := webrtc.NewSDPType(string(d.Type))
	if t != webrtc.SDPTypeOffer && t != webrtc.SDPTypeAnswer {
		return webrtc.SessionDescription{}, fmt.Errorf("unsupported description type %q", d.Type)
	}
	return webrtc.SessionDescription{Type: t, SDP: d.SDP}, nil
}
