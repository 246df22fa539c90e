package loopback

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/google/uuid"
)

var (
	_ port.EngineFactory     = (*EngineFactory)(nil)
	_ port.NegotiationEngine = (*Engine)(nil)
)

var (
	ErrClosed       = errors.New("engine closed")
	ErrWrongState   = errors.New("invalid signaling state")
	ErrBadCandidate = errors.New("malformed ICE candidate")
)

type EngineFactory struct {
	// Candidates is how many host candidates each engine gathers.
	Candidates int
}

func NewEngineFactory() *EngineFactory {
	return &EngineFactory{Candidates: 2}
}

func (f *EngineFactory) NewEngine(ctx context.Context, stream port.LocalStream) (port.NegotiationEngine, error) {
	if stream == nil {
		return nil, errors.New("no local stream to attach")
	}
	return &Engine{
		id:         uuid.New().String(),
		candidates: f.Candidates,
		localKinds: trackKinds(stream.Tracks()),
	}, nil
}

func trackKinds(tracks []port.Track) []port.TrackKind {
	kinds := make([]port.TrackKind, 0, len(tracks))
	for _, t := range tracks {
		kinds = append(kinds, t.Kind())
	}
	return kinds
}

// Engine enforces the same ordering rules as a real peer connection:
// an answer needs a remote offer, a remote answer needs a local offer,
// and candidates need a remote description.
type Engine struct {
	id         string
	candidates int
	localKinds []port.TrackKind

	mu         sync.Mutex
	local      *domain.SessionDescription
	remote     *domain.SessionDescription
	applied    []domain.ICECandidate
	closed     bool
	trackFired bool
	onICE      func(*domain.ICECandidate)
	onTrack    func(port.Track)
	remoteOut  []*Track
}

func (e *Engine) sdp(t domain.SDPType) domain.SessionDescription {
	var b strings.Builder
	b.WriteString("v=0\r\n")
	fmt.Fprintf(&b, "o=- %s 2 IN IP4 127.0.0.1\r\n", e.id)
	b.WriteString("s=-\r\nt=0 0\r\n")
	for _, k := range e.localKinds {
		fmt.Fprintf(&b, "m=%s 9 UDP/TLS/RTP/SAVPF 0\r\n", k)
	}
	return domain.SessionDescription{Type: t, SDP: b.String()}
}

func (e *Engine) CreateOffer(ctx context.Context) (domain.SessionDescription, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return domain.SessionDescription{}, ErrClosed
	}
	if e.remote != nil {
		return domain.SessionDescription{}, fmt.Errorf("create offer: %w", ErrWrongState)
	}
	return e.sdp(domain.SDPOffer), nil
}

func (e *Engine) CreateAnswer(ctx context.Context) (domain.SessionDescription, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return domain.SessionDescription{}, ErrClosed
	}
	if e.remote == nil || e.remote.Type != domain.SDPOffer {
		return domain.SessionDescription{}, fmt.Errorf("create answer without remote offer: %w", ErrWrongState)
	}
	return e.sdp(domain.SDPAnswer), nil
}

func (e *Engine) SetLocalDescription(ctx context.Context, desc domain.SessionDescription) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	if desc.Type == domain.SDPAnswer && (e.remote == nil || e.remote.Type != domain.SDPOffer) {
		e.mu.Unlock()
		return fmt.Errorf("local answer without remote offer: %w", ErrWrongState)
	}
	e.local = &desc
	cb := e.onICE
	n := e.candidates
	e.mu.Unlock()

	if cb != nil {
		go e.gather(cb, n)
	}
	e.maybeFireTracks()
	return nil
}

func (e *Engine) gather(cb func(*domain.ICECandidate), n int) {
	for i := 0; i < n; i++ {
		mid := "0"
		idx := uint16(0)
		cb(&domain.ICECandidate{
			Candidate:     fmt.Sprintf("candidate:%d 1 udp %d 127.0.0.1 %d typ host", i+1, 2130706431-i, 50000+i),
			SDPMid:        &mid,
			SDPMLineIndex: &idx,
		})
	}
	cb(nil)
}

func (e *Engine) SetRemoteDescription(ctx context.Context, desc domain.SessionDescription) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	if desc.Type == domain.SDPAnswer && (e.local == nil || e.local.Type != domain.SDPOffer) {
		e.mu.Unlock()
		return fmt.Errorf("remote answer without local offer: %w", ErrWrongState)
	}
	if desc.Type == domain.SDPOffer && e.local != nil {
		e.mu.Unlock()
		return fmt.Errorf("remote offer after local description: %w", ErrWrongState)
	}
	e.remote = &desc
	e.mu.Unlock()

	e.maybeFireTracks()
	return nil
}

func (e *Engine) AddICECandidate(ctx context.Context, candidate domain.ICECandidate) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	if e.remote == nil {
		return fmt.Errorf("candidate before remote description: %w", ErrWrongState)
	}
	if !strings.HasPrefix(candidate.Candidate, "candidate:") {
		return ErrBadCandidate
	}
	e.applied = append(e.applied, candidate)
	return nil
}

// Applied returns the remote candidates applied so far, in order.
func (e *Engine) Applied() []domain.ICECandidate {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]domain.ICECandidate, len(e.applied))
	copy(out, e.applied)
	return out
}

func (e *Engine) OnICECandidate(fn func(*domain.ICECandidate)) {
	e.mu.Lock()
	e.onICE = fn
	e.mu.Unlock()
}

func (e *Engine) OnTrack(fn func(port.Track)) {
	e.mu.Lock()
	e.onTrack = fn
	e.mu.Unlock()
}

// maybeFireTracks emits one remote track per m-line once both
// descriptions are in place.
func (e *Engine) maybeFireTracks() {
	e.mu.Lock()
	if e.closed || e.trackFired || e.local == nil || e.remote == nil || e.onTrack == nil {
		e.mu.Unlock()
		return
	}
	e.trackFired = true
	cb := e.onTrack
	var tracks []*Track
	for _, line := range strings.Split(e.remote.SDP, "\r\n") {
		if kind, ok := strings.CutPrefix(line, "m="); ok {
			kind, _, _ = strings.Cut(kind, " ")
			tracks = append(tracks, newTrack(port.TrackKind(kind), "remote"))
		}
	}
	e.remoteOut = tracks
	e.mu.Unlock()

	go func() {
		for _, t := range tracks {
			cb(t)
		}
	}()
}

func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	for _, t := range e.remoteOut {
		t.Stop()
	}
	return nil
}
