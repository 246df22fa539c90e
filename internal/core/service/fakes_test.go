package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/stretchr/testify/require"
)

type fakeRelay struct {
	mu   sync.Mutex
	sent []domain.Signal
	in   chan domain.Signal
	err  error
}

func newFakeRelay() *fakeRelay {
	return &fakeRelay{in: make(chan domain.Signal, 64)}
}

func (r *fakeRelay) Send(_ context.Context, sig domain.Signal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.sent = append(r.sent, sig)
	return nil
}

func (r *fakeRelay) Signals() <-chan domain.Signal {
	return r.in
}

func (r *fakeRelay) deliver(sig domain.Signal) {
	r.in <- sig
}

func (r *fakeRelay) sentOf(kind domain.SignalKind) []domain.Signal {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Signal
	for _, s := range r.sent {
		if s.Kind == kind {
			out = append(out, s)
		}
	}
	return out
}

func (r *fakeRelay) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

type fakeTrack struct {
	id   string
	kind port.TrackKind

	mu      sync.Mutex
	enabled bool
	stops   int
}

func newFakeTrack(id string, kind port.TrackKind) *fakeTrack {
	return &fakeTrack{id: id, kind: kind, enabled: true}
}

func (t *fakeTrack) ID() string { return t.id }

func (t *fakeTrack) Kind() port.TrackKind { return t.kind }

func (t *fakeTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *fakeTrack) SetEnabled(enabled bool) {
	t.mu.Lock()
	t.enabled = enabled
	t.mu.Unlock()
}

func (t *fakeTrack) Stop() {
	t.mu.Lock()
	t.stops++
	t.mu.Unlock()
}

func (t *fakeTrack) stopCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stops
}

type fakeStream struct {
	audio, video *fakeTrack

	mu       sync.Mutex
	stopped  bool
	switches int
}

func newFakeStream() *fakeStream {
	return &fakeStream{
		audio: newFakeTrack("mic", port.TrackAudio),
		video: newFakeTrack("cam", port.TrackVideo),
	}
}

func (s *fakeStream) Tracks() []port.Track {
	return []port.Track{s.audio, s.video}
}

func (s *fakeStream) SetEnabled(kind port.TrackKind, enabled bool) {
	if kind == port.TrackVideo {
		s.video.SetEnabled(enabled)
		return
	}
	s.audio.SetEnabled(enabled)
}

func (s *fakeStream) SwitchCamera(context.Context) error {
	s.mu.Lock()
	s.switches++
	s.mu.Unlock()
	return nil
}

func (s *fakeStream) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()
	s.audio.Stop()
	s.video.Stop()
}

type fakeCapture struct {
	mu      sync.Mutex
	err     error
	streams []*fakeStream
	last    port.Constraints
}

func (c *fakeCapture) EnumerateDevices(context.Context) ([]port.Device, error) {
	return []port.Device{
		{ID: "rear", Kind: port.DeviceVideoInput, Facing: port.FacingEnvironment},
		{ID: "selfie", Kind: port.DeviceVideoInput, Facing: port.FacingFront},
	}, nil
}

func (c *fakeCapture) Acquire(_ context.Context, constraints port.Constraints) (port.LocalStream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.last = constraints
	if c.err != nil {
		return nil, c.err
	}
	s := newFakeStream()
	c.streams = append(c.streams, s)
	return s, nil
}

func (c *fakeCapture) stream(i int) *fakeStream {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i >= len(c.streams) {
		return nil
	}
	return c.streams[i]
}

// fakeEngine records every call in order and emits a remote track once
// both descriptions are set.
type fakeEngine struct {
	mu         sync.Mutex
	calls      []string
	local      bool
	remote     bool
	fired      bool
	closes     int
	onICE      func(*domain.ICECandidate)
	onTrack    func(port.Track)
	offerErr   error
	remoteErr  error
	iceErr     error
	offerGate  chan struct{}
	answerGate chan struct{}
	gathered   []string
	track      *fakeTrack
}

func (e *fakeEngine) record(call string) {
	e.mu.Lock()
	e.calls = append(e.calls, call)
	e.mu.Unlock()
}

func (e *fakeEngine) callLog() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.calls))
	copy(out, e.calls)
	return out
}

func (e *fakeEngine) CreateOffer(ctx context.Context) (domain.SessionDescription, error) {
	e.record("create-offer")
	if e.offerGate != nil {
		select {
		case <-e.offerGate:
		case <-ctx.Done():
			return domain.SessionDescription{}, ctx.Err()
		}
	}
	if e.offerErr != nil {
		return domain.SessionDescription{}, e.offerErr
	}
	return domain.SessionDescription{Type: domain.SDPOffer, SDP: "offer-sdp"}, nil
}

func (e *fakeEngine) CreateAnswer(ctx context.Context) (domain.SessionDescription, error) {
	e.record("create-answer")
	if e.answerGate != nil {
		select {
		case <-e.answerGate:
		case <-ctx.Done():
			return domain.SessionDescription{}, ctx.Err()
		}
	}
	return domain.SessionDescription{Type: domain.SDPAnswer, SDP: "answer-sdp"}, nil
}

func (e *fakeEngine) SetLocalDescription(_ context.Context, desc domain.SessionDescription) error {
	e.record("set-local:" + string(desc.Type))
	e.mu.Lock()
	e.local = true
	cb := e.onICE
	gathered := e.gathered
	e.mu.Unlock()
	if cb != nil {
		for _, c := range gathered {
			cb(&domain.ICECandidate{Candidate: c})
		}
		cb(nil)
	}
	e.maybeTrack()
	return nil
}

func (e *fakeEngine) SetRemoteDescription(_ context.Context, desc domain.SessionDescription) error {
	e.record("set-remote:" + string(desc.Type))
	if e.remoteErr != nil {
		return e.remoteErr
	}
	e.mu.Lock()
	e.remote = true
	e.mu.Unlock()
	e.maybeTrack()
	return nil
}

func (e *fakeEngine) AddICECandidate(_ context.Context, c domain.ICECandidate) error {
	e.record("add-ice:" + c.Candidate)
	return e.iceErr
}

func (e *fakeEngine) OnICECandidate(fn func(*domain.ICECandidate)) {
	e.mu.Lock()
	e.onICE = fn
	e.mu.Unlock()
}

func (e *fakeEngine) OnTrack(fn func(port.Track)) {
	e.mu.Lock()
	e.onTrack = fn
	e.mu.Unlock()
}

func (e *fakeEngine) maybeTrack() {
	e.mu.Lock()
	if e.fired || !e.local || !e.remote || e.onTrack == nil {
		e.mu.Unlock()
		return
	}
	e.fired = true
	e.track = newFakeTrack("remote-video", port.TrackVideo)
	cb, t := e.onTrack, e.track
	e.mu.Unlock()
	go cb(t)
}

func (e *fakeEngine) Close() error {
	e.mu.Lock()
	e.closes++
	e.mu.Unlock()
	return nil
}

func (e *fakeEngine) closeCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closes
}

func (e *fakeEngine) remoteTrack() *fakeTrack {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.track
}

type fakeFactory struct {
	mu        sync.Mutex
	engines   []*fakeEngine
	configure func(*fakeEngine)
	err       error
}

func (f *fakeFactory) NewEngine(context.Context, port.LocalStream) (port.NegotiationEngine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	e := &fakeEngine{gathered: []string{"candidate:local-1", "candidate:local-2"}}
	if f.configure != nil {
		f.configure(e)
	}
	f.engines = append(f.engines, e)
	return e, nil
}

func (f *fakeFactory) engine(i int) *fakeEngine {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i >= len(f.engines) {
		return nil
	}
	return f.engines[i]
}

type fakeProbe struct {
	mu      sync.Mutex
	info    domain.NetworkInfo
	err     error
	gate    chan struct{}
	waiting int
}

func (p *fakeProbe) Current(ctx context.Context) (domain.NetworkInfo, error) {
	p.mu.Lock()
	gate := p.gate
	p.waiting++
	p.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.waiting--
	if err := ctx.Err(); err != nil {
		return domain.NetworkInfo{}, err
	}
	return p.info, p.err
}

// hold makes Current block until the returned func is called.
func (p *fakeProbe) hold() func() {
	gate := make(chan struct{})
	p.mu.Lock()
	p.gate = gate
	p.mu.Unlock()
	return func() {
		p.mu.Lock()
		p.gate = nil
		p.mu.Unlock()
		close(gate)
	}
}

func (p *fakeProbe) pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waiting
}

func (p *fakeProbe) set(descriptor string) {
	p.mu.Lock()
	p.info = domain.NetworkInfo{Descriptor: descriptor}
	p.mu.Unlock()
}

type harness struct {
	svc     *CallService
	relay   *fakeRelay
	capture *fakeCapture
	engines *fakeFactory
	probe   *fakeProbe
	updates <-chan domain.Update
}

func newHarness(t *testing.T, localID domain.CallerID) *harness {
	t.Helper()
	h := &harness{
		relay:   newFakeRelay(),
		capture: &fakeCapture{},
		engines: &fakeFactory{},
		probe:   &fakeProbe{info: domain.NetworkInfo{Descriptor: "net-A"}},
	}
	opts := DefaultOptions()
	opts.StepTimeout = 2 * time.Second
	h.svc = NewCallService(localID, h.relay, h.capture, h.engines, h.probe, opts)

	var cancelSub func()
	h.updates, cancelSub = h.svc.Subscribe()

	ctx, cancel := context.WithCancel(context.Background())
	go h.svc.Run(ctx)
	t.Cleanup(func() {
		cancelSub()
		cancel()
		<-h.svc.done
	})
	return h
}

func (h *harness) waitPhase(t *testing.T, phase domain.Phase) {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.svc.Snapshot().Phase == phase
	}, 2*time.Second, 5*time.Millisecond, "phase never became %s (now %s)", phase, h.svc.Snapshot().Phase)
}

func (h *harness) waitSent(t *testing.T, kind domain.SignalKind, n int) []domain.Signal {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(h.relay.sentOf(kind)) >= n
	}, 2*time.Second, 5*time.Millisecond, "expected %d %s signals", n, kind)
	return h.relay.sentOf(kind)
}

// sync waits for every signal delivered and every event queued before it
// to be processed.
func (h *harness) sync(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(h.relay.in) == 0
	}, 2*time.Second, time.Millisecond)
	require.NoError(t, h.svc.do(context.Background(), func() error { return nil }))
}

// waitNotice drains updates until a notice of kind shows up.
func (h *harness) waitNotice(t *testing.T, kind domain.NoticeKind) domain.Notice {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case u := <-h.updates:
			if u.Notice != nil && u.Notice.Kind == kind {
				return *u.Notice
			}
		case <-timeout:
			t.Fatalf("no %s notice", kind)
		}
	}
}

func incomingCall(from domain.CallerID, to domain.CallerID, network string) domain.Signal {
	sig := domain.NewSignal(domain.SignalCall, from, to)
	sig.Description = &domain.SessionDescription{Type: domain.SDPOffer, SDP: "remote-offer"}
	sig.Network = &domain.NetworkInfo{Descriptor: network}
	return sig
}

func candidate(from, to domain.CallerID, n int) domain.Signal {
	sig := domain.NewSignal(domain.SignalICECandidate, from, to)
	sig.Candidate = &domain.ICECandidate{Candidate: fmt.Sprintf("candidate:remote-%d", n)}
	return sig
}
