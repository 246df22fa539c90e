package pion

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Wyydra/yacall/internal/adapter/driven/media/loopback"
	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// staticSource sends fixed sample tracks and records replacers.
type staticSource struct {
	tracks []webrtc.TrackLocal

	mu       sync.Mutex
	attached int
}

func newStaticSource(t *testing.T) *staticSource {
	video, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "test")
	require.NoError(t, err)
	audio, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "test")
	require.NoError(t, err)
	return &staticSource{tracks: []webrtc.TrackLocal{audio, video}}
}

func (s *staticSource) Tracks() []port.Track { return nil }

func (s *staticSource) SetEnabled(port.TrackKind, bool) {}

func (s *staticSource) SwitchCamera(context.Context) error { return nil }

func (s *staticSource) Stop() {}

func (s *staticSource) LocalTracks() []webrtc.TrackLocal { return s.tracks }

func (s *staticSource) Attach(TrackReplacer) func() {
	s.mu.Lock()
	s.attached++
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		s.attached--
		s.mu.Unlock()
	}
}

func (s *staticSource) attachedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attached
}

func testFactory(t *testing.T) *EngineFactory {
	cfg := DefaultConfig()
	cfg.ICEServers = nil
	cfg.IncludeLoopback = true
	f, err := NewEngineFactory(cfg, nil)
	require.NoError(t, err)
	return f
}

func newTestEngine(t *testing.T, f *EngineFactory, stream port.LocalStream) *Engine {
	e, err := f.NewEngine(context.Background(), stream)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e.(*Engine)
}

func TestOfferAnswerBetweenEngines(t *testing.T) {
	if testing.Short() {
		t.Skip("gathers real ICE candidates")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	f := testFactory(t)
	src := newStaticSource(t)
	caller := newTestEngine(t, f, src)
	callee := newTestEngine(t, f, newStaticSource(t))
	assert.Equal(t, 1, src.attachedCount())

	gathered := make(chan *domain.ICECandidate, 64)
	caller.OnICECandidate(func(c *domain.ICECandidate) { gathered <- c })

	offer, err := caller.CreateOffer(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.SDPOffer, offer.Type)
	assert.Contains(t, offer.SDP, "m=audio")
	assert.Contains(t, offer.SDP, "m=video")
	require.NoError(t, caller.SetLocalDescription(ctx, offer))

	require.NoError(t, callee.SetRemoteDescription(ctx, offer))
	answer, err := callee.CreateAnswer(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.SDPAnswer, answer.Type)
	require.NoError(t, callee.SetLocalDescription(ctx, answer))
	require.NoError(t, caller.SetRemoteDescription(ctx, answer))

	var candidates []domain.ICECandidate
	for done := false; !done; {
		select {
		case c := <-gathered:
			if c == nil {
				done = true
				continue
			}
			assert.True(t, strings.HasPrefix(c.Candidate, "candidate:"), c.Candidate)
			candidates = append(candidates, *c)
		case <-ctx.Done():
			t.Fatal("gathering did not complete")
		}
	}
	require.NotEmpty(t, candidates)
	for _, c := range candidates {
		require.NoError(t, callee.AddICECandidate(ctx, c))
	}

	require.NoError(t, caller.Close())
	assert.Equal(t, 0, src.attachedCount())
}

func TestRemoteAnswerWithoutOfferFails(t *testing.T) {
	f := testFactory(t)
	e := newTestEngine(t, f, newStaticSource(t))

	err := e.SetRemoteDescription(context.Background(), domain.SessionDescription{Type: domain.SDPAnswer, SDP: "v=0\r\n"})
	assert.Error(t, err)
}

func TestClosedEngineRefusesWork(t *testing.T) {
	f := testFactory(t)
	e := newTestEngine(t, f, newStaticSource(t))
	require.NoError(t, e.Close())
	require.NoError(t, e.Close())

	_, err := e.CreateOffer(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	err = e.AddICECandidate(context.Background(), domain.ICECandidate{Candidate: "candidate:1"})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestCancelledContextStopsNegotiation(t *testing.T) {
	f := testFactory(t)
	e := newTestEngine(t, f, newStaticSource(t))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.CreateOffer(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStreamWithoutTracksNegotiatesReceiveOnly(t *testing.T) {
	stream, err := loopback.NewCapture().Acquire(context.Background(), port.Constraints{Audio: true, Video: true})
	require.NoError(t, err)
	defer stream.Stop()

	e := newTestEngine(t, testFactory(t), stream)
	offer, err := e.CreateOffer(context.Background())
	require.NoError(t, err)
	assert.Contains(t, offer.SDP, "a=recvonly")
	assert.Contains(t, offer.SDP, "m=video")
}

func TestReplaceTrackNeedsSender(t *testing.T) {
	stream, err := loopback.NewCapture().Acquire(context.Background(), port.Constraints{Audio: true})
	require.NoError(t, err)
	defer stream.Stop()
	e := newTestEngine(t, testFactory(t), stream)

	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "other")
	require.NoError(t, err)
	assert.Error(t, e.ReplaceTrack(track))
}
