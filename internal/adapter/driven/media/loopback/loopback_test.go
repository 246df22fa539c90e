package loopback

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func acquire(t *testing.T) *Stream {
	t.Helper()
	s, err := NewCapture().Acquire(context.Background(), port.Constraints{Audio: true, Video: true})
	require.NoError(t, err)
	return s.(*Stream)
}

func TestAcquireRequiresSomeMedia(t *testing.T) {
	_, err := NewCapture().Acquire(context.Background(), port.Constraints{})
	assert.ErrorIs(t, err, domain.ErrMediaUnavailable)
}

func TestStreamToggleAndStop(t *testing.T) {
	s := acquire(t)
	require.Len(t, s.Tracks(), 2)

	s.SetEnabled(port.TrackVideo, false)
	for _, tr := range s.Tracks() {
		assert.Equal(t, tr.Kind() == port.TrackAudio, tr.Enabled())
	}

	s.Stop()
	s.Stop()
	for _, tr := range s.Tracks() {
		assert.True(t, tr.(*Track).Stopped())
	}
	assert.ErrorIs(t, s.SwitchCamera(context.Background()), domain.ErrMediaUnavailable)
}

func TestSwitchCameraCycles(t *testing.T) {
	s := acquire(t)
	var video *Track
	for _, tr := range s.Tracks() {
		if tr.Kind() == port.TrackVideo {
			video = tr.(*Track)
		}
	}
	require.NotNil(t, video)
	assert.Equal(t, "loopback-front", video.Device())

	require.NoError(t, s.SwitchCamera(context.Background()))
	assert.Equal(t, "loopback-back", video.Device())
	require.NoError(t, s.SwitchCamera(context.Background()))
	assert.Equal(t, "loopback-front", video.Device())
}

type recorder struct {
	mu         sync.Mutex
	candidates []*domain.ICECandidate
	tracks     []port.Track
}

func (r *recorder) attach(e port.NegotiationEngine) {
	e.OnICECandidate(func(c *domain.ICECandidate) {
		r.mu.Lock()
		r.candidates = append(r.candidates, c)
		r.mu.Unlock()
	})
	e.OnTrack(func(t port.Track) {
		r.mu.Lock()
		r.tracks = append(r.tracks, t)
		r.mu.Unlock()
	})
}

func (r *recorder) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.candidates), len(r.tracks)
}

func TestOfferAnswerExchange(t *testing.T) {
	ctx := context.Background()
	factory := NewEngineFactory()

	a, err := factory.NewEngine(ctx, acquire(t))
	require.NoError(t, err)
	b, err := factory.NewEngine(ctx, acquire(t))
	require.NoError(t, err)
	var ra, rb recorder
	ra.attach(a)
	rb.attach(b)

	offer, err := a.CreateOffer(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.SDPOffer, offer.Type)
	assert.Contains(t, offer.SDP, "m=video")
	require.NoError(t, a.SetLocalDescription(ctx, offer))

	_, err = b.CreateAnswer(ctx)
	assert.ErrorIs(t, err, ErrWrongState, "answer before remote offer")
	assert.ErrorIs(t, b.AddICECandidate(ctx, domain.ICECandidate{Candidate: "candidate:1"}), ErrWrongState)

	require.NoError(t, b.SetRemoteDescription(ctx, offer))
	answer, err := b.CreateAnswer(ctx)
	require.NoError(t, err)
	require.NoError(t, b.SetLocalDescription(ctx, answer))
	require.NoError(t, a.SetRemoteDescription(ctx, answer))

	// Two host candidates plus the end-of-candidates marker, and one remote
	// track per media line.
	require.Eventually(t, func() bool {
		c, tr := ra.counts()
		return c == 3 && tr == 2
	}, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		c, tr := rb.counts()
		return c == 3 && tr == 2
	}, time.Second, 5*time.Millisecond)

	ra.mu.Lock()
	first := *ra.candidates[0]
	assert.Nil(t, ra.candidates[2])
	ra.mu.Unlock()
	require.NoError(t, b.AddICECandidate(ctx, first))
	assert.ErrorIs(t, b.AddICECandidate(ctx, domain.ICECandidate{Candidate: "garbage"}), ErrBadCandidate)
	assert.Len(t, b.(*Engine).Applied(), 1)

	require.NoError(t, a.Close())
	require.NoError(t, a.Close())
	_, err = a.CreateOffer(ctx)
	assert.ErrorIs(t, err, ErrClosed)
	ra.mu.Lock()
	defer ra.mu.Unlock()
	for _, tr := range ra.tracks {
		assert.True(t, tr.(*Track).Stopped())
	}
}

func TestRemoteAnswerWithoutOffer(t *testing.T) {
	ctx := context.Background()
	e, err := NewEngineFactory().NewEngine(ctx, acquire(t))
	require.NoError(t, err)

	err = e.SetRemoteDescription(ctx, domain.SessionDescription{Type: domain.SDPAnswer, SDP: "v=0\r\n"})
	assert.ErrorIs(t, err, ErrWrongState)
}

func TestNewEngineNeedsStream(t *testing.T) {
	_, err := NewEngineFactory().NewEngine(context.Background(), nil)
	assert.Error(t, err)
}
