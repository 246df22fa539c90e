// Package loopback provides hardware-free media: synthetic capture devices
// and a negotiation engine that follows offer/answer ordering rules
// without opening any network path.
package loopback

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/google/uuid"
)

var (
	_ port.MediaCapture = (*Capture)(nil)
	_ port.LocalStream  = (*Stream)(nil)
	_ port.Track        = (*Track)(nil)
)

type Capture struct {
	devices []port.Device
}

func NewCapture() *Capture {
	return &Capture{
		devices: []port.Device{
			{ID: "loopback-front", Label: "Loopback front camera", Kind: port.DeviceVideoInput, Facing: port.FacingFront},
			{ID: "loopback-back", Label: "Loopback back camera", Kind: port.DeviceVideoInput, Facing: port.FacingEnvironment},
			{ID: "loopback-mic", Label: "Loopback microphone", Kind: port.DeviceAudioInput},
		},
	}
}

func (c *Capture) EnumerateDevices(ctx context.Context) ([]port.Device, error) {
	out := make([]port.Device, len(c.devices))
	copy(out, c.devices)
	return out, nil
}

func (c *Capture) Acquire(ctx context.Context, constraints port.Constraints) (port.LocalStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, domain.NewError(domain.KindMediaUnavailable, "acquire", err)
	}
	if !constraints.Audio && !constraints.Video {
		return nil, domain.NewError(domain.KindMediaUnavailable, "acquire", errors.New("no audio or video requested"))
	}

	s := &Stream{id: uuid.New().String(), devices: c.devices}
	if constraints.Audio {
		s.tracks = append(s.tracks, newTrack(port.TrackAudio, "loopback-mic"))
	}
	if constraints.Video {
		device := constraints.DeviceID
		if device == "" {
			device = c.devices[0].ID
		}
		s.tracks = append(s.tracks, newTrack(port.TrackVideo, device))
	}
	return s, nil
}

type Stream struct {
	id      string
	devices []port.Device

	mu      sync.Mutex
	tracks  []*Track
	stopped bool
}

func (s *Stream) ID() string {
	return s.id
}

func (s *Stream) Tracks() []port.Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]port.Track, 0, len(s.tracks))
	for _, t := range s.tracks {
		out = append(out, t)
	}
	return out
}

func (s *Stream) SetEnabled(kind port.TrackKind, enabled bool) {
	for _, t := range s.Tracks() {
		if t.Kind() == kind {
			t.SetEnabled(enabled)
		}
	}
}

// SwitchCamera moves the video track to the next video input device.
func (s *Stream) SwitchCamera(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return domain.NewError(domain.KindMediaUnavailable, "switch camera", errors.New("stream stopped"))
	}

	var video *Track
	for _, t := range s.tracks {
		if t.kind == port.TrackVideo {
			video = t
		}
	}
	if video == nil {
		return domain.NewError(domain.KindMediaUnavailable, "switch camera", errors.New("no video track"))
	}

	var cameras []string
	for _, d := range s.devices {
		if d.Kind == port.DeviceVideoInput {
			cameras = append(cameras, d.ID)
		}
	}
	if len(cameras) < 2 {
		return domain.NewError(domain.KindMediaUnavailable, "switch camera", fmt.Errorf("only %d camera available", len(cameras)))
	}
	for i, id := range cameras {
		if id == video.Device() {
			video.setDevice(cameras[(i+1)%len(cameras)])
			return nil
		}
	}
	video.setDevice(cameras[0])
	return nil
}

func (s *Stream) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	tracks := s.tracks
	s.mu.Unlock()

	for _, t := range tracks {
		t.Stop()
	}
}

type Track struct {
	id      string
	kind    port.TrackKind
	enabled atomic.Bool
	stopped atomic.Bool

	mu     sync.Mutex
	device string
}

func newTrack(kind port.TrackKind, device string) *Track {
	t := &Track{id: uuid.New().String(), kind: kind, device: device}
	t.enabled.Store(true)
	return t
}

func (t *Track) ID() string { return t.id }

func (t *Track) Kind() port.TrackKind { return t.kind }

func (t *Track) Enabled() bool { return t.enabled.Load() }

func (t *Track) Stopped() bool { return t.stopped.Load() }

func (t *Track) SetEnabled(enabled bool) {
	t.enabled.Store(enabled)
}

func (t *Track) Stop() {
	t.stopped.Store(true)
}

func (t *Track) Device() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.device
}

func (t *Track) setDevice(d string) {
	t.mu.Lock()
	t.device = d
	t.mu.Unlock()
}
