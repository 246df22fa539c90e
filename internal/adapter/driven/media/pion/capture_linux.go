//go:build linux

package pion

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

var (
	_ port.MediaCapture = (*Capture)(nil)
	_ port.LocalStream  = (*Stream)(nil)
	_ Source            = (*Stream)(nil)
)

// Capture opens cameras and microphones through V4L2 and ALSA/PulseAudio
// and encodes them as VP8 and Opus.
type Capture struct {
	selector *mediadevices.CodecSelector
}

func NewCapture(videoBitRate int) (*Capture, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("vp8 params: %w", err)
	}
	if videoBitRate > 0 {
		vpxParams.BitRate = videoBitRate
	}
	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("opus params: %w", err)
	}
	return &Capture{
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
	}, nil
}

// Codecs registers exactly the codecs this capture encodes to.
func (c *Capture) Codecs() CodecRegistrar {
	return func(m *webrtc.MediaEngine) error {
		c.selector.Populate(m)
		return nil
	}
}

func (c *Capture) EnumerateDevices(ctx context.Context) ([]port.Device, error) {
	var out []port.Device
	for _, d := range mediadevices.EnumerateDevices() {
		switch d.Kind {
		case mediadevices.VideoInput:
			out = append(out, port.Device{ID: d.DeviceID, Label: d.Label, Kind: port.DeviceVideoInput, Facing: facing(d.Label)})
		case mediadevices.AudioInput:
			out = append(out, port.Device{ID: d.DeviceID, Label: d.Label, Kind: port.DeviceAudioInput})
		}
	}
	return out, nil
}

func (c *Capture) Acquire(ctx context.Context, constraints port.Constraints) (port.LocalStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, domain.NewError(domain.KindMediaUnavailable, "acquire", err)
	}
	if !constraints.Audio && !constraints.Video {
		return nil, domain.NewError(domain.KindMediaUnavailable, "acquire", errors.New("no audio or video requested"))
	}

	s := &Stream{capture: c, constraints: constraints, replacers: make(map[int]TrackReplacer)}
	s.camera.Store(true)
	s.microphone.Store(true)

	ms, err := mediadevices.GetUserMedia(c.streamConstraints(s, constraints, constraints.DeviceID, constraints.Audio))
	if err != nil {
		return nil, domain.NewError(domain.KindMediaUnavailable, "get user media", err)
	}
	for _, t := range ms.GetTracks() {
		s.tracks = append(s.tracks, s.wrap(t))
		t.OnEnded(func(err error) {
			if err != nil {
				log.Warn().Err(err).Str("track_id", t.ID()).Msg("Local track ended")
			}
		})
	}
	s.device = constraints.DeviceID
	log.Info().Int("tracks", len(s.tracks)).Str("device", s.device).Msg("Local media captured")
	return s, nil
}

func (c *Capture) streamConstraints(s *Stream, want port.Constraints, deviceID string, audio bool) mediadevices.MediaStreamConstraints {
	mc := mediadevices.MediaStreamConstraints{Codec: c.selector}
	if want.Video {
		mc.Video = func(tc *mediadevices.MediaTrackConstraints) {
			// MJPEG nodes on some cameras hand the encoder broken frames.
			tc.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			if deviceID != "" {
				tc.DeviceID = prop.String(deviceID)
			}
			if want.Width > 0 {
				tc.Width = prop.IntRanged{Max: want.Width}
			}
			if want.Height > 0 {
				tc.Height = prop.IntRanged{Max: want.Height}
			}
			if want.FrameRate > 0 {
				tc.FrameRate = prop.FloatRanged{Min: want.FrameRate}
			}
			tc.VideoTransform = blanking(&s.camera)
		}
	}
	if audio {
		mc.Audio = func(tc *mediadevices.MediaTrackConstraints) {
			tc.AudioTransform = muting(&s.microphone)
		}
	}
	return mc
}

// Stream is a captured local stream. Disabled tracks keep sending black
// frames or silence.
type Stream struct {
	capture     *Capture
	constraints port.Constraints
	camera      atomic.Bool
	microphone  atomic.Bool

	mu        sync.Mutex
	tracks    []*localTrack
	device    string
	replacers map[int]TrackReplacer
	nextID    int
	stopped   bool
}

func (s *Stream) wrap(t mediadevices.Track) *localTrack {
	gate := &s.microphone
	if t.Kind() == webrtc.RTPCodecTypeVideo {
		gate = &s.camera
	}
	return &localTrack{track: t, gate: gate}
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

func (s *Stream) LocalTracks() []webrtc.TrackLocal {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]webrtc.TrackLocal, 0, len(s.tracks))
	for _, t := range s.tracks {
		out = append(out, t.track)
	}
	return out
}

func (s *Stream) Attach(r TrackReplacer) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.replacers[id] = r
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.replacers, id)
		s.mu.Unlock()
	}
}

func (s *Stream) SetEnabled(kind port.TrackKind, enabled bool) {
	if kind == port.TrackVideo {
		s.camera.Store(enabled)
		return
	}
	s.microphone.Store(enabled)
}

// SwitchCamera captures from the next video input and swaps it in on every
// attached peer connection.
func (s *Stream) SwitchCamera(ctx context.Context) error {
	devices, err := s.capture.EnumerateDevices(ctx)
	if err != nil {
		return domain.NewError(domain.KindMediaUnavailable, "switch camera", err)
	}
	var cameras []string
	for _, d := range devices {
		if d.Kind == port.DeviceVideoInput {
			cameras = append(cameras, d.ID)
		}
	}
	if len(cameras) < 2 {
		return domain.NewError(domain.KindMediaUnavailable, "switch camera", fmt.Errorf("only %d camera available", len(cameras)))
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return domain.NewError(domain.KindMediaUnavailable, "switch camera", errors.New("stream stopped"))
	}
	next := cameras[0]
	for i, id := range cameras {
		if id == s.device {
			next = cameras[(i+1)%len(cameras)]
			break
		}
	}
	s.mu.Unlock()

	want := s.constraints
	want.Video = true
	ms, err := mediadevices.GetUserMedia(s.capture.streamConstraints(s, want, next, false))
	if err != nil {
		return domain.NewError(domain.KindMediaUnavailable, "switch camera", err)
	}
	video := ms.GetVideoTracks()
	if len(video) == 0 {
		return domain.NewError(domain.KindMediaUnavailable, "switch camera", errors.New("no video track from device "+next))
	}
	fresh := s.wrap(video[0])

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		fresh.Stop()
		return domain.NewError(domain.KindMediaUnavailable, "switch camera", errors.New("stream stopped"))
	}
	for _, r := range s.replacers {
		if err := r.ReplaceTrack(fresh.track); err != nil {
			log.Warn().Err(err).Msg("Failed to replace video track on peer connection")
		}
	}
	for i, t := range s.tracks {
		if t.track.Kind() == webrtc.RTPCodecTypeVideo {
			t.Stop()
			s.tracks[i] = fresh
		}
	}
	s.device = next
	log.Info().Str("device", next).Msg("Switched camera")
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

type localTrack struct {
	track mediadevices.Track
	gate  *atomic.Bool
	once  sync.Once
}

func (t *localTrack) ID() string { return t.track.ID() }

func (t *localTrack) Kind() port.TrackKind { return trackKind(t.track.Kind()) }

func (t *localTrack) Enabled() bool { return t.gate.Load() }

func (t *localTrack) SetEnabled(enabled bool) { t.gate.Store(enabled) }

func (t *localTrack) Stop() {
	t.once.Do(func() {
		if err := t.track.Close(); err != nil {
			log.Debug().Err(err).Str("track_id", t.track.ID()).Msg("Closing local track")
		}
	})
}
