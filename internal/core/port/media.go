package port

import (
	"context"

	"github.com/Wyydra/yacall/internal/core/domain"
)

type TrackKind string

const (
	TrackAudio TrackKind = "audio"
	TrackVideo TrackKind = "video"
)

type DeviceKind string

const (
	DeviceAudioInput  DeviceKind = "audioinput"
	DeviceAudioOutput DeviceKind = "audiooutput"
	DeviceVideoInput  DeviceKind = "videoinput"
)

type Facing string

const (
	FacingFront       Facing = "front"
	FacingEnvironment Facing = "environment"
)

type Device struct {
	ID     string
	Label  string
	Kind   DeviceKind
	Facing Facing
}

type Constraints struct {
	Audio     bool
	Video     bool
	Facing    Facing
	Width     int
	Height    int
	FrameRate float32
	// DeviceID pins the video source when non-empty.
	DeviceID string
}

// Track is one local or remote media track.
type Track interface {
	ID() string
	Kind() TrackKind
	Enabled() bool
	SetEnabled(enabled bool)
	// Stop releases the track. Calling it more than once is a no-op.
	Stop()
}

// LocalStream is the captured local media, exclusively owned by one Call Session.
type LocalStream interface {
	Tracks() []Track
	SetEnabled(kind TrackKind, enabled bool)
	SwitchCamera(ctx context.Context) error
	// Stop stops every track exactly once.
	Stop()
}

// MediaCapture is the Media Capture Provider. Acquire fails with a
// domain.KindMediaUnavailable error on permission or hardware failure.
type MediaCapture interface {
	EnumerateDevices(ctx context.Context) ([]Device, error)
	Acquire(ctx context.Context, constraints Constraints) (LocalStream, error)
}

// PickVideoDevice returns the first video input facing the requested way.
func PickVideoDevice(devices []Device, facing Facing) (Device, bool) {
	for _, d := range devices {
		if d.Kind == DeviceVideoInput && d.Facing == facing {
			return d, true
		}
	}
	return Device{}, false
}

// NetworkProbe reports the current network attachment point.
type NetworkProbe interface {
	Current(ctx context.Context) (domain.NetworkInfo, error)
}
