//go:build !linux

package pion

import (
	"context"
	"errors"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
)

var _ port.MediaCapture = (*Capture)(nil)

var errNoDrivers = errors.New("camera and microphone capture is only available on linux")

// Capture has no device drivers on this platform; every Acquire fails.
type Capture struct{}

func NewCapture(int) (*Capture, error) {
	return &Capture{}, nil
}

func (c *Capture) Codecs() CodecRegistrar {
	return DefaultCodecs
}

func (c *Capture) EnumerateDevices(context.Context) ([]port.Device, error) {
	return nil, nil
}

func (c *Capture) Acquire(context.Context, port.Constraints) (port.LocalStream, error) {
	return nil, domain.NewError(domain.KindMediaUnavailable, "acquire", errNoDrivers)
}
