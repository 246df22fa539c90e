package pion

import (
	"image"
	"strings"
	"sync/atomic"

	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/pion/mediadevices/pkg/io/audio"
	"github.com/pion/mediadevices/pkg/io/video"
	"github.com/pion/mediadevices/pkg/wave"
)

// blanking returns a video transform that replaces frames with black ones
// while enabled is false. The track keeps flowing so the peer connection
// does not need renegotiating.
func blanking(enabled *atomic.Bool) video.TransformFunc {
	return func(r video.Reader) video.Reader {
		return video.ReaderFunc(func() (image.Image, func(), error) {
			img, release, err := r.Read()
			if err != nil || enabled.Load() {
				return img, release, err
			}
			if release != nil {
				release()
			}
			return black(img.Bounds(), img), func() {}, nil
		})
	}
}

func black(bounds image.Rectangle, like image.Image) image.Image {
	ratio := image.YCbCrSubsampleRatio420
	if ycc, ok := like.(*image.YCbCr); ok {
		ratio = ycc.SubsampleRatio
	}
	img := image.NewYCbCr(bounds, ratio)
	for i := range img.Y {
		img.Y[i] = 16
	}
	for i := range img.Cb {
		img.Cb[i] = 128
		img.Cr[i] = 128
	}
	return img
}

// muting returns an audio transform that zeroes samples while enabled is
// false.
func muting(enabled *atomic.Bool) audio.TransformFunc {
	return func(r audio.Reader) audio.Reader {
		return audio.ReaderFunc(func() (wave.Audio, func(), error) {
			chunk, release, err := r.Read()
			if err != nil || enabled.Load() {
				return chunk, release, err
			}
			silence(chunk)
			return chunk, release, nil
		})
	}
}

func silence(chunk wave.Audio) {
	switch c := chunk.(type) {
	case *wave.Int16Interleaved:
		clear(c.Data)
	case *wave.Float32Interleaved:
		clear(c.Data)
	case *wave.Int16NonInterleaved:
		for _, ch := range c.Data {
			clear(ch)
		}
	case *wave.Float32NonInterleaved:
		for _, ch := range c.Data {
			clear(ch)
		}
	}
}

// facing guesses which way a camera points from its label.
func facing(label string) port.Facing {
	l := strings.ToLower(label)
	for _, word := range []string{"back", "rear", "environment", "world"} {
		if strings.Contains(l, word) {
			return port.FacingEnvironment
		}
	}
	return port.FacingFront
}
