package pion

import (
	"sync"
	"sync/atomic"

	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
)

func trackKind(k webrtc.RTPCodecType) port.TrackKind {
	if k == webrtc.RTPCodecTypeVideo {
		return port.TrackVideo
	}
	return port.TrackAudio
}

func pictureLoss(ssrc webrtc.SSRC) []rtcp.Packet {
	return []rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(ssrc)}}
}

// remoteTrack is a track received from the peer. Rendering is up to the
// presentation layer; until then packets are read and dropped so the
// receive buffers never fill.
type remoteTrack struct {
	remote  *webrtc.TrackRemote
	enabled atomic.Bool
	packets atomic.Uint64

	done chan struct{}
	once sync.Once
}

func newRemoteTrack(remote *webrtc.TrackRemote) *remoteTrack {
	t := &remoteTrack{remote: remote, done: make(chan struct{})}
	t.enabled.Store(true)
	return t
}

func (t *remoteTrack) ID() string { return t.remote.ID() }

func (t *remoteTrack) Kind() port.TrackKind { return trackKind(t.remote.Kind()) }

func (t *remoteTrack) Enabled() bool { return t.enabled.Load() }

func (t *remoteTrack) SetEnabled(enabled bool) { t.enabled.Store(enabled) }

func (t *remoteTrack) Stop() {
	t.once.Do(func() { close(t.done) })
}

// Packets returns how many RTP packets arrived while the track was enabled.
func (t *remoteTrack) Packets() uint64 { return t.packets.Load() }

func (t *remoteTrack) consume() {
	buf := make([]byte, 1500)
	for {
		if _, _, err := t.remote.Read(buf); err != nil {
			return
		}
		select {
		case <-t.done:
			return
		default:
		}
		if t.enabled.Load() {
			t.packets.Add(1)
		}
	}
}
