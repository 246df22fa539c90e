package domain

type Phase string

const (
	PhaseIdle               Phase = "IDLE"
	PhaseAwaitingLocalMedia Phase = "AWAITING_LOCAL_MEDIA"
	PhaseOutgoingRinging    Phase = "OUTGOING_RINGING"
	PhaseIncomingRinging    Phase = "INCOMING_RINGING"
	PhaseNegotiating        Phase = "NEGOTIATING"
	PhaseConnected          Phase = "CONNECTED"
	PhaseEnded              Phase = "ENDED"
)

// Active reports whether a Call Session exists in this phase.
func (p Phase) Active() bool {
	return p != PhaseIdle && p != PhaseEnded
}

type Role string

const (
	RoleNone   Role = "NONE"
	RoleCaller Role = "CALLER"
	RoleCallee Role = "CALLEE"
)

type MediaState struct {
	Camera     bool `json:"camera"`
	Microphone bool `json:"microphone"`
}

func MediaEnabled() MediaState {
	return MediaState{Camera: true, Microphone: true}
}

// Snapshot is the observable state handed to the presentation layer.
type Snapshot struct {
	LocalID        CallerID   `json:"localId"`
	PeerID         CallerID   `json:"peerId,omitempty"`
	Role           Role       `json:"role"`
	Phase          Phase      `json:"phase"`
	LocalMedia     MediaState `json:"localMedia"`
	RemoteMedia    MediaState `json:"remoteMedia"`
	HasLocalStream bool       `json:"hasLocalStream"`
	HasRemoteTrack bool       `json:"hasRemoteTrack"`
}

type NoticeKind string

const (
	NoticeEndedByPeer   NoticeKind = "ENDED_BY_PEER"
	NoticeRejected      NoticeKind = "REJECTED"
	NoticeUnreachable   NoticeKind = "UNREACHABLE"
	NoticeError         NoticeKind = "ERROR"
	NoticeDeclinedBusy  NoticeKind = "DECLINED_BUSY"
	NoticeCallConnected NoticeKind = "CONNECTED"
)

// Notice is a user-visible message; Error is set for NoticeError.
type Notice struct {
	Kind    NoticeKind `json:"kind"`
	PeerID  CallerID   `json:"peerId,omitempty"`
	Error   ErrorKind  `json:"error,omitempty"`
	Message string     `json:"message"`
}

// Update is what observers receive: every state change carries a snapshot,
// and optionally the notice that caused it.
type Update struct {
	State  Snapshot `json:"state"`
	Notice *Notice  `json:"notice,omitempty"`
}
