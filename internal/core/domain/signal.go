package domain

type SignalKind string

const (
	SignalCall          SignalKind = "CALL"
	SignalAnswer        SignalKind = "ANSWER"
	SignalReject        SignalKind = "REJECT"
	SignalUnreachable   SignalKind = "UNREACHABLE"
	SignalICECandidate  SignalKind = "ICE_CANDIDATE"
	SignalEndCall       SignalKind = "END_CALL"
	SignalSetCamera     SignalKind = "SET_CAMERA"
	SignalSetMicrophone SignalKind = "SET_MICROPHONE"
)

type SDPType string

const (
	SDPOffer  SDPType = "offer"
	SDPAnswer SDPType = "answer"
)

type SessionDescription struct {
	Type SDPType `json:"type"`
	SDP  string  `json:"sdp"`
}

// ICECandidate is a trickled candidate. SDPMLineIndex and SDPMid are the
// "label" and "id" fields on the wire.
type ICECandidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

// NetworkInfo is an opaque descriptor of the local network attachment point.
type NetworkInfo struct {
	Descriptor string `json:"descriptor"`
}

func (n NetworkInfo) Matches(other NetworkInfo) bool {
	return n.Descriptor != "" && n.Descriptor == other.Descriptor
}

// Signal is one relay message in the state machine's vocabulary.
// From is the sender, To the addressed peer.
type Signal struct {
	Kind        SignalKind
	From        CallerID
	To          CallerID
	Description *SessionDescription
	Candidate   *ICECandidate
	Network     *NetworkInfo
	// Enabled carries the new toggle state for SET_CAMERA/SET_MICROPHONE.
	// Nil means "flip".
	Enabled *bool
}

func NewSignal(kind SignalKind, from, to CallerID) Signal {
	return Signal{
		Kind: kind,
		From: from,
		To:   to,
	}
}
