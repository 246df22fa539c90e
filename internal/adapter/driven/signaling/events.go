// Package signaling maps call signals to and from the relay's wire events.
// It holds no state; the gateway owns the connection.
package signaling

import "github.com/Wyydra/yacall/internal/core/domain"

// Event is the name of a relay event.
type Event string

// Events emitted by this client.
const (
	EmitCall            Event = "call"
	EmitAnswerCall      Event = "answerCall"
	EmitRejectCall      Event = "rejectCall"
	EmitUnreachableCall Event = "unreachableCall"
	EmitICECandidate    Event = "ICEcandidate"
	EmitEndCall         Event = "endCall"
	EmitSetCamera       Event = "setCamera"
	EmitSetMicrophone   Event = "setMicrophone"
)

// Events delivered by the relay.
const (
	OnNewCall           Event = "newCall"
	OnCallAnswered      Event = "callAnswered"
	OnCallRejected      Event = "callRejected"
	OnCallUnreachable   Event = "callUnreachable"
	OnICECandidate      Event = "ICEcandidate"
	OnCallEnded         Event = "callEnded"
	OnCameraToggled     Event = "cameraToggled"
	OnMicrophoneToggled Event = "microphoneToggled"
)

var outbound = map[domain.SignalKind]Event{
	domain.SignalCall:          EmitCall,
	domain.SignalAnswer:        EmitAnswerCall,
	domain.SignalReject:        EmitRejectCall,
	domain.SignalUnreachable:   EmitUnreachableCall,
	domain.SignalICECandidate:  EmitICECandidate,
	domain.SignalEndCall:       EmitEndCall,
	domain.SignalSetCamera:     EmitSetCamera,
	domain.SignalSetMicrophone: EmitSetMicrophone,
}

var inbound = map[Event]domain.SignalKind{
	OnNewCall:           domain.SignalCall,
	OnCallAnswered:      domain.SignalAnswer,
	OnCallRejected:      domain.SignalReject,
	OnCallUnreachable:   domain.SignalUnreachable,
	OnICECandidate:      domain.SignalICECandidate,
	OnCallEnded:         domain.SignalEndCall,
	OnCameraToggled:     domain.SignalSetCamera,
	OnMicrophoneToggled: domain.SignalSetMicrophone,
}

// Relayed returns the event the relay delivers to the target when a client
// emits e.
func Relayed(e Event) (Event, bool) {
	for kind, out := range outbound {
		if out == e {
			for in, k := range inbound {
				if k == kind {
					return in, true
				}
			}
		}
	}
	return "", false
}
