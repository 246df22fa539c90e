package signaling

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Wyydra/yacall/internal/core/domain"
)

var (
	ErrUnknownEvent = errors.New("unknown event")
	ErrBadPayload   = errors.New("malformed payload")
)

// Frame is one relay message: an event name and its JSON payload.
type Frame struct {
	Event Event           `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type sessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

type iceCandidate struct {
	Label     *uint16 `json:"label,omitempty"`
	ID        *string `json:"id,omitempty"`
	Candidate string  `json:"candidate"`
}

type netDetails struct {
	BSSID string `json:"bssid"`
}

type netInfo struct {
	Details netDetails `json:"details"`
}

// payload is the union of every event's data. callerId names the emitting
// client, otherUserId the target.
type payload struct {
	CallerID    string              `json:"callerId,omitempty"`
	OtherUserID string              `json:"otherUserId,omitempty"`
	Offer       *sessionDescription `json:"offer,omitempty"`
	RTCMessage  json.RawMessage     `json:"rtcMessage,omitempty"`
	NetInfo     *netInfo            `json:"netInfo,omitempty"`
	Enabled     *bool               `json:"enabled,omitempty"`
}

// Encode turns an outgoing signal into the frame emitted to the relay.
func Encode(sig domain.Signal) (Frame, error) {
	event, ok := outbound[sig.Kind]
	if !ok {
		return Frame{}, fmt.Errorf("encode %q: %w", sig.Kind, ErrUnknownEvent)
	}
	if !sig.To.Valid() {
		return Frame{}, fmt.Errorf("encode %s: invalid target %q: %w", event, sig.To, ErrBadPayload)
	}

	p := payload{
		CallerID:    sig.From.String(),
		OtherUserID: sig.To.String(),
		Enabled:     sig.Enabled,
	}
	if sig.Network != nil {
		p.NetInfo = &netInfo{Details: netDetails{BSSID: sig.Network.Descriptor}}
	}

	switch sig.Kind {
	case domain.SignalCall:
		if sig.Description == nil {
			return Frame{}, fmt.Errorf("encode %s: missing offer: %w", event, ErrBadPayload)
		}
		p.Offer = &sessionDescription{Type: string(sig.Description.Type), SDP: sig.Description.SDP}
	case domain.SignalAnswer:
		if sig.Description == nil {
			return Frame{}, fmt.Errorf("encode %s: missing answer: %w", event, ErrBadPayload)
		}
		raw, err := json.Marshal(sessionDescription{Type: string(sig.Description.Type), SDP: sig.Description.SDP})
		if err != nil {
			return Frame{}, fmt.Errorf("encode %s: %w", event, err)
		}
		p.RTCMessage = raw
	case domain.SignalICECandidate:
		if sig.Candidate == nil {
			return Frame{}, fmt.Errorf("encode %s: missing candidate: %w", event, ErrBadPayload)
		}
		raw, err := json.Marshal(iceCandidate{
			Label:     sig.Candidate.SDPMLineIndex,
			ID:        sig.Candidate.SDPMid,
			Candidate: sig.Candidate.Candidate,
		})
		if err != nil {
			return Frame{}, fmt.Errorf("encode %s: %w", event, err)
		}
		p.RTCMessage = raw
	}

	data, err := json.Marshal(p)
	if err != nil {
		return Frame{}, fmt.Errorf("encode %s: %w", event, err)
	}
	return Frame{Event: event, Data: data}, nil
}

// Decode turns a frame received from the relay into a signal. From is the
// emitting peer; To is left empty since the relay only delivers to us.
func Decode(f Frame) (domain.Signal, error) {
	kind, ok := inbound[f.Event]
	if !ok {
		return domain.Signal{}, fmt.Errorf("decode %q: %w", f.Event, ErrUnknownEvent)
	}

	var p payload
	if len(f.Data) > 0 {
		if err := json.Unmarshal(f.Data, &p); err != nil {
			return domain.Signal{}, fmt.Errorf("decode %s: %w: %v", f.Event, ErrBadPayload, err)
		}
	}
	from := domain.CallerID(p.CallerID)
	if !from.Valid() {
		return domain.Signal{}, fmt.Errorf("decode %s: invalid caller id %q: %w", f.Event, p.CallerID, ErrBadPayload)
	}

	sig := domain.Signal{Kind: kind, From: from, Enabled: p.Enabled}
	if p.NetInfo != nil {
		sig.Network = &domain.NetworkInfo{Descriptor: p.NetInfo.Details.BSSID}
	}

	switch kind {
	case domain.SignalCall:
		if p.Offer == nil {
			return domain.Signal{}, fmt.Errorf("decode %s: missing offer: %w", f.Event, ErrBadPayload)
		}
		sig.Description = &domain.SessionDescription{Type: domain.SDPType(p.Offer.Type), SDP: p.Offer.SDP}
	case domain.SignalAnswer:
		// An answer without a description is passed on; the state machine
		// treats it as a protocol violation.
		if len(p.RTCMessage) > 0 {
			var d sessionDescription
			if err := json.Unmarshal(p.RTCMessage, &d); err != nil {
				return domain.Signal{}, fmt.Errorf("decode %s: %w: %v", f.Event, ErrBadPayload, err)
			}
			sig.Description = &domain.SessionDescription{Type: domain.SDPType(d.Type), SDP: d.SDP}
		}
	case domain.SignalICECandidate:
		var c iceCandidate
		if len(p.RTCMessage) == 0 {
			return domain.Signal{}, fmt.Errorf("decode %s: missing candidate: %w", f.Event, ErrBadPayload)
		}
		if err := json.Unmarshal(p.RTCMessage, &c); err != nil {
			return domain.Signal{}, fmt.Errorf("decode %s: %w: %v", f.Event, ErrBadPayload, err)
		}
		sig.Candidate = &domain.ICECandidate{Candidate: c.Candidate, SDPMid: c.ID, SDPMLineIndex: c.Label}
	}
	return sig, nil
}
