package port

import (
	"context"

	"github.com/Wyydra/yacall/internal/core/domain"
)

// NegotiationEngine wraps the offer/answer/ICE primitives for one peer
// relationship. Every call may block and may fail. The negotiation calls
// are never run concurrently with each other on the same engine. Close may
// be called at any time, including while one of them is in flight.
type NegotiationEngine interface {
	CreateOffer(ctx context.Context) (domain.SessionDescription, error)
	CreateAnswer(ctx context.Context) (domain.SessionDescription, error)
	SetLocalDescription(ctx context.Context, desc domain.SessionDescription) error
	SetRemoteDescription(ctx context.Context, desc domain.SessionDescription) error
	AddICECandidate(ctx context.Context, candidate domain.ICECandidate) error

	// OnICECandidate fires for every locally gathered candidate; a nil
	// candidate marks the end of gathering.
	OnICECandidate(fn func(candidate *domain.ICECandidate))
	OnTrack(fn func(track Track))

	Close() error
}

// EngineFactory builds a fresh engine for each Call Session, with the
// session's local stream attached. Engines are never reused.
type EngineFactory interface {
	NewEngine(ctx context.Context, stream LocalStream) (NegotiationEngine, error)
}
