package port

import (
	"context"

	"github.com/Wyydra/yacall/internal/core/domain"
)

// Relay is the Message Relay as seen by the core. Inbound signals are
// delivered on Signals in arrival order; the channel is closed when the
// relay connection goes away.
type Relay interface {
	Send(ctx context.Context, signal domain.Signal) error
	Signals() <-chan domain.Signal
}
