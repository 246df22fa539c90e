// Package memory is an in-process Message Relay. Endpoints created on the
// same Bus can call each other without any network signaling.
package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/rs/zerolog/log"
)

var _ port.Relay = (*Endpoint)(nil)

var ErrClosed = errors.New("relay endpoint closed")

type Bus struct {
	mu        sync.RWMutex
	endpoints map[domain.CallerID]*Endpoint
}

func NewBus() *Bus {
	return &Bus{
		endpoints: make(map[domain.CallerID]*Endpoint),
	}
}

// Endpoint attaches a caller to the bus. An existing endpoint with the
// same id is closed and replaced.
func (b *Bus) Endpoint(id domain.CallerID) *Endpoint {
	e := &Endpoint{
		id:   id,
		bus:  b,
		out:  make(chan domain.Signal),
		wake: make(chan struct{}, 1),
		quit: make(chan struct{}),
	}

	b.mu.Lock()
	old := b.endpoints[id]
	b.endpoints[id] = e
	b.mu.Unlock()

	if old != nil {
		old.close()
	}
	go e.pump()
	return e
}

func (b *Bus) lookup(id domain.CallerID) *Endpoint {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.endpoints[id]
}

func (b *Bus) detach(e *Endpoint) {
	b.mu.Lock()
	if b.endpoints[e.id] == e {
		delete(b.endpoints, e.id)
	}
	b.mu.Unlock()
}

// Endpoint implements port.Relay for one caller. Inbound signals are
// queued without bound and delivered in arrival order.
type Endpoint struct {
	id  domain.CallerID
	bus *Bus

	mu     sync.Mutex
	queue  []domain.Signal
	closed bool

	out  chan domain.Signal
	wake chan struct{}
	quit chan struct{}
	once sync.Once
}

func (e *Endpoint) ID() domain.CallerID {
	return e.id
}

func (e *Endpoint) Signals() <-chan domain.Signal {
	return e.out
}

// Send routes sig to the endpoint named by sig.To. Signals for callers
// that are not attached are dropped, as a real relay would.
func (e *Endpoint) Send(ctx context.Context, sig domain.Signal) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if e.isClosed() {
		return ErrClosed
	}
	if sig.From == "" {
		sig.From = e.id
	}

	target := e.bus.lookup(sig.To)
	if target == nil {
		log.Debug().Str("to", sig.To.String()).Str("kind", string(sig.Kind)).Msg("No such caller on bus, dropping signal")
		return nil
	}
	target.deliver(sig)
	return nil
}

func (e *Endpoint) deliver(sig domain.Signal) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.queue = append(e.queue, sig)
	e.mu.Unlock()

	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *Endpoint) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

func (e *Endpoint) next() (domain.Signal, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.queue) == 0 {
		return domain.Signal{}, false
	}
	sig := e.queue[0]
	e.queue = e.queue[1:]
	return sig, true
}

func (e *Endpoint) pump() {
	defer close(e.out)
	for {
		select {
		case <-e.quit:
			return
		case <-e.wake:
		}
		for {
			sig, ok := e.next()
			if !ok {
				break
			}
			select {
			case e.out <- sig:
			case <-e.quit:
				return
			}
		}
	}
}

// Close detaches the endpoint and closes its Signals channel.
func (e *Endpoint) Close() error {
	e.bus.detach(e)
	e.close()
	return nil
}

func (e *Endpoint) close() {
	e.once.Do(func() {
		e.mu.Lock()
		e.closed = true
		e.queue = nil
		e.mu.Unlock()
		close(e.quit)
	})
}
