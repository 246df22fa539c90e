package service

import (
	"context"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// candidateQueue holds ICE candidates until the side they belong to is
// ready for them. drain hands them back in arrival order and empties the queue.
type candidateQueue struct {
	items []domain.ICECandidate
}

func (q *candidateQueue) push(c domain.ICECandidate) {
	q.items = append(q.items, c)
}

func (q *candidateQueue) drain() []domain.ICECandidate {
	items := q.items
	q.items = nil
	return items
}

func (q *candidateQueue) len() int {
	return len(q.items)
}

// session is the Call Session aggregate. Only the CallService loop
// goroutine touches it.
type session struct {
	id    domain.SessionID
	peer  domain.CallerID
	role  domain.Role
	phase domain.Phase

	// peerAware is set once the peer knows this call exists: the callee
	// always, the caller after its CALL went out.
	peerAware bool
	// descriptionSent is set once our offer or answer has been emitted;
	// local candidates gathered earlier wait in localCandidates.
	descriptionSent bool
	answered        bool
	// crossed is set while the peer's own CALL to us is being dropped in
	// favour of ours; its candidates are ignored until it answers.
	crossed bool

	pendingRemote *domain.SessionDescription
	remoteApplied bool
	// remoteCandidates arrive before the remote description is applied.
	remoteCandidates candidateQueue
	localCandidates  candidateQueue

	localNetwork  *domain.NetworkInfo
	remoteNetwork *domain.NetworkInfo

	localMedia  domain.MediaState
	remoteMedia domain.MediaState

	stream       port.LocalStream
	engine       port.NegotiationEngine
	remoteTracks []port.Track

	worker *worker
	ctx    context.Context
	cancel context.CancelFunc
	log    zerolog.Logger
}

func newSession(parent context.Context, peer domain.CallerID, role domain.Role, phase domain.Phase) *session {
	ctx, cancel := context.WithCancel(parent)
	id := domain.NewSessionID()
	return &session{
		id:          id,
		peer:        peer,
		role:        role,
		phase:       phase,
		peerAware:   role == domain.RoleCallee,
		localMedia:  domain.MediaEnabled(),
		remoteMedia: domain.MediaEnabled(),
		worker:      newWorker(),
		ctx:         ctx,
		cancel:      cancel,
		log: log.With().
			Str("session_id", id.String()).
			Str("peer_id", peer.String()).
			Str("role", string(role)).
			Logger(),
	}
}

func (s *session) connected() bool {
	return s.stream != nil && len(s.remoteTracks) > 0
}

// dispose releases everything the session owns. Safe to call twice.
func (s *session) dispose() {
	s.cancel()
	s.worker.stop()

	if s.stream != nil {
		s.stream.Stop()
		s.stream = nil
	}
	for _, t := range s.remoteTracks {
		t.Stop()
	}
	s.remoteTracks = nil

	if s.engine != nil {
		if err := s.engine.Close(); err != nil {
			s.log.Warn().Err(err).Msg("Failed to close negotiation engine")
		}
		s.engine = nil
	}
	s.pendingRemote = nil
	s.remoteCandidates.drain()
	s.localCandidates.drain()
}
