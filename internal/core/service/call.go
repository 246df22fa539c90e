package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/rs/zerolog/log"
)

var ErrStopped = errors.New("call service stopped")

var (
	errNoSession      = errors.New("no active call")
	errMissingAnswer  = errors.New("answer carries no session description")
	errNetworkChanged = errors.New("callee network does not match ours")
)

type Options struct {
	Constraints port.Constraints
	// StepTimeout bounds each asynchronous negotiation or capture step.
	StepTimeout time.Duration
	// SendTimeout bounds each relay send.
	SendTimeout time.Duration
	// ProbeTimeout bounds the network check done on an incoming call.
	ProbeTimeout time.Duration
}

func DefaultOptions() Options {
	return Options{
		Constraints: port.Constraints{
			Audio:     true,
			Video:     true,
			Facing:    port.FacingFront,
			FrameRate: 30,
		},
		StepTimeout:  15 * time.Second,
		SendTimeout:  5 * time.Second,
		ProbeTimeout: 2 * time.Second,
	}
}

// CallService is the call signaling state machine. All Call Session state
// is owned by the Run goroutine; user commands, relay signals and engine
// completions are all funnelled into it.
type CallService struct {
	localID domain.CallerID
	relay   port.Relay
	capture port.MediaCapture
	engines port.EngineFactory
	network port.NetworkProbe
	opts    Options

	inbox chan func()
	done  chan struct{}
	ctx   context.Context

	// sess is only touched from Run.
	sess *session

	mu        sync.RWMutex
	snapshot  domain.Snapshot
	observers map[int]chan domain.Update
	nextObs   int
}

func NewCallService(localID domain.CallerID, relay port.Relay, capture port.MediaCapture, engines port.EngineFactory, network port.NetworkProbe, opts Options) *CallService {
	return &CallService{
		localID:   localID,
		relay:     relay,
		capture:   capture,
		engines:   engines,
		network:   network,
		opts:      opts,
		inbox:     make(chan func(), 64),
		done:      make(chan struct{}),
		ctx:       context.Background(),
		observers: make(map[int]chan domain.Update),
		snapshot:  idleSnapshot(localID),
	}
}

func idleSnapshot(localID domain.CallerID) domain.Snapshot {
	return domain.Snapshot{
		LocalID:     localID,
		Role:        domain.RoleNone,
		Phase:       domain.PhaseIdle,
		LocalMedia:  domain.MediaEnabled(),
		RemoteMedia: domain.MediaEnabled(),
	}
}

func (s *CallService) LocalID() domain.CallerID {
	return s.localID
}

// Run processes events until ctx is cancelled. Any active call is ended
// on the way out.
func (s *CallService) Run(ctx context.Context) {
	s.ctx = ctx
	defer close(s.done)

	signals := s.relay.Signals()
	log.Info().Str("local_id", s.localID.String()).Msg("Call service started")

	for {
		select {
		case <-ctx.Done():
			if s.sess != nil {
				s.ctx = context.WithoutCancel(ctx)
				s.hangUp(s.ctx)
			}
			log.Info().Msg("Call service stopped")
			return

		case fn := <-s.inbox:
			fn()

		case sig, ok := <-signals:
			if !ok {
				log.Warn().Msg("Relay closed, no more inbound signals")
				signals = nil
				continue
			}
			s.handleSignal(sig)
		}
	}
}

// post queues fn on the loop. It is used by completions and callbacks,
// which must not block forever once Run has returned.
func (s *CallService) post(fn func()) {
	select {
	case s.inbox <- fn:
	case <-s.done:
	}
}

// do runs fn on the loop and waits for its result. fn is skipped when ctx
// is already done by the time the loop reaches it; once fn has started its
// effects stand even if ctx ends before the result is read.
func (s *CallService) do(ctx context.Context, fn func() error) error {
	reply := make(chan error, 1)
	run := func() {
		if err := ctx.Err(); err != nil {
			reply <- err
			return
		}
		reply <- fn()
	}
	select {
	case s.inbox <- run:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrStopped
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrStopped
	}
}

// StartCall validates peerID and starts an outgoing call. It returns once
// the call is under way; the phase moves on asynchronously.
func (s *CallService) StartCall(ctx context.Context, peerID domain.CallerID) error {
	if err := domain.ValidateTarget(s.localID, peerID); err != nil {
		return err
	}
	return s.do(ctx, func() error { return s.startCall(peerID) })
}

func (s *CallService) AcceptCall(ctx context.Context) error {
	return s.do(ctx, s.acceptCall)
}

func (s *CallService) RejectCall(ctx context.Context) error {
	return s.do(ctx, s.rejectCall)
}

func (s *CallService) HangUp(ctx context.Context) error {
	return s.do(ctx, func() error { return s.hangUp(ctx) })
}

func (s *CallService) ToggleCamera(ctx context.Context) error {
	return s.do(ctx, func() error { return s.toggle(port.TrackVideo) })
}

func (s *CallService) ToggleMicrophone(ctx context.Context) error {
	return s.do(ctx, func() error { return s.toggle(port.TrackAudio) })
}

func (s *CallService) SwitchCamera(ctx context.Context) error {
	return s.do(ctx, s.switchCamera)
}

// Snapshot returns the last published state.
func (s *CallService) Snapshot() domain.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot
}

// Subscribe registers an observer. Updates are dropped for observers that
// fall behind; Snapshot always has the latest state.
func (s *CallService) Subscribe() (<-chan domain.Update, func()) {
	ch := make(chan domain.Update, 32)

	s.mu.Lock()
	id := s.nextObs
	s.nextObs++
	s.observers[id] = ch
	ch <- domain.Update{State: s.snapshot}
	s.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.observers, id)
			s.mu.Unlock()
		})
	}
	return ch, cancel
}

func (s *CallService) publish(notice *domain.Notice) {
	snap := idleSnapshot(s.localID)
	if sess := s.sess; sess != nil {
		snap.PeerID = sess.peer
		snap.Role = sess.role
		snap.Phase = sess.phase
		snap.LocalMedia = sess.localMedia
		snap.RemoteMedia = sess.remoteMedia
		snap.HasLocalStream = sess.stream != nil
		snap.HasRemoteTrack = len(sess.remoteTracks) > 0
		if !sess.phase.Active() {
			snap.PeerID = ""
			snap.Role = domain.RoleNone
		}
	}
	s.broadcast(domain.Update{State: snap, Notice: notice})
}

func (s *CallService) broadcast(u domain.Update) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshot = u.State
	for id, ch := range s.observers {
		select {
		case ch <- u:
		default:
			log.Warn().Int("observer", id).Msg("Observer channel full, dropping update")
		}
	}
}

func (s *CallService) notify(notice domain.Notice) {
	s.mu.RLock()
	snap := s.snapshot
	s.mu.RUnlock()
	s.broadcast(domain.Update{State: snap, Notice: &notice})
}

// current returns the active session if id still names it.
func (s *CallService) current(id domain.SessionID) *session {
	if s.sess == nil || s.sess.id != id {
		return nil
	}
	return s.sess
}

func (s *CallService) send(sig domain.Signal) error {
	ctx, cancel := context.WithTimeout(s.ctx, s.opts.SendTimeout)
	defer cancel()

	if err := s.relay.Send(ctx, sig); err != nil {
		log.Error().Err(err).
			Str("kind", string(sig.Kind)).
			Str("peer_id", sig.To.String()).
			Msg("Failed to send signal to relay")
		return err
	}
	return nil
}

func (s *CallService) begin(peer domain.CallerID, role domain.Role, phase domain.Phase) *session {
	sess := newSession(s.ctx, peer, role, phase)
	s.sess = sess
	sess.log.Info().Str("phase", string(phase)).Msg("Call session created")
	return sess
}

func (s *CallService) setPhase(sess *session, phase domain.Phase, notice *domain.Notice) {
	sess.log.Debug().Str("from", string(sess.phase)).Str("to", string(phase)).Msg("Phase transition")
	sess.phase = phase
	s.publish(notice)
}

// teardown moves the session to ENDED, releases it and resets to IDLE.
func (s *CallService) teardown(notice *domain.Notice) {
	sess := s.sess
	if sess == nil {
		return
	}
	sess.dispose()
	sess.phase = domain.PhaseEnded
	sess.log.Info().Msg("Call session ended")
	s.publish(notice)

	s.sess = nil
	s.publish(nil)
}

// fail ends the session after an unrecoverable error, telling the peer
// when it knows about the call.
func (s *CallService) fail(sess *session, err error, fallback domain.ErrorKind) {
	kind := domain.KindOf(err, fallback)
	sess.log.Error().Err(err).Str("kind", string(kind)).Msg("Call failed")

	if sess.peerAware {
		s.send(domain.NewSignal(domain.SignalEndCall, s.localID, sess.peer))
	}
	s.teardown(&domain.Notice{
		Kind:    domain.NoticeError,
		PeerID:  sess.peer,
		Error:   kind,
		Message: err.Error(),
	})
}

func (s *CallService) violation(op string, cause error) error {
	err := domain.NewError(domain.KindProtocolViolation, op, cause)
	if s.sess != nil {
		s.fail(s.sess, err, domain.KindProtocolViolation)
	}
	return err
}

func (s *CallService) startCall(peer domain.CallerID) error {
	if s.sess != nil {
		return domain.NewError(domain.KindCallInProgress, "start call", errors.New("another call is active"))
	}
	sess := s.begin(peer, domain.RoleCaller, domain.PhaseAwaitingLocalMedia)
	s.publish(nil)
	s.acquireMedia(sess)
	return nil
}

func (s *CallService) acceptCall() error {
	sess := s.sess
	if sess == nil {
		return domain.NewError(domain.KindProtocolViolation, "accept call", errNoSession)
	}
	if sess.role == domain.RoleCallee && sess.answered {
		return nil
	}
	if sess.phase != domain.PhaseIncomingRinging {
		return s.violation("accept call", errors.New("no incoming call to accept"))
	}
	if sess.pendingRemote == nil {
		return s.violation("accept call", errors.New("no buffered offer"))
	}

	sess.answered = true
	s.setPhase(sess, domain.PhaseAwaitingLocalMedia, nil)
	s.acquireMedia(sess)
	return nil
}

func (s *CallService) rejectCall() error {
	sess := s.sess
	if sess == nil {
		return nil
	}
	if sess.phase != domain.PhaseIncomingRinging {
		return s.violation("reject call", errors.New("no incoming call to reject"))
	}
	s.send(domain.NewSignal(domain.SignalReject, s.localID, sess.peer))
	s.teardown(nil)
	return nil
}

func (s *CallService) hangUp(_ context.Context) error {
	sess := s.sess
	if sess == nil {
		return nil
	}
	if sess.phase == domain.PhaseIncomingRinging {
		return s.rejectCall()
	}
	if sess.peerAware {
		s.send(domain.NewSignal(domain.SignalEndCall, s.localID, sess.peer))
	}
	s.teardown(nil)
	return nil
}

func (s *CallService) toggle(kind port.TrackKind) error {
	sess := s.sess
	if sess == nil {
		return domain.NewError(domain.KindProtocolViolation, "toggle "+string(kind), errNoSession)
	}

	var enabled bool
	sig := domain.SignalSetCamera
	if kind == port.TrackVideo {
		sess.localMedia.Camera = !sess.localMedia.Camera
		enabled = sess.localMedia.Camera
	} else {
		sess.localMedia.Microphone = !sess.localMedia.Microphone
		enabled = sess.localMedia.Microphone
		sig = domain.SignalSetMicrophone
	}
	if sess.stream != nil {
		sess.stream.SetEnabled(kind, enabled)
	}
	sess.log.Info().Str("track", string(kind)).Bool("enabled", enabled).Msg("Local media toggled")

	if sess.peerAware {
		out := domain.NewSignal(sig, s.localID, sess.peer)
		out.Enabled = &enabled
		s.send(out)
	}
	s.publish(nil)
	return nil
}

func (s *CallService) switchCamera() error {
	sess := s.sess
	if sess == nil || sess.stream == nil {
		return domain.NewError(domain.KindMediaUnavailable, "switch camera", errors.New("no local stream"))
	}
	stream, id := sess.stream, sess.id
	sess.worker.submit(func() {
		ctx, cancel := context.WithTimeout(sess.ctx, s.opts.StepTimeout)
		defer cancel()
		err := stream.SwitchCamera(ctx)
		if err == nil {
			return
		}
		s.post(func() {
			if s.current(id) == nil {
				return
			}
			sess.log.Warn().Err(err).Msg("Failed to switch camera")
			s.notify(domain.Notice{
				Kind:    domain.NoticeError,
				PeerID:  sess.peer,
				Error:   domain.KindOf(err, domain.KindMediaUnavailable),
				Message: err.Error(),
			})
		})
	})
	return nil
}
