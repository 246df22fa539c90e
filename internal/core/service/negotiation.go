package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
)

// step runs fn on the session worker with a bounded context.
func (s *CallService) step(sess *session, fn func(ctx context.Context)) {
	sess.worker.submit(func() {
		ctx, cancel := context.WithTimeout(sess.ctx, s.opts.StepTimeout)
		defer cancel()
		fn(ctx)
	})
}

func negotiationError(op string, err error) error {
	var ce *domain.CallError
	if errors.As(err, &ce) {
		return err
	}
	return domain.NewError(domain.KindNegotiationFailure, op, err)
}

// acquireMedia opens the local stream and, for the callee, re-checks the
// network before answering.
func (s *CallService) acquireMedia(sess *session) {
	id := sess.id
	constraints := s.opts.Constraints
	s.step(sess, func(ctx context.Context) {
		var network domain.NetworkInfo
		var netErr error
		if sess.role == domain.RoleCallee {
			network, netErr = s.network.Current(ctx)
		}

		if constraints.Video && constraints.DeviceID == "" {
			if devices, err := s.capture.EnumerateDevices(ctx); err == nil {
				if d, ok := port.PickVideoDevice(devices, constraints.Facing); ok {
					constraints.DeviceID = d.ID
				}
			}
		}

		stream, err := s.capture.Acquire(ctx, constraints)
		if err != nil && domain.KindOf(err, "") == "" {
			err = domain.NewError(domain.KindMediaUnavailable, "acquire media", err)
		}
		s.post(func() { s.onLocalMedia(id, stream, network, netErr, err) })
	})
}

func (s *CallService) onLocalMedia(id domain.SessionID, stream port.LocalStream, network domain.NetworkInfo, netErr, err error) {
	sess := s.current(id)
	if sess == nil {
		if stream != nil {
			stream.Stop()
		}
		return
	}

	if err != nil {
		sess.log.Error().Err(err).Msg("Local media unavailable")
		if sess.role == domain.RoleCallee {
			s.send(domain.NewSignal(domain.SignalReject, s.localID, sess.peer))
		}
		s.teardown(&domain.Notice{
			Kind:    domain.NoticeError,
			PeerID:  sess.peer,
			Error:   domain.KindMediaUnavailable,
			Message: err.Error(),
		})
		return
	}

	sess.stream = stream
	stream.SetEnabled(port.TrackVideo, sess.localMedia.Camera)
	stream.SetEnabled(port.TrackAudio, sess.localMedia.Microphone)

	if sess.role == domain.RoleCallee {
		if netErr != nil || sess.remoteNetwork == nil || !network.Matches(*sess.remoteNetwork) {
			if netErr == nil {
				netErr = fmt.Errorf("local network %q does not match caller network", network.Descriptor)
			}
			s.unreachable(sess, netErr)
			return
		}
		sess.localNetwork = &network
		s.setPhase(sess, domain.PhaseNegotiating, nil)
	} else {
		s.publish(nil)
	}
	s.createEngine(sess)
}

// unreachable ends a callee session on a network mismatch.
func (s *CallService) unreachable(sess *session, cause error) {
	sess.log.Warn().Err(cause).Msg("Caller is not on our network")
	s.send(domain.NewSignal(domain.SignalUnreachable, s.localID, sess.peer))
	s.teardown(&domain.Notice{
		Kind:    domain.NoticeUnreachable,
		PeerID:  sess.peer,
		Error:   domain.KindNetworkMismatch,
		Message: "User outside your network trying to call.",
	})
}

func (s *CallService) createEngine(sess *session) {
	id, stream := sess.id, sess.stream
	s.step(sess, func(ctx context.Context) {
		engine, err := s.engines.NewEngine(ctx, stream)
		if err != nil {
			err = negotiationError("create engine", err)
		} else {
			engine.OnICECandidate(func(c *domain.ICECandidate) {
				s.post(func() { s.onLocalCandidate(id, c) })
			})
			engine.OnTrack(func(t port.Track) {
				s.post(func() { s.onRemoteTrack(id, t) })
			})
		}
		s.post(func() { s.onEngine(id, engine, err) })
	})
}

func (s *CallService) onEngine(id domain.SessionID, engine port.NegotiationEngine, err error) {
	sess := s.current(id)
	if sess == nil {
		if engine != nil {
			engine.Close()
		}
		return
	}
	if err != nil {
		s.fail(sess, err, domain.KindNegotiationFailure)
		return
	}
	sess.engine = engine

	if sess.role == domain.RoleCaller {
		s.createOffer(sess)
		return
	}
	s.applyRemote(sess, *sess.pendingRemote)
}

func (s *CallService) createOffer(sess *session) {
	id, engine := sess.id, sess.engine
	s.step(sess, func(ctx context.Context) {
		offer, err := engine.CreateOffer(ctx)
		if err != nil {
			err = negotiationError("create offer", err)
		} else if err = engine.SetLocalDescription(ctx, offer); err != nil {
			err = negotiationError("set local description", err)
		}

		var network domain.NetworkInfo
		if err == nil {
			if network, err = s.network.Current(ctx); err != nil {
				err = domain.NewError(domain.KindNetworkMismatch, "network info", err)
			}
		}
		s.post(func() { s.onOffer(id, offer, network, err) })
	})
}

func (s *CallService) onOffer(id domain.SessionID, offer domain.SessionDescription, network domain.NetworkInfo, err error) {
	sess := s.current(id)
	if sess == nil {
		return
	}
	if err != nil {
		s.fail(sess, err, domain.KindNegotiationFailure)
		return
	}

	sess.localNetwork = &network
	call := domain.NewSignal(domain.SignalCall, s.localID, sess.peer)
	call.Description = &offer
	call.Network = &network
	if err := s.send(call); err != nil {
		s.fail(sess, negotiationError("send offer", err), domain.KindNegotiationFailure)
		return
	}

	sess.peerAware = true
	sess.descriptionSent = true
	s.setPhase(sess, domain.PhaseOutgoingRinging, nil)
	s.flushLocalCandidates(sess)
}

// applyRemote sets the remote description; buffered remote candidates are
// replayed once it is in place.
func (s *CallService) applyRemote(sess *session, desc domain.SessionDescription) {
	id, engine := sess.id, sess.engine
	sess.pendingRemote = nil
	s.step(sess, func(ctx context.Context) {
		err := engine.SetRemoteDescription(ctx, desc)
		if err != nil {
			err = negotiationError("set remote description", err)
		}
		s.post(func() { s.onRemoteApplied(id, err) })
	})
}

func (s *CallService) onRemoteApplied(id domain.SessionID, err error) {
	sess := s.current(id)
	if sess == nil {
		return
	}
	if err != nil {
		s.fail(sess, err, domain.KindNegotiationFailure)
		return
	}

	sess.remoteApplied = true
	queued := sess.remoteCandidates.drain()
	if len(queued) > 0 {
		sess.log.Debug().Int("count", len(queued)).Msg("Replaying buffered ICE candidates")
	}
	for _, c := range queued {
		s.addCandidate(sess, c)
	}

	if sess.role == domain.RoleCallee {
		s.createAnswer(sess)
		return
	}
	s.maybeConnect(sess)
}

func (s *CallService) createAnswer(sess *session) {
	id, engine := sess.id, sess.engine
	s.step(sess, func(ctx context.Context) {
		answer, err := engine.CreateAnswer(ctx)
		if err != nil {
			err = negotiationError("create answer", err)
		} else if err = engine.SetLocalDescription(ctx, answer); err != nil {
			err = negotiationError("set local description", err)
		}
		s.post(func() { s.onAnswer(id, answer, err) })
	})
}

func (s *CallService) onAnswer(id domain.SessionID, answer domain.SessionDescription, err error) {
	sess := s.current(id)
	if sess == nil {
		return
	}
	if err != nil {
		s.fail(sess, err, domain.KindNegotiationFailure)
		return
	}

	out := domain.NewSignal(domain.SignalAnswer, s.localID, sess.peer)
	out.Description = &answer
	out.Network = sess.localNetwork
	if err := s.send(out); err != nil {
		s.fail(sess, negotiationError("send answer", err), domain.KindNegotiationFailure)
		return
	}
	sess.descriptionSent = true
	s.flushLocalCandidates(sess)
	s.maybeConnect(sess)
}

// addCandidate applies one remote candidate. Failures are logged and
// skipped; gathering is best-effort over many candidates.
func (s *CallService) addCandidate(sess *session, c domain.ICECandidate) {
	engine, l := sess.engine, sess.log
	s.step(sess, func(ctx context.Context) {
		if err := engine.AddICECandidate(ctx, c); err != nil {
			l.Warn().Err(err).
				Str("kind", string(domain.KindICEApplyFailure)).
				Str("candidate", c.Candidate).
				Msg("Failed to apply ICE candidate, skipping")
		}
	})
}

func (s *CallService) onLocalCandidate(id domain.SessionID, c *domain.ICECandidate) {
	sess := s.current(id)
	if sess == nil {
		return
	}
	if c == nil {
		sess.log.Debug().Msg("End of candidates")
		return
	}
	if !sess.descriptionSent {
		sess.localCandidates.push(*c)
		return
	}
	s.sendCandidate(sess, *c)
}

func (s *CallService) flushLocalCandidates(sess *session) {
	for _, c := range sess.localCandidates.drain() {
		s.sendCandidate(sess, c)
	}
}

func (s *CallService) sendCandidate(sess *session, c domain.ICECandidate) {
	out := domain.NewSignal(domain.SignalICECandidate, s.localID, sess.peer)
	out.Candidate = &c
	s.send(out)
}

func (s *CallService) onRemoteTrack(id domain.SessionID, t port.Track) {
	sess := s.current(id)
	if sess == nil {
		t.Stop()
		return
	}
	sess.log.Debug().Str("track", string(t.Kind())).Msg("Remote track received")
	sess.remoteTracks = append(sess.remoteTracks, t)
	if !s.maybeConnect(sess) {
		s.publish(nil)
	}
}

// maybeConnect moves NEGOTIATING to CONNECTED once both the local stream
// and a remote track are present.
func (s *CallService) maybeConnect(sess *session) bool {
	if sess.phase != domain.PhaseNegotiating || !sess.connected() {
		return false
	}
	s.setPhase(sess, domain.PhaseConnected, &domain.Notice{
		Kind:    domain.NoticeCallConnected,
		PeerID:  sess.peer,
		Message: "Call connected",
	})
	return true
}
