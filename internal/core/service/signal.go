package service

import (
	"context"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/rs/zerolog/log"
)

// handleSignal validates and applies one inbound relay signal.
func (s *CallService) handleSignal(sig domain.Signal) {
	if !sig.To.IsZero() && sig.To != s.localID {
		s.stale(sig, "addressed to another caller")
		return
	}
	if sig.From == s.localID {
		s.stale(sig, "signal from ourselves")
		return
	}

	if sig.Kind == domain.SignalCall {
		s.onIncomingCall(sig)
		return
	}

	sess := s.sess
	if sess == nil || sess.peer != sig.From {
		s.stale(sig, "no active call with this peer")
		return
	}

	switch sig.Kind {
	case domain.SignalAnswer:
		s.onCallAnswered(sess, sig)
	case domain.SignalReject:
		if sess.role != domain.RoleCaller {
			s.stale(sig, "reject for a call we did not place")
			return
		}
		sess.log.Info().Msg("Call rejected by peer")
		s.teardown(&domain.Notice{
			Kind:    domain.NoticeRejected,
			PeerID:  sess.peer,
			Message: "Call rejected.",
		})
	case domain.SignalUnreachable:
		if sess.role != domain.RoleCaller {
			s.stale(sig, "unreachable for a call we did not place")
			return
		}
		sess.log.Warn().Msg("Peer reports we are on a different network")
		s.teardown(&domain.Notice{
			Kind:    domain.NoticeUnreachable,
			PeerID:  sess.peer,
			Error:   domain.KindNetworkMismatch,
			Message: "Peer is not on your network.",
		})
	case domain.SignalICECandidate:
		s.onRemoteCandidate(sess, sig)
	case domain.SignalEndCall:
		sess.log.Info().Msg("Call ended by peer")
		s.teardown(&domain.Notice{
			Kind:    domain.NoticeEndedByPeer,
			PeerID:  sess.peer,
			Message: "Your call has been ended by your peer.",
		})
	case domain.SignalSetCamera:
		sess.remoteMedia.Camera = toggled(sess.remoteMedia.Camera, sig.Enabled)
		s.publish(nil)
	case domain.SignalSetMicrophone:
		sess.remoteMedia.Microphone = toggled(sess.remoteMedia.Microphone, sig.Enabled)
		s.publish(nil)
	default:
		log.Warn().Str("kind", string(sig.Kind)).Msg("Unknown signal kind")
	}
}

func toggled(current bool, enabled *bool) bool {
	if enabled == nil {
		return !current
	}
	return *enabled
}

func (s *CallService) stale(sig domain.Signal, reason string) {
	log.Debug().
		Str("kind", string(sig.Kind)).
		Str("from", sig.From.String()).
		Str("error", string(domain.KindStaleEvent)).
		Str("reason", reason).
		Msg("Ignoring signal")
}

// onIncomingCall screens a CALL and probes our network off the loop;
// onCallProbed finishes the job once the probe answers.
func (s *CallService) onIncomingCall(sig domain.Signal) {
	if !s.admit(sig) {
		return
	}
	if !sig.From.Valid() || sig.Description == nil || sig.Description.Type != domain.SDPOffer {
		log.Warn().Str("peer_id", sig.From.String()).Msg("Malformed incoming call, ignoring")
		return
	}

	parent, timeout := s.ctx, s.opts.ProbeTimeout
	go func() {
		ctx, cancel := context.WithTimeout(parent, timeout)
		local, err := s.network.Current(ctx)
		cancel()
		s.post(func() { s.onCallProbed(sig, local, err) })
	}()
}

func (s *CallService) onCallProbed(sig domain.Signal, local domain.NetworkInfo, err error) {
	// The session may have changed while the probe ran.
	if !s.admit(sig) {
		return
	}
	if err != nil || sig.Network == nil || !local.Matches(*sig.Network) {
		ev := log.Warn().Str("peer_id", sig.From.String()).Str("local_network", local.Descriptor)
		if sig.Network != nil {
			ev = ev.Str("caller_network", sig.Network.Descriptor)
		}
		ev.Err(err).Msg("Unreachable call, caller outside our network")

		s.send(domain.NewSignal(domain.SignalUnreachable, s.localID, sig.From))
		s.notify(domain.Notice{
			Kind:    domain.NoticeUnreachable,
			PeerID:  sig.From,
			Error:   domain.KindNetworkMismatch,
			Message: "User outside your network trying to call.",
		})
		return
	}

	sess := s.begin(sig.From, domain.RoleCallee, domain.PhaseIncomingRinging)
	offer := *sig.Description
	sess.pendingRemote = &offer
	network := *sig.Network
	sess.remoteNetwork = &network
	s.publish(nil)
}

// admit reports whether an incoming CALL may start a new session. A CALL
// while busy is declined. When we are calling the same peer, the lower
// caller ID keeps its call and the higher one gives way to the incoming one.
func (s *CallService) admit(sig domain.Signal) bool {
	sess := s.sess
	if sess == nil {
		return true
	}
	if sess.peer != sig.From {
		log.Info().Str("peer_id", sig.From.String()).Msg("Declining call, another call is active")
		s.send(domain.NewSignal(domain.SignalReject, s.localID, sig.From))
		s.notify(domain.Notice{
			Kind:    domain.NoticeDeclinedBusy,
			PeerID:  sig.From,
			Error:   domain.KindCallInProgress,
			Message: "Missed a call while busy.",
		})
		return false
	}
	if sess.role == domain.RoleCallee {
		s.stale(sig, "duplicate call")
		return false
	}

	if s.localID < sig.From {
		// The peer gives way; whatever it sent for its own call is stale.
		sess.log.Info().Msg("Calls crossed, keeping ours")
		sess.remoteCandidates.drain()
		sess.crossed = true
		return false
	}
	sess.log.Info().Msg("Calls crossed, answering theirs instead")
	s.teardown(nil)
	return true
}

func (s *CallService) onCallAnswered(sess *session, sig domain.Signal) {
	if sess.role != domain.RoleCaller || sess.phase != domain.PhaseOutgoingRinging {
		s.stale(sig, "answer outside outgoing ringing")
		return
	}
	if sig.Description == nil || sig.Description.Type != domain.SDPAnswer {
		s.fail(sess, domain.NewError(domain.KindProtocolViolation, "call answered", errMissingAnswer), domain.KindProtocolViolation)
		return
	}
	if sig.Network != nil && sess.localNetwork != nil && !sess.localNetwork.Matches(*sig.Network) {
		s.fail(sess, domain.NewError(domain.KindNetworkMismatch, "call answered", errNetworkChanged), domain.KindNetworkMismatch)
		return
	}

	sess.crossed = false
	s.setPhase(sess, domain.PhaseNegotiating, nil)
	s.applyRemote(sess, *sig.Description)
}

// onRemoteCandidate applies a peer candidate, or holds it until the
// remote description is in place.
func (s *CallService) onRemoteCandidate(sess *session, sig domain.Signal) {
	if sig.Candidate == nil {
		s.stale(sig, "empty candidate")
		return
	}
	if sess.crossed {
		s.stale(sig, "candidate for the call the peer dropped")
		return
	}
	if !sess.remoteApplied {
		sess.remoteCandidates.push(*sig.Candidate)
		sess.log.Debug().Int("queued", sess.remoteCandidates.len()).Msg("Buffering ICE candidate until remote description is set")
		return
	}
	s.addCandidate(sess, *sig.Candidate)
}
