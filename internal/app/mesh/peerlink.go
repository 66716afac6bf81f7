package mesh

import (
	"context"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/pairpad/voicemesh/internal/core"
	"github.com/pairpad/voicemesh/internal/domain"
)

// LinkState is the negotiation state of one peer link. It advances
// monotonically within a signaling round; Failed and Closed are
// terminal.
type LinkState int

const (
	LinkIdle LinkState = iota
	LinkOfferSent
	LinkStable
	LinkFailed
	LinkClosed
)

func (s LinkState) String() string {
	switch s {
	case LinkIdle:
		return "idle"
	case LinkOfferSent:
		return "offer_sent"
	case LinkStable:
		return "stable"
	case LinkFailed:
		return "failed"
	default:
		return "closed"
	}
}

// PeerLink owns one bidirectional media connection to one remote
// participant. All methods must be called from the coordinator's event
// loop; the link holds no locks of its own.
type PeerLink struct {
	selfID domain.ParticipantID
	peerID domain.ParticipantID

	state      LinkState
	transport  core.LinkTransport
	sink       core.MediaSink
	sentTracks map[domain.TrackID]struct{}

	send   func(target domain.ParticipantID, p core.Payload) error
	logger zerolog.Logger
}

func newPeerLink(
	selfID, peerID domain.ParticipantID,
	transport core.LinkTransport,
	sink core.MediaSink,
	send func(domain.ParticipantID, core.Payload) error,
) *PeerLink {
	l := &PeerLink{
		selfID:     selfID,
		peerID:     peerID,
		state:      LinkIdle,
		transport:  transport,
		sink:       sink,
		sentTracks: make(map[domain.TrackID]struct{}),
		send:       send,
		logger: log.With().
			Str("module", "mesh.link").
			Str("peer", string(peerID)).
			Logger(),
	}
	transport.OnRemoteTrack(l.onRemoteTrack)
	return l
}

func (l *PeerLink) State() LinkState             { return l.state }
func (l *PeerLink) PeerID() domain.ParticipantID { return l.peerID }

func (l *PeerLink) setState(s LinkState) {
	if s == l.state {
		return
	}
	l.logger.Info().
		Str("from", l.state.String()).
		Str("to", s.String()).
		Msg("link state")
	l.state = s
}

func (l *PeerLink) terminal() bool {
	return l.state == LinkClosed || l.state == LinkFailed
}

// Initiate runs the initiator flow: create an offer with the gathered
// candidate batch inline and send it. Only valid from Idle.
func (l *PeerLink) Initiate(ctx context.Context) error {
	if l.state != LinkIdle {
		l.logger.Warn().Str("state", l.state.String()).Msg("initiate skipped: not idle")
		return nil
	}
	sdp, err := l.transport.CreateOffer(ctx)
	if err != nil {
		l.setState(LinkFailed)
		return err
	}
	if err := l.send(l.peerID, core.Offer{SDP: sdp}); err != nil {
		l.setState(LinkFailed)
		return err
	}
	l.setState(LinkOfferSent)
	return nil
}

// Renegotiate restarts a full offer/answer cycle, used after the local
// track set changed. In-place renegotiation signaling is deliberately
// not attempted.
func (l *PeerLink) Renegotiate(ctx context.Context) error {
	if l.terminal() {
		return nil
	}
	l.setState(LinkIdle)
	return l.Initiate(ctx)
}

// HandleOffer runs the responder flow. Simultaneous offers resolve
// deterministically: the side with the lower participant ID keeps its
// outstanding offer, the other rolls back and answers.
func (l *PeerLink) HandleOffer(ctx context.Context, offer core.Offer) error {
	switch {
	case l.terminal():
		l.logger.Warn().Str("state", l.state.String()).Msg("offer dropped: link terminal")
		return nil
	case l.state == LinkOfferSent:
		if l.selfID < l.peerID {
			// Our offer wins the glare; the peer rolls back and answers.
			l.logger.Info().Msg("glare: keeping local offer")
			return nil
		}
		l.logger.Info().Msg("glare: rolling back local offer")
		if err := l.transport.Rollback(); err != nil {
			l.setState(LinkFailed)
			return err
		}
	}
	sdp, err := l.transport.CreateAnswer(ctx, offer.SDP)
	if err != nil {
		// Malformed offer: drop the message, keep the current state so a
		// fresh attempt can still land.
		l.logger.Warn().Err(err).Msg("offer dropped: answer failed")
		return err
	}
	if err := l.send(l.peerID, core.Answer{SDP: sdp}); err != nil {
		l.setState(LinkFailed)
		return err
	}
	l.setState(LinkStable)
	return nil
}

// HandleAnswer completes the initiator flow. Answers arriving in any
// state other than OfferSent are duplicates or stale and are dropped.
func (l *PeerLink) HandleAnswer(answer core.Answer) error {
	if l.state != LinkOfferSent {
		l.logger.Warn().Str("state", l.state.String()).Msg("answer dropped: no outstanding offer")
		return nil
	}
	if err := l.transport.ApplyAnswer(answer.SDP); err != nil {
		l.logger.Warn().Err(err).Msg("answer dropped: apply failed")
		return err
	}
	l.setState(LinkStable)
	return nil
}

// HandleCandidate applies a late-arriving remote candidate. The
// transport queues it if no remote description exists yet.
func (l *PeerLink) HandleCandidate(c core.Candidate) {
	if l.terminal() {
		return
	}
	if err := l.transport.AddRemoteCandidate(c); err != nil {
		l.logger.Warn().Err(err).Msg("candidate dropped")
	}
}

// AttachTrack adds the shared capture track to this link's outbound
// senders, replacing any stale sender of the same track first.
func (l *PeerLink) AttachTrack(t webrtc.TrackLocal) error {
	id, err := l.transport.AttachTrack(t)
	if err != nil {
		return err
	}
	l.sentTracks[id] = struct{}{}
	return nil
}

// DetachTracks removes every outbound sender from this link.
func (l *PeerLink) DetachTracks() {
	l.transport.DetachAll()
	clear(l.sentTracks)
}

// Close tears the link down from any state: outbound senders released,
// inbound sink stopped, transport closed.
func (l *PeerLink) Close() {
	if l.state == LinkClosed {
		return
	}
	l.transport.DetachAll()
	clear(l.sentTracks)
	if l.sink != nil {
		l.sink.Release()
	}
	l.transport.Close()
	l.setState(LinkClosed)
}

func (l *PeerLink) onRemoteTrack(track *webrtc.TrackRemote) {
	if l.sink == nil {
		return
	}
	l.sink.Attach(track)
	if err := l.sink.Play(); err != nil {
		l.logger.Warn().Err(err).Msg("sink playback blocked")
	}
}
