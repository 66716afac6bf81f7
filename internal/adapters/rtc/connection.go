// Package rtc implements core.LinkTransport on a pion PeerConnection.
package rtc

import (
	"context"
	"fmt"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/pairpad/voicemesh/internal/core"
	"github.com/pairpad/voicemesh/internal/domain"
)

const (
	// DefaultGatherTimeout bounds ICE gathering: the offer/answer is
	// sent with whatever candidates were collected by then. Trickle ICE
	// is not used.
	DefaultGatherTimeout = 2 * time.Second

	// pendingCandidateCap bounds the queue of remote candidates that
	// arrive before a remote description exists.
	pendingCandidateCap = 16
)

func DefaultWebRTCConfig(stunURLs []string) webrtc.Configuration {
	if len(stunURLs) == 0 {
		stunURLs = []string{"stun:stun.l.google.com:19302"}
	}
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: stunURLs}},
	}
}

// Transport wraps one PeerConnection for one remote peer. Negotiation
// sequencing is the peer link's job; this adapter only talks SDP and
// candidates to pion.
type Transport struct {
	pc            *webrtc.PeerConnection
	peer          domain.ParticipantID
	gatherTimeout time.Duration

	pending []webrtc.ICECandidateInit
	senders map[domain.TrackID]*webrtc.RTPSender

	onRemoteTrack func(*webrtc.TrackRemote)
	onFailed      func()

	logger zerolog.Logger
}

func NewTransport(cfg webrtc.Configuration, peer domain.ParticipantID) (*Transport, error) {
	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	t := &Transport{
		pc:            pc,
		peer:          peer,
		gatherTimeout: DefaultGatherTimeout,
		senders:       make(map[domain.TrackID]*webrtc.RTPSender),
		logger: log.With().
			Str("module", "rtc").
			Str("peer", string(peer)).
			Logger(),
	}

	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		t.logger.Info().Str("ice_state", s.String()).Msg("ICE state")
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		t.logger.Info().Str("peer_connection_state", s.String()).Msg("peer state")
		if s == webrtc.PeerConnectionStateFailed && t.onFailed != nil {
			t.onFailed()
		}
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		t.logger.Info().
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Msg("remote track")
		if t.onRemoteTrack != nil {
			t.onRemoteTrack(track)
		}
	})
	return t, nil
}

func (t *Transport) OnRemoteTrack(fn func(*webrtc.TrackRemote)) { t.onRemoteTrack = fn }
func (t *Transport) OnFailed(fn func())                         { t.onFailed = fn }

// CreateOffer sets the local description and waits for ICE gathering
// to complete or for the gather timeout, whichever comes first. The
// returned SDP carries the gathered candidate batch.
func (t *Transport) CreateOffer(ctx context.Context) (string, error) {
	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("create offer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(t.pc)
	if err := t.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("set local offer: %w", err)
	}
	t.waitGather(ctx, gathered)
	return t.pc.LocalDescription().SDP, nil
}

// CreateAnswer applies the remote offer, flushes queued candidates and
// produces an answer with the same bounded-gathering policy.
func (t *Transport) CreateAnswer(ctx context.Context, offerSDP string) (string, error) {
	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offerSDP}
	if err := t.pc.SetRemoteDescription(offer); err != nil {
		return "", fmt.Errorf("set remote offer: %w", err)
	}
	t.flushPending()

	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("create answer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(t.pc)
	if err := t.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("set local answer: %w", err)
	}
	t.waitGather(ctx, gathered)
	return t.pc.LocalDescription().SDP, nil
}

func (t *Transport) Rollback() error {
	return t.pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback})
}

func (t *Transport) ApplyAnswer(sdp string) error {
	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}
	if err := t.pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	t.flushPending()
	return nil
}

// AddRemoteCandidate applies a late candidate, queueing it (bounded,
// oldest dropped on overflow) while no remote description exists.
func (t *Transport) AddRemoteCandidate(c core.Candidate) error {
	init := webrtc.ICECandidateInit{Candidate: c.Candidate}
	if c.SDPMid != "" {
		mid := c.SDPMid
		init.SDPMid = &mid
	}
	idx := c.SDPMLineIndex
	init.SDPMLineIndex = &idx

	if t.pc.RemoteDescription() == nil {
		if len(t.pending) >= pendingCandidateCap {
			t.pending = t.pending[1:]
			t.logger.Warn().Msg("pending candidate queue full, dropping oldest")
		}
		t.pending = append(t.pending, init)
		return nil
	}
	return t.pc.AddICECandidate(init)
}

func (t *Transport) flushPending() {
	for _, init := range t.pending {
		if err := t.pc.AddICECandidate(init); err != nil {
			t.logger.Warn().Err(err).Msg("queued candidate rejected")
		}
	}
	t.pending = nil
}

// AttachTrack adds an outbound sender, replacing a stale sender that
// still carries a track with the same ID.
func (t *Transport) AttachTrack(track webrtc.TrackLocal) (domain.TrackID, error) {
	id := domain.TrackID(track.ID())
	if stale, ok := t.senders[id]; ok {
		if err := t.pc.RemoveTrack(stale); err != nil {
			t.logger.Warn().Err(err).Str("track_id", string(id)).Msg("stale sender removal failed")
		}
		delete(t.senders, id)
	}
	sender, err := t.pc.AddTrack(track)
	if err != nil {
		return "", fmt.Errorf("add track: %w", err)
	}
	t.senders[id] = sender

	// Drain RTCP so interceptors keep running.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return id, nil
}

func (t *Transport) DetachAll() {
	for id, sender := range t.senders {
		if err := t.pc.RemoveTrack(sender); err != nil {
			t.logger.Warn().Err(err).Str("track_id", string(id)).Msg("sender removal failed")
		}
		delete(t.senders, id)
	}
}

func (t *Transport) Close() {
	if err := t.pc.Close(); err != nil {
		t.logger.Error().Err(err).Msg("close error")
		return
	}
	t.logger.Info().Msg("closed")
}

func (t *Transport) waitGather(ctx context.Context, gathered <-chan struct{}) {
	timer := time.NewTimer(t.gatherTimeout)
	defer timer.Stop()
	select {
	case <-gathered:
	case <-timer.C:
		t.logger.Info().Dur("timeout", t.gatherTimeout).Msg("ICE gathering timed out, sending partial batch")
	case <-ctx.Done():
	}
}
