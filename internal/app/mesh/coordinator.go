// Package mesh maps the set of active participants onto the set of
// peer links that must exist, and owns the negotiation state machine
// of each link.
package mesh

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/pairpad/voicemesh/internal/core"
	"github.com/pairpad/voicemesh/internal/domain"
)

const DefaultSettleDelay = time.Second

// Snapshot is the read-only view handed to the UI collaborator.
type Snapshot struct {
	Links  map[domain.ParticipantID]LinkState
	Muted  map[domain.ParticipantID]bool
	Audio  bool
	Status core.ConnStatus
}

// Coordinator reconciles presence deltas and local mute toggles into
// peer link lifecycle operations. All mesh state is mutated on a
// single event loop; there are no locks and no shared authoritative
// state across instances.
type Coordinator struct {
	selfID     domain.ParticipantID
	relay      core.RelayClient
	transports core.TransportFactory
	sinks      core.SinkFactory
	capture    core.CaptureSource

	links       map[domain.ParticipantID]*PeerLink
	mutedPeers  map[domain.ParticipantID]bool
	audioOn     bool
	settleDelay time.Duration

	onSpeaking func(id domain.ParticipantID, speaking bool)

	tasks  chan func()
	runCtx context.Context
}

func NewCoordinator(
	selfID domain.ParticipantID,
	relay core.RelayClient,
	transports core.TransportFactory,
	sinks core.SinkFactory,
	capture core.CaptureSource,
) *Coordinator {
	return &Coordinator{
		selfID:      selfID,
		relay:       relay,
		transports:  transports,
		sinks:       sinks,
		capture:     capture,
		links:       make(map[domain.ParticipantID]*PeerLink),
		mutedPeers:  make(map[domain.ParticipantID]bool),
		settleDelay: DefaultSettleDelay,
		tasks:       make(chan func(), 128),
	}
}

// SetSettleDelay overrides the transport-init settle delay before the
// first offer to a newly observed participant.
func (c *Coordinator) SetSettleDelay(d time.Duration) { c.settleDelay = d }

// OnSpeaking registers the consumer of remote speaking hints.
func (c *Coordinator) OnSpeaking(fn func(id domain.ParticipantID, speaking bool)) {
	c.onSpeaking = fn
}

// Run drains the event loop until ctx is cancelled, then closes every
// remaining link.
func (c *Coordinator) Run(ctx context.Context) {
	c.runCtx = ctx
	for {
		select {
		case <-ctx.Done():
			for id := range c.links {
				c.closeLink(id)
			}
			return
		case task := <-c.tasks:
			task()
		}
	}
}

// post queues work onto the event loop.
func (c *Coordinator) post(task func()) {
	c.tasks <- task
}

// Sync blocks until every previously posted task has run.
func (c *Coordinator) Sync() {
	done := make(chan struct{})
	c.post(func() { close(done) })
	<-done
}

// OnMembership is the presence tracker's delta callback.
func (c *Coordinator) OnMembership(added, removed []domain.Participant) {
	c.post(func() {
		for _, p := range added {
			c.ensureLink(p.ID, c.audioOn)
		}
		for _, p := range removed {
			c.closeLink(p.ID)
		}
	})
}

// OnSignal is the relay client's dispatch callback. Payload matching
// is already done at the ingestion boundary; here the message is
// routed to the owning link.
func (c *Coordinator) OnSignal(from domain.ParticipantID, p core.Payload) {
	c.post(func() {
		switch msg := p.(type) {
		case core.Offer:
			c.handleOffer(from, msg)
		case core.Answer:
			if link, ok := c.links[from]; ok {
				_ = link.HandleAnswer(msg)
			} else {
				log.Warn().Str("module", "mesh").Str("peer", string(from)).Msg("answer dropped: no link")
			}
		case core.Candidate:
			// A candidate must never create a link as a side effect: a
			// stale one for a closed peer is simply dropped.
			if link, ok := c.links[from]; ok {
				link.HandleCandidate(msg)
			} else {
				log.Warn().Str("module", "mesh").Str("peer", string(from)).Msg("stale candidate dropped")
			}
		case core.Speaking:
			if c.onSpeaking != nil {
				c.onSpeaking(from, msg.Speaking)
			}
		case core.Mute:
			c.mutedPeers[from] = msg.Muted
		}
	})
}

// SetAudioEnabled toggles the local microphone. Unmute acquires the
// capture device, attaches the shared track to every link and restarts
// a full offer/answer cycle per link. Mute detaches every outbound
// sender and releases the capture device entirely. A device error
// forces mute back on and is returned to the caller.
func (c *Coordinator) SetAudioEnabled(ctx context.Context, enabled bool) error {
	errc := make(chan error, 1)
	c.post(func() {
		if enabled == c.audioOn {
			errc <- nil
			return
		}
		if enabled {
			errc <- c.unmute(ctx)
			return
		}
		c.mute()
		errc <- nil
	})
	return <-errc
}

func (c *Coordinator) unmute(ctx context.Context) error {
	if err := c.capture.Start(ctx); err != nil {
		c.audioOn = false
		log.Error().Err(err).Str("module", "mesh").Msg("capture device unavailable, staying muted")
		return err
	}
	c.audioOn = true
	track := c.capture.Track()
	for _, link := range c.links {
		if err := link.AttachTrack(track); err != nil {
			log.Warn().Err(err).Str("module", "mesh").Str("peer", string(link.peerID)).Msg("attach track failed")
			continue
		}
		if err := link.Renegotiate(c.runCtx); err != nil {
			log.Warn().Err(err).Str("module", "mesh").Str("peer", string(link.peerID)).Msg("renegotiate failed")
		}
	}
	if err := c.relay.Broadcast(core.Mute{Muted: false}); err != nil {
		log.Warn().Err(err).Str("module", "mesh").Msg("unmute broadcast failed")
	}
	log.Info().Str("module", "mesh").Msg("audio enabled")
	return nil
}

func (c *Coordinator) mute() {
	for _, link := range c.links {
		link.DetachTracks()
	}
	c.capture.Stop()
	c.audioOn = false
	if err := c.relay.Broadcast(core.Mute{Muted: true}); err != nil {
		log.Warn().Err(err).Str("module", "mesh").Msg("mute broadcast failed")
	}
	log.Info().Str("module", "mesh").Msg("audio disabled, capture released")
}

// Snapshot returns the UI view of the mesh, computed on the loop.
func (c *Coordinator) Snapshot() Snapshot {
	out := make(chan Snapshot, 1)
	c.post(func() {
		snap := Snapshot{
			Links:  make(map[domain.ParticipantID]LinkState, len(c.links)),
			Muted:  make(map[domain.ParticipantID]bool, len(c.mutedPeers)),
			Audio:  c.audioOn,
			Status: c.relay.Status(),
		}
		for id, link := range c.links {
			snap.Links[id] = link.State()
		}
		for id, muted := range c.mutedPeers {
			snap.Muted[id] = muted
		}
		out <- snap
	})
	return <-out
}

// ensureLink creates the peer link if absent; at most one link exists
// per remote participant. When initiate is set, the first offer is
// scheduled after a short settle delay so the transport can finish
// initializing.
func (c *Coordinator) ensureLink(id domain.ParticipantID, initiate bool) *PeerLink {
	if link, ok := c.links[id]; ok {
		return link
	}
	transport, err := c.transports(id)
	if err != nil {
		log.Error().Err(err).Str("module", "mesh").Str("peer", string(id)).Msg("transport create failed")
		return nil
	}
	link := newPeerLink(c.selfID, id, transport, c.sinks(id), c.relay.SendTo)
	transport.OnFailed(func() {
		c.post(func() { c.closeLink(id) })
	})
	c.links[id] = link

	if initiate {
		time.AfterFunc(c.settleDelay, func() {
			c.post(func() {
				current, ok := c.links[id]
				if !ok || current != link || !c.audioOn {
					return
				}
				if err := link.AttachTrack(c.capture.Track()); err != nil {
					log.Warn().Err(err).Str("module", "mesh").Str("peer", string(id)).Msg("attach track failed")
				}
				if err := link.Initiate(c.runCtx); err != nil {
					log.Warn().Err(err).Str("module", "mesh").Str("peer", string(id)).Msg("initiate failed")
					c.closeLink(id)
				}
			})
		})
	}
	return link
}

func (c *Coordinator) handleOffer(from domain.ParticipantID, offer core.Offer) {
	link, ok := c.links[from]
	if !ok {
		// The peer observed our join before its own presence broadcast
		// reached us. Answering creates the link as responder; presence
		// will confirm (or expire) the peer shortly after.
		link = c.ensureLink(from, false)
		if link == nil {
			return
		}
		// The answer must carry our audio too, or the link goes stable
		// one-way until the next mute toggle.
		if c.audioOn {
			if err := link.AttachTrack(c.capture.Track()); err != nil {
				log.Warn().Err(err).Str("module", "mesh").Str("peer", string(from)).Msg("attach track failed")
			}
		}
	}
	if err := link.HandleOffer(c.runCtx, offer); err != nil {
		log.Warn().Err(err).Str("module", "mesh").Str("peer", string(from)).Msg("offer handling failed")
	}
}

func (c *Coordinator) closeLink(id domain.ParticipantID) {
	link, ok := c.links[id]
	if !ok {
		return
	}
	link.Close()
	delete(c.links, id)
	delete(c.mutedPeers, id)
}
