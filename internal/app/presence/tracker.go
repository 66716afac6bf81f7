// Package presence maintains the locally-tracked set of participants
// joined to a session's voice mesh. Every instance builds its own view
// from join/leave/heartbeat broadcasts; a participant whose heartbeats
// stop for longer than the TTL is treated as departed even without an
// explicit leave.
package presence

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/pairpad/voicemesh/internal/core"
	"github.com/pairpad/voicemesh/internal/domain"
)

const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultTTL               = 60 * time.Second

	sweepInterval = 5 * time.Second
)

type entry struct {
	participant domain.Participant
	lastSeen    time.Time
}

// Tracker owns the participantId -> lastHeartbeat mapping. Membership
// deltas are delivered through the OnMembershipChanged callback.
type Tracker struct {
	selfID    domain.ParticipantID
	announcer core.PresenceAnnouncer
	interval  time.Duration
	ttl       time.Duration

	mu       sync.Mutex
	members  map[domain.ParticipantID]*entry
	active   bool
	onChange func(added, removed []domain.Participant)
	cancel   context.CancelFunc

	now func() time.Time
}

func NewTracker(selfID domain.ParticipantID, announcer core.PresenceAnnouncer) *Tracker {
	return &Tracker{
		selfID:    selfID,
		announcer: announcer,
		interval:  DefaultHeartbeatInterval,
		ttl:       DefaultTTL,
		members:   make(map[domain.ParticipantID]*entry),
		active:    true,
		now:       time.Now,
	}
}

// OnMembershipChanged registers the delta callback. Must be set before Join.
func (t *Tracker) OnMembershipChanged(fn func(added, removed []domain.Participant)) {
	t.mu.Lock()
	t.onChange = fn
	t.mu.Unlock()
}

// Join announces this participant, seeds the membership set from the
// returned roster, and schedules periodic heartbeats plus the TTL sweep.
func (t *Tracker) Join(ctx context.Context) error {
	roster, err := t.announcer.Announce(ctx, core.ActionJoin)
	if err != nil {
		return err
	}
	t.seed(roster)

	ctx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	t.cancel = cancel
	t.mu.Unlock()

	go t.run(ctx)
	log.Info().Str("module", "presence").Str("self", string(t.selfID)).Msg("joined")
	return nil
}

// Leave is a best-effort departure announcement. It also stops the
// heartbeat and sweep timers.
func (t *Tracker) Leave(ctx context.Context) {
	t.mu.Lock()
	cancel := t.cancel
	t.cancel = nil
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if _, err := t.announcer.Announce(ctx, core.ActionLeave); err != nil {
		log.Warn().Err(err).Str("module", "presence").Msg("leave announce failed")
	}
}

// SetActive models foreground visibility: heartbeats only run while
// the owning surface is visible. Regaining visibility announces
// immediately so the TTL window restarts before the next tick.
func (t *Tracker) SetActive(ctx context.Context, active bool) {
	t.mu.Lock()
	was := t.active
	t.active = active
	t.mu.Unlock()
	if active && !was {
		if _, err := t.announcer.Announce(ctx, core.ActionHeartbeat); err != nil {
			log.Warn().Err(err).Str("module", "presence").Msg("visibility-regain heartbeat failed")
		}
	}
}

// Observe ingests a presence broadcast from the relay channel.
func (t *Tracker) Observe(ev core.PresenceEvent) {
	if ev.Participant == t.selfID {
		return
	}
	switch ev.Kind {
	case core.PresenceLeft:
		t.remove(ev.Participant)
	case core.PresenceJoined, core.PresenceHeartbeat:
		// A heartbeat for an unknown participant doubles as a join: the
		// join broadcast itself may have been dropped by the relay.
		t.refresh(ev.Participant, ev.Name)
	}
}

// Participants returns a snapshot of the currently-present set.
func (t *Tracker) Participants() []domain.Participant {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]domain.Participant, 0, len(t.members))
	for _, e := range t.members {
		out = append(out, e.participant)
	}
	return out
}

func (t *Tracker) run(ctx context.Context) {
	beat := time.NewTicker(t.interval)
	sweep := time.NewTicker(sweepInterval)
	defer beat.Stop()
	defer sweep.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-beat.C:
			t.mu.Lock()
			active := t.active
			t.mu.Unlock()
			if !active {
				continue
			}
			if _, err := t.announcer.Announce(ctx, core.ActionHeartbeat); err != nil {
				log.Warn().Err(err).Str("module", "presence").Msg("heartbeat failed")
			}
		case <-sweep.C:
			t.Sweep()
		}
	}
}

// Sweep expires members whose heartbeats stopped for longer than the TTL.
func (t *Tracker) Sweep() {
	now := t.now()
	var expired []domain.Participant
	t.mu.Lock()
	for id, e := range t.members {
		if now.Sub(e.lastSeen) > t.ttl {
			expired = append(expired, e.participant)
			delete(t.members, id)
		}
	}
	fn := t.onChange
	t.mu.Unlock()

	if len(expired) == 0 {
		return
	}
	for _, p := range expired {
		log.Info().Str("module", "presence").Str("participant", string(p.ID)).Msg("heartbeat TTL expired")
	}
	if fn != nil {
		fn(nil, expired)
	}
}

func (t *Tracker) seed(roster core.Roster) {
	var added []domain.Participant
	now := t.now()
	t.mu.Lock()
	for _, p := range roster {
		if p.ID == t.selfID {
			continue
		}
		if _, ok := t.members[p.ID]; ok {
			continue
		}
		t.members[p.ID] = &entry{participant: p, lastSeen: now}
		added = append(added, p)
	}
	fn := t.onChange
	t.mu.Unlock()
	if len(added) > 0 && fn != nil {
		fn(added, nil)
	}
}

func (t *Tracker) refresh(id domain.ParticipantID, name string) {
	now := t.now()
	t.mu.Lock()
	e, ok := t.members[id]
	if ok {
		e.lastSeen = now
		t.mu.Unlock()
		return
	}
	p := domain.Participant{ID: id, Name: name, JoinedAt: now}
	t.members[id] = &entry{participant: p, lastSeen: now}
	fn := t.onChange
	t.mu.Unlock()

	log.Info().Str("module", "presence").Str("participant", string(id)).Msg("participant joined")
	if fn != nil {
		fn([]domain.Participant{p}, nil)
	}
}

func (t *Tracker) remove(id domain.ParticipantID) {
	t.mu.Lock()
	e, ok := t.members[id]
	if ok {
		delete(t.members, id)
	}
	fn := t.onChange
	t.mu.Unlock()
	if !ok {
		return
	}
	log.Info().Str("module", "presence").Str("participant", string(id)).Msg("participant left")
	if fn != nil {
		fn(nil, []domain.Participant{e.participant})
	}
}
