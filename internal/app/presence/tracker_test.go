package presence

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pairpad/voicemesh/internal/core"
	"github.com/pairpad/voicemesh/internal/domain"
)

type fakeAnnouncer struct {
	mu      sync.Mutex
	actions []core.PresenceAction
	roster  core.Roster
	err     error
}

func (f *fakeAnnouncer) Announce(_ context.Context, action core.PresenceAction) (core.Roster, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actions = append(f.actions, action)
	if f.err != nil {
		return nil, f.err
	}
	if action == core.ActionJoin {
		return f.roster, nil
	}
	return nil, nil
}

func (f *fakeAnnouncer) recorded() []core.PresenceAction {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]core.PresenceAction(nil), f.actions...)
}

type deltaRecorder struct {
	mu      sync.Mutex
	added   []domain.Participant
	removed []domain.Participant
}

func (r *deltaRecorder) record(added, removed []domain.Participant) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.added = append(r.added, added...)
	r.removed = append(r.removed, removed...)
}

func newTestTracker(t *testing.T, announcer *fakeAnnouncer) (*Tracker, *deltaRecorder) {
	t.Helper()
	tr := NewTracker("self", announcer)
	rec := &deltaRecorder{}
	tr.OnMembershipChanged(rec.record)
	return tr, rec
}

func TestJoinSeedsRoster(t *testing.T) {
	announcer := &fakeAnnouncer{roster: core.Roster{
		{ID: "self", Name: "Me"},
		{ID: "p1", Name: "Alice"},
		{ID: "p2", Name: "Bob"},
	}}
	tr, rec := newTestTracker(t, announcer)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, tr.Join(ctx))

	assert.Len(t, tr.Participants(), 2, "self must not appear in the tracked set")
	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Len(t, rec.added, 2)
	assert.Empty(t, rec.removed)
}

func TestObserveJoinAndLeave(t *testing.T) {
	tr, rec := newTestTracker(t, &fakeAnnouncer{})

	tr.Observe(core.PresenceEvent{Kind: core.PresenceJoined, Participant: "p1", Name: "Alice"})
	assert.Len(t, tr.Participants(), 1)

	// Duplicate join only refreshes.
	tr.Observe(core.PresenceEvent{Kind: core.PresenceJoined, Participant: "p1", Name: "Alice"})
	assert.Len(t, tr.Participants(), 1)

	tr.Observe(core.PresenceEvent{Kind: core.PresenceLeft, Participant: "p1"})
	assert.Empty(t, tr.Participants())

	// Leave for an unknown participant is a no-op.
	tr.Observe(core.PresenceEvent{Kind: core.PresenceLeft, Participant: "p9"})

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Len(t, rec.added, 1)
	assert.Len(t, rec.removed, 1)
}

func TestObserveIgnoresSelf(t *testing.T) {
	tr, _ := newTestTracker(t, &fakeAnnouncer{})
	tr.Observe(core.PresenceEvent{Kind: core.PresenceJoined, Participant: "self"})
	assert.Empty(t, tr.Participants())
}

func TestHeartbeatForUnknownActsAsJoin(t *testing.T) {
	tr, rec := newTestTracker(t, &fakeAnnouncer{})

	tr.Observe(core.PresenceEvent{Kind: core.PresenceHeartbeat, Participant: "p1", Name: "Alice"})
	require.Len(t, tr.Participants(), 1)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.added, 1)
	assert.Equal(t, domain.ParticipantID("p1"), rec.added[0].ID)
}

func TestSweepExpiresSilentMembers(t *testing.T) {
	tr, rec := newTestTracker(t, &fakeAnnouncer{})

	base := time.Now()
	tr.now = func() time.Time { return base }
	tr.Observe(core.PresenceEvent{Kind: core.PresenceJoined, Participant: "p1", Name: "Alice"})
	tr.Observe(core.PresenceEvent{Kind: core.PresenceJoined, Participant: "p2", Name: "Bob"})

	// p2 heartbeats halfway through the window, p1 stays silent.
	tr.now = func() time.Time { return base.Add(30 * time.Second) }
	tr.Observe(core.PresenceEvent{Kind: core.PresenceHeartbeat, Participant: "p2"})

	tr.now = func() time.Time { return base.Add(61 * time.Second) }
	tr.Sweep()

	remaining := tr.Participants()
	require.Len(t, remaining, 1)
	assert.Equal(t, domain.ParticipantID("p2"), remaining[0].ID)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.removed, 1)
	assert.Equal(t, domain.ParticipantID("p1"), rec.removed[0].ID)
}

func TestSweepAtExactTTLKeepsMember(t *testing.T) {
	tr, _ := newTestTracker(t, &fakeAnnouncer{})

	base := time.Now()
	tr.now = func() time.Time { return base }
	tr.Observe(core.PresenceEvent{Kind: core.PresenceJoined, Participant: "p1"})

	tr.now = func() time.Time { return base.Add(DefaultTTL) }
	tr.Sweep()
	assert.Len(t, tr.Participants(), 1)
}

func TestJoinAnnounceErrorPropagates(t *testing.T) {
	announcer := &fakeAnnouncer{err: context.DeadlineExceeded}
	tr, _ := newTestTracker(t, announcer)
	require.Error(t, tr.Join(context.Background()))
	assert.Empty(t, tr.Participants())
}

func TestLeaveAnnounces(t *testing.T) {
	announcer := &fakeAnnouncer{}
	tr, _ := newTestTracker(t, announcer)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, tr.Join(ctx))
	tr.Leave(context.Background())

	actions := announcer.recorded()
	require.NotEmpty(t, actions)
	assert.Equal(t, core.ActionLeave, actions[len(actions)-1])
}

func TestSetActiveRegainSendsHeartbeat(t *testing.T) {
	announcer := &fakeAnnouncer{}
	tr, _ := newTestTracker(t, announcer)

	tr.SetActive(context.Background(), false)
	assert.Empty(t, announcer.recorded())

	tr.SetActive(context.Background(), true)
	actions := announcer.recorded()
	require.Len(t, actions, 1)
	assert.Equal(t, core.ActionHeartbeat, actions[0])

	// Already active: no extra announce.
	tr.SetActive(context.Background(), true)
	assert.Len(t, announcer.recorded(), 1)
}
