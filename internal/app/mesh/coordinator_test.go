package mesh

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pairpad/voicemesh/internal/core"
	"github.com/pairpad/voicemesh/internal/domain"
)

type fakeRelay struct {
	mu        sync.Mutex
	directed  []sentSignal
	broadcast []core.Payload
}

func (f *fakeRelay) Subscribe(context.Context) error { return nil }
func (f *fakeRelay) Reconnect(context.Context) error { return nil }
func (f *fakeRelay) SendTo(target domain.ParticipantID, p core.Payload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.directed = append(f.directed, sentSignal{target: target, payload: p})
	return nil
}
func (f *fakeRelay) Broadcast(p core.Payload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcast = append(f.broadcast, p)
	return nil
}
func (f *fakeRelay) OnSignal(func(from domain.ParticipantID, p core.Payload)) {}
func (f *fakeRelay) OnPresence(func(ev core.PresenceEvent))                   {}
func (f *fakeRelay) Status() core.ConnStatus                                  { return core.StatusConnected }
func (f *fakeRelay) Close()                                                   {}

func (f *fakeRelay) sentTo(target domain.ParticipantID) []core.Payload {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []core.Payload
	for _, s := range f.directed {
		if s.target == target {
			out = append(out, s.payload)
		}
	}
	return out
}

func (f *fakeRelay) broadcasts() []core.Payload {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]core.Payload(nil), f.broadcast...)
}

type fakeCapture struct {
	mu       sync.Mutex
	started  bool
	stops    int
	startErr error
}

func (f *fakeCapture) Start(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.started = true
	return nil
}
func (f *fakeCapture) Track() webrtc.TrackLocal { return nil }
func (f *fakeCapture) Level() float64           { return 0 }
func (f *fakeCapture) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = false
	f.stops++
}

type coordHarness struct {
	coord      *Coordinator
	relay      *fakeRelay
	capture    *fakeCapture
	mu         sync.Mutex
	transports map[domain.ParticipantID]*fakeTransport
	sinks      map[domain.ParticipantID]*fakeSink
	cancel     context.CancelFunc
}

func newCoordHarness(t *testing.T, selfID domain.ParticipantID) *coordHarness {
	t.Helper()
	h := &coordHarness{
		relay:      &fakeRelay{},
		capture:    &fakeCapture{},
		transports: make(map[domain.ParticipantID]*fakeTransport),
		sinks:      make(map[domain.ParticipantID]*fakeSink),
	}
	transports := func(peer domain.ParticipantID) (core.LinkTransport, error) {
		h.mu.Lock()
		defer h.mu.Unlock()
		tr := &fakeTransport{}
		h.transports[peer] = tr
		return tr, nil
	}
	sinks := func(peer domain.ParticipantID) core.MediaSink {
		h.mu.Lock()
		defer h.mu.Unlock()
		sink := &fakeSink{}
		h.sinks[peer] = sink
		return sink
	}
	h.coord = NewCoordinator(selfID, h.relay, transports, sinks, h.capture)
	h.coord.SetSettleDelay(0)

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	t.Cleanup(cancel)
	go h.coord.Run(ctx)
	return h
}

func (h *coordHarness) transport(id domain.ParticipantID) *fakeTransport {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.transports[id]
}

func (h *coordHarness) sink(id domain.ParticipantID) *fakeSink {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sinks[id]
}

func join(p domain.ParticipantID) []domain.Participant {
	return []domain.Participant{{ID: p, Name: string(p)}}
}

func TestMembershipAddCreatesLink(t *testing.T) {
	h := newCoordHarness(t, "self")

	h.coord.OnMembership(join("p1"), nil)
	h.coord.Sync()

	snap := h.coord.Snapshot()
	require.Contains(t, snap.Links, domain.ParticipantID("p1"))
	assert.Equal(t, LinkIdle, snap.Links["p1"])
	// Audio is off: the add must not trigger an offer.
	assert.Empty(t, h.relay.sentTo("p1"))
}

func TestMembershipRemoveClosesLink(t *testing.T) {
	h := newCoordHarness(t, "self")

	h.coord.OnMembership(join("p1"), nil)
	h.coord.OnMembership(nil, join("p1"))
	h.coord.Sync()

	snap := h.coord.Snapshot()
	assert.Empty(t, snap.Links)
	assert.True(t, h.transport("p1").closed)
	assert.True(t, h.sink("p1").released)
}

func TestUnmuteAttachesAndRenegotiates(t *testing.T) {
	h := newCoordHarness(t, "self")
	h.coord.OnMembership(join("p1"), nil)
	h.coord.Sync()

	require.NoError(t, h.coord.SetAudioEnabled(context.Background(), true))

	assert.True(t, h.capture.started)
	tr := h.transport("p1")
	assert.Equal(t, 1, tr.attached)
	assert.Equal(t, 1, tr.offers)
	sent := h.relay.sentTo("p1")
	require.Len(t, sent, 1)
	assert.IsType(t, core.Offer{}, sent[0])

	bc := h.relay.broadcasts()
	require.Len(t, bc, 1)
	assert.Equal(t, core.Mute{Muted: false}, bc[0])
	assert.True(t, h.coord.Snapshot().Audio)
}

func TestMuteDetachesAndStopsCapture(t *testing.T) {
	h := newCoordHarness(t, "self")
	h.coord.OnMembership(join("p1"), nil)
	h.coord.Sync()
	require.NoError(t, h.coord.SetAudioEnabled(context.Background(), true))

	require.NoError(t, h.coord.SetAudioEnabled(context.Background(), false))

	assert.False(t, h.capture.started)
	assert.Equal(t, 1, h.capture.stops)
	assert.GreaterOrEqual(t, h.transport("p1").detachAlls, 1)

	bc := h.relay.broadcasts()
	require.Len(t, bc, 2)
	assert.Equal(t, core.Mute{Muted: true}, bc[1])
	assert.False(t, h.coord.Snapshot().Audio)
}

func TestUnmuteDeviceErrorStaysMuted(t *testing.T) {
	h := newCoordHarness(t, "self")
	h.capture.startErr = errors.New("device busy")

	err := h.coord.SetAudioEnabled(context.Background(), true)
	require.Error(t, err)
	assert.False(t, h.coord.Snapshot().Audio)
	assert.Empty(t, h.relay.broadcasts())
}

func TestNewPeerWhileUnmutedGetsOffer(t *testing.T) {
	h := newCoordHarness(t, "self")
	require.NoError(t, h.coord.SetAudioEnabled(context.Background(), true))

	h.coord.OnMembership(join("p1"), nil)
	require.Eventually(t, func() bool {
		return len(h.relay.sentTo("p1")) == 1
	}, time.Second, 10*time.Millisecond, "settled add should initiate an offer")

	h.coord.Sync()
	assert.Equal(t, LinkOfferSent, h.coord.Snapshot().Links["p1"])
}

func TestOfferFromUnknownPeerCreatesResponderLink(t *testing.T) {
	h := newCoordHarness(t, "self")

	h.coord.OnSignal("p1", core.Offer{SDP: "their-offer"})
	h.coord.Sync()

	snap := h.coord.Snapshot()
	assert.Equal(t, LinkStable, snap.Links["p1"])
	sent := h.relay.sentTo("p1")
	require.Len(t, sent, 1)
	assert.IsType(t, core.Answer{}, sent[0])
}

func TestOfferBeforePresenceCarriesLocalAudio(t *testing.T) {
	h := newCoordHarness(t, "self")
	require.NoError(t, h.coord.SetAudioEnabled(context.Background(), true))

	// Offer arrives before the peer's presence broadcast: the responder
	// link must still send our audio back with the answer.
	h.coord.OnSignal("p1", core.Offer{SDP: "their-offer"})
	h.coord.Sync()

	assert.Equal(t, LinkStable, h.coord.Snapshot().Links["p1"])
	assert.Equal(t, 1, h.transport("p1").attached)

	// Muted: no track rides along.
	h2 := newCoordHarness(t, "self")
	h2.coord.OnSignal("p1", core.Offer{SDP: "their-offer"})
	h2.coord.Sync()
	assert.Zero(t, h2.transport("p1").attached)
}

func TestStaleSignalsNeverCreateLinks(t *testing.T) {
	h := newCoordHarness(t, "self")

	h.coord.OnSignal("ghost", core.Candidate{Candidate: "candidate:1"})
	h.coord.OnSignal("ghost", core.Answer{SDP: "stale"})
	h.coord.Sync()

	assert.Empty(t, h.coord.Snapshot().Links)
}

func TestAnswerRoutedToLink(t *testing.T) {
	h := newCoordHarness(t, "self")
	h.coord.OnMembership(join("p1"), nil)
	h.coord.Sync()
	require.NoError(t, h.coord.SetAudioEnabled(context.Background(), true))

	h.coord.OnSignal("p1", core.Answer{SDP: "their-answer"})
	h.coord.Sync()

	assert.Equal(t, LinkStable, h.coord.Snapshot().Links["p1"])
	assert.Equal(t, []string{"their-answer"}, h.transport("p1").applied)
}

func TestSpeakingHintDispatched(t *testing.T) {
	h := newCoordHarness(t, "self")
	var mu sync.Mutex
	var got []domain.ParticipantID
	h.coord.OnSpeaking(func(id domain.ParticipantID, speaking bool) {
		mu.Lock()
		defer mu.Unlock()
		if speaking {
			got = append(got, id)
		}
	})

	h.coord.OnSignal("p1", core.Speaking{Speaking: true})
	h.coord.Sync()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []domain.ParticipantID{"p1"}, got)
}

func TestMuteHintTracked(t *testing.T) {
	h := newCoordHarness(t, "self")
	h.coord.OnSignal("p1", core.Mute{Muted: true})
	h.coord.Sync()

	assert.True(t, h.coord.Snapshot().Muted["p1"])

	h.coord.OnSignal("p1", core.Mute{Muted: false})
	h.coord.Sync()
	assert.False(t, h.coord.Snapshot().Muted["p1"])
}

func TestTransportFailureClosesLink(t *testing.T) {
	h := newCoordHarness(t, "self")
	h.coord.OnMembership(join("p1"), nil)
	h.coord.Sync()

	tr := h.transport("p1")
	require.NotNil(t, tr.onFailed)
	tr.onFailed()
	h.coord.Sync()

	assert.Empty(t, h.coord.Snapshot().Links)
	assert.True(t, tr.closed)
}

// Two coordinators wired back to back through their relay fakes: A
// unmutes and offers, B answers, both end stable.
func TestTwoPartyNegotiation(t *testing.T) {
	a := newCoordHarness(t, "a")
	b := newCoordHarness(t, "b")

	a.coord.OnMembership(join("b"), nil)
	b.coord.OnMembership(join("a"), nil)
	a.coord.Sync()
	b.coord.Sync()

	require.NoError(t, a.coord.SetAudioEnabled(context.Background(), true))

	offers := a.relay.sentTo("b")
	require.Len(t, offers, 1)
	b.coord.OnSignal("a", offers[0])
	b.coord.Sync()

	answers := b.relay.sentTo("a")
	require.Len(t, answers, 1)
	a.coord.OnSignal("b", answers[0])
	a.coord.Sync()

	assert.Equal(t, LinkStable, a.coord.Snapshot().Links["b"])
	assert.Equal(t, LinkStable, b.coord.Snapshot().Links["a"])
}
