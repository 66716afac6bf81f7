package vad

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pairpad/voicemesh/internal/domain"
)

type monitorHarness struct {
	monitor *Monitor
	level   float64
	sent    []bool
	clock   time.Time
}

func newMonitorHarness() *monitorHarness {
	h := &monitorHarness{clock: time.Unix(1000, 0)}
	h.monitor = NewMonitor(
		func() float64 { return h.level },
		func(speaking bool) { h.sent = append(h.sent, speaking) },
	)
	h.monitor.now = func() time.Time { return h.clock }
	return h
}

func (h *monitorHarness) tick(d time.Duration) {
	h.clock = h.clock.Add(d)
	h.monitor.sample()
}

func TestMonitorTransitions(t *testing.T) {
	h := newMonitorHarness()

	h.tick(0)
	assert.Empty(t, h.sent, "silence sends nothing")

	h.level = 0.1
	h.tick(DefaultSampleInterval)
	assert.Equal(t, []bool{true}, h.sent)

	h.level = 0
	h.tick(DefaultSampleInterval)
	assert.Equal(t, []bool{true, false}, h.sent)
}

func TestMonitorThresholdBoundary(t *testing.T) {
	h := newMonitorHarness()

	h.level = DefaultThreshold
	h.tick(0)
	require.Equal(t, []bool{true}, h.sent, "level at threshold counts as speaking")

	h.level = DefaultThreshold - 0.001
	h.tick(DefaultSampleInterval)
	assert.Equal(t, []bool{true, false}, h.sent)
}

func TestMonitorRefreshWhileSpeaking(t *testing.T) {
	h := newMonitorHarness()
	h.level = 0.1

	h.tick(0)
	require.Equal(t, []bool{true}, h.sent)

	// Sustained speech below the refresh cadence stays quiet.
	h.tick(500 * time.Millisecond)
	assert.Len(t, h.sent, 1)

	// Crossing the refresh interval re-broadcasts.
	h.tick(600 * time.Millisecond)
	assert.Equal(t, []bool{true, true}, h.sent)

	// And the refresh clock restarts.
	h.tick(100 * time.Millisecond)
	assert.Len(t, h.sent, 2)
}

func TestMonitorSetThreshold(t *testing.T) {
	h := newMonitorHarness()
	h.monitor.SetThreshold(0.5)

	h.level = 0.3
	h.tick(0)
	assert.Empty(t, h.sent)

	h.level = 0.6
	h.tick(DefaultSampleInterval)
	assert.Equal(t, []bool{true}, h.sent)
}

func TestIndicatorsExpire(t *testing.T) {
	in := NewIndicators()
	clock := time.Unix(1000, 0)
	in.now = func() time.Time { return clock }

	in.Observe("p1", true)
	in.Observe("p2", true)
	assert.ElementsMatch(t, []domain.ParticipantID{"p1", "p2"}, in.Talking())

	// p2 refreshes halfway; p1 expires after its TTL.
	clock = clock.Add(DefaultIndicatorTTL / 2)
	in.Observe("p2", true)

	clock = clock.Add(DefaultIndicatorTTL/2 + time.Millisecond)
	assert.Equal(t, []domain.ParticipantID{"p2"}, in.Talking())

	clock = clock.Add(DefaultIndicatorTTL)
	assert.Empty(t, in.Talking())
}

func TestIndicatorsStopHint(t *testing.T) {
	in := NewIndicators()
	in.Observe("p1", true)
	require.Len(t, in.Talking(), 1)

	in.Observe("p1", false)
	assert.Empty(t, in.Talking())
}

func TestIndicatorsForget(t *testing.T) {
	in := NewIndicators()
	in.Observe("p1", true)
	in.Forget("p1")
	assert.Empty(t, in.Talking())
}
