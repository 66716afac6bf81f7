// Package vad decides speaking/silent state from the local capture
// level and tracks remote talking indicators. Both directions are
// UI-only: nothing here touches mesh or negotiation state.
package vad

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	DefaultThreshold      = 0.04
	DefaultSampleInterval = 50 * time.Millisecond
	// While speaking, the hint is re-broadcast at this cadence so
	// consumers can expire indicators without a stop event.
	refreshInterval = time.Second
)

// Monitor periodically samples an amplitude source and broadcasts
// speaking-state transitions. The broadcast is at-least-once and
// best-effort; a "stopped speaking" event is sent but consumers must
// not rely on it.
type Monitor struct {
	level     func() float64
	broadcast func(speaking bool)
	threshold float64
	interval  time.Duration

	speaking  bool
	lastSent  time.Time
	now       func() time.Time
}

func NewMonitor(level func() float64, broadcast func(speaking bool)) *Monitor {
	return &Monitor{
		level:     level,
		broadcast: broadcast,
		threshold: DefaultThreshold,
		interval:  DefaultSampleInterval,
		now:       time.Now,
	}
}

func (m *Monitor) SetThreshold(v float64) { m.threshold = v }

// Run samples until ctx is cancelled. Cancellation is the sole stop
// mechanism; a final silent hint is sent on the way out.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if m.speaking {
				m.speaking = false
				m.broadcast(false)
			}
			return
		case <-ticker.C:
			m.sample()
		}
	}
}

func (m *Monitor) sample() {
	active := m.level() >= m.threshold
	switch {
	case active && !m.speaking:
		m.speaking = true
		m.lastSent = m.now()
		log.Debug().Str("module", "vad").Msg("speaking")
		m.broadcast(true)
	case active && m.speaking:
		if m.now().Sub(m.lastSent) >= refreshInterval {
			m.lastSent = m.now()
			m.broadcast(true)
		}
	case !active && m.speaking:
		m.speaking = false
		log.Debug().Str("module", "vad").Msg("silent")
		m.broadcast(false)
	}
}
