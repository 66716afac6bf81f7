package vad

import (
	"sync"
	"time"

	"github.com/pairpad/voicemesh/internal/domain"
)

// DefaultIndicatorTTL is how long a talking indicator stays lit
// without a fresh speaking hint. There is no guaranteed stop event, so
// expiry is the consumer's responsibility.
const DefaultIndicatorTTL = 2 * time.Second

// Indicators is the consumer side of the speaking hints: a set of
// participants currently shown as talking, each expiring independently.
type Indicators struct {
	mu    sync.Mutex
	until map[domain.ParticipantID]time.Time
	ttl   time.Duration
	now   func() time.Time
}

func NewIndicators() *Indicators {
	return &Indicators{
		until: make(map[domain.ParticipantID]time.Time),
		ttl:   DefaultIndicatorTTL,
		now:   time.Now,
	}
}

// Observe ingests a speaking hint for a participant.
func (in *Indicators) Observe(id domain.ParticipantID, speaking bool) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if !speaking {
		delete(in.until, id)
		return
	}
	in.until[id] = in.now().Add(in.ttl)
}

// Forget drops a participant's indicator, e.g. when it leaves the mesh.
func (in *Indicators) Forget(id domain.ParticipantID) {
	in.mu.Lock()
	defer in.mu.Unlock()
	delete(in.until, id)
}

// Talking returns the unexpired talking set.
func (in *Indicators) Talking() []domain.ParticipantID {
	now := in.now()
	in.mu.Lock()
	defer in.mu.Unlock()
	out := make([]domain.ParticipantID, 0, len(in.until))
	for id, deadline := range in.until {
		if now.After(deadline) {
			delete(in.until, id)
			continue
		}
		out = append(out, id)
	}
	return out
}
