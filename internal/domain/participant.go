// Package domain contains entities without logic, just meta-data.
package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

const MaxNameLen = 36

var (
	ErrNameTooLong = errors.New("participant name too long")
	ErrNameEmpty   = errors.New("participant name empty")
)

type (
	ParticipantID string
	SessionID     string
	TrackID       string
)

// Participant is one member of a session's voice mesh as observed by
// the local instance. Owned by the presence tracker; read-only elsewhere.
type Participant struct {
	ID       ParticipantID `json:"id"`
	Name     string        `json:"name"`
	JoinedAt time.Time     `json:"joined_at"`
}

// NewParticipant is a tiny helper to avoid ad-hoc struct literals in adapters.
func NewParticipant(name string) (*Participant, error) {
	if len(name) == 0 {
		return nil, ErrNameEmpty
	}
	if len(name) > MaxNameLen {
		return nil, ErrNameTooLong
	}
	return &Participant{
		ID:       ParticipantID(uuid.NewString()),
		Name:     name,
		JoinedAt: time.Now(),
	}, nil
}
