package core

import (
	"encoding/json"
	"fmt"

	"github.com/pairpad/voicemesh/internal/domain"
)

// PayloadKind discriminates the signaling payload union.
type PayloadKind string

const (
	KindOffer     PayloadKind = "offer"
	KindAnswer    PayloadKind = "answer"
	KindCandidate PayloadKind = "candidate"
	KindSpeaking  PayloadKind = "speaking"
	KindMute      PayloadKind = "mute"
)

// Payload is one of Offer | Answer | Candidate | Speaking | Mute.
// Matching is exhaustive at the ingestion boundary: an unknown kind is
// a decode error, never a silently empty value.
type Payload interface {
	Kind() PayloadKind
}

type Offer struct {
	SDP string `json:"sdp"`
}

type Answer struct {
	SDP string `json:"sdp"`
}

// Candidate carries a single ICE candidate. Gathering is non-trickle
// (candidates ride inside the offer/answer SDP); this payload exists
// for candidates surfacing after the batch was sent.
type Candidate struct {
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdpMid,omitempty"`
	SDPMLineIndex uint16 `json:"sdpMLineIndex,omitempty"`
}

// Speaking is a UI-only hint; it never affects mesh state.
type Speaking struct {
	Speaking bool `json:"speaking"`
}

// Mute is informational; it does not change negotiation state.
type Mute struct {
	Muted bool `json:"muted"`
}

func (Offer) Kind() PayloadKind     { return KindOffer }
func (Answer) Kind() PayloadKind    { return KindAnswer }
func (Candidate) Kind() PayloadKind { return KindCandidate }
func (Speaking) Kind() PayloadKind  { return KindSpeaking }
func (Mute) Kind() PayloadKind      { return KindMute }

// Envelope addresses a signaling payload. An empty Target means the
// payload is broadcast to every subscriber of the session channel.
type Envelope struct {
	Source  domain.ParticipantID `json:"source"`
	Target  domain.ParticipantID `json:"target,omitempty"`
	Type    PayloadKind          `json:"type"`
	Payload json.RawMessage      `json:"payload"`
}

// Broadcast reports whether the envelope is addressed to everyone.
func (e *Envelope) Broadcast() bool { return e.Target == "" }

// EncodeSignal wraps a payload into an addressed envelope ready for the wire.
func EncodeSignal(source, target domain.ParticipantID, p Payload) ([]byte, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", p.Kind(), err)
	}
	return json.Marshal(Envelope{
		Source:  source,
		Target:  target,
		Type:    p.Kind(),
		Payload: raw,
	})
}

// DecodePayload resolves the envelope's raw payload into its concrete type.
func (e *Envelope) DecodePayload() (Payload, error) {
	switch e.Type {
	case KindOffer:
		var p Offer
		return p, json.Unmarshal(e.Payload, &p)
	case KindAnswer:
		var p Answer
		return p, json.Unmarshal(e.Payload, &p)
	case KindCandidate:
		var p Candidate
		return p, json.Unmarshal(e.Payload, &p)
	case KindSpeaking:
		var p Speaking
		return p, json.Unmarshal(e.Payload, &p)
	case KindMute:
		var p Mute
		return p, json.Unmarshal(e.Payload, &p)
	default:
		return nil, fmt.Errorf("unknown signal payload type %q", e.Type)
	}
}

// Relay channel event names.
const (
	EventClientSignal = "client-signal"
	EventUserJoined   = "voice-user-joined"
	EventUserLeft     = "voice-user-left"
	EventUserBeat     = "voice-user-heartbeat"
)

// PresenceEventKind mirrors the relay's presence rebroadcasts.
type PresenceEventKind string

const (
	PresenceJoined    PresenceEventKind = "joined"
	PresenceLeft      PresenceEventKind = "left"
	PresenceHeartbeat PresenceEventKind = "heartbeat"
)

type PresenceEvent struct {
	Kind        PresenceEventKind
	Participant domain.ParticipantID
	Name        string
}

// WireEvent is the framing on the session channel: either a targeted
// client-signal envelope or a presence rebroadcast.
type WireEvent struct {
	Event       string               `json:"event"`
	Signal      *Envelope            `json:"signal,omitempty"`
	Participant domain.ParticipantID `json:"participant,omitempty"`
	Name        string               `json:"name,omitempty"`
}

// DecodeWireEvent parses a channel frame and validates its shape.
func DecodeWireEvent(data []byte) (*WireEvent, error) {
	var ev WireEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("decode wire event: %w", err)
	}
	switch ev.Event {
	case EventClientSignal:
		if ev.Signal == nil {
			return nil, fmt.Errorf("%s event without signal body", EventClientSignal)
		}
	case EventUserJoined, EventUserLeft, EventUserBeat:
		if ev.Participant == "" {
			return nil, fmt.Errorf("%s event without participant", ev.Event)
		}
	default:
		return nil, fmt.Errorf("unknown wire event %q", ev.Event)
	}
	return &ev, nil
}

// PresenceEvent converts a presence wire event into its tracker form.
func (ev *WireEvent) PresenceEvent() PresenceEvent {
	kind := PresenceHeartbeat
	switch ev.Event {
	case EventUserJoined:
		kind = PresenceJoined
	case EventUserLeft:
		kind = PresenceLeft
	}
	return PresenceEvent{Kind: kind, Participant: ev.Participant, Name: ev.Name}
}
