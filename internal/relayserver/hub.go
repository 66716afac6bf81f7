// Package relayserver is the companion signaling relay: per-session
// websocket channels with targeted and broadcast delivery, a presence
// endpoint re-broadcasting join/leave/heartbeat, and Redis pub/sub to
// fan frames out across relay instances.
package relayserver

import (
	"errors"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/pairpad/voicemesh/internal/core"
	"github.com/pairpad/voicemesh/internal/domain"
)

const subscriberBuffer = 32

var errSubscriberClosed = errors.New("subscriber closed")

// subscriber is one websocket endpoint on a session channel. Writes go
// through a buffered channel drained by a single write pump, which
// preserves per-sender FIFO toward each subscriber.
type subscriber struct {
	id   domain.ParticipantID
	conn *websocket.Conn
	send chan []byte

	mu     sync.RWMutex
	closed bool
}

func newSubscriber(id domain.ParticipantID, conn *websocket.Conn) *subscriber {
	return &subscriber{
		id:   id,
		conn: conn,
		send: make(chan []byte, subscriberBuffer),
	}
}

func (s *subscriber) TrySend(data []byte) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errSubscriberClosed
	}
	select {
	case s.send <- data:
		return nil
	default:
		return core.ErrBackpressure
	}
}

func (s *subscriber) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.send)
	if s.conn != nil {
		_ = s.conn.Close()
	}
	s.mu.Unlock()
}

// Hub holds this instance's local subscribers, keyed by session. Cross
// instance delivery goes through the Redis channel; the hub only fans
// out to sockets it owns.
type Hub struct {
	mu       sync.RWMutex
	sessions map[domain.SessionID]map[domain.ParticipantID]*subscriber
}

func NewHub() *Hub {
	return &Hub{sessions: make(map[domain.SessionID]map[domain.ParticipantID]*subscriber)}
}

func (h *Hub) Join(session domain.SessionID, sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs, ok := h.sessions[session]
	if !ok {
		subs = make(map[domain.ParticipantID]*subscriber)
		h.sessions[session] = subs
	}
	if old, ok := subs[sub.id]; ok {
		old.Close()
	}
	subs[sub.id] = sub
	log.Info().Str("module", "relayserver.hub").Str("session", string(session)).Str("participant", string(sub.id)).Msg("subscriber joined")
}

// Leave removes one subscriber. Identity matters: the read pump of a
// socket that was already replaced by a reconnect must not tear down
// the replacement registered under the same participant ID.
func (h *Hub) Leave(session domain.SessionID, sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs, ok := h.sessions[session]
	if !ok {
		return
	}
	if current, ok := subs[sub.id]; !ok || current != sub {
		sub.Close()
		return
	}
	sub.Close()
	delete(subs, sub.id)
	if len(subs) == 0 {
		delete(h.sessions, session)
	}
	log.Info().Str("module", "relayserver.hub").Str("session", string(session)).Str("participant", string(sub.id)).Msg("subscriber left")
}

// Deliver routes one wire frame to this instance's local subscribers.
// Directed signals reach only the addressed participant; everything
// else is broadcast, excluding the signal's source.
func (h *Hub) Deliver(session domain.SessionID, ev *core.WireEvent, raw []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	subs, ok := h.sessions[session]
	if !ok {
		return
	}

	if ev.Event == core.EventClientSignal && !ev.Signal.Broadcast() {
		if sub, ok := subs[ev.Signal.Target]; ok {
			h.push(sub, raw)
		}
		return
	}

	var exclude domain.ParticipantID
	if ev.Event == core.EventClientSignal {
		exclude = ev.Signal.Source
	}
	for id, sub := range subs {
		if id == exclude {
			continue
		}
		h.push(sub, raw)
	}
}

func (h *Hub) push(sub *subscriber, data []byte) {
	if err := sub.TrySend(data); err != nil {
		log.Warn().Err(err).
			Str("module", "relayserver.hub").
			Str("participant", string(sub.id)).
			Msg("frame dropped")
	}
}
