package relayserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/pairpad/voicemesh/internal/core"
	"github.com/pairpad/voicemesh/internal/domain"
)

const channelPrefix = "voicemesh:session:"

// Store keeps presence heartbeats in Redis TTL keys and fans wire
// frames out across relay instances over pub/sub.
type Store struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewStore(addr, password string, db int, ttl time.Duration) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return &Store{rdb: rdb, ttl: ttl}, nil
}

func (s *Store) Close() error { return s.rdb.Close() }

func presenceKey(session domain.SessionID, id domain.ParticipantID) string {
	return fmt.Sprintf("presence:%s:%s", session, id)
}

// Touch records a heartbeat: the key's TTL is the liveness window.
func (s *Store) Touch(ctx context.Context, session domain.SessionID, p domain.Participant) error {
	val, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, presenceKey(session, p.ID), val, s.ttl).Err()
}

func (s *Store) Remove(ctx context.Context, session domain.SessionID, id domain.ParticipantID) error {
	return s.rdb.Del(ctx, presenceKey(session, id)).Err()
}

// Roster lists the participants with live presence keys.
func (s *Store) Roster(ctx context.Context, session domain.SessionID) ([]domain.Participant, error) {
	pattern := presenceKey(session, "*")
	var out []domain.Participant
	iter := s.rdb.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		val, err := s.rdb.Get(ctx, iter.Val()).Result()
		if err != nil {
			continue // expired between scan and get
		}
		var p domain.Participant
		if err := json.Unmarshal([]byte(val), &p); err != nil {
			log.Warn().Err(err).Str("module", "relayserver.store").Str("key", iter.Val()).Msg("bad presence value")
			continue
		}
		out = append(out, p)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan roster: %w", err)
	}
	return out, nil
}

// Publish puts a wire frame on the session's fan-out channel. Per
// publisher order is preserved by Redis pub/sub; there is no ordering
// across publishers and no deduplication.
func (s *Store) Publish(ctx context.Context, session domain.SessionID, data []byte) error {
	return s.rdb.Publish(ctx, channelPrefix+string(session), data).Err()
}

// FanOut subscribes to every session channel and forwards inbound
// frames to the hub until ctx is cancelled.
func (s *Store) FanOut(ctx context.Context, hub *Hub) {
	sub := s.rdb.PSubscribe(ctx, channelPrefix+"*")
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			session := domain.SessionID(strings.TrimPrefix(msg.Channel, channelPrefix))
			ev, err := core.DecodeWireEvent([]byte(msg.Payload))
			if err != nil {
				log.Warn().Err(err).Str("module", "relayserver.store").Msg("bad frame on fan-out channel")
				continue
			}
			hub.Deliver(session, ev, []byte(msg.Payload))
		}
	}
}
