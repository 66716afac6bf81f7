// Package relay is the peer-side client of the signaling relay: a
// websocket subscription to one session channel plus the companion
// presence HTTP endpoint.
package relay

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/pairpad/voicemesh/internal/core"
	"github.com/pairpad/voicemesh/internal/domain"
)

const (
	sendBuffer   = 32
	writeTimeout = 5 * time.Second
)

// Client implements core.RelayClient over gorilla/websocket. Inbound
// envelopes are filtered by target before dispatch: traffic addressed
// to another participant is silently ignored.
type Client struct {
	wsURL   string
	token   string
	selfID  domain.ParticipantID
	session domain.SessionID

	mu     sync.RWMutex
	conn   *websocket.Conn
	send   chan []byte
	closed bool
	cancel context.CancelFunc

	status atomic.Int32

	onSignal   func(from domain.ParticipantID, p core.Payload)
	onPresence func(ev core.PresenceEvent)

	logger zerolog.Logger
}

func NewClient(wsURL, token string, session domain.SessionID, selfID domain.ParticipantID) *Client {
	c := &Client{
		wsURL:   wsURL,
		token:   token,
		selfID:  selfID,
		session: session,
		logger: log.With().
			Str("module", "relay.client").
			Str("session", string(session)).
			Str("self", string(selfID)).
			Logger(),
	}
	c.status.Store(int32(core.StatusConnecting))
	return c
}

func (c *Client) OnSignal(fn func(from domain.ParticipantID, p core.Payload)) { c.onSignal = fn }
func (c *Client) OnPresence(fn func(ev core.PresenceEvent))                   { c.onPresence = fn }

func (c *Client) Status() core.ConnStatus {
	return core.ConnStatus(c.status.Load())
}

// Subscribe dials the session channel and starts the read/write pumps.
// A failure leaves the client in the error state; recovery is the
// user-driven Reconnect, never an automatic retry loop.
func (c *Client) Subscribe(ctx context.Context) error {
	c.status.Store(int32(core.StatusConnecting))

	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.token)
	url := fmt.Sprintf("%s/v1/sessions/%s/ws", c.wsURL, c.session)

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		c.status.Store(int32(core.StatusError))
		return fmt.Errorf("subscribe %s: %w", url, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.conn = conn
	c.send = make(chan []byte, sendBuffer)
	c.closed = false
	c.cancel = cancel
	c.mu.Unlock()

	go c.writePump(ctx, conn, c.send)
	go c.readPump(ctx, conn)

	c.status.Store(int32(core.StatusConnected))
	c.logger.Info().Msg("subscribed to session channel")
	return nil
}

// Reconnect is the manual recovery action surfaced on relay errors.
func (c *Client) Reconnect(ctx context.Context) error {
	c.Close()
	return c.Subscribe(ctx)
}

func (c *Client) SendTo(target domain.ParticipantID, p core.Payload) error {
	data, err := core.EncodeSignal(c.selfID, target, p)
	if err != nil {
		return err
	}
	return c.trySend(data)
}

func (c *Client) Broadcast(p core.Payload) error {
	data, err := core.EncodeSignal(c.selfID, "", p)
	if err != nil {
		return err
	}
	return c.trySend(data)
}

func (c *Client) trySend(data []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed || c.send == nil {
		return core.ErrRelayClosed
	}
	select {
	case c.send <- data:
		return nil
	default:
		return core.ErrBackpressure
	}
}

func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	if c.cancel != nil {
		c.cancel()
	}
	if c.send != nil {
		close(c.send)
		c.send = nil
	}
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()
	c.logger.Info().Msg("unsubscribed")
}

func (c *Client) writePump(ctx context.Context, conn *websocket.Conn, send <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-send:
			if !ok {
				return
			}
			if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
				c.logger.Error().Err(err).Msg("writePump set deadline")
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Error().Err(err).Msg("writePump write error")
				c.status.Store(int32(core.StatusError))
				return
			}
		}
	}
}

func (c *Client) readPump(ctx context.Context, conn *websocket.Conn) {
	defer c.logger.Info().Msg("readPump closing")
	for {
		select {
		case <-ctx.Done():
			return
		default:
			_, data, err := conn.ReadMessage()
			if err != nil {
				if ctx.Err() == nil {
					c.logger.Error().Err(err).Msg("readPump read error")
					c.status.Store(int32(core.StatusError))
				}
				return
			}
			c.handleFrame(data)
		}
	}
}

// handleFrame is the ingestion boundary: decode, filter by target,
// match the payload exhaustively. Malformed frames are logged and
// dropped; the subscription stays up.
func (c *Client) handleFrame(data []byte) {
	ev, err := core.DecodeWireEvent(data)
	if err != nil {
		c.logger.Warn().Err(err).Msg("bad frame dropped")
		return
	}

	if ev.Event != core.EventClientSignal {
		if c.onPresence != nil {
			c.onPresence(ev.PresenceEvent())
		}
		return
	}

	env := ev.Signal
	if env.Source == c.selfID {
		return
	}
	if !env.Broadcast() && env.Target != c.selfID {
		// Addressed to someone else; only the two endpoints of a
		// directed signal may act on it.
		return
	}
	payload, err := env.DecodePayload()
	if err != nil {
		c.logger.Warn().Err(err).Str("source", string(env.Source)).Msg("bad payload dropped")
		return
	}
	if c.onSignal != nil {
		c.onSignal(env.Source, payload)
	}
}
