package relayserver

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/pairpad/voicemesh/internal/core"
	"github.com/pairpad/voicemesh/internal/domain"
)

const writeDeadline = 5 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Controller wires the hub, the store and the channel handlers.
type Controller struct {
	Hub    *Hub
	Store  *Store
	Secret string
}

func NewController(hub *Hub, store *Store, secret string) *Controller {
	return &Controller{Hub: hub, Store: store, Secret: secret}
}

// HandleToken issues a channel-subscription token for one participant.
func (ctl *Controller) HandleToken(c *gin.Context) {
	session := domain.SessionID(c.Param("id"))
	var req struct {
		ParticipantID domain.ParticipantID `json:"participantId"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.ParticipantID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "participantId required"})
		return
	}
	token, err := issueToken(ctl.Secret, session, req.ParticipantID)
	if err != nil {
		log.Error().Err(err).Str("module", "relayserver").Msg("token issue failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token})
}

// HandleChannel upgrades to the session signaling channel. The token
// binds the socket to one (session, participant) pair; envelopes with
// a different source are rejected at ingestion.
func (ctl *Controller) HandleChannel(ctx context.Context, c *gin.Context) {
	session := domain.SessionID(c.Param("id"))
	claims, ok := ctl.authorize(c, session)
	if !ok {
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "relayserver").Msg("ws upgrade")
		return
	}

	sub := newSubscriber(claims.ParticipantID, ws)
	ctl.Hub.Join(session, sub)
	log.Info().
		Str("module", "relayserver").
		Str("session", string(session)).
		Str("participant", string(claims.ParticipantID)).
		Msg("channel subscribed")

	ctx, cancel := context.WithCancel(ctx)
	go ctl.writePump(ctx, sub)
	go ctl.readPump(ctx, cancel, session, sub)
}

func (ctl *Controller) authorize(c *gin.Context, session domain.SessionID) (*channelClaims, bool) {
	tokenString := c.Query("token")
	if tokenString == "" {
		header := c.GetHeader("Authorization")
		if parts := strings.Split(header, " "); len(parts) == 2 && parts[0] == "Bearer" {
			tokenString = parts[1]
		}
	}
	if tokenString == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "token required"})
		return nil, false
	}
	claims, err := parseToken(ctl.Secret, tokenString)
	if err != nil || claims.SessionID != session {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return nil, false
	}
	return claims, true
}

func (ctl *Controller) writePump(ctx context.Context, sub *subscriber) {
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-sub.send:
			if !ok {
				return
			}
			if err := sub.conn.SetWriteDeadline(time.Now().Add(writeDeadline)); err != nil {
				log.Error().Err(err).Str("module", "relayserver").Msg("writePump set deadline")
				return
			}
			if err := sub.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "relayserver").Msg("writePump write error")
				return
			}
		}
	}
}

func (ctl *Controller) readPump(ctx context.Context, cancel context.CancelFunc, session domain.SessionID, sub *subscriber) {
	defer func() {
		cancel()
		ctl.Hub.Leave(session, sub)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
			_, data, err := sub.conn.ReadMessage()
			if err != nil {
				log.Info().Err(err).Str("module", "relayserver").Str("participant", string(sub.id)).Msg("channel closed")
				return
			}
			ctl.ingest(ctx, session, sub, data)
		}
	}
}

// ingest validates one inbound envelope and republishes it on the
// session's fan-out channel. Malformed or spoofed frames are dropped.
func (ctl *Controller) ingest(ctx context.Context, session domain.SessionID, sub *subscriber, data []byte) {
	var env core.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Warn().Err(err).Str("module", "relayserver").Msg("bad envelope dropped")
		return
	}
	if env.Source != sub.id {
		log.Warn().
			Str("module", "relayserver").
			Str("claimed", string(env.Source)).
			Str("actual", string(sub.id)).
			Msg("source mismatch, frame dropped")
		return
	}

	frame, err := json.Marshal(core.WireEvent{Event: core.EventClientSignal, Signal: &env})
	if err != nil {
		log.Error().Err(err).Str("module", "relayserver").Msg("frame marshal")
		return
	}
	if err := ctl.Store.Publish(ctx, session, frame); err != nil {
		log.Error().Err(err).Str("module", "relayserver").Msg("fan-out publish failed")
	}
}
