package relayserver

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/pairpad/voicemesh/internal/core"
	"github.com/pairpad/voicemesh/internal/domain"
)

type presenceRequest struct {
	SessionID     domain.SessionID     `json:"sessionId"`
	ParticipantID domain.ParticipantID `json:"participantId"`
	Name          string               `json:"name"`
	Action        core.PresenceAction  `json:"action"`
}

// HandlePresence records a join/leave/heartbeat and re-broadcasts it
// on the session channel. A join response carries the current roster
// so the caller can seed its membership set.
func (ctl *Controller) HandlePresence(c *gin.Context) {
	var req presenceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_payload"})
		return
	}
	if req.SessionID == "" || req.ParticipantID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "sessionId and participantId required"})
		return
	}

	ctx := c.Request.Context()
	var event string
	switch req.Action {
	case core.ActionJoin:
		event = core.EventUserJoined
	case core.ActionHeartbeat:
		event = core.EventUserBeat
	case core.ActionLeave:
		event = core.EventUserLeft
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown action"})
		return
	}

	if req.Action == core.ActionLeave {
		if err := ctl.Store.Remove(ctx, req.SessionID, req.ParticipantID); err != nil {
			log.Warn().Err(err).Str("module", "relayserver.presence").Msg("presence remove failed")
		}
	} else {
		p := domain.Participant{ID: req.ParticipantID, Name: req.Name, JoinedAt: time.Now()}
		if err := ctl.Store.Touch(ctx, req.SessionID, p); err != nil {
			log.Error().Err(err).Str("module", "relayserver.presence").Msg("presence touch failed")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "presence store"})
			return
		}
	}

	frame, err := json.Marshal(core.WireEvent{
		Event:       event,
		Participant: req.ParticipantID,
		Name:        req.Name,
	})
	if err == nil {
		if perr := ctl.Store.Publish(ctx, req.SessionID, frame); perr != nil {
			log.Warn().Err(perr).Str("module", "relayserver.presence").Msg("presence publish failed")
		}
	}

	resp := gin.H{}
	if req.Action == core.ActionJoin {
		roster, err := ctl.Store.Roster(ctx, req.SessionID)
		if err != nil {
			log.Warn().Err(err).Str("module", "relayserver.presence").Msg("roster fetch failed")
		} else {
			resp["roster"] = roster
		}
	}
	c.JSON(http.StatusOK, resp)
}
