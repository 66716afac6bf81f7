package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/pairpad/voicemesh/internal/core"
	"github.com/pairpad/voicemesh/internal/domain"
)

// Announcer posts join/leave/heartbeat to the relay's companion
// presence endpoint, which re-broadcasts them on the session channel.
type Announcer struct {
	baseURL string
	session domain.SessionID
	selfID  domain.ParticipantID
	name    string
	client  *http.Client
}

func NewAnnouncer(baseURL string, session domain.SessionID, selfID domain.ParticipantID, name string) *Announcer {
	return &Announcer{
		baseURL: baseURL,
		session: session,
		selfID:  selfID,
		name:    name,
		client:  &http.Client{Timeout: 5 * time.Second},
	}
}

type presenceRequest struct {
	SessionID     domain.SessionID     `json:"sessionId"`
	ParticipantID domain.ParticipantID `json:"participantId"`
	Name          string               `json:"name,omitempty"`
	Action        core.PresenceAction  `json:"action"`
}

type presenceResponse struct {
	Roster []domain.Participant `json:"roster,omitempty"`
}

// Announce posts the action. On join, the response carries the roster
// of participants already present so the local set can be seeded.
// Leave is fire-and-forget from the caller's point of view: failures
// are logged, not retried.
func (a *Announcer) Announce(ctx context.Context, action core.PresenceAction) (core.Roster, error) {
	body, err := json.Marshal(presenceRequest{
		SessionID:     a.session,
		ParticipantID: a.selfID,
		Name:          a.name,
		Action:        action,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/presence", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("presence %s: %w", action, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("presence %s: unexpected status %d", action, resp.StatusCode)
	}

	var out presenceResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		log.Warn().Err(err).Str("module", "relay.presence").Msg("presence response decode")
		return nil, nil
	}
	return out.Roster, nil
}

// FetchToken obtains the channel-subscription token for a participant.
func FetchToken(ctx context.Context, baseURL string, session domain.SessionID, selfID domain.ParticipantID) (string, error) {
	body, _ := json.Marshal(map[string]string{"participantId": string(selfID)})
	url := fmt.Sprintf("%s/v1/sessions/%s/token", baseURL, session)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := (&http.Client{Timeout: 5 * time.Second}).Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch token: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch token: unexpected status %d", resp.StatusCode)
	}
	var out struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("fetch token: %w", err)
	}
	return out.Token, nil
}
