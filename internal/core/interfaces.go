package core

import (
	"context"
	"errors"

	"github.com/pion/webrtc/v4"

	"github.com/pairpad/voicemesh/internal/domain"
)

var (
	// ErrBackpressure is returned when an outbound channel buffer is full.
	ErrBackpressure = errors.New("backpressure")
	// ErrRelayClosed is returned when sending on a closed relay subscription.
	ErrRelayClosed = errors.New("relay subscription closed")
	// ErrPlaybackBlocked is returned by a media sink whose output device
	// refuses to start until a user gesture arrives.
	ErrPlaybackBlocked = errors.New("playback blocked by output device")
)

// ConnStatus is the tri-state connection indicator exposed to the UI.
type ConnStatus int32

const (
	StatusConnecting ConnStatus = iota
	StatusConnected
	StatusError
)

func (s ConnStatus) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	default:
		return "error"
	}
}

// RelayClient is the subscription to one session's signaling channel.
// Delivery is best-effort: ordered per sender, not deduplicated. The
// client filters inbound envelopes by target before dispatching, so
// handlers only ever see traffic addressed to this instance.
//
// Subscribing announces this participant as joined through the
// companion presence endpoint on the relay side.
type RelayClient interface {
	Subscribe(ctx context.Context) error
	// Reconnect tears down and re-subscribes. It is a manual action
	// surfaced to the user on relay errors; there is no retry loop.
	Reconnect(ctx context.Context) error
	SendTo(target domain.ParticipantID, p Payload) error
	Broadcast(p Payload) error
	OnSignal(func(from domain.ParticipantID, p Payload))
	OnPresence(func(ev PresenceEvent))
	Status() ConnStatus
	Close()
}

// PresenceAction is the verb posted to the companion presence endpoint.
type PresenceAction string

const (
	ActionJoin      PresenceAction = "join"
	ActionLeave     PresenceAction = "leave"
	ActionHeartbeat PresenceAction = "heartbeat"
)

// Roster is the set of participants already present, returned on join.
type Roster []domain.Participant

// PresenceAnnouncer posts join/leave/heartbeat for this participant.
// Leave is fire-and-forget; delivery is not guaranteed.
type PresenceAnnouncer interface {
	Announce(ctx context.Context, action PresenceAction) (Roster, error)
}

// LinkTransport is one bidirectional media path to one remote peer.
// CreateOffer and CreateAnswer gather ICE candidates until completion
// or a bounded timeout and return SDP with the gathered batch inline.
// Candidates arriving before a remote description is set are held in a
// small bounded queue and applied once the description lands.
type LinkTransport interface {
	CreateOffer(ctx context.Context) (sdp string, err error)
	CreateAnswer(ctx context.Context, offerSDP string) (sdp string, err error)
	// Rollback discards the in-flight local offer so a remote offer can
	// be applied instead.
	Rollback() error
	ApplyAnswer(sdp string) error
	AddRemoteCandidate(c Candidate) error
	// AttachTrack adds an outbound sender for the track, first removing
	// any stale sender carrying a track with the same ID.
	AttachTrack(t webrtc.TrackLocal) (domain.TrackID, error)
	DetachAll()
	OnRemoteTrack(func(track *webrtc.TrackRemote))
	// OnFailed fires when the underlying connection fails terminally.
	OnFailed(func())
	Close()
}

// TransportFactory builds the transport for a new peer link.
type TransportFactory func(peer domain.ParticipantID) (LinkTransport, error)

// MediaSink plays one remote participant's audio. Play may fail with
// ErrPlaybackBlocked; the callback registered via OnBlocked is invoked
// once so the UI can retry on a user gesture.
type MediaSink interface {
	Attach(track *webrtc.TrackRemote)
	Play() error
	OnBlocked(func())
	Release()
}

// SinkFactory builds the sink for a new peer link.
type SinkFactory func(peer domain.ParticipantID) MediaSink

// CaptureSource is the single shared local capture resource, fanned
// out by reference to every outbound peer link. Stop releases the
// underlying device entirely rather than muting tracks.
type CaptureSource interface {
	Start(ctx context.Context) error
	Track() webrtc.TrackLocal
	// Level is the current mean amplitude in [0,1], sampled by the
	// voice activity monitor.
	Level() float64
	Stop()
}
