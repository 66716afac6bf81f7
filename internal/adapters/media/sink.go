package media

import (
	"context"
	"encoding/binary"
	"io"
	"sync"

	"github.com/hraban/opus"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/pairpad/voicemesh/internal/core"
	"github.com/pairpad/voicemesh/internal/domain"
)

// 120ms at 48kHz is the largest opus frame.
const maxFrameSamples = frameSamples * 6

// PlaybackDevice opens the audio output. Open returns
// core.ErrPlaybackBlocked when the platform refuses to start playback
// without a user gesture; the sink surfaces that through OnBlocked so
// the UI can retry on click.
type PlaybackDevice interface {
	Open() (io.WriteCloser, error)
}

// WriterDevice is a device over a plain writer; it never blocks
// playback. Used headless and in tests.
type WriterDevice struct {
	W io.Writer
}

func (d WriterDevice) Open() (io.WriteCloser, error) {
	return nopCloser{d.W}, nil
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

// PCMSink implements core.MediaSink for one remote participant:
// it drains the remote track's RTP, decodes opus to PCM and writes
// S16LE frames to the playback device.
type PCMSink struct {
	peer   domain.ParticipantID
	device PlaybackDevice

	mu      sync.Mutex
	track   *webrtc.TrackRemote
	out     io.WriteCloser
	cancel  context.CancelFunc
	blocked func()

	logger zerolog.Logger
}

func NewPCMSink(peer domain.ParticipantID, device PlaybackDevice) *PCMSink {
	return &PCMSink{
		peer:   peer,
		device: device,
		logger: log.With().Str("module", "media.sink").Str("peer", string(peer)).Logger(),
	}
}

func (s *PCMSink) Attach(track *webrtc.TrackRemote) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.track = track
}

// OnBlocked registers the one-time retry hook invoked when Play fails
// with ErrPlaybackBlocked.
func (s *PCMSink) OnBlocked(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocked = fn
}

// Play opens the device and starts the drain loop. On a blocked
// device the registered callback fires once and the caller retries
// Play from a user gesture.
func (s *PCMSink) Play() error {
	s.mu.Lock()
	track := s.track
	blocked := s.blocked
	s.mu.Unlock()
	if track == nil {
		return nil
	}
	if track.Kind() != webrtc.RTPCodecTypeAudio {
		s.logger.Debug().Str("kind", track.Kind().String()).Msg("ignoring non-audio track")
		return nil
	}

	out, err := s.device.Open()
	if err != nil {
		if blocked != nil {
			blocked()
			s.mu.Lock()
			s.blocked = nil
			s.mu.Unlock()
		}
		return err
	}

	decoder, err := opus.NewDecoder(SampleRate, Channels)
	if err != nil {
		out.Close()
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.cancel = cancel
	s.out = out
	s.mu.Unlock()

	go s.drain(ctx, track, decoder, out)
	return nil
}

// Release stops the drain loop and closes the device output.
func (s *PCMSink) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	if s.out != nil {
		_ = s.out.Close()
		s.out = nil
	}
	s.track = nil
	s.logger.Info().Msg("sink released")
}

func (s *PCMSink) drain(ctx context.Context, track *webrtc.TrackRemote, decoder *opus.Decoder, out io.Writer) {
	pcm := make([]int16, maxFrameSamples)
	raw := make([]byte, maxFrameSamples*2)
	var stats rtpStats
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Info().Err(err).Uint64("lost", stats.lost).Msg("remote track ended")
			}
			return
		}
		stats.observe(pkt)
		if len(pkt.Payload) == 0 {
			continue
		}
		n, err := decoder.Decode(pkt.Payload, pcm)
		if err != nil {
			s.logger.Debug().Err(err).Msg("opus decode failed")
			continue
		}
		if n <= 0 {
			continue
		}
		for i, v := range pcm[:n] {
			binary.LittleEndian.PutUint16(raw[i*2:], uint16(v))
		}
		if _, err := out.Write(raw[: n*2 : n*2]); err != nil {
			s.logger.Warn().Err(err).Msg("playback write failed")
			return
		}
	}
}

// rtpStats counts sequence gaps on the inbound stream. Loss here is
// informational only; there is no retransmission.
type rtpStats struct {
	started bool
	nextSeq uint16
	lost    uint64
}

func (st *rtpStats) observe(pkt *rtp.Packet) {
	if !st.started {
		st.started = true
		st.nextSeq = pkt.SequenceNumber + 1
		return
	}
	delta := pkt.SequenceNumber - st.nextSeq
	if delta >= 1<<15 {
		// A reordered packet arriving late, not a gap; the expected
		// sequence number does not move backwards.
		return
	}
	st.lost += uint64(delta)
	st.nextSeq = pkt.SequenceNumber + 1
}

var _ core.MediaSink = (*PCMSink)(nil)

