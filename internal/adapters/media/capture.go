// Package media provides the local capture source and the per-peer
// playback sink around opus-encoded audio tracks.
package media

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hraban/opus"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	SampleRate = 48000
	Channels   = 1

	frameDuration = 20 * time.Millisecond
	frameSamples  = SampleRate / 50 // 20ms @ 48kHz
	maxPacketSize = 1500
)

// PCMSource implements core.CaptureSource by streaming S16LE PCM from
// a file, opus-encoding 20ms frames onto a single shared sample track.
// The file loops, standing in for a microphone. The RMS of each frame
// feeds the voice activity monitor through Level.
type PCMSource struct {
	path  string
	track *webrtc.TrackLocalStaticSample
	level levelGauge

	mu     sync.Mutex
	file   *os.File
	cancel context.CancelFunc

	logger zerolog.Logger
}

func NewPCMSource(path string) (*PCMSource, error) {
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: SampleRate, Channels: 2},
		"audio", "voicemesh-mic",
	)
	if err != nil {
		return nil, fmt.Errorf("create capture track: %w", err)
	}
	return &PCMSource{
		path:   path,
		track:  track,
		logger: log.With().Str("module", "media.capture").Logger(),
	}, nil
}

// Track returns the shared outbound track, fanned out by reference to
// every peer link.
func (s *PCMSource) Track() webrtc.TrackLocal { return s.track }

// Level reports the most recent frame's mean amplitude in [0,1].
func (s *PCMSource) Level() float64 { return s.level.Load() }

// Start acquires the capture device and begins streaming frames. A
// missing or unreadable file is the device-error path: the caller
// forces mute back on and does not retry.
func (s *PCMSource) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file != nil {
		return nil
	}
	file, err := os.Open(s.path)
	if err != nil {
		return fmt.Errorf("open capture device: %w", err)
	}
	enc, err := opus.NewEncoder(SampleRate, Channels, opus.AppVoIP)
	if err != nil {
		file.Close()
		return fmt.Errorf("opus encoder init: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	s.file = file
	s.cancel = cancel
	go s.stream(ctx, file, enc)
	s.logger.Info().Str("path", s.path).Msg("capture started")
	return nil
}

// Stop releases the device entirely; the hardware analogue is stopping
// the capture stream, not muting tracks.
func (s *PCMSource) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}
	s.level.Store(0)
	s.logger.Info().Msg("capture released")
}

func (s *PCMSource) stream(ctx context.Context, file *os.File, enc *opus.Encoder) {
	raw := make([]byte, frameSamples*2)
	pcm := make([]int16, frameSamples)
	packet := make([]byte, maxPacketSize)

	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if _, err := io.ReadFull(file, raw); err != nil {
			// Loop the file like a microphone that never stops.
			if _, serr := file.Seek(0, io.SeekStart); serr != nil {
				s.logger.Error().Err(serr).Msg("capture rewind failed")
				return
			}
			if _, err := io.ReadFull(file, raw); err != nil {
				s.logger.Error().Err(err).Msg("capture read failed")
				return
			}
		}
		for i := range pcm {
			pcm[i] = int16(binary.LittleEndian.Uint16(raw[i*2:]))
		}
		s.level.Store(meanAmplitude(pcm))

		n, err := enc.Encode(pcm, packet)
		if err != nil {
			s.logger.Warn().Err(err).Msg("opus encode failed")
			continue
		}
		if err := s.track.WriteSample(media.Sample{Data: packet[:n], Duration: frameDuration}); err != nil {
			s.logger.Warn().Err(err).Msg("write sample failed")
		}
	}
}

// levelGauge is a float64 amplitude shared between the streaming
// goroutine and the voice activity monitor's sampling timer.
type levelGauge struct {
	bits atomic.Uint64
}

func (g *levelGauge) Store(v float64) { g.bits.Store(math.Float64bits(v)) }
func (g *levelGauge) Load() float64   { return math.Float64frombits(g.bits.Load()) }

// meanAmplitude is the normalized mean absolute sample value.
func meanAmplitude(pcm []int16) float64 {
	if len(pcm) == 0 {
		return 0
	}
	var sum float64
	for _, v := range pcm {
		sum += math.Abs(float64(v))
	}
	return sum / float64(len(pcm)) / 32768
}
