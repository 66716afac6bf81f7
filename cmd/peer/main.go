package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/pairpad/voicemesh/internal/adapters/media"
	"github.com/pairpad/voicemesh/internal/adapters/relay"
	"github.com/pairpad/voicemesh/internal/adapters/rtc"
	"github.com/pairpad/voicemesh/internal/app/mesh"
	"github.com/pairpad/voicemesh/internal/app/presence"
	"github.com/pairpad/voicemesh/internal/app/vad"
	"github.com/pairpad/voicemesh/internal/config"
	"github.com/pairpad/voicemesh/internal/core"
	"github.com/pairpad/voicemesh/internal/domain"
)

const statusInterval = 10 * time.Second

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	self, err := domain.NewParticipant(cfg.Peer.Name)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid participant name")
	}
	session := domain.SessionID(cfg.Peer.SessionID)
	log.Info().
		Str("session", string(session)).
		Str("participant", string(self.ID)).
		Str("name", self.Name).
		Msg("starting peer")

	token, err := relay.FetchToken(ctx, cfg.Peer.RelayHTTPURL, session, self.ID)
	if err != nil {
		log.Fatal().Err(err).Msg("token fetch failed")
	}

	client := relay.NewClient(cfg.Peer.RelayWSURL, token, session, self.ID)
	announcer := relay.NewAnnouncer(cfg.Peer.RelayHTTPURL, session, self.ID, self.Name)
	tracker := presence.NewTracker(self.ID, announcer)

	capture, err := media.NewPCMSource(cfg.Peer.AudioPath)
	if err != nil {
		log.Fatal().Err(err).Msg("capture setup failed")
	}

	rtcConfig := rtc.DefaultWebRTCConfig(cfg.Peer.STUNServers)
	transports := func(peer domain.ParticipantID) (core.LinkTransport, error) {
		return rtc.NewTransport(rtcConfig, peer)
	}
	sinks := func(peer domain.ParticipantID) core.MediaSink {
		return media.NewPCMSink(peer, media.WriterDevice{W: io.Discard})
	}

	coord := mesh.NewCoordinator(self.ID, client, transports, sinks, capture)
	if cfg.Peer.SettleDelay > 0 {
		coord.SetSettleDelay(cfg.Peer.SettleDelay)
	}

	indicators := vad.NewIndicators()
	coord.OnSpeaking(indicators.Observe)

	client.OnSignal(coord.OnSignal)
	client.OnPresence(tracker.Observe)
	tracker.OnMembershipChanged(func(added, removed []domain.Participant) {
		coord.OnMembership(added, removed)
		for _, p := range removed {
			indicators.Forget(p.ID)
		}
	})

	if err := client.Subscribe(ctx); err != nil {
		log.Fatal().Err(err).Msg("relay subscribe failed")
	}
	defer client.Close()

	if err := tracker.Join(ctx); err != nil {
		log.Fatal().Err(err).Msg("presence join failed")
	}

	go coord.Run(ctx)

	monitor := vad.NewMonitor(capture.Level, func(speaking bool) {
		if err := client.Broadcast(core.Speaking{Speaking: speaking}); err != nil {
			log.Warn().Err(err).Str("module", "main").Msg("speaking broadcast failed")
		}
	})
	if cfg.Peer.VADThreshold > 0 {
		monitor.SetThreshold(cfg.Peer.VADThreshold)
	}
	go monitor.Run(ctx)

	if cfg.Peer.StartUnmuted {
		if err := coord.SetAudioEnabled(ctx, true); err != nil {
			log.Warn().Err(err).Msg("starting muted, capture unavailable")
		}
	}

	go reportStatus(ctx, coord, tracker, indicators)

	<-ctx.Done()
	log.Info().Msg("shutting down")

	// The run context is gone; announce the departure on a fresh one.
	leaveCtx, leaveCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer leaveCancel()
	tracker.Leave(leaveCtx)
	log.Info().Msg("peer exited gracefully")
}

// reportStatus periodically logs the view a UI surface would render.
func reportStatus(ctx context.Context, coord *mesh.Coordinator, tracker *presence.Tracker, ind *vad.Indicators) {
	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := coord.Snapshot()
			links := zerolog.Dict()
			for id, state := range snap.Links {
				links.Str(string(id), state.String())
			}
			talking := make([]string, 0)
			for _, id := range ind.Talking() {
				talking = append(talking, string(id))
			}
			log.Info().
				Str("module", "main").
				Str("relay", snap.Status.String()).
				Bool("audio", snap.Audio).
				Int("present", len(tracker.Participants())).
				Dict("links", links).
				Strs("talking", talking).
				Msg("mesh status")
		}
	}
}
