package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Sarvesh2424/codecollab/internal/adapters/fschannel"
	"github.com/Sarvesh2424/codecollab/internal/adapters/httpapi"
	"github.com/Sarvesh2424/codecollab/internal/adapters/media"
	"github.com/Sarvesh2424/codecollab/internal/adapters/memchannel"
	"github.com/Sarvesh2424/codecollab/internal/adapters/rtc"
	"github.com/Sarvesh2424/codecollab/internal/call"
	"github.com/Sarvesh2424/codecollab/internal/config"
	"github.com/Sarvesh2424/codecollab/internal/core"
	"github.com/Sarvesh2424/codecollab/internal/domain"
	"github.com/Sarvesh2424/codecollab/internal/roster"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	self, err := domain.ParsePeerID(cfg.Identity)
	if err != nil {
		log.Fatal().Err(err).Msg("identity missing or invalid, set identity in config")
	}

	source, err := media.NewSource()
	if err != nil {
		log.Fatal().Err(err).Msg("media source init")
	}
	api, err := source.WebRTCAPI()
	if err != nil {
		log.Fatal().Err(err).Msg("webrtc api init")
	}

	var (
		channel core.SignalChannel
		invites core.InviteNotifier
		closer  func()
	)
	if cfg.RelayDir != "" {
		store, err := fschannel.Open(cfg.RelayDir)
		if err != nil {
			log.Fatal().Err(err).Str("dir", cfg.RelayDir).Msg("open relay directory")
		}
		channel, invites, closer = store, store, store.Close
	} else {
		store := memchannel.New()
		channel, invites, closer = store, store, store.Close
		log.Warn().Msg("no relay_dir configured, using the in-process relay")
	}
	defer closer()

	engine := call.New(call.Options{
		Channel:        channel,
		Invites:        invites,
		Media:          source,
		Identity:       core.StaticIdentity(self),
		Transport:      rtc.Factory(api, rtcConfig(cfg)),
		InviteTimeout:  cfg.InviteTimeout,
		ConnectTimeout: cfg.ConnectTimeout,
	})

	hub := httpapi.NewHub()
	hub.Bind(engine)
	defer hub.Close()

	if err := engine.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("call engine start")
	}
	defer engine.Stop()

	friends := roster.New(self, cfg.Friends)
	r := httpapi.SetupRouter(cfg, engine, friends, hub, httpapi.NewExecProxy(cfg))
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Str("self", string(self)).Msg("codecollab client started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("Server exited gracefully")
}

func rtcConfig(cfg *config.Config) webrtc.Configuration {
	if len(cfg.ICEServers) == 0 {
		return rtc.DefaultWebRTCConfig()
	}
	out := webrtc.Configuration{ICECandidatePoolSize: 10}
	for _, s := range cfg.ICEServers {
		out.ICEServers = append(out.ICEServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	return out
}
