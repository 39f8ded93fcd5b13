// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/partner-relay

// Command partner-relay is the entry point for the Twitch
// streamer-partnership backend: OAuth credential lifecycle management,
// live-state tracking, and automated raid dispatch.
//
// It initializes, in order:
//
//  1. Configuration (koanf: defaults, optional YAML file, environment)
//  2. Structured logging (zerolog)
//  3. SQLite storage, migrated on startup
//  4. The field-level secret store for encrypted OAuth tokens
//  5. The Twitch Helix client, wrapped in per-endpoint-class circuit breakers
//  6. The credential repository, refresher, and grace controller
//  7. The live-state tracker and its dashboard push feed
//  8. The raid dispatcher and pending-raid correlator
//  9. The inbound EventSub decode/dispatch router
//  10. A suture supervisor tree hosting all of the above, plus the inbound
//      HTTP server
//
// Shutdown is triggered by SIGINT/SIGTERM and propagates through the
// supervisor tree's context, giving every service its configured shutdown
// timeout to stop cleanly.
package main

import (
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tomtom215/partner-relay/internal/chatbot"
	"github.com/tomtom215/partner-relay/internal/config"
	"github.com/tomtom215/partner-relay/internal/credential"
	"github.com/tomtom215/partner-relay/internal/discordrole"
	"github.com/tomtom215/partner-relay/internal/eventbridge"
	"github.com/tomtom215/partner-relay/internal/livestate"
	"github.com/tomtom215/partner-relay/internal/logging"
	"github.com/tomtom215/partner-relay/internal/raid"
	"github.com/tomtom215/partner-relay/internal/secretstore"
	"github.com/tomtom215/partner-relay/internal/storage"
	"github.com/tomtom215/partner-relay/internal/supervisor"
	"github.com/tomtom215/partner-relay/internal/twitchapi"

	"github.com/bwmarrin/discordgo"
	"github.com/go-chi/chi/v5"
)

// requiredTwitchScopes are requested on every authorization-start link; the
// raid endpoint and refresh flow are the only Helix surfaces this service
// calls on a broadcaster's behalf.
var requiredTwitchScopes = []string{"channel:manage:raids"}

func main() {
	configPath := flag.String("config", "", "path to an optional YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.Fatal().Err(err).Msg("partner-relay: failed to load configuration")
	}

	logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	logging.Info().Msg("partner-relay: starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := storage.Open(ctx, cfg.Database.Path)
	if err != nil {
		logging.Fatal().Err(err).Msg("partner-relay: failed to open storage")
	}

	masterKey, err := decodeMasterKey(cfg.Secret.MasterKeyV1Hex)
	if err != nil {
		logging.Fatal().Err(err).Msg("partner-relay: invalid secret.master_key_v1_hex")
	}
	secrets, err := secretstore.New(secretstore.NewStaticKeyProvider(map[string][]byte{"v1": masterKey}))
	if err != nil {
		logging.Fatal().Err(err).Msg("partner-relay: failed to initialize secret store")
	}

	rawClient := twitchapi.New(twitchapi.Config{
		ClientID:     cfg.Twitch.ClientID,
		ClientSecret: cfg.Twitch.ClientSecret,
		RedirectURI:  cfg.Twitch.RedirectURI,
	})
	twitchClient := twitchapi.NewCircuitBreakerClient(rawClient)
	auth := &authURLAdapter{client: twitchClient}

	repo := credential.NewRepository(db, secrets, cfg.Thresholds)
	bot := chatbot.New()

	refresher := credential.NewRefresher(repo, twitchClient, bot, auth, cfg.Thresholds.RefreshScanInterval)

	var discordSession *discordgo.Session
	if cfg.Discord.BotToken != "" {
		discordSession, err = discordgo.New("Bot " + cfg.Discord.BotToken)
		if err != nil {
			logging.Fatal().Err(err).Msg("partner-relay: failed to create discord session")
		}
		if err := discordSession.Open(); err != nil {
			logging.Fatal().Err(err).Msg("partner-relay: failed to connect to discord")
		}
		defer discordSession.Close()
	}
	roles := discordrole.New(discordSession, cfg.Discord.GuildID, cfg.Discord.PartnerRoleID)

	grace := credential.NewGraceController(repo, roles, bot, auth, cfg.Thresholds.GraceScanInterval)

	dashboard := livestate.NewDashboardHub()

	raidDispatcher := raid.NewDispatcher(db, twitchClient, refresher, cfg.Thresholds.RaidTargetCooldown)
	raidCorrelator := raid.NewCorrelator(raidDispatcher, db.Conn(), bot)

	tracker := livestate.NewTracker(db, twitchClient, refresher, raidDispatcher, livestate.Config{
		PollInterval:     cfg.LiveState.PollInterval,
		TrackedGameID:    cfg.LiveState.TrackedGameID,
		PollAccountLogin: cfg.LiveState.PollAccountLogin,
	}).WithDashboard(dashboard)

	mux := chi.NewRouter()
	mux.Mount("/", eventbridge.Routes(eventbridge.Dependencies{
		LiveState: tracker,
		Raid:      raidCorrelator,
		DB:        db,
	}))
	mux.Handle(cfg.Server.DashboardPath, dashboard)

	httpServer := &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: mux,
	}

	slogLogger := logging.NewSlogLogger()
	tree := supervisor.New(slogLogger, supervisor.DefaultTreeConfig())

	tree.AddBackgroundService(refresher)
	tree.AddBackgroundService(grace)
	tree.AddBackgroundService(tracker)
	tree.AddBackgroundService(raidCorrelator)
	tree.AddBackgroundService(dashboard)
	tree.AddAPIService(supervisor.NewHTTPServerService(httpServer, 10*time.Second))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logging.Info().Str("signal", sig.String()).Msg("partner-relay: received shutdown signal")
		cancel()
	}()

	logging.Info().Str("addr", cfg.Server.ListenAddr).Msg("partner-relay: supervisor tree starting")
	errCh := tree.ServeBackground(ctx)

	select {
	case <-ctx.Done():
		logging.Info().Msg("partner-relay: context canceled, waiting for supervisor to finish")
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("partner-relay: supervisor tree error")
		}
	}

	for err := range errCh {
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("partner-relay: supervisor shutdown error")
		}
	}

	if unstopped, _ := tree.UnstoppedServiceReport(); len(unstopped) > 0 {
		for _, svc := range unstopped {
			logging.Warn().Str("service", svc.Name).Msg("partner-relay: service failed to stop within timeout")
		}
	}

	if err := db.Close(); err != nil {
		logging.Error().Err(err).Msg("partner-relay: error closing storage")
	}

	logging.Info().Msg("partner-relay: stopped gracefully")
}

// authURLAdapter narrows twitchapi's (state, scopes) BuildAuthURL to
// credential.AuthURLBuilder's single-argument shape, fixing the scope list
// this service always requests.
type authURLAdapter struct {
	client *twitchapi.CircuitBreakerClient
}

func (a *authURLAdapter) BuildAuthURL(broadcasterLogin string) (string, error) {
	return a.client.BuildAuthURL(broadcasterLogin, requiredTwitchScopes), nil
}

var errNoMasterKey = errors.New("partner-relay: secret.master_key_v1_hex is required")

func decodeMasterKey(hexKey string) ([]byte, error) {
	if hexKey == "" {
		return nil, errNoMasterKey
	}
	return hex.DecodeString(hexKey)
}
