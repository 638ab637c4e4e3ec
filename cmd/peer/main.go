package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os/signal"
	"syscall"

	"huddle/internal/core/domain"
	"huddle/internal/infrastructure/media"
	"huddle/internal/infrastructure/monitoring"
	"huddle/internal/infrastructure/pluginbridge"
	"huddle/internal/infrastructure/restclient"
	signalinfra "huddle/internal/infrastructure/signal"
	webrtcinfra "huddle/internal/infrastructure/webrtc"
	"huddle/internal/session"
	"huddle/pkg/config"
	apperrors "huddle/pkg/errors"
	"huddle/pkg/logger"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "configs/peer.yaml", "path to the peer configuration")
	roomID := flag.String("room", "", "room to join; empty creates a new room")
	pluginID := flag.String("plugin", "", "plugin to activate after joining")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		cfg = config.DefaultConfig()
	}
	if *roomID != "" {
		cfg.Client.RoomID = *roomID
	}

	zapLogger := logger.NewWithFormat(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()
	if err != nil {
		log.Warnw("config not loaded, using defaults", "path", *configPath, "error", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	transport, err := signalinfra.Dial(ctx, signalinfra.ClientOptionsFromConfig(cfg, log))
	if err != nil {
		log.Fatalw("failed to reach relay", "url", cfg.Client.RelayURL, "error", err)
	}
	defer transport.Close()

	collector := monitoring.NewPrometheusCollector(prometheus.DefaultRegisterer)

	var surface session.PluginSurface
	bridge := pluginbridge.NewBridge(log)
	var bridgeServer *http.Server
	if cfg.PluginBridge.Enabled {
		mux := http.NewServeMux()
		mux.Handle(cfg.PluginBridge.Path, bridge)
		bridgeServer = &http.Server{Addr: cfg.PluginBridge.Address, Handler: mux}
		go func() {
			log.Infow("plugin bridge listening", "address", bridgeServer.Addr, "path", cfg.PluginBridge.Path)
			if err := bridgeServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Errorw("plugin bridge failed", "error", err)
			}
		}()
		surface = bridge
	}

	s := session.New(session.Options{
		Transport:   transport,
		Links:       webrtcinfra.NewLinkFactory(webrtcinfra.ConfigFromSession(cfg), collector, log),
		Media:       media.NewSyntheticSource(log),
		Surface:     surface,
		Credentials: session.FileCredentialStore{Path: cfg.Client.CredentialFile},
		Observer:    session.LogObserver{Logger: log},
		Metrics:     collector,
		Logger:      log,
		BatchPolicy: session.BatchPolicy{
			BaseDelay:     cfg.Session.ICEBatch.BaseDelay,
			Multiplier:    cfg.Session.ICEBatch.Multiplier,
			MaxIterations: cfg.Session.ICEBatch.MaxIterations,
		},
		IframeID:    cfg.PluginBridge.SlotID,
		EventBuffer: cfg.Session.EventBuffer,
		Microphone:  cfg.Media.Audio,
		Camera:      cfg.Media.Video,
	})
	bridge.SetHandler(s.HandlePluginMessage)

	runErr := make(chan error, 1)
	go func() { runErr <- s.Run(ctx) }()

	if err := enter(ctx, s, cfg, *pluginID, log); err != nil {
		log.Errorw("failed to enter room", "error", err)
		s.Close()
	}

	if err := <-runErr; err != nil && !errors.Is(err, context.Canceled) {
		log.Errorw("session ended", "error", err)
	}

	if bridgeServer != nil {
		bridgeServer.Close()
	}
	log.Info("huddle peer stopped")
}

// enter logs in, registering first when no usable credential is stored, and
// joins the configured room or a freshly created one.
func enter(ctx context.Context, s *session.Session, cfg *config.Config, pluginID string, log *zap.SugaredLogger) error {
	reqCtx, cancel := context.WithTimeout(ctx, cfg.Session.RequestTimeout)
	defer cancel()

	user, err := s.Login(reqCtx)
	if errors.Is(err, session.ErrNoCredential) || apperrors.StatusOf(err) == http.StatusUnauthorized {
		if _, err = s.Register(reqCtx, cfg.Client.DisplayName); err != nil {
			return err
		}
		user, err = s.Login(reqCtx)
	}
	if err != nil {
		return err
	}
	log.Infow("identified", "user_id", user.ID, "display_name", user.DisplayName)

	api, err := restclient.New(cfg.Client.APIURL, cfg.Session.RequestTimeout)
	if err != nil {
		return err
	}
	secret, err := session.FileCredentialStore{Path: cfg.Client.CredentialFile}.Load()
	if err != nil {
		return err
	}
	api.SetSecret(secret)

	roomID := domain.RoomID(cfg.Client.RoomID)
	if roomID == "" {
		room, err := api.CreateRoom(reqCtx)
		if err != nil {
			return err
		}
		roomID = room.ID
		log.Infow("created room", "room_id", roomID)
	}

	room, err := s.JoinRoom(reqCtx, roomID)
	if err != nil {
		return err
	}
	log.Infow("joined room", "room_id", room.ID, "members", len(room.JoinedUsers))

	if pluginID == "" {
		return nil
	}
	plugins, err := api.ListPlugins(reqCtx)
	if err != nil {
		return err
	}
	for _, p := range plugins {
		if string(p.ID) == pluginID {
			return s.SetPlugin(reqCtx, p)
		}
	}
	return apperrors.NewNotFoundError("plugin " + pluginID)
}
