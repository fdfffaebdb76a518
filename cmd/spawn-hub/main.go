package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rave-org/rave/apps/spawn-hub/internal/auth"
	"github.com/rave-org/rave/apps/spawn-hub/internal/config"
	"github.com/rave-org/rave/apps/spawn-hub/internal/hub"
	"github.com/rave-org/rave/apps/spawn-hub/internal/proxy"
	"github.com/rave-org/rave/apps/spawn-hub/internal/server"
	"github.com/rave-org/rave/apps/spawn-hub/internal/session"
	"github.com/rave-org/rave/apps/spawn-hub/internal/spawner"
	"github.com/rave-org/rave/apps/spawn-hub/internal/store"
)

func main() {
	cfg := config.FromEnv()
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st := newStoreFromConfig(ctx, cfg, logger)

	hubRec := &store.Hub{Server: store.NewServer()}
	hubRec.Server.IP = cfg.HubIP
	hubRec.Server.Port = cfg.HubPort
	hubRec.Server.BaseURL = cfg.HubPrefix
	hubRec.Server.CookieName = cfg.CookieName
	hubRec.Server.CookieSecret = cfg.CookieSecret
	if err := st.SaveHub(ctx, hubRec); err != nil {
		logger.Error("persist hub record", "err", err)
		os.Exit(1)
	}

	proxyRec := &store.Proxy{
		AuthToken:    cfg.ProxyAuthToken,
		PublicServer: store.NewServer(),
		APIServer:    store.NewServer(),
	}
	if cfg.PublicIP != "" {
		proxyRec.PublicServer.IP = cfg.PublicIP
	}
	proxyRec.PublicServer.Port = cfg.PublicPort
	proxyRec.APIServer.IP = cfg.ProxyAPIIP
	proxyRec.APIServer.Port = cfg.ProxyAPIPort
	proxyRec.APIServer.BaseURL = "/api/routes/"
	if err := st.SaveProxy(ctx, proxyRec); err != nil {
		logger.Error("persist proxy record", "err", err)
		os.Exit(1)
	}

	var proxyProc *os.Process
	if cfg.LaunchProxy {
		var err error
		proxyProc, err = proxy.Launch(cfg.ProxyCmd, proxyRec, hubRec, logger)
		if err != nil {
			logger.Error("launch proxy", "err", err)
			os.Exit(1)
		}
	}

	controller := hub.NewController(hub.Config{
		Store:   st,
		Hub:     hubRec,
		Proxy:   proxy.NewClient(proxyRec.APIServer.URL(), proxyRec.AuthToken),
		Factory: spawner.NewLocal(logger),
		SpawnOptions: spawner.Options{
			Cmd:  cfg.SpawnerCmd,
			IP:   cfg.SpawnerIP,
			Port: cfg.SpawnerPort,
		},
		BaseURL:      cfg.BaseURL,
		ReadyTimeout: cfg.ReadyTimeout,
		Logger:       logger,
	})

	sessions := session.NewManager(st, hubRec, logger)
	authenticator := auth.NewPAMAuthenticator(cfg.PAMService, cfg.AllowedUsers)
	srv := server.New(cfg, st, hubRec, sessions, controller, authenticator, logger)

	go func() {
		if err := srv.Start(); err != nil {
			logger.Error("server exited", "err", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "err", err)
	}
	logger.Info("stopping single-user servers")
	if err := controller.StopAll(shutdownCtx); err != nil {
		logger.Error("stopping single-user servers failed", "err", err)
	}
	if proxyProc != nil {
		logger.Info("stopping proxy")
		_ = proxyProc.Signal(syscall.SIGTERM)
	}
	if err := st.Close(shutdownCtx); err != nil {
		logger.Error("close store", "err", err)
	}
	logger.Info("spawn-hub shutdown complete")
}

// newStoreFromConfig prefers PostgreSQL and falls back to the in-memory
// store so a dev deployment works with no database at hand.
func newStoreFromConfig(ctx context.Context, cfg config.Config, logger *slog.Logger) store.Store {
	if cfg.DatabaseURL == "" {
		logger.Warn("SPAWN_HUB_DATABASE_URL not set; using in-memory store (data lost on restart)")
		return store.NewMemoryStore()
	}

	initCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	st, err := store.NewPostgresStore(initCtx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to init postgres store, falling back to memory", "err", err)
		return store.NewMemoryStore()
	}
	return st
}
