package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/jason-s-yu/bunker/internal/auth"
	"github.com/jason-s-yu/bunker/internal/cache"
	"github.com/jason-s-yu/bunker/internal/character"
	"github.com/jason-s-yu/bunker/internal/handlers"
	"github.com/jason-s-yu/bunker/internal/lobby"
	"github.com/jason-s-yu/bunker/internal/store"
	"github.com/sirupsen/logrus"
)

func newLogger(cfg *Config) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if cfg.verbose {
		logger.SetLevel(logrus.DebugLevel)
	} else {
		logger.SetLevel(logrus.InfoLevel)
	}
	return logger
}

func openStore(cfg *Config, logger logrus.FieldLogger) (store.Store, error) {
	if cfg.ephemeral {
		logger.Warn("Running with --ephemeral: lobbies are lost on restart")
		return store.NewMemoryStore(), nil
	}
	return store.NewFileStore(cfg.dataDir, logger)
}

func serve(ctx context.Context, cfg *Config) error {
	logger := newLogger(cfg)
	logger.Infof("START: bunker-server v%s", releaseVersion)

	if cfg.signingKey != "" {
		if err := auth.InitFromPath(cfg.signingKey, cfg.tokenExpiry); err != nil {
			return fmt.Errorf("load signing key: %w", err)
		}
	} else {
		logger.Warn("No --signing-key given: session tokens do not survive a restart")
		if err := auth.Init(cfg.tokenExpiry); err != nil {
			return fmt.Errorf("generate signing key: %w", err)
		}
	}

	gen, err := character.NewRandomGenerator()
	if err != nil {
		return err
	}
	st, err := openStore(cfg, logger)
	if err != nil {
		return fmt.Errorf("open lobby store: %w", err)
	}

	var journal cache.EventSink = cache.NopSink{}
	if cfg.redisAddr != "" {
		rdb, err := cache.ConnectRedis(ctx, cfg.redisAddr, cfg.redisDB)
		if err != nil {
			return err
		}
		defer rdb.Close()
		journal = cache.NewRedisJournal(rdb, cfg.redisQueue)
		logger.WithFields(logrus.Fields{"redis": cfg.redisAddr, "queue": cfg.redisQueue}).Info("Journaling lobby events")
	}

	manager := lobby.NewLobbyManager(st, gen, logger)
	ls := handlers.NewLobbyServer(manager, journal, cfg.origins, logger)

	srv := &http.Server{
		Addr:              net.JoinHostPort(cfg.bind, strconv.Itoa(cfg.port)),
		Handler:           ls.Router(),
		IdleTimeout:       10 * time.Minute,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		logger.Infof("SERVE: Listening on http://%s/", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
		close(errs)
	}()

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
