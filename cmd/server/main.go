package main

import (
	"context"
	"errors"
	"os"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/sirupsen/logrus"

	"github.com/Tyrowin/launchchat/internal/auth"
	"github.com/Tyrowin/launchchat/internal/config"
	"github.com/Tyrowin/launchchat/internal/logging"
	"github.com/Tyrowin/launchchat/internal/metrics"
	"github.com/Tyrowin/launchchat/internal/server"
	"github.com/Tyrowin/launchchat/internal/store"
)

func main() {
	cfg := config.Load()
	log := logging.New(cfg.LogLevel, cfg.LogFormat)

	log.WithFields(logrus.Fields{
		"port":             cfg.Port,
		"database":         cfg.DatabaseURL,
		"presence_backend": cfg.PresenceBackend,
	}).Info("Starting launchchat server")

	verifier, err := auth.NewJWTVerifier(cfg.JWTSecret)
	if err != nil {
		log.WithError(err).Fatal("JWT_SECRET must be set")
	}

	db, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		log.WithError(err).Fatal("Failed to open database")
	}

	closers := map[string]gfshutdown.Operation{
		"database": func(context.Context) error { return store.Close(db) },
	}

	var presence server.PresenceStore = store.NewSQLPresenceStore(db)
	if cfg.PresenceBackend == config.PresenceBackendRedis {
		rdb, err := store.OpenRedis(context.Background(), cfg.RedisURL)
		if err != nil {
			log.WithError(err).Fatal("Failed to connect to Redis")
		}
		presence = store.NewRedisPresenceStore(rdb, "launchchat:")
		closers["redis"] = func(context.Context) error { return rdb.Close() }
	}

	srv, err := server.New(server.Deps{
		Config:   cfg,
		Log:      log,
		Verifier: verifier,
		Messages: store.NewMessageStore(db),
		Presence: presence,
		Metrics:  metrics.New(),
	})
	if err != nil {
		log.WithError(err).Fatal("Failed to build server")
	}

	// No connection survives a restart.
	if err := srv.Sweep(context.Background()); err != nil {
		log.WithError(err).Fatal("Failed to reset presence")
	}

	go func() {
		if err := srv.Start(); err != nil {
			log.WithError(err).Fatal("Server failed")
		}
	}()

	wait := gfshutdown.GracefulShutdown(
		context.Background(),
		cfg.ShutdownTimeout,
		map[string]gfshutdown.Operation{
			"server": func(ctx context.Context) error {
				log.Info("Graceful shutdown initiated...")
				// Stores must outlive the server: disconnects write presence.
				err := srv.Shutdown(ctx)
				for name, closeFn := range closers {
					if cerr := closeFn(ctx); cerr != nil {
						log.WithError(cerr).WithField("resource", name).Error("Failed to close")
						err = errors.Join(err, cerr)
					}
				}
				return err
			},
		},
	)

	exitCode := <-wait
	log.WithField("code", exitCode).Info("Server exited")
	os.Exit(exitCode)
}
