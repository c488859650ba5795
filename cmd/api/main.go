package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"

	"gymcrm.org/internal/auth"
	"gymcrm.org/internal/config"
	"gymcrm.org/internal/httpapi"
	"gymcrm.org/internal/migrate"
	"gymcrm.org/internal/obs"
	"gymcrm.org/internal/ratelimit"
	"gymcrm.org/internal/store/memory"
	"gymcrm.org/internal/store/pg"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

type stores interface {
	auth.CredentialStore
	auth.TokenLedger
}

func main() {
	log := obs.Logger()

	cfg, err := config.FromEnv()
	if err != nil {
		log.WithError(err).Fatal("load config")
	}
	if err := obs.SetLevel(cfg.LogLevel); err != nil {
		log.WithError(err).Fatal("log level")
	}
	obs.Init()
	obs.InitBuildInfo(version, commit)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		store stores
		ready httpapi.ReadyProbe
	)
	if cfg.Database.DSN != "" {
		pgStore, err := pg.Open(cfg.Database.DSN)
		if err != nil {
			log.WithError(err).Fatal("open db")
		}
		defer pgStore.Close()
		if cfg.Database.AutoMigrate {
			applied, err := migrate.NewManager(pgStore.DB(), migrate.Files()).Up(ctx)
			if err != nil {
				log.WithError(err).Fatal("apply migrations")
			}
			for _, name := range applied {
				log.WithField("migration", name).Info("migration applied")
			}
		}
		store = pgStore
		ready = httpapi.ReadyProbe{DB: pgStore}
	} else {
		log.Warn("GYMCRM_PG_DSN not set, using in-memory store; data is lost on restart")
		store = memory.New()
	}

	codec, err := auth.NewTokenCodec(cfg.Auth.Secret,
		auth.WithCodecIssuer(cfg.Auth.Issuer),
		auth.WithTokenTTL(cfg.Auth.TokenTTL),
	)
	if err != nil {
		log.WithError(err).Fatal("token codec")
	}
	svc, err := auth.NewService(store, store, codec,
		auth.WithHasher(auth.NewHasher(cfg.Auth.BcryptCost)),
		auth.WithPasswordMaxAge(cfg.Auth.PasswordMaxAge),
	)
	if err != nil {
		log.WithError(err).Fatal("auth service")
	}

	gate, closeGate, err := loginGate(cfg)
	if err != nil {
		log.WithError(err).Fatal("login gate")
	}
	defer closeGate()

	api, err := httpapi.New(httpapi.Options{
		Auth:             svc,
		Guard:            auth.NewGuard(store),
		LoginGate:        gate,
		LoginPeriod:      cfg.LoginLimit.Period,
		TrustedUsernames: cfg.Auth.TrustedUsernames,
		Ready:            ready,
		Version:          version,
		MaxBodyBytes:     cfg.HTTP.MaxBodyBytes,
	})
	if err != nil {
		log.WithError(err).Fatal("http api")
	}

	go purgeTokens(ctx, svc, cfg.Auth.PurgeInterval)

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		ReadHeaderTimeout: cfg.HTTP.ReadTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
		IdleTimeout:       cfg.HTTP.IdleTimeout,
	}

	log.WithField("version", version).WithField("addr", srv.Addr).Info("starting gymcrm-api")

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		log.WithError(err).Fatal("listen")
	case <-ctx.Done():
	}
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("shutdown")
	}
	log.Info("stopped")
}

// loginGate picks the Redis gate when a URL is configured so that replicas
// share one budget.
func loginGate(cfg config.Config) (ratelimit.Gate, func(), error) {
	if cfg.Redis.URL == "" {
		gate, err := ratelimit.NewLocal(cfg.LoginLimit)
		return gate, func() {}, err
	}
	opts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return nil, nil, err
	}
	client := redis.NewClient(opts)
	gate, err := ratelimit.NewRedis(client, cfg.LoginLimit, cfg.Redis.Key)
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	return gate, func() { _ = client.Close() }, nil
}

func purgeTokens(ctx context.Context, svc *auth.Service, every time.Duration) {
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := svc.PurgeTokens(ctx)
			if err != nil {
				obs.Logger().WithError(err).Warn("purge tokens")
				continue
			}
			if n > 0 {
				obs.Logger().WithField("purged", n).Info("expired tokens purged")
			}
		}
	}
}
