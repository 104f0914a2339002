package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/eko/gocache/lib/v4/cache"
	"github.com/eko/gocache/lib/v4/store"
	redisstore "github.com/eko/gocache/store/redis/v4"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"schoolbus-tracker/internal/api"
	"schoolbus-tracker/internal/attendance"
	"schoolbus-tracker/internal/config"
	"schoolbus-tracker/internal/db"
	"schoolbus-tracker/internal/identity"
	"schoolbus-tracker/internal/livepos"
	"schoolbus-tracker/internal/logging"
	"schoolbus-tracker/internal/metrics"
	"schoolbus-tracker/internal/publisher"
	"schoolbus-tracker/internal/session"
	"schoolbus-tracker/internal/tracking"
	"schoolbus-tracker/internal/trips"
	"schoolbus-tracker/internal/viewer"
)

// backend is everything the server reads and writes; both the Postgres and
// the in-memory store satisfy it.
type backend interface {
	trips.Store
	attendance.Store
	viewer.Store
	identity.Directory
	session.Directory
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the tracking API server",
		Action: func(c *cli.Context) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("config error: %w", err)
			}
			logging.Setup(cfg.LogFormat, cfg.LogLevel)

			// Root context with cancellation on SIGINT/SIGTERM
			ctx, cancel := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return serve(ctx, cfg)
		},
	}
}

// waitFor retries a dependency check with exponential backoff while the
// surrounding services come up.
func waitFor(ctx context.Context, what string, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 30 * time.Second
	return backoff.RetryNotify(op, backoff.WithContext(b, ctx), func(err error, next time.Duration) {
		log.Warn().Err(err).Str("dependency", what).Dur("retry_in", next).Msg("not ready")
	})
}

func disabled(v string) bool {
	v = strings.TrimSpace(strings.ToLower(v))
	return v == "" || v == "off" || v == "none"
}

func serve(ctx context.Context, cfg *config.Config) error {
	mcol := metrics.NewCollector(cfg.PositionTTL, cfg.FleetMaxAge)
	if cfg.MetricsAddr != "" {
		srv := mcol.Serve(cfg.MetricsAddr)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	var (
		st     backend
		health func(context.Context) error
	)
	switch cfg.Store {
	case "memory":
		mem := db.NewMemory()
		if cfg.RosterFile != "" {
			r, err := db.LoadRoster(cfg.RosterFile)
			if err != nil {
				return err
			}
			if err := mem.ImportRoster(ctx, r); err != nil {
				return err
			}
		}
		st = mem
		log.Warn().Msg("using in-memory store; trips and attendance are lost on restart")
	default:
		sqlDB, err := db.Open(cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("db open error: %w", err)
		}
		defer sqlDB.Close()
		if err := waitFor(ctx, "postgres", func() error { return db.Ping(ctx, sqlDB) }); err != nil {
			return fmt.Errorf("db ping error: %w", err)
		}
		if err := db.Migrate(ctx, sqlDB); err != nil {
			return err
		}
		st = db.NewStore(sqlDB)
		health = func(ctx context.Context) error { return db.Ping(ctx, sqlDB) }
	}

	// Live positions and the student cache live in Redis when configured.
	var (
		posStore     livepos.Store = livepos.NewMemoryStore()
		studentCache *cache.Cache[string]
	)
	if !disabled(cfg.RedisAddr) {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		defer rdb.Close()
		if err := waitFor(ctx, "redis", func() error { return rdb.Ping(ctx).Err() }); err != nil {
			return fmt.Errorf("redis ping error: %w", err)
		}
		posStore = livepos.NewRedisStore(rdb, cfg.PositionTTL)
		studentCache = cache.New[string](redisstore.NewRedis(rdb, store.WithExpiration(cfg.RosterCacheTTL)))
		health = withRedis(health, rdb)
	}

	var (
		bc  livepos.Broadcaster
		ann attendance.Announcer
	)
	if !disabled(cfg.NATSURL) {
		var pub *publisher.Bus
		err := waitFor(ctx, "nats", func() (err error) {
			pub, err = publisher.Connect(cfg.NATSURL, cfg.LogNATSSubjects, mcol)
			return err
		})
		if err != nil {
			return fmt.Errorf("nats error: %w", err)
		}
		defer pub.Close()
		bc, ann = pub, pub
	}

	cal := tracking.Calendar{Location: cfg.Location}
	positions := livepos.NewPublisher(posStore, bc, nil, mcol)
	tm := trips.NewManager(st, positions, cal, mcol)
	srv, err := api.New(api.Deps{
		Trips:       tm,
		Attendance:  attendance.NewProcessor(st, tm, ann, cal, mcol),
		Resolver:    identity.NewResolver(st, tm, st, studentCache, mcol),
		Positions:   positions,
		Viewer:      viewer.NewService(st, positions, cal, mcol),
		Directory:   st,
		Signer:      session.NewSigner(cfg.JWTSecret, 12*time.Hour),
		Metrics:     mcol,
		FleetMaxAge: cfg.FleetMaxAge,
		Health:      health,
	})
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Str("store", cfg.Store).Str("tz", cfg.Location.String()).Msg("api listening")
		errCh <- srv.Listen(cfg.HTTPAddr)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("api shutdown")
	}
	log.Info().Msg("shutdown complete")
	return nil
}

func withRedis(next func(context.Context) error, rdb *redis.Client) func(context.Context) error {
	return func(ctx context.Context) error {
		if next != nil {
			if err := next(ctx); err != nil {
				return err
			}
		}
		if err := rdb.Ping(ctx).Err(); err != nil {
			return errors.Join(errors.New("redis unreachable"), err)
		}
		return nil
	}
}

// openPostgres is shared by the maintenance commands.
func openPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	sqlDB, err := db.Open(dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(ctx, sqlDB); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("db ping error: %w", err)
	}
	return sqlDB, nil
}
