package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"googlemaps.github.io/maps"

	"github.com/example/campus-escort/internal/config"
	"github.com/example/campus-escort/internal/dispatch"
	"github.com/example/campus-escort/internal/eta"
	"github.com/example/campus-escort/internal/geo"
	httpapi "github.com/example/campus-escort/internal/http"
	"github.com/example/campus-escort/internal/ingest"
	"github.com/example/campus-escort/internal/logging"
	"github.com/example/campus-escort/internal/matcher"
	"github.com/example/campus-escort/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) error {
	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rdb.Close()
	}

	var mapsClient *maps.Client
	if cfg.GoogleMapsAPIKey != "" {
		mapsClient, err = maps.NewClient(maps.WithAPIKey(cfg.GoogleMapsAPIKey))
		if err != nil {
			return fmt.Errorf("google maps client: %w", err)
		}
	}

	b := cfg.CampusBounds
	campus := geo.NewCampus(b.SouthLat, b.WestLon, b.NorthLat, b.EastLon)
	geocoder, err := buildGeocoder(cfg, mapsClient, campus)
	if err != nil {
		return err
	}

	hub := dispatch.NewHub(0, logger)
	svc := &matcher.Service{
		Store:    store,
		Geocoder: geocoder,
		ETA:      eta.NewEstimator(buildRouteTimer(cfg, mapsClient, rdb, logger), cfg.RouteTimeout, cfg.ETAMaxParallel, logger),
		Notifier: hub,
		Logger:   logger,
	}
	if len(cfg.KafkaBrokers) > 0 {
		kp := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaLocationTopic, cfg.KafkaRideTopic)
		defer kp.Close()
		svc.Events = kp
		logger.Info("publishing events to kafka", "brokers", cfg.KafkaBrokers)
	}

	api := httpapi.NewServer(svc, hub, logger, httpapi.Options{
		CORSOrigins:    cfg.CORSOrigins,
		WSWriteTimeout: cfg.WSWriteTimeout,
		WSPingInterval: cfg.WSPingInterval,
	})
	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("campus escort listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return svc.RunAutoAssign(gctx, cfg.AssignInterval)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		// hijacked websocket connections are not tracked by Shutdown
		hub.CloseAll()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func openStore(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) (storage.Registry, func(), error) {
	if cfg.PGDSN == "" {
		logger.Warn("PG_DSN not set, rides and drivers are kept in memory")
		return storage.NewMemoryStore(), func() {}, nil
	}
	ps, err := storage.NewPostgresStore(ctx, cfg.PGDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("open postgres: %w", err)
	}
	if cfg.RunMigrations {
		if err := ps.Migrate(ctx, cfg.MigrationsPath); err != nil {
			_ = ps.Close()
			return nil, nil, fmt.Errorf("migrate: %w", err)
		}
		logger.Info("migration applied", "path", cfg.MigrationsPath)
	}
	return ps, func() { _ = ps.Close() }, nil
}

func buildGeocoder(cfg config.ServerConfig, mapsClient *maps.Client, campus geo.Campus) (geo.Geocoder, error) {
	var chain geo.Chain
	if cfg.GazetteerFile != "" {
		g, err := geo.LoadGazetteer(cfg.GazetteerFile)
		if err != nil {
			return nil, fmt.Errorf("load gazetteer: %w", err)
		}
		chain = append(chain, g)
	}
	if mapsClient != nil {
		chain = append(chain, geo.NewGoogleGeocoder(mapsClient, cfg.GeocodeSuffix, campus))
	}
	if len(chain) == 0 {
		return nil, errors.New("no geocoder configured: set GAZETTEER_FILE or GOOGLE_MAPS_API_KEY")
	}
	return geo.Bounded{Geocoder: chain, Campus: campus}, nil
}

// buildRouteTimer prefers OSRM, then Google Directions, then a straight-line
// estimate. Remote timers are rate limited and cached.
func buildRouteTimer(cfg config.ServerConfig, mapsClient *maps.Client, rdb *redis.Client, logger *slog.Logger) eta.RouteTimer {
	var timer eta.RouteTimer
	switch {
	case cfg.OSRMEndpoint != "":
		timer = eta.NewOSRMClient(cfg.OSRMEndpoint)
		logger.Info("route durations from osrm", "endpoint", cfg.OSRMEndpoint)
	case mapsClient != nil:
		timer = eta.NewGoogleRouteTimer(mapsClient)
		logger.Info("route durations from google directions")
	default:
		logger.Warn("no routing backend configured, using straight-line estimates", "speed_mps", cfg.DefaultSpeedMps)
		return eta.StraightLineTimer{SpeedMps: cfg.DefaultSpeedMps}
	}

	if cfg.RouteRateLimit > 0 {
		timer = eta.NewLimitedTimer(timer, cfg.RouteRateLimit, cfg.RouteRateBurst)
	}
	if cfg.RouteCacheTTL <= 0 {
		return timer
	}
	var cache eta.LegCache = eta.NewMemoryCache(cfg.RouteCacheTTL)
	if rdb != nil {
		cache = eta.NewRedisCache(rdb, cfg.RouteCacheTTL, logger)
	}
	return &eta.CachedTimer{Timer: timer, Cache: cache}
}
