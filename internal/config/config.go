package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Bounds is the rectangle geocoding results must fall inside.
type Bounds struct {
	SouthLat float64
	WestLon  float64
	NorthLat float64
	EastLon  float64
}

// ServerConfig captures all tunable parameters for the API process. Values
// come from defaults, then an optional config file named by CONFIG_FILE, then
// environment variables.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	CORSOrigins     []string

	PGDSN          string
	RunMigrations  bool
	MigrationsPath string

	RedisAddr     string
	RedisPassword string

	KafkaBrokers       []string
	KafkaLocationTopic string
	KafkaRideTopic     string

	GoogleMapsAPIKey string
	OSRMEndpoint     string
	RouteTimeout     time.Duration
	RouteCacheTTL    time.Duration
	RouteRateLimit   float64
	RouteRateBurst   int
	ETAMaxParallel   int
	DefaultSpeedMps  float64

	GazetteerFile string
	GeocodeSuffix string
	CampusBounds  Bounds

	AssignInterval time.Duration
	WSWriteTimeout time.Duration
	WSPingInterval time.Duration

	LogLevel string
}

// ConsumerConfig configures the location mirror consumer.
type ConsumerConfig struct {
	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroup   string

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	MetricsAddr string
	LogLevel    string
}

func setServerDefaults(v *viper.Viper) {
	v.SetDefault("http_addr", ":5001")
	v.SetDefault("http_read_timeout", "5s")
	v.SetDefault("http_write_timeout", "15s")
	v.SetDefault("http_idle_timeout", "120s")
	v.SetDefault("http_shutdown_timeout", "15s")
	v.SetDefault("cors_origins", "*")

	v.SetDefault("pg_dsn", "")
	v.SetDefault("migrate", false)
	v.SetDefault("migrations_path", "migrations/001_create_rides.sql")

	v.SetDefault("redis_addr", "")
	v.SetDefault("redis_password", "")

	v.SetDefault("kafka_brokers", "")
	v.SetDefault("kafka_location_topic", "driver-locations")
	v.SetDefault("kafka_ride_topic", "ride-events")

	v.SetDefault("google_maps_api_key", "")
	v.SetDefault("osrm_endpoint", "")
	v.SetDefault("route_timeout", "2s")
	v.SetDefault("route_cache_ttl", "2m")
	v.SetDefault("route_rate_limit", 0)
	v.SetDefault("route_rate_burst", 10)
	v.SetDefault("eta_max_parallel", 8)
	v.SetDefault("default_speed_mps", 8.0)

	v.SetDefault("gazetteer_file", "data/gazetteer.yaml")
	v.SetDefault("geocode_suffix", ", Seattle, WA")
	// University of Washington campus viewbox
	v.SetDefault("campus_south_lat", 47.648546)
	v.SetDefault("campus_west_lon", -122.333540)
	v.SetDefault("campus_north_lat", 47.682512)
	v.SetDefault("campus_east_lon", -122.270640)

	v.SetDefault("assign_interval", "0s")
	v.SetDefault("ws_write_timeout", "5s")
	v.SetDefault("ws_ping_interval", "30s")

	v.SetDefault("log_level", "info")
}

func setConsumerDefaults(v *viper.Viper) {
	v.SetDefault("kafka_brokers", "localhost:9092")
	v.SetDefault("kafka_location_topic", "driver-locations")
	v.SetDefault("kafka_group", "campus-escort-location-mirror")
	v.SetDefault("redis_addr", "localhost:6379")
	v.SetDefault("redis_password", "")
	v.SetDefault("redis_geo_key", "drivers_geo")
	v.SetDefault("metrics_addr", ":2112")
	v.SetDefault("log_level", "info")
}

func newViper(defaults func(*viper.Viper)) (*viper.Viper, error) {
	v := viper.New()
	defaults(v)
	v.AutomaticEnv()
	if file := v.GetString("config_file"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", file, err)
		}
	}
	return v, nil
}

func LoadServerConfig() (ServerConfig, error) {
	v, err := newViper(setServerDefaults)
	if err != nil {
		return ServerConfig{}, err
	}
	var cfg ServerConfig
	var errs []error

	cfg.HTTPAddr = strings.TrimSpace(v.GetString("http_addr"))
	setDuration(v, &cfg.ReadTimeout, "http_read_timeout", &errs)
	setDuration(v, &cfg.WriteTimeout, "http_write_timeout", &errs)
	setDuration(v, &cfg.IdleTimeout, "http_idle_timeout", &errs)
	setDuration(v, &cfg.ShutdownTimeout, "http_shutdown_timeout", &errs)
	cfg.CORSOrigins = splitAndTrim(v.GetString("cors_origins"))

	cfg.PGDSN = v.GetString("pg_dsn")
	cfg.RunMigrations = v.GetBool("migrate")
	cfg.MigrationsPath = v.GetString("migrations_path")

	cfg.RedisAddr = strings.TrimSpace(v.GetString("redis_addr"))
	cfg.RedisPassword = v.GetString("redis_password")

	cfg.KafkaBrokers = splitAndTrim(v.GetString("kafka_brokers"))
	cfg.KafkaLocationTopic = v.GetString("kafka_location_topic")
	cfg.KafkaRideTopic = v.GetString("kafka_ride_topic")

	cfg.GoogleMapsAPIKey = v.GetString("google_maps_api_key")
	cfg.OSRMEndpoint = strings.TrimRight(strings.TrimSpace(v.GetString("osrm_endpoint")), "/")
	setDuration(v, &cfg.RouteTimeout, "route_timeout", &errs)
	setDuration(v, &cfg.RouteCacheTTL, "route_cache_ttl", &errs)
	cfg.RouteRateLimit = v.GetFloat64("route_rate_limit")
	cfg.RouteRateBurst = v.GetInt("route_rate_burst")
	cfg.ETAMaxParallel = v.GetInt("eta_max_parallel")
	cfg.DefaultSpeedMps = v.GetFloat64("default_speed_mps")

	cfg.GazetteerFile = v.GetString("gazetteer_file")
	cfg.GeocodeSuffix = v.GetString("geocode_suffix")
	cfg.CampusBounds = Bounds{
		SouthLat: v.GetFloat64("campus_south_lat"),
		WestLon:  v.GetFloat64("campus_west_lon"),
		NorthLat: v.GetFloat64("campus_north_lat"),
		EastLon:  v.GetFloat64("campus_east_lon"),
	}

	setDuration(v, &cfg.AssignInterval, "assign_interval", &errs)
	setDuration(v, &cfg.WSWriteTimeout, "ws_write_timeout", &errs)
	setDuration(v, &cfg.WSPingInterval, "ws_ping_interval", &errs)

	cfg.LogLevel = strings.ToLower(v.GetString("log_level"))

	if cfg.RouteTimeout <= 0 {
		errs = append(errs, fmt.Errorf("ROUTE_TIMEOUT must be > 0"))
	}
	if cfg.ETAMaxParallel <= 0 {
		errs = append(errs, fmt.Errorf("ETA_MAX_PARALLEL must be > 0"))
	}
	if cfg.RouteRateLimit < 0 {
		errs = append(errs, fmt.Errorf("ROUTE_RATE_LIMIT must be >= 0"))
	}
	if cfg.DefaultSpeedMps <= 0 {
		errs = append(errs, fmt.Errorf("DEFAULT_SPEED_MPS must be > 0"))
	}
	if b := cfg.CampusBounds; b.SouthLat >= b.NorthLat || b.WestLon >= b.EastLon {
		errs = append(errs, fmt.Errorf("campus bounds are empty: %+v", b))
	}
	if cfg.AssignInterval < 0 {
		errs = append(errs, fmt.Errorf("ASSIGN_INTERVAL must be >= 0"))
	}

	return cfg, errors.Join(errs...)
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	v, err := newViper(setConsumerDefaults)
	if err != nil {
		return ConsumerConfig{}, err
	}
	cfg := ConsumerConfig{
		KafkaBrokers:  splitAndTrim(v.GetString("kafka_brokers")),
		KafkaTopic:    v.GetString("kafka_location_topic"),
		KafkaGroup:    v.GetString("kafka_group"),
		RedisAddr:     v.GetString("redis_addr"),
		RedisPassword: v.GetString("redis_password"),
		RedisGeoKey:   v.GetString("redis_geo_key"),
		MetricsAddr:   v.GetString("metrics_addr"),
		LogLevel:      strings.ToLower(v.GetString("log_level")),
	}
	if len(cfg.KafkaBrokers) == 0 {
		return cfg, fmt.Errorf("KAFKA_BROKERS must not be empty")
	}
	return cfg, nil
}

func setDuration(v *viper.Viper, target *time.Duration, key string, errs *[]error) {
	raw := strings.TrimSpace(v.GetString(key))
	if raw == "" {
		return
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("invalid %s: %w", strings.ToUpper(key), err))
		return
	}
	*target = d
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
