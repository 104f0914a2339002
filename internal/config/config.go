package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the server configuration.
type Config struct {
	Store       string // postgres | memory
	DatabaseURL string
	RosterFile  string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	NATSURL         string
	LogNATSSubjects bool

	HTTPAddr    string
	MetricsAddr string
	JWTSecret   string

	PositionTTL    time.Duration
	FleetMaxAge    time.Duration
	RosterCacheTTL time.Duration

	Location  *time.Location
	LogLevel  string
	LogFormat string
}

// ClientConfig configures the driver and viewer command line clients.
type ClientConfig struct {
	APIURL           string
	APIToken         string
	PollInterval     time.Duration
	SampleTimeout    time.Duration
	BeaconInterval   time.Duration
	NATSURL          string
	DeviceGPSSubject string
	LogLevel         string
	LogFormat        string
}

func Load() (*Config, error) {
	// Load .env into environment (ignore if missing)
	_ = godotenv.Load()

	cfg := &Config{}

	cfg.Store = strings.ToLower(getenvDefault("STORE", "postgres"))
	switch cfg.Store {
	case "postgres":
		dsn, err := databaseURL()
		if err != nil {
			return nil, err
		}
		cfg.DatabaseURL = dsn
	case "memory":
		cfg.DatabaseURL = firstNonEmpty(os.Getenv("DATABASE_URL"), os.Getenv("PG_DSN"))
	default:
		return nil, fmt.Errorf("invalid STORE: %q", cfg.Store)
	}
	cfg.RosterFile = os.Getenv("ROSTER_FILE")

	cfg.RedisAddr = getenvDefault("REDIS_ADDR", "127.0.0.1:6379")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	if v := os.Getenv("REDIS_DB"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid REDIS_DB: %q", v)
		}
		cfg.RedisDB = n
	}

	cfg.NATSURL = getenvDefault("NATS_URL", "nats://127.0.0.1:4222")
	cfg.LogNATSSubjects = parseBool(os.Getenv("LOG_NATS_SUBJECTS"))

	cfg.HTTPAddr = getenvDefault("HTTP_ADDR", ":8080")
	// Metrics listen address (e.g., ":9102"). Empty disables the metrics server.
	cfg.MetricsAddr = os.Getenv("METRICS_ADDR")

	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	if cfg.JWTSecret == "" {
		return nil, errors.New("JWT_SECRET must be set")
	}

	var err error
	if cfg.PositionTTL, err = minutes("POSITION_TTL_MIN", 120); err != nil {
		return nil, err
	}
	if cfg.FleetMaxAge, err = minutes("FLEET_MAX_AGE_MIN", 30); err != nil {
		return nil, err
	}
	if cfg.RosterCacheTTL, err = seconds("ROSTER_CACHE_TTL_SEC", 60); err != nil {
		return nil, err
	}

	// Service days are computed in this zone.
	if cfg.Location, err = location(); err != nil {
		return nil, err
	}
	cfg.LogLevel = getenvDefault("LOG_LEVEL", "info")
	cfg.LogFormat = getenvDefault("LOG_FORMAT", "console")

	return cfg, nil
}

func LoadClient() (*ClientConfig, error) {
	_ = godotenv.Load()

	cfg := &ClientConfig{
		APIURL:           strings.TrimRight(getenvDefault("API_URL", "http://127.0.0.1:8080"), "/"),
		APIToken:         os.Getenv("API_TOKEN"),
		NATSURL:          os.Getenv("NATS_URL"),
		DeviceGPSSubject: os.Getenv("DEVICE_GPS_SUBJECT"),
		LogLevel:         getenvDefault("LOG_LEVEL", "info"),
		LogFormat:        getenvDefault("LOG_FORMAT", "console"),
	}
	var err error
	if cfg.PollInterval, err = seconds("POLL_INTERVAL_SEC", 10); err != nil {
		return nil, err
	}
	if cfg.BeaconInterval, err = seconds("BEACON_INTERVAL_SEC", 10); err != nil {
		return nil, err
	}
	if v := os.Getenv("SAMPLE_TIMEOUT_MS"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil || ms <= 0 {
			return nil, fmt.Errorf("invalid SAMPLE_TIMEOUT_MS: %q", v)
		}
		cfg.SampleTimeout = time.Duration(ms) * time.Millisecond
	} else {
		cfg.SampleTimeout = 3 * time.Second
	}
	return cfg, nil
}

// databaseURL prefers DATABASE_URL / PG_DSN, else builds a DSN from PG* vars.
func databaseURL() (string, error) {
	if dsn := firstNonEmpty(os.Getenv("DATABASE_URL"), os.Getenv("PG_DSN")); dsn != "" {
		return dsn, nil
	}
	host := getenvDefault("PGHOST", "127.0.0.1")
	port := getenvDefault("PGPORT", "5432")
	user := getenvDefault("PGUSER", "postgres")
	pass := os.Getenv("PGPASSWORD")
	db := os.Getenv("PGDATABASE")
	if db == "" {
		return "", errors.New("PGDATABASE or DATABASE_URL must be set")
	}
	sslmode := getenvDefault("PGSSLMODE", "disable")
	if pass != "" {
		return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", urlEscape(user), urlEscape(pass), host, port, db, sslmode), nil
	}
	return fmt.Sprintf("postgres://%s@%s:%s/%s?sslmode=%s", urlEscape(user), host, port, db, sslmode), nil
}

func location() (*time.Location, error) {
	tzName := getenvDefault("TZ", "")
	if tzName == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tzName)
	if err != nil {
		return nil, fmt.Errorf("invalid TZ: %v", err)
	}
	return loc, nil
}

func minutes(key string, def int) (time.Duration, error) {
	n, err := positiveInt(key, def)
	return time.Duration(n) * time.Minute, err
}

func seconds(key string, def int) (time.Duration, error) {
	n, err := positiveInt(key, def)
	return time.Duration(n) * time.Second, err
}

func positiveInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return n, nil
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	default:
		return false
	}
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func urlEscape(s string) string {
	// Minimal escape for DSN user/pass with special chars
	r := strings.NewReplacer("@", "%40", ":", "%3A", "/", "%2F", "?", "%3F", "#", "%23")
	return r.Replace(s)
}
