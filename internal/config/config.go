// Package config loads the Audit Service's runtime configuration from
// environment variables. Loading a configuration *file* remains out of
// scope per spec.md §1; this keeps the teacher's own getInt/getFloat/
// getDuration env-var helper style, extended to the component set
// SPEC_FULL.md adds.
package config

import (
	"log"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port         int
	DataDir      string
	SharedSecret string
	BatchSize    int
	KAnonymity   int
	DPEpsilon    float64
	DPSeed       int64
	WriteTimeout time.Duration
	ReadTimeout  time.Duration

	// Security is the CSV sink's security.* configuration surface
	// (spec.md §6).
	SecurityEnabled   bool
	SecurityPassword  string
	SignatureInterval time.Duration

	// Buffering is the CSV sink's buffering.* configuration surface.
	BufferingEnabled   bool
	BufferingMaxSize   int
	BufferingMaxTime   time.Duration
	BufferingAutoflush bool

	// RedisAddr, if set, backs the read index and/or the buffering queue
	// with Redis instead of in-process state.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// QuerySink names the sink every Read/Query call is delegated to.
	QuerySink string

	// RegoPolicyPath, if set, points at a Rego module file used to build
	// an authz.RegoAuthorizer; otherwise the Audit Service stays
	// permissive.
	RegoPolicyPath string

	// PrivacyFieldPath is the field the /privacy endpoint aggregates,
	// generalized from the teacher's hardcoded "mint" token field.
	PrivacyFieldPath   string
	PrivacyWindowHours int
}

func Load() Config {
	getInt := func(key string, def int) int {
		val := os.Getenv(key)
		if val == "" {
			return def
		}
		n, err := strconv.Atoi(val)
		if err != nil {
			log.Fatalf("invalid %s=%q", key, val)
		}
		return n
	}
	getFloat := func(key string, def float64) float64 {
		val := os.Getenv(key)
		if val == "" {
			return def
		}
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			log.Fatalf("invalid %s=%q", key, val)
		}
		return f
	}
	getDuration := func(key string, def time.Duration) time.Duration {
		val := os.Getenv(key)
		if val == "" {
			return def
		}
		d, err := time.ParseDuration(val)
		if err != nil {
			log.Fatalf("invalid %s=%q", key, val)
		}
		return d
	}
	getBool := func(key string, def bool) bool {
		val := os.Getenv(key)
		if val == "" {
			return def
		}
		b, err := strconv.ParseBool(val)
		if err != nil {
			log.Fatalf("invalid %s=%q", key, val)
		}
		return b
	}

	cfg := Config{
		Port:         getInt("ASSURE_PORT", 9010),
		DataDir:      os.Getenv("ASSURE_DATA_DIR"),
		SharedSecret: os.Getenv("ASSURE_SHARED_SECRET"),
		BatchSize:    getInt("ASSURE_BATCH_SIZE", 100),
		KAnonymity:   getInt("ASSURE_K_ANON", 5),
		DPEpsilon:    getFloat("ASSURE_DP_EPS", 0.7),
		DPSeed:       int64(getInt("ASSURE_DP_SEED", 0)),
		WriteTimeout: getDuration("ASSURE_WRITE_TIMEOUT", 5*time.Second),
		ReadTimeout:  getDuration("ASSURE_READ_TIMEOUT", 5*time.Second),

		SecurityEnabled:   getBool("ASSURE_SECURITY_ENABLED", true),
		SecurityPassword:  os.Getenv("ASSURE_SECURITY_PASSWORD"),
		SignatureInterval: getDuration("ASSURE_SIGNATURE_INTERVAL", time.Minute),

		BufferingEnabled:   getBool("ASSURE_BUFFERING_ENABLED", false),
		BufferingMaxSize:   getInt("ASSURE_BUFFERING_MAX_SIZE", 50),
		BufferingMaxTime:   getDuration("ASSURE_BUFFERING_MAX_TIME", 2*time.Second),
		BufferingAutoflush: getBool("ASSURE_BUFFERING_AUTOFLUSH", true),

		RedisAddr:     os.Getenv("ASSURE_REDIS_ADDR"),
		RedisPassword: os.Getenv("ASSURE_REDIS_PASSWORD"),
		RedisDB:       getInt("ASSURE_REDIS_DB", 0),

		QuerySink: envOr("ASSURE_QUERY_SINK", "csv"),

		RegoPolicyPath: os.Getenv("ASSURE_REGO_POLICY_PATH"),

		PrivacyFieldPath:   envOr("ASSURE_PRIVACY_FIELD_PATH", "userId"),
		PrivacyWindowHours: getInt("ASSURE_PRIVACY_WINDOW_HOURS", 24),
	}

	if cfg.DataDir == "" {
		cfg.DataDir = "./data"
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.KAnonymity <= 1 {
		cfg.KAnonymity = 2
	}
	if cfg.DPEpsilon <= 0 {
		cfg.DPEpsilon = 0.7
	}
	return cfg
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
