package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/wildfire-labs/riskd/internal/core/model"
)

type KafkaCfg struct {
	Enabled bool
	Brokers string
	Topic   string
	Queue   int
}

type Config struct {
	Addr     string
	LogLevel string

	EffisIndexURL string
	EffisOWSURL   string
	EffisLayer    string
	EffisFilters  string

	RegionalURL  string
	RegionalBBox model.BBox

	// RedisAddr empty means the in-process store.
	RedisAddr     string
	CacheTTL      time.Duration
	CacheCapacity int
	FeatureTTL    time.Duration
	FeatureCap    int

	GlobalDeadline time.Duration
	PrimaryBudget  time.Duration
	RegionalBudget time.Duration
	RetryMax       int
	RetryTimeout   time.Duration

	H3Res           int
	FeatureRadiusKm float64
	FeatureWorkers  int

	LocateFixBudget    time.Duration
	LocateAllowDefault bool

	CleanupInterval time.Duration

	Kafka KafkaCfg
}

func FromEnv() Config {
	res := getint("H3_RES", 6)
	if res < 0 {
		res = 0
	}
	if res > 15 {
		res = 15
	}

	return Config{
		Addr:     getenv("ADDR", ":8090"),
		LogLevel: getenv("LOG_LEVEL", "info"),

		EffisIndexURL: getenv("EFFIS_INDEX_URL", "https://api.effis.emergency.copernicus.eu/fwi/point"),
		EffisOWSURL:   getenv("EFFIS_OWS_URL", "https://maps.effis.emergency.copernicus.eu/effis"),
		EffisLayer:    getenv("EFFIS_LAYER", ""),
		EffisFilters:  getenv("EFFIS_FILTERS", ""),

		RegionalURL:  getenv("REGIONAL_URL", ""),
		RegionalBBox: parseBBox(getenv("REGIONAL_BBOX", "-8.65,54.6,-0.7,60.9")),

		RedisAddr:     getenv("REDIS_ADDR", ""),
		CacheTTL:      getduration("CACHE_TTL", 6*time.Hour),
		CacheCapacity: getint("CACHE_CAPACITY", 100),
		FeatureTTL:    getduration("FEATURE_TTL", 24*time.Hour),
		FeatureCap:    getint("FEATURE_CAPACITY", 512),

		GlobalDeadline: getduration("GLOBAL_DEADLINE", 8*time.Second),
		PrimaryBudget:  getduration("PRIMARY_BUDGET", 4*time.Second),
		RegionalBudget: getduration("REGIONAL_BUDGET", 3*time.Second),
		RetryMax:       getint("RETRY_MAX", 2),
		RetryTimeout:   getduration("RETRY_TIMEOUT", 4*time.Second),

		H3Res:           res,
		FeatureRadiusKm: getfloat("FEATURE_RADIUS_KM", 25),
		FeatureWorkers:  getint("FEATURE_WORKERS", 8),

		LocateFixBudget:    getduration("LOCATE_FIX_BUDGET", 2*time.Second),
		LocateAllowDefault: getbool("LOCATE_ALLOW_DEFAULT", true),

		CleanupInterval: getduration("CLEANUP_INTERVAL", 15*time.Minute),

		Kafka: KafkaCfg{
			Enabled: getbool("KAFKA_ENABLED", false),
			Brokers: getenv("KAFKA_BROKERS", "localhost:9092"),
			Topic:   getenv("KAFKA_TOPIC", "risk-telemetry"),
			Queue:   getint("KAFKA_QUEUE", 256),
		},
	}
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getint(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v := os.Getenv(k); v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "t", "true", "y", "yes":
			return true
		case "0", "f", "false", "n", "no":
			return false
		}
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v := os.Getenv(k); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getduration(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// parseBBox reads "x1,y1,x2,y2" in EPSG:4326. A malformed value yields the
// zero envelope, which disables the regional tier.
func parseBBox(s string) model.BBox {
	parts := strings.Split(strings.TrimSpace(s), ",")
	if len(parts) != 4 {
		return model.BBox{}
	}
	vals := make([]float64, 4)
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return model.BBox{}
		}
		vals[i] = f
	}
	return model.BBox{X1: vals[0], Y1: vals[1], X2: vals[2], Y2: vals[3]}
}
