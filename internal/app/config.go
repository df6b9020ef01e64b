package app

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	HTTPAddr         string
	LogLevel         string
	LogFormat        string
	HTTPRateLimitRPS float64
	TrustedProxies   []string

	MountRoot          string
	MountStreamBaseURL string

	TorznabEndpoint    string
	TorznabAPIKey      string
	IndexerUserAgent   string
	IndexerConcurrency int
	SearchCeiling      time.Duration

	RealDebridBaseURL   string
	DebridRatePerSecond float64
	PollInterval        time.Duration
	DownloadCeiling     time.Duration
	MaxSourceAttempts   int
	JobTempDir          string
	VerifyCachedLinks   bool

	TMDBAPIKey   string
	TMDBBaseURL  string
	TMDBCacheTTL time.Duration

	RedisURL      string
	MongoURI      string
	MongoDatabase string

	JobSweepInterval     time.Duration
	SessionSweepInterval time.Duration
	BadLinkSweepInterval time.Duration
	LinkSweepInterval    time.Duration
}

func LoadConfig() Config {
	return Config{
		HTTPAddr:         getEnv("HTTP_ADDR", ":8095"),
		LogLevel:         strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LogFormat:        strings.ToLower(getEnv("LOG_FORMAT", "text")),
		HTTPRateLimitRPS: getEnvFloat("HTTP_RATE_LIMIT_RPS", 50),
		TrustedProxies:   getEnvList("TRUSTED_PROXIES"),

		MountRoot:          getEnv("MOUNT_ROOT", ""),
		MountStreamBaseURL: getEnv("MOUNT_STREAM_BASE_URL", ""),

		TorznabEndpoint:    getEnv("TORZNAB_ENDPOINT", ""),
		TorznabAPIKey:      strings.TrimSpace(os.Getenv("TORZNAB_API_KEY")),
		IndexerUserAgent:   getEnv("INDEXER_USER_AGENT", "stream-resolver/1.0"),
		IndexerConcurrency: getEnvInt("INDEXER_CONCURRENCY", 6),
		SearchCeiling:      time.Duration(getEnvInt("SEARCH_CEILING_SECONDS", 45)) * time.Second,

		RealDebridBaseURL:   getEnv("REALDEBRID_BASE_URL", "https://api.real-debrid.com/rest/1.0"),
		DebridRatePerSecond: getEnvFloat("DEBRID_RATE_PER_SECOND", 4),
		PollInterval:        time.Duration(getEnvInt("POLL_INTERVAL_SECONDS", 3)) * time.Second,
		DownloadCeiling:     time.Duration(getEnvInt("DOWNLOAD_CEILING_MINUTES", 30)) * time.Minute,
		MaxSourceAttempts:   getEnvInt("MAX_SOURCE_ATTEMPTS", 3),
		JobTempDir:          getEnv("JOB_TEMP_DIR", ""),
		VerifyCachedLinks:   getEnvBool("VERIFY_CACHED_LINKS", true),

		TMDBAPIKey:   strings.TrimSpace(os.Getenv("TMDB_API_KEY")),
		TMDBBaseURL:  getEnv("TMDB_BASE_URL", "https://api.themoviedb.org/3"),
		TMDBCacheTTL: time.Duration(getEnvInt("TMDB_CACHE_TTL_DAYS", 7)) * 24 * time.Hour,

		RedisURL:      getEnv("REDIS_URL", ""),
		MongoURI:      getEnv("MONGO_URI", ""),
		MongoDatabase: getEnv("MONGO_DATABASE", "resolver"),

		JobSweepInterval:     time.Duration(getEnvInt("JOB_SWEEP_SECONDS", 60)) * time.Second,
		SessionSweepInterval: time.Duration(getEnvInt("SESSION_SWEEP_SECONDS", 30)) * time.Second,
		BadLinkSweepInterval: time.Duration(getEnvInt("BADLINK_SWEEP_MINUTES", 10)) * time.Minute,
		LinkSweepInterval:    time.Duration(getEnvInt("LINK_SWEEP_MINUTES", 30)) * time.Minute,
	}
}

func getEnv(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if value := strings.TrimSpace(part); value != "" {
			out = append(out, value)
		}
	}
	return out
}

func getEnvInt(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func getEnvFloat(key string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(raw, 64)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func getEnvBool(key string, fallback bool) bool {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if raw == "" {
		return fallback
	}
	switch raw {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}
