package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Addr         string
	UpstreamURL  string
	CORSOrigin   string
	// Session storage backend selection: RedisURL wins over SQLitePath,
	// empty both falls back to in-memory storage.
	RedisURL   string
	SQLitePath string
	// Soft quota applied by the memory and sqlite storage backends, in bytes.
	StorageQuota int64
	// Debounce windows. Tunables, not contracts: remote must stay slower
	// than local so a local save always lands first in a cycle.
	LocalSaveDebounce  time.Duration
	RemoteSaveDebounce time.Duration
	HistoryDebounce    time.Duration
	// How long a preserved draft id survives a cross-page navigation.
	PreservedIDMaxAge time.Duration
	HistoryLimit      int
}

func Load() Config {
	// Optional .env for local development; missing file is fine.
	_ = godotenv.Load()

	return Config{
		Addr:               getenv("ENGINE_ADDR", ":8790"),
		UpstreamURL:        getenv("FORMS_API_URL", "http://localhost:8080"),
		CORSOrigin:         getenv("ENGINE_CORS_ORIGIN", "*"),
		RedisURL:           getenv("ENGINE_REDIS_URL", ""),
		SQLitePath:         getenv("ENGINE_SQLITE_PATH", ""),
		StorageQuota:       int64(getenvInt("ENGINE_STORAGE_QUOTA_BYTES", 5*1024*1024)),
		LocalSaveDebounce:  getenvDuration("ENGINE_LOCAL_SAVE_DEBOUNCE", 800*time.Millisecond),
		RemoteSaveDebounce: getenvDuration("ENGINE_REMOTE_SAVE_DEBOUNCE", 3*time.Second),
		HistoryDebounce:    getenvDuration("ENGINE_HISTORY_DEBOUNCE", 600*time.Millisecond),
		PreservedIDMaxAge:  getenvDuration("ENGINE_PRESERVED_ID_MAX_AGE", 10*time.Minute),
		HistoryLimit:       getenvInt("ENGINE_HISTORY_LIMIT", 50),
	}
}

func getenv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}
