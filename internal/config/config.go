package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the application.
type Config struct {
	// Hostname is the public hostname where this service is reachable (used for did:web).
	Hostname string

	// Port is the HTTP server port.
	Port int

	// PublisherDID is the DID of the account that published the feed generator records.
	PublisherDID string

	// DatabasePath is the SQLite database file path.
	DatabasePath string

	// SweepInterval is how often the tag sweep job runs.
	SweepInterval time.Duration

	// PostMaxAge is how long a post keeps its feed tags before the sweep
	// strips them (and garbage collection removes posts left tagless).
	PostMaxAge time.Duration

	// HotThreadsKey is the collection key the replies aggregation is
	// materialized under.
	HotThreadsKey string
}

// ServiceDID returns the did:web for this feed generator based on the hostname.
func (c *Config) ServiceDID() string {
	return "did:web:" + c.Hostname
}

// Load reads configuration from a .env file (if present) and environment
// variables, with sensible defaults.
func Load() (*Config, error) {
	// Missing .env is fine; the environment may be set directly.
	_ = godotenv.Load()

	port := 3000
	if p := os.Getenv("PORT"); p != "" {
		var err error
		port, err = strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT: %w", err)
		}
	}

	hostname := os.Getenv("FEEDGEN_HOSTNAME")
	if hostname == "" {
		hostname = "localhost"
	}

	publisherDID := os.Getenv("FEEDGEN_PUBLISHER_DID")
	if publisherDID == "" {
		return nil, fmt.Errorf("FEEDGEN_PUBLISHER_DID is required")
	}

	dbPath := os.Getenv("DATABASE_PATH")
	if dbPath == "" {
		dbPath = "tagstore.db"
	}

	sweepInterval := 5 * time.Minute
	if v := os.Getenv("FEEDGEN_SWEEP_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid FEEDGEN_SWEEP_INTERVAL: %w", err)
		}
		sweepInterval = d
	}

	postMaxAge := 7 * 24 * time.Hour
	if v := os.Getenv("FEEDGEN_POST_MAX_AGE"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid FEEDGEN_POST_MAX_AGE: %w", err)
		}
		postMaxAge = d
	}

	hotThreadsKey := os.Getenv("FEEDGEN_HOT_THREADS_KEY")
	if hotThreadsKey == "" {
		hotThreadsKey = "hot-threads"
	}

	return &Config{
		Hostname:      hostname,
		Port:          port,
		PublisherDID:  publisherDID,
		DatabasePath:  dbPath,
		SweepInterval: sweepInterval,
		PostMaxAge:    postMaxAge,
		HotThreadsKey: hotThreadsKey,
	}, nil
}
