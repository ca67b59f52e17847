// Package config loads and validates the YAML configuration for the
// ingestion engine: one feed per process, its venue, archive root,
// snapshot store and health listener.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root document for an ingestion daemon process.
type Config struct {
	Feed     FeedInfo       `yaml:"feed"`
	Venue    VenueInfo      `yaml:"venue"`
	Shards   ShardInfo      `yaml:"shards"`
	Archive  ArchiveInfo    `yaml:"archive"`
	Bus      BusInfo        `yaml:"bus"`
	Snapshot SnapshotInfo   `yaml:"snapshot"`
	Discover DiscoveryInfo  `yaml:"discovery"`
	Health   HealthInfo     `yaml:"health"`
	Logging  LoggingInfo    `yaml:"logging"`
}

// FeedInfo names the venue integration this process ingests.
type FeedInfo struct {
	Name string `yaml:"name"`
}

// VenueInfo selects the per-venue capability table and credentials.
type VenueInfo struct {
	Family         string        `yaml:"family"` // a|b|c|d, see internal/venue
	URL            string        `yaml:"url"`
	APIKey         string        `yaml:"api_key"`
	PrivateKeyPEM  string        `yaml:"private_key_pem"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
}

// ShardInfo bounds the worker pool this process maintains.
type ShardInfo struct {
	Count        int `yaml:"count"`
	MaxPerShard  int `yaml:"max_per_shard"`
}

// ArchiveInfo configures the disk flusher and manifest root.
type ArchiveInfo struct {
	RootDir         string        `yaml:"root_dir"`
	Stream          string        `yaml:"stream"`
	RingSize        string        `yaml:"ring_size"` // e.g. "64mb"
	RingSizeRaw     int64         `yaml:"-"`
	FullPolicy      string        `yaml:"full_policy"` // overwrite-oldest|drop-new
	BatchSize       int           `yaml:"batch_size"`
	EmptySleep      time.Duration `yaml:"empty_sleep"`
	Gzip            bool          `yaml:"gzip"`
	ParallelGzip    bool          `yaml:"parallel_gzip"`
	RotateEvery     time.Duration `yaml:"rotate_every"`
}

// BusInfo configures the in-process pub/sub fabric.
type BusInfo struct {
	Environment  string `yaml:"environment"`
	SubscriberBuf int   `yaml:"subscriber_buffer"`
}

// SnapshotInfo configures the Redis-backed last-value projector.
type SnapshotInfo struct {
	RedisAddr string        `yaml:"redis_addr"`
	TTL       time.Duration `yaml:"ttl"`
}

// DiscoveryInfo configures instrument discovery.
type DiscoveryInfo struct {
	Mode         string        `yaml:"mode"` // rest|cdc
	PollInterval time.Duration `yaml:"poll_interval"`
	CatalogURL   string        `yaml:"catalog_url"`
	SnapshotLSN  string        `yaml:"snapshot_lsn"`
	CDCSubject   string        `yaml:"cdc_subject"`
	CatalogTable string        `yaml:"catalog_table"`
}

// HealthInfo configures the liveness/metrics HTTP listener.
type HealthInfo struct {
	Listen string `yaml:"listen"`
}

// LoggingInfo configures the structured logger.
type LoggingInfo struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads and validates the YAML configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Feed.Name == "" {
		return fmt.Errorf("feed.name is required")
	}
	if c.Venue.Family == "" {
		return fmt.Errorf("venue.family is required")
	}
	switch c.Venue.Family {
	case "a", "b", "c", "d":
	default:
		return fmt.Errorf("venue.family must be one of a, b, c, d, got %q", c.Venue.Family)
	}
	if c.Venue.URL == "" {
		return fmt.Errorf("venue.url is required")
	}
	if c.Venue.ConnectTimeout <= 0 {
		c.Venue.ConnectTimeout = 30 * time.Second
	}
	if c.Venue.ReadTimeout <= 0 {
		c.Venue.ReadTimeout = 120 * time.Second
	}

	if c.Shards.Count <= 0 {
		c.Shards.Count = 1
	}
	if c.Shards.MaxPerShard <= 0 {
		c.Shards.MaxPerShard = 500
	}

	if c.Archive.RootDir == "" {
		return fmt.Errorf("archive.root_dir is required")
	}
	if c.Archive.Stream == "" {
		c.Archive.Stream = c.Feed.Name
	}
	if c.Archive.RingSize == "" {
		c.Archive.RingSize = "64mb"
	}
	parsed, err := ParseByteSize(c.Archive.RingSize)
	if err != nil {
		return fmt.Errorf("archive.ring_size: %w", err)
	}
	c.Archive.RingSizeRaw = parsed
	if c.Archive.FullPolicy == "" {
		c.Archive.FullPolicy = "overwrite-oldest"
	}
	if c.Archive.FullPolicy != "overwrite-oldest" && c.Archive.FullPolicy != "drop-new" {
		return fmt.Errorf("archive.full_policy must be overwrite-oldest or drop-new, got %q", c.Archive.FullPolicy)
	}
	if c.Archive.BatchSize <= 0 {
		c.Archive.BatchSize = 64
	}
	if c.Archive.EmptySleep <= 0 {
		c.Archive.EmptySleep = 100 * time.Microsecond
	}
	if c.Archive.RotateEvery <= 0 {
		c.Archive.RotateEvery = 15 * time.Minute
	}

	if c.Bus.Environment == "" {
		c.Bus.Environment = "prod"
	}
	if c.Bus.SubscriberBuf <= 0 {
		c.Bus.SubscriberBuf = 1024
	}

	if c.Snapshot.TTL <= 0 {
		c.Snapshot.TTL = 60 * time.Second
	}

	if c.Discover.Mode == "" {
		c.Discover.Mode = "rest"
	}
	if c.Discover.Mode != "rest" && c.Discover.Mode != "cdc" {
		return fmt.Errorf("discovery.mode must be rest or cdc, got %q", c.Discover.Mode)
	}
	if c.Discover.Mode == "rest" && c.Discover.PollInterval <= 0 {
		c.Discover.PollInterval = 5 * time.Minute
	}

	if c.Health.Listen == "" {
		c.Health.Listen = "0.0.0.0:9850"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	return nil
}

// ParseByteSize converts human-readable strings like "256mb", "1gb" to bytes.
func ParseByteSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}

	type suffix struct {
		s string
		m int64
	}
	suffixes := []suffix{
		{"gb", 1024 * 1024 * 1024},
		{"mb", 1024 * 1024},
		{"kb", 1024},
		{"b", 1},
	}

	for _, sfx := range suffixes {
		if strings.HasSuffix(s, sfx.s) {
			numStr := strings.TrimSuffix(s, sfx.s)
			num, err := strconv.ParseInt(numStr, 10, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid number %q: %w", numStr, err)
			}
			return num * sfx.m, nil
		}
	}

	num, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("unknown size format %q", s)
	}
	return num, nil
}
