// Package config resolves dornt settings from defaults, a YAML file, the
// environment and command-line flags.
package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/hurttlocker/dornt/internal/centroid"
)

// ErrInvalid marks configuration that cannot be used.
var ErrInvalid = errors.New("invalid configuration")

// Storage backends.
const (
	BackendSQLite   = "sqlite"
	BackendRedis    = "redis"
	BackendGCS      = "gcs"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

// Config is the typed form of a ResolvedConfig.
type Config struct {
	Storage    StorageConfig
	Clustering ClusteringConfig
	Lock       LockConfig
	Embed      EmbedConfig
	Logging    LoggingConfig
	Metrics    MetricsConfig
	Events     EventsConfig
}

// StorageConfig selects the KV backend. DSN is a file path for sqlite, an
// address or redis:// URL for redis, a bucket for gcs and a connection
// string for postgres.
type StorageConfig struct {
	Backend         string
	DSN             string
	Prefix          string
	EmulatorHost    string
	CredentialsFile string
}

type ClusteringConfig struct {
	AssignThreshold float64
	MergeThreshold  float64
	MinClusterSize  int
	TopSources      int
	CentroidPolicy  string
	StaleAfter      time.Duration
	ArchiveAfter    time.Duration
}

type LockConfig struct {
	Timeout time.Duration
}

type EmbedConfig struct {
	Provider          string
	Model             string
	Endpoint          string
	APIKey            string
	BatchSize         int
	Concurrency       int
	RequestsPerMinute int
	MaxRetries        int
}

type LoggingConfig struct {
	Level  string
	Format string
}

type MetricsConfig struct {
	Enabled bool
	Addr    string
}

type EventsConfig struct {
	Brokers []string
	Topic   string
}

// Default returns the built-in configuration.
func Default() Config {
	r := ResolvedConfig{Values: map[string]ResolvedValue{}}
	for k, v := range defaults() {
		r.Values[k] = ResolvedValue{Value: v, Source: SourceDefault}
	}
	cfg, err := r.parse()
	if err != nil {
		panic(fmt.Sprintf("config: built-in defaults do not parse: %v", err))
	}
	return cfg
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	switch c.Storage.Backend {
	case BackendSQLite, BackendRedis, BackendGCS, BackendPostgres:
		if strings.TrimSpace(c.Storage.DSN) == "" {
			return fmt.Errorf("%w: storage.dsn is required for backend %q", ErrInvalid, c.Storage.Backend)
		}
	case BackendMemory:
	default:
		return fmt.Errorf("%w: unknown storage backend %q", ErrInvalid, c.Storage.Backend)
	}

	cl := c.Clustering
	if cl.AssignThreshold <= 0 || cl.AssignThreshold > 1 {
		return fmt.Errorf("%w: clustering.assign_threshold must be in (0,1], got %v", ErrInvalid, cl.AssignThreshold)
	}
	if cl.MergeThreshold <= 0 || cl.MergeThreshold > 1 {
		return fmt.Errorf("%w: clustering.merge_threshold must be in (0,1], got %v", ErrInvalid, cl.MergeThreshold)
	}
	if cl.MergeThreshold <= cl.AssignThreshold {
		return fmt.Errorf("%w: clustering.merge_threshold (%v) must exceed assign_threshold (%v)", ErrInvalid, cl.MergeThreshold, cl.AssignThreshold)
	}
	if cl.MinClusterSize < 1 {
		return fmt.Errorf("%w: clustering.min_cluster_size must be at least 1", ErrInvalid)
	}
	if cl.TopSources < 1 {
		return fmt.Errorf("%w: clustering.top_sources must be at least 1", ErrInvalid)
	}
	if _, err := centroid.ParsePolicy(cl.CentroidPolicy); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if cl.StaleAfter <= 0 || cl.ArchiveAfter <= cl.StaleAfter {
		return fmt.Errorf("%w: clustering.archive_after must exceed stale_after and both must be positive", ErrInvalid)
	}
	if c.Lock.Timeout <= 0 {
		return fmt.Errorf("%w: lock.timeout must be positive", ErrInvalid)
	}
	if c.Embed.BatchSize < 1 || c.Embed.Concurrency < 1 {
		return fmt.Errorf("%w: embed.batch_size and embed.concurrency must be at least 1", ErrInvalid)
	}
	if c.Embed.RequestsPerMinute < 0 || c.Embed.MaxRetries < 0 {
		return fmt.Errorf("%w: embed.requests_per_minute and embed.max_retries cannot be negative", ErrInvalid)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("%w: logging.format must be json or console, got %q", ErrInvalid, c.Logging.Format)
	}
	return nil
}

func (r ResolvedConfig) parse() (Config, error) {
	p := parser{r: r}
	cfg := Config{
		Storage: StorageConfig{
			Backend:         strings.ToLower(p.str(KeyBackend)),
			DSN:             p.str(KeyDSN),
			Prefix:          p.str(KeyPrefix),
			EmulatorHost:    p.str(KeyGCSEmulator),
			CredentialsFile: expandUserPath(p.str(KeyGCSCredentials)),
		},
		Clustering: ClusteringConfig{
			AssignThreshold: p.float(KeyAssignThreshold),
			MergeThreshold:  p.float(KeyMergeThreshold),
			MinClusterSize:  p.int(KeyMinClusterSize),
			TopSources:      p.int(KeyTopSources),
			CentroidPolicy:  p.str(KeyCentroidPolicy),
			StaleAfter:      p.duration(KeyStaleAfter),
			ArchiveAfter:    p.duration(KeyArchiveAfter),
		},
		Lock: LockConfig{Timeout: p.duration(KeyLockTimeout)},
		Embed: EmbedConfig{
			Provider:          p.str(KeyEmbedProvider),
			Model:             p.str(KeyEmbedModel),
			Endpoint:          p.str(KeyEmbedEndpoint),
			APIKey:            p.str(KeyEmbedAPIKey),
			BatchSize:         p.int(KeyEmbedBatchSize),
			Concurrency:       p.int(KeyEmbedConc),
			RequestsPerMinute: p.int(KeyEmbedRPM),
			MaxRetries:        p.int(KeyEmbedRetries),
		},
		Logging: LoggingConfig{
			Level:  strings.ToLower(p.str(KeyLogLevel)),
			Format: strings.ToLower(p.str(KeyLogFormat)),
		},
		Metrics: MetricsConfig{
			Enabled: p.bool(KeyMetricsEnabled),
			Addr:    p.str(KeyMetricsAddr),
		},
		Events: EventsConfig{
			Brokers: p.list(KeyKafkaBrokers),
			Topic:   p.str(KeyKafkaTopic),
		},
	}
	if cfg.Storage.Backend == BackendSQLite {
		cfg.Storage.DSN = expandUserPath(cfg.Storage.DSN)
	}
	return cfg, p.err
}

// parser converts resolved strings, keeping the first failure.
type parser struct {
	r   ResolvedConfig
	err error
}

func (p *parser) str(key string) string { return p.r.Value(key).Value }

func (p *parser) fail(key string, err error) {
	if p.err != nil {
		return
	}
	v := p.r.Value(key)
	p.err = fmt.Errorf("%w: %s=%q (from %s): %v", ErrInvalid, key, v.Value, v.Source, err)
}

func (p *parser) float(key string) float64 {
	s := p.str(key)
	if s == "" {
		return 0
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		p.fail(key, err)
	}
	return f
}

func (p *parser) int(key string) int {
	s := p.str(key)
	if s == "" {
		return 0
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		p.fail(key, err)
	}
	return n
}

func (p *parser) bool(key string) bool {
	s := p.str(key)
	if s == "" {
		return false
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		p.fail(key, err)
	}
	return b
}

func (p *parser) duration(key string) time.Duration {
	d, err := ParseDuration(p.str(key))
	if err != nil {
		p.fail(key, err)
	}
	return d
}

func (p *parser) list(key string) []string {
	var out []string
	for _, part := range strings.Split(p.str(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// ParseDuration accepts time.ParseDuration syntax plus a whole-day suffix
// such as "7d".
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil {
			return 0, fmt.Errorf("invalid day count %q", s)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}
