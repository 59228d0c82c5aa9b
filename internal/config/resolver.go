package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/hurttlocker/dornt/internal/cluster"
	"github.com/hurttlocker/dornt/internal/embed"
	"github.com/hurttlocker/dornt/internal/events"
	"github.com/hurttlocker/dornt/internal/stage"
)

type ValueSource string

const (
	SourceUnknown ValueSource = "unknown"
	SourceConfig  ValueSource = "config"
	SourceEnv     ValueSource = "env"
	SourceCLI     ValueSource = "cli"
	SourceDefault ValueSource = "default"
)

type ResolvedValue struct {
	Value  string      `json:"value"`
	Source ValueSource `json:"source"`
	From   string      `json:"from,omitempty"`
}

type ResolveOptions struct {
	ConfigPath  string
	CLIBackend  string
	CLIDSN      string
	CLILogLevel string
}

// ResolvedConfig is the merged configuration plus where each value came from.
type ResolvedConfig struct {
	ConfigPath string                   `json:"config_path"`
	Values     map[string]ResolvedValue `json:"values"`
	Config     Config                   `json:"-"`
}

// Setting keys, as written in the YAML file.
const (
	KeyBackend         = "storage.backend"
	KeyDSN             = "storage.dsn"
	KeyPrefix          = "storage.prefix"
	KeyGCSEmulator     = "storage.emulator_host"
	KeyGCSCredentials  = "storage.credentials_file"
	KeyAssignThreshold = "clustering.assign_threshold"
	KeyMergeThreshold  = "clustering.merge_threshold"
	KeyMinClusterSize  = "clustering.min_cluster_size"
	KeyTopSources      = "clustering.top_sources"
	KeyCentroidPolicy  = "clustering.centroid_policy"
	KeyStaleAfter      = "clustering.stale_after"
	KeyArchiveAfter    = "clustering.archive_after"
	KeyLockTimeout     = "lock.timeout"
	KeyEmbedProvider   = "embed.provider"
	KeyEmbedModel      = "embed.model"
	KeyEmbedEndpoint   = "embed.endpoint"
	KeyEmbedAPIKey     = "embed.api_key"
	KeyEmbedBatchSize  = "embed.batch_size"
	KeyEmbedConc       = "embed.concurrency"
	KeyEmbedRPM        = "embed.requests_per_minute"
	KeyEmbedRetries    = "embed.max_retries"
	KeyLogLevel        = "logging.level"
	KeyLogFormat       = "logging.format"
	KeyMetricsEnabled  = "metrics.enabled"
	KeyMetricsAddr     = "metrics.addr"
	KeyKafkaBrokers    = "events.brokers"
	KeyKafkaTopic      = "events.topic"
)

// envNames maps each setting to its environment variable.
var envNames = map[string]string{
	KeyBackend:         "DORNT_BACKEND",
	KeyDSN:             "DORNT_DSN",
	KeyPrefix:          "DORNT_STORAGE_PREFIX",
	KeyGCSEmulator:     "STORAGE_EMULATOR_HOST",
	KeyGCSCredentials:  "GOOGLE_APPLICATION_CREDENTIALS",
	KeyAssignThreshold: "DORNT_ASSIGN_THRESHOLD",
	KeyMergeThreshold:  "DORNT_MERGE_THRESHOLD",
	KeyMinClusterSize:  "DORNT_MIN_CLUSTER_SIZE",
	KeyTopSources:      "DORNT_TOP_SOURCES",
	KeyCentroidPolicy:  "DORNT_CENTROID_POLICY",
	KeyStaleAfter:      "DORNT_STALE_AFTER",
	KeyArchiveAfter:    "DORNT_ARCHIVE_AFTER",
	KeyLockTimeout:     "DORNT_LOCK_TIMEOUT",
	KeyEmbedProvider:   "DORNT_EMBED_PROVIDER",
	KeyEmbedModel:      "DORNT_EMBED_MODEL",
	KeyEmbedEndpoint:   "DORNT_EMBED_ENDPOINT",
	KeyEmbedAPIKey:     "DORNT_EMBED_API_KEY",
	KeyEmbedBatchSize:  "DORNT_EMBED_BATCH_SIZE",
	KeyEmbedConc:       "DORNT_EMBED_CONCURRENCY",
	KeyEmbedRPM:        "DORNT_EMBED_RPM",
	KeyEmbedRetries:    "DORNT_EMBED_MAX_RETRIES",
	KeyLogLevel:        "DORNT_LOG_LEVEL",
	KeyLogFormat:       "DORNT_LOG_FORMAT",
	KeyMetricsEnabled:  "DORNT_METRICS_ENABLED",
	KeyMetricsAddr:     "DORNT_METRICS_ADDR",
	KeyKafkaBrokers:    "DORNT_KAFKA_BROKERS",
	KeyKafkaTopic:      "DORNT_KAFKA_TOPIC",
}

func defaults() map[string]string {
	return map[string]string{
		KeyBackend:         BackendSQLite,
		KeyDSN:             "~/.dornt/dornt.db",
		KeyAssignThreshold: strconv.FormatFloat(cluster.DefaultAssignThreshold, 'f', -1, 64),
		KeyMergeThreshold:  strconv.FormatFloat(cluster.DefaultMergeThreshold, 'f', -1, 64),
		KeyMinClusterSize:  strconv.Itoa(cluster.DefaultMinClusterSize),
		KeyTopSources:      strconv.Itoa(cluster.DefaultTopSources),
		KeyCentroidPolicy:  "running_average",
		KeyStaleAfter:      "7d",
		KeyArchiveAfter:    "30d",
		KeyLockTimeout:     stage.DefaultLockTimeout.String(),
		KeyEmbedProvider:   "openrouter",
		KeyEmbedModel:      embed.DefaultModel,
		KeyEmbedBatchSize:  strconv.Itoa(embed.DefaultBatchSize),
		KeyEmbedConc:       strconv.Itoa(embed.DefaultConcurrency),
		KeyEmbedRPM:        "120",
		KeyEmbedRetries:    "3",
		KeyLogLevel:        "info",
		KeyLogFormat:       "console",
		KeyMetricsEnabled:  "false",
		KeyMetricsAddr:     ":9464",
		KeyKafkaTopic:      events.DefaultTopic,
	}
}

func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".dornt", "config.yaml")
}

// ResolveConfig merges built-in defaults, the YAML file, DORNT_* environment
// variables and CLI flags, in that order of increasing precedence, then
// parses and validates the result.
func ResolveConfig(opts ResolveOptions) (ResolvedConfig, error) {
	path := strings.TrimSpace(opts.ConfigPath)
	if path == "" {
		path = DefaultConfigPath()
	}

	out := ResolvedConfig{
		ConfigPath: path,
		Values:     map[string]ResolvedValue{},
	}
	for k, v := range defaults() {
		out.Values[k] = ResolvedValue{Value: v, Source: SourceDefault, From: "built-in default"}
	}

	file, err := loadConfig(path)
	if err != nil {
		return out, err
	}
	for k, v := range file {
		if _, known := envNames[k]; !known {
			return out, fmt.Errorf("%w: unknown key %q in %s", ErrInvalid, k, path)
		}
		out.apply(k, v, SourceConfig, path)
	}

	for k, env := range envNames {
		if v := strings.TrimSpace(os.Getenv(env)); v != "" {
			out.Values[k] = ResolvedValue{Value: v, Source: SourceEnv, From: env}
		}
	}

	out.apply(KeyBackend, opts.CLIBackend, SourceCLI, "--backend")
	out.apply(KeyDSN, opts.CLIDSN, SourceCLI, "--dsn")
	out.apply(KeyLogLevel, opts.CLILogLevel, SourceCLI, "--log-level")

	// The default DSN is a sqlite path; other backends need their own.
	if out.Values[KeyBackend].Value != BackendSQLite && out.Values[KeyDSN].Source == SourceDefault {
		delete(out.Values, KeyDSN)
	}

	cfg, err := out.parse()
	if err != nil {
		return out, err
	}
	if err := cfg.Validate(); err != nil {
		return out, err
	}
	out.Config = cfg
	return out, nil
}

// Value returns the resolved value for key.
func (r ResolvedConfig) Value(key string) ResolvedValue {
	if v, ok := r.Values[key]; ok {
		return v
	}
	return ResolvedValue{Source: SourceUnknown}
}

// Keys lists the resolved keys in sorted order.
func (r ResolvedConfig) Keys() []string {
	keys := make([]string, 0, len(r.Values))
	for k := range r.Values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (r *ResolvedConfig) apply(key, raw string, source ValueSource, from string) {
	v := strings.TrimSpace(raw)
	if v == "" {
		return
	}
	r.Values[key] = ResolvedValue{Value: v, Source: source, From: from}
}

// loadConfig reads path and flattens it to dotted keys. A missing file
// yields no values.
func loadConfig(path string) (map[string]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	var doc map[string]any
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	out := map[string]string{}
	flatten("", doc, out)
	return out, nil
}

func flatten(prefix string, node map[string]any, out map[string]string) {
	for k, v := range node {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		switch t := v.(type) {
		case map[string]any:
			flatten(key, t, out)
		case []any:
			parts := make([]string, 0, len(t))
			for _, p := range t {
				parts = append(parts, fmt.Sprint(p))
			}
			out[key] = strings.Join(parts, ",")
		case nil:
		default:
			out[key] = fmt.Sprint(t)
		}
	}
}

func expandUserPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
