package facetql

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

// Config carries every service knob. Zero values defer to the package
// defaults (executor clamp and gate sizing, 5s cache TTL, embedded store
// pragmas), so an empty Config yields a working single-process service.
type Config struct {
	// MetadataPath is the sqlite file holding datasources, tasks, sync
	// state and locks.
	MetadataPath string `yaml:"metadataPath"`

	// DataDir and EmbeddedFile locate the embedded columnar store. The
	// directory's marker file may override EmbeddedFile with the path left
	// active by a previous process.
	DataDir      string `yaml:"dataDir"`
	EmbeddedFile string `yaml:"embeddedFile"`

	DuckDBThreads     int    `yaml:"duckdbThreads"`
	DuckDBMemoryLimit string `yaml:"duckdbMemoryLimit"`
	DuckDBTempDir     string `yaml:"duckdbTempDir"`

	QueryMaxLimit    int     `yaml:"queryMaxLimit"`
	QueryRatePerSec  float64 `yaml:"queryRatePerSec"`
	QueryBurst       int     `yaml:"queryBurst"`
	HeavyConcurrency int     `yaml:"heavyQueryConcurrency"`
	ActorConcurrency int     `yaml:"userQueryConcurrency"`

	// ResultCacheTTL is a duration string ("5s", "200ms"); a bare integer
	// is taken as seconds.
	ResultCacheTTL string `yaml:"resultCacheTTL"`

	// SharedCacheURL enables the shared cache and gate tiers when set
	// (redis:// or rediss://). The prefix namespaces gate keys so several
	// deployments can share one backend.
	SharedCacheURL    string `yaml:"sharedCacheURL"`
	SharedCachePrefix string `yaml:"sharedCachePrefix"`

	// UserScopedTables prefixes embedded destination tables per owner so
	// tenants sharing one columnar file cannot read each other's syncs.
	UserScopedTables bool `yaml:"userScopedTables"`
}

// DefaultConfig returns the paths a standalone deployment uses.
func DefaultConfig() Config {
	return Config{
		MetadataPath: "facetql.db",
		DataDir:      "data",
		EmbeddedFile: "analytics.duckdb",
	}
}

// LoadConfig builds a Config from defaults, an optional YAML file, and the
// environment, in that order. Unknown YAML keys are rejected so a typoed
// knob fails loudly instead of silently running with defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		buf, err := os.ReadFile(path)
		if err != nil {
			return cfg, errors.Wrapf(err, "reading config %s", path)
		}
		if err := yaml.UnmarshalStrict(buf, &cfg); err != nil {
			return cfg, errors.Wrapf(err, "parsing config %s", path)
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

// ConfigFromEnv is LoadConfig without a file.
func ConfigFromEnv() Config {
	cfg := DefaultConfig()
	cfg.applyEnv()
	return cfg
}

func (c *Config) applyEnv() {
	envString(&c.MetadataPath, "METADATA_PATH")
	envString(&c.DataDir, "DUCKDB_DATA_DIR")
	envString(&c.EmbeddedFile, "DUCKDB_FILE")
	envInt(&c.DuckDBThreads, "DUCKDB_THREADS")
	envString(&c.DuckDBMemoryLimit, "DUCKDB_MEMORY_LIMIT")
	envString(&c.DuckDBTempDir, "DUCKDB_TEMP_DIR")
	envInt(&c.QueryMaxLimit, "QUERY_MAX_LIMIT")
	envFloat(&c.QueryRatePerSec, "QUERY_RATE_PER_SEC")
	envInt(&c.QueryBurst, "QUERY_BURST")
	envInt(&c.HeavyConcurrency, "HEAVY_QUERY_CONCURRENCY")
	envInt(&c.ActorConcurrency, "USER_QUERY_CONCURRENCY")
	envString(&c.ResultCacheTTL, "RESULT_CACHE_TTL")
	envString(&c.SharedCacheURL, "SHARED_CACHE_URL")
	envString(&c.SharedCachePrefix, "SHARED_CACHE_PREFIX")
	envBool(&c.UserScopedTables, "USER_SCOPED_TABLES")
}

// cacheTTL parses ResultCacheTTL. Empty means the executor default.
func (c Config) cacheTTL() (time.Duration, error) {
	s := strings.TrimSpace(c.ResultCacheTTL)
	if s == "" {
		return 0, nil
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}
	secs, err := strconv.Atoi(s)
	if err != nil {
		return 0, errors.Errorf("malformed result cache TTL %q", c.ResultCacheTTL)
	}
	return time.Duration(secs) * time.Second, nil
}

func envString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func envBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}
