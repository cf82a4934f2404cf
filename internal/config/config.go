package config

import (
	"encoding/json"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	SQLite    SQLiteConfig
	Chat      ChatConfig
	HTTP      HTTPConfig
	Log       LogConfig
	Multiview MultiviewConfig
}

type SQLiteConfig struct {
	Path     string
	MaxConns int
}

type ChatConfig struct {
	BatchSize int
	FlushMS   int
}

type HTTPConfig struct {
	Addr        string
	CORSOrigins []string
	RateRPS     int
	RateBurst   int
	Metrics     bool
	// TrustProxy honours X-Forwarded-For when keying the rate limiter.
	TrustProxy  bool
}

type LogConfig struct {
	Level  string
	Format string
}

type MultiviewConfig struct {
	ThresholdsFile string
	TimeoutMS      int
	Concurrency    int
	RefreshMS      int
}

const (
	defaultSQLitePath    = "stats.db"
	defaultMaxConns      = 4
	defaultBatchSize     = 100
	defaultFlushMS       = 5000
	defaultHTTPAddr      = "127.0.0.1:8765"
	defaultRateRPS       = 20
	defaultRateBurst     = 40
	defaultLogLevel      = "info"
	defaultLogFormat     = "json"
	defaultMVTimeoutMS   = 2000
	defaultMVConcurrency = 8
	defaultMVRefreshMS   = 5000
)

func Load() Config {
	cfg := Config{}

	cfg.SQLite.Path = readString("STREAMSTATS_SQLITE_PATH", defaultSQLitePath)
	cfg.SQLite.MaxConns = readInt("STREAMSTATS_SQLITE_MAX_CONNS", defaultMaxConns)

	cfg.Chat.BatchSize = readInt("STREAMSTATS_CHAT_BATCH_SIZE", defaultBatchSize)
	cfg.Chat.FlushMS = readInt("STREAMSTATS_CHAT_FLUSH_MS", defaultFlushMS)

	cfg.HTTP.Addr = readString("STREAMSTATS_HTTP_ADDR", defaultHTTPAddr)
	cfg.HTTP.CORSOrigins = splitList(os.Getenv("STREAMSTATS_HTTP_CORS_ORIGINS"))
	cfg.HTTP.RateRPS = readInt("STREAMSTATS_HTTP_RATE_RPS", defaultRateRPS)
	cfg.HTTP.RateBurst = readInt("STREAMSTATS_HTTP_RATE_BURST", defaultRateBurst)
	cfg.HTTP.Metrics = readBool("STREAMSTATS_HTTP_METRICS", true)
	cfg.HTTP.TrustProxy = readBool("STREAMSTATS_HTTP_TRUST_PROXY", false)

	cfg.Log.Level = strings.ToLower(readString("STREAMSTATS_LOG_LEVEL", defaultLogLevel))
	cfg.Log.Format = strings.ToLower(readString("STREAMSTATS_LOG_FORMAT", defaultLogFormat))

	cfg.Multiview.ThresholdsFile = strings.TrimSpace(os.Getenv("STREAMSTATS_THRESHOLDS_FILE"))
	cfg.Multiview.TimeoutMS = readInt("STREAMSTATS_MULTIVIEW_TIMEOUT_MS", defaultMVTimeoutMS)
	cfg.Multiview.Concurrency = readInt("STREAMSTATS_MULTIVIEW_CONCURRENCY", defaultMVConcurrency)
	cfg.Multiview.RefreshMS = readInt("STREAMSTATS_MULTIVIEW_REFRESH_MS", defaultMVRefreshMS)

	return cfg
}

func splitList(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.FieldsFunc(raw, func(r rune) bool {
		switch r {
		case ',', ';', ' ', '\t', '\n':
			return true
		}
		return false
	})
	return dedupe(parts)
}

func dedupe(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		key := strings.ToLower(strings.TrimSpace(v))
		if key == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, strings.TrimSpace(v))
	}
	sort.Strings(out)
	return out
}

func readString(name, def string) string {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def
	}
	return raw
}

func readInt(name string, def int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	if n <= 0 {
		return def
	}
	return n
}

func readBool(name string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return def
	}
	return v
}

func (c Config) FlushInterval() time.Duration {
	if c.Chat.FlushMS <= 0 {
		return 0
	}
	return time.Duration(c.Chat.FlushMS) * time.Millisecond
}

func (c Config) Batch() int {
	if c.Chat.BatchSize <= 0 {
		return defaultBatchSize
	}
	return c.Chat.BatchSize
}

func (c Config) MultiviewTimeout() time.Duration {
	return time.Duration(c.Multiview.TimeoutMS) * time.Millisecond
}

func (c Config) MultiviewRefresh() time.Duration {
	if c.Multiview.RefreshMS <= 0 {
		return defaultMVRefreshMS * time.Millisecond
	}
	return time.Duration(c.Multiview.RefreshMS) * time.Millisecond
}

type Summary struct {
	SQLitePath     string   `json:"sqlite_path"`
	MaxConns       int      `json:"max_conns"`
	BatchSize      int      `json:"batch"`
	FlushMS        int      `json:"flush_ms"`
	HTTPAddr       string   `json:"http_addr"`
	CORSOrigins    []string `json:"cors_origins,omitempty"`
	RateRPS        int      `json:"rate_rps"`
	RateBurst      int      `json:"rate_burst"`
	Metrics        bool     `json:"metrics"`
	TrustProxy     bool     `json:"trust_proxy"`
	LogLevel       string   `json:"log_level"`
	LogFormat      string   `json:"log_format"`
	ThresholdsFile string   `json:"thresholds_file,omitempty"`
	MVTimeoutMS    int      `json:"multiview_timeout_ms"`
	MVConcurrency  int      `json:"multiview_concurrency"`
	MVRefreshMS    int      `json:"multiview_refresh_ms"`
}

func (c Config) Summary() Summary {
	return Summary{
		SQLitePath:     c.SQLite.Path,
		MaxConns:       c.SQLite.MaxConns,
		BatchSize:      c.Chat.BatchSize,
		FlushMS:        c.Chat.FlushMS,
		HTTPAddr:       c.HTTP.Addr,
		CORSOrigins:    append([]string(nil), c.HTTP.CORSOrigins...),
		RateRPS:        c.HTTP.RateRPS,
		RateBurst:      c.HTTP.RateBurst,
		Metrics:        c.HTTP.Metrics,
		TrustProxy:     c.HTTP.TrustProxy,
		LogLevel:       c.Log.Level,
		LogFormat:      c.Log.Format,
		ThresholdsFile: c.Multiview.ThresholdsFile,
		MVTimeoutMS:    c.Multiview.TimeoutMS,
		MVConcurrency:  c.Multiview.Concurrency,
		MVRefreshMS:    c.Multiview.RefreshMS,
	}
}

func (c Config) SummaryJSON() []byte {
	summary := struct {
		Config Summary `json:"config_summary"`
	}{Config: c.Summary()}
	data, _ := json.Marshal(summary)
	return data
}
