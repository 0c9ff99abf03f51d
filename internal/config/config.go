package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"dispatch/internal/domain"
)

const (
	defaultHTTPListen      = ":8080"
	defaultHealthPath      = "/healthz"
	defaultReadyPath       = "/readyz"
	defaultAlertsPath      = "/alerts"
	defaultNATSURL         = "nats://127.0.0.1:4222"
	defaultQueueSubject    = "dispatch.alerts"
	defaultQueueStream     = "DISPATCH_ALERTS"
	defaultQueueConsumer   = "dispatch-publish"
	defaultQueueGroup      = "dispatch-workers"
	defaultQueueWorkers    = 1
	defaultQueueAckWaitSec = 30
	defaultQueueNackMS     = 1000
	defaultQueueMaxDeliver = 5
	defaultQueueAckPending = 2048
	defaultDLQSubject      = "dispatch.alerts.dlq"
	defaultDLQStream       = "DISPATCH_ALERTS_DLQ"

	defaultFormatCacheCapacity = 1024
	defaultFormatCacheTTLSec   = 300
	defaultFormatSweepSec      = 60
	defaultFormatRatePerSec    = 100
	defaultFormatBurst         = 100

	defaultIncidentsTimeoutSec   = 15
	defaultIncidentsMaxRetries   = 3
	defaultIncidentsBaseBackMS   = 100
	defaultIncidentsMaxBackMS    = 5000
	defaultIncidentsRatePerMin   = 60
	defaultIncidentsBurst        = 10
	defaultIncidentIDTTLHours    = 24
	defaultIncidentIDCacheSize   = 4096

	// ServiceModeNATS keeps NATS-backed async dispatch settings.
	ServiceModeNATS = "nats"
	// ServiceModeSingle keeps single-instance mode without NATS dependencies.
	ServiceModeSingle = "single"
)

// Config holds service runtime settings and publishing targets.
// Params: TOML sections from file or merged directory snapshot.
// Returns: validated runtime configuration.
type Config struct {
	Service   ServiceConfig              `toml:"service"`
	Log       LogConfig                  `toml:"log"`
	Ingest    IngestConfig               `toml:"ingest"`
	Queue     QueueConfig                `toml:"queue"`
	Format    FormatConfig               `toml:"format"`
	Incidents IncidentsConfig            `toml:"incidents"`
	Telegram  TelegramConfig             `toml:"telegram"`
	Targets   []domain.PublishingTarget  `toml:"-"`
}

// rawConfig mirrors TOML model before runtime normalization.
// Params: decoded sections from one TOML source.
// Returns: raw target map keyed by target name.
type rawConfig struct {
	Service   ServiceConfig              `toml:"service"`
	Log       LogConfig                  `toml:"log"`
	Ingest    IngestConfig               `toml:"ingest"`
	Queue     QueueConfig                `toml:"queue"`
	Format    FormatConfig               `toml:"format"`
	Incidents IncidentsConfig            `toml:"incidents"`
	Telegram  TelegramConfig             `toml:"telegram"`
	Target    map[string]rawTargetConfig `toml:"target"`
}

// rawTargetConfig stores one target body from `[target.<name>]` table.
// Params: target fields except top-level key-derived name.
// Returns: intermediate target body used for normalization.
type rawTargetConfig struct {
	Name    string `toml:"name"`
	Type    string `toml:"type"`
	URL     string `toml:"url"`
	Format  string `toml:"format"`
	APIKey  string `toml:"api_key"`
	Enabled *bool  `toml:"enabled"`
}

// ServiceConfig contains process-level settings.
// Params: service name and dispatch mode.
// Returns: service behavior defaults.
type ServiceConfig struct {
	Name string `toml:"name"`
	Mode string `toml:"mode"`
}

// LogConfig groups console and file log sinks.
// Params: per-sink settings.
// Returns: logging behavior.
type LogConfig struct {
	Console LogSinkConfig `toml:"console"`
	File    LogSinkConfig `toml:"file"`
}

// LogSinkConfig configures one log output sink.
// Params: enable flag, level, format, and optional file path.
// Returns: sink behavior.
type LogSinkConfig struct {
	Enabled bool   `toml:"enabled"`
	Level   string `toml:"level"`
	Format  string `toml:"format"`
	Path    string `toml:"path"`
}

// IngestConfig defines inbound alert interfaces.
// Params: embedded HTTP ingest controls.
// Returns: ingestion runtime options.
type IngestConfig struct {
	HTTP HTTPIngestConfig `toml:"http"`
}

// HTTPIngestConfig configures the HTTP alert ingestion endpoint.
// Params: enable flag, listen/endpoints, and optional body size limit.
// Returns: HTTP ingest behavior.
type HTTPIngestConfig struct {
	Enabled      bool   `toml:"enabled"`
	Listen       string `toml:"listen"`
	HealthPath   string `toml:"health_path"`
	ReadyPath    string `toml:"ready_path"`
	AlertsPath   string `toml:"alerts_path"`
	MaxBodyBytes int64  `toml:"max_body_bytes"`
}

// QueueConfig configures the JetStream dispatch queue.
// Params: connection, stream routing, worker, and redelivery policy.
// Returns: queue behavior; used only in nats mode.
type QueueConfig struct {
	Enabled       bool           `toml:"enabled"`
	URL           []string       `toml:"url"`
	Subject       string         `toml:"subject"`
	Stream        string         `toml:"stream"`
	ConsumerName  string         `toml:"consumer_name"`
	DeliverGroup  string         `toml:"deliver_group"`
	Workers       int            `toml:"workers"`
	AckWaitSec    int            `toml:"ack_wait_sec"`
	NackDelayMS   int            `toml:"nack_delay_ms"`
	MaxDeliver    int            `toml:"max_deliver"`
	MaxAckPending int            `toml:"max_ack_pending"`
	DLQ           QueueDLQConfig `toml:"dlq"`
}

// QueueDLQConfig configures the dead-letter stream for failed dispatch jobs.
// Params: enable flag and stream routing keys.
// Returns: DLQ behavior.
type QueueDLQConfig struct {
	Enabled bool   `toml:"enabled"`
	Subject string `toml:"subject"`
	Stream  string `toml:"stream"`
}

// FormatConfig tunes the formatting pipeline.
// Params: payload cache sizing/TTL and local rate-limit policy.
// Returns: pipeline behavior.
type FormatConfig struct {
	CacheCapacity    int     `toml:"cache_capacity"`
	CacheTTLSec      int     `toml:"cache_ttl_sec"`
	SweepIntervalSec int     `toml:"sweep_interval_sec"`
	RatePerSec       float64 `toml:"rate_per_sec"`
	Burst            float64 `toml:"burst"`
}

// IncidentsConfig tunes incident API clients shared across targets.
// Params: HTTP timeout, retry/backoff budget, outbound rate limit, and id tracking.
// Returns: client behavior defaults.
type IncidentsConfig struct {
	TimeoutSec    int     `toml:"timeout_sec"`
	MaxRetries    int     `toml:"max_retries"`
	BaseBackoffMS int     `toml:"base_backoff_ms"`
	MaxBackoffMS  int     `toml:"max_backoff_ms"`
	RatePerMin    float64 `toml:"rate_per_min"`
	Burst         float64 `toml:"burst"`
	IDTTLHours    int     `toml:"id_ttl_hours"`
	IDCacheSize   int     `toml:"id_cache_size"`
}

// TelegramConfig configures the shared Telegram announcer.
// Params: bot credentials and optional API base override.
// Returns: announcer settings for telegram-typed targets.
type TelegramConfig struct {
	BotToken string `toml:"bot_token"`
	ChatID   string `toml:"chat_id"`
	APIBase  string `toml:"api_base"`
}

// Source describes file or directory config source.
// Params: exactly one of file path or directory path.
// Returns: normalized source descriptor.
type Source struct {
	File string
	Dir  string
}

// FromCLI builds normalized source configuration from input paths.
// Params: optional file and directory arguments.
// Returns: source descriptor or validation error.
func FromCLI(filePath, dirPath string) (Source, error) {
	filePath = strings.TrimSpace(filePath)
	dirPath = strings.TrimSpace(dirPath)

	if filePath == "" && dirPath == "" {
		return Source{}, errors.New("either --config-file or --config-dir must be provided")
	}
	if filePath != "" && dirPath != "" {
		return Source{}, errors.New("config source must be either file or dir")
	}

	if filePath != "" {
		return Source{File: filePath}, nil
	}
	return Source{Dir: dirPath}, nil
}

// Load loads and validates configuration from one source.
// Params: source selects file or directory mode.
// Returns: validated config or load/validation error.
func Load(src Source) (Config, error) {
	var raw rawConfig
	var err error
	if src.File != "" {
		err = decodeFile(src.File, &raw)
	} else {
		err = decodeDir(src.Dir, &raw)
	}
	if err != nil {
		return Config{}, err
	}
	cfg, err := normalizeRawConfig(raw)
	if err != nil {
		return Config{}, err
	}
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// decodeFile decodes one TOML file into the accumulated raw model.
// Params: file path and raw target; present keys override accumulated values.
// Returns: read/decode error.
func decodeFile(path string, raw *rawConfig) error {
	body, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %q: %w", path, err)
	}
	if err := toml.Unmarshal(body, raw); err != nil {
		return fmt.Errorf("decode config file %q: %w", path, err)
	}
	return nil
}

// decodeDir overlays all .toml files of one directory in name order.
// Params: directory path and raw target.
// Returns: read/decode error; later files override earlier keys.
func decodeDir(dir string, raw *rawConfig) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read config dir %q: %w", dir, err)
	}

	files := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if strings.ToLower(filepath.Ext(entry.Name())) != ".toml" {
			continue
		}
		files = append(files, filepath.Join(dir, entry.Name()))
	}
	if len(files) == 0 {
		return fmt.Errorf("no .toml files found in %q", dir)
	}
	sort.Strings(files)

	for _, file := range files {
		if err := decodeFile(file, raw); err != nil {
			return err
		}
	}
	return nil
}

// normalizeRawConfig converts raw TOML model to runtime config.
// Params: decoded raw config.
// Returns: normalized config with targets sorted by name.
func normalizeRawConfig(raw rawConfig) (Config, error) {
	cfg := Config{
		Service:   raw.Service,
		Log:       raw.Log,
		Ingest:    raw.Ingest,
		Queue:     raw.Queue,
		Format:    raw.Format,
		Incidents: raw.Incidents,
		Telegram:  raw.Telegram,
	}
	if len(raw.Target) == 0 {
		return cfg, nil
	}

	names := make([]string, 0, len(raw.Target))
	for name := range raw.Target {
		names = append(names, name)
	}
	sort.Strings(names)

	cfg.Targets = make([]domain.PublishingTarget, 0, len(names))
	for _, name := range names {
		body := raw.Target[name]
		if strings.TrimSpace(body.Name) != "" {
			return Config{}, fmt.Errorf("target.%s.name is not supported; use [target.%s] key as target name", name, name)
		}
		enabled := true
		if body.Enabled != nil {
			enabled = *body.Enabled
		}
		cfg.Targets = append(cfg.Targets, domain.PublishingTarget{
			Name:    name,
			Type:    strings.ToLower(strings.TrimSpace(body.Type)),
			URL:     strings.TrimSpace(body.URL),
			Format:  strings.TrimSpace(body.Format),
			APIKey:  body.APIKey,
			Enabled: enabled,
		})
	}
	return cfg, nil
}

// NormalizeServiceMode lowercases and defaults the service mode value.
// Params: raw mode string.
// Returns: canonical mode with single as default.
func NormalizeServiceMode(mode string) string {
	normalized := strings.ToLower(strings.TrimSpace(mode))
	if normalized == "" {
		return ServiceModeSingle
	}
	return normalized
}

// IsSupportedServiceMode reports whether mode is known.
// Params: canonical mode string.
// Returns: true for single or nats.
func IsSupportedServiceMode(mode string) bool {
	return mode == ServiceModeSingle || mode == ServiceModeNATS
}

// applyDefaults fills zero-valued settings with runtime defaults.
// Params: config snapshot to mutate.
// Returns: nothing; cfg updated in place.
func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.Service.Name) == "" {
		cfg.Service.Name = "dispatch"
	}
	cfg.Service.Mode = NormalizeServiceMode(cfg.Service.Mode)

	if cfg.Log.Console.Level == "" {
		cfg.Log.Console.Level = "info"
	}
	if cfg.Log.Console.Format == "" {
		cfg.Log.Console.Format = "line"
	}
	if cfg.Log.File.Level == "" {
		cfg.Log.File.Level = "info"
	}
	if cfg.Log.File.Format == "" {
		cfg.Log.File.Format = "json"
	}
	if !cfg.Log.Console.Enabled && !cfg.Log.File.Enabled {
		cfg.Log.Console.Enabled = true
	}

	if strings.TrimSpace(cfg.Ingest.HTTP.Listen) == "" {
		cfg.Ingest.HTTP.Listen = defaultHTTPListen
	}
	if strings.TrimSpace(cfg.Ingest.HTTP.HealthPath) == "" {
		cfg.Ingest.HTTP.HealthPath = defaultHealthPath
	}
	if strings.TrimSpace(cfg.Ingest.HTTP.ReadyPath) == "" {
		cfg.Ingest.HTTP.ReadyPath = defaultReadyPath
	}
	if strings.TrimSpace(cfg.Ingest.HTTP.AlertsPath) == "" {
		cfg.Ingest.HTTP.AlertsPath = defaultAlertsPath
	}
	if cfg.Ingest.HTTP.MaxBodyBytes <= 0 {
		cfg.Ingest.HTTP.MaxBodyBytes = 2 << 20
	}

	if cfg.Service.Mode == ServiceModeSingle {
		// Single mode always disables NATS-dependent paths regardless of user flags.
		cfg.Queue.Enabled = false
		cfg.Queue.DLQ.Enabled = false
	} else {
		if len(cfg.Queue.URL) == 0 {
			cfg.Queue.URL = []string{defaultNATSURL}
		}
		if strings.TrimSpace(cfg.Queue.Subject) == "" {
			cfg.Queue.Subject = defaultQueueSubject
		}
		if strings.TrimSpace(cfg.Queue.Stream) == "" {
			cfg.Queue.Stream = defaultQueueStream
		}
		if strings.TrimSpace(cfg.Queue.ConsumerName) == "" {
			cfg.Queue.ConsumerName = defaultQueueConsumer
		}
		if strings.TrimSpace(cfg.Queue.DeliverGroup) == "" {
			cfg.Queue.DeliverGroup = defaultQueueGroup
		}
		if cfg.Queue.Workers <= 0 {
			cfg.Queue.Workers = defaultQueueWorkers
		}
		if cfg.Queue.AckWaitSec <= 0 {
			cfg.Queue.AckWaitSec = defaultQueueAckWaitSec
		}
		if cfg.Queue.NackDelayMS <= 0 {
			cfg.Queue.NackDelayMS = defaultQueueNackMS
		}
		if cfg.Queue.MaxDeliver == 0 {
			cfg.Queue.MaxDeliver = defaultQueueMaxDeliver
		}
		if cfg.Queue.MaxAckPending <= 0 {
			cfg.Queue.MaxAckPending = defaultQueueAckPending
		}
		if strings.TrimSpace(cfg.Queue.DLQ.Subject) == "" {
			cfg.Queue.DLQ.Subject = defaultDLQSubject
		}
		if strings.TrimSpace(cfg.Queue.DLQ.Stream) == "" {
			cfg.Queue.DLQ.Stream = defaultDLQStream
		}
	}

	if cfg.Format.CacheCapacity <= 0 {
		cfg.Format.CacheCapacity = defaultFormatCacheCapacity
	}
	if cfg.Format.CacheTTLSec <= 0 {
		cfg.Format.CacheTTLSec = defaultFormatCacheTTLSec
	}
	if cfg.Format.SweepIntervalSec <= 0 {
		cfg.Format.SweepIntervalSec = defaultFormatSweepSec
	}
	if cfg.Format.RatePerSec <= 0 {
		cfg.Format.RatePerSec = defaultFormatRatePerSec
	}
	if cfg.Format.Burst <= 0 {
		cfg.Format.Burst = defaultFormatBurst
	}

	if cfg.Incidents.TimeoutSec <= 0 {
		cfg.Incidents.TimeoutSec = defaultIncidentsTimeoutSec
	}
	if cfg.Incidents.MaxRetries <= 0 {
		cfg.Incidents.MaxRetries = defaultIncidentsMaxRetries
	}
	if cfg.Incidents.BaseBackoffMS <= 0 {
		cfg.Incidents.BaseBackoffMS = defaultIncidentsBaseBackMS
	}
	if cfg.Incidents.MaxBackoffMS <= 0 {
		cfg.Incidents.MaxBackoffMS = defaultIncidentsMaxBackMS
	}
	if cfg.Incidents.RatePerMin <= 0 {
		cfg.Incidents.RatePerMin = defaultIncidentsRatePerMin
	}
	if cfg.Incidents.Burst <= 0 {
		cfg.Incidents.Burst = defaultIncidentsBurst
	}
	if cfg.Incidents.IDTTLHours <= 0 {
		cfg.Incidents.IDTTLHours = defaultIncidentIDTTLHours
	}
	if cfg.Incidents.IDCacheSize <= 0 {
		cfg.Incidents.IDCacheSize = defaultIncidentIDCacheSize
	}
}

// validateConfig checks cross-field constraints of one snapshot.
// Params: defaulted config.
// Returns: first violated constraint.
func validateConfig(cfg Config) error {
	mode := cfg.Service.Mode
	if !IsSupportedServiceMode(mode) {
		return fmt.Errorf("service.mode has unsupported value %q", cfg.Service.Mode)
	}

	if err := validateLogSink("log.console", cfg.Log.Console, false); err != nil {
		return err
	}
	if err := validateLogSink("log.file", cfg.Log.File, true); err != nil {
		return err
	}

	if mode == ServiceModeSingle && !cfg.Ingest.HTTP.Enabled {
		return errors.New("ingest.http.enabled must be true when service.mode=single")
	}
	if mode == ServiceModeNATS {
		if !cfg.Queue.Enabled {
			return errors.New("queue.enabled must be true when service.mode=nats")
		}
		for i, url := range cfg.Queue.URL {
			if strings.TrimSpace(url) == "" {
				return fmt.Errorf("queue.url[%d] is empty", i)
			}
		}
		if cfg.Queue.MaxDeliver < -1 || cfg.Queue.MaxDeliver == 0 {
			return errors.New("queue.max_deliver must be -1 or >0")
		}
	}

	if len(cfg.Targets) == 0 {
		return errors.New("at least one target is required")
	}
	hasTelegramTarget := false
	for _, target := range cfg.Targets {
		prefix := "target." + target.Name
		switch target.Type {
		case domain.TargetTypeIncidents:
			if target.URL == "" {
				return fmt.Errorf("%s.url is required for incidents targets", prefix)
			}
			if strings.TrimSpace(target.APIKey) == "" {
				return fmt.Errorf("%s.api_key is required for incidents targets", prefix)
			}
		case domain.TargetTypeTelegram:
			hasTelegramTarget = true
		default:
			return fmt.Errorf("%s.type has unsupported value %q", prefix, target.Type)
		}
		if target.Format == "" {
			return fmt.Errorf("%s.format is required", prefix)
		}
	}

	if hasTelegramTarget {
		if strings.TrimSpace(cfg.Telegram.BotToken) == "" {
			return errors.New("telegram.bot_token is required when a telegram target is configured")
		}
		if strings.TrimSpace(cfg.Telegram.ChatID) == "" {
			return errors.New("telegram.chat_id is required when a telegram target is configured")
		}
	}

	return nil
}

// validateLogSink checks one log sink section.
// Params: section name, sink settings, and whether a path is mandatory.
// Returns: violation error for enabled sinks.
func validateLogSink(name string, sink LogSinkConfig, requirePath bool) error {
	if !sink.Enabled {
		return nil
	}

	switch strings.ToLower(strings.TrimSpace(sink.Level)) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%s.level has unsupported value %q", name, sink.Level)
	}

	switch strings.ToLower(strings.TrimSpace(sink.Format)) {
	case "line", "json":
	default:
		return fmt.Errorf("%s.format has unsupported value %q", name, sink.Format)
	}

	if requirePath && strings.TrimSpace(sink.Path) == "" {
		return fmt.Errorf("%s.path is required", name)
	}

	return nil
}
