package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	LogLevel string        `json:"log_level" yaml:"log_level"`
	Ingest   IngestConfig  `json:"ingest" yaml:"ingest"`
	Health   HealthConfig  `json:"health" yaml:"health"`
	Alerts   AlertsConfig  `json:"alerts" yaml:"alerts"`
	Stats    StatsConfig   `json:"stats" yaml:"stats"`
	Command  CommandConfig `json:"command" yaml:"command"`
	Broker   BrokerConfig  `json:"broker" yaml:"broker"`
	API      APIConfig     `json:"api" yaml:"api"`
	Storage  StorageConfig `json:"storage" yaml:"storage"`
}

type IngestConfig struct {
	QueueSize   int           `json:"queue_size" yaml:"queue_size"`
	EnqueueWait time.Duration `json:"enqueue_wait" yaml:"enqueue_wait"`
	REST        RESTConfig    `json:"rest" yaml:"rest"`
	Kafka       KafkaConfig   `json:"kafka" yaml:"kafka"`
	MQTT        MQTTConfig    `json:"mqtt" yaml:"mqtt"`
}

type RESTConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type KafkaConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
	GroupID string   `json:"group_id" yaml:"group_id"`
}

type MQTTConfig struct {
	Enabled     bool   `json:"enabled" yaml:"enabled"`
	BrokerURL   string `json:"broker_url" yaml:"broker_url"`
	ClientID    string `json:"client_id" yaml:"client_id"`
	Username    string `json:"username" yaml:"username"`
	Password    string `json:"password" yaml:"password"`
	TopicPrefix string `json:"topic_prefix" yaml:"topic_prefix"`
}

type HealthConfig struct {
	OfflineThreshold time.Duration     `json:"offline_threshold" yaml:"offline_threshold"`
	WarningErrorRate float64           `json:"warning_error_rate" yaml:"warning_error_rate"`
	EvaluationWindow time.Duration     `json:"evaluation_window" yaml:"evaluation_window"`
	SampleSize       int               `json:"sample_size" yaml:"sample_size"`
	SweepInterval    time.Duration     `json:"sweep_interval" yaml:"sweep_interval"`
	TempThreshold    float64           `json:"temp_threshold" yaml:"temp_threshold"`
	BatteryThreshold float64           `json:"battery_threshold" yaml:"battery_threshold"`
	FirmwareBaseline map[string]string `json:"firmware_baseline" yaml:"firmware_baseline"`
}

// SeverityMap resolves alert severity by kind then device class, with a
// "default" class entry as fallback.
type SeverityMap map[string]map[string]string

type AlertsConfig struct {
	SeverityMap  SeverityMap   `json:"severity_map" yaml:"severity_map"`
	StoreLimit   int           `json:"store_limit" yaml:"store_limit"`
	RetryBackoff time.Duration `json:"retry_backoff" yaml:"retry_backoff"`
	RetryMax     int           `json:"retry_max" yaml:"retry_max"`
}

type StatsConfig struct {
	Granularity     time.Duration `json:"granularity" yaml:"granularity"`
	Retention       time.Duration `json:"retention" yaml:"retention"`
	DenialSpikeRate float64       `json:"denial_spike_rate" yaml:"denial_spike_rate"`
	SpikeMinEvents  int64         `json:"spike_min_events" yaml:"spike_min_events"`
	CacheSize       int           `json:"cache_size" yaml:"cache_size"`
}

type CommandConfig struct {
	Timeout time.Duration `json:"timeout" yaml:"timeout"`
}

type BrokerConfig struct {
	SubscriberBuffer int `json:"subscriber_buffer" yaml:"subscriber_buffer"`
}

type APIConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type StorageConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Driver  string `json:"driver" yaml:"driver"`
	DSN     string `json:"dsn" yaml:"dsn"`
}

func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Ingest: IngestConfig{
			QueueSize:   10000,
			EnqueueWait: 2 * time.Second,
			REST:        RESTConfig{Enabled: true, Addr: ":8080"},
			Kafka:       KafkaConfig{Enabled: false},
			MQTT:        MQTTConfig{Enabled: false, TopicPrefix: "turnguard/devices"},
		},
		Health: HealthConfig{
			OfflineThreshold: 5 * time.Minute,
			WarningErrorRate: 0.05,
			EvaluationWindow: 15 * time.Minute,
			SampleSize:       50,
			SweepInterval:    15 * time.Second,
			TempThreshold:    45,
			BatteryThreshold: 15,
		},
		Alerts: AlertsConfig{
			SeverityMap:  defaultSeverityMap(),
			StoreLimit:   2000,
			RetryBackoff: 200 * time.Millisecond,
			RetryMax:     5,
		},
		Stats: StatsConfig{
			Granularity:     time.Hour,
			Retention:       30 * 24 * time.Hour,
			DenialSpikeRate: 0.30,
			SpikeMinEvents:  50,
			CacheSize:       4096,
		},
		Command: CommandConfig{Timeout: 10 * time.Second},
		Broker:  BrokerConfig{SubscriberBuffer: 256},
		API:     APIConfig{Enabled: true, Addr: ":8081"},
		Storage: StorageConfig{Enabled: true, Driver: "sqlite", DSN: "file:turnguard.db?_pragma=busy_timeout(5000)"},
	}
}

func defaultSeverityMap() SeverityMap {
	return SeverityMap{
		"offline":           {"default": "high", "gate": "critical"},
		"high-error-rate":   {"default": "high"},
		"overheating":       {"default": "high"},
		"low-battery":       {"default": "medium"},
		"stale-firmware":    {"default": "low"},
		"command-timeout":   {"default": "medium", "gate": "high"},
		"degraded-alerting": {"default": "critical"},
		"denial-spike":      {"default": "high"},
	}
}

func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()

	trimmed := strings.TrimSpace(string(content))
	if len(trimmed) == 0 {
		return nil, errors.New("config file is empty")
	}
	var decodeErr error
	if looksLikeJSON(trimmed) {
		decodeErr = json.Unmarshal([]byte(trimmed), cfg)
	} else {
		decodeErr = yaml.Unmarshal([]byte(trimmed), cfg)
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func Save(path string, cfg *Config) error {
	if path == "" || cfg == nil {
		return errors.New("config path or config is empty")
	}
	var data []byte
	var err error
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".json" {
		data, err = json.MarshalIndent(cfg, "", "  ")
	} else {
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' || ch == '[' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

func applyDefaults(cfg *Config) {
	if cfg.Ingest.QueueSize <= 0 {
		cfg.Ingest.QueueSize = 10000
	}
	if cfg.Ingest.EnqueueWait <= 0 {
		cfg.Ingest.EnqueueWait = 2 * time.Second
	}
	if cfg.Ingest.MQTT.TopicPrefix == "" {
		cfg.Ingest.MQTT.TopicPrefix = "turnguard/devices"
	}
	if cfg.Health.OfflineThreshold <= 0 {
		cfg.Health.OfflineThreshold = 5 * time.Minute
	}
	if cfg.Health.EvaluationWindow <= 0 {
		cfg.Health.EvaluationWindow = 15 * time.Minute
	}
	if cfg.Health.SampleSize <= 0 {
		cfg.Health.SampleSize = 50
	}
	if cfg.Health.SweepInterval <= 0 {
		cfg.Health.SweepInterval = 15 * time.Second
	}
	if cfg.Alerts.StoreLimit <= 0 {
		cfg.Alerts.StoreLimit = 2000
	}
	if cfg.Alerts.RetryBackoff <= 0 {
		cfg.Alerts.RetryBackoff = 200 * time.Millisecond
	}
	if cfg.Alerts.RetryMax <= 0 {
		cfg.Alerts.RetryMax = 5
	}
	if len(cfg.Alerts.SeverityMap) == 0 {
		cfg.Alerts.SeverityMap = defaultSeverityMap()
	}
	if cfg.Stats.Granularity <= 0 {
		cfg.Stats.Granularity = time.Hour
	}
	if cfg.Stats.CacheSize <= 0 {
		cfg.Stats.CacheSize = 4096
	}
	if cfg.Command.Timeout <= 0 {
		cfg.Command.Timeout = 10 * time.Second
	}
	if cfg.Broker.SubscriberBuffer <= 0 {
		cfg.Broker.SubscriberBuffer = 256
	}
}

func Validate(cfg *Config) error {
	if cfg.API.Enabled && cfg.API.Addr == "" {
		return errors.New("api.addr required when api.enabled is true")
	}
	if cfg.Ingest.REST.Enabled && cfg.Ingest.REST.Addr == "" {
		return errors.New("ingest.rest.addr required when ingest.rest.enabled is true")
	}
	if cfg.Ingest.Kafka.Enabled {
		if len(cfg.Ingest.Kafka.Brokers) == 0 || cfg.Ingest.Kafka.Topic == "" || cfg.Ingest.Kafka.GroupID == "" {
			return errors.New("ingest.kafka requires brokers, topic, group_id")
		}
	}
	if cfg.Ingest.MQTT.Enabled && cfg.Ingest.MQTT.BrokerURL == "" {
		return errors.New("ingest.mqtt.broker_url required when ingest.mqtt.enabled is true")
	}
	if cfg.Health.WarningErrorRate <= 0 || cfg.Health.WarningErrorRate >= 1 {
		return fmt.Errorf("health.warning_error_rate must be in (0,1): %v", cfg.Health.WarningErrorRate)
	}
	if cfg.Stats.DenialSpikeRate <= 0 || cfg.Stats.DenialSpikeRate >= 1 {
		return fmt.Errorf("stats.denial_spike_rate must be in (0,1): %v", cfg.Stats.DenialSpikeRate)
	}
	for kind, classes := range cfg.Alerts.SeverityMap {
		for class, sev := range classes {
			switch sev {
			case "critical", "high", "medium", "low":
			default:
				return fmt.Errorf("alerts.severity_map[%s][%s]: unknown severity %q", kind, class, sev)
			}
		}
	}
	if cfg.Storage.Enabled {
		switch strings.ToLower(cfg.Storage.Driver) {
		case "sqlite", "postgres", "postgresql":
		default:
			return fmt.Errorf("storage.driver must be sqlite or postgres: %q", cfg.Storage.Driver)
		}
	}
	return nil
}

// Resolve looks up the severity for an alert kind on a device class.
func (m SeverityMap) Resolve(kind, class string) string {
	classes, ok := m[kind]
	if !ok {
		return "medium"
	}
	if sev, ok := classes[class]; ok {
		return sev
	}
	if sev, ok := classes["default"]; ok {
		return sev
	}
	return "medium"
}

type Manager struct {
	path    string
	cfg     atomic.Value
	modTime time.Time
}

func NewManager(path string) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	m := &Manager{path: path}
	m.cfg.Store(cfg)
	info, err := os.Stat(path)
	if err == nil {
		m.modTime = info.ModTime()
	}
	return m, nil
}

// NewStaticManager wraps a fixed config with no backing file. Used by
// tests and by deployments that configure entirely through defaults.
func NewStaticManager(cfg *Config) *Manager {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	applyDefaults(cfg)
	m := &Manager{}
	m.cfg.Store(cfg)
	return m
}

func (m *Manager) Get() *Config {
	if v := m.cfg.Load(); v != nil {
		return v.(*Config)
	}
	return DefaultConfig()
}

func (m *Manager) Path() string {
	return m.path
}

func (m *Manager) Reload() (*Config, error) {
	if m.path == "" {
		return m.Get(), nil
	}
	cfg, err := Load(m.path)
	if err != nil {
		return nil, err
	}
	m.cfg.Store(cfg)
	if info, err := os.Stat(m.path); err == nil {
		m.modTime = info.ModTime()
	}
	return cfg, nil
}

func (m *Manager) Update(cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return err
	}
	if m.path != "" {
		if err := Save(m.path, cfg); err != nil {
			return err
		}
		if info, err := os.Stat(m.path); err == nil {
			m.modTime = info.ModTime()
		}
	}
	m.cfg.Store(cfg)
	return nil
}

func (m *Manager) NeedsReload() (bool, error) {
	if m.path == "" {
		return false, nil
	}
	info, err := os.Stat(m.path)
	if err != nil {
		return false, err
	}
	return info.ModTime().After(m.modTime), nil
}

func (m *Manager) Watch(interval time.Duration, onReload func(*Config), onError func(error), stop <-chan struct{}) {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			needs, err := m.NeedsReload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if !needs {
				continue
			}
			cfg, err := m.Reload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if onReload != nil {
				onReload(cfg)
			}
		case <-stop:
			return
		}
	}
}

func ResolvePath(path string) string {
	if path == "" {
		return path
	}
	if filepath.IsAbs(path) {
		return path
	}
	cwd, err := os.Getwd()
	if err != nil {
		return path
	}
	return filepath.Join(cwd, path)
}
