package config

import (
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"cravewatch/internal/apperr"
)

type Config struct {
	LogLevel    string            `json:"log_level" yaml:"log_level"`
	LogFormat   string            `json:"log_format" yaml:"log_format"`
	Storage     StorageConfig     `json:"storage" yaml:"storage"`
	Model       ModelConfig       `json:"model" yaml:"model"`
	Prediction  PredictionConfig  `json:"prediction" yaml:"prediction"`
	Aggregation AggregationConfig `json:"aggregation" yaml:"aggregation"`
	Scheduler   SchedulerConfig   `json:"scheduler" yaml:"scheduler"`
	Worker      WorkerConfig      `json:"worker" yaml:"worker"`
	Queue       QueueConfig       `json:"queue" yaml:"queue"`
	Ingest      IngestConfig      `json:"ingest" yaml:"ingest"`
	Notify      NotifyConfig      `json:"notify" yaml:"notify"`
	API         APIConfig         `json:"api" yaml:"api"`
	Simulator   SimulatorConfig   `json:"simulator" yaml:"simulator"`
	Training    TrainingConfig    `json:"training" yaml:"training"`
	Metrics     MetricsConfig     `json:"metrics" yaml:"metrics"`
	Alerts      AlertsConfig      `json:"alerts" yaml:"alerts"`
}

type StorageConfig struct {
	Driver   string `json:"driver" yaml:"driver"`
	DSN      string `json:"dsn" yaml:"dsn"`
	MaxConns int    `json:"max_conns" yaml:"max_conns"`
	MaxIdle  int    `json:"max_idle" yaml:"max_idle"`
}

type ModelConfig struct {
	Path string `json:"path" yaml:"path"`
}

type PredictionConfig struct {
	MediumThreshold   float64 `json:"medium_threshold" yaml:"medium_threshold"`
	HighThreshold     float64 `json:"high_threshold" yaml:"high_threshold"`
	CriticalThreshold float64 `json:"critical_threshold" yaml:"critical_threshold"`
	UrgeThreshold     float64 `json:"urge_threshold" yaml:"urge_threshold"`
}

type AggregationConfig struct {
	Window           time.Duration `json:"window" yaml:"window"`
	MaxWindowsPerRun int           `json:"max_windows_per_run" yaml:"max_windows_per_run"`
	CleanupGrace     time.Duration `json:"cleanup_grace" yaml:"cleanup_grace"`
}

type SchedulerConfig struct {
	Enabled  bool            `json:"enabled" yaml:"enabled"`
	Timezone string          `json:"timezone" yaml:"timezone"`
	Tasks    []ScheduledTask `json:"tasks" yaml:"tasks"`
}

type ScheduledTask struct {
	Name     string        `json:"name" yaml:"name"`
	Task     string        `json:"task" yaml:"task"`
	Schedule string        `json:"schedule" yaml:"schedule"`
	Expires  time.Duration `json:"expires" yaml:"expires"`
}

type WorkerConfig struct {
	Enabled            bool          `json:"enabled" yaml:"enabled"`
	Concurrency        int           `json:"concurrency" yaml:"concurrency"`
	PrefetchMultiplier int           `json:"prefetch_multiplier" yaml:"prefetch_multiplier"`
	TimeLimit          time.Duration `json:"time_limit" yaml:"time_limit"`
	SoftTimeLimit      time.Duration `json:"soft_time_limit" yaml:"soft_time_limit"`
}

type QueueConfig struct {
	Driver        string        `json:"driver" yaml:"driver"`
	RedisURL      string        `json:"redis_url" yaml:"redis_url"`
	Stream        string        `json:"stream" yaml:"stream"`
	Group         string        `json:"group" yaml:"group"`
	Consumer      string        `json:"consumer" yaml:"consumer"`
	KeyPrefix     string        `json:"key_prefix" yaml:"key_prefix"`
	ResultExpires time.Duration `json:"result_expires" yaml:"result_expires"`
	ResultPoll    time.Duration `json:"result_poll" yaml:"result_poll"`
	FetchBlock    time.Duration `json:"fetch_block" yaml:"fetch_block"`
	MemoryBuffer  int           `json:"memory_buffer" yaml:"memory_buffer"`
}

type IngestConfig struct {
	ChannelBuffer int             `json:"channel_buffer" yaml:"channel_buffer"`
	DedupeWindow  time.Duration   `json:"dedupe_window" yaml:"dedupe_window"`
	MaxClockSkew  time.Duration   `json:"max_clock_skew" yaml:"max_clock_skew"`
	MaxFutureSkew time.Duration   `json:"max_future_skew" yaml:"max_future_skew"`
	REST          RESTConfig      `json:"rest" yaml:"rest"`
	TCPStream     TCPStreamConfig `json:"tcp_stream" yaml:"tcp_stream"`
	FileTail      FileTailConfig  `json:"file_tail" yaml:"file_tail"`
	Kafka         KafkaConfig     `json:"kafka" yaml:"kafka"`
	MQTT          MQTTConfig      `json:"mqtt" yaml:"mqtt"`
	Parser        ParserConfig    `json:"parser" yaml:"parser"`
}

type RESTConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type TCPStreamConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type FileTailConfig struct {
	Enabled    bool     `json:"enabled" yaml:"enabled"`
	StartAtEnd bool     `json:"start_at_end" yaml:"start_at_end"`
	Files      []string `json:"files" yaml:"files"`
}

type KafkaConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
	GroupID string   `json:"group_id" yaml:"group_id"`
}

type MQTTConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Broker   string `json:"broker" yaml:"broker"`
	ClientID string `json:"client_id" yaml:"client_id"`
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
	Topic    string `json:"topic" yaml:"topic"`
	QoS      byte   `json:"qos" yaml:"qos"`
}

type ParserConfig struct {
	Timezone          string `json:"timezone" yaml:"timezone"`
	DefaultConsumerID int64  `json:"default_consumer_id" yaml:"default_consumer_id"`
}

type NotifyConfig struct {
	Webhook WebhookConfig `json:"webhook" yaml:"webhook"`
}

type WebhookConfig struct {
	Enabled bool          `json:"enabled" yaml:"enabled"`
	URL     string        `json:"url" yaml:"url"`
	Timeout time.Duration `json:"timeout" yaml:"timeout"`
	Retries int           `json:"retries" yaml:"retries"`
}

type APIConfig struct {
	Enabled     bool          `json:"enabled" yaml:"enabled"`
	Addr        string        `json:"addr" yaml:"addr"`
	PredictWait time.Duration `json:"predict_wait" yaml:"predict_wait"`
}

type SimulatorConfig struct {
	ConsumerID        int64         `json:"consumer_id" yaml:"consumer_id"`
	Interval          time.Duration `json:"interval" yaml:"interval"`
	WindowLength      time.Duration `json:"window_length" yaml:"window_length"`
	ReadingsPerWindow int           `json:"readings_per_window" yaml:"readings_per_window"`
	ResultTimeout     time.Duration `json:"result_timeout" yaml:"result_timeout"`
	StatsEvery        int           `json:"stats_every" yaml:"stats_every"`
	Seed              int64         `json:"seed" yaml:"seed"`
}

type TrainingConfig struct {
	OutputDir   string  `json:"output_dir" yaml:"output_dir"`
	TestSize    float64 `json:"test_size" yaml:"test_size"`
	Seed        int64   `json:"seed" yaml:"seed"`
	C           float64 `json:"c" yaml:"c"`
	MaxIter     int     `json:"max_iter" yaml:"max_iter"`
	ClassWeight string  `json:"class_weight" yaml:"class_weight"`
	OverfitGap  float64 `json:"overfit_gap" yaml:"overfit_gap"`
}

type MetricsConfig struct {
	StoreLimit int `json:"store_limit" yaml:"store_limit"`
}

type AlertsConfig struct {
	StoreLimit int `json:"store_limit" yaml:"store_limit"`
}

const (
	TaskPredict          = "predict_smoking_craving"
	TaskPeriodicWindows  = "periodic_window_calculation"
	TaskCleanupWindows   = "cleanup_empty_windows"
	TaskDebug            = "debug_task"
	defaultModelPath     = "models/smoking_craving_model.json"
	defaultSQLiteDSN     = "file:cravewatch.db?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_time_format=sqlite"
	defaultSchedulerZone = "America/Tijuana"
)

func DefaultScheduledTasks() []ScheduledTask {
	return []ScheduledTask{
		{Name: "calculate-window-statistics", Task: TaskPeriodicWindows, Schedule: "@every 300s", Expires: 250 * time.Second},
		{Name: "cleanup-empty-windows", Task: TaskCleanupWindows, Schedule: "0 3 * * *"},
	}
}

func DefaultConfig() *Config {
	return &Config{
		LogLevel:  "info",
		LogFormat: "json",
		Storage:   StorageConfig{Driver: "sqlite", DSN: defaultSQLiteDSN},
		Model:     ModelConfig{Path: defaultModelPath},
		Prediction: PredictionConfig{
			MediumThreshold:   0.4,
			HighThreshold:     0.7,
			CriticalThreshold: 0.9,
			UrgeThreshold:     0.5,
		},
		Aggregation: AggregationConfig{
			Window:           60 * time.Second,
			MaxWindowsPerRun: 500,
			CleanupGrace:     time.Hour,
		},
		Scheduler: SchedulerConfig{
			Enabled:  true,
			Timezone: defaultSchedulerZone,
			Tasks:    DefaultScheduledTasks(),
		},
		Worker: WorkerConfig{
			Enabled:            true,
			Concurrency:        4,
			PrefetchMultiplier: 4,
			TimeLimit:          300 * time.Second,
			SoftTimeLimit:      240 * time.Second,
		},
		Queue: QueueConfig{
			Driver:        "memory",
			Stream:        "cravewatch:tasks",
			Group:         "cravewatch-workers",
			KeyPrefix:     "cravewatch",
			ResultExpires: time.Hour,
			ResultPoll:    100 * time.Millisecond,
			FetchBlock:    time.Second,
			MemoryBuffer:  1024,
		},
		Ingest: IngestConfig{
			ChannelBuffer: 10000,
			DedupeWindow:  time.Second,
			MaxClockSkew:  2 * time.Minute,
			MaxFutureSkew: 5 * time.Second,
			REST:          RESTConfig{Enabled: true, Addr: ":8080"},
			TCPStream:     TCPStreamConfig{Enabled: false, Addr: ":9000"},
			FileTail:      FileTailConfig{Enabled: false, StartAtEnd: true},
			Kafka:         KafkaConfig{Enabled: false, Topic: "wearable.readings", GroupID: "cravewatch"},
			MQTT:          MQTTConfig{Enabled: false, ClientID: "cravewatch", Topic: "wearables/+/readings", QoS: 1},
			Parser:        ParserConfig{Timezone: "UTC"},
		},
		Notify: NotifyConfig{
			Webhook: WebhookConfig{Enabled: false, Timeout: 5 * time.Second, Retries: 2},
		},
		API: APIConfig{Enabled: true, Addr: ":8081", PredictWait: 10 * time.Second},
		Simulator: SimulatorConfig{
			Interval:          60 * time.Second,
			WindowLength:      60 * time.Second,
			ReadingsPerWindow: 60,
			ResultTimeout:     10 * time.Second,
			StatsEvery:        5,
		},
		Training: TrainingConfig{
			OutputDir:   "models",
			TestSize:    0.2,
			Seed:        42,
			C:           0.1,
			MaxIter:     1000,
			ClassWeight: "balanced",
			OverfitGap:  0.15,
		},
		Metrics: MetricsConfig{StoreLimit: 5000},
		Alerts:  AlertsConfig{StoreLimit: 1000},
	}
}

// Load reads a YAML or JSON file on top of DefaultConfig, applies environment
// overrides and validates the result. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, apperr.Wrap(apperr.WithCode(apperr.CodeConfiguration, err), "open config")
		}
		defer f.Close()
		content, err := io.ReadAll(f)
		if err != nil {
			return nil, apperr.Wrap(apperr.WithCode(apperr.CodeConfiguration, err), "read config")
		}
		trimmed := strings.TrimSpace(string(content))
		if len(trimmed) == 0 {
			return nil, apperr.New(apperr.CodeConfiguration, "config file is empty")
		}
		var decodeErr error
		if looksLikeJSON(trimmed) {
			decodeErr = json.Unmarshal([]byte(trimmed), cfg)
		} else {
			decodeErr = yaml.Unmarshal([]byte(trimmed), cfg)
		}
		if decodeErr != nil {
			return nil, apperr.Wrap(apperr.WithCode(apperr.CodeConfiguration, decodeErr), "decode config")
		}
	}
	ApplyEnv(cfg, os.Getenv)
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDotEnv loads .env files into the process environment; missing files are
// not an error.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return apperr.Wrapf(apperr.WithCode(apperr.CodeConfiguration, err), "load %s", f)
		}
	}
	return nil
}

// ApplyEnv overlays well-known environment variables onto cfg.
func ApplyEnv(cfg *Config, getenv func(string) string) {
	if v := getenv("CRAVEWATCH_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := getenv("CRAVEWATCH_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := getenv("DATABASE_URL"); v != "" {
		cfg.Storage.Driver = "postgres"
		cfg.Storage.DSN = v
	}
	if v := getenv("CRAVEWATCH_STORAGE_DRIVER"); v != "" {
		cfg.Storage.Driver = v
	}
	if v := getenv("CRAVEWATCH_STORAGE_DSN"); v != "" {
		cfg.Storage.DSN = v
	}
	if v := getenv("CRAVEWATCH_MODEL_PATH"); v != "" {
		cfg.Model.Path = v
	}
	if v := getenv("REDIS_URL"); v != "" {
		cfg.Queue.Driver = "redis"
		cfg.Queue.RedisURL = v
	}
	if v := getenv("KAFKA_BROKERS"); v != "" {
		cfg.Ingest.Kafka.Enabled = true
		cfg.Ingest.Kafka.Brokers = splitList(v)
	}
	if v := getenv("MQTT_BROKER"); v != "" {
		cfg.Ingest.MQTT.Enabled = true
		cfg.Ingest.MQTT.Broker = v
	}
	if v := getenv("CRAVEWATCH_WEBHOOK_URL"); v != "" {
		cfg.Notify.Webhook.Enabled = true
		cfg.Notify.Webhook.URL = v
	}
	if v := getenv("CRAVEWATCH_WORKER_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Worker.Concurrency = n
		}
	}
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

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func applyDefaults(cfg *Config) {
	def := DefaultConfig()
	if cfg.LogLevel == "" {
		cfg.LogLevel = def.LogLevel
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = def.Storage.Driver
	}
	if cfg.Model.Path == "" {
		cfg.Model.Path = def.Model.Path
	}
	if cfg.Aggregation.Window <= 0 {
		cfg.Aggregation.Window = def.Aggregation.Window
	}
	if cfg.Aggregation.MaxWindowsPerRun <= 0 {
		cfg.Aggregation.MaxWindowsPerRun = def.Aggregation.MaxWindowsPerRun
	}
	if cfg.Scheduler.Timezone == "" {
		cfg.Scheduler.Timezone = def.Scheduler.Timezone
	}
	if cfg.Worker.Concurrency <= 0 {
		cfg.Worker.Concurrency = def.Worker.Concurrency
	}
	if cfg.Worker.PrefetchMultiplier <= 0 {
		cfg.Worker.PrefetchMultiplier = def.Worker.PrefetchMultiplier
	}
	if cfg.Queue.Driver == "" {
		cfg.Queue.Driver = def.Queue.Driver
	}
	if cfg.Queue.Stream == "" {
		cfg.Queue.Stream = def.Queue.Stream
	}
	if cfg.Queue.Group == "" {
		cfg.Queue.Group = def.Queue.Group
	}
	if cfg.Queue.KeyPrefix == "" {
		cfg.Queue.KeyPrefix = def.Queue.KeyPrefix
	}
	if cfg.Queue.ResultExpires <= 0 {
		cfg.Queue.ResultExpires = def.Queue.ResultExpires
	}
	if cfg.Queue.ResultPoll <= 0 {
		cfg.Queue.ResultPoll = def.Queue.ResultPoll
	}
	if cfg.Queue.FetchBlock <= 0 {
		cfg.Queue.FetchBlock = def.Queue.FetchBlock
	}
	if cfg.Queue.MemoryBuffer <= 0 {
		cfg.Queue.MemoryBuffer = def.Queue.MemoryBuffer
	}
	if cfg.Ingest.ChannelBuffer <= 0 {
		cfg.Ingest.ChannelBuffer = def.Ingest.ChannelBuffer
	}
	if cfg.Ingest.Parser.Timezone == "" {
		cfg.Ingest.Parser.Timezone = "UTC"
	}
	if cfg.Notify.Webhook.Timeout <= 0 {
		cfg.Notify.Webhook.Timeout = def.Notify.Webhook.Timeout
	}
	if cfg.API.PredictWait <= 0 {
		cfg.API.PredictWait = def.API.PredictWait
	}
	if cfg.Simulator.Interval <= 0 {
		cfg.Simulator.Interval = def.Simulator.Interval
	}
	if cfg.Simulator.WindowLength <= 0 {
		cfg.Simulator.WindowLength = def.Simulator.WindowLength
	}
	if cfg.Simulator.ReadingsPerWindow <= 0 {
		cfg.Simulator.ReadingsPerWindow = def.Simulator.ReadingsPerWindow
	}
	if cfg.Simulator.ResultTimeout <= 0 {
		cfg.Simulator.ResultTimeout = def.Simulator.ResultTimeout
	}
	if cfg.Simulator.StatsEvery <= 0 {
		cfg.Simulator.StatsEvery = def.Simulator.StatsEvery
	}
	if cfg.Training.OutputDir == "" {
		cfg.Training.OutputDir = def.Training.OutputDir
	}
	if cfg.Training.TestSize <= 0 || cfg.Training.TestSize >= 1 {
		cfg.Training.TestSize = def.Training.TestSize
	}
	if cfg.Training.C <= 0 {
		cfg.Training.C = def.Training.C
	}
	if cfg.Training.MaxIter <= 0 {
		cfg.Training.MaxIter = def.Training.MaxIter
	}
	if cfg.Training.OverfitGap <= 0 {
		cfg.Training.OverfitGap = def.Training.OverfitGap
	}
	if cfg.Metrics.StoreLimit <= 0 {
		cfg.Metrics.StoreLimit = def.Metrics.StoreLimit
	}
	if cfg.Alerts.StoreLimit <= 0 {
		cfg.Alerts.StoreLimit = def.Alerts.StoreLimit
	}
}

func Validate(cfg *Config) error {
	invalid := func(format string, args ...any) error {
		return apperr.Newf(apperr.CodeConfiguration, format, args...)
	}
	switch strings.ToLower(cfg.Storage.Driver) {
	case "sqlite", "postgres", "postgresql":
	default:
		return invalid("storage.driver %q is not supported", cfg.Storage.Driver)
	}
	p := cfg.Prediction
	if p.MediumThreshold <= 0 || p.MediumThreshold >= p.HighThreshold || p.HighThreshold >= 1 {
		return invalid("prediction thresholds must satisfy 0 < medium < high < 1")
	}
	if p.CriticalThreshold < p.HighThreshold || p.CriticalThreshold > 1 {
		return invalid("prediction.critical_threshold must be within [high_threshold, 1]")
	}
	if p.UrgeThreshold <= 0 || p.UrgeThreshold >= 1 {
		return invalid("prediction.urge_threshold must be within (0, 1)")
	}
	if cfg.Worker.SoftTimeLimit > 0 && cfg.Worker.TimeLimit > 0 && cfg.Worker.SoftTimeLimit >= cfg.Worker.TimeLimit {
		return invalid("worker.soft_time_limit must be below worker.time_limit")
	}
	switch strings.ToLower(cfg.Queue.Driver) {
	case "memory":
	case "redis":
		if cfg.Queue.RedisURL == "" {
			return invalid("queue.redis_url required when queue.driver is redis")
		}
	default:
		return invalid("queue.driver %q is not supported", cfg.Queue.Driver)
	}
	for i, task := range cfg.Scheduler.Tasks {
		if task.Task == "" || task.Schedule == "" {
			return invalid("scheduler.tasks[%d] requires task and schedule", i)
		}
		if task.Expires < 0 {
			return invalid("scheduler.tasks[%d].expires must not be negative", i)
		}
	}
	if _, err := time.LoadLocation(cfg.Scheduler.Timezone); err != nil {
		return invalid("scheduler.timezone: %v", err)
	}
	if cfg.API.Enabled && cfg.API.Addr == "" {
		return invalid("api.addr required when api.enabled is true")
	}
	if cfg.Ingest.REST.Enabled && cfg.Ingest.REST.Addr == "" {
		return invalid("ingest.rest.addr required when ingest.rest.enabled is true")
	}
	if cfg.Ingest.TCPStream.Enabled && cfg.Ingest.TCPStream.Addr == "" {
		return invalid("ingest.tcp_stream.addr required when ingest.tcp_stream.enabled is true")
	}
	if cfg.Ingest.FileTail.Enabled && len(cfg.Ingest.FileTail.Files) == 0 {
		return invalid("ingest.file_tail.files required when ingest.file_tail.enabled is true")
	}
	if cfg.Ingest.Kafka.Enabled {
		if len(cfg.Ingest.Kafka.Brokers) == 0 || cfg.Ingest.Kafka.Topic == "" || cfg.Ingest.Kafka.GroupID == "" {
			return invalid("ingest.kafka requires brokers, topic, group_id")
		}
	}
	if cfg.Ingest.MQTT.Enabled && (cfg.Ingest.MQTT.Broker == "" || cfg.Ingest.MQTT.Topic == "") {
		return invalid("ingest.mqtt requires broker and topic")
	}
	if cfg.Ingest.MQTT.QoS > 2 {
		return invalid("ingest.mqtt.qos must be 0, 1 or 2")
	}
	if cfg.Notify.Webhook.Enabled && cfg.Notify.Webhook.URL == "" {
		return invalid("notify.webhook.url required when notify.webhook.enabled is true")
	}
	if cfg.Training.ClassWeight != "" && cfg.Training.ClassWeight != "balanced" && cfg.Training.ClassWeight != "none" {
		return invalid("training.class_weight must be balanced or none")
	}
	if cfg.Aggregation.Window < time.Second {
		return invalid("aggregation.window must be at least 1s, got %s", cfg.Aggregation.Window)
	}
	return nil
}

type Manager struct {
	path string
	cfg  atomic.Value
	// modTime is the file mtime in UnixNano as of the last load or save.
	modTime atomic.Int64
	// mu serialises writers of the file and snapshot.
	mu sync.Mutex
}

// NewManager loads path (or the defaults when path is empty) and keeps the
// result as the current snapshot.
func NewManager(path string) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	m := &Manager{path: path}
	m.cfg.Store(cfg)
	if path != "" {
		if info, err := os.Stat(path); err == nil {
			m.modTime.Store(info.ModTime().UnixNano())
		}
	}
	return m, nil
}

// NewStaticManager wraps an already built config; Update keeps it in memory.
func NewStaticManager(cfg *Config) *Manager {
	m := &Manager{}
	if cfg == nil {
		cfg = DefaultConfig()
	}
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
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg, err := Load(m.path)
	if err != nil {
		return nil, err
	}
	m.cfg.Store(cfg)
	if info, err := os.Stat(m.path); err == nil {
		m.modTime.Store(info.ModTime().UnixNano())
	}
	return cfg, nil
}

func (m *Manager) Update(cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if err := Validate(cfg); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.path != "" {
		if err := Save(m.path, cfg); err != nil {
			return err
		}
		if info, err := os.Stat(m.path); err == nil {
			m.modTime.Store(info.ModTime().UnixNano())
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
	return info.ModTime().UnixNano() > m.modTime.Load(), nil
}

func (m *Manager) Watch(interval time.Duration, onReload func(*Config), onError func(error), stop <-chan struct{}) {
	if m.path == "" {
		return
	}
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

// Location returns the scheduler timezone, falling back to UTC.
func (c *Config) Location() *time.Location {
	if loc, err := time.LoadLocation(c.Scheduler.Timezone); err == nil {
		return loc
	}
	return time.UTC
}
