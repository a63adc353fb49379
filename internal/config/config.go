package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Configuration is the full service configuration. Values come from
// defaults, then the optional YAML file named by CONFIG_FILE, then the
// environment.
type Configuration struct {
	Service       ServiceConfig       `yaml:"service"`
	Streaming     StreamingConfig     `yaml:"streaming"`
	Local         LocalConfig         `yaml:"local"`
	Recording     RecordingConfig     `yaml:"recording"`
	Storage       StorageConfig       `yaml:"storage"`
	Kafka         KafkaConfig         `yaml:"kafka"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type ServiceConfig struct {
	Principal string `yaml:"principal"`
	HTTPAddr  string `yaml:"http_addr"`
}

// StreamingConfig selects and configures the remote recognizer.
type StreamingConfig struct {
	// Provider is one of assemblyai, google or mock.
	Provider      string        `yaml:"provider"`
	APIKey        string        `yaml:"api_key"`
	URL           string        `yaml:"url"`
	SampleRate    int           `yaml:"sample_rate"`
	Model         string        `yaml:"model"`
	Language      string        `yaml:"language"`
	ReconnectBase time.Duration `yaml:"reconnect_base"`
	MaxReconnects int           `yaml:"max_reconnects"`
	SendBuffer    int           `yaml:"send_buffer"`
}

// LocalConfig configures the on-device worker process.
type LocalConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Python         string        `yaml:"python"`
	Script         string        `yaml:"script"`
	Model          string        `yaml:"model"`
	InitTimeout    time.Duration `yaml:"init_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	StopGrace      time.Duration `yaml:"stop_grace"`
	TempDir        string        `yaml:"temp_dir"`
	Retention      int           `yaml:"retention"`
	MaxQueue       int           `yaml:"max_queue"`
	ChunkDuration  time.Duration `yaml:"chunk_duration"`
}

type RecordingConfig struct {
	Dir              string        `yaml:"dir"`
	SampleRate       int           `yaml:"sample_rate"`
	Channels         int           `yaml:"channels"`
	ProgressInterval time.Duration `yaml:"progress_interval"`
}

type StorageConfig struct {
	TranscriptDir string `yaml:"transcript_dir"`
	// IndexPath is the SQLite session index. Empty disables the index.
	IndexPath string `yaml:"index_path"`
}

type KafkaConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Brokers        []string `yaml:"brokers"`
	TopicPartial   string   `yaml:"topic_partial"`
	TopicFinal     string   `yaml:"topic_final"`
	TopicLifecycle string   `yaml:"topic_lifecycle"`
	Principal      string   `yaml:"principal"`
}

type ObservabilityConfig struct {
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
	MetricsAddr string `yaml:"metrics_addr"`
}

// Default returns the built-in configuration.
func Default() *Configuration {
	return &Configuration{
		Service: ServiceConfig{
			Principal: "svc-live-transcription",
			HTTPAddr:  ":8080",
		},
		Streaming: StreamingConfig{
			Provider:      "mock",
			SampleRate:    16000,
			Model:         "universal-streaming",
			Language:      "en-US",
			ReconnectBase: time.Second,
			MaxReconnects: 5,
			SendBuffer:    256,
		},
		Local: LocalConfig{
			Enabled:        true,
			Python:         "python3",
			Script:         "whisper_service.py",
			Model:          "tiny.en",
			InitTimeout:    30 * time.Second,
			RequestTimeout: 12 * time.Second,
			StopGrace:      2 * time.Second,
			TempDir:        "temp_audio",
			Retention:      10,
			MaxQueue:       8,
			ChunkDuration:  3 * time.Second,
		},
		Recording: RecordingConfig{
			Dir:              "recordings",
			SampleRate:       16000,
			Channels:         1,
			ProgressInterval: time.Second,
		},
		Storage: StorageConfig{
			TranscriptDir: "transcripts",
			IndexPath:     "transcripts/index.db",
		},
		Kafka: KafkaConfig{
			Brokers:        []string{"localhost:9092"},
			TopicPartial:   "transcription.partial",
			TopicFinal:     "transcription.final",
			TopicLifecycle: "transcription.session",
		},
		Observability: ObservabilityConfig{
			LogLevel:    "info",
			LogFormat:   "json",
			MetricsAddr: ":9090",
		},
	}
}

// Load builds the configuration. A YAML file named by CONFIG_FILE is applied
// over the defaults before environment overrides.
func Load() (*Configuration, error) {
	cfg := Default()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.overlayFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Configuration) overlayFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Configuration) applyEnv() {
	c.Service.Principal = envOrDefault("SERVICE_PRINCIPAL", c.Service.Principal)
	c.Service.HTTPAddr = envOrDefault("HTTP_ADDR", c.Service.HTTPAddr)

	s := &c.Streaming
	s.Provider = envOrDefault("STT_PROVIDER", s.Provider)
	s.APIKey = envOrDefault("STT_API_KEY", envOrDefault("ASSEMBLYAI_API_KEY", s.APIKey))
	s.URL = envOrDefault("STT_URL", s.URL)
	s.SampleRate = envOrDefaultInt("STT_SAMPLE_RATE_HZ", s.SampleRate)
	s.Model = envOrDefault("STT_MODEL", s.Model)
	s.Language = envOrDefault("STT_LANGUAGE_CODE", s.Language)
	s.ReconnectBase = envOrDefaultDuration("STT_RECONNECT_BASE", s.ReconnectBase)
	s.MaxReconnects = envOrDefaultInt("STT_MAX_RECONNECTS", s.MaxReconnects)
	s.SendBuffer = envOrDefaultInt("STT_SEND_BUFFER", s.SendBuffer)

	l := &c.Local
	l.Enabled = envOrDefaultBool("LOCAL_ENABLED", l.Enabled)
	l.Python = envOrDefault("LOCAL_PYTHON", l.Python)
	l.Script = envOrDefault("LOCAL_SCRIPT", l.Script)
	l.Model = envOrDefault("LOCAL_MODEL", l.Model)
	l.InitTimeout = envOrDefaultDuration("LOCAL_INIT_TIMEOUT", l.InitTimeout)
	l.RequestTimeout = envOrDefaultDuration("LOCAL_REQUEST_TIMEOUT", l.RequestTimeout)
	l.StopGrace = envOrDefaultDuration("LOCAL_STOP_GRACE", l.StopGrace)
	l.TempDir = envOrDefault("LOCAL_TEMP_DIR", l.TempDir)
	l.Retention = envOrDefaultInt("LOCAL_RETENTION", l.Retention)
	l.MaxQueue = envOrDefaultInt("LOCAL_MAX_QUEUE", l.MaxQueue)
	l.ChunkDuration = envOrDefaultDuration("LOCAL_CHUNK_DURATION", l.ChunkDuration)

	r := &c.Recording
	r.Dir = envOrDefault("RECORDING_DIR", r.Dir)
	r.SampleRate = envOrDefaultInt("RECORDING_SAMPLE_RATE_HZ", r.SampleRate)
	r.Channels = envOrDefaultInt("RECORDING_CHANNELS", r.Channels)
	r.ProgressInterval = envOrDefaultDuration("RECORDING_PROGRESS_INTERVAL", r.ProgressInterval)

	c.Storage.TranscriptDir = envOrDefault("TRANSCRIPT_DIR", c.Storage.TranscriptDir)
	c.Storage.IndexPath = envOrDefault("SESSION_INDEX_PATH", c.Storage.IndexPath)

	k := &c.Kafka
	k.Enabled = envOrDefaultBool("KAFKA_ENABLED", k.Enabled)
	k.Brokers = envOrDefaultList("KAFKA_BROKERS", k.Brokers)
	k.TopicPartial = envOrDefault("KAFKA_TOPIC_PARTIAL", k.TopicPartial)
	k.TopicFinal = envOrDefault("KAFKA_TOPIC_FINAL", k.TopicFinal)
	k.TopicLifecycle = envOrDefault("KAFKA_TOPIC_LIFECYCLE", k.TopicLifecycle)
	k.Principal = envOrDefault("KAFKA_PRINCIPAL", k.Principal)
	if k.Principal == "" {
		k.Principal = c.Service.Principal
	}

	o := &c.Observability
	o.LogLevel = envOrDefault("LOG_LEVEL", o.LogLevel)
	o.LogFormat = envOrDefault("LOG_FORMAT", o.LogFormat)
	o.MetricsAddr = envOrDefault("METRICS_ADDR", o.MetricsAddr)
}

// Validate reports structural problems. A missing streaming API key is not
// one of them; it surfaces when the streaming client connects.
func (c *Configuration) Validate() error {
	var errs []error
	switch c.Streaming.Provider {
	case "assemblyai", "google", "mock":
	default:
		errs = append(errs, fmt.Errorf("streaming.provider: unknown provider %q", c.Streaming.Provider))
	}
	if c.Streaming.SampleRate <= 0 {
		errs = append(errs, errors.New("streaming.sample_rate must be positive"))
	}
	if c.Recording.SampleRate <= 0 {
		errs = append(errs, errors.New("recording.sample_rate must be positive"))
	}
	if c.Recording.Channels < 1 || c.Recording.Channels > 2 {
		errs = append(errs, fmt.Errorf("recording.channels must be 1 or 2, got %d", c.Recording.Channels))
	}
	if c.Recording.Dir == "" {
		errs = append(errs, errors.New("recording.dir is required"))
	}
	if c.Storage.TranscriptDir == "" {
		errs = append(errs, errors.New("storage.transcript_dir is required"))
	}
	if c.Local.Enabled {
		if c.Local.Script == "" {
			errs = append(errs, errors.New("local.script is required when the local engine is enabled"))
		}
		if c.Local.ChunkDuration <= 0 {
			errs = append(errs, errors.New("local.chunk_duration must be positive"))
		}
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		errs = append(errs, errors.New("kafka.brokers is required when kafka is enabled"))
	}
	return errors.Join(errs...)
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envOrDefaultInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func envOrDefaultBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func envOrDefaultDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func envOrDefaultList(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}
