package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
}

type HTTPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Bind    string `yaml:"bind"`
	Port    int    `yaml:"port"`
}

type Config struct {
	RuntimeName string          `yaml:"runtime_name"`
	Environment string          `yaml:"environment"`
	EnvFile     string          `yaml:"env_file"`
	HTTP        HTTPConfig      `yaml:"http"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Bus         BusConfig       `yaml:"bus"`
	Store       StoreConfig     `yaml:"store"`
	Audio       AudioConfig     `yaml:"audio"`
	Silence     SilenceConfig   `yaml:"silence"`
	Queue       QueueConfig     `yaml:"queue"`
	Engines     EnginesConfig   `yaml:"engines"`
	Streaming   StreamingConfig `yaml:"streaming"`
	Local       LocalConfig     `yaml:"local"`
	Batch       BatchConfig     `yaml:"batch"`
	Refine      RefineConfig    `yaml:"refine"`
	Notes       NotesConfig     `yaml:"notes"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
	SubjectPrefix  string   `yaml:"subject_prefix"`
	// NodeID identifies this runtime in presence announcements. Defaults to
	// runtime_name.
	NodeID             string `yaml:"node_id"`
	HeartbeatMS        int    `yaml:"heartbeat_ms"`
	HeartbeatTimeoutMS int    `yaml:"heartbeat_timeout_ms"`
}

// StoreConfig controls the sqlite session store.
type StoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
	DebounceMS    int    `yaml:"debounce_ms"`
}

// AudioConfig describes the capture device and chunk framing.
type AudioConfig struct {
	Device              string `yaml:"device"`
	SampleRate          int    `yaml:"sample_rate"`
	Channels            int    `yaml:"channels"`
	FramesPerBuffer     int    `yaml:"frames_per_buffer"`
	ChunkIntervalMS     int    `yaml:"chunk_interval_ms"`
	PermissionTimeoutMS int    `yaml:"permission_timeout_ms"`
	ChunkEncoding       string `yaml:"chunk_encoding"`
}

type SilenceConfig struct {
	Enabled       bool    `yaml:"enabled"`
	PeakThreshold float64 `yaml:"peak_threshold"`
	RequireSpeech bool    `yaml:"require_speech"`
	VADMode       int     `yaml:"vad_mode"`
}

type QueueConfig struct {
	MinChunkBytes  int `yaml:"min_chunk_bytes"`
	ChunkTimeoutMS int `yaml:"chunk_timeout_ms"`
}

// EnginesConfig selects the preferred and fallback engine kinds.
type EnginesConfig struct {
	Preferred         string `yaml:"preferred"`
	Fallback          string `yaml:"fallback"`
	ConnectTimeoutMS  int    `yaml:"connect_timeout_ms"`
	FinalizeTimeoutMS int    `yaml:"finalize_timeout_ms"`
}

type StreamingConfig struct {
	URL        string `yaml:"url"`
	Token      string `yaml:"token"`
	Language   string `yaml:"language"`
	SampleRate int    `yaml:"sample_rate"`
}

type LocalConfig struct {
	Command   string `yaml:"command"`
	ModelPath string `yaml:"model_path"`
	Language  string `yaml:"language"`
}

type BatchConfig struct {
	Endpoint        string   `yaml:"endpoint"`
	APIKey          string   `yaml:"api_key"`
	Language        string   `yaml:"language"`
	MinPayloadBytes int      `yaml:"min_payload_bytes"`
	PollBaseMS      int      `yaml:"poll_base_ms"`
	PollGrowth      float64  `yaml:"poll_growth"`
	PollMaxMS       int      `yaml:"poll_max_ms"`
	TimeoutMS       int      `yaml:"timeout_ms"`
	S3              S3Config `yaml:"s3"`
}

// S3Config enables staging uploads in an S3-compatible bucket before job submission.
type S3Config struct {
	Enabled   bool   `yaml:"enabled"`
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	Prefix    string `yaml:"prefix"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
}

type RefineConfig struct {
	Enabled bool `yaml:"enabled"`
}

type NotesConfig struct {
	Mode        string  `yaml:"mode"` // mock, ollama, exec
	Endpoint    string  `yaml:"endpoint"`
	Model       string  `yaml:"model"`
	Command     string  `yaml:"command"`
	Temperature float64 `yaml:"temperature"`
	TimeoutMS   int     `yaml:"timeout_ms"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-dictation",
		Environment: "development",
		EnvFile:     ".env",
		HTTP: HTTPConfig{
			Enabled: true,
			Bind:    "127.0.0.1",
			Port:    8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPEndpoint: "",
			OTLPInsecure: true,
		},
		Bus: BusConfig{
			Enabled:            false,
			Embedded:           true,
			Port:               4222,
			StoreDir:           "./data/nats",
			Servers:            []string{"nats://localhost:4222"},
			ConnectTimeout:     2000,
			SubjectPrefix:      "dictation",
			HeartbeatMS:        5000,
			HeartbeatTimeoutMS: 15000,
		},
		Store: StoreConfig{
			Path:          "./data/loqa-dictation.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   1000,
			DebounceMS:    750,
		},
		Audio: AudioConfig{
			SampleRate:          16000,
			Channels:            1,
			FramesPerBuffer:     512,
			ChunkIntervalMS:     3000,
			PermissionTimeoutMS: 10000,
			ChunkEncoding:       "audio/wav",
		},
		Silence: SilenceConfig{
			Enabled:       true,
			PeakThreshold: 0.01,
			VADMode:       2,
		},
		Queue: QueueConfig{
			MinChunkBytes:  4096,
			ChunkTimeoutMS: 120000,
		},
		Engines: EnginesConfig{
			Preferred:         "streaming",
			Fallback:          "local",
			ConnectTimeoutMS:  5000,
			FinalizeTimeoutMS: 4000,
		},
		Streaming: StreamingConfig{
			SampleRate: 16000,
			Language:   "en",
		},
		Local: LocalConfig{
			Language: "en",
		},
		Batch: BatchConfig{
			Language:        "en",
			MinPayloadBytes: 8192,
			PollBaseMS:      1000,
			PollGrowth:      1.5,
			PollMaxMS:       10000,
			TimeoutMS:       300000,
			S3: S3Config{
				Region: "us-east-1",
				Prefix: "dictation/",
			},
		},
		Refine: RefineConfig{
			Enabled: false,
		},
		Notes: NotesConfig{
			Mode:        "mock",
			Endpoint:    "http://localhost:11434",
			Model:       "llama3.2:latest",
			Temperature: 0.2,
			TimeoutMS:   60000,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := loadEnvFile(cfg.EnvFile); err != nil {
		return cfg, err
	}
	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// loadEnvFile populates unset environment variables from a dotenv file.
func loadEnvFile(path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("stat env file: %w", err)
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load env file: %w", err)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideBool(&cfg.HTTP.Enabled, "LOQA_HTTP_ENABLED")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Bus.Enabled, "LOQA_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LOQA_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Bus.SubjectPrefix, "LOQA_BUS_SUBJECT_PREFIX")
	overrideString(&cfg.Bus.NodeID, "LOQA_BUS_NODE_ID")
	overrideInt(&cfg.Bus.HeartbeatMS, "LOQA_BUS_HEARTBEAT_MS")
	overrideInt(&cfg.Bus.HeartbeatTimeoutMS, "LOQA_BUS_HEARTBEAT_TIMEOUT_MS")
	overrideString(&cfg.Store.Path, "LOQA_STORE_PATH")
	overrideString(&cfg.Store.RetentionMode, "LOQA_STORE_RETENTION_MODE")
	overrideInt(&cfg.Store.RetentionDays, "LOQA_STORE_RETENTION_DAYS")
	overrideInt(&cfg.Store.MaxSessions, "LOQA_STORE_MAX_SESSIONS")
	overrideBool(&cfg.Store.VacuumOnStart, "LOQA_STORE_VACUUM_ON_START")
	overrideInt(&cfg.Store.DebounceMS, "LOQA_STORE_DEBOUNCE_MS")
	overrideString(&cfg.Audio.Device, "LOQA_AUDIO_DEVICE")
	overrideInt(&cfg.Audio.SampleRate, "LOQA_AUDIO_SAMPLE_RATE")
	overrideInt(&cfg.Audio.Channels, "LOQA_AUDIO_CHANNELS")
	overrideInt(&cfg.Audio.FramesPerBuffer, "LOQA_AUDIO_FRAMES_PER_BUFFER")
	overrideInt(&cfg.Audio.ChunkIntervalMS, "LOQA_AUDIO_CHUNK_INTERVAL_MS")
	overrideInt(&cfg.Audio.PermissionTimeoutMS, "LOQA_AUDIO_PERMISSION_TIMEOUT_MS")
	overrideString(&cfg.Audio.ChunkEncoding, "LOQA_AUDIO_CHUNK_ENCODING")
	overrideBool(&cfg.Silence.Enabled, "LOQA_SILENCE_ENABLED")
	overrideFloat(&cfg.Silence.PeakThreshold, "LOQA_SILENCE_PEAK_THRESHOLD")
	overrideBool(&cfg.Silence.RequireSpeech, "LOQA_SILENCE_REQUIRE_SPEECH")
	overrideInt(&cfg.Silence.VADMode, "LOQA_SILENCE_VAD_MODE")
	overrideInt(&cfg.Queue.MinChunkBytes, "LOQA_QUEUE_MIN_CHUNK_BYTES")
	overrideInt(&cfg.Queue.ChunkTimeoutMS, "LOQA_QUEUE_CHUNK_TIMEOUT_MS")
	overrideString(&cfg.Engines.Preferred, "LOQA_ENGINES_PREFERRED")
	overrideString(&cfg.Engines.Fallback, "LOQA_ENGINES_FALLBACK")
	overrideInt(&cfg.Engines.ConnectTimeoutMS, "LOQA_ENGINES_CONNECT_TIMEOUT_MS")
	overrideInt(&cfg.Engines.FinalizeTimeoutMS, "LOQA_ENGINES_FINALIZE_TIMEOUT_MS")
	overrideString(&cfg.Streaming.URL, "LOQA_STREAMING_URL")
	overrideString(&cfg.Streaming.Token, "LOQA_STREAMING_TOKEN")
	overrideString(&cfg.Streaming.Language, "LOQA_STREAMING_LANGUAGE")
	overrideInt(&cfg.Streaming.SampleRate, "LOQA_STREAMING_SAMPLE_RATE")
	overrideString(&cfg.Local.Command, "LOQA_LOCAL_COMMAND")
	overrideString(&cfg.Local.ModelPath, "LOQA_LOCAL_MODEL_PATH")
	overrideString(&cfg.Local.Language, "LOQA_LOCAL_LANGUAGE")
	overrideString(&cfg.Batch.Endpoint, "LOQA_BATCH_ENDPOINT")
	overrideString(&cfg.Batch.APIKey, "LOQA_BATCH_API_KEY")
	overrideString(&cfg.Batch.Language, "LOQA_BATCH_LANGUAGE")
	overrideInt(&cfg.Batch.MinPayloadBytes, "LOQA_BATCH_MIN_PAYLOAD_BYTES")
	overrideInt(&cfg.Batch.PollBaseMS, "LOQA_BATCH_POLL_BASE_MS")
	overrideFloat(&cfg.Batch.PollGrowth, "LOQA_BATCH_POLL_GROWTH")
	overrideInt(&cfg.Batch.PollMaxMS, "LOQA_BATCH_POLL_MAX_MS")
	overrideInt(&cfg.Batch.TimeoutMS, "LOQA_BATCH_TIMEOUT_MS")
	overrideBool(&cfg.Batch.S3.Enabled, "LOQA_BATCH_S3_ENABLED")
	overrideString(&cfg.Batch.S3.Bucket, "LOQA_BATCH_S3_BUCKET")
	overrideString(&cfg.Batch.S3.Region, "LOQA_BATCH_S3_REGION")
	overrideString(&cfg.Batch.S3.Prefix, "LOQA_BATCH_S3_PREFIX")
	overrideString(&cfg.Batch.S3.Endpoint, "LOQA_BATCH_S3_ENDPOINT")
	overrideString(&cfg.Batch.S3.AccessKey, "LOQA_BATCH_S3_ACCESS_KEY")
	overrideString(&cfg.Batch.S3.SecretKey, "LOQA_BATCH_S3_SECRET_KEY")
	overrideBool(&cfg.Refine.Enabled, "LOQA_REFINE_ENABLED")
	overrideString(&cfg.Notes.Mode, "LOQA_NOTES_MODE")
	overrideString(&cfg.Notes.Endpoint, "LOQA_NOTES_ENDPOINT")
	overrideString(&cfg.Notes.Model, "LOQA_NOTES_MODEL")
	overrideString(&cfg.Notes.Command, "LOQA_NOTES_COMMAND")
	overrideFloat(&cfg.Notes.Temperature, "LOQA_NOTES_TEMPERATURE")
	overrideInt(&cfg.Notes.TimeoutMS, "LOQA_NOTES_TIMEOUT_MS")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func validEngine(kind string) bool {
	switch kind {
	case "streaming", "local", "batch", "mock":
		return true
	}
	return false
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Enabled && (cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535) {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
		if cfg.Bus.SubjectPrefix == "" {
			return errors.New("bus.subject_prefix must not be empty")
		}
		if cfg.Bus.HeartbeatMS <= 0 || cfg.Bus.HeartbeatTimeoutMS <= cfg.Bus.HeartbeatMS {
			return errors.New("bus.heartbeat_timeout_ms must exceed a positive bus.heartbeat_ms")
		}
	}
	switch cfg.Store.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.Store.RetentionMode != "ephemeral" && cfg.Store.Path == "" {
		return errors.New("store.path must not be empty")
	}
	if cfg.Store.RetentionDays < 0 {
		return errors.New("store.retention_days must be >= 0")
	}
	if cfg.Store.DebounceMS < 0 {
		return errors.New("store.debounce_ms must be >= 0")
	}
	if cfg.Audio.SampleRate <= 0 {
		return errors.New("audio.sample_rate must be positive")
	}
	if cfg.Audio.Channels <= 0 {
		return errors.New("audio.channels must be positive")
	}
	if cfg.Audio.FramesPerBuffer <= 0 {
		return errors.New("audio.frames_per_buffer must be positive")
	}
	if cfg.Audio.ChunkIntervalMS <= 0 {
		return errors.New("audio.chunk_interval_ms must be positive")
	}
	switch cfg.Audio.ChunkEncoding {
	case "audio/wav", "audio/L16":
	default:
		return errors.New("audio.chunk_encoding must be one of audio/wav|audio/L16")
	}
	if cfg.Silence.PeakThreshold < 0 || cfg.Silence.PeakThreshold >= 1 {
		return errors.New("silence.peak_threshold must be in [0, 1)")
	}
	if cfg.Silence.VADMode < 0 || cfg.Silence.VADMode > 3 {
		return errors.New("silence.vad_mode must be between 0 and 3")
	}
	if cfg.Queue.MinChunkBytes < 0 {
		return errors.New("queue.min_chunk_bytes must be >= 0")
	}
	if cfg.Queue.ChunkTimeoutMS <= 0 {
		return errors.New("queue.chunk_timeout_ms must be positive")
	}
	if !validEngine(cfg.Engines.Preferred) {
		return errors.New("engines.preferred must be one of streaming|local|batch|mock")
	}
	if !validEngine(cfg.Engines.Fallback) {
		return errors.New("engines.fallback must be one of streaming|local|batch|mock")
	}
	if cfg.Engines.Preferred == cfg.Engines.Fallback {
		return errors.New("engines.fallback must differ from engines.preferred")
	}
	if cfg.Engines.ConnectTimeoutMS <= 0 {
		return errors.New("engines.connect_timeout_ms must be positive")
	}
	if cfg.Engines.FinalizeTimeoutMS <= 0 {
		return errors.New("engines.finalize_timeout_ms must be positive")
	}
	if cfg.Batch.PollBaseMS <= 0 {
		return errors.New("batch.poll_base_ms must be positive")
	}
	if cfg.Batch.PollGrowth < 1 {
		return errors.New("batch.poll_growth must be >= 1")
	}
	if cfg.Batch.PollMaxMS < cfg.Batch.PollBaseMS {
		return errors.New("batch.poll_max_ms must be >= batch.poll_base_ms")
	}
	if cfg.Batch.TimeoutMS <= 0 {
		return errors.New("batch.timeout_ms must be positive")
	}
	if cfg.Batch.S3.Enabled && cfg.Batch.S3.Bucket == "" {
		return errors.New("batch.s3.bucket must be set when s3 staging is enabled")
	}
	if cfg.Refine.Enabled && cfg.Batch.Endpoint == "" {
		return errors.New("batch.endpoint must be set when refine is enabled")
	}
	switch cfg.Notes.Mode {
	case "mock", "ollama", "exec":
	default:
		return errors.New("notes.mode must be one of mock|ollama|exec")
	}
	if cfg.Notes.Mode == "ollama" && cfg.Notes.Endpoint == "" {
		return errors.New("notes.endpoint must be set when mode=ollama")
	}
	if cfg.Notes.Mode == "exec" && cfg.Notes.Command == "" {
		return errors.New("notes.command must be set when mode=exec")
	}
	return nil
}
