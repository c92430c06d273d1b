package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
	"github.com/robfig/cron/v3"
)

// Config represents the application configuration
type Config struct {
	Environment string          `toml:"environment"`
	Server      ServerConfig    `toml:"server"`
	Pipeline    PipelineConfig  `toml:"pipeline"`
	Convert     ConvertConfig   `toml:"convert"`
	Train       TrainConfig     `toml:"train"`
	Upload      UploadConfig    `toml:"upload"`
	WebSocket   WebSocketConfig `toml:"websocket"`
	Scheduler   SchedulerConfig `toml:"scheduler"`
	Logging     LoggingConfig   `toml:"logging"`
}

type ServerConfig struct {
	Port int    `toml:"port" validate:"min=1,max=65535"`
	Host string `toml:"host" validate:"required"`
}

// PipelineConfig locates the filesystem contract shared with the external
// training tooling: the raw data directory wiped each run and the path the
// trained model is expected at afterwards.
type PipelineConfig struct {
	DataDir   string `toml:"data_dir" validate:"required"`
	ModelPath string `toml:"model_path" validate:"required"`
}

// ConvertConfig describes the external data-conversion command
type ConvertConfig struct {
	Command string   `toml:"command" validate:"required"`
	Args    []string `toml:"args"`
}

// TrainConfig describes the external training command. The argument list is
// assembled from the structured fields so hyperparameters stay visible in
// configuration rather than buried in an opaque argv.
type TrainConfig struct {
	Command      string   `toml:"command" validate:"required"`
	NprocPerNode int      `toml:"nproc_per_node" validate:"min=1"`
	Script       string   `toml:"script" validate:"required"`
	Epochs       int      `toml:"epochs" validate:"min=1"`
	LearningRate float64  `toml:"learning_rate" validate:"gt=0"`
	ExtraArgs    []string `toml:"extra_args"`
}

// BuildArgs assembles the training command's argument list
func (t TrainConfig) BuildArgs() []string {
	args := []string{
		fmt.Sprintf("--nproc_per_node=%d", t.NprocPerNode),
		t.Script,
		"--epochs", strconv.Itoa(t.Epochs),
		"--lr", strconv.FormatFloat(t.LearningRate, 'g', -1, 64),
	}
	return append(args, t.ExtraArgs...)
}

// UploadConfig describes the remote model endpoint
type UploadConfig struct {
	URL     string `toml:"url" validate:"required,url"`
	Field   string `toml:"field" validate:"required"`
	Timeout string `toml:"timeout"` // e.g. "5m" - HTTP client timeout for the push
}

// TimeoutDuration parses the upload timeout, falling back to 5 minutes
func (u UploadConfig) TimeoutDuration() time.Duration {
	if d, err := time.ParseDuration(u.Timeout); err == nil && d > 0 {
		return d
	}
	return 5 * time.Minute
}

// WebSocketConfig contains configuration for the event stream
type WebSocketConfig struct {
	SendBuffer      int    `toml:"send_buffer" validate:"min=1"`      // Frames buffered per connection before it is dropped as stalled
	BroadcastBuffer int    `toml:"broadcast_buffer" validate:"min=1"` // Frames buffered between publishers and the dispatch loop
	WriteTimeout    string `toml:"write_timeout"`                     // e.g. "10s" - per-frame write deadline
}

// WriteTimeoutDuration parses the write deadline, falling back to 10 seconds
func (w WebSocketConfig) WriteTimeoutDuration() time.Duration {
	if d, err := time.ParseDuration(w.WriteTimeout); err == nil && d > 0 {
		return d
	}
	return 10 * time.Second
}

// SchedulerConfig contains configuration for scheduled retraining
type SchedulerConfig struct {
	Enabled     bool   `toml:"enabled"`
	Schedule    string `toml:"schedule"`     // Cron schedule format
	MinInterval string `toml:"min_interval"` // e.g. "1h" - floor between scheduled firings
}

// MinIntervalDuration parses the firing floor, falling back to 1 hour
func (s SchedulerConfig) MinIntervalDuration() time.Duration {
	if d, err := time.ParseDuration(s.MinInterval); err == nil && d > 0 {
		return d
	}
	return time.Hour
}

type LoggingConfig struct {
	Level      string   `toml:"level" validate:"omitempty,oneof=debug info warn error"` // "debug", "info", "warn", "error"
	Format     string   `toml:"format"`                                                 // "json" or "text"
	Output     []string `toml:"output"`                                                 // "stdout", "file"
	TimeFormat string   `toml:"time_format"`                                            // Time format for logs (default: "15:04:05")
}

// NewDefaultConfig creates a configuration with default values.
// Defaults reproduce the original deployment: port 3000, graph-transformer
// data/model paths, torchrun with 8 processes, local model server upload.
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Port: 3000,
			Host: "0.0.0.0",
		},
		Pipeline: PipelineConfig{
			DataDir:   "graph-transformer/data/clout/raw",
			ModelPath: "graph-transformer/best_model.pt",
		},
		Convert: ConvertConfig{
			Command: "python",
			Args:    []string{"convert_data.py"},
		},
		Train: TrainConfig{
			Command:      "torchrun",
			NprocPerNode: 8,
			Script:       "graph-transformer/train-graph-transformer.py",
			Epochs:       200,
			LearningRate: 0.01,
		},
		Upload: UploadConfig{
			URL:     "http://localhost:5000/upload",
			Field:   "model",
			Timeout: "5m",
		},
		WebSocket: WebSocketConfig{
			SendBuffer:      32,
			BroadcastBuffer: 256,
			WriteTimeout:    "10s",
		},
		Scheduler: SchedulerConfig{
			Enabled:     false, // Disabled by default - user must explicitly opt-in
			Schedule:    "0 3 * * *",
			MinInterval: "1h",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: []string{"stdout", "file"},
		},
	}
}

// LoadFromFile loads configuration with priority: default -> file -> env -> CLI
func LoadFromFile(path string) (*Config, error) {
	if path == "" {
		return LoadFromFiles()
	}
	return LoadFromFiles(path)
}

// LoadFromFiles loads configuration from multiple files with priority:
// default -> file1 -> file2 -> ... -> env -> CLI. Later files override
// earlier files.
func LoadFromFiles(paths ...string) (*Config, error) {
	// Start with defaults
	config := NewDefaultConfig()

	// Load and merge each config file in order (later files override earlier files)
	for i, path := range paths {
		if path == "" {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		// Unmarshal into config (merges with existing values, later values override)
		err = toml.Unmarshal(data, config)
		if err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	// Apply environment variables (overrides all file configs)
	applyEnvOverrides(config)

	return config, nil
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(config *Config) {
	// Environment configuration (highest priority: PRAXIS_ENV, fallback: GO_ENV)
	if env := os.Getenv("PRAXIS_ENV"); env != "" {
		config.Environment = env
	} else if env := os.Getenv("GO_ENV"); env != "" {
		config.Environment = env
	}

	// Server configuration
	if port := os.Getenv("PRAXIS_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if host := os.Getenv("PRAXIS_SERVER_HOST"); host != "" {
		config.Server.Host = host
	}

	// Pipeline configuration
	if dataDir := os.Getenv("PRAXIS_PIPELINE_DATA_DIR"); dataDir != "" {
		config.Pipeline.DataDir = dataDir
	}
	if modelPath := os.Getenv("PRAXIS_PIPELINE_MODEL_PATH"); modelPath != "" {
		config.Pipeline.ModelPath = modelPath
	}

	// Convert configuration
	if command := os.Getenv("PRAXIS_CONVERT_COMMAND"); command != "" {
		config.Convert.Command = command
	}

	// Train configuration
	if command := os.Getenv("PRAXIS_TRAIN_COMMAND"); command != "" {
		config.Train.Command = command
	}
	if nproc := os.Getenv("PRAXIS_TRAIN_NPROC_PER_NODE"); nproc != "" {
		if n, err := strconv.Atoi(nproc); err == nil {
			config.Train.NprocPerNode = n
		}
	}
	if script := os.Getenv("PRAXIS_TRAIN_SCRIPT"); script != "" {
		config.Train.Script = script
	}
	if epochs := os.Getenv("PRAXIS_TRAIN_EPOCHS"); epochs != "" {
		if e, err := strconv.Atoi(epochs); err == nil {
			config.Train.Epochs = e
		}
	}
	if lr := os.Getenv("PRAXIS_TRAIN_LEARNING_RATE"); lr != "" {
		if l, err := strconv.ParseFloat(lr, 64); err == nil {
			config.Train.LearningRate = l
		}
	}

	// Upload configuration. MODEL_SERVER_URL is the variable the training
	// deployment has always used; the PRAXIS_ name takes priority.
	if url := os.Getenv("MODEL_SERVER_URL"); url != "" {
		config.Upload.URL = url
	}
	if url := os.Getenv("PRAXIS_UPLOAD_URL"); url != "" {
		config.Upload.URL = url
	}
	if field := os.Getenv("PRAXIS_UPLOAD_FIELD"); field != "" {
		config.Upload.Field = field
	}
	if timeout := os.Getenv("PRAXIS_UPLOAD_TIMEOUT"); timeout != "" {
		if _, err := time.ParseDuration(timeout); err == nil {
			config.Upload.Timeout = timeout
		}
	}

	// WebSocket configuration
	if sendBuffer := os.Getenv("PRAXIS_WEBSOCKET_SEND_BUFFER"); sendBuffer != "" {
		if sb, err := strconv.Atoi(sendBuffer); err == nil && sb > 0 {
			config.WebSocket.SendBuffer = sb
		}
	}
	if broadcastBuffer := os.Getenv("PRAXIS_WEBSOCKET_BROADCAST_BUFFER"); broadcastBuffer != "" {
		if bb, err := strconv.Atoi(broadcastBuffer); err == nil && bb > 0 {
			config.WebSocket.BroadcastBuffer = bb
		}
	}
	if writeTimeout := os.Getenv("PRAXIS_WEBSOCKET_WRITE_TIMEOUT"); writeTimeout != "" {
		if _, err := time.ParseDuration(writeTimeout); err == nil {
			config.WebSocket.WriteTimeout = writeTimeout
		}
	}

	// Scheduler configuration
	if enabled := os.Getenv("PRAXIS_SCHEDULER_ENABLED"); enabled != "" {
		if e, err := strconv.ParseBool(enabled); err == nil {
			config.Scheduler.Enabled = e
		}
	}
	if schedule := os.Getenv("PRAXIS_SCHEDULER_SCHEDULE"); schedule != "" {
		config.Scheduler.Schedule = schedule
	}
	if minInterval := os.Getenv("PRAXIS_SCHEDULER_MIN_INTERVAL"); minInterval != "" {
		if _, err := time.ParseDuration(minInterval); err == nil {
			config.Scheduler.MinInterval = minInterval
		}
	}

	// Logging configuration
	if level := os.Getenv("PRAXIS_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if format := os.Getenv("PRAXIS_LOG_FORMAT"); format != "" {
		config.Logging.Format = format
	}
	if output := os.Getenv("PRAXIS_LOG_OUTPUT"); output != "" {
		// Split comma-separated output types
		outputs := []string{}
		for _, o := range splitString(output, ",") {
			trimmed := trimSpace(o)
			if trimmed != "" {
				outputs = append(outputs, trimmed)
			}
		}
		if len(outputs) > 0 {
			config.Logging.Output = outputs
		}
	}
	if timeFormat := os.Getenv("PRAXIS_LOG_TIME_FORMAT"); timeFormat != "" {
		config.Logging.TimeFormat = timeFormat
	}
}

// ApplyFlagOverrides applies command-line flag overrides to config
func ApplyFlagOverrides(config *Config, port int, host string) {
	// Command-line flags have highest priority
	if port > 0 {
		config.Server.Port = port
	}
	if host != "" {
		config.Server.Host = host
	}
}

// Validate checks the configuration using go-playground/validator tags,
// plus the cron schedule when the scheduler is enabled.
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.Scheduler.Enabled {
		if err := ValidateSchedule(c.Scheduler.Schedule); err != nil {
			return fmt.Errorf("invalid scheduler configuration: %w", err)
		}
	}
	return nil
}

// ValidateSchedule validates a cron schedule expression and ensures minimum 5-minute interval
func ValidateSchedule(schedule string) error {
	// Parse the cron expression
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	_, err := parser.Parse(schedule)
	if err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}

	// Check for minimum 5-minute interval
	// Validate minute field (first field in standard cron)
	parts := strings.Fields(schedule)
	if len(parts) < 5 {
		return fmt.Errorf("invalid cron format: expected 5 fields")
	}

	minuteField := parts[0]

	// Check for patterns that violate 5-minute minimum
	if minuteField == "*" {
		return fmt.Errorf("schedule must have minimum 5-minute interval (every minute is not allowed)")
	}

	// Check for */n patterns where n < 5
	if strings.HasPrefix(minuteField, "*/") {
		intervalStr := strings.TrimPrefix(minuteField, "*/")
		interval, err := strconv.Atoi(intervalStr)
		if err == nil && interval < 5 {
			return fmt.Errorf("schedule interval must be at least 5 minutes, got %d", interval)
		}
	}

	return nil
}

// IsProduction returns true if the environment is set to production
func (c *Config) IsProduction() bool {
	env := strings.ToLower(strings.TrimSpace(c.Environment))
	return env == "production" || env == "prod"
}

// Helper functions for string manipulation
func splitString(s, sep string) []string {
	result := []string{}
	start := 0
	for i := 0; i < len(s); i++ {
		if i+len(sep) <= len(s) && s[i:i+len(sep)] == sep {
			result = append(result, s[start:i])
			start = i + len(sep)
			i = start - 1
		}
	}
	result = append(result, s[start:])
	return result
}

func trimSpace(s string) string {
	start := 0
	end := len(s)
	for start < end && (s[start] == ' ' || s[start] == '\t' || s[start] == '\n' || s[start] == '\r') {
		start++
	}
	for end > start && (s[end-1] == ' ' || s[end-1] == '\t' || s[end-1] == '\n' || s[end-1] == '\r') {
		end--
	}
	return s[start:end]
}
