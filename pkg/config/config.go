package config

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	Logging    LoggingConfig    `mapstructure:"logging"`
	Generation GenerationConfig `mapstructure:"generation"`
	Monitor    MonitorConfig    `mapstructure:"monitor"`
	Markers    MarkersConfig    `mapstructure:"markers"`
	Barrier    BarrierConfig    `mapstructure:"barrier"`
	Ollama     OllamaConfig     `mapstructure:"ollama"`
	ImageAPI   ImageAPIConfig   `mapstructure:"image_api"`
	Store      StoreConfig      `mapstructure:"store"`
	Similar    SimilarConfig    `mapstructure:"similar"`
}

// LoggingConfig holds logging-related configuration
type LoggingConfig struct {
	LogFile  string `mapstructure:"log_file"`
	Preserve bool   `mapstructure:"preserve"`
	Level    string `mapstructure:"level"`
	Format   string `mapstructure:"format"`
}

// GenerationConfig controls admission into the image generator.
// The limiter clamps MaxConcurrent to [1,5] and MinIntervalMs to [0,10000].
type GenerationConfig struct {
	MaxConcurrent int `mapstructure:"max_concurrent"`
	MinIntervalMs int `mapstructure:"min_interval_ms"`
	MaxAttempts   int `mapstructure:"max_attempts"`
}

// MinInterval returns the configured spacing as a duration
func (g GenerationConfig) MinInterval() time.Duration {
	return time.Duration(g.MinIntervalMs) * time.Millisecond
}

// MonitorConfig holds streaming monitor configuration
type MonitorConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// MarkersConfig holds the marker syntax embedded in chat text
type MarkersConfig struct {
	Patterns      []string `mapstructure:"patterns"`
	ImageTemplate string   `mapstructure:"image_template"`
}

// BarrierConfig bounds how long a turn waits for generation and stream end
type BarrierConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

// OllamaConfig holds Ollama-specific configuration
type OllamaConfig struct {
	URL           string        `mapstructure:"url"`
	Model         string        `mapstructure:"model"`
	SystemPrompt  string        `mapstructure:"system_prompt"`
	Timeout       time.Duration `mapstructure:"timeout"`
	ContextTokens int           `mapstructure:"context_tokens"` // history budget, 0 sends everything
}

// ImageAPIConfig configures the OpenAI-compatible image generation endpoint
type ImageAPIConfig struct {
	URL       string        `mapstructure:"url"`
	APIKey    string        `mapstructure:"api_key"`
	Model     string        `mapstructure:"model"`
	Size      string        `mapstructure:"size"`
	OutputDir string        `mapstructure:"output_dir"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// StoreConfig holds chat persistence configuration
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

// SimilarConfig holds similar-prompt index configuration
type SimilarConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	EmbedderModel  string `mapstructure:"embedder_model"`
	PersistenceDir string `mapstructure:"persistence_dir"`
}

// DefaultMarkerPatterns are the stock marker syntaxes: an HTML comment that
// renders invisibly and the legacy angle-bracket attribute form.
var DefaultMarkerPatterns = []string{
	`<!--img-prompt="([\s\S]*?)"\s*-->`,
	`<img\s+prompt="([^"]*)"\s*\/?>`,
}

// DefaultImageTemplate is the markup spliced after a prompt marker
const DefaultImageTemplate = `<img src="{url}" title="{prompt}" alt="{prompt}">`

var cfg *Config

// Get returns the global config instance
func Get() *Config {
	if cfg == nil {
		panic("config not initialized")
	}
	return cfg
}

// Load loads configuration from file and environment
func Load(cfgFile string) (*Config, error) {
	setDefaults()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}

		xdgConfigHome := os.Getenv("XDG_CONFIG_HOME")
		if xdgConfigHome == "" {
			xdgConfigHome = filepath.Join(home, ".config")
		}

		viper.AddConfigPath("./.promptcanvas")
		viper.AddConfigPath(filepath.Join(xdgConfigHome, "promptcanvas"))
		viper.SetConfigType("yaml")
		viper.SetConfigName("settings")
	}

	viper.AutomaticEnv()
	bindEnvironmentVariables()

	// A missing settings file is fine; everything has a default
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	loaded := &Config{}
	if err := viper.Unmarshal(loaded); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := processDurations(loaded); err != nil {
		return nil, fmt.Errorf("failed to process durations: %w", err)
	}

	cfg = loaded
	return cfg, nil
}

// setDefaults sets all default configuration values
func setDefaults() {
	viper.SetDefault("logging.log_file", "./.promptcanvas/system.log")
	viper.SetDefault("logging.preserve", false)
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "console")

	viper.SetDefault("generation.max_concurrent", 1)
	viper.SetDefault("generation.min_interval_ms", 0)
	viper.SetDefault("generation.max_attempts", 3)

	viper.SetDefault("monitor.poll_interval", "300ms")

	viper.SetDefault("markers.patterns", DefaultMarkerPatterns)
	viper.SetDefault("markers.image_template", DefaultImageTemplate)

	viper.SetDefault("barrier.timeout", "5m")

	viper.SetDefault("ollama.url", "http://localhost:11434")
	viper.SetDefault("ollama.model", "qwen3:latest")
	viper.SetDefault("ollama.system_prompt", "")
	viper.SetDefault("ollama.timeout", "90s")
	viper.SetDefault("ollama.context_tokens", 8192)

	viper.SetDefault("image_api.url", "http://localhost:7860/v1")
	viper.SetDefault("image_api.api_key", "")
	viper.SetDefault("image_api.model", "")
	viper.SetDefault("image_api.size", "1024x1024")
	viper.SetDefault("image_api.output_dir", "./.promptcanvas/images")
	viper.SetDefault("image_api.timeout", "3m")

	viper.SetDefault("store.path", "./.promptcanvas/chats.db")

	viper.SetDefault("similar.enabled", false)
	viper.SetDefault("similar.embedder_model", "nomic-embed-text")
	viper.SetDefault("similar.persistence_dir", "")
}

// bindEnvironmentVariables binds specific environment variables to Viper keys
func bindEnvironmentVariables() {
	viper.BindEnv("image_api.api_key", "PROMPTCANVAS_IMAGE_API_KEY", "OPENAI_API_KEY")
	viper.BindEnv("image_api.url", "PROMPTCANVAS_IMAGE_API_URL")
	viper.BindEnv("ollama.url", "PROMPTCANVAS_OLLAMA_URL")
	viper.BindEnv("ollama.model", "PROMPTCANVAS_OLLAMA_MODEL")
	viper.BindEnv("logging.level", "PROMPTCANVAS_LOG_LEVEL")
	viper.BindEnv("logging.log_file", "PROMPTCANVAS_LOG_FILE")
	viper.BindEnv("generation.max_concurrent", "PROMPTCANVAS_MAX_CONCURRENT")
	viper.BindEnv("generation.min_interval_ms", "PROMPTCANVAS_MIN_INTERVAL_MS")
	viper.BindEnv("store.path", "PROMPTCANVAS_STORE_PATH")
}

// processDurations fills in zero durations that an explicit empty value
// in a settings file would otherwise leave behind
func processDurations(cfg *Config) error {
	if cfg.Monitor.PollInterval < 0 {
		return fmt.Errorf("invalid monitor.poll_interval: %v", cfg.Monitor.PollInterval)
	}
	if cfg.Monitor.PollInterval == 0 {
		cfg.Monitor.PollInterval = 300 * time.Millisecond
	}
	if cfg.Barrier.Timeout < 0 {
		return fmt.Errorf("invalid barrier.timeout: %v", cfg.Barrier.Timeout)
	}
	if cfg.Ollama.Timeout == 0 {
		cfg.Ollama.Timeout = 90 * time.Second
	}
	if cfg.ImageAPI.Timeout == 0 {
		cfg.ImageAPI.Timeout = 3 * time.Minute
	}
	if len(cfg.Markers.Patterns) == 0 {
		cfg.Markers.Patterns = DefaultMarkerPatterns
	}
	if cfg.Markers.ImageTemplate == "" {
		cfg.Markers.ImageTemplate = DefaultImageTemplate
	}
	return nil
}

// GetConfigFileUsed returns the path to the config file being used
func GetConfigFileUsed() string {
	return viper.ConfigFileUsed()
}

// InitializeDefaults creates a default .promptcanvas/settings.yaml file if it doesn't exist
func InitializeDefaults() error {
	if _, err := os.Stat(".promptcanvas/settings.yaml"); err == nil {
		return nil
	}

	if !promptUserForSettingsCreation() {
		return nil
	}

	if err := os.MkdirAll(".promptcanvas/images", 0755); err != nil {
		return fmt.Errorf("failed to create .promptcanvas/images directory: %w", err)
	}

	v := viper.New()
	v.SetConfigType("yaml")
	for _, key := range viper.AllKeys() {
		v.SetDefault(key, viper.Get(key))
	}

	if err := v.SafeWriteConfigAs(".promptcanvas/settings.yaml"); err != nil {
		return fmt.Errorf("failed to write default configuration: %w", err)
	}

	fmt.Printf("Created default settings file at .promptcanvas/settings.yaml\n")
	return nil
}

// promptUserForSettingsCreation prompts the user to create a settings file
func promptUserForSettingsCreation() bool {
	if isTestEnvironment() {
		return false
	}

	fmt.Print("No .promptcanvas/settings.yaml file found. Would you like to create one with default settings? (y/N): ")

	reader := bufio.NewReader(os.Stdin)
	response, err := reader.ReadString('\n')
	if err != nil {
		return false
	}

	response = strings.TrimSpace(strings.ToLower(response))
	return response == "y" || response == "yes"
}

// isTestEnvironment checks if we're running in a test environment
func isTestEnvironment() bool {
	if flag.CommandLine.Lookup("test.v") != nil {
		return true
	}

	if os.Getenv("GO_TEST") == "1" || os.Getenv("TESTING") == "1" {
		return true
	}

	return false
}
