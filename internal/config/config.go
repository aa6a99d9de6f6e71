package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pollinations-tgbot-go/internal/errs"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

type Config struct {
	Bot        BotConfig        `mapstructure:"bot"`
	Gateway    GatewayConfig    `mapstructure:"gateway"`
	Media      MediaConfig      `mapstructure:"media"`
	RateLimit  RateLimitConfig  `mapstructure:"rate_limit"`
	Context    ContextConfig    `mapstructure:"context"`
	Formatting FormattingConfig `mapstructure:"formatting"`
	Imagine    ImagineConfig    `mapstructure:"imagine"`
	Security   SecurityConfig   `mapstructure:"security"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
	I18n       I18nConfig       `mapstructure:"i18n"`
}

type BotConfig struct {
	Token         string        `mapstructure:"token"`
	Webhook       WebhookConfig `mapstructure:"webhook"`
	UpdateTimeout int           `mapstructure:"update_timeout"`
}

type WebhookConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
	Port    int    `mapstructure:"port"`
}

type GatewayConfig struct {
	Token            string        `mapstructure:"token"`
	TextURL          string        `mapstructure:"text_url"`
	ImageURL         string        `mapstructure:"image_url"`
	TextModel        string        `mapstructure:"text_model"`
	AudioModel       string        `mapstructure:"audio_model"`
	VisionModel      string        `mapstructure:"vision_model"`
	ImageModel       string        `mapstructure:"image_model"`
	MaxTokens        int           `mapstructure:"max_tokens"`
	Seed             int           `mapstructure:"seed"`
	Timeout          int           `mapstructure:"timeout"`
	ImageTimeout     int           `mapstructure:"image_timeout"`
	MaxPayloadChars  int           `mapstructure:"max_payload_chars"`
	TrimPayloadChars int           `mapstructure:"trim_payload_chars"`
	MaxConnsPerHost  int           `mapstructure:"max_conns_per_host"`
	MaxIdleConns     int           `mapstructure:"max_idle_conns"`
	TranscribePrompt string        `mapstructure:"transcribe_prompt"`
	Refusal          RefusalConfig `mapstructure:"refusal"`
}

// RequestTimeout returns the text/audio/vision request timeout
func (g GatewayConfig) RequestTimeout() time.Duration {
	return time.Duration(g.Timeout) * time.Second
}

// ImageRequestTimeout returns the image generation timeout
func (g GatewayConfig) ImageRequestTimeout() time.Duration {
	return time.Duration(g.ImageTimeout) * time.Second
}

// RefusalConfig holds the pattern tables of the refusal heuristic
type RefusalConfig struct {
	Phrases       []string `mapstructure:"phrases"`
	ServiceWords  []string `mapstructure:"service_words"`
	FormalPhrases []string `mapstructure:"formal_phrases"`
	MinLength     int      `mapstructure:"min_length"`
	MaxWords      int      `mapstructure:"max_words"`
	StripPrefixes []string `mapstructure:"strip_prefixes"`
	StripSuffixes []string `mapstructure:"strip_suffixes"`
	Fallbacks     []string `mapstructure:"fallbacks"`
}

type MediaConfig struct {
	MaxVoiceSizeMB   int    `mapstructure:"max_voice_size_mb"`
	MaxImageSizeMB   int    `mapstructure:"max_image_size_mb"`
	FFmpegPath       string `mapstructure:"ffmpeg_path"`
	TranscodeTimeout int    `mapstructure:"transcode_timeout"`
	TempDir          string `mapstructure:"temp_dir"`
	DefaultQuestion  string `mapstructure:"default_question"`
	AnalysisPrompt   string `mapstructure:"analysis_prompt"`
}

// MaxVoiceBytes returns the voice size ceiling in bytes
func (m MediaConfig) MaxVoiceBytes() int64 {
	return int64(m.MaxVoiceSizeMB) * 1024 * 1024
}

// MaxImageBytes returns the image size ceiling in bytes
func (m MediaConfig) MaxImageBytes() int64 {
	return int64(m.MaxImageSizeMB) * 1024 * 1024
}

type RateLimitConfig struct {
	Enabled            bool          `mapstructure:"enabled"`
	MinRequestInterval float64       `mapstructure:"min_request_interval"`
	MediaMinInterval   float64       `mapstructure:"media_min_interval"`
	RequestsPerMinute  int           `mapstructure:"requests_per_minute"`
	CleanupInterval    time.Duration `mapstructure:"cleanup_interval"`
	IdleTTL            time.Duration `mapstructure:"idle_ttl"`
}

// MinInterval returns the text admission interval
func (r RateLimitConfig) MinInterval() time.Duration {
	return time.Duration(r.MinRequestInterval * float64(time.Second))
}

// MediaInterval returns the admission interval for voice and photo requests
func (r RateLimitConfig) MediaInterval() time.Duration {
	return time.Duration(r.MediaMinInterval * float64(time.Second))
}

type ContextConfig struct {
	Limit               int           `mapstructure:"limit"`
	MaxLimit            int           `mapstructure:"max_limit"`
	DefaultSystemPrompt string        `mapstructure:"default_system_prompt"`
	Personas            []Persona     `mapstructure:"personas"`
	ImageContextPrefix  string        `mapstructure:"image_context_prefix"`
	UserStateTTL        time.Duration `mapstructure:"user_state_ttl"`
	AutoAnalyzeImages   bool          `mapstructure:"auto_analyze_images"`
	DefaultFormat       string        `mapstructure:"default_format"`
}

// Persona is a named preset system prompt
type Persona struct {
	Key    string `mapstructure:"key"`
	Title  string `mapstructure:"title"`
	Prompt string `mapstructure:"prompt"`
}

type FormattingConfig struct {
	MaxMessageLength int           `mapstructure:"max_message_length"`
	AdPatterns       []string      `mapstructure:"ad_patterns"`
	PartDelay        time.Duration `mapstructure:"part_delay"`
	ErrorMaxLength   int           `mapstructure:"error_max_length"`
}

type ImagineConfig struct {
	Sizes          []SizePreset  `mapstructure:"sizes"`
	Styles         []StylePreset `mapstructure:"styles"`
	MinDimension   int           `mapstructure:"min_dimension"`
	MaxDimension   int           `mapstructure:"max_dimension"`
	RegenerateMax  int           `mapstructure:"regenerate_max"`
	AnalysisPrompt string        `mapstructure:"analysis_prompt"`
}

// SizePreset is a named image size
type SizePreset struct {
	Key    string `mapstructure:"key"`
	Title  string `mapstructure:"title"`
	Width  int    `mapstructure:"width"`
	Height int    `mapstructure:"height"`
}

// StylePreset is a named prompt suffix
type StylePreset struct {
	Key    string `mapstructure:"key"`
	Title  string `mapstructure:"title"`
	Suffix string `mapstructure:"suffix"`
}

type SecurityConfig struct {
	MaxInputLength    int      `mapstructure:"max_input_length"`
	MaxPromptLength   int      `mapstructure:"max_prompt_length"`
	DangerousPatterns []string `mapstructure:"dangerous_patterns"`
}

type CacheConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	TTL     time.Duration `mapstructure:"ttl"`
	MaxSize int           `mapstructure:"max_size"`
}

type LoggingConfig struct {
	Level  string     `mapstructure:"level"`
	Format string     `mapstructure:"format"`
	Output string     `mapstructure:"output"`
	File   FileConfig `mapstructure:"file"`
}

type FileConfig struct {
	Path       string `mapstructure:"path"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
}

type MonitoringConfig struct {
	Metrics MetricsConfig `mapstructure:"metrics"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port"`
	Path    string `mapstructure:"path"`
}

type I18nConfig struct {
	DefaultLanguage string   `mapstructure:"default_language"`
	Languages       []string `mapstructure:"languages"`
	Directory       string   `mapstructure:"directory"`
}

// LoadConfig loads configuration from an optional YAML file and environment variables
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigType("yaml")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			v.SetConfigFile(configPath)
			if err := v.ReadInConfig(); err != nil {
				return nil, errs.Wrap(errs.KindConfig, "read config", err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, errs.Wrap(errs.KindConfig, "stat config", err)
		}
	}

	// Flat variable names used by existing deployments
	v.BindEnv("bot.token", "TELEGRAM_BOT_TOKEN", "BOT_TOKEN")
	v.BindEnv("gateway.token", "POLLINATIONS_TOKEN")
	v.BindEnv("context.limit", "CONTEXT_LIMIT")
	v.BindEnv("media.max_voice_size_mb", "MAX_VOICE_SIZE_MB")
	v.BindEnv("media.max_image_size_mb", "MAX_IMAGE_SIZE_MB")
	v.BindEnv("gateway.timeout", "API_TIMEOUT")
	v.BindEnv("rate_limit.min_request_interval", "MIN_REQUEST_INTERVAL")
	v.BindEnv("rate_limit.requests_per_minute", "MAX_REQUESTS_PER_MINUTE")
	v.BindEnv("logging.level", "LOG_LEVEL")
	v.BindEnv("context.auto_analyze_images", "AUTO_ANALYZE_GENERATED_IMAGES")

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, errs.Wrap(errs.KindConfig, "unmarshal config", err)
	}

	if err := validateConfig(&config); err != nil {
		return nil, errs.Wrap(errs.KindConfig, "validate config", err)
	}

	return &config, nil
}

func validateConfig(cfg *Config) error {
	if len(strings.TrimSpace(cfg.Bot.Token)) < 10 {
		return fmt.Errorf("telegram bot token is missing or too short")
	}
	if len(strings.TrimSpace(cfg.Gateway.Token)) < 10 {
		return fmt.Errorf("pollinations token is missing or too short")
	}
	if err := intRange("context limit", cfg.Context.Limit, 1, 100); err != nil {
		return err
	}
	if err := intRange("max voice size", cfg.Media.MaxVoiceSizeMB, 1, 200); err != nil {
		return err
	}
	if err := intRange("max image size", cfg.Media.MaxImageSizeMB, 1, 50); err != nil {
		return err
	}
	if err := intRange("api timeout", cfg.Gateway.Timeout, 10, 300); err != nil {
		return err
	}
	if cfg.RateLimit.MinRequestInterval < 0.1 || cfg.RateLimit.MinRequestInterval > 10 {
		return fmt.Errorf("min request interval must be within [0.1, 10], got %v", cfg.RateLimit.MinRequestInterval)
	}
	if err := intRange("max requests per minute", cfg.RateLimit.RequestsPerMinute, 1, 100); err != nil {
		return err
	}
	if err := intRange("max message length", cfg.Formatting.MaxMessageLength, 100, 4096); err != nil {
		return err
	}
	if _, err := logrus.ParseLevel(cfg.Logging.Level); err != nil {
		return fmt.Errorf("invalid log level %q", cfg.Logging.Level)
	}
	if cfg.Gateway.TrimPayloadChars > cfg.Gateway.MaxPayloadChars {
		return fmt.Errorf("trim payload size %d exceeds max payload size %d",
			cfg.Gateway.TrimPayloadChars, cfg.Gateway.MaxPayloadChars)
	}
	seen := make(map[string]bool)
	for _, p := range cfg.Context.Personas {
		if p.Key == "" || p.Prompt == "" {
			return fmt.Errorf("persona entries need both key and prompt")
		}
		if seen[p.Key] {
			return fmt.Errorf("duplicate persona %q", p.Key)
		}
		seen[p.Key] = true
	}
	return nil
}

func intRange(name string, value, lo, hi int) error {
	if value < lo || value > hi {
		return fmt.Errorf("%s must be within [%d, %d], got %d", name, lo, hi, value)
	}
	return nil
}
