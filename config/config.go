// Package config loads environment variables (and an optional YAML file) into
// the typed Config used across the relay. Defaults let the binary run with only
// signal-cli, yt-dlp, ffmpeg and opencode on PATH.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Queue policies applied when every analysis slot is busy.
const (
	PolicyQueue  = "queue"
	PolicyReject = "reject"
)

// DefaultPrompt asks the analyzer for the summary sent back to the chat.
const DefaultPrompt = "You are a video analyzer. " +
	"The current directory contains a video processed into: " +
	"- 'frames/' directory containing extracted frames (frame_001.jpg, etc) " +
	"- 'subs/' directory containing subtitle files (if available) " +
	"Analyze the content based on these files. " +
	"1. Summarize what happens in the video. " +
	"2. Identify any text or captions visible. " +
	"3. Rate the 'Brainrot Level' (1-10). " +
	"4. Summarize the sentiment/opinions expressed. " +
	"Keep your response concise and conversational."

type Config struct {
	// Transport
	SignalCLIPath string   `yaml:"signal_cli_path" validate:"required"`
	SignalAccount string   `yaml:"signal_account"`
	SignalArgs    []string `yaml:"signal_args"`

	// Relay engine
	ReplyQueueSize        int           `yaml:"reply_queue_size" validate:"gt=0"`
	MaxReplyChars         int           `yaml:"max_reply_chars" validate:"gt=0"`
	MaxConcurrentAnalyses int           `yaml:"max_concurrent_analyses" validate:"gt=0"`
	MaxInflightPerSource  int           `yaml:"max_inflight_per_source" validate:"gte=0"`
	QueuePolicy           string        `yaml:"queue_policy" validate:"oneof=queue reject"`
	AnalysisTimeout       time.Duration `yaml:"analysis_timeout" validate:"gt=0"`

	// Working directories
	WorkDir      string `yaml:"work_dir"`
	KeepWorkDirs bool   `yaml:"keep_work_dirs"`

	// Pipeline tools
	YTDLPPath           string        `yaml:"ytdlp_path"`
	SubLang             string        `yaml:"sub_lang"`
	DownloadMaxAttempts int           `yaml:"download_max_attempts" validate:"gt=0"`
	DownloadBackoffBase time.Duration `yaml:"download_backoff_base"`
	FFmpegPath          string        `yaml:"ffmpeg_path"`
	FrameRate           string        `yaml:"frame_rate"`
	WhisperEnabled      bool          `yaml:"whisper_enabled"`
	WhisperPath         string        `yaml:"whisper_path"`
	WhisperModel        string        `yaml:"whisper_model"`
	OpencodePath        string        `yaml:"opencode_path"`
	OpencodeModel       string        `yaml:"opencode_model"`
	Prompt              string        `yaml:"prompt"`

	// History database (optional)
	DBDsn            string `yaml:"db_dsn"`
	HistorySourceKey string `yaml:"history_source_key"`

	// Retention job
	RetentionKeepDays  int           `yaml:"retention_keep_days" validate:"gte=0"`
	RetentionKeepCount int           `yaml:"retention_keep_count" validate:"gte=0"`
	RetentionDryRun    bool          `yaml:"retention_dry_run"`
	RetentionInterval  time.Duration `yaml:"retention_interval" validate:"gt=0"`
	WorkDirMaxAge      time.Duration `yaml:"work_dir_max_age" validate:"gt=0"`

	// HTTP (empty address disables the server)
	HTTPAddr      string `yaml:"http_addr"`
	AdminToken    string `yaml:"admin_token"`
	AdminUsername string `yaml:"admin_username"`
	AdminPassword string `yaml:"admin_password"`
	// Honor X-Forwarded-For / X-Real-IP; only behind a reverse proxy.
	TrustProxyHeaders bool `yaml:"trust_proxy_headers"`
}

// Defaults returns the configuration used when nothing is set.
func Defaults() *Config {
	return &Config{
		SignalCLIPath:         "signal-cli",
		ReplyQueueSize:        32,
		MaxReplyChars:         3000,
		MaxConcurrentAnalyses: 2,
		MaxInflightPerSource:  3,
		QueuePolicy:           PolicyQueue,
		AnalysisTimeout:       10 * time.Minute,
		WorkDir:               filepath.Join(os.TempDir(), "reelrelay"),
		YTDLPPath:             "yt-dlp",
		SubLang:               "en",
		DownloadMaxAttempts:   3,
		DownloadBackoffBase:   2 * time.Second,
		FFmpegPath:            "ffmpeg",
		FrameRate:             "0.5",
		WhisperPath:           "whisper",
		WhisperModel:          "small",
		OpencodePath:          "opencode",
		OpencodeModel:         "opencode/gemini-3-pro",
		Prompt:                DefaultPrompt,
		RetentionInterval:     6 * time.Hour,
		WorkDirMaxAge:         24 * time.Hour,
		HTTPAddr:              ":8080",
	}
}

// Load applies defaults, then the YAML file named by RELAY_CONFIG (if any),
// then environment variables.
func Load() (*Config, error) {
	return LoadFile(os.Getenv("RELAY_CONFIG"))
}

// LoadFile is Load with an explicit config file path; an empty path skips the file.
func LoadFile(path string) (*Config, error) {
	cfg := Defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	str("SIGNAL_CLI_PATH", &c.SignalCLIPath)
	str("SIGNAL_ACCOUNT", &c.SignalAccount)
	if v := os.Getenv("SIGNAL_CLI_ARGS"); v != "" {
		c.SignalArgs = strings.Fields(v)
	}
	str("ANALYSIS_QUEUE_POLICY", &c.QueuePolicy)
	str("WORK_DIR", &c.WorkDir)
	str("YTDLP_PATH", &c.YTDLPPath)
	str("SUB_LANG", &c.SubLang)
	str("FFMPEG_PATH", &c.FFmpegPath)
	str("FRAME_RATE", &c.FrameRate)
	str("WHISPER_PATH", &c.WhisperPath)
	str("WHISPER_MODEL", &c.WhisperModel)
	str("OPENCODE_PATH", &c.OpencodePath)
	str("OPENCODE_MODEL", &c.OpencodeModel)
	str("ANALYSIS_PROMPT", &c.Prompt)
	str("DB_DSN", &c.DBDsn)
	str("HISTORY_SOURCE_KEY", &c.HistorySourceKey)
	str("ADMIN_TOKEN", &c.AdminToken)
	str("ADMIN_USERNAME", &c.AdminUsername)
	str("ADMIN_PASSWORD", &c.AdminPassword)
	// HTTP_ADDR may be set to "off" to disable the server.
	if v, ok := os.LookupEnv("HTTP_ADDR"); ok && v != "" {
		c.HTTPAddr = v
		if strings.EqualFold(v, "off") {
			c.HTTPAddr = ""
		}
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"REPLY_QUEUE_SIZE", &c.ReplyQueueSize},
		{"MAX_REPLY_CHARS", &c.MaxReplyChars},
		{"MAX_CONCURRENT_ANALYSES", &c.MaxConcurrentAnalyses},
		{"MAX_INFLIGHT_PER_SOURCE", &c.MaxInflightPerSource},
		{"DOWNLOAD_MAX_ATTEMPTS", &c.DownloadMaxAttempts},
		{"RETENTION_KEEP_DAYS", &c.RetentionKeepDays},
		{"RETENTION_KEEP_COUNT", &c.RetentionKeepCount},
	}
	for _, it := range ints {
		if v := os.Getenv(it.key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", it.key, err)
			}
			*it.dst = n
		}
	}

	durs := []struct {
		key string
		dst *time.Duration
	}{
		{"ANALYSIS_TIMEOUT", &c.AnalysisTimeout},
		{"DOWNLOAD_BACKOFF_BASE", &c.DownloadBackoffBase},
		{"RETENTION_INTERVAL", &c.RetentionInterval},
		{"WORK_DIR_MAX_AGE", &c.WorkDirMaxAge},
	}
	for _, it := range durs {
		if v := os.Getenv(it.key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", it.key, err)
			}
			*it.dst = d
		}
	}

	bools := []struct {
		key string
		dst *bool
	}{
		{"KEEP_WORK_DIRS", &c.KeepWorkDirs},
		{"WHISPER_ENABLED", &c.WhisperEnabled},
		{"RETENTION_DRY_RUN", &c.RetentionDryRun},
		{"TRUST_PROXY_HEADERS", &c.TrustProxyHeaders},
	}
	for _, it := range bools {
		if v := os.Getenv(it.key); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", it.key, err)
			}
			*it.dst = b
		}
	}
	return nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report fields by their config-file names.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	return v
}

// Validate checks limits and enumerations.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validate config: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, fmt.Sprintf("%s is required", fe.Field()))
		case "oneof":
			msgs = append(msgs, fmt.Sprintf("%s must be one of [%s], got %v", fe.Field(), fe.Param(), fe.Value()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s must be %s %s, got %v", fe.Field(), fe.Tag(), fe.Param(), fe.Value()))
		}
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

// SignalCLIArgs returns the argument list used to start the daemon.
func (c *Config) SignalCLIArgs() []string {
	if len(c.SignalArgs) > 0 {
		return c.SignalArgs
	}
	var args []string
	if c.SignalAccount != "" {
		args = append(args, "-a", c.SignalAccount)
	}
	return append(args, "--output=json", "jsonRpc")
}
