package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/samber/oops"
	"gopkg.in/yaml.v3"
)

const DefaultPath = "config.yaml"

type Config struct {
	Log       Log       `yaml:"log"`
	Owner     Owner     `yaml:"owner"`
	Reasoning Reasoning `yaml:"reasoning"`
	Reply     Reply     `yaml:"reply"`
	Session   Session   `yaml:"session"`
	Learning  Learning  `yaml:"learning"`
	Storage   Storage   `yaml:"storage"`
	HTTP      HTTP      `yaml:"http"`
	Telegram  Telegram  `yaml:"telegram"`
	Digest    Digest    `yaml:"digest"`
}

type Owner struct {
	// Name the assistant uses for its owner in prompts
	Name string `yaml:"name" example:"Alex" validate:"required"`
	// Free-form description of what the owner does, used by the receptionist
	Profile string `yaml:"profile" example:"Backend engineer at TechCorp, works on the billing platform"`
	// Chat that receives digests and completion notifications
	ChatID int64 `yaml:"chat_id" example:"123456789"`
}

type Reasoning struct {
	// Backend provider: openai (any OpenAI-compatible API) or gemini
	Provider string `yaml:"provider" example:"gemini" validate:"oneof=openai gemini"`
	// OpenAI base url, ignored for gemini
	BaseURL string `yaml:"base_url" example:"https://openrouter.ai/api/v1"`
	// API token
	Token string `yaml:"token" example:"sk-proj-abc123456789DEF789ghi012JKL345mno678PQR901stu234VWX" validate:"required"`
	// Model name
	Model string `yaml:"model" example:"gemini-2.5-flash" validate:"required"`
	// Timeout of a single remote call
	Timeout time.Duration `yaml:"timeout" example:"30s" validate:"gt=0"`
	// Maximum number of remote calls in flight
	MaxConcurrent int `yaml:"max_concurrent" example:"4" validate:"gt=0"`
	// Path of the analysis prompt template
	PromptPath string `yaml:"prompt_path" example:"prompts/system_prompt.txt"`
}

type Reply struct {
	// Send autonomous replies while the owner is away
	AutoReply bool `yaml:"auto_reply" example:"true"`
	// First working hour (inclusive), 9 when unset
	WorkingHoursStart *int `yaml:"working_hours_start" example:"9" validate:"required,gte=0,lte=23"`
	// Last working hour (exclusive), 18 when unset. Equal to start means no working hours
	WorkingHoursEnd *int `yaml:"working_hours_end" example:"18" validate:"required,gte=0,lte=24"`
	// IANA time zone of the owner
	Timezone string `yaml:"timezone" example:"Europe/Berlin"`
}

type Session struct {
	// Inactivity window after which a receptionist session expires
	Timeout time.Duration `yaml:"timeout" example:"10m" validate:"gt=0"`
	// Agent replies per session before it is summarized
	MaxTurns int `yaml:"max_turns" example:"10" validate:"gt=0"`
}

type Learning struct {
	// Checkpoint file of the learning pipeline
	StatePath string `yaml:"state_path" example:"data/learning_state.json" validate:"required"`
	// Audit entries digested per cycle
	BatchSize int `yaml:"batch_size" example:"200" validate:"gt=0"`
	// Pause between cycles
	Interval time.Duration `yaml:"interval" example:"6h" validate:"gt=0"`
	// Delay before the first cycle
	StartupDelay time.Duration `yaml:"startup_delay" example:"30s" validate:"gte=0"`
	// Pause after a failed cycle
	RecoveryDelay time.Duration `yaml:"recovery_delay" example:"10m" validate:"gt=0"`
}

type Storage struct {
	// Knowledge store backend: file or sqlite
	MemoryDriver string `yaml:"memory_driver" example:"sqlite" validate:"oneof=file sqlite"`
	// JSON lines file used by the file backend
	MemoryPath string `yaml:"memory_path" example:"data/memory.jsonl"`
	// SQLite database with tasks, audit log and (optionally) memories
	DBPath string `yaml:"db_path" example:"data/cortex.db" validate:"required"`
}

type HTTP struct {
	// Listen address of the ingress API
	Listen string `yaml:"listen" example:"127.0.0.1:8000" validate:"required"`
}

type Telegram struct {
	// Bot token used to send replies, log-only when empty
	Token string `yaml:"token" example:"1234567890:ABCdefGHIjklMNopQRstUVwxyZ-123456789"`
	// Disable outgoing messages
	DisableNotifications bool `yaml:"disable_notifications" example:"false"`
}

type Digest struct {
	// Summarize group discussions periodically
	Enabled bool `yaml:"enabled" example:"true"`
	// Digest period
	Interval time.Duration `yaml:"interval" example:"24h" validate:"gt=0"`
}

type Log struct {
	// Debug enables debug level on the console
	Debug bool `yaml:"debug" example:"false"`
	// Append JSON logs to this file as well
	File string `yaml:"file" example:"data/cortex.log"`
	// Telegram logging config
	Telegram TelegramLog `yaml:"telegram"`
}

type TelegramLog struct {
	// Chat bot token, obtain it via BotFather
	Token string `yaml:"token" example:"1234567890:ABCdefGHIjklMNopQRstUVwxyZ-123456789"`
	// Chat ID to send messages to
	ChatID string `yaml:"chat_id" example:"1001234567890"`
}

func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, oops.Errorf("failed to load .env file: %w", err)
	}

	var result Config

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, oops.Errorf("failed to read config file: %w", err)
	}

	if err = yaml.Unmarshal(data, &result); err != nil {
		return nil, oops.Errorf("failed to parse YAML config: %w", err)
	}

	if err = result.applyEnv(); err != nil {
		return nil, err
	}

	result.applyDefaults()

	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(result); err != nil {
		return nil, oops.Errorf("failed to validate config: %w", err)
	}

	if result.Reply.Timezone != "" {
		if _, err := time.LoadLocation(result.Reply.Timezone); err != nil {
			return nil, oops.Errorf("invalid reply.timezone: %w", err)
		}
	}

	return &result, nil
}

// Location returns the owner's time zone, local time when unset.
func (c *Config) Location() *time.Location {
	if c.Reply.Timezone == "" {
		return time.Local
	}

	loc, err := time.LoadLocation(c.Reply.Timezone)
	if err != nil {
		return time.Local
	}

	return loc
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("CORTEX_REASONING_TOKEN"); v != "" {
		c.Reasoning.Token = v
	}
	if v := os.Getenv("CORTEX_TELEGRAM_TOKEN"); v != "" {
		c.Telegram.Token = v
	}
	if v := os.Getenv("CORTEX_LOG_TELEGRAM_TOKEN"); v != "" {
		c.Log.Telegram.Token = v
	}
	if v := os.Getenv("CORTEX_LOG_TELEGRAM_CHAT_ID"); v != "" {
		c.Log.Telegram.ChatID = v
	}
	if v := os.Getenv("CORTEX_AUTO_REPLY"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return oops.Errorf("invalid CORTEX_AUTO_REPLY: %w", err)
		}
		c.Reply.AutoReply = enabled
	}

	return nil
}

func (c *Config) applyDefaults() {
	if c.Reasoning.Provider == "" {
		c.Reasoning.Provider = "gemini"
	}
	if c.Reasoning.Timeout == 0 {
		c.Reasoning.Timeout = 30 * time.Second
	}
	if c.Reasoning.MaxConcurrent == 0 {
		c.Reasoning.MaxConcurrent = 4
	}
	if c.Reasoning.PromptPath == "" {
		c.Reasoning.PromptPath = "prompts/system_prompt.txt"
	}
	if c.Reply.WorkingHoursStart == nil {
		start := 9
		c.Reply.WorkingHoursStart = &start
	}
	if c.Reply.WorkingHoursEnd == nil {
		end := 18
		c.Reply.WorkingHoursEnd = &end
	}
	if c.Session.Timeout == 0 {
		c.Session.Timeout = 10 * time.Minute
	}
	if c.Session.MaxTurns == 0 {
		c.Session.MaxTurns = 10
	}
	if c.Learning.StatePath == "" {
		c.Learning.StatePath = "data/learning_state.json"
	}
	if c.Learning.BatchSize == 0 {
		c.Learning.BatchSize = 200
	}
	if c.Learning.Interval == 0 {
		c.Learning.Interval = 6 * time.Hour
	}
	if c.Learning.StartupDelay == 0 {
		c.Learning.StartupDelay = 30 * time.Second
	}
	if c.Learning.RecoveryDelay == 0 {
		c.Learning.RecoveryDelay = 10 * time.Minute
	}
	if c.Storage.MemoryDriver == "" {
		c.Storage.MemoryDriver = "sqlite"
	}
	if c.Storage.MemoryPath == "" {
		c.Storage.MemoryPath = "data/memory.jsonl"
	}
	if c.Storage.DBPath == "" {
		c.Storage.DBPath = "data/cortex.db"
	}
	if c.HTTP.Listen == "" {
		c.HTTP.Listen = "127.0.0.1:8000"
	}
	if c.Digest.Interval == 0 {
		c.Digest.Interval = 24 * time.Hour
	}
}
