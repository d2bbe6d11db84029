package config

import (
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/samber/oops"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Log      Log      `yaml:"log"`
	Bot      Bot      `yaml:"bot"`
	OpenAI   OpenAI   `yaml:"openai"`
	WhatsApp WhatsApp `yaml:"whatsapp"`
	Store    Store    `yaml:"store"`
}

// Bot controls message batching and human-paced reply delivery.
type Bot struct {
	// Display name of the bot, used as the sender of archived replies
	Name string `yaml:"name" example:"agentle"`
	// Reading speed used for the read-delay estimate, words per minute
	ReadingSpeedWPM float64 `yaml:"reading_speed_wpm" example:"220"`
	// Typing speed used for the typing-delay estimate, characters per second
	TypingSpeedCPS float64 `yaml:"typing_speed_cps" example:"6.5"`
	// Lower bound of the random jitter added to every reply
	JitterMinSeconds float64 `yaml:"jitter_min_seconds" example:"0.4"`
	// Upper bound of the random jitter added to every reply
	JitterMaxSeconds float64 `yaml:"jitter_max_seconds" example:"1.8" validate:"gtefield=JitterMinSeconds"`
	// Minimum value the read and typing delays are floored at
	DelayFloorSeconds float64 `yaml:"delay_floor_seconds" example:"0.8"`
	// Maximum value the read and typing delays are capped at
	DelayCapSeconds float64 `yaml:"delay_cap_seconds" example:"45" validate:"gtefield=DelayFloorSeconds"`
	// Quiet period after the last inbound message before a batch closes
	BatchWindowSeconds float64 `yaml:"batch_window_seconds" example:"10"`
	// Number of buffered messages that closes a batch immediately
	BatchMessageLimit int `yaml:"batch_message_limit" example:"10"`
	// Minutes of inactivity before per-conversation state is evicted
	SessionTTLMinutes float64 `yaml:"session_ttl_minutes" example:"30"`
	// Ceiling on concurrently tracked conversations
	MaxConversations int `yaml:"max_conversations" example:"512"`
	// Timeout of a single reply-generation call
	GenerationTimeoutSeconds float64 `yaml:"generation_timeout_seconds" example:"30"`
	// Retries after a failed generation or send
	MaxRetryAttempts int `yaml:"max_retry_attempts" example:"3"`
	// Initial delay between retry attempts, doubled per attempt
	RetryDelaySeconds float64 `yaml:"retry_delay_seconds" example:"1"`
	// Hard cap on outbound message length
	MaxMessageLength int `yaml:"max_message_length" example:"4096"`
	// Do not emit typing indicators while the reply delay runs
	DisableTypingIndicator bool `yaml:"disable_typing_indicator" example:"false"`
	// Message sent once on first contact with a conversation, optional
	WelcomeMessage string `yaml:"welcome_message"`
	// Fallback sent to the user when reply generation exhausts its retries
	ErrorMessage string `yaml:"error_message"`
	// Messages per minute a sender may submit before cooldown kicks in
	MaxMessagesPerMinute int `yaml:"max_messages_per_minute" example:"20"`
	// Cooldown applied after the per-minute ceiling is exceeded
	RateLimitCooldownSeconds float64 `yaml:"rate_limit_cooldown_seconds" example:"60"`
}

func (b Bot) JitterMin() time.Duration  { return seconds(b.JitterMinSeconds) }
func (b Bot) JitterMax() time.Duration  { return seconds(b.JitterMaxSeconds) }
func (b Bot) DelayFloor() time.Duration { return seconds(b.DelayFloorSeconds) }
func (b Bot) DelayCap() time.Duration   { return seconds(b.DelayCapSeconds) }

func (b Bot) BatchWindow() time.Duration {
	return seconds(b.BatchWindowSeconds)
}

func (b Bot) SessionTTL() time.Duration {
	return time.Duration(b.SessionTTLMinutes * float64(time.Minute))
}

func (b Bot) GenerationTimeout() time.Duration {
	return seconds(b.GenerationTimeoutSeconds)
}

func (b Bot) RetryDelay() time.Duration {
	return seconds(b.RetryDelaySeconds)
}

func (b Bot) RateLimitCooldown() time.Duration {
	return seconds(b.RateLimitCooldownSeconds)
}

type OpenAI struct {
	Reply ModelConfig `yaml:"reply" validate:"required"`
	// Optional MCP tool servers exposed to the reply agent
	MCPServers []MCPServer `yaml:"mcp_servers"`
}

type ModelConfig struct {
	// OpenAI base url
	BaseURL string `yaml:"base_url" example:"https://openrouter.ai/api/v1" validate:"required"`
	// OpenAI token
	Token string `yaml:"token" example:"sk-proj-abc123456789DEF789ghi012JKL345mno678PQR901stu234VWX" validate:"required"`
	// OpenAI model
	Model string `yaml:"model" example:"deepseek/deepseek-chat-v3-0324:free" validate:"required"`
}

type MCPServer struct {
	Name    string   `yaml:"name" validate:"required"`
	Command string   `yaml:"command" validate:"required"`
	Args    []string `yaml:"args"`
}

type WhatsApp struct {
	// REST base url of the gateway that owns the WhatsApp session
	BaseURL string `yaml:"base_url" example:"http://localhost:8085" validate:"required"`
	// Bearer token of the gateway API
	Token string `yaml:"token"`
	// Websocket url of the gateway event stream, optional
	EventStreamURL string `yaml:"event_stream_url" example:"ws://localhost:8085/events"`
	// Listen address of the inbound webhook server, optional
	WebhookAddr string `yaml:"webhook_addr" example:":8086"`
}

type Store struct {
	// Path of the sqlite conversation archive
	Path string `yaml:"path" example:"data/agentle.db"`
	// Archived messages kept per conversation, oldest pruned first
	MessageLimit int `yaml:"message_limit" example:"200"`
}

type Log struct {
	// Telegram logging config
	Telegram TelegramLog `yaml:"telegram"`
}

type TelegramLog struct {
	// Chat bot token, obtain it via BotFather
	Token string `yaml:"token" example:"1234567890:ABCdefGHIjklMNopQRstUVwxyZ-123456789"`
	// Chat ID to send messages to
	ChatID string `yaml:"chat_id" example:"1001234567890"`
}

func Load() (*Config, error) {
	return LoadPath("config.yaml")
}

func LoadPath(path string) (*Config, error) {
	var result Config

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, oops.Errorf("failed to read config file: %w", err)
	}

	if err = yaml.Unmarshal(data, &result); err != nil {
		return nil, oops.Errorf("failed to parse YAML config: %w", err)
	}

	result.Bot.applyDefaults()

	if result.Store.Path == "" {
		result.Store.Path = "data/agentle.db"
	}
	if result.Store.MessageLimit == 0 {
		result.Store.MessageLimit = 200
	}

	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(result); err != nil {
		return nil, oops.Errorf("failed to validate config: %w", err)
	}

	return &result, nil
}

func (b *Bot) applyDefaults() {
	if b.Name == "" {
		b.Name = "agentle"
	}
	if b.ReadingSpeedWPM == 0 {
		b.ReadingSpeedWPM = 220
	}
	if b.TypingSpeedCPS == 0 {
		b.TypingSpeedCPS = 6.5
	}
	if b.JitterMinSeconds == 0 {
		b.JitterMinSeconds = 0.4
	}
	if b.JitterMaxSeconds == 0 {
		b.JitterMaxSeconds = 1.8
	}
	if b.DelayFloorSeconds == 0 {
		b.DelayFloorSeconds = 0.8
	}
	if b.DelayCapSeconds == 0 {
		b.DelayCapSeconds = 45
	}
	if b.BatchWindowSeconds == 0 {
		b.BatchWindowSeconds = 10
	}
	if b.BatchMessageLimit == 0 {
		b.BatchMessageLimit = 10
	}
	if b.SessionTTLMinutes == 0 {
		b.SessionTTLMinutes = 30
	}
	if b.MaxConversations == 0 {
		b.MaxConversations = 512
	}
	if b.GenerationTimeoutSeconds == 0 {
		b.GenerationTimeoutSeconds = 30
	}
	if b.MaxRetryAttempts == 0 {
		b.MaxRetryAttempts = 3
	}
	if b.RetryDelaySeconds == 0 {
		b.RetryDelaySeconds = 1
	}
	if b.MaxMessageLength == 0 {
		b.MaxMessageLength = 4096
	}
	if b.ErrorMessage == "" {
		b.ErrorMessage = "Sorry, I encountered an error processing your message. Please try again."
	}
	if b.MaxMessagesPerMinute == 0 {
		b.MaxMessagesPerMinute = 20
	}
	if b.RateLimitCooldownSeconds == 0 {
		b.RateLimitCooldownSeconds = 60
	}
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}
