// Package config centralizes the environment-driven configuration surface.
// All options are read once at startup; components receive the resulting
// Config (or the slice of it they need) instead of consulting the
// environment themselves.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds every recognized option. Zero values are never used directly;
// Load applies defaults first.
type Config struct {
	DiscordToken string `mapstructure:"discord_bot_token"`

	// Backend endpoints.
	STTURL         string `mapstructure:"stt_url"`
	TTSURL         string `mapstructure:"tts_url"`
	ChatURL        string `mapstructure:"chat_url"`
	AgentStreamURL string `mapstructure:"agent_stream_url"`
	AgentID        string `mapstructure:"agent_id"`
	AuthToken      string `mapstructure:"backend_auth_token"`

	// Optional MCP tool server for executing routed tool invocations.
	MCPServerURL string `mapstructure:"mcp_server_url"`

	// Per-call timeouts in milliseconds.
	STTTimeoutMs  int `mapstructure:"stt_timeout_ms"`
	TTSTimeoutMs  int `mapstructure:"tts_timeout_ms"`
	ChatTimeoutMs int `mapstructure:"chat_timeout_ms"`

	// Capture tuning.
	SilenceThresholdMs int `mapstructure:"silence_threshold_ms"`
	MinRecordingMs     int `mapstructure:"min_recording_ms"`
	SampleRate         int `mapstructure:"sample_rate"`
	Channels           int `mapstructure:"channels"`

	// Retry policy.
	RetryEnabled bool `mapstructure:"retry_enabled"`
	MaxRetries   int  `mapstructure:"max_retries"`

	// Whether user-initiated turns share the outbound queue with system and
	// scheduled turns. Off by default: user turns are latency-sensitive.
	QueueUserTurns bool `mapstructure:"queue_user_turns"`

	// Tool routing restrictions.
	AllowedDMTarget string `mapstructure:"allowed_dm_target"`

	// Surface the agent's reasoning deltas in text replies.
	ShowReasoning bool `mapstructure:"show_reasoning"`

	// Feature flags and cosmetics.
	VoiceEnabled   bool    `mapstructure:"voice_enabled"`
	Language       string  `mapstructure:"language"`
	TTSVoice       string  `mapstructure:"tts_voice"`
	TTSSpeed       float64 `mapstructure:"tts_speed"`
	PlaybackVolume float64 `mapstructure:"playback_volume"`
}

// Load reads configuration from the environment. Callers that want .env
// support should run godotenv.Load before calling this.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("stt_timeout_ms", 30000)
	v.SetDefault("tts_timeout_ms", 30000)
	v.SetDefault("chat_timeout_ms", 60000)
	v.SetDefault("silence_threshold_ms", 800)
	v.SetDefault("min_recording_ms", 500)
	v.SetDefault("sample_rate", 48000)
	v.SetDefault("channels", 2)
	v.SetDefault("retry_enabled", true)
	v.SetDefault("max_retries", 1)
	v.SetDefault("queue_user_turns", false)
	v.SetDefault("voice_enabled", true)
	v.SetDefault("language", "en")
	v.SetDefault("tts_speed", 1.0)
	v.SetDefault("playback_volume", 1.0)

	// AutomaticEnv alone does not surface env vars through Unmarshal, so
	// bind the keys we care about explicitly.
	keys := []string{
		"discord_bot_token", "stt_url", "tts_url", "chat_url",
		"agent_stream_url", "agent_id", "backend_auth_token",
		"mcp_server_url", "stt_timeout_ms", "tts_timeout_ms",
		"chat_timeout_ms", "silence_threshold_ms", "min_recording_ms",
		"sample_rate", "channels", "retry_enabled", "max_retries",
		"queue_user_turns", "allowed_dm_target", "show_reasoning",
		"voice_enabled",
		"language", "tts_voice", "tts_speed", "playback_volume",
	}
	for _, k := range keys {
		_ = v.BindEnv(k, strings.ToUpper(k))
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// SilenceThreshold returns the configured endpointing silence as a Duration.
func (c *Config) SilenceThreshold() time.Duration {
	return time.Duration(c.SilenceThresholdMs) * time.Millisecond
}

// MinRecording returns the minimum utterance duration worth transcribing.
func (c *Config) MinRecording() time.Duration {
	return time.Duration(c.MinRecordingMs) * time.Millisecond
}
