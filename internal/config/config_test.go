package config

import (
	"testing"
	"time"
)

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("DISCORD_BOT_TOKEN", "tok")
	t.Setenv("STT_URL", "http://stt.local/transcribe")
	t.Setenv("SILENCE_THRESHOLD_MS", "1200")
	t.Setenv("MIN_RECORDING_MS", "250")
	t.Setenv("RETRY_ENABLED", "false")
	t.Setenv("MAX_RETRIES", "3")
	t.Setenv("QUEUE_USER_TURNS", "true")
	t.Setenv("SHOW_REASONING", "true")
	t.Setenv("TTS_SPEED", "1.5")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DiscordToken != "tok" {
		t.Fatalf("DiscordToken = %q", cfg.DiscordToken)
	}
	if cfg.STTURL != "http://stt.local/transcribe" {
		t.Fatalf("STTURL = %q", cfg.STTURL)
	}
	if cfg.SilenceThreshold() != 1200*time.Millisecond {
		t.Fatalf("SilenceThreshold = %v", cfg.SilenceThreshold())
	}
	if cfg.MinRecording() != 250*time.Millisecond {
		t.Fatalf("MinRecording = %v", cfg.MinRecording())
	}
	if cfg.RetryEnabled {
		t.Fatal("RetryEnabled should be overridden to false")
	}
	if cfg.MaxRetries != 3 {
		t.Fatalf("MaxRetries = %d", cfg.MaxRetries)
	}
	if !cfg.QueueUserTurns {
		t.Fatal("QueueUserTurns should be overridden to true")
	}
	if !cfg.ShowReasoning {
		t.Fatal("ShowReasoning should be overridden to true")
	}
	if cfg.TTSSpeed != 1.5 {
		t.Fatalf("TTSSpeed = %v", cfg.TTSSpeed)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("SILENCE_THRESHOLD_MS", "800")
	t.Setenv("MIN_RECORDING_MS", "500")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.SampleRate != 48000 || cfg.Channels != 2 {
		t.Fatalf("audio format defaults = %d/%d", cfg.SampleRate, cfg.Channels)
	}
	if cfg.STTTimeoutMs != 30000 || cfg.ChatTimeoutMs != 60000 {
		t.Fatalf("timeout defaults = %d/%d", cfg.STTTimeoutMs, cfg.ChatTimeoutMs)
	}
	if cfg.Language != "en" {
		t.Fatalf("Language = %q", cfg.Language)
	}
	if !cfg.VoiceEnabled {
		t.Fatal("voice should default to enabled")
	}
	if cfg.ShowReasoning {
		t.Fatal("ShowReasoning should default to off")
	}
	if cfg.PlaybackVolume != 1.0 {
		t.Fatalf("PlaybackVolume = %v", cfg.PlaybackVolume)
	}
}
