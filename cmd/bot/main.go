package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/joho/godotenv"

	"github.com/discord-voice-bridge/internal/agent"
	"github.com/discord-voice-bridge/internal/audio"
	"github.com/discord-voice-bridge/internal/chat"
	"github.com/discord-voice-bridge/internal/config"
	"github.com/discord-voice-bridge/internal/logging"
	"github.com/discord-voice-bridge/internal/mcp"
	"github.com/discord-voice-bridge/internal/retry"
	"github.com/discord-voice-bridge/internal/session"
	"github.com/discord-voice-bridge/internal/stt"
	"github.com/discord-voice-bridge/internal/tts"
)

// voiceLink ties together everything created for one guild's voice channel:
// the connection, the capture pipeline, and the receive loop's stop signal.
type voiceLink struct {
	vc      *discordgo.VoiceConnection
	capture *audio.Capture
	done    chan struct{}
}

// bot is the composition root: every dependency is built once in main and
// injected here, nothing is looked up through globals.
type bot struct {
	cfg    *config.Config
	dg     *discordgo.Session
	stt    *stt.Client
	tts    *tts.Client
	chat   *chat.Client
	stream *agent.StreamClient
	bridge *mcp.Bridge
	gw     *retry.Gateway
	queue  *retry.Queue

	sessions *session.Manager

	mu    sync.Mutex
	links map[string]*voiceLink
}

func main() {
	_ = godotenv.Load()

	sugar := logging.Init()
	cfg, err := config.Load()
	if err != nil {
		sugar.Fatalf("config load failed: %v", err)
	}
	if cfg.DiscordToken == "" {
		sugar.Fatal("DISCORD_BOT_TOKEN required")
	}

	dg, err := discordgo.New("Bot " + cfg.DiscordToken)
	if err != nil {
		sugar.Fatalf("discordgo.New: %v", err)
	}
	dg.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildVoiceStates |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentMessageContent

	b := &bot{
		cfg:      cfg,
		dg:       dg,
		stt:      stt.NewClient(cfg.STTURL, cfg.AuthToken, cfg.Language, cfg.STTTimeoutMs),
		tts:      tts.NewClient(cfg.TTSURL, cfg.AuthToken, cfg.TTSVoice, cfg.TTSSpeed, cfg.TTSTimeoutMs),
		chat:     chat.NewClient(cfg.ChatURL, cfg.AuthToken, cfg.ChatTimeoutMs),
		gw:       retry.NewGateway(cfg.RetryEnabled, cfg.MaxRetries),
		queue:    retry.NewQueue(64),
		sessions: session.NewManager(),
		links:    make(map[string]*voiceLink),
	}
	if cfg.AgentStreamURL != "" {
		b.stream = agent.NewStreamClient(cfg.AgentStreamURL, cfg.AuthToken, cfg.AgentID)
	}
	if cfg.MCPServerURL != "" {
		b.bridge = mcp.NewBridge("discord-voice-bridge", "0.1.0")
		connectCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		if err := b.bridge.Connect(connectCtx, cfg.MCPServerURL); err != nil {
			sugar.Warnf("mcp connect failed, tool execution disabled: %v", err)
			b.bridge = nil
		}
		cancel()
	}

	queueCtx, stopQueue := context.WithCancel(context.Background())
	go b.queue.Run(queueCtx)

	dg.AddHandler(func(s *discordgo.Session, r *discordgo.Ready) {
		logging.Infow("discord ready", logging.UserFields(r.User.ID, r.User.Username)...)
	})
	dg.AddHandler(b.onMessageCreate)
	dg.AddHandler(func(s *discordgo.Session, vs *discordgo.VoiceStateUpdate) {
		b.onVoiceState(vs)
	})

	if err := dg.Open(); err != nil {
		sugar.Fatalf("discord session open failed: %v", err)
	}
	logging.Infow("discord session opened", "intents", dg.Identify.Intents)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	logging.Infow("shutdown signal received")

	stopQueue()
	b.queue.Close()
	b.sessions.StopAll()
	b.closeAllLinks()
	if b.bridge != nil {
		if err := b.bridge.Close(); err != nil {
			sugar.Warnf("mcp close error: %v", err)
		}
	}
	if err := dg.Close(); err != nil {
		sugar.Warnf("discord session close error: %v", err)
	}
	_ = logging.Sync()
}

// onVoiceState tears the guild's session down if the bot itself was moved
// out of the channel.
func (b *bot) onVoiceState(vs *discordgo.VoiceStateUpdate) {
	if b.dg.State.User == nil || vs.UserID != b.dg.State.User.ID {
		return
	}
	if vs.ChannelID != "" {
		return
	}
	if b.sessions.Get(vs.GuildID) == nil {
		return
	}
	logging.Infow("bot removed from voice channel, tearing down", logging.GuildFields(vs.GuildID)...)
	b.sessions.Remove(vs.GuildID)
	b.closeLink(vs.GuildID, false)
}

func (b *bot) closeLink(guildID string, disconnect bool) {
	b.mu.Lock()
	link := b.links[guildID]
	delete(b.links, guildID)
	b.mu.Unlock()
	if link == nil {
		return
	}
	close(link.done)
	_ = link.capture.Close()
	if disconnect {
		if err := link.vc.Disconnect(); err != nil {
			logging.Warnw("voice disconnect error", "guild.id", guildID, "err", err)
		}
	}
}

func (b *bot) closeAllLinks() {
	b.mu.Lock()
	ids := make([]string, 0, len(b.links))
	for id := range b.links {
		ids = append(ids, id)
	}
	b.mu.Unlock()
	for _, id := range ids {
		b.closeLink(id, true)
	}
}
