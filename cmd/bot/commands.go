package main

import (
	"errors"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/discord-voice-bridge/internal/audio"
	"github.com/discord-voice-bridge/internal/logging"
	"github.com/discord-voice-bridge/internal/session"
)

const commandPrefix = "!voice"

// Typed rejections keep the user-facing strings in one place; raw backend
// errors never reach the channel.
var (
	errNotInVoiceChannel = errors.New("not in a voice channel")
	errNotConnected      = errors.New("not connected")
	errFeatureDisabled   = errors.New("feature disabled")
)

func (b *bot) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot {
		return
	}
	if s.State.User != nil && m.Author.ID == s.State.User.ID {
		return
	}

	content := strings.TrimSpace(m.Content)
	if strings.HasPrefix(content, commandPrefix) {
		b.handleCommand(m, strings.TrimSpace(strings.TrimPrefix(content, commandPrefix)))
		return
	}

	// Everything else goes to the agent when it is addressed to the bot:
	// direct messages always, guild messages only when the bot is mentioned.
	if b.stream == nil {
		return
	}
	if m.GuildID != "" && !mentionsUser(m, s.State.User) {
		return
	}
	b.dispatchAgentTurn(m, stripMention(content, s.State.User))
}

func mentionsUser(m *discordgo.MessageCreate, u *discordgo.User) bool {
	if u == nil {
		return false
	}
	for _, mention := range m.Mentions {
		if mention.ID == u.ID {
			return true
		}
	}
	return false
}

func stripMention(content string, u *discordgo.User) string {
	if u == nil {
		return content
	}
	content = strings.ReplaceAll(content, "<@"+u.ID+">", "")
	content = strings.ReplaceAll(content, "<@!"+u.ID+">", "")
	return strings.TrimSpace(content)
}

func (b *bot) handleCommand(m *discordgo.MessageCreate, args string) {
	var reply string
	var err error
	switch strings.ToLower(args) {
	case "join":
		err = b.joinVoice(m)
	case "leave":
		err = b.leaveVoice(m.GuildID)
		reply = "Left the voice channel."
	case "talk":
		var on bool
		on, err = b.toggleTalk(m.GuildID)
		if on {
			reply = "Talk mode on. I'm listening."
		} else {
			reply = "Talk mode off. I'll stay in the channel but stop listening."
		}
	case "mute":
		err = b.setMute(m.GuildID, true)
		reply = "Muted. I'll ignore voice until unmuted."
	case "unmute":
		err = b.setMute(m.GuildID, false)
		reply = "Unmuted and listening again."
	default:
		b.reply(m.ChannelID, "Commands: `!voice join`, `!voice leave`, `!voice talk`, `!voice mute`, `!voice unmute`.")
		return
	}
	if err != nil {
		b.reply(m.ChannelID, "Can't do that: "+err.Error()+".")
		return
	}
	if reply != "" {
		b.reply(m.ChannelID, reply)
	}
}

// toggleTalk flips continuous talk mode for the guild's session without
// leaving the voice channel. It reports whether the mode is now on.
func (b *bot) toggleTalk(guildID string) (bool, error) {
	sess := b.sessions.Get(guildID)
	if sess == nil {
		return false, errNotConnected
	}
	if sess.Active() {
		sess.Stop()
		return false, nil
	}
	sess.Start()
	return true, nil
}

// joinVoice connects to the caller's voice channel and stands up the full
// capture/playback session for the guild.
func (b *bot) joinVoice(m *discordgo.MessageCreate) error {
	if !b.cfg.VoiceEnabled {
		return errFeatureDisabled
	}
	if m.GuildID == "" {
		return errNotInVoiceChannel
	}
	vs, err := b.dg.State.VoiceState(m.GuildID, m.Author.ID)
	if err != nil || vs == nil || vs.ChannelID == "" {
		return errNotInVoiceChannel
	}

	vc, err := b.dg.ChannelVoiceJoin(m.GuildID, vs.ChannelID, false, false)
	if err != nil {
		logging.Errorw("voice join failed", "guild.id", m.GuildID, "channel.id", vs.ChannelID, "err", err)
		return errNotConnected
	}

	format := audio.Format{SampleRate: b.cfg.SampleRate, Channels: b.cfg.Channels, BitsPerSample: 16}
	capture, err := audio.NewCapture(format, b.cfg.SilenceThreshold())
	if err != nil {
		_ = vc.Disconnect()
		logging.Errorw("capture init failed", "guild.id", m.GuildID, "err", err)
		return errNotConnected
	}

	guildID := m.GuildID
	controller := audio.NewController(&audio.DiscordPlayer{VC: vc}, func() {
		logging.Infow("playback interrupted by user speech", logging.GuildFields(guildID)...)
	})
	controller.SetVolume(b.cfg.PlaybackVolume)

	sess := session.New(guildID, b.stt, b.chat, b.tts, controller, b.gw)
	sess.Capture = capture
	sess.MinRecording = b.cfg.MinRecording()
	textChannelID := m.ChannelID
	sess.Notify = func(msg string) { b.reply(textChannelID, msg) }

	vc.AddHandler(func(_ *discordgo.VoiceConnection, su *discordgo.VoiceSpeakingUpdate) {
		capture.HandleSpeakingUpdate(uint32(su.SSRC), su.UserID)
		if su.Speaking {
			sess.OnUserSpeech()
		}
	})

	link := &voiceLink{vc: vc, capture: capture, done: make(chan struct{})}
	go func() {
		for {
			select {
			case <-link.done:
				return
			case p, ok := <-vc.OpusRecv:
				if !ok {
					return
				}
				sess.OnUserSpeech()
				capture.ProcessFrame(p.SSRC, p.Opus)
			}
		}
	}()

	b.mu.Lock()
	b.links[guildID] = link
	b.mu.Unlock()

	b.sessions.Put(guildID, sess)
	sess.Start()
	logging.Infow("voice session established",
		"guild.id", guildID, "channel.id", vs.ChannelID, "silence_ms", b.cfg.SilenceThresholdMs)
	return nil
}

func (b *bot) leaveVoice(guildID string) error {
	if guildID == "" || b.sessions.Get(guildID) == nil {
		return errNotConnected
	}
	b.sessions.Remove(guildID)
	b.closeLink(guildID, true)
	return nil
}

func (b *bot) setMute(guildID string, muted bool) error {
	sess := b.sessions.Get(guildID)
	if sess == nil {
		return errNotConnected
	}
	sess.SetMuted(muted)
	return nil
}

func (b *bot) reply(channelID, msg string) {
	if _, err := b.dg.ChannelMessageSend(channelID, msg); err != nil {
		logging.Warnw("reply send failed", "channel.id", channelID, "err", err)
	}
}
