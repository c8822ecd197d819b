package main

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/discord-voice-bridge/internal/agent"
	"github.com/discord-voice-bridge/internal/chat"
	"github.com/discord-voice-bridge/internal/logging"
)

// channelSink flushes streamed agent content into a Discord channel. A send
// failure must surface so the reconciler keeps the bytes for the remainder.
type channelSink struct {
	dg        *discordgo.Session
	channelID string
}

func (s *channelSink) Flush(text string) error {
	_, err := s.dg.ChannelMessageSend(s.channelID, text)
	return err
}

// dispatchAgentTurn runs a text turn against the streamed agent backend.
// User turns normally bypass the outbound queue; QUEUE_USER_TURNS forces
// them to serialize behind system and scheduled turns.
func (b *bot) dispatchAgentTurn(m *discordgo.MessageCreate, content string) {
	if content == "" {
		return
	}
	turn := func(ctx context.Context) error {
		b.runAgentTurn(ctx, m, content)
		return nil
	}
	if b.cfg.QueueUserTurns {
		if !b.queue.Enqueue(turn) {
			logging.Warnw("agent turn rejected, queue closed or full", "channel.id", m.ChannelID)
			b.reply(m.ChannelID, "I'm handling too many requests right now; please try again shortly.")
		}
		return
	}
	go func() { _ = turn(context.Background()) }()
}

func (b *bot) runAgentTurn(ctx context.Context, m *discordgo.MessageCreate, content string) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	msg := agent.Message{
		Message:    content,
		SessionID:  chat.SessionIDForSpeaker(m.GuildID, m.Author.ID),
		Role:       "user",
		SenderName: m.Author.Username,
	}
	stream, err := b.stream.Open(ctx, msg)
	if err != nil {
		logging.Errorw("agent stream open failed", "channel.id", m.ChannelID, "err", err)
		b.reply(m.ChannelID, "The backend is having trouble right now; please try again shortly.")
		return
	}
	defer stream.Close()

	rec := &agent.Reconciler{
		AllowedDMTarget: b.cfg.AllowedDMTarget,
		ShowReasoning:   b.cfg.ShowReasoning,
		Tools:           toolExecutor(b),
	}
	if b.cfg.AllowedDMTarget != "" {
		rec.Route = &agent.RouteOverride{
			ToolName: "send_message",
			Deliver:  b.deliverDM,
		}
	}

	sink := &channelSink{dg: b.dg, channelID: m.ChannelID}
	remainder, err := rec.Consume(ctx, stream, sink)
	switch {
	case errors.Is(err, agent.ErrUpstreamFailure):
		b.reply(m.ChannelID, "The assistant backend reported an internal error for that request.")
		return
	case errors.Is(err, agent.ErrReasoningOnly):
		b.reply(m.ChannelID, "I thought about it but ended up with nothing to say. Try rephrasing?")
		return
	case err != nil:
		logging.Errorw("agent turn failed", "channel.id", m.ChannelID, "err", err)
		b.reply(m.ChannelID, "The backend is having trouble right now; please try again shortly.")
		return
	}
	if remainder != "" {
		b.reply(m.ChannelID, remainder)
	}
}

// toolExecutor returns the MCP bridge as an executor, or nil so invocations
// fall back to rendered summaries when no tool server is configured.
func toolExecutor(b *bot) agent.ToolExecutor {
	if b.bridge == nil {
		return nil
	}
	return b.bridge
}

// deliverDM routes an intercepted send_message tool call to the approved
// direct-message recipient.
func (b *bot) deliverDM(text string) error {
	ch, err := b.dg.UserChannelCreate(b.cfg.AllowedDMTarget)
	if err != nil {
		return err
	}
	_, err = b.dg.ChannelMessageSend(ch.ID, text)
	return err
}
