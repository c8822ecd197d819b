package audio

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"
)

// DiscordPlayer renders resources into a Discord voice connection by
// pushing opus packets onto OpusSend. Only opus-in-ogg payloads can be
// played natively; other kinds need server-side transcoding and are
// rejected here.
type DiscordPlayer struct {
	VC *discordgo.VoiceConnection
}

// Play sends the resource's opus packets at the 20 ms frame cadence.
func (p *DiscordPlayer) Play(ctx context.Context, res Resource) error {
	if p.VC == nil {
		return fmt.Errorf("no voice connection")
	}
	if res.Kind != KindOggOpus {
		return fmt.Errorf("unsupported playback container (kind %d)", res.Kind)
	}
	packets, err := oggOpusPackets(res.Data)
	if err != nil {
		return err
	}

	_ = p.VC.Speaking(true)
	defer func() { _ = p.VC.Speaking(false) }()

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for _, pkt := range packets {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case p.VC.OpusSend <- pkt:
		}
	}
	return nil
}

// oggOpusPackets walks the ogg page structure and reassembles the opus
// packets, skipping the OpusHead/OpusTags header packets.
func oggOpusPackets(data []byte) ([][]byte, error) {
	var packets [][]byte
	var pending []byte
	offset := 0
	for offset+27 <= len(data) {
		if string(data[offset:offset+4]) != "OggS" {
			return nil, fmt.Errorf("bad ogg capture pattern at offset %d", offset)
		}
		segCount := int(data[offset+26])
		headerEnd := offset + 27 + segCount
		if headerEnd > len(data) {
			return nil, fmt.Errorf("truncated ogg segment table")
		}
		segTable := data[offset+27 : headerEnd]
		body := headerEnd
		for _, segLen := range segTable {
			if body+int(segLen) > len(data) {
				return nil, fmt.Errorf("truncated ogg page body")
			}
			pending = append(pending, data[body:body+int(segLen)]...)
			body += int(segLen)
			// A lacing value below 255 terminates the packet.
			if segLen < 255 {
				packets = append(packets, pending)
				pending = nil
			}
		}
		offset = body
	}

	// Drop the OpusHead and OpusTags metadata packets.
	out := packets[:0]
	for _, pkt := range packets {
		if len(pkt) >= 8 {
			magic := binary.BigEndian.Uint64(pkt[:8])
			if magic == opusHeadMagic || magic == opusTagsMagic {
				continue
			}
		}
		out = append(out, pkt)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no opus packets in ogg stream")
	}
	return out, nil
}

const (
	opusHeadMagic = 0x4f70757348656164 // "OpusHead"
	opusTagsMagic = 0x4f70757354616773 // "OpusTags"
)
