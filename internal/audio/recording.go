package audio

import (
	"time"

	"github.com/discord-voice-bridge/internal/wav"
)

// Format describes the PCM layout produced by the capture pipeline.
type Format struct {
	SampleRate    int
	Channels      int
	BitsPerSample int
}

// DefaultFormat matches the Discord voice transport: 48 kHz stereo 16-bit.
var DefaultFormat = Format{SampleRate: 48000, Channels: 2, BitsPerSample: 16}

// Recording is one segmented utterance from a single speaker.
type Recording struct {
	UserID        string
	SSRC          uint32
	CorrelationID string
	PCM           []byte
	Format        Format
	Start         time.Time
	End           time.Time
}

// Duration derives the utterance length from the PCM byte count.
func (r *Recording) Duration() time.Duration {
	f := r.Format
	if f.SampleRate == 0 {
		f = DefaultFormat
	}
	bytesPerSecond := f.SampleRate * f.Channels * f.BitsPerSample / 8
	if bytesPerSecond == 0 {
		return 0
	}
	return time.Duration(len(r.PCM)) * time.Second / time.Duration(bytesPerSecond)
}

// WAVBase64 encodes the PCM for STT transport.
func (r *Recording) WAVBase64() string {
	f := r.Format
	if f.SampleRate == 0 {
		f = DefaultFormat
	}
	return wav.EncodeBase64(r.PCM, f.SampleRate, f.Channels, f.BitsPerSample)
}
