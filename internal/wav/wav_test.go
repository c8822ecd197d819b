package wav

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"testing"
)

func u32(b []byte) uint32 { return binary.LittleEndian.Uint32(b) }
func u16(b []byte) uint16 { return binary.LittleEndian.Uint16(b) }

func TestEncodeHeaderFields(t *testing.T) {
	cases := []struct {
		name          string
		pcmLen        int
		rate          int
		channels      int
		bitsPerSample int
	}{
		{"48k stereo 16-bit", 9600, 48000, 2, 16},
		{"48k mono 16-bit", 960, 48000, 1, 16},
		{"16k mono 16-bit", 3200, 16000, 1, 16},
		{"44.1k stereo 8-bit", 1234, 44100, 2, 8},
		{"empty payload", 0, 48000, 2, 16},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			pcm := make([]byte, tc.pcmLen)
			for i := range pcm {
				pcm[i] = byte(i)
			}
			out := Encode(pcm, tc.rate, tc.channels, tc.bitsPerSample)

			if len(out) != tc.pcmLen+HeaderSize {
				t.Fatalf("total length = %d, want %d", len(out), tc.pcmLen+HeaderSize)
			}
			if string(out[0:4]) != "RIFF" || string(out[8:12]) != "WAVE" {
				t.Fatalf("bad RIFF/WAVE magic: %q %q", out[0:4], out[8:12])
			}
			if got := u32(out[4:8]); got != uint32(36+tc.pcmLen) {
				t.Errorf("chunk size = %d, want %d", got, 36+tc.pcmLen)
			}
			if got := u32(out[16:20]); got != 16 {
				t.Errorf("fmt subchunk size = %d, want 16", got)
			}
			if got := u16(out[20:22]); got != 1 {
				t.Errorf("audio format = %d, want 1 (PCM)", got)
			}
			if got := u16(out[22:24]); got != uint16(tc.channels) {
				t.Errorf("channels = %d, want %d", got, tc.channels)
			}
			if got := u32(out[24:28]); got != uint32(tc.rate) {
				t.Errorf("sample rate = %d, want %d", got, tc.rate)
			}
			wantByteRate := uint32(tc.rate * tc.channels * tc.bitsPerSample / 8)
			if got := u32(out[28:32]); got != wantByteRate {
				t.Errorf("byte rate = %d, want %d", got, wantByteRate)
			}
			wantAlign := uint16(tc.channels * tc.bitsPerSample / 8)
			if got := u16(out[32:34]); got != wantAlign {
				t.Errorf("block align = %d, want %d", got, wantAlign)
			}
			if got := u16(out[34:36]); got != uint16(tc.bitsPerSample) {
				t.Errorf("bits per sample = %d, want %d", got, tc.bitsPerSample)
			}
			if string(out[36:40]) != "data" {
				t.Fatalf("missing data chunk id: %q", out[36:40])
			}
			if got := u32(out[40:44]); got != uint32(tc.pcmLen) {
				t.Errorf("data length = %d, want %d", got, tc.pcmLen)
			}
			if !bytes.Equal(out[44:], pcm) {
				t.Error("payload not copied verbatim")
			}
		})
	}
}

func TestEncodeBase64RoundTrip(t *testing.T) {
	pcm := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	enc := EncodeBase64(pcm, 48000, 2, 16)
	raw, err := base64.StdEncoding.DecodeString(enc)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !bytes.Equal(raw, Encode(pcm, 48000, 2, 16)) {
		t.Fatal("base64 form does not round-trip to Encode output")
	}
}
