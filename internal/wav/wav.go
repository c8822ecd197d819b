// Package wav wraps raw PCM in a minimal RIFF/WAVE container suitable for
// posting to the transcription service. The transform is pure and
// deterministic: the 44-byte header is computed entirely from the buffer
// length and the format parameters.
package wav

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
)

// HeaderSize is the fixed size of the RIFF/WAVE header produced by Encode.
const HeaderSize = 44

// Encode prepends a RIFF/WAVE header (format tag 1, integer PCM) to pcm.
// sampleRate is in Hz; bitsPerSample is commonly 16.
func Encode(pcm []byte, sampleRate, channels, bitsPerSample int) []byte {
	byteRate := uint32(sampleRate * channels * bitsPerSample / 8)
	blockAlign := uint16(channels * bitsPerSample / 8)
	dataLen := uint32(len(pcm))
	riffSize := uint32(36 + dataLen)

	buf := &bytes.Buffer{}
	buf.Grow(HeaderSize + len(pcm))
	buf.WriteString("RIFF")
	binary.Write(buf, binary.LittleEndian, riffSize)
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	binary.Write(buf, binary.LittleEndian, uint32(16))
	binary.Write(buf, binary.LittleEndian, uint16(1))
	binary.Write(buf, binary.LittleEndian, uint16(channels))
	binary.Write(buf, binary.LittleEndian, uint32(sampleRate))
	binary.Write(buf, binary.LittleEndian, byteRate)
	binary.Write(buf, binary.LittleEndian, blockAlign)
	binary.Write(buf, binary.LittleEndian, uint16(bitsPerSample))
	buf.WriteString("data")
	binary.Write(buf, binary.LittleEndian, dataLen)
	buf.Write(pcm)
	return buf.Bytes()
}

// EncodeBase64 returns the base64 form of Encode's output, the shape the STT
// service expects in its JSON request body.
func EncodeBase64(pcm []byte, sampleRate, channels, bitsPerSample int) string {
	return base64.StdEncoding.EncodeToString(Encode(pcm, sampleRate, channels, bitsPerSample))
}
