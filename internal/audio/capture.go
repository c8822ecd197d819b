// Package audio owns the voice-side plumbing: per-speaker capture with
// silence endpointing, and single-flight playback with barge-in support.
package audio

import (
	"context"
	"encoding/binary"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hraban/opus"

	"github.com/discord-voice-bridge/internal/logging"
)

// opusDecoder is satisfied by *opus.Decoder; tests substitute a fake.
type opusDecoder interface {
	Decode(data []byte, pcm []int16) (int, error)
}

// frame is one inbound voice packet queued for decoding.
type frame struct {
	ssrc uint32
	data []byte
}

// speakerBuf accumulates one in-progress utterance.
type speakerBuf struct {
	userID        string
	correlationID string
	pcm           []byte
	start         time.Time
	last          time.Time
}

// Capture subscribes to per-speaker voice activity, decodes frames, and
// finalizes a Recording once the configured silence has elapsed.
type Capture struct {
	format  Format
	silence time.Duration

	mu        sync.Mutex
	ssrcMap   map[uint32]string
	bufs      map[uint32]*speakerBuf
	listening bool
	onDone    func(*Recording)

	frameCh chan frame
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	dec opusDecoder
	now func() time.Time

	dropCount      int64
	decodeErrCount int64
}

// NewCapture builds a capture pipeline for the given format. silence is the
// endpointing threshold; zero applies the 800 ms default.
func NewCapture(format Format, silence time.Duration) (*Capture, error) {
	if silence <= 0 {
		silence = 800 * time.Millisecond
	}
	if format.SampleRate == 0 {
		format = DefaultFormat
	}
	dec, err := opus.NewDecoder(format.SampleRate, format.Channels)
	if err != nil {
		return nil, err
	}
	c := newCaptureWithDecoder(format, silence, dec)
	c.startWorkers()
	return c, nil
}

// newCaptureWithDecoder builds the capture without starting the background
// workers; tests drive handleFrame and flushSilent directly.
func newCaptureWithDecoder(format Format, silence time.Duration, dec opusDecoder) *Capture {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Capture{
		format:  format,
		silence: silence,
		ssrcMap: make(map[uint32]string),
		bufs:    make(map[uint32]*speakerBuf),
		frameCh: make(chan frame, 512),
		ctx:     ctx,
		cancel:  cancel,
		dec:     dec,
		now:     time.Now,
	}
	return c
}

func (c *Capture) startWorkers() {
	// frame decoder
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			select {
			case <-c.ctx.Done():
				return
			case f, ok := <-c.frameCh:
				if !ok {
					return
				}
				c.handleFrame(f)
			}
		}
	}()

	// silence flusher
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-c.ctx.Done():
				return
			case <-ticker.C:
				c.flushSilent()
			}
		}
	}()
}

// Start enables capture and registers the completion callback for current
// and future speakers. Calling Start while already listening replaces the
// callback but is otherwise a no-op.
func (c *Capture) Start(onComplete func(*Recording)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listening = true
	c.onDone = onComplete
	logging.Infow("capture: listening started", "silence", c.silence)
}

// Stop discards every active buffer without firing callbacks and disables
// further subscription.
func (c *Capture) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.listening {
		return
	}
	c.listening = false
	n := len(c.bufs)
	c.bufs = make(map[uint32]*speakerBuf)
	c.onDone = nil
	logging.Infow("capture: listening stopped", "discarded_buffers", n)
}

// Close shuts down the background workers. The Capture cannot be reused.
func (c *Capture) Close() error {
	c.Stop()
	c.cancel()
	c.wg.Wait()
	return nil
}

// HandleSpeakingUpdate records the SSRC to user mapping delivered on the
// voice websocket.
func (c *Capture) HandleSpeakingUpdate(ssrc uint32, userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ssrcMap[ssrc] = userID
	if b, ok := c.bufs[ssrc]; ok && b.userID == "" {
		b.userID = userID
	}
	logging.Debugw("capture: mapped SSRC to user", "ssrc", ssrc, "user_id", userID)
}

// ProcessFrame enqueues one inbound voice packet. Frames are dropped (and
// counted) rather than blocking when the queue is full.
func (c *Capture) ProcessFrame(ssrc uint32, opusPayload []byte) {
	c.mu.Lock()
	listening := c.listening
	c.mu.Unlock()
	if !listening {
		return
	}
	select {
	case c.frameCh <- frame{ssrc: ssrc, data: append([]byte(nil), opusPayload...)}:
	default:
		atomic.AddInt64(&c.dropCount, 1)
		logging.Warnw("capture: dropping frame, queue full", "ssrc", ssrc)
	}
}

// handleFrame decodes and appends one packet. A decode failure falls back
// to passing the frame through undecoded so no data is ever dropped.
func (c *Capture) handleFrame(f frame) {
	pcmBuf := make([]int16, 5760*c.format.Channels) // 120 ms, the largest legal opus frame
	n, err := c.dec.Decode(f.data, pcmBuf)
	var pcm []byte
	if err != nil {
		atomic.AddInt64(&c.decodeErrCount, 1)
		logging.Debugw("capture: opus decode failed, passing frame through", "ssrc", f.ssrc, "err", err)
		pcm = f.data
	} else {
		samples := pcmBuf[:n*c.format.Channels]
		pcm = make([]byte, len(samples)*2)
		for i, s := range samples {
			binary.LittleEndian.PutUint16(pcm[i*2:], uint16(s))
		}
	}
	c.append(f.ssrc, pcm)
}

func (c *Capture) append(ssrc uint32, pcm []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.listening {
		return
	}
	b, ok := c.bufs[ssrc]
	if !ok {
		b = &speakerBuf{
			userID:        c.ssrcMap[ssrc],
			correlationID: uuid.NewString(),
			start:         c.now(),
		}
		c.bufs[ssrc] = b
		logging.Debugw("capture: buffer opened", "ssrc", ssrc, "correlation_id", b.correlationID)
	}
	b.pcm = append(b.pcm, pcm...)
	b.last = c.now()
}

// flushSilent finalizes buffers whose speaker has been quiet longer than
// the silence threshold.
func (c *Capture) flushSilent() {
	now := c.now()
	var done []*Recording
	c.mu.Lock()
	cb := c.onDone
	for ssrc, b := range c.bufs {
		if now.Sub(b.last) < c.silence {
			continue
		}
		delete(c.bufs, ssrc)
		if rec := c.sealLocked(ssrc, b, now); rec != nil {
			done = append(done, rec)
		}
	}
	c.mu.Unlock()
	if cb == nil {
		return
	}
	for _, rec := range done {
		cb(rec)
	}
}

// sealLocked turns a buffer into a Recording. Zero-byte buffers are
// discarded silently, never surfaced. Caller holds c.mu and has already
// removed the buffer, so per-speaker state is clear before any callback.
func (c *Capture) sealLocked(ssrc uint32, b *speakerBuf, end time.Time) *Recording {
	if len(b.pcm) == 0 {
		return nil
	}
	rec := &Recording{
		UserID:        b.userID,
		SSRC:          ssrc,
		CorrelationID: b.correlationID,
		PCM:           b.pcm,
		Format:        c.format,
		Start:         b.start,
		End:           end,
	}
	logging.Infow("capture: recording finalized",
		logging.RecordingFields(ssrc, len(rec.PCM), rec.Duration().Milliseconds())...)
	return rec
}

// FinalizeSpeaker force-ends the active buffer for one speaker (explicit
// stop request from the platform). The callback fires if the buffer held
// audio.
func (c *Capture) FinalizeSpeaker(ssrc uint32) {
	c.mu.Lock()
	b, ok := c.bufs[ssrc]
	var cb func(*Recording)
	var rec *Recording
	if ok {
		delete(c.bufs, ssrc)
		cb = c.onDone
		rec = c.sealLocked(ssrc, b, c.now())
	}
	c.mu.Unlock()
	if cb != nil && rec != nil {
		cb(rec)
	}
}

// DiscardSpeaker drops the active buffer for one speaker without a
// callback, used when the inbound stream errors.
func (c *Capture) DiscardSpeaker(ssrc uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.bufs[ssrc]; ok {
		delete(c.bufs, ssrc)
		logging.Debugw("capture: buffer discarded after stream error", "ssrc", ssrc)
	}
}
