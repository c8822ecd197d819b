package audio

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/discord-voice-bridge/internal/logging"
)

// ResourceKind is the playback decoder hint derived from a MIME type.
type ResourceKind int

const (
	KindRaw ResourceKind = iota // arbitrary audio, needs transcoding
	KindOggOpus
	KindWebmOpus
)

// Resource is a playable buffer typed by its container format.
type Resource struct {
	Data []byte
	Kind ResourceKind
}

// ResourceForMIME wraps a buffer using the content-type hint the TTS
// service returned.
func ResourceForMIME(data []byte, mimeType string) Resource {
	switch {
	case containsFold(mimeType, "audio/ogg"):
		return Resource{Data: data, Kind: KindOggOpus}
	case containsFold(mimeType, "audio/webm"):
		return Resource{Data: data, Kind: KindWebmOpus}
	default:
		return Resource{Data: data, Kind: KindRaw}
	}
}

// Player renders one resource. Play blocks until the resource finishes,
// the context is canceled (a stop), or the player fails.
type Player interface {
	Play(ctx context.Context, res Resource) error
}

// Controller serializes playback: starting a new resource interrupts the
// current one, and Wait lets the pipeline block until the player returns
// to idle.
type Controller struct {
	player Player

	mu      sync.Mutex
	playing bool
	cancel  context.CancelFunc
	doneCh  chan struct{}
	volume  float64

	onInterrupt func()
}

// NewController wraps a player. The interrupt callback fires once per stop
// of an active playback (barge-in accounting).
func NewController(player Player, onInterrupt func()) *Controller {
	return &Controller{player: player, onInterrupt: onInterrupt, volume: 1.0}
}

// Play stops any current playback and starts the buffer. It reports
// whether playback was started; it never panics.
func (c *Controller) Play(buf []byte, mimeType string) bool {
	if len(buf) == 0 {
		return false
	}
	c.Stop()

	res := ResourceForMIME(buf, mimeType)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	c.mu.Lock()
	c.playing = true
	c.cancel = cancel
	c.doneCh = done
	c.mu.Unlock()

	go func() {
		err := c.player.Play(ctx, res)

		c.mu.Lock()
		// A newer Play may already own the controller state; only the
		// current playback clears it.
		if c.doneCh == done {
			c.playing = false
			c.cancel = nil
		}
		c.mu.Unlock()

		// A clean finish or an explicit stop resolves waiters. A player
		// error clears the playing state but leaves the wait pending;
		// callers bound Wait with their own context.
		if err == nil || errors.Is(err, context.Canceled) {
			close(done)
			return
		}
		logging.Warnw("playback: player error", "err", err, "kind", res.Kind)
	}()

	logging.Infow("playback: started", "bytes", len(buf), "mime", mimeType)
	return true
}

// Stop interrupts the current playback. It does nothing when idle. The
// playing state is cleared here, not in the player goroutine, so two rapid
// stops of the same playback fire the interrupt callback exactly once.
func (c *Controller) Stop() {
	c.mu.Lock()
	if !c.playing || c.cancel == nil {
		c.mu.Unlock()
		return
	}
	cancel := c.cancel
	c.playing = false
	c.cancel = nil
	c.mu.Unlock()

	cancel()
	if c.onInterrupt != nil {
		c.onInterrupt()
	}
	logging.Infow("playback: interrupted")
}

// Wait blocks until the player transitions from playing to idle, or until
// ctx expires. A playback that ended with a player error does not resolve
// the wait; the caller's context bounds it instead. Wait returns
// immediately when no playback was ever started.
func (c *Controller) Wait(ctx context.Context) error {
	c.mu.Lock()
	done := c.doneCh
	playing := c.playing
	c.mu.Unlock()

	if done == nil || (!playing && isClosed(done)) {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsPlaying reports whether a resource is currently being rendered.
func (c *Controller) IsPlaying() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.playing
}

// SetVolume clamps and stores the playback volume.
func (c *Controller) SetVolume(v float64) {
	if v < 0 {
		v = 0
	}
	if v > 2 {
		v = 2
	}
	c.mu.Lock()
	c.volume = v
	c.mu.Unlock()
}

// Volume returns the clamped playback volume.
func (c *Controller) Volume() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.volume
}

func isClosed(ch chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), substr)
}
