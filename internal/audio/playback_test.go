package audio

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakePlayer blocks until released, stopped, or configured to fail.
type fakePlayer struct {
	mu      sync.Mutex
	release chan struct{}
	failErr error
	plays   int32
}

func newFakePlayer() *fakePlayer {
	return &fakePlayer{release: make(chan struct{})}
}

func (p *fakePlayer) Play(ctx context.Context, res Resource) error {
	atomic.AddInt32(&p.plays, 1)
	if p.failErr != nil {
		return p.failErr
	}
	p.mu.Lock()
	release := p.release
	p.mu.Unlock()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-release:
		return nil
	}
}

func (p *fakePlayer) finish() {
	p.mu.Lock()
	close(p.release)
	p.release = make(chan struct{})
	p.mu.Unlock()
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func TestPlayInterruptsCurrentPlayback(t *testing.T) {
	player := newFakePlayer()
	var interrupts int32
	c := NewController(player, func() { atomic.AddInt32(&interrupts, 1) })

	if !c.Play([]byte{1}, "audio/ogg") {
		t.Fatal("first Play refused")
	}
	waitFor(t, c.IsPlaying)

	// Barge-in: second Play must stop the first and fire the interrupt
	// callback exactly once.
	if !c.Play([]byte{2}, "audio/ogg") {
		t.Fatal("second Play refused")
	}
	waitFor(t, func() bool { return atomic.LoadInt32(&interrupts) == 1 })
	waitFor(t, c.IsPlaying)

	c.Stop()
	if got := atomic.LoadInt32(&interrupts); got != 2 {
		t.Fatalf("interrupts = %d, want 2 (one per stop of an active playback)", got)
	}
}

func TestStopIsIdempotentWhenIdle(t *testing.T) {
	var interrupts int32
	c := NewController(newFakePlayer(), func() { atomic.AddInt32(&interrupts, 1) })
	c.Stop()
	c.Stop()
	if atomic.LoadInt32(&interrupts) != 0 {
		t.Fatal("interrupt callback fired with nothing playing")
	}
}

func TestWaitResolvesOnPlaybackComplete(t *testing.T) {
	player := newFakePlayer()
	c := NewController(player, nil)
	c.Play([]byte{1}, "audio/ogg")
	waitFor(t, c.IsPlaying)

	done := make(chan error, 1)
	go func() { done <- c.Wait(context.Background()) }()
	player.finish()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Wait = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Wait did not resolve after playback completed")
	}
	if c.IsPlaying() {
		t.Fatal("still reported playing after completion")
	}
}

func TestWaitNotResolvedByPlayerError(t *testing.T) {
	player := newFakePlayer()
	player.failErr = errors.New("voice gateway dropped")
	c := NewController(player, nil)
	c.Play([]byte{1}, "audio/ogg")

	waitFor(t, func() bool { return !c.IsPlaying() })

	// The error cleared the playing state but must not resolve the wait;
	// the caller's context bounds it.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := c.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Wait = %v, want deadline exceeded", err)
	}
}

func TestPlayRejectsEmptyBuffer(t *testing.T) {
	c := NewController(newFakePlayer(), nil)
	if c.Play(nil, "audio/ogg") {
		t.Fatal("empty buffer must not start playback")
	}
}

func TestVolumeClamped(t *testing.T) {
	c := NewController(newFakePlayer(), nil)
	c.SetVolume(3.5)
	if v := c.Volume(); v != 2 {
		t.Fatalf("volume = %v, want clamp to 2", v)
	}
	c.SetVolume(-1)
	if v := c.Volume(); v != 0 {
		t.Fatalf("volume = %v, want clamp to 0", v)
	}
}

func TestResourceForMIME(t *testing.T) {
	cases := []struct {
		mime string
		want ResourceKind
	}{
		{"audio/ogg", KindOggOpus},
		{"audio/ogg; codecs=opus", KindOggOpus},
		{"Audio/OGG", KindOggOpus},
		{"audio/webm", KindWebmOpus},
		{"audio/mpeg", KindRaw},
		{"", KindRaw},
	}
	for _, tc := range cases {
		if got := ResourceForMIME(nil, tc.mime).Kind; got != tc.want {
			t.Errorf("ResourceForMIME(%q) = %v, want %v", tc.mime, got, tc.want)
		}
	}
}

// buildOggPage assembles a single-packet ogg page for parser tests.
func buildOggPage(packet []byte) []byte {
	segs := []byte{}
	rest := len(packet)
	for rest >= 255 {
		segs = append(segs, 255)
		rest -= 255
	}
	segs = append(segs, byte(rest))
	page := append([]byte("OggS"), make([]byte, 22)...)
	page = append(page, byte(len(segs)))
	page = append(page, segs...)
	page = append(page, packet...)
	return page
}

func TestOggOpusPacketExtraction(t *testing.T) {
	head := append([]byte("OpusHead"), make([]byte, 11)...)
	tags := append([]byte("OpusTags"), 0)
	audio1 := []byte{0xf8, 1, 2, 3}
	audio2 := make([]byte, 300) // spans two lacing segments
	for i := range audio2 {
		audio2[i] = byte(i)
	}

	var blob []byte
	for _, pkt := range [][]byte{head, tags, audio1, audio2} {
		blob = append(blob, buildOggPage(pkt)...)
	}

	packets, err := oggOpusPackets(blob)
	if err != nil {
		t.Fatalf("oggOpusPackets: %v", err)
	}
	if len(packets) != 2 {
		t.Fatalf("packets = %d, want 2 (headers skipped)", len(packets))
	}
	if len(packets[1]) != 300 {
		t.Fatalf("reassembled packet length = %d, want 300", len(packets[1]))
	}
}

func TestOggOpusRejectsGarbage(t *testing.T) {
	if _, err := oggOpusPackets([]byte("definitely not an ogg stream....")); err == nil {
		t.Fatal("expected error for non-ogg input")
	}
}

func TestRapidDoubleStopFiresInterruptOnce(t *testing.T) {
	player := newFakePlayer()
	var interrupts int32
	c := NewController(player, func() { atomic.AddInt32(&interrupts, 1) })

	c.Play([]byte{1}, "audio/ogg")
	waitFor(t, c.IsPlaying)

	// Both stop paths can race for one playback (speaking update plus a
	// finalized recording). The second must see the state already cleared.
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Stop()
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt32(&interrupts); got != 1 {
		t.Fatalf("interrupts = %d, want exactly 1 for one playback", got)
	}
	if c.IsPlaying() {
		t.Fatal("still reported playing after stop")
	}
}
