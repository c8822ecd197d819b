// Package session runs the voice conversation loop for a guild: completed
// recordings flow through transcription, chat, and synthesis, then play back
// into the voice channel. One turn is in flight at a time; recordings that
// finish mid-turn queue in arrival order.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/discord-voice-bridge/internal/audio"
	"github.com/discord-voice-bridge/internal/chat"
	"github.com/discord-voice-bridge/internal/logging"
	"github.com/discord-voice-bridge/internal/retry"
)

// Transcriber converts base64 WAV audio into text.
type Transcriber interface {
	Transcribe(ctx context.Context, audioB64, correlationID string) (string, error)
}

// Responder produces a conversational reply for a transcript.
type Responder interface {
	Send(ctx context.Context, message, sessionID, correlationID string) (string, error)
}

// Synthesizer converts reply text into audio bytes plus a MIME hint.
type Synthesizer interface {
	Synthesize(ctx context.Context, text, correlationID string) ([]byte, string, error)
}

// Playback is the slice of the playback controller the session drives.
type Playback interface {
	Play(buf []byte, mime string) bool
	Stop()
	Wait(ctx context.Context) error
	IsPlaying() bool
}

// CaptureSource is the slice of the capture pipeline the session owns: it is
// started with the recording callback and stopped when the session ends.
type CaptureSource interface {
	Start(onComplete func(*audio.Recording))
	Stop()
}

// Notifier surfaces user-facing status messages, typically to a text channel.
type Notifier func(msg string)

// Session is the per-guild conversation state machine.
type Session struct {
	GuildID string

	STT     Transcriber
	Chat    Responder
	TTS     Synthesizer
	Player  Playback
	Gateway *retry.Gateway
	Notify  Notifier

	// Capture, when set, is started on Start and stopped on Stop.
	Capture CaptureSource

	// MinRecording drops utterances too short to transcribe usefully.
	MinRecording time.Duration
	// PlaybackWait bounds how long a turn blocks on its own playback.
	PlaybackWait time.Duration

	mu         sync.Mutex
	active     bool
	muted      bool
	processing bool
	queue      []*audio.Recording
}

// New builds an inactive session. Start must be called before recordings are
// accepted.
func New(guildID string, stt Transcriber, ch Responder, tts Synthesizer, player Playback, gw *retry.Gateway) *Session {
	return &Session{
		GuildID:      guildID,
		STT:          stt,
		Chat:         ch,
		TTS:          tts,
		Player:       player,
		Gateway:      gw,
		MinRecording: 500 * time.Millisecond,
		PlaybackWait: 2 * time.Minute,
	}
}

// Start activates the session and begins capture. It returns false if
// already active.
func (s *Session) Start() bool {
	s.mu.Lock()
	if s.active {
		s.mu.Unlock()
		return false
	}
	s.active = true
	s.muted = false
	s.mu.Unlock()

	if s.Capture != nil {
		s.Capture.Start(s.HandleRecording)
	}
	logging.Infow("session: started", "guild_id", s.GuildID)
	if s.Notify != nil {
		s.Notify("Listening. Speak and I'll answer; say nothing for a moment to end your turn.")
	}
	return true
}

// Stop deactivates the session, drops any queued recordings, and halts
// playback. An in-flight turn finishes its current stage and then exits.
func (s *Session) Stop() {
	s.mu.Lock()
	wasActive := s.active
	s.active = false
	dropped := len(s.queue)
	s.queue = nil
	s.mu.Unlock()
	if s.Capture != nil {
		s.Capture.Stop()
	}
	if wasActive {
		logging.Infow("session: stopped", "guild_id", s.GuildID, "dropped_queued", dropped)
	}
	s.Player.Stop()
}

// Active reports whether the session accepts recordings.
func (s *Session) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// SetMuted toggles whether inbound recordings are discarded.
func (s *Session) SetMuted(muted bool) {
	s.mu.Lock()
	s.muted = muted
	s.mu.Unlock()
	logging.Infow("session: mute changed", "guild_id", s.GuildID, "muted", muted)
}

// Muted reports the mute flag.
func (s *Session) Muted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.muted
}

// Processing reports whether a turn is currently in flight.
func (s *Session) Processing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.processing
}

// QueueLen reports how many recordings wait behind the in-flight turn.
func (s *Session) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// OnUserSpeech implements barge-in: inbound voice activity while the bot is
// speaking stops playback immediately so the user is never talked over.
func (s *Session) OnUserSpeech() {
	s.mu.Lock()
	active, muted := s.active, s.muted
	s.mu.Unlock()
	if !active || muted {
		return
	}
	if s.Player.IsPlaying() {
		logging.Debugw("session: barge-in, stopping playback", "guild_id", s.GuildID)
		s.Player.Stop()
	}
}

// HandleRecording accepts a finalized utterance from the capture pipeline.
// If a turn is already in flight the recording queues; otherwise it starts
// one. Recordings arriving while muted or inactive are dropped.
func (s *Session) HandleRecording(rec *audio.Recording) {
	if rec == nil || len(rec.PCM) == 0 {
		return
	}
	s.mu.Lock()
	if !s.active || s.muted {
		muted := s.muted
		s.mu.Unlock()
		logging.Debugw("session: recording dropped",
			"guild_id", s.GuildID, "correlation_id", rec.CorrelationID, "muted", muted)
		return
	}
	s.mu.Unlock()

	if s.Player.IsPlaying() {
		s.Player.Stop()
	}

	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	if s.processing {
		s.queue = append(s.queue, rec)
		depth := len(s.queue)
		s.mu.Unlock()
		logging.Debugw("session: turn in flight, recording queued",
			"guild_id", s.GuildID, "correlation_id", rec.CorrelationID, "queue_depth", depth)
		return
	}
	s.processing = true
	s.mu.Unlock()

	go s.drain(rec)
}

// drain runs the pipeline for rec and then for each queued recording in
// arrival order, clearing the processing flag when the queue is empty.
func (s *Session) drain(rec *audio.Recording) {
	for {
		s.runTurn(rec)

		s.mu.Lock()
		if !s.active || len(s.queue) == 0 {
			s.processing = false
			s.mu.Unlock()
			return
		}
		rec = s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()
	}
}

func (s *Session) runTurn(rec *audio.Recording) {
	cid := rec.CorrelationID
	dur := rec.Duration()
	if dur < s.MinRecording {
		logging.Debugw("session: recording too short, skipping",
			"guild_id", s.GuildID, "correlation_id", cid, "duration_ms", dur.Milliseconds())
		return
	}

	ctx := context.Background()

	var transcript string
	err := s.Gateway.Do(ctx, "stt", func(ctx context.Context) error {
		var err error
		transcript, err = s.STT.Transcribe(ctx, rec.WAVBase64(), cid)
		return err
	})
	if err != nil {
		s.surface(err, cid, "stt")
		return
	}
	if transcript == "" {
		logging.Debugw("session: no transcript, skipping turn",
			"guild_id", s.GuildID, "correlation_id", cid)
		return
	}
	logging.Infow("session: transcript",
		"guild_id", s.GuildID, "correlation_id", cid, "user_id", rec.UserID, "text", transcript)

	sessionID := chat.SessionIDForSpeaker(s.GuildID, rec.UserID)
	var reply string
	err = s.Gateway.Do(ctx, "chat", func(ctx context.Context) error {
		var err error
		reply, err = s.Chat.Send(ctx, transcript, sessionID, cid)
		return err
	})
	if err != nil {
		s.surface(err, cid, "chat")
		return
	}
	if reply == "" {
		logging.Debugw("session: empty reply, skipping synthesis",
			"guild_id", s.GuildID, "correlation_id", cid)
		return
	}

	var buf []byte
	var mime string
	err = s.Gateway.Do(ctx, "tts", func(ctx context.Context) error {
		var err error
		buf, mime, err = s.TTS.Synthesize(ctx, reply, cid)
		return err
	})
	if err != nil {
		s.surface(err, cid, "tts")
		return
	}
	if len(buf) == 0 {
		logging.Debugw("session: synthesis produced no audio",
			"guild_id", s.GuildID, "correlation_id", cid)
		return
	}

	s.mu.Lock()
	active := s.active
	s.mu.Unlock()
	if !active {
		return
	}
	if !s.Player.Play(buf, mime) {
		return
	}

	wait := s.PlaybackWait
	if wait <= 0 {
		wait = 2 * time.Minute
	}
	wctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	if err := s.Player.Wait(wctx); err != nil {
		logging.Warnw("session: playback wait ended early",
			"guild_id", s.GuildID, "correlation_id", cid, "err", err)
	}
}

// surface logs a pipeline failure and, when a notifier is wired, tells the
// user. Timeouts get a distinct message because they are never retried.
func (s *Session) surface(err error, cid, stage string) {
	logging.Errorw("session: turn failed",
		"guild_id", s.GuildID, "correlation_id", cid, "stage", stage, "err", err)
	if s.Notify == nil {
		return
	}
	if retry.IsTimeout(err) {
		s.Notify("The request timed out, so I won't retry it automatically. Please try again.")
		return
	}
	s.Notify("The backend is having trouble right now; please try again shortly.")
}
