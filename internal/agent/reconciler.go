package agent

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/discord-voice-bridge/internal/logging"
)

// Sentinel results a caller maps to distinct user-visible messages instead
// of raw errors.
var (
	// ErrUpstreamFailure means the backend reported an internal error and
	// produced no usable content.
	ErrUpstreamFailure = errors.New("agent reported an internal error")
	// ErrReasoningOnly means the backend produced reasoning steps but no
	// user-facing content.
	ErrReasoningOnly = errors.New("agent produced reasoning only")
)

// Stream yields parsed chunks. Next returns io.EOF on normal end.
type Stream interface {
	Next(ctx context.Context) (Chunk, error)
}

// Sink is the output surface content is flushed to as it arrives,
// typically a channel message appender.
type Sink interface {
	Flush(text string) error
}

// Reconciler merges a response stream into exactly-once delivery: content
// is flushed incrementally, and on stream end only the suffix that was
// never successfully flushed is handled again.
type Reconciler struct {
	// ShowReasoning surfaces reasoning deltas to the sink. Set for
	// system-initiated turns, suppressed for ordinary user turns.
	ShowReasoning bool
	// AllowedDMTarget restricts direct-message tool targets. Empty means
	// no direct messages are permitted at all.
	AllowedDMTarget string
	// Route, when set, intercepts matching tool invocations and delivers
	// their message payload directly.
	Route *RouteOverride
	// Tools, when set, executes recognized invocations locally and
	// renders their results.
	Tools ToolExecutor
}

// Consume drains the stream, flushing content to sink as it arrives.
//
// Returns ("", nil) when everything was already delivered through sink;
// returns the accumulated text when nothing was ever flushed (caller
// delivers it); returns the unsent remainder if the final remainder flush
// fails, so no byte is ever lost or duplicated. The sentinel errors
// ErrUpstreamFailure and ErrReasoningOnly report terminal conditions with
// no deliverable content.
func (r *Reconciler) Consume(ctx context.Context, stream Stream, sink Sink) (string, error) {
	acc := &Accumulator{}
	for {
		chunk, err := stream.Next(ctx)
		if err != nil {
			if err == io.EOF {
				return r.finish(acc, sink)
			}
			if isSalvageable(err) {
				logging.Warnw("agent: stream ended early, salvaging", "err", err,
					"accumulated", acc.Text() != "", "flushed", acc.Flushed())
				return r.finish(acc, sink)
			}
			return "", err
		}
		r.handleChunk(chunk, acc, sink)
	}
}

func (r *Reconciler) handleChunk(chunk Chunk, acc *Accumulator, sink Sink) {
	switch chunk.Kind {
	case KindContentDelta:
		acc.Append(chunk.Text)
		if sink == nil || chunk.Text == "" || acc.SinkBroken() {
			return
		}
		// Only a successful flush advances the delivered counter. A
		// failure stops incremental flushing entirely: flushing a later
		// delta would deliver bytes out of order, so everything from the
		// failed delta on waits for the remainder pass.
		if err := sink.Flush(chunk.Text); err != nil {
			acc.MarkSinkBroken()
			logging.Warnw("agent: flush failed, deferring to remainder", "bytes", len(chunk.Text), "err", err)
			return
		}
		acc.MarkFlushed(len(chunk.Text))

	case KindStop:
		if chunk.StopReason == StopReasonInternalError {
			logging.Warnw("agent: upstream internal error signalled", "reason", chunk.StopReason)
			acc.SetUpstreamError()
		}

	case KindReasoningDelta:
		acc.RecordReasoning(chunk.Text)
		if r.ShowReasoning && sink != nil && chunk.Text != "" {
			// Reasoning is side commentary: a failed flush is not retried.
			_ = sink.Flush("· " + chunk.Text)
		}

	case KindToolInvocation:
		r.handleToolInvocation(chunk, acc, sink)

	case KindToolResult:
		tr := ToolReturn{ID: chunk.ToolID, Value: chunk.ToolValue}
		acc.RecordToolReturn(tr)
		if sink != nil {
			_ = sink.Flush(renderToolResult(tr))
		}

	case KindUsage:
		if chunk.Usage != nil {
			logging.Debugw("agent: usage", "input_tokens", chunk.Usage.InputTokens, "output_tokens", chunk.Usage.OutputTokens)
		}

	case KindError:
		// The agent may recover and still emit useful content on the
		// same stream, so error frames are logged and skipped.
		logging.Warnw("agent: error frame on stream", "message", chunk.ErrMessage)

	default:
		logging.Debugw("agent: skipping unrecognized chunk")
	}
}

func (r *Reconciler) handleToolInvocation(chunk Chunk, acc *Accumulator, sink Sink) {
	tc := parseToolArgs(chunk.ToolName, chunk.ToolArgs)
	tc.ID = chunk.ToolID
	logging.Infow("agent: tool invoked", "tool", tc.Name, "tool_id", tc.ID)

	if tc.Name == "send_message" && tc.Args != nil {
		if args, ok := decodeSendMessageArgs(tc.Args); ok && args.UserID != "" {
			if args.UserID != r.AllowedDMTarget {
				// Neutralize before the tool can deliver anywhere.
				tc.Args["user_id"] = InvalidTargetID
				logging.Warnw("agent: DM target not allow-listed, neutralized", "requested", args.UserID)
				if sink != nil {
					_ = sink.Flush("(a direct message to a non-approved recipient was blocked)")
				}
			}
		}
	}
	acc.RecordToolCall(tc)

	if r.Route != nil && r.Route.ToolName == tc.Name {
		if args, ok := decodeSendMessageArgs(tc.Args); ok && args.Message != "" {
			if err := r.Route.Deliver(args.Message); err != nil {
				logging.Warnw("agent: route override delivery failed", "tool", tc.Name, "err", err)
			}
			return
		}
	}

	if r.Tools != nil {
		if result, ok := r.Tools.Execute(tc.Name, tc.Args); ok {
			if sink != nil {
				_ = sink.Flush(result)
			}
			return
		}
	}

	if sink != nil {
		_ = sink.Flush(summarizeToolCall(tc))
	}
}

// finish applies the remainder rule shared by normal end and salvaged
// early termination.
func (r *Reconciler) finish(acc *Accumulator, sink Sink) (string, error) {
	if acc.UpstreamError() && !acc.GotContent() {
		return "", ErrUpstreamFailure
	}
	if !acc.GotContent() {
		if len(acc.Reasoning()) > 0 {
			return "", ErrReasoningOnly
		}
		return "", nil
	}
	if acc.Flushed() == 0 {
		// Nothing was streamed out; the caller delivers the whole text.
		return acc.Text(), nil
	}
	remainder := acc.Remainder()
	if remainder == "" {
		// Everything already delivered. Never resend the full text.
		return "", nil
	}
	if sink != nil {
		if err := sink.Flush(remainder); err == nil {
			acc.MarkFlushed(len(remainder))
			return "", nil
		}
		logging.Warnw("agent: remainder flush failed, returning to caller", "bytes", len(remainder))
	}
	return remainder, nil
}

// isSalvageable reports whether a stream-level failure should be treated as
// "stream ended early" (salvage accumulated content) rather than fatal:
// unparseable frames, keep-alive parse noise, abrupt socket termination,
// and timeouts.
func isSalvageable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) {
		return true
	}
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		switch closeErr.Code {
		case websocket.CloseAbnormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived:
			return true
		}
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "unparseable stream frame") ||
		strings.Contains(msg, "keep-alive") || strings.Contains(msg, "keepalive") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "timeout") || strings.Contains(msg, "timed out") {
		return true
	}
	return false
}
