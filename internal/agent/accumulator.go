package agent

import "strings"

// ToolCall records one tool invocation observed on the stream.
type ToolCall struct {
	ID   string
	Name string
	// Args holds the parsed JSON arguments, or nil when parsing failed.
	Args map[string]any
	// Raw is the original argument text, kept when Args is nil.
	Raw string
}

// ToolReturn records one tool result observed on the stream.
type ToolReturn struct {
	ID    string
	Value string
}

// Accumulator tracks everything received on one response stream and how
// much of it has already been delivered to the output surface. It is the
// single owner of the "already sent, never resend" bookkeeping.
type Accumulator struct {
	text       strings.Builder
	flushed    int
	gotContent bool

	upstreamErr bool
	sinkBroken  bool

	toolCalls   []ToolCall
	toolReturns []ToolReturn
	reasoning   []string
}

// Append records a content delta. It does not mark anything as delivered.
func (a *Accumulator) Append(delta string) {
	if delta == "" {
		return
	}
	a.text.WriteString(delta)
	a.gotContent = true
}

// MarkFlushed advances the delivered-character counter after a successful
// flush. It must only be called for bytes actually accepted by the sink;
// the counter never exceeds the accumulated length.
func (a *Accumulator) MarkFlushed(n int) {
	a.flushed += n
	if a.flushed > a.text.Len() {
		a.flushed = a.text.Len()
	}
}

// Remainder returns the accumulated suffix that has not yet been delivered.
func (a *Accumulator) Remainder() string {
	s := a.text.String()
	if a.flushed >= len(s) {
		return ""
	}
	return s[a.flushed:]
}

// Text returns everything accumulated so far.
func (a *Accumulator) Text() string { return a.text.String() }

// Flushed reports how many characters have been delivered.
func (a *Accumulator) Flushed() int { return a.flushed }

// GotContent reports whether at least one content delta arrived.
func (a *Accumulator) GotContent() bool { return a.gotContent }

// SetUpstreamError marks that the backend reported an internal failure.
// The flag is sticky; consumption continues so trailing frames still land.
func (a *Accumulator) SetUpstreamError() { a.upstreamErr = true }

// UpstreamError reports whether the backend signalled an internal failure.
func (a *Accumulator) UpstreamError() bool { return a.upstreamErr }

// MarkSinkBroken records that an incremental flush failed. Later deltas
// must not be flushed out of order; they wait for the remainder pass.
func (a *Accumulator) MarkSinkBroken() { a.sinkBroken = true }

// SinkBroken reports whether incremental flushing has been abandoned.
func (a *Accumulator) SinkBroken() bool { return a.sinkBroken }

// RecordToolCall appends to the tool invocation side collection.
func (a *Accumulator) RecordToolCall(tc ToolCall) { a.toolCalls = append(a.toolCalls, tc) }

// RecordToolReturn appends to the tool result side collection.
func (a *Accumulator) RecordToolReturn(tr ToolReturn) { a.toolReturns = append(a.toolReturns, tr) }

// RecordReasoning appends a reasoning step. Reasoning is always collected
// regardless of whether it is surfaced to the user.
func (a *Accumulator) RecordReasoning(step string) {
	if step == "" {
		return
	}
	a.reasoning = append(a.reasoning, step)
}

// ToolCalls returns the tool invocations observed so far.
func (a *Accumulator) ToolCalls() []ToolCall { return a.toolCalls }

// ToolReturns returns the tool results observed so far.
func (a *Accumulator) ToolReturns() []ToolReturn { return a.toolReturns }

// Reasoning returns the collected reasoning steps.
func (a *Accumulator) Reasoning() []string { return a.reasoning }
