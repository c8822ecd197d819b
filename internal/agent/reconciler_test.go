package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"unicode/utf8"
)

// sliceStream replays a fixed chunk sequence, then returns endErr (io.EOF
// for a normal end).
type sliceStream struct {
	chunks []Chunk
	endErr error
	pos    int
}

func (s *sliceStream) Next(ctx context.Context) (Chunk, error) {
	if s.pos >= len(s.chunks) {
		if s.endErr != nil {
			return Chunk{}, s.endErr
		}
		return Chunk{}, io.EOF
	}
	c := s.chunks[s.pos]
	s.pos++
	return c, nil
}

// fakeSink records flushes and can be told to fail from a given call on.
type fakeSink struct {
	flushed   []string
	calls     int
	failAfter int // fail every call once calls > failAfter; 0 disables
}

func (f *fakeSink) Flush(text string) error {
	f.calls++
	if f.failAfter > 0 && f.calls > f.failAfter {
		return errors.New("surface unavailable")
	}
	f.flushed = append(f.flushed, text)
	return nil
}

func content(texts ...string) []Chunk {
	out := make([]Chunk, 0, len(texts))
	for _, t := range texts {
		out = append(out, Chunk{Kind: KindContentDelta, Text: t})
	}
	return out
}

func TestConsumeAllFlushedReturnsEmpty(t *testing.T) {
	r := &Reconciler{}
	sink := &fakeSink{}
	got, err := r.Consume(context.Background(), &sliceStream{chunks: content("Hello", " world")}, sink)
	if err != nil {
		t.Fatalf("err = %v", err)
	}
	if got != "" {
		t.Fatalf("returned %q, want empty (everything already delivered)", got)
	}
	if joined := strings.Join(sink.flushed, ""); joined != "Hello world" {
		t.Fatalf("delivered %q, want %q", joined, "Hello world")
	}
}

func TestConsumeRemainderAfterFlushFailures(t *testing.T) {
	// "Hi" and " there" flush, "!" fails, then the stream ends; the
	// remainder flush also fails so "!" comes back to the caller.
	r := &Reconciler{}
	sink := &fakeSink{failAfter: 2}
	got, err := r.Consume(context.Background(), &sliceStream{chunks: content("Hi", " there", "!")}, sink)
	if err != nil {
		t.Fatalf("err = %v", err)
	}
	if got != "!" {
		t.Fatalf("returned %q, want %q", got, "!")
	}
	total := strings.Join(sink.flushed, "") + got
	if total != "Hi there!" {
		t.Fatalf("total delivered = %q, want %q with no duplication", total, "Hi there!")
	}
}

func TestConsumeRemainderFlushedOnRecovery(t *testing.T) {
	// The flush of "b" fails; "c" must not be flushed out of order. At
	// stream end the sink has recovered, so the remainder "bc" is flushed
	// in one piece and nothing comes back to the caller.
	r := &Reconciler{}
	sink := &fakeSink{}
	flaky := &flakySink{inner: sink, failOn: 2}
	got, err := r.Consume(context.Background(), &sliceStream{chunks: content("a", "b", "c")}, flaky)
	if err != nil {
		t.Fatalf("err = %v", err)
	}
	if got != "" {
		t.Fatalf("returned %q, want empty after remainder flush", got)
	}
	want := []string{"a", "bc"}
	if len(sink.flushed) != len(want) || sink.flushed[0] != want[0] || sink.flushed[1] != want[1] {
		t.Fatalf("flushed = %v, want %v", sink.flushed, want)
	}
}

// flakySink fails exactly one call by ordinal.
type flakySink struct {
	inner  *fakeSink
	failOn int
	calls  int
}

func (f *flakySink) Flush(text string) error {
	f.calls++
	if f.calls == f.failOn {
		return errors.New("transient surface failure")
	}
	return f.inner.Flush(text)
}

func TestConsumeNothingFlushedReturnsFullText(t *testing.T) {
	r := &Reconciler{}
	got, err := r.Consume(context.Background(), &sliceStream{chunks: content("all", " of", " it")}, nil)
	if err != nil {
		t.Fatalf("err = %v", err)
	}
	if got != "all of it" {
		t.Fatalf("returned %q, want full accumulated text", got)
	}
}

func TestConsumeUpstreamErrorNoContent(t *testing.T) {
	r := &Reconciler{}
	chunks := []Chunk{
		{Kind: KindStop, StopReason: StopReasonInternalError},
		{Kind: KindUsage, Usage: &Usage{InputTokens: 10, OutputTokens: 0}},
	}
	_, err := r.Consume(context.Background(), &sliceStream{chunks: chunks}, &fakeSink{})
	if !errors.Is(err, ErrUpstreamFailure) {
		t.Fatalf("err = %v, want ErrUpstreamFailure", err)
	}
}

func TestConsumeUpstreamErrorWithContentStillDelivers(t *testing.T) {
	r := &Reconciler{}
	sink := &fakeSink{}
	chunks := append(content("partial answer"), Chunk{Kind: KindStop, StopReason: StopReasonInternalError})
	got, err := r.Consume(context.Background(), &sliceStream{chunks: chunks}, sink)
	if err != nil {
		t.Fatalf("err = %v, content should win over the sticky error flag", err)
	}
	if got != "" || strings.Join(sink.flushed, "") != "partial answer" {
		t.Fatalf("content not delivered: got=%q flushed=%v", got, sink.flushed)
	}
}

func TestConsumeReasoningOnly(t *testing.T) {
	r := &Reconciler{}
	chunks := []Chunk{
		{Kind: KindReasoningDelta, Text: "thinking about it"},
		{Kind: KindStop, StopReason: "end_turn"},
	}
	_, err := r.Consume(context.Background(), &sliceStream{chunks: chunks}, &fakeSink{})
	if !errors.Is(err, ErrReasoningOnly) {
		t.Fatalf("err = %v, want ErrReasoningOnly", err)
	}
}

func TestReasoningSurfacedOnlyWhenEnabled(t *testing.T) {
	chunks := append([]Chunk{{Kind: KindReasoningDelta, Text: "step one"}}, content("answer")...)

	hidden := &fakeSink{}
	if _, err := (&Reconciler{}).Consume(context.Background(), &sliceStream{chunks: chunks}, hidden); err != nil {
		t.Fatalf("err = %v", err)
	}
	for _, f := range hidden.flushed {
		if strings.Contains(f, "step one") {
			t.Fatal("reasoning surfaced despite ShowReasoning=false")
		}
	}

	shown := &fakeSink{}
	stream := &sliceStream{chunks: chunks}
	if _, err := (&Reconciler{ShowReasoning: true}).Consume(context.Background(), stream, shown); err != nil {
		t.Fatalf("err = %v", err)
	}
	found := false
	for _, f := range shown.flushed {
		if strings.Contains(f, "step one") {
			found = true
		}
	}
	if !found {
		t.Fatal("reasoning not surfaced with ShowReasoning=true")
	}
}

func TestErrorFramesAreSkipped(t *testing.T) {
	r := &Reconciler{}
	sink := &fakeSink{}
	chunks := []Chunk{
		{Kind: KindError, ErrMessage: "recoverable blip"},
		{Kind: KindContentDelta, Text: "still here"},
	}
	got, err := r.Consume(context.Background(), &sliceStream{chunks: chunks}, sink)
	if err != nil || got != "" {
		t.Fatalf("got=%q err=%v, error frames must not abort the stream", got, err)
	}
	if strings.Join(sink.flushed, "") != "still here" {
		t.Fatalf("flushed = %v", sink.flushed)
	}
}

func TestSalvageableStreamErrorsApplyRemainderLogic(t *testing.T) {
	salvageable := []error{
		io.ErrUnexpectedEOF,
		errors.New("read tcp: connection reset by peer"),
		errors.New("websocket: keepalive frame parse failed"),
		fmt.Errorf("frame: %w", &json.SyntaxError{}),
		errors.New("read timeout"),
	}
	for _, endErr := range salvageable {
		r := &Reconciler{}
		stream := &sliceStream{chunks: content("salvaged"), endErr: endErr}
		got, err := r.Consume(context.Background(), stream, nil)
		if err != nil {
			t.Errorf("endErr=%v: err = %v, want salvage", endErr, err)
			continue
		}
		if got != "salvaged" {
			t.Errorf("endErr=%v: got %q, want accumulated text", endErr, got)
		}
	}
}

func TestFatalStreamErrorPropagates(t *testing.T) {
	r := &Reconciler{}
	fatal := errors.New("authorization revoked")
	_, err := r.Consume(context.Background(), &sliceStream{chunks: content("x"), endErr: fatal}, nil)
	if !errors.Is(err, fatal) {
		t.Fatalf("err = %v, want the original fatal error", err)
	}
}

func TestToolInvocationSummaryFlushed(t *testing.T) {
	r := &Reconciler{AllowedDMTarget: "42"}
	sink := &fakeSink{}
	args, _ := json.Marshal(map[string]any{"query": "weather in Oslo"})
	chunks := []Chunk{{Kind: KindToolInvocation, ToolID: "t1", ToolName: "web_search", ToolArgs: args}}
	if _, err := r.Consume(context.Background(), &sliceStream{chunks: chunks}, sink); err != nil {
		t.Fatalf("err = %v", err)
	}
	if len(sink.flushed) != 1 || !strings.Contains(sink.flushed[0], "web_search") {
		t.Fatalf("flushed = %v, want one-line tool summary", sink.flushed)
	}
}

func TestDisallowedDMTargetNeutralized(t *testing.T) {
	r := &Reconciler{AllowedDMTarget: "42"}
	sink := &fakeSink{}
	args, _ := json.Marshal(map[string]any{"user_id": "666", "message": "hi"})
	chunks := []Chunk{{Kind: KindToolInvocation, ToolID: "t1", ToolName: "send_message", ToolArgs: args}}

	// Capture the recorded call via a stream that ends after the tool chunk.
	acc := &Accumulator{}
	r.handleToolInvocation(chunks[0], acc, sink)

	calls := acc.ToolCalls()
	if len(calls) != 1 {
		t.Fatalf("tool calls = %d, want 1", len(calls))
	}
	if calls[0].Args["user_id"] != InvalidTargetID {
		t.Fatalf("user_id = %v, want sentinel %q", calls[0].Args["user_id"], InvalidTargetID)
	}
	reported := false
	for _, f := range sink.flushed {
		if strings.Contains(f, "blocked") {
			reported = true
		}
	}
	if !reported {
		t.Fatal("restriction not reported to the output surface")
	}
}

func TestAllowedDMTargetPassesThrough(t *testing.T) {
	r := &Reconciler{AllowedDMTarget: "42"}
	args, _ := json.Marshal(map[string]any{"user_id": "42", "message": "hi"})
	acc := &Accumulator{}
	r.handleToolInvocation(Chunk{Kind: KindToolInvocation, ToolName: "send_message", ToolArgs: args}, acc, &fakeSink{})
	if got := acc.ToolCalls()[0].Args["user_id"]; got != "42" {
		t.Fatalf("user_id = %v, allow-listed target must not be touched", got)
	}
}

func TestRouteOverrideInterceptsDelivery(t *testing.T) {
	var delivered string
	r := &Reconciler{
		AllowedDMTarget: "42",
		Route: &RouteOverride{
			ToolName: "send_message",
			Deliver:  func(text string) error { delivered = text; return nil },
		},
	}
	sink := &fakeSink{}
	args, _ := json.Marshal(map[string]any{"user_id": "42", "message": "reminder: stand up"})
	chunks := []Chunk{{Kind: KindToolInvocation, ToolName: "send_message", ToolArgs: args}}
	if _, err := r.Consume(context.Background(), &sliceStream{chunks: chunks}, sink); err != nil {
		t.Fatalf("err = %v", err)
	}
	if delivered != "reminder: stand up" {
		t.Fatalf("delivered = %q, want the message payload", delivered)
	}
	for _, f := range sink.flushed {
		if strings.Contains(f, "[tool]") {
			t.Fatal("intercepted invocation must not also be summarized")
		}
	}
}

func TestToolArgsRawFallback(t *testing.T) {
	tc := parseToolArgs("weird", json.RawMessage(`not json at all`))
	if tc.Args != nil {
		t.Fatal("expected nil Args for unparseable payload")
	}
	if tc.Raw != "not json at all" {
		t.Fatalf("Raw = %q", tc.Raw)
	}
	if s := summarizeToolCall(tc); !strings.Contains(s, "weird") {
		t.Fatalf("summary = %q", s)
	}
}

func TestToolResultClassification(t *testing.T) {
	cases := []struct {
		value string
		want  string
	}{
		{"response exceeds maximum size limit of 8000 bytes", "too large"},
		{"validation failed: missing field 'q'", "invalid"},
		{"operation timed out after 10s", "timed out"},
		{"error: delivery failed permanently", "failure"},
		{"42 degrees and sunny", "[tool result]"},
	}
	for _, tc := range cases {
		msg := renderToolResult(ToolReturn{ID: "t", Value: tc.value})
		if !strings.Contains(msg, tc.want) {
			t.Errorf("renderToolResult(%q) = %q, want substring %q", tc.value, msg, tc.want)
		}
	}
}

func TestAccumulatorFlushCounterClamped(t *testing.T) {
	a := &Accumulator{}
	a.Append("abcdef")
	a.MarkFlushed(4)
	if a.Remainder() != "ef" {
		t.Fatalf("Remainder = %q", a.Remainder())
	}
	a.MarkFlushed(100) // clamped
	if a.Flushed() != 6 || a.Remainder() != "" {
		t.Fatalf("flushed=%d remainder=%q, counter must clamp to accumulated length", a.Flushed(), a.Remainder())
	}
}

func TestParseChunkFormats(t *testing.T) {
	c, err := ParseChunk([]byte(`{"type":"content_delta","delta":"hey"}`))
	if err != nil || c.Kind != KindContentDelta || c.Text != "hey" {
		t.Fatalf("tagged parse: %+v err=%v", c, err)
	}

	c, err = ParseChunk([]byte(`{"event":"content","data":{"text":"legacy hey"}}`))
	if err != nil || c.Kind != KindContentDelta || c.Text != "legacy hey" {
		t.Fatalf("legacy parse: %+v err=%v", c, err)
	}

	c, err = ParseChunk([]byte(`{"type":"stop","stop_reason":"internal_error"}`))
	if err != nil || c.Kind != KindStop || c.StopReason != StopReasonInternalError {
		t.Fatalf("stop parse: %+v err=%v", c, err)
	}

	c, err = ParseChunk([]byte(`{"type":"tool_result","tool_id":"t9","value":"done"}`))
	if err != nil || c.Kind != KindToolResult || c.ToolValue != "done" {
		t.Fatalf("tool result parse: %+v err=%v", c, err)
	}

	if _, err = ParseChunk([]byte(`garbage`)); err == nil {
		t.Fatal("expected error for unparseable frame")
	}
	if !isSalvageable(err) {
		t.Fatal("unparseable frame errors must be salvageable")
	}

	c, err = ParseChunk([]byte(`{"type":"something_new"}`))
	if err != nil || c.Kind != KindUnknown {
		t.Fatalf("unknown type: %+v err=%v", c, err)
	}
}

func TestTruncateKeepsRuneBoundaries(t *testing.T) {
	cases := []struct {
		name string
		in   string
		n    int
		want string
	}{
		{"short string unchanged", "hello", 10, "hello"},
		{"ascii cut", "hello world", 5, "hello…"},
		{"multibyte rune not split", "héllo", 2, "h…"},
		{"cut inside cjk", "日本語テスト", 4, "日…"},
		{"exact rune boundary", "日本語", 6, "日本…"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := truncate(tc.in, tc.n)
			if got != tc.want {
				t.Fatalf("truncate(%q, %d) = %q, want %q", tc.in, tc.n, got, tc.want)
			}
			if !utf8.ValidString(got) {
				t.Fatalf("truncate(%q, %d) produced invalid UTF-8", tc.in, tc.n)
			}
		})
	}
}
