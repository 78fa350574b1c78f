package sse

import (
	"bytes"
	"io"
	"testing"
)

// nopCloser turns a bytes.Reader into an io.ReadCloser for Wrap.
type nopCloser struct {
	io.Reader
}

func (nopCloser) Close() error { return nil }

func wrapBytes(b []byte) (*Reader, *Handle) {
	return Wrap(nopCloser{bytes.NewReader(b)})
}

func drain(t *testing.T, r *Reader) []byte {
	t.Helper()
	out, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("unexpected read error: %v", err)
	}
	return out
}

func buildSSE(events []string) []byte {
	var buf bytes.Buffer
	for _, e := range events {
		buf.WriteString(e)
		buf.WriteString("\n\n")
	}
	return buf.Bytes()
}

func TestSingleChunkFullStream(t *testing.T) {
	raw := buildSSE([]string{
		`data: {"id":"abc","choices":[{"index":0,"delta":{"role":"assistant"},"finish_reason":null}],"usage":null}`,
		`data: {"id":"abc","choices":[{"index":0,"delta":{"content":"Hello"},"finish_reason":null}],"usage":null}`,
		`data: {"id":"abc","choices":[{"index":0,"delta":{"content":" world"},"finish_reason":"stop"}],"usage":null}`,
		`data: {"id":"abc","choices":[],"usage":{"prompt_tokens":6,"completion_tokens":10,"total_tokens":16}}`,
		"data: [DONE]",
	})

	r, h := wrapBytes(raw)
	got := drain(t, r)
	if !bytes.Equal(got, raw) {
		t.Fatalf("bytes not forwarded unmodified")
	}
	if err := r.Close(); err != nil {
		t.Fatalf("close error: %v", err)
	}

	result := h.Result()
	if result == nil || !result.DoneReceived {
		t.Fatalf("expected DoneReceived, got %+v", result)
	}
	if result.Usage == nil || result.Usage.PromptTokens != 6 || result.Usage.CompletionTokens != 10 {
		t.Errorf("unexpected usage: %+v", result.Usage)
	}
	if result.FinishReason != "stop" {
		t.Errorf("expected finish_reason stop, got %q", result.FinishReason)
	}
}

func TestNoUsageWithDone(t *testing.T) {
	raw := buildSSE([]string{
		`data: {"id":"abc","choices":[{"index":0,"delta":{"content":"Hi"},"finish_reason":"stop"}],"usage":null}`,
		"data: [DONE]",
	})
	r, h := wrapBytes(raw)
	drain(t, r)
	r.Close()

	result := h.Result()
	if result == nil || !result.DoneReceived {
		t.Fatalf("expected done, got %+v", result)
	}
	if result.Usage != nil {
		t.Errorf("expected no usage, got %+v", result.Usage)
	}
	if result.FinishReason != "stop" {
		t.Errorf("expected finish_reason stop, got %q", result.FinishReason)
	}
}

func TestNoDoneReturnsEmpty(t *testing.T) {
	raw := buildSSE([]string{
		`data: {"id":"abc","choices":[{"index":0,"delta":{"content":"Hi"},"finish_reason":"stop"}],"usage":null}`,
	})
	r, h := wrapBytes(raw)
	drain(t, r)
	r.Close()

	result := h.Result()
	if result == nil || result.DoneReceived {
		t.Fatalf("expected empty result, got %+v", result)
	}
	if result.Usage != nil || result.FinishReason != "" {
		t.Errorf("expected zero-value result, got %+v", result)
	}
}

func TestMalformedJSONSkipped(t *testing.T) {
	raw := buildSSE([]string{
		"data: {this is not valid json}",
		`data: {"id":"abc","choices":[],"usage":{"prompt_tokens":8,"completion_tokens":3,"total_tokens":11}}`,
		"data: [DONE]",
	})
	r, h := wrapBytes(raw)
	drain(t, r)
	r.Close()

	result := h.Result()
	if result == nil || !result.DoneReceived {
		t.Fatalf("expected done despite malformed line, got %+v", result)
	}
	if result.Usage == nil || result.Usage.PromptTokens != 8 || result.Usage.CompletionTokens != 3 {
		t.Errorf("unexpected usage: %+v", result.Usage)
	}
}

func TestNonDataSSEFieldsSkipped(t *testing.T) {
	raw := []byte("event: message\nid: 123\nretry: 5000\n: this is a comment\ndata: {\"id\":\"abc\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"Hi\"},\"finish_reason\":\"stop\"}],\"usage\":null}\n\ndata: [DONE]\n\n")
	r, h := wrapBytes(raw)
	drain(t, r)
	r.Close()

	result := h.Result()
	if result == nil || !result.DoneReceived || result.FinishReason != "stop" {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestCRLFLineEndings(t *testing.T) {
	raw := []byte("data: {\"id\":\"abc\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"Hi\"},\"finish_reason\":\"stop\"}],\"usage\":null}\r\n\r\ndata: {\"id\":\"abc\",\"choices\":[],\"usage\":{\"prompt_tokens\":4,\"completion_tokens\":2,\"total_tokens\":6}}\r\n\r\ndata: [DONE]\r\n\r\n")
	r, h := wrapBytes(raw)
	drain(t, r)
	r.Close()

	result := h.Result()
	if result == nil || !result.DoneReceived {
		t.Fatalf("expected done, got %+v", result)
	}
	if result.Usage == nil || result.Usage.PromptTokens != 4 || result.Usage.CompletionTokens != 2 {
		t.Errorf("unexpected usage: %+v", result.Usage)
	}
	if result.FinishReason != "stop" {
		t.Errorf("expected finish_reason stop, got %q", result.FinishReason)
	}
}

func TestDataWithoutSpace(t *testing.T) {
	raw := []byte("data:{\"id\":\"abc\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"Hi\"},\"finish_reason\":\"stop\"}],\"usage\":null}\n\ndata:[DONE]\n\n")
	r, h := wrapBytes(raw)
	drain(t, r)
	r.Close()

	result := h.Result()
	if result == nil || !result.DoneReceived || result.FinishReason != "stop" {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestDoneWithoutTrailingNewline(t *testing.T) {
	raw := []byte("data: {\"id\":\"abc\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"Hi\"},\"finish_reason\":\"stop\"}],\"usage\":null}\n\ndata: [DONE]")
	r, h := wrapBytes(raw)
	drain(t, r)
	r.Close()

	result := h.Result()
	if result == nil || !result.DoneReceived {
		t.Fatalf("expected flush to catch trailing [DONE] with no newline, got %+v", result)
	}
	if result.FinishReason != "stop" {
		t.Errorf("expected finish_reason stop, got %q", result.FinishReason)
	}
}

func TestEmptyStream(t *testing.T) {
	r, h := wrapBytes(nil)
	drain(t, r)
	r.Close()

	result := h.Result()
	if result == nil || result.DoneReceived {
		t.Fatalf("expected empty result for empty stream, got %+v", result)
	}
}

func TestBufferCapDrainsThenRecovers(t *testing.T) {
	huge := bytes.Repeat([]byte("x"), 65*1024)
	normal := []byte("data: {\"id\":\"abc\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"ok\"},\"finish_reason\":\"stop\"}],\"usage\":null}\n\ndata: [DONE]\n\n")
	// The oversized newline-free run arrives as a read of its own, so the
	// cap drains it before the normal events are seen.
	r, h := Wrap(&chunkedReader{chunks: [][]byte{huge, normal}})
	buf := make([]byte, len(huge))
	for {
		if _, err := r.Read(buf); err != nil {
			break
		}
	}
	r.Close()

	result := h.Result()
	if result == nil || !result.DoneReceived {
		t.Fatalf("expected stream to recover after the buffer cap drains, got %+v", result)
	}
	if result.FinishReason != "stop" {
		t.Errorf("expected finish_reason stop, got %q", result.FinishReason)
	}
}

// chunkedReader replays pre-split byte slices one Read call at a time,
// simulating arbitrary TCP chunk boundaries independent of buffer size.
type chunkedReader struct {
	chunks [][]byte
	idx    int
}

func (c *chunkedReader) Read(p []byte) (int, error) {
	if c.idx >= len(c.chunks) {
		return 0, io.EOF
	}
	n := copy(p, c.chunks[c.idx])
	c.idx++
	return n, nil
}

func (c *chunkedReader) Close() error { return nil }

func TestUsageSplitAcrossChunks(t *testing.T) {
	full := buildSSE([]string{
		`data: {"id":"abc","choices":[{"index":0,"delta":{"content":"Hi"},"finish_reason":"stop"}],"usage":null}`,
		`data: {"id":"abc","choices":[],"usage":{"prompt_tokens":10,"completion_tokens":5,"total_tokens":15}}`,
		"data: [DONE]",
	})
	// Split mid-line at a handful of arbitrary byte offsets.
	splits := []int{50, 120, 180}
	var chunks [][]byte
	prev := 0
	for _, pos := range splits {
		if pos > prev && pos < len(full) {
			chunks = append(chunks, full[prev:pos])
			prev = pos
		}
	}
	chunks = append(chunks, full[prev:])

	r, h := Wrap(&chunkedReader{chunks: chunks})
	got := drain(t, r)
	if !bytes.Equal(got, full) {
		t.Fatalf("bytes not forwarded unmodified across chunk boundaries")
	}
	r.Close()

	result := h.Result()
	if result == nil || !result.DoneReceived {
		t.Fatalf("expected done, got %+v", result)
	}
	if result.Usage == nil || result.Usage.PromptTokens != 10 || result.Usage.CompletionTokens != 5 {
		t.Errorf("unexpected usage after chunk-boundary split: %+v", result.Usage)
	}
	if result.FinishReason != "stop" {
		t.Errorf("expected finish_reason stop, got %q", result.FinishReason)
	}
}

func TestCloseBeforeEOFFinalizesWhateverWasSeen(t *testing.T) {
	chunk1 := []byte(`data: {"id":"abc","choices":[{"index":0,"delta":{"content":"Hi"},"finish_reason":"stop"}],"usage":null}` + "\n\n")
	chunk2 := []byte(`data: [DONE]` + "\n\n")

	r, h := Wrap(&chunkedReader{chunks: [][]byte{chunk1, chunk2}})

	buf := make([]byte, len(chunk1))
	n, err := r.Read(buf)
	if err != nil || n != len(chunk1) {
		t.Fatalf("unexpected first read: n=%d err=%v", n, err)
	}

	// Close before EOF: only chunk1 was ever observed, so DoneReceived
	// must be false even though chunk2 (never read) contains [DONE].
	r.Close()

	result := h.Result()
	if result == nil {
		t.Fatal("expected Close to finalize a result")
	}
	if result.DoneReceived {
		t.Errorf("expected DoneReceived=false since [DONE] was never read, got %+v", result)
	}
}

func TestResultNeverOverwrittenAfterFinalize(t *testing.T) {
	raw := buildSSE([]string{"data: [DONE]"})
	r, h := wrapBytes(raw)
	drain(t, r)
	r.Close()
	first := h.Result()

	r.Close() // second close must be a no-op
	second := h.Result()

	if first.DoneReceived != second.DoneReceived {
		t.Errorf("result changed across repeated Close calls")
	}
}
