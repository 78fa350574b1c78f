// Package sse observes an OpenAI-compatible SSE response stream while
// passing every byte through unmodified, extracting usage and
// finish_reason for logging without ever touching the bytes the client
// receives.
package sse

import (
	"bytes"
	"encoding/json"
	"io"
	"log"
	"sync"
)

// bufferCap is the line-reassembly buffer's safety valve. A provider
// that sends no newlines would otherwise grow the buffer without bound;
// past this size it is drained and a warning logged instead.
const bufferCap = 64 * 1024

// Usage is the token usage extracted from the final non-null usage
// object in the stream.
type Usage struct {
	PromptTokens     uint32
	CompletionTokens uint32
}

// Result is what observing a stream to completion (or early close)
// produced.
type Result struct {
	Usage        *Usage
	FinishReason string
	DoneReceived bool
}

// Empty is the result for a stream that ended without data: [DONE],
// whether because the provider never sent it or the client disconnected
// before it arrived.
func Empty() Result {
	return Result{}
}

// observer holds the line-reassembly buffer and extraction state for one
// stream. Not safe for concurrent use; a reader wrapper serializes calls.
type observer struct {
	buf          []byte
	usage        *Usage
	finishReason string
	doneReceived bool
}

// processChunk appends bytes and consumes every complete line currently
// buffered, leaving a trailing partial line (if any) for the next call.
func (o *observer) processChunk(b []byte) {
	o.buf = append(o.buf, b...)

	if len(o.buf) > bufferCap {
		log.Printf("[SSE] buffer exceeded %dKB cap, draining", bufferCap/1024)
		o.buf = o.buf[:0]
		return
	}

	for {
		nl := bytes.IndexByte(o.buf, '\n')
		if nl < 0 {
			return
		}
		lineEnd := nl
		if lineEnd > 0 && o.buf[lineEnd-1] == '\r' {
			lineEnd--
		}
		line := string(o.buf[:lineEnd])
		o.buf = o.buf[nl+1:]
		o.processLine(line)
	}

	// What remains has no newline; past the cap it is dropped.
	if len(o.buf) > bufferCap {
		log.Printf("[SSE] buffer exceeded %dKB cap, draining", bufferCap/1024)
		o.buf = o.buf[:0]
	}
}

// flush processes any remaining partial line, handling a final data:
// [DONE] sent without a trailing newline right before the connection
// closes.
func (o *observer) flush() {
	if len(o.buf) == 0 {
		return
	}
	remaining := o.buf
	o.buf = nil
	if len(remaining) > 0 && remaining[len(remaining)-1] == '\r' {
		remaining = remaining[:len(remaining)-1]
	}
	o.processLine(string(remaining))
}

func (o *observer) processLine(line string) {
	if line == "" {
		return // SSE event delimiter
	}
	if line[0] == ':' {
		return // comment line
	}
	switch {
	case hasPrefix(line, "event:"), hasPrefix(line, "id:"), hasPrefix(line, "retry:"):
		return
	}

	data, ok := cutDataPrefix(line)
	if !ok {
		return // unrecognized field, ignored per the SSE spec
	}
	o.processData(data)
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

func cutDataPrefix(line string) (string, bool) {
	const withSpace = "data: "
	const withoutSpace = "data:"
	if hasPrefix(line, withSpace) {
		return line[len(withSpace):], true
	}
	if hasPrefix(line, withoutSpace) {
		return line[len(withoutSpace):], true
	}
	return "", false
}

func (o *observer) processData(data string) {
	data = trimSpace(data)
	if data == "[DONE]" {
		o.doneReceived = true
		return
	}

	var parsed struct {
		Choices []struct {
			FinishReason *string `json:"finish_reason"`
		} `json:"choices"`
		Usage *struct {
			PromptTokens     *uint32 `json:"prompt_tokens"`
			CompletionTokens *uint32 `json:"completion_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal([]byte(data), &parsed); err != nil {
		log.Printf("[SSE] failed to parse data line as JSON: %v", err)
		return
	}

	if len(parsed.Choices) > 0 && parsed.Choices[0].FinishReason != nil {
		o.finishReason = *parsed.Choices[0].FinishReason
	}
	if parsed.Usage != nil {
		if parsed.Usage.PromptTokens != nil && parsed.Usage.CompletionTokens != nil {
			o.usage = &Usage{
				PromptTokens:     *parsed.Usage.PromptTokens,
				CompletionTokens: *parsed.Usage.CompletionTokens,
			}
		} else {
			log.Printf("[SSE] usage object present but missing expected fields")
		}
	}
}

func trimSpace(s string) string {
	start, end := 0, len(s)
	for start < end && isSpace(s[start]) {
		start++
	}
	for end > start && isSpace(s[end-1]) {
		end--
	}
	return s[start:end]
}

func isSpace(b byte) bool { return b == ' ' || b == '\t' || b == '\r' || b == '\n' }

func (o *observer) result() Result {
	if !o.doneReceived {
		return Empty()
	}
	return Result{Usage: o.usage, FinishReason: o.finishReason, DoneReceived: true}
}

// Handle is populated exactly once observation ends, whether because the
// underlying stream was fully read or because the caller stopped reading
// early (client disconnect, upstream error). Safe for concurrent access:
// the HTTP handler reads it after calling Close while a logging goroutine
// may observe it too.
type Handle struct {
	mu     sync.Mutex
	result *Result
}

// Result returns the final result, or nil if observation hasn't finished
// yet (Close/EOF hasn't happened).
func (h *Handle) Result() *Result {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.result == nil {
		return nil
	}
	r := *h.result
	return &r
}

func (h *Handle) set(r Result) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.result != nil {
		return // already finalized; never overwrite
	}
	h.result = &r
}

// Reader wraps an upstream SSE body, forwarding every byte read
// unmodified to the caller while feeding the same bytes to an observer
// for usage/finish_reason extraction. The extraction runs under a
// recover() so a bug in the observer can never break byte passthrough.
//
// Close must be called exactly once when the caller is done with the
// stream (typically deferred at the handler's stream-consumption site);
// it finalizes Handle from whatever was observed, even if the body was
// closed before EOF.
type Reader struct {
	src      io.ReadCloser
	obs      *observer
	handle   *Handle
	finished bool
}

// Wrap returns a passthrough Reader over src plus the Handle that will
// hold the extraction result once Close is called.
func Wrap(src io.ReadCloser) (*Reader, *Handle) {
	h := &Handle{}
	return &Reader{src: src, obs: &observer{}, handle: h}, h
}

// Read implements io.Reader, forwarding bytes from the wrapped source
// unmodified.
func (r *Reader) Read(p []byte) (int, error) {
	n, err := r.src.Read(p)
	if n > 0 {
		r.observeChunk(p[:n])
	}
	if err == io.EOF {
		r.finish()
	}
	return n, err
}

func (r *Reader) observeChunk(b []byte) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("[SSE] recovered from panic in stream observer: %v", rec)
		}
	}()
	r.obs.processChunk(b)
}

func (r *Reader) finish() {
	if r.finished {
		return
	}
	r.finished = true
	func() {
		defer func() {
			if rec := recover(); rec != nil {
				log.Printf("[SSE] recovered from panic finalizing stream observer: %v", rec)
			}
		}()
		r.obs.flush()
	}()
	r.handle.set(r.obs.result())
}

// Close closes the wrapped source and finalizes Handle if Read never
// reached EOF (client disconnect, upstream reset, handler early-return).
// Safe to call after Read already reached EOF.
func (r *Reader) Close() error {
	r.finish()
	return r.src.Close()
}
