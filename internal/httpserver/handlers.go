package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	openai "github.com/sashabaranov/go-openai"

	"github.com/johnzilla/arbstr/internal/providererr"
	"github.com/johnzilla/arbstr/internal/retry"
	"github.com/johnzilla/arbstr/internal/router"
	"github.com/johnzilla/arbstr/internal/sse"
	"github.com/johnzilla/arbstr/internal/storage"
)

const (
	policyHeader    = "x-arbstr-policy"
	requestIDHeader = "x-arbstr-request-id"
	providerHeader  = "x-arbstr-provider"
	latencyHeader   = "x-arbstr-latency-ms"
	costHeader      = "x-arbstr-cost-sats"
	streamingHeader = "x-arbstr-streaming"
	retriesHeader   = "x-arbstr-retries"
)

// retryDeadline bounds the entire retry-with-fallback sequence for a
// non-streaming request, independent of how many attempts it takes.
const retryDeadline = 30 * time.Second

// outcome is what one successful dispatch produced. For streaming
// requests, usage/cost are filled in only after the stream completes, so
// they travel separately via the sse.Handle rather than through outcome.
type outcome struct {
	provider         string
	inputTokens      *uint32
	outputTokens     *uint32
	costSats         *float64
	providerCostSats *float64
	body             []byte
	streamBody       io.ReadCloser
}

func (s *State) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	correlationID := uuid.New().String()

	bodyBytes, err := io.ReadAll(r.Body)
	if err != nil {
		perr := providererr.New(http.StatusBadRequest, "failed to read request body: %s", err)
		s.writeError(w, correlationID, 0, nil, false, "", false, perr)
		return
	}

	var req openai.ChatCompletionRequest
	if err := json.Unmarshal(bodyBytes, &req); err != nil {
		perr := providererr.New(http.StatusBadRequest, "invalid request body: %s", err)
		s.writeError(w, correlationID, 0, nil, false, "", false, perr)
		return
	}

	isStreaming := req.Stream
	var policyName *string
	if v := r.Header.Get(policyHeader); v != "" {
		policyName = &v
	}
	userPrompt := UserPrompt(&req)

	log.Printf("[Handler] %s received model=%q streaming=%v", correlationID, req.Model, isStreaming)

	candidates, err := s.Router.SelectCandidates(req.Model, policyName, userPrompt)
	if err != nil {
		perr := providererr.New(http.StatusBadRequest, "%s", err.Error())
		latencyMs := time.Since(start).Milliseconds()
		s.writeError(w, correlationID, latencyMs, nil, isStreaming, "", false, perr)
		s.logFailure(correlationID, start, req.Model, nil, policyName, isStreaming, perr)
		return
	}

	permitted := make([]router.Provider, 0, len(candidates))
	for _, c := range candidates {
		if s.Breakers.Permitted(c.Name) {
			permitted = append(permitted, c)
		}
	}
	if len(permitted) == 0 {
		perr := providererr.New(http.StatusServiceUnavailable, "all candidate providers' circuits are open for model %q", req.Model)
		latencyMs := time.Since(start).Milliseconds()
		s.writeError(w, correlationID, latencyMs, nil, isStreaming, "", false, perr)
		s.logFailure(correlationID, start, req.Model, nil, policyName, isStreaming, perr)
		return
	}

	if isStreaming {
		includeUsageExplicit := ClientSetIncludeUsage(bodyBytes)
		s.handleStreaming(w, r.Context(), correlationID, start, &req, policyName, permitted, includeUsageExplicit)
		return
	}
	s.handleNonStreaming(w, r.Context(), correlationID, start, &req, policyName, permitted)
}

// sendOnce performs one dispatch attempt to provider, resolving the
// circuit breaker permit according to how the attempt turned out: a
// transport error or a retryable-transient status counts as a circuit
// failure; a 4xx (or any other non-retryable status) from a healthy
// provider is recorded as a success, never as a failure.
func (s *State) sendOnce(ctx context.Context, correlationID string, req *openai.ChatCompletionRequest, provider router.Provider, isStreaming bool, includeUsageExplicit bool) (*outcome, *providererr.Error) {
	permit, acqErr := s.Breakers.Acquire(provider.Name)
	if acqErr != nil {
		return nil, providererr.New(http.StatusServiceUnavailable, "%s", acqErr.Error())
	}
	defer permit.Release()

	body := *req
	if isStreaming {
		EnsureStreamOptions(&body, includeUsageExplicit)
	}
	payload, err := json.Marshal(body)
	if err != nil {
		permit.Succeed()
		return nil, providererr.New(http.StatusInternalServerError, "failed to encode request: %s", err)
	}

	url := strings.TrimRight(provider.URL, "/") + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		permit.Succeed()
		return nil, providererr.New(http.StatusInternalServerError, "failed to build upstream request: %s", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", correlationID)
	if !provider.APIKey.IsZero() {
		httpReq.Header.Set("Authorization", "Bearer "+provider.APIKey.Expose())
	}

	resp, err := s.Client.Do(httpReq)
	if err != nil {
		permit.Fail()
		return nil, providererr.FromDispatch(provider.Name, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		resp.Body.Close()
		perr := providererr.FromUpstreamStatus(provider.Name, resp.StatusCode, string(respBody))
		if providererr.IsCircuitFailure(resp.StatusCode) {
			permit.Fail()
		} else {
			permit.Succeed()
		}
		return nil, perr
	}

	if isStreaming {
		permit.Succeed()
		return &outcome{provider: provider.Name, streamBody: resp.Body}, nil
	}

	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		permit.Fail()
		return nil, providererr.WithProvider(http.StatusBadGateway, provider.Name, "failed to read response from %q: %s", provider.Name, err)
	}
	permit.Succeed()

	var parsed map[string]any
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, providererr.WithProvider(http.StatusBadGateway, provider.Name, "failed to parse response from %q: %s", provider.Name, err)
	}

	inputTokens, outputTokens := extractUsage(parsed)
	var costSats *float64
	if inputTokens != nil && outputTokens != nil {
		c := router.ActualCostSats(*inputTokens, *outputTokens, provider.InputRate, provider.OutputRate, provider.BaseFee)
		costSats = &c
	}
	var providerCostSats *float64
	if usage, ok := parsed["usage"].(map[string]any); ok {
		if v, ok := usage["total_cost"].(float64); ok {
			providerCostSats = &v
		}
	}
	parsed["arbstr_provider"] = provider.Name
	finalBody, err := json.Marshal(parsed)
	if err != nil {
		return nil, providererr.New(http.StatusInternalServerError, "failed to re-encode response: %s", err)
	}

	return &outcome{
		provider:         provider.Name,
		inputTokens:      inputTokens,
		outputTokens:     outputTokens,
		costSats:         costSats,
		providerCostSats: providerCostSats,
		body:             finalBody,
	}, nil
}

// extractUsage requires both prompt_tokens and completion_tokens to be
// present; a provider that reports only one of the two is treated as
// having reported neither, matching the observer's "usage object present
// but missing expected fields" posture in the streaming path.
func extractUsage(parsed map[string]any) (*uint32, *uint32) {
	usage, ok := parsed["usage"].(map[string]any)
	if !ok || usage == nil {
		return nil, nil
	}
	in, inOk := usage["prompt_tokens"].(float64)
	out, outOk := usage["completion_tokens"].(float64)
	if !inOk || !outOk {
		return nil, nil
	}
	i, o := uint32(in), uint32(out)
	return &i, &o
}

func (s *State) handleNonStreaming(w http.ResponseWriter, parentCtx context.Context, correlationID string, start time.Time, req *openai.ChatCompletionRequest, policyName *string, permitted []router.Provider) {
	ctx, cancel := context.WithTimeout(parentCtx, retryDeadline)
	defer cancel()

	attempts := retry.NewAttemptLog()
	candidates := make([]retry.Candidate, len(permitted))
	byName := make(map[string]router.Provider, len(permitted))
	for i, p := range permitted {
		candidates[i] = retry.Candidate{Name: p.Name}
		byName[p.Name] = p
	}

	send := func(ctx context.Context, c retry.Candidate) (*outcome, error) {
		out, perr := s.sendOnce(ctx, correlationID, req, byName[c.Name], false, false)
		if perr != nil {
			return nil, perr
		}
		return out, nil
	}

	result, err := retry.WithFallback(ctx, candidates, attempts, send)
	latencyMs := time.Since(start).Milliseconds()
	recorded := attempts.Records()
	retriesVal, hasRetries := retry.FormatRetriesHeader(recorded)

	if err != nil {
		var perr *providererr.Error
		if ctx.Err() == context.DeadlineExceeded {
			perr = providererr.New(http.StatusGatewayTimeout, "request timed out after %s (retry budget exhausted)", retryDeadline)
		} else if coded, ok := err.(*providererr.Error); ok {
			perr = coded
		} else {
			perr = providererr.New(http.StatusBadGateway, "%s", err.Error())
		}
		provider := lastProviderName(recorded)
		s.writeError(w, correlationID, latencyMs, provider, false, retriesVal, hasRetries, perr)
		s.logOutcome(correlationID, start, req.Model, provider, policyName, false, latencyMs, nil, perr, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	s.attachSuccessHeaders(w, correlationID, latencyMs, result.provider, result.costSats, false, retriesVal, hasRetries)
	w.WriteHeader(http.StatusOK)
	w.Write(result.body)

	s.logOutcome(correlationID, start, req.Model, strPtr(result.provider), policyName, false, latencyMs, result, nil, nil)
}

func (s *State) handleStreaming(w http.ResponseWriter, parentCtx context.Context, correlationID string, start time.Time, req *openai.ChatCompletionRequest, policyName *string, permitted []router.Provider, includeUsageExplicit bool) {
	primary := permitted[0]
	out, perr := s.sendOnce(parentCtx, correlationID, req, primary, true, includeUsageExplicit)
	latencyMs := time.Since(start).Milliseconds()

	if perr != nil {
		provider := strPtr(primary.Name)
		s.writeError(w, correlationID, latencyMs, provider, true, "", false, perr)
		s.logOutcome(correlationID, start, req.Model, provider, policyName, true, latencyMs, nil, perr, nil)
		return
	}

	if s.Store != nil {
		s.Store.SpawnInsert(storage.RequestLog{
			CorrelationID: correlationID,
			Timestamp:     start.UTC().Format(time.RFC3339),
			Model:         req.Model,
			Provider:      strPtr(out.provider),
			Policy:        policyName,
			Streaming:     true,
			LatencyMs:     latencyMs,
			Success:       true,
		})
	}

	reader, handle := sse.Wrap(out.streamBody)

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set(requestIDHeader, correlationID)
	h.Set(providerHeader, out.provider)
	h.Set(streamingHeader, "true")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	streamStart := time.Now()
	buf := make([]byte, 32*1024)
	for {
		n, readErr := reader.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				break
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if readErr != nil {
			break
		}
	}
	reader.Close()
	streamDurationMs := time.Since(streamStart).Milliseconds()

	result := handle.Result()
	if result == nil || !result.DoneReceived {
		errMsg := "client_disconnected"
		if s.Store != nil {
			s.Store.SpawnUpdateStreamCompletion(correlationID, nil, nil, nil, streamDurationMs, false, &errMsg)
		}
		return
	}

	var inputTokens, outputTokens *uint32
	var costSats *float64
	if result.Usage != nil {
		inputTokens = &result.Usage.PromptTokens
		outputTokens = &result.Usage.CompletionTokens
		c := router.ActualCostSats(result.Usage.PromptTokens, result.Usage.CompletionTokens, primary.InputRate, primary.OutputRate, primary.BaseFee)
		costSats = &c
	}

	if s.Store != nil {
		s.Store.SpawnUpdateStreamCompletion(correlationID, inputTokens, outputTokens, costSats, streamDurationMs, true, nil)
	}
}

func lastProviderName(records []retry.AttemptRecord) *string {
	if len(records) == 0 {
		return nil
	}
	return strPtr(records[len(records)-1].ProviderName)
}

func strPtr(s string) *string { return &s }

func formatCost(v float64) string {
	return decimal.NewFromFloat(v).StringFixed(2)
}

func (s *State) attachSuccessHeaders(w http.ResponseWriter, correlationID string, latencyMs int64, provider string, costSats *float64, streaming bool, retriesVal string, hasRetries bool) {
	h := w.Header()
	h.Set(requestIDHeader, correlationID)
	if provider != "" {
		h.Set(providerHeader, provider)
	}
	if streaming {
		h.Set(streamingHeader, "true")
	} else {
		h.Set(latencyHeader, strconv.FormatInt(latencyMs, 10))
		if costSats != nil {
			h.Set(costHeader, formatCost(*costSats))
		}
	}
	if hasRetries {
		h.Set(retriesHeader, retriesVal)
	}
}

func (s *State) writeError(w http.ResponseWriter, correlationID string, latencyMs int64, provider *string, streaming bool, retriesVal string, hasRetries bool, perr *providererr.Error) {
	h := w.Header()
	h.Set(requestIDHeader, correlationID)
	if provider != nil {
		h.Set(providerHeader, *provider)
	}
	if streaming {
		h.Set(streamingHeader, "true")
	} else {
		h.Set(latencyHeader, strconv.FormatInt(latencyMs, 10))
	}
	if hasRetries {
		h.Set(retriesHeader, retriesVal)
	}
	providererr.WriteJSON(w, perr.Status, perr.Message)
}

// logFailure records a request that never reached (or never completed) a
// dispatch attempt, e.g. a routing failure before any provider was tried.
func (s *State) logFailure(correlationID string, start time.Time, model string, provider, policy *string, streaming bool, perr *providererr.Error) {
	s.logOutcome(correlationID, start, model, provider, policy, streaming, time.Since(start).Milliseconds(), nil, perr, nil)
}

// logOutcome writes one request log row, fire-and-forget, covering both
// success (out != nil) and failure (perr != nil) shapes.
func (s *State) logOutcome(correlationID string, start time.Time, model string, provider, policy *string, streaming bool, latencyMs int64, out *outcome, perr *providererr.Error, streamDurationMs *int64) {
	if s.Store == nil {
		return
	}
	l := storage.RequestLog{
		CorrelationID:    correlationID,
		Timestamp:        start.UTC().Format(time.RFC3339),
		Model:            model,
		Provider:         provider,
		Policy:           policy,
		Streaming:        streaming,
		LatencyMs:        latencyMs,
		StreamDurationMs: streamDurationMs,
		Success:          perr == nil,
	}
	if out != nil {
		l.InputTokens = out.inputTokens
		l.OutputTokens = out.outputTokens
		l.CostSats = out.costSats
		l.ProviderCostSats = out.providerCostSats
	}
	if perr != nil {
		status := perr.Status
		msg := perr.Message
		l.ErrorStatus = &status
		l.ErrorMessage = &msg
	}
	s.Store.SpawnInsert(l)
}
