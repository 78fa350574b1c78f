package httpserver

import (
	"encoding/json"

	openai "github.com/sashabaranov/go-openai"
)

// UserPrompt returns the content of the last "user"-role message in req,
// used for keyword-based policy matching. Returns nil if there is no user
// message.
func UserPrompt(req *openai.ChatCompletionRequest) *string {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == openai.ChatMessageRoleUser {
			content := req.Messages[i].Content
			return &content
		}
	}
	return nil
}

// ClientSetIncludeUsage reports whether the raw request body explicitly
// included a stream_options.include_usage key, regardless of whether its
// value was true or false. go-openai decodes StreamOptions.IncludeUsage as
// a plain bool, so "absent" and "explicitly false" both unmarshal to the
// same zero value; this inspects the raw JSON to tell them apart.
func ClientSetIncludeUsage(rawBody []byte) bool {
	var generic struct {
		StreamOptions map[string]json.RawMessage `json:"stream_options"`
	}
	if err := json.Unmarshal(rawBody, &generic); err != nil {
		return false
	}
	_, ok := generic.StreamOptions["include_usage"]
	return ok
}

// EnsureStreamOptions turns on include_usage for a streaming request so
// the proxy can observe usage from the SSE stream, merging into any
// stream_options the client already sent rather than replacing it
// wholesale: if clientSetIncludeUsage is true, the client's own value
// (true or false) is left untouched.
func EnsureStreamOptions(req *openai.ChatCompletionRequest, clientSetIncludeUsage bool) {
	if req.StreamOptions == nil {
		req.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
		return
	}
	if !clientSetIncludeUsage {
		req.StreamOptions.IncludeUsage = true
	}
}
