package llm

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"go.uber.org/zap"
)

// Extras are the OpenRouter-specific request fields injected by the
// transport. Zero-value fields are not injected.
type Extras struct {
	Transforms []string
	Route      string
	Verbosity  string
}

// openRouterTransport rewrites chat-completion exchanges in both directions:
// request bodies gain the provider extras, responses get hidden reasoning
// folded into message content, and 400-class responses that nonetheless
// carry a usable choice are upgraded to 200. Any failure to re-parse a body
// passes the original exchange through untouched.
type openRouterTransport struct {
	base   http.RoundTripper
	extras Extras
	log    *zap.Logger
}

func newOpenRouterTransport(base http.RoundTripper, extras Extras, log *zap.Logger) *openRouterTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &openRouterTransport{base: base, extras: extras, log: log}
}

func (t *openRouterTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Body != nil {
		if rewritten, ok := t.injectExtras(req); ok {
			req = rewritten
		}
	}

	resp, err := t.base.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	return t.interceptResponse(resp), nil
}

// injectExtras merges the configured extras into the JSON request body.
// Returns ok=false (leaving the request untouched) when the body is not a
// JSON object.
func (t *openRouterTransport) injectExtras(req *http.Request) (*http.Request, bool) {
	if t.extras.Route == "" && t.extras.Verbosity == "" && len(t.extras.Transforms) == 0 {
		return req, false
	}

	raw, err := io.ReadAll(req.Body)
	_ = req.Body.Close()
	if err != nil {
		req.Body = io.NopCloser(bytes.NewReader(nil))
		return req, false
	}

	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		req.Body = io.NopCloser(bytes.NewReader(raw))
		return req, false
	}

	if len(t.extras.Transforms) > 0 {
		body["transforms"] = t.extras.Transforms
	}
	if t.extras.Route != "" {
		body["route"] = t.extras.Route
	}
	if t.extras.Verbosity != "" {
		body["verbosity"] = t.extras.Verbosity
	}

	merged, err := json.Marshal(body)
	if err != nil {
		req.Body = io.NopCloser(bytes.NewReader(raw))
		return req, false
	}

	clone := req.Clone(req.Context())
	clone.Body = io.NopCloser(bytes.NewReader(merged))
	clone.ContentLength = int64(len(merged))
	clone.Header.Set("Content-Length", strconv.Itoa(len(merged)))
	return clone, true
}

// reasoningDetail is one entry of the structured reasoning_details array.
// Types reasoning.text and reasoning.summary contribute text;
// reasoning.encrypted is opaque and skipped.
type reasoningDetail struct {
	Type    string `json:"type"`
	Text    string `json:"text"`
	Summary string `json:"summary"`
}

func (t *openRouterTransport) interceptResponse(resp *http.Response) *http.Response {
	raw, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		resp.Body = io.NopCloser(bytes.NewReader(nil))
		return resp
	}
	restore := func() *http.Response {
		resp.Body = io.NopCloser(bytes.NewReader(raw))
		return resp
	}

	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		return restore()
	}

	switch {
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		// Some free-tier models answer 400 with a complete choice in the
		// body. If one is present, the exchange succeeded in every way that
		// matters.
		if content, ok := firstChoiceContent(body); ok && content != "" {
			t.log.Info("recovered usable completion from 4xx response",
				zap.Int("status", resp.StatusCode))
			return t.replaceBody(resp, raw, body, http.StatusOK)
		}
		return restore()
	case resp.StatusCode == http.StatusOK:
		if foldReasoning(body) {
			return t.replaceBody(resp, raw, body, resp.StatusCode)
		}
		return restore()
	default:
		return restore()
	}
}

// replaceBody re-serializes the mutated body; on marshal failure the
// original bytes pass through with the original status.
func (t *openRouterTransport) replaceBody(resp *http.Response, original []byte, body map[string]any, status int) *http.Response {
	merged, err := json.Marshal(body)
	if err != nil {
		resp.Body = io.NopCloser(bytes.NewReader(original))
		return resp
	}
	resp.StatusCode = status
	resp.Status = http.StatusText(status)
	resp.Body = io.NopCloser(bytes.NewReader(merged))
	resp.ContentLength = int64(len(merged))
	resp.Header.Set("Content-Length", strconv.Itoa(len(merged)))
	return resp
}

// foldReasoning moves hidden reasoning (message.reasoning, or structured
// message.reasoning_details) into message.content wrapped in <reasoning>
// tags. Returns whether anything changed.
func foldReasoning(body map[string]any) bool {
	choices, ok := body["choices"].([]any)
	if !ok {
		return false
	}
	changed := false
	for _, c := range choices {
		choice, ok := c.(map[string]any)
		if !ok {
			continue
		}
		message, ok := choice["message"].(map[string]any)
		if !ok {
			continue
		}

		reasoning := extractReasoning(message)
		if reasoning == "" {
			continue
		}
		content, _ := message["content"].(string)
		message["content"] = "<reasoning>" + reasoning + "</reasoning>" + content
		changed = true
	}
	return changed
}

func extractReasoning(message map[string]any) string {
	if r, ok := message["reasoning"].(string); ok && r != "" {
		return r
	}

	rawDetails, ok := message["reasoning_details"].([]any)
	if !ok {
		return ""
	}
	var buf bytes.Buffer
	for _, rd := range rawDetails {
		blob, err := json.Marshal(rd)
		if err != nil {
			continue
		}
		var detail reasoningDetail
		if err := json.Unmarshal(blob, &detail); err != nil {
			continue
		}
		var text string
		switch detail.Type {
		case "reasoning.text":
			text = detail.Text
		case "reasoning.summary":
			text = detail.Summary
		default:
			// reasoning.encrypted and future types are skipped.
			continue
		}
		if text == "" {
			continue
		}
		if buf.Len() > 0 {
			buf.WriteString("\n")
		}
		buf.WriteString(text)
	}
	return buf.String()
}

func firstChoiceContent(body map[string]any) (string, bool) {
	choices, ok := body["choices"].([]any)
	if !ok || len(choices) == 0 {
		return "", false
	}
	choice, ok := choices[0].(map[string]any)
	if !ok {
		return "", false
	}
	message, ok := choice["message"].(map[string]any)
	if !ok {
		return "", false
	}
	content, ok := message["content"].(string)
	return content, ok
}
