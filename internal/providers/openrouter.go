package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultOpenRouterModel = "anthropic/claude-sonnet-4.5"
	openRouterAPIBase      = "https://openrouter.ai/api/v1"
)

// OpenRouter implements Provider against the OpenRouter chat completions
// API. It also exposes image generation through the same endpoint using
// output modalities.
type OpenRouter struct {
	apiKey       string
	baseURL      string
	defaultModel string
	client       *http.Client
	retry        RetryConfig
}

func NewOpenRouter(apiKey, baseURL, model string) *OpenRouter {
	if baseURL == "" {
		baseURL = openRouterAPIBase
	}
	if model == "" {
		model = defaultOpenRouterModel
	}
	return &OpenRouter{
		apiKey:       apiKey,
		baseURL:      strings.TrimRight(baseURL, "/"),
		defaultModel: model,
		client:       &http.Client{Timeout: 180 * time.Second},
		retry:        DefaultRetryConfig(),
	}
}

func (p *OpenRouter) Name() string         { return "openrouter" }
func (p *OpenRouter) DefaultModel() string { return p.defaultModel }

func (p *OpenRouter) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	body := p.requestBody(p.resolveModel(req.Model), req, false)

	return RetryDo(ctx, p.retry, func() (*ChatResponse, error) {
		respBody, err := p.post(ctx, "/chat/completions", body)
		if err != nil {
			return nil, err
		}
		defer respBody.Close()

		var resp openrouterResponse
		if err := json.NewDecoder(respBody).Decode(&resp); err != nil {
			return nil, fmt.Errorf("openrouter: decode response: %w", err)
		}
		return resp.toChatResponse(), nil
	})
}

func (p *OpenRouter) ChatStream(ctx context.Context, req ChatRequest, onChunk func(StreamChunk)) (*ChatResponse, error) {
	body := p.requestBody(p.resolveModel(req.Model), req, true)

	respBody, err := RetryDo(ctx, p.retry, func() (io.ReadCloser, error) {
		return p.post(ctx, "/chat/completions", body)
	})
	if err != nil {
		return nil, err
	}
	defer respBody.Close()

	result := &ChatResponse{FinishReason: "stop"}

	// Tool call deltas arrive fragmented; arguments accumulate as raw
	// JSON keyed by the call index until the stream ends.
	type accumulator struct {
		ToolCall
		rawArgs string
	}
	var accs []*accumulator

	scanner := bufio.NewScanner(respBody)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var chunk openrouterStreamChunk
		if json.Unmarshal([]byte(data), &chunk) != nil {
			continue
		}
		if chunk.Usage != nil {
			u := chunk.Usage.toUsage()
			result.Usage = &u
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]

		if choice.Delta.Content != "" {
			result.Content += choice.Delta.Content
			if onChunk != nil {
				onChunk(StreamChunk{Content: choice.Delta.Content})
			}
		}
		if choice.Delta.Reasoning != "" {
			result.Thinking += choice.Delta.Reasoning
			if onChunk != nil {
				onChunk(StreamChunk{Thinking: choice.Delta.Reasoning})
			}
		}
		for _, tc := range choice.Delta.ToolCalls {
			for tc.Index >= len(accs) {
				accs = append(accs, &accumulator{})
			}
			acc := accs[tc.Index]
			if tc.ID != "" {
				acc.ID = tc.ID
			}
			if tc.Function.Name != "" {
				acc.Name = tc.Function.Name
			}
			acc.rawArgs += tc.Function.Arguments
		}
		if choice.FinishReason != "" {
			result.FinishReason = choice.FinishReason
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("openrouter: read stream: %w", err)
	}

	for _, acc := range accs {
		args := make(map[string]any)
		_ = json.Unmarshal([]byte(acc.rawArgs), &args)
		acc.Arguments = args
		result.ToolCalls = append(result.ToolCalls, acc.ToolCall)
	}
	if len(result.ToolCalls) > 0 {
		result.FinishReason = "tool_calls"
	}
	if onChunk != nil {
		onChunk(StreamChunk{Done: true})
	}
	return result, nil
}

// GeneratedImage is the decoded output of an image model call.
type GeneratedImage struct {
	Data     []byte
	MimeType string
	Text     string
}

// GenerateImage asks an image-capable model for a picture. The call is
// a single chat completion with image output modality; the response
// carries the result as a base64 data URI.
func (p *OpenRouter) GenerateImage(ctx context.Context, model, prompt string) (*GeneratedImage, error) {
	body := map[string]any{
		"model": p.resolveModel(model),
		"messages": []map[string]any{
			{"role": "user", "content": prompt},
		},
		"modalities": []string{"image", "text"},
	}

	respBody, err := p.post(ctx, "/chat/completions", body)
	if err != nil {
		return nil, err
	}
	defer respBody.Close()

	var resp openrouterResponse
	if err := json.NewDecoder(respBody).Decode(&resp); err != nil {
		return nil, fmt.Errorf("openrouter: decode image response: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openrouter: image response had no choices")
	}

	msg := resp.Choices[0].Message
	for _, img := range msg.Images {
		mime, data, err := decodeDataURI(img.ImageURL.URL)
		if err != nil {
			return nil, fmt.Errorf("openrouter: decode image: %w", err)
		}
		return &GeneratedImage{Data: data, MimeType: mime, Text: msg.Content}, nil
	}
	return nil, fmt.Errorf("openrouter: model returned no image")
}

// decodeDataURI splits "data:<mime>;base64,<payload>" into its parts.
func decodeDataURI(uri string) (mime string, data []byte, err error) {
	rest, ok := strings.CutPrefix(uri, "data:")
	if !ok {
		return "", nil, fmt.Errorf("not a data URI")
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return "", nil, fmt.Errorf("malformed data URI")
	}
	mime = strings.TrimSuffix(meta, ";base64")
	data, err = base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", nil, fmt.Errorf("decode base64 payload: %w", err)
	}
	return mime, data, nil
}

// resolveModel keeps full OpenRouter slugs as-is and routes bare names
// to the default. OpenRouter model IDs always carry a vendor prefix.
func (p *OpenRouter) resolveModel(model string) string {
	if model == "" {
		return p.defaultModel
	}
	if strings.Contains(model, "/") {
		return model
	}
	return p.defaultModel
}

func (p *OpenRouter) requestBody(model string, req ChatRequest, stream bool) map[string]any {
	msgs := make([]map[string]any, 0, len(req.Messages))
	for _, m := range req.Messages {
		msg := map[string]any{"role": m.Role}

		// Assistant turns that only carry tool calls omit content;
		// some routed models reject empty strings there.
		if m.Role == "user" && len(m.Images) > 0 {
			var parts []map[string]any
			for _, img := range m.Images {
				parts = append(parts, map[string]any{
					"type": "image_url",
					"image_url": map[string]any{
						"url": fmt.Sprintf("data:%s;base64,%s", img.MimeType, img.Data),
					},
				})
			}
			if m.Content != "" {
				parts = append(parts, map[string]any{"type": "text", "text": m.Content})
			}
			msg["content"] = parts
		} else if m.Content != "" || len(m.ToolCalls) == 0 {
			msg["content"] = m.Content
		}

		if len(m.ToolCalls) > 0 {
			calls := make([]map[string]any, len(m.ToolCalls))
			for i, tc := range m.ToolCalls {
				argsJSON, _ := json.Marshal(tc.Arguments)
				calls[i] = map[string]any{
					"id":   tc.ID,
					"type": "function",
					"function": map[string]any{
						"name":      tc.Name,
						"arguments": string(argsJSON),
					},
				}
			}
			msg["tool_calls"] = calls
		}
		if m.ToolCallID != "" {
			msg["tool_call_id"] = m.ToolCallID
		}
		msgs = append(msgs, msg)
	}

	body := map[string]any{
		"model":    model,
		"messages": msgs,
		"stream":   stream,
		"usage":    map[string]any{"include": true},
	}
	if stream {
		body["stream_options"] = map[string]any{"include_usage": true}
	}
	if len(req.Tools) > 0 {
		var tools []map[string]any
		for _, t := range req.Tools {
			tools = append(tools, map[string]any{
				"type": "function",
				"function": map[string]any{
					"name":        t.Name,
					"description": t.Description,
					"parameters":  cleanSchema(t.Parameters),
				},
			})
		}
		body["tools"] = tools
		body["tool_choice"] = "auto"
	}
	if req.Options.MaxTokens > 0 {
		body["max_tokens"] = req.Options.MaxTokens
	}
	if req.Options.Temperature > 0 {
		body["temperature"] = req.Options.Temperature
	}
	if effort := req.Options.ReasoningEffort; effort != "" && effort != "off" {
		body["reasoning"] = map[string]any{"effort": effort}
	}
	return body
}

func (p *OpenRouter) post(ctx context.Context, path string, body any) (io.ReadCloser, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("openrouter: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("openrouter: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("openrouter: request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, &HTTPError{
			Status:     resp.StatusCode,
			Body:       "openrouter: " + string(respBody),
			RetryAfter: ParseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}
	return resp.Body, nil
}

// --- wire types ---

type openrouterResponse struct {
	Choices []struct {
		Message      openrouterMessage `json:"message"`
		FinishReason string            `json:"finish_reason"`
	} `json:"choices"`
	Usage *openrouterUsage `json:"usage"`
}

type openrouterMessage struct {
	Content   string `json:"content"`
	Reasoning string `json:"reasoning,omitempty"`
	ToolCalls []struct {
		ID       string `json:"id"`
		Function struct {
			Name      string `json:"name"`
			Arguments string `json:"arguments"`
		} `json:"function"`
	} `json:"tool_calls,omitempty"`
	Images []struct {
		ImageURL struct {
			URL string `json:"url"`
		} `json:"image_url"`
	} `json:"images,omitempty"`
}

type openrouterStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content   string `json:"content,omitempty"`
			Reasoning string `json:"reasoning,omitempty"`
			ToolCalls []struct {
				Index    int    `json:"index"`
				ID       string `json:"id,omitempty"`
				Function struct {
					Name      string `json:"name,omitempty"`
					Arguments string `json:"arguments,omitempty"`
				} `json:"function"`
			} `json:"tool_calls,omitempty"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *openrouterUsage `json:"usage"`
}

type openrouterUsage struct {
	PromptTokens        int     `json:"prompt_tokens"`
	CompletionTokens    int     `json:"completion_tokens"`
	TotalTokens         int     `json:"total_tokens"`
	Cost                float64 `json:"cost"`
	PromptTokensDetails *struct {
		CachedTokens int `json:"cached_tokens"`
	} `json:"prompt_tokens_details"`
}

func (u *openrouterUsage) toUsage() Usage {
	out := Usage{
		InputTokens:  u.PromptTokens,
		OutputTokens: u.CompletionTokens,
		TotalTokens:  u.TotalTokens,
		Cost:         u.Cost,
	}
	if u.PromptTokensDetails != nil {
		out.CacheReadTokens = u.PromptTokensDetails.CachedTokens
	}
	return out
}

func (r *openrouterResponse) toChatResponse() *ChatResponse {
	out := &ChatResponse{FinishReason: "stop"}
	if len(r.Choices) > 0 {
		choice := r.Choices[0]
		out.Content = choice.Message.Content
		out.Thinking = choice.Message.Reasoning
		if choice.FinishReason != "" {
			out.FinishReason = choice.FinishReason
		}
		for _, tc := range choice.Message.ToolCalls {
			args := make(map[string]any)
			_ = json.Unmarshal([]byte(tc.Function.Arguments), &args)
			out.ToolCalls = append(out.ToolCalls, ToolCall{
				ID:        tc.ID,
				Name:      strings.TrimSpace(tc.Function.Name),
				Arguments: args,
			})
		}
		if len(out.ToolCalls) > 0 {
			out.FinishReason = "tool_calls"
		}
	}
	if r.Usage != nil {
		u := r.Usage.toUsage()
		out.Usage = &u
	}
	return out
}
