package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/torvan/parley/internal/httpkit"
)

const defaultOpenAIBaseURL = "https://api.openai.com"

// OpenAI is a client for the OpenAI chat completions API. It also
// serves any OpenAI-compatible endpoint via the baseURL override.
type OpenAI struct {
	model      string
	apiKey     string
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewOpenAI creates a client bound to one model.
func NewOpenAI(model, apiKey, baseURL string, logger *slog.Logger) *OpenAI {
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	t := httpkit.NewTransport()
	t.ResponseHeaderTimeout = 120 * time.Second

	return &OpenAI{
		model:   model,
		apiKey:  apiKey,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		logger:  logger.With("provider", "openai"),
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(0),
			httpkit.WithTransport(t),
		),
	}
}

type openaiRequest struct {
	Model         string          `json:"model"`
	Messages      []openaiMessage `json:"messages"`
	Temperature   float64         `json:"temperature,omitempty"`
	MaxTokens     int             `json:"max_tokens,omitempty"`
	Stream        bool            `json:"stream,omitempty"`
	StreamOptions *streamOptions  `json:"stream_options,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type openaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openaiResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      openaiMessage `json:"message"`
		FinishReason string        `json:"finish_reason"`
	} `json:"choices"`
	Usage *openaiUsage `json:"usage"`
}

type openaiUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

type openaiStreamChunk struct {
	Model   string `json:"model"`
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *openaiUsage `json:"usage"`
}

// Complete sends a non-streaming completion request.
func (c *OpenAI) Complete(ctx context.Context, req Request) (*Completion, error) {
	resp, err := c.roundTrip(ctx, req, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var decoded openaiResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(decoded.Choices) == 0 {
		return nil, &ProviderError{Provider: "openai", Message: "response contained no choices"}
	}

	result := &Completion{
		Content: decoded.Choices[0].Message.Content,
		Model:   decoded.Model,
	}
	if decoded.Usage != nil {
		result.InputTokens = decoded.Usage.PromptTokens
		result.OutputTokens = decoded.Usage.CompletionTokens
	}

	c.logger.Debug("response received",
		"model", result.Model,
		"input_tokens", result.InputTokens,
		"output_tokens", result.OutputTokens,
	)
	return result, nil
}

// Stream sends a streaming request, delivering text chunks to fn.
func (c *OpenAI) Stream(ctx context.Context, req Request, fn StreamFunc) (*Completion, error) {
	resp, err := c.roundTrip(ctx, req, true)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return c.readStream(ctx, resp.Body, fn)
}

func (c *OpenAI) roundTrip(ctx context.Context, req Request, stream bool) (*http.Response, error) {
	body := openaiRequest{
		Model:       c.model,
		Messages:    convertToOpenAI(req),
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Stream:      stream,
	}
	if stream {
		// Without this the final chunk carries no usage numbers.
		body.StreamOptions = &streamOptions{IncludeUsage: true}
	}

	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	c.logger.Log(ctx, LevelTrace, "request payload", "json", string(jsonData))

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/v1/chat/completions", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &ProviderError{Provider: "openai", Message: "request failed", Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(resp.Body, 4096)
		c.logger.Error("API error", "status", resp.StatusCode, "body", errBody)
		return nil, &ProviderError{Provider: "openai", Status: resp.StatusCode, Message: errBody}
	}
	return resp, nil
}

func (c *OpenAI) readStream(ctx context.Context, body io.Reader, fn StreamFunc) (*Completion, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var (
		content strings.Builder
		usage   openaiUsage
		model   string
	)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data: "))
		if data == "[DONE]" {
			break
		}

		var chunk openaiStreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}

		if chunk.Model != "" {
			model = chunk.Model
		}
		// The usage frame arrives with an empty choices slice.
		if chunk.Usage != nil {
			usage = *chunk.Usage
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		if text := chunk.Choices[0].Delta.Content; text != "" {
			content.WriteString(text)
			if err := fn(text); err != nil {
				return nil, fmt.Errorf("stream callback: %w", err)
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, &ProviderError{Provider: "openai", Message: "read stream", Err: err}
	}

	result := &Completion{
		Content:      content.String(),
		Model:        model,
		InputTokens:  usage.PromptTokens,
		OutputTokens: usage.CompletionTokens,
	}

	c.logger.Debug("stream complete",
		"model", result.Model,
		"input_tokens", result.InputTokens,
		"output_tokens", result.OutputTokens,
		"content_len", len(result.Content),
	)
	return result, nil
}

// convertToOpenAI maps messages to wire format. The request system
// prompt becomes the leading system message; system-role messages pass
// through unchanged.
func convertToOpenAI(req Request) []openaiMessage {
	result := make([]openaiMessage, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		result = append(result, openaiMessage{Role: "system", Content: req.SystemPrompt})
	}
	for _, msg := range req.Messages {
		result = append(result, openaiMessage{Role: msg.Role, Content: msg.Content})
	}
	return result
}
