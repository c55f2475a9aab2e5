package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/torvan/parley/internal/httpkit"
)

const defaultOllamaBaseURL = "http://localhost:11434"

// Ollama is a client for the native Ollama chat API. No API key is
// required; local deployments are the norm.
type Ollama struct {
	model      string
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewOllama creates a client bound to one model.
func NewOllama(model, baseURL string, logger *slog.Logger) *Ollama {
	if baseURL == "" {
		baseURL = defaultOllamaBaseURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ollama{
		model:   model,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		logger:  logger.With("provider", "ollama"),
		// Local models can be slow to load and generate.
		httpClient: httpkit.NewClient(httpkit.WithTimeout(0)),
	}
}

type ollamaRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Options  *ollamaOptions  `json:"options,omitempty"`
}

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type ollamaResponse struct {
	Model   string        `json:"model"`
	Message ollamaMessage `json:"message"`
	Done    bool          `json:"done"`

	// Usage stats, present when done=true
	PromptEvalCount int `json:"prompt_eval_count,omitempty"`
	EvalCount       int `json:"eval_count,omitempty"`
}

// Complete sends a non-streaming chat request.
func (c *Ollama) Complete(ctx context.Context, req Request) (*Completion, error) {
	resp, err := c.roundTrip(ctx, req, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var decoded ollamaResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	return &Completion{
		Content:      decoded.Message.Content,
		Model:        decoded.Model,
		InputTokens:  decoded.PromptEvalCount,
		OutputTokens: decoded.EvalCount,
	}, nil
}

// Stream sends a streaming chat request, reading newline-delimited
// JSON chunks.
func (c *Ollama) Stream(ctx context.Context, req Request, fn StreamFunc) (*Completion, error) {
	resp, err := c.roundTrip(ctx, req, true)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var (
		content strings.Builder
		final   ollamaResponse
	)
	decoder := json.NewDecoder(resp.Body)

	for {
		var chunk ollamaResponse
		if err := decoder.Decode(&chunk); err != nil {
			if err == io.EOF {
				break
			}
			return nil, &ProviderError{Provider: "ollama", Message: "decode stream chunk", Err: err}
		}

		if chunk.Message.Content != "" {
			content.WriteString(chunk.Message.Content)
			if err := fn(chunk.Message.Content); err != nil {
				return nil, fmt.Errorf("stream callback: %w", err)
			}
		}
		if chunk.Done {
			final = chunk
			break
		}
	}

	result := &Completion{
		Content:      content.String(),
		Model:        final.Model,
		InputTokens:  final.PromptEvalCount,
		OutputTokens: final.EvalCount,
	}

	c.logger.Debug("stream complete",
		"model", result.Model,
		"input_tokens", result.InputTokens,
		"output_tokens", result.OutputTokens,
		"content_len", len(result.Content),
	)
	return result, nil
}

func (c *Ollama) roundTrip(ctx context.Context, req Request, stream bool) (*http.Response, error) {
	body := ollamaRequest{
		Model:    c.model,
		Messages: convertToOllama(req),
		Stream:   stream,
	}
	if req.Temperature != 0 || req.MaxTokens != 0 {
		body.Options = &ollamaOptions{
			Temperature: req.Temperature,
			NumPredict:  req.MaxTokens,
		}
	}

	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	c.logger.Log(ctx, LevelTrace, "request payload", "json", string(jsonData))

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/api/chat", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &ProviderError{Provider: "ollama", Message: "request failed", Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(resp.Body, 4096)
		return nil, &ProviderError{Provider: "ollama", Status: resp.StatusCode, Message: errBody}
	}
	return resp, nil
}

// convertToOllama maps messages to wire format. The request system
// prompt becomes the leading system message.
func convertToOllama(req Request) []ollamaMessage {
	result := make([]ollamaMessage, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		result = append(result, ollamaMessage{Role: "system", Content: req.SystemPrompt})
	}
	for _, msg := range req.Messages {
		result = append(result, ollamaMessage{Role: msg.Role, Content: msg.Content})
	}
	return result
}
