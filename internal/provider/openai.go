package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

// OpenAIProvider speaks the OpenAI chat-completions wire format. Ollama and
// other self-hosted backends expose the same API, so one implementation
// covers both: the difference is the base URL and whether a key is required.
type OpenAIProvider struct {
	name      string
	model     string
	baseURL   string
	apiKeyEnv string
	client    *http.Client
}

// NewOpenAIProvider creates a chat-completions provider. baseURL defaults to
// the OpenAI API; apiKeyEnv names the environment variable holding the key
// and may be empty for backends that need none.
func NewOpenAIProvider(name, model, baseURL, apiKeyEnv string) *OpenAIProvider {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	return &OpenAIProvider{
		name:      name,
		model:     model,
		baseURL:   strings.TrimRight(baseURL, "/"),
		apiKeyEnv: apiKeyEnv,
		client:    &http.Client{Timeout: 120 * time.Second},
	}
}

func (p *OpenAIProvider) Name() string { return p.name }

// Available checks the key is present and the endpoint answers.
func (p *OpenAIProvider) Available(ctx context.Context) error {
	if p.apiKeyEnv != "" && os.Getenv(p.apiKeyEnv) == "" {
		return &UnavailableError{Provider: p.name, Reason: p.apiKeyEnv + " is not set"}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/models", nil)
	if err != nil {
		return &UnavailableError{Provider: p.name, Reason: err.Error()}
	}
	p.authorize(req)
	resp, err := p.client.Do(req)
	if err != nil {
		return &UnavailableError{Provider: p.name, Reason: err.Error()}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return &UnavailableError{Provider: p.name, Reason: resp.Status}
	}
	return nil
}

type chatMessage struct {
	Role    string      `json:"role"`
	Content interface{} `json:"content"` // string or []contentPart
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	Temperature    float64       `json:"temperature"`
	ResponseFormat *respFormat   `json:"response_format,omitempty"`
}

type respFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Generate runs one chat completion. Images are inlined as data URLs; when
// the request carries extracted text it is appended to the user prompt so
// text-only models still see the document.
func (p *OpenAIProvider) Generate(ctx context.Context, req *Request) (*Response, error) {
	messages := []chatMessage{}
	if req.SystemPrompt != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.SystemPrompt})
	}

	userText := req.UserPrompt
	if req.Text != "" {
		userText += "\n\nDocument text:\n" + req.Text
	}
	if len(req.Images) > 0 {
		parts := []contentPart{{Type: "text", Text: userText}}
		for _, img := range req.Images {
			parts = append(parts, contentPart{
				Type: "image_url",
				ImageURL: &imageURL{
					URL: "data:image/png;base64," + base64.StdEncoding.EncodeToString(img),
				},
			})
		}
		messages = append(messages, chatMessage{Role: "user", Content: parts})
	} else {
		messages = append(messages, chatMessage{Role: "user", Content: userText})
	}

	body := chatRequest{Model: p.model, Messages: messages, Temperature: 0}
	if req.JSON {
		body.ResponseFormat = &respFormat{Type: "json_object"}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal chat request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	p.authorize(httpReq)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("chat request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, &RateLimitError{Provider: p.name, RetryAfter: retryAfter(resp)}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read chat response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("chat request returned %s: %s", resp.Status, truncateBody(data))
	}

	var parsed chatResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse chat response: %w", err)
	}
	if parsed.Error != nil {
		return nil, fmt.Errorf("chat backend error: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("chat response had no choices")
	}
	return &Response{Content: strings.TrimSpace(parsed.Choices[0].Message.Content)}, nil
}

func (p *OpenAIProvider) authorize(req *http.Request) {
	if p.apiKeyEnv != "" {
		if key := os.Getenv(p.apiKeyEnv); key != "" {
			req.Header.Set("Authorization", "Bearer "+key)
		}
	}
}

func retryAfter(resp *http.Response) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return 0
}

func truncateBody(b []byte) string {
	const max = 512
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
