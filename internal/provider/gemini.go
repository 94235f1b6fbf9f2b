package provider

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"cloud.google.com/go/vertexai/genai"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// GeminiProvider serves requests through Vertex AI. Page images go straight
// to the model; the extracted text is omitted because the model reads the
// pages itself.
type GeminiProvider struct {
	name    string
	model   string
	project string
	region  string

	mu     sync.Mutex
	client *genai.Client
}

// NewGeminiProvider creates a Vertex AI backed provider. The client is opened
// lazily on first use so construction never needs credentials.
func NewGeminiProvider(name, model, project, region string) *GeminiProvider {
	if model == "" {
		model = "gemini-1.5-pro"
	}
	if region == "" {
		region = "us-central1"
	}
	return &GeminiProvider{name: name, model: model, project: project, region: region}
}

func (p *GeminiProvider) Name() string { return p.name }

// Available verifies configuration and opens the client if needed.
func (p *GeminiProvider) Available(ctx context.Context) error {
	if p.project == "" {
		return &UnavailableError{Provider: p.name, Reason: "no GCP project configured"}
	}
	if _, err := p.getClient(ctx); err != nil {
		return &UnavailableError{Provider: p.name, Reason: err.Error()}
	}
	return nil
}

func (p *GeminiProvider) getClient(ctx context.Context) (*genai.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client != nil {
		return p.client, nil
	}
	client, err := genai.NewClient(ctx, p.project, p.region)
	if err != nil {
		return nil, fmt.Errorf("failed to create vertex client: %w", err)
	}
	p.client = client
	return client, nil
}

// Generate runs one prompt against the configured Gemini model.
func (p *GeminiProvider) Generate(ctx context.Context, req *Request) (*Response, error) {
	client, err := p.getClient(ctx)
	if err != nil {
		return nil, &UnavailableError{Provider: p.name, Reason: err.Error()}
	}

	model := client.GenerativeModel(p.model)
	if req.SystemPrompt != "" {
		model.SystemInstruction = &genai.Content{
			Parts: []genai.Part{genai.Text(req.SystemPrompt)},
		}
	}
	cfg := genai.GenerationConfig{Temperature: genai.Ptr[float32](0.0)}
	if req.JSON {
		cfg.ResponseMIMEType = "application/json"
	}
	model.GenerationConfig = cfg
	model.SafetySettings = []*genai.SafetySetting{
		{Category: genai.HarmCategoryHateSpeech, Threshold: genai.HarmBlockNone},
		{Category: genai.HarmCategoryDangerousContent, Threshold: genai.HarmBlockNone},
		{Category: genai.HarmCategorySexuallyExplicit, Threshold: genai.HarmBlockNone},
		{Category: genai.HarmCategoryHarassment, Threshold: genai.HarmBlockNone},
	}

	parts := make([]genai.Part, 0, len(req.Images)+1)
	for _, img := range req.Images {
		parts = append(parts, genai.ImageData("png", img))
	}
	parts = append(parts, genai.Text(req.UserPrompt))

	resp, err := model.GenerateContent(ctx, parts...)
	if err != nil {
		return nil, p.classify(err)
	}
	return &Response{Content: extractText(resp)}, nil
}

func (p *GeminiProvider) classify(err error) error {
	if status.Code(err) == codes.ResourceExhausted {
		return &RateLimitError{Provider: p.name}
	}
	return fmt.Errorf("gemini generation failed: %w", err)
}

func extractText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			b.WriteString(string(txt))
		}
	}
	return strings.TrimSpace(b.String())
}

// Close releases the underlying client.
func (p *GeminiProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client != nil {
		err := p.client.Close()
		p.client = nil
		return err
	}
	return nil
}
