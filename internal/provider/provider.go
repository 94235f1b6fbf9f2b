// Package provider abstracts the model backends used for document analysis.
//
// A provider answers one prompt at a time. Ordering, fallback between
// providers, and retry policy live with the caller; a provider only reports
// its own availability and classifies its own failures.
package provider

import (
	"context"
	"fmt"
	"time"
)

// Request is one generation call. Image-capable providers receive the
// rendered pages; text-only providers work from the extracted text.
type Request struct {
	Stage        string
	SystemPrompt string
	UserPrompt   string
	Images       [][]byte // PNG page images, in page order
	Text         string   // extracted document text
	JSON         bool     // request a JSON response where the backend supports it
}

// Response is the raw model output. Decoding is the caller's concern.
type Response struct {
	Content string
}

// Provider is a model backend.
type Provider interface {
	// Name identifies the provider in artifacts and logs.
	Name() string

	// Available probes whether the provider can serve requests right now.
	// It must be cheap; callers probe before every stage attempt.
	Available(ctx context.Context) error

	// Generate runs one prompt and returns the raw response.
	Generate(ctx context.Context, req *Request) (*Response, error)
}

// RateLimitError signals the backend asked us to slow down. Callers retry
// these with backoff; other errors mean moving on to the next provider.
type RateLimitError struct {
	Provider   string
	RetryAfter time.Duration // zero when the backend gave no hint
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("provider %s rate limited, retry after %s", e.Provider, e.RetryAfter)
	}
	return fmt.Sprintf("provider %s rate limited", e.Provider)
}

// UnavailableError signals the provider cannot serve requests at all:
// missing credentials, unreachable endpoint, disabled backend.
type UnavailableError struct {
	Provider string
	Reason   string
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("provider %s unavailable: %s", e.Provider, e.Reason)
}
