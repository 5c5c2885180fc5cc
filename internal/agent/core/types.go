package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// BodyType is one of the three somatotypes plans are tailored to.
type BodyType string

const (
	Ectomorph BodyType = "ectomorph"
	Mesomorph BodyType = "mesomorph"
	Endomorph BodyType = "endomorph"
)

// BodyTypes lists the accepted values in display order.
var BodyTypes = []BodyType{Ectomorph, Mesomorph, Endomorph}

// ErrInvalidRequest marks a recommendation request rejected before any phase runs.
var ErrInvalidRequest = errors.New("invalid recommendation request")

// ParseBodyType accepts any casing and surrounding space.
func ParseBodyType(s string) (BodyType, error) {
	bt := BodyType(strings.ToLower(strings.TrimSpace(s)))
	switch bt {
	case Ectomorph, Mesomorph, Endomorph:
		return bt, nil
	}
	return "", fmt.Errorf("%w: body_type must be one of ectomorph, mesomorph, endomorph; got %q", ErrInvalidRequest, s)
}

// Title renders the body type capitalised, e.g. "Endomorph".
func (b BodyType) Title() string {
	if b == "" {
		return ""
	}
	return strings.ToUpper(string(b[:1])) + string(b[1:])
}

// Request is a submitted recommendation request. It is not modified after
// validation.
type Request struct {
	BodyType      BodyType `json:"body_type"`
	Goals         string   `json:"goals"`
	MaxIterations int      `json:"max_iterations"`
}

// Validate normalises the body type and checks the iteration bound against
// limit. A zero limit means no upper bound.
func (r Request) Validate(limit int) (Request, error) {
	bt, err := ParseBodyType(string(r.BodyType))
	if err != nil {
		return r, err
	}
	r.BodyType = bt
	r.Goals = strings.TrimSpace(r.Goals)
	if r.Goals == "" {
		return r, fmt.Errorf("%w: goals are required", ErrInvalidRequest)
	}
	if r.MaxIterations <= 0 {
		return r, fmt.Errorf("%w: max_iterations must be a positive integer", ErrInvalidRequest)
	}
	if limit > 0 && r.MaxIterations > limit {
		return r, fmt.Errorf("%w: max_iterations must be at most %d", ErrInvalidRequest, limit)
	}
	return r, nil
}

// Image is an inline image attached to a vision completion.
type Image struct {
	MIME string
	Data []byte
}

// CompletionRequest is one prompt sent to the completion service.
type CompletionRequest struct {
	System      string
	Prompt      string
	Temperature float32
	MaxTokens   int
	Images      []Image
}

// LLMProvider defines the contract for completion providers
type LLMProvider interface {
	// Generate returns the text completion of req on the chat model.
	Generate(ctx context.Context, req CompletionRequest) (string, error)
	// GenerateVision sends req, including its images, to the vision model.
	GenerateVision(ctx context.Context, req CompletionRequest) (string, error)
}

// Snippet is one retrieved passage.
type Snippet struct {
	Source string  `json:"source"`
	Text   string  `json:"text"`
	Score  float64 `json:"relevance"`
}

// Retriever returns the passages most relevant to query. Returning no
// snippets and a nil error is a successful search with no hits.
type Retriever interface {
	Search(ctx context.Context, query string, k int) ([]Snippet, error)
}

// RetrieverFunc adapts a function to Retriever.
type RetrieverFunc func(ctx context.Context, query string, k int) ([]Snippet, error)

func (f RetrieverFunc) Search(ctx context.Context, query string, k int) ([]Snippet, error) {
	return f(ctx, query, k)
}
