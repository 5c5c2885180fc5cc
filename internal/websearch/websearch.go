// Package websearch queries hosted web search APIs. It backs the fallback
// retrieval of each recommendation phase.
package websearch

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/mohammad-safakhou/fitplan/config"
	core "github.com/mohammad-safakhou/fitplan/internal/agent/core"
)

// Result is one web hit.
type Result struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// Searcher discovers up to k results for q.
type Searcher interface {
	Discover(ctx context.Context, q string, k int) ([]Result, error)
}

type Provider string

const (
	SerperProvider Provider = "serper"
	BraveProvider  Provider = "brave"
)

var (
	ErrUnsupportedProvider = errors.New("unsupported web search provider")
	ErrNotConfigured       = errors.New("web search api key not configured")
)

// New builds the searcher named by cfg.Provider.
func New(cfg config.WebSearchConfig) (Searcher, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, ErrNotConfigured
	}
	client := NewHTTPClient(cfg.Timeout, 2, 0)
	switch Provider(strings.ToLower(cfg.Provider)) {
	case SerperProvider:
		return &Serper{APIKey: cfg.APIKey, Client: client}, nil
	case BraveProvider, "":
		return &Brave{APIKey: cfg.APIKey, Client: client}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedProvider, cfg.Provider)
	}
}

// Brave queries the Brave web search API.
type Brave struct {
	APIKey   string
	Endpoint string // defaults to the public API
	Client   *HTTPClient
}

func (s *Brave) Discover(ctx context.Context, q string, k int) ([]Result, error) {
	endpoint := s.Endpoint
	if endpoint == "" {
		endpoint = "https://api.search.brave.com/res/v1/web/search"
	}
	u := fmt.Sprintf("%s?q=%s&count=%d", endpoint, url.QueryEscape(q), k)
	var raw struct {
		Web struct {
			Results []struct {
				Title       string `json:"title"`
				URL         string `json:"url"`
				Description string `json:"description"`
			} `json:"results"`
		} `json:"web"`
	}
	if err := clientOrDefault(s.Client).DoJSON(ctx, "GET", u, map[string]string{"X-Subscription-Token": s.APIKey}, nil, &raw); err != nil {
		return nil, fmt.Errorf("brave search: %w", err)
	}
	var out []Result
	for _, r := range raw.Web.Results {
		if len(out) >= k {
			break
		}
		out = append(out, Result{Title: r.Title, URL: r.URL, Snippet: r.Description})
	}
	return out, nil
}

func clientOrDefault(c *HTTPClient) *HTTPClient {
	if c == nil {
		return NewHTTPClient(0, 0, 0)
	}
	return c
}

// Serper queries the serper.dev Google search API.
type Serper struct {
	APIKey   string
	Endpoint string
	Client   *HTTPClient
}

func (s *Serper) Discover(ctx context.Context, q string, k int) ([]Result, error) {
	endpoint := s.Endpoint
	if endpoint == "" {
		endpoint = "https://google.serper.dev/search"
	}
	var raw struct {
		Organic []struct {
			Title   string `json:"title"`
			Link    string `json:"link"`
			Snippet string `json:"snippet"`
		} `json:"organic"`
	}
	payload := map[string]any{"q": q, "num": k}
	if err := clientOrDefault(s.Client).DoJSON(ctx, "POST", endpoint, map[string]string{"X-API-KEY": s.APIKey}, payload, &raw); err != nil {
		return nil, fmt.Errorf("serper search: %w", err)
	}
	var out []Result
	for _, r := range raw.Organic {
		if len(out) >= k {
			break
		}
		out = append(out, Result{Title: r.Title, URL: r.Link, Snippet: r.Snippet})
	}
	return out, nil
}

// Query prefixes that steer a generic search toward one domain.
const (
	DietPrefix     = "diet nutrition "
	ExercisePrefix = "exercise workout fitness "
)

// Domain adapts a Searcher into a retriever for one domain.
type Domain struct {
	Searcher Searcher
	Prefix   string
}

func (d Domain) Search(ctx context.Context, query string, k int) ([]core.Snippet, error) {
	results, err := d.Searcher.Discover(ctx, d.Prefix+query, k)
	if err != nil {
		return nil, err
	}
	out := make([]core.Snippet, 0, len(results))
	for _, r := range results {
		text := strings.TrimSpace(r.Title + ": " + r.Snippet)
		out = append(out, core.Snippet{Source: r.URL, Text: text})
	}
	return out, nil
}
