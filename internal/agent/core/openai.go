package core

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/mohammad-safakhou/fitplan/config"
	openai "github.com/sashabaranov/go-openai"
)

// OpenAIProvider implements LLMProvider on the chat completions API.
type OpenAIProvider struct {
	client          *openai.Client
	completionModel string
	visionModel     string
	temperature     float32
	maxTokens       int
}

// NewOpenAIProvider builds a provider from the openai config section.
func NewOpenAIProvider(cfg config.OpenAIConfig) (*OpenAIProvider, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("providers.openai.api_key is not set")
	}
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	if cfg.Timeout > 0 {
		oc.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &OpenAIProvider{
		client:          openai.NewClientWithConfig(oc),
		completionModel: cfg.CompletionModel,
		visionModel:     cfg.VisionModel,
		temperature:     float32(cfg.Temperature),
		maxTokens:       cfg.MaxTokens,
	}, nil
}

func (p *OpenAIProvider) Generate(ctx context.Context, req CompletionRequest) (string, error) {
	return p.complete(ctx, p.completionModel, req)
}

func (p *OpenAIProvider) GenerateVision(ctx context.Context, req CompletionRequest) (string, error) {
	if len(req.Images) == 0 {
		return "", errors.New("vision completion needs at least one image")
	}
	return p.complete(ctx, p.visionModel, req)
}

func (p *OpenAIProvider) complete(ctx context.Context, model string, req CompletionRequest) (string, error) {
	resp, err := p.client.CreateChatCompletion(ctx, p.chatRequest(model, req))
	if err != nil {
		return "", fmt.Errorf("chat completion (%s): %w", model, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("chat completion (%s): no choices returned", model)
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

func (p *OpenAIProvider) chatRequest(model string, req CompletionRequest) openai.ChatCompletionRequest {
	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	user := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser}
	if len(req.Images) == 0 {
		user.Content = req.Prompt
	} else {
		// multimodal messages must leave Content empty
		user.MultiContent = []openai.ChatMessagePart{{Type: openai.ChatMessagePartTypeText, Text: req.Prompt}}
		for _, img := range req.Images {
			user.MultiContent = append(user.MultiContent, openai.ChatMessagePart{
				Type: openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{
					URL:    "data:" + img.MIME + ";base64," + base64.StdEncoding.EncodeToString(img.Data),
					Detail: openai.ImageURLDetailAuto,
				},
			})
		}
	}
	messages = append(messages, user)

	temperature := req.Temperature
	if temperature == 0 {
		temperature = p.temperature
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = p.maxTokens
	}
	return openai.ChatCompletionRequest{
		Model:       model,
		Messages:    messages,
		Temperature: temperature,
		MaxTokens:   maxTokens,
	}
}
