package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Classification is the body analysis of three photos.
type Classification struct {
	BodyType   string  `json:"body_type"` // Ectomorph, Mesomorph or Endomorph
	Gender     string  `json:"gender"`    // male or female
	Confidence float64 `json:"confidence"`
}

const defaultConfidence = 0.85

// FallbackClassification is used when the vision model cannot be reached or
// its answer cannot be parsed.
func FallbackClassification() Classification {
	return Classification{BodyType: Endomorph.Title(), Gender: "male", Confidence: 0.5}
}

const classifierSystem = `You are a fitness expert analyzing body images. You MUST respond with ONLY valid JSON, no other text. ` +
	`The JSON must contain: gender ("male" or "female"), body_type ("Ectomorph", "Mesomorph", or "Endomorph"), ` +
	`and confidence (a number between 0.0 and 1.0). Example: {"gender": "male", "body_type": "Mesomorph", "confidence": 0.85}`

const classifierPrompt = `Analyze these three body images (front, left, right views) and determine the gender and body type. ` +
	`Respond with ONLY the raw JSON object, no markdown. ` +
	`Format: {"gender": "male" or "female", "body_type": "Ectomorph" or "Mesomorph" or "Endomorph", "confidence": 0.0-1.0}`

// BodyClassifier asks the vision model for a body type and gender.
type BodyClassifier struct {
	llm LLMProvider
}

func NewBodyClassifier(llm LLMProvider) *BodyClassifier { return &BodyClassifier{llm: llm} }

// Classify expects the front, left and right photos in that order.
func (b *BodyClassifier) Classify(ctx context.Context, images []Image) (Classification, error) {
	if len(images) != 3 {
		return Classification{}, fmt.Errorf("classification needs 3 images, got %d", len(images))
	}
	out, err := b.llm.GenerateVision(ctx, CompletionRequest{
		System:      classifierSystem,
		Prompt:      classifierPrompt,
		Temperature: 0.3,
		MaxTokens:   200,
		Images:      images,
	})
	if err != nil {
		return Classification{}, fmt.Errorf("vision classification: %w", err)
	}
	return ParseClassification(out)
}

var (
	fencedBlock = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)\\s*```")
	jsonObject  = regexp.MustCompile(`(?s)\{[^{}]*\}`)
)

// ParseClassification extracts a classification from a model answer that
// may wrap the JSON in a code fence, surround it with prose, or return a
// list of objects. Out of range fields fall back to defaults individually.
func ParseClassification(text string) (Classification, error) {
	text = strings.TrimSpace(text)
	if m := fencedBlock.FindStringSubmatch(text); m != nil {
		text = strings.TrimSpace(m[1])
	}

	raw, err := decodeObject(text)
	if err != nil {
		return Classification{}, fmt.Errorf("parse classification: %w", err)
	}
	if raw == nil {
		return Classification{}, errors.New("parse classification: empty object")
	}
	return Classification{
		BodyType:   normalizeBodyType(raw["body_type"]),
		Gender:     normalizeGender(raw["gender"]),
		Confidence: normalizeConfidence(raw["confidence"]),
	}, nil
}

func decodeObject(text string) (map[string]any, error) {
	var obj map[string]any
	err := json.Unmarshal([]byte(text), &obj)
	if err == nil {
		return obj, nil
	}
	var list []map[string]any
	if json.Unmarshal([]byte(text), &list) == nil && len(list) > 0 {
		return list[0], nil
	}
	if m := jsonObject.FindString(text); m != "" {
		if json.Unmarshal([]byte(m), &obj) == nil {
			return obj, nil
		}
	}
	return nil, err
}

func normalizeBodyType(v any) string {
	s, _ := v.(string)
	s = strings.ToLower(s)
	for _, bt := range BodyTypes {
		if strings.Contains(s, string(bt)) {
			return bt.Title()
		}
	}
	return Endomorph.Title()
}

func normalizeGender(v any) string {
	s, _ := v.(string)
	switch g := strings.ToLower(strings.TrimSpace(s)); g {
	case "male", "female":
		return g
	}
	return "male"
}

func normalizeConfidence(v any) float64 {
	f, ok := v.(float64)
	if !ok || f < 0 || f > 1 {
		return defaultConfidence
	}
	return f
}
