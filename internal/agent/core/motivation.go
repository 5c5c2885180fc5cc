package core

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Tone selects the register of a motivational sentence.
type Tone string

const (
	ToneStoic      Tone = "Stoic"
	ToneEnergetic  Tone = "Energetic"
	ToneScientific Tone = "Scientific"
	ToneEmpathetic Tone = "Empathetic"
)

// Tones lists the accepted tones.
var Tones = []Tone{ToneStoic, ToneEnergetic, ToneScientific, ToneEmpathetic}

// MaxSentenceLength is the hard limit, in characters, of a motivational sentence.
const MaxSentenceLength = 100

// ParseTone reports whether s names a tone exactly.
func ParseTone(s string) (Tone, bool) {
	for _, t := range Tones {
		if string(t) == s {
			return t, true
		}
	}
	return "", false
}

// MotivationAgent writes one short sentence tying training to nutrition.
type MotivationAgent struct {
	llm         LLMProvider
	temperature float32
}

func NewMotivationAgent(llm LLMProvider, temperature float64) *MotivationAgent {
	return &MotivationAgent{llm: llm, temperature: float32(temperature)}
}

// Sentence generates a sentence in tone. An unknown tone falls back to
// Energetic; day, when set, is mentioned to the model as context.
func (m *MotivationAgent) Sentence(ctx context.Context, tone Tone, day string) (string, error) {
	if _, ok := ParseTone(string(tone)); !ok {
		tone = ToneEnergetic
	}
	out, err := m.llm.Generate(ctx, CompletionRequest{
		Prompt:      motivationPrompt(tone, day),
		Temperature: m.temperature,
		MaxTokens:   60,
	})
	if err != nil {
		return "", fmt.Errorf("motivational sentence: %w", err)
	}
	return cleanSentence(out), nil
}

func motivationPrompt(tone Tone, day string) string {
	var b strings.Builder
	b.WriteString("Generate a single, punchy, and impactful motivational sentence for fitness.\n\n")
	b.WriteString("REQUIREMENTS:\n")
	fmt.Fprintf(&b, "- Maximum %d characters (strict limit)\n", MaxSentenceLength)
	b.WriteString("- Must mention or imply both physical movement (workout/training) AND fueling (eating/nutrition)\n")
	fmt.Fprintf(&b, "- Tone: %s\n", tone)
	b.WriteString("- Bridge training intensity and nutritional discipline\n")
	b.WriteString("- No quotes, no intro text - just the sentence itself\n\n")
	b.WriteString("EXAMPLES:\n")
	b.WriteString("- Train like an athlete, eat like a scientist.\n")
	b.WriteString("- Your body is built in the gym but fueled in the kitchen.\n\n")
	if day = strings.TrimSpace(day); day != "" {
		fmt.Fprintf(&b, "Today is %s. ", day)
	}
	fmt.Fprintf(&b, "Generate a %s sentence that captures both training and nutrition in a powerful, concise way.\n", strings.ToLower(string(tone)))
	b.WriteString("Return ONLY the sentence.")
	return b.String()
}

func cleanSentence(s string) string {
	s = strings.Trim(strings.TrimSpace(s), `"'`)
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) <= MaxSentenceLength {
		return s
	}
	r := []rune(s)
	return string(r[:MaxSentenceLength-3]) + "..."
}
