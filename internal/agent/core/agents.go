package core

import (
	"fmt"
	"strings"

	"github.com/mohammad-safakhou/fitplan/internal/events"
)

// Agent builds the prompt for one phase of a recommendation and wraps the
// generated text into that phase's terminal event.
type Agent interface {
	// Name is the phase label used in logs and metrics.
	Name() string
	StatusMessage() string
	System() string
	Query(req Request) string
	Prompt(req Request, iteration int, refs []Snippet) string
	Complete(content string) events.Event
}

// DietAgent produces the nutrition plan.
type DietAgent struct{}

func (DietAgent) Name() string          { return "diet" }
func (DietAgent) StatusMessage() string { return "Generating diet plan..." }
func (DietAgent) System() string {
	return "You are an expert nutritionist and dietitian."
}

func (DietAgent) Query(req Request) string {
	return fmt.Sprintf("%s diet nutrition meal plan %s", req.BodyType, req.Goals)
}

func (DietAgent) Prompt(req Request, iteration int, refs []Snippet) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Generate a comprehensive 4-week diet plan for a %s with the following goals: %s\n\n", req.BodyType, req.Goals)
	b.WriteString("Your plan should include:\n")
	b.WriteString("1. Meal plan structure for 28 days\n")
	b.WriteString("2. Daily macronutrient targets (protein, carbs, fats)\n")
	b.WriteString("3. Meal timing and frequency recommendations\n")
	fmt.Fprintf(&b, "4. Specific food recommendations tailored to %s body type\n", req.BodyType)
	b.WriteString("5. Hydration guidelines\n")
	b.WriteString("6. Supplement suggestions (if applicable)\n\n")
	writeReferences(&b, refs)
	fmt.Fprintf(&b, "This is iteration %d of refinement. Provide detailed, actionable recommendations.\n", iteration)
	b.WriteString("Format your response as a comprehensive meal plan that can be followed for 4 weeks.\n")
	return b.String()
}

func (DietAgent) Complete(content string) events.Event { return events.DietComplete{Content: content} }

// ExerciseAgent produces the training plan.
type ExerciseAgent struct{}

func (ExerciseAgent) Name() string          { return "exercise" }
func (ExerciseAgent) StatusMessage() string { return "Generating workout plan..." }
func (ExerciseAgent) System() string {
	return "You are an expert fitness trainer and exercise physiologist."
}

func (ExerciseAgent) Query(req Request) string {
	return fmt.Sprintf("%s workout training program %s", req.BodyType, req.Goals)
}

func (ExerciseAgent) Prompt(req Request, iteration int, refs []Snippet) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Generate a comprehensive 4-week workout plan for a %s with the following goals: %s\n\n", req.BodyType, req.Goals)
	b.WriteString("Your plan should include:\n")
	b.WriteString("1. Weekly workout structure (4 weeks, 28 days)\n")
	fmt.Fprintf(&b, "2. Exercise selection tailored to %s body type\n", req.BodyType)
	b.WriteString("3. Sets, reps, and rest periods for each exercise\n")
	b.WriteString("4. Progressive overload plan\n")
	b.WriteString("5. Weekly frequency and split\n")
	b.WriteString("6. Cardio recommendations\n")
	b.WriteString("7. Form and safety considerations\n")
	b.WriteString("8. Recovery and rest day recommendations\n\n")
	writeReferences(&b, refs)
	fmt.Fprintf(&b, "This is iteration %d of refinement. Provide detailed, actionable workout recommendations.\n", iteration)
	b.WriteString("Format your response as a comprehensive training program that can be followed for 4 weeks.\n")
	return b.String()
}

func (ExerciseAgent) Complete(content string) events.Event { return events.WorkoutComplete{Content: content} }

func writeReferences(b *strings.Builder, refs []Snippet) {
	if len(refs) == 0 {
		b.WriteString("No reference material was found for this request; rely on established guidance.\n\n")
		return
	}
	b.WriteString("Reference material:\n")
	for i, s := range refs {
		src := s.Source
		if src == "" {
			src = "unknown"
		}
		fmt.Fprintf(b, "[%d] (%s) %s\n", i+1, src, strings.TrimSpace(s.Text))
	}
	b.WriteString("\n")
}
