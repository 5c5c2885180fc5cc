// Package events defines the progress events emitted while a recommendation
// is generated and their wire encoding.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Kind is the wire tag carried in the "event" field of every payload.
type Kind string

const (
	KindStatus          Kind = "status"
	KindDietComplete    Kind = "diet_complete"
	KindWorkoutComplete Kind = "workout_complete"
	KindError           Kind = "error"
)

// Event is one of Status, DietComplete, WorkoutComplete or Failure.
// The set is closed: the unexported method keeps other packages from adding kinds.
type Event interface {
	Kind() Kind
	// Terminal reports whether the event ends processing for its phase.
	Terminal() bool
	isEvent()
}

// Status is a non-terminal progress message.
type Status struct {
	Message string
}

// DietComplete carries the finished diet plan text.
type DietComplete struct {
	Content string
}

// WorkoutComplete carries the finished workout plan text.
type WorkoutComplete struct {
	Content string
}

// Failure ends the sequence with a diagnostic message. Its wire tag is "error".
type Failure struct {
	Message string
}

func (Status) Kind() Kind          { return KindStatus }
func (DietComplete) Kind() Kind    { return KindDietComplete }
func (WorkoutComplete) Kind() Kind { return KindWorkoutComplete }
func (Failure) Kind() Kind         { return KindError }

func (Status) Terminal() bool          { return false }
func (DietComplete) Terminal() bool    { return true }
func (WorkoutComplete) Terminal() bool { return true }
func (Failure) Terminal() bool         { return true }

func (Status) isEvent()          {}
func (DietComplete) isEvent()    {}
func (WorkoutComplete) isEvent() {}
func (Failure) isEvent()         {}

// ErrUnknownKind is returned when a payload carries an unrecognised or empty tag.
var ErrUnknownKind = errors.New("unknown event kind")

// payload is the JSON shape on the wire.
type payload struct {
	Event   Kind    `json:"event"`
	Message *string `json:"message,omitempty"`
	Content *string `json:"content,omitempty"`
}

// Marshal encodes ev as its JSON payload.
func Marshal(ev Event) ([]byte, error) {
	var p payload
	switch e := ev.(type) {
	case Status:
		p = payload{Event: KindStatus, Message: &e.Message}
	case DietComplete:
		p = payload{Event: KindDietComplete, Content: &e.Content}
	case WorkoutComplete:
		p = payload{Event: KindWorkoutComplete, Content: &e.Content}
	case Failure:
		p = payload{Event: KindError, Message: &e.Message}
	case nil:
		return nil, fmt.Errorf("marshal: nil event")
	default:
		return nil, fmt.Errorf("marshal %T: %w", ev, ErrUnknownKind)
	}
	return json.Marshal(p)
}

// Unmarshal decodes a JSON payload into its concrete Event.
func Unmarshal(data []byte) (Event, error) {
	var p payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	switch p.Event {
	case KindStatus:
		return Status{Message: deref(p.Message)}, nil
	case KindDietComplete:
		return DietComplete{Content: deref(p.Content)}, nil
	case KindWorkoutComplete:
		return WorkoutComplete{Content: deref(p.Content)}, nil
	case KindError:
		return Failure{Message: deref(p.Message)}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, p.Event)
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
