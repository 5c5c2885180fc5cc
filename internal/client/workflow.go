package client

import (
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/mohammad-safakhou/fitplan/internal/events"
)

// State is the state of a workflow or of one of its artifacts.
type State string

const (
	StateIdle       State = "idle"
	StateRequesting State = "requesting"
	StateStreaming  State = "streaming"
	StateReady      State = "ready"
	StateFailed     State = "failed"
)

// Terminal reports whether no further transition leaves s.
func (s State) Terminal() bool { return s == StateReady || s == StateFailed }

// Artifact is one generated plan as the consumer sees it.
type Artifact struct {
	State   State  `json:"state"`
	Content string `json:"content,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Snapshot is a copy of the workflow state.
type Snapshot struct {
	State   State    `json:"state"`
	Status  string   `json:"status,omitempty"`
	Diet    Artifact `json:"diet"`
	Workout Artifact `json:"workout"`
	Error   string   `json:"error,omitempty"`
}

// Persister stores a finished artifact.
type Persister func(kind events.Kind, content string) error

// Workflow is the state of one recommendation request. It only changes
// through Begin, Open, Apply, Fail and Finish.
type Workflow struct {
	mu      sync.Mutex
	snap    Snapshot
	persist Persister
	logger  log.FieldLogger
}

// NewWorkflow returns an idle workflow. persist may be nil.
func NewWorkflow(persist Persister, logger log.FieldLogger) *Workflow {
	wf := &Workflow{persist: persist, logger: logger}
	wf.reset(StateIdle)
	return wf
}

func (w *Workflow) reset(s State) {
	w.snap = Snapshot{
		State:   s,
		Diet:    Artifact{State: StateIdle},
		Workout: Artifact{State: StateIdle},
	}
}

func (w *Workflow) Snapshot() Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.snap
}

// Begin moves to requesting. It starts over from any terminal state, which
// is how a manual retry works.
func (w *Workflow) Begin() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.snap.State != StateIdle && !w.snap.State.Terminal() {
		return false
	}
	w.reset(StateRequesting)
	return true
}

// Open moves from requesting to streaming once the response is accepted.
func (w *Workflow) Open() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.snap.State != StateRequesting {
		return false
	}
	w.snap.State = StateStreaming
	return true
}

// Apply handles one decoded event and reports whether the state changed.
// Events for an artifact that already finished are ignored, as is
// everything after the workflow has failed.
func (w *Workflow) Apply(ev events.Event) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.snap.State != StateStreaming {
		return false
	}
	switch e := ev.(type) {
	case events.Status:
		w.snap.Status = e.Message
		if a := w.current(); a != nil {
			a.State = StateStreaming
		}
		return true
	case events.DietComplete:
		return w.complete(&w.snap.Diet, e.Kind(), e.Content)
	case events.WorkoutComplete:
		return w.complete(&w.snap.Workout, e.Kind(), e.Content)
	case events.Failure:
		w.failLocked(e.Message)
		return true
	}
	return false
}

// current is the first artifact that has not finished.
func (w *Workflow) current() *Artifact {
	for _, a := range []*Artifact{&w.snap.Diet, &w.snap.Workout} {
		if !a.State.Terminal() {
			return a
		}
	}
	return nil
}

func (w *Workflow) complete(a *Artifact, kind events.Kind, content string) bool {
	if a.State.Terminal() {
		return false
	}
	a.State = StateReady
	a.Content = content
	if w.persist != nil {
		if err := w.persist(kind, content); err != nil && w.logger != nil {
			w.logger.WithError(err).WithField("kind", kind).Warn("persist artifact")
		}
	}
	if w.snap.Diet.State == StateReady && w.snap.Workout.State == StateReady {
		w.snap.State = StateReady
		w.snap.Status = ""
	}
	return true
}

// failLocked fails the workflow and every artifact still pending. Finished
// artifacts keep their content.
func (w *Workflow) failLocked(msg string) {
	w.snap.State = StateFailed
	w.snap.Error = msg
	w.snap.Status = ""
	for _, a := range []*Artifact{&w.snap.Diet, &w.snap.Workout} {
		if !a.State.Terminal() {
			a.State = StateFailed
			a.Error = msg
		}
	}
}

// Fail records a transport failure. It has no effect once terminal.
func (w *Workflow) Fail(err error) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.snap.State.Terminal() || w.snap.State == StateIdle {
		return false
	}
	w.failLocked(err.Error())
	return true
}

// Finish closes the workflow at end of stream. A stream that ended before
// every artifact finished counts as failed.
func (w *Workflow) Finish() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.snap.State != StateStreaming {
		return false
	}
	w.failLocked("stream ended before the plan was complete")
	return true
}
