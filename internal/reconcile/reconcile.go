package reconcile

import (
	"encoding/json"
	"errors"
	"reflect"
	"sync"
)

var ErrNoConflict = errors.New("no draft conflict to resolve")

// Note is a structured clinical note as produced by the generator: section
// names mapped to strings, lists, or nested objects.
type Note map[string]any

// Clone deep-copies the note through JSON so callers cannot mutate state.
func (n Note) Clone() Note {
	if n == nil {
		return nil
	}
	data, err := json.Marshal(n)
	if err != nil {
		out := make(Note, len(n))
		for k, v := range n {
			out[k] = v
		}
		return out
	}
	var out Note
	_ = json.Unmarshal(data, &out)
	return out
}

// Equal compares notes structurally after normalizing through JSON, so an
// []string and an equivalent []any compare equal.
func Equal(a, b Note) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return reflect.DeepEqual(a.Clone(), b.Clone())
}

// Draft is the visible pair of notes plus a held-back new draft when the
// user's edits conflict with it.
type Draft struct {
	Generated Note `json:"generated,omitempty"`
	Edited    Note `json:"edited,omitempty"`
	Pending   Note `json:"pending,omitempty"`
}

// Conflict reports whether a new draft awaits a decision.
func (d Draft) Conflict() bool { return d.Pending != nil }

// Outcome of offering a new draft.
type Outcome int

const (
	Replaced Outcome = iota
	Conflicted
)

// Reconciler guards user edits against silent overwrite by new drafts.
type Reconciler struct {
	mu    sync.Mutex
	draft Draft
}

func New() *Reconciler {
	return &Reconciler{}
}

// Restore replaces state, typically from a persisted session.
func (r *Reconciler) Restore(d Draft) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.draft = Draft{Generated: d.Generated.Clone(), Edited: d.Edited.Clone(), Pending: d.Pending.Clone()}
}

// OnNewDraft installs generated as both notes when the user has no diverging
// edits; otherwise it is held as pending and Conflicted is returned.
func (r *Reconciler) OnNewDraft(generated Note) Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.draft.Edited == nil || Equal(r.draft.Edited, r.draft.Generated) {
		r.draft.Generated = generated.Clone()
		r.draft.Edited = generated.Clone()
		r.draft.Pending = nil
		return Replaced
	}
	r.draft.Pending = generated.Clone()
	return Conflicted
}

// Edit records the user's version of the note.
func (r *Reconciler) Edit(edited Note) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.draft.Edited = edited.Clone()
}

// AcceptNew resolves a conflict by replacing the edits with the new draft.
func (r *Reconciler) AcceptNew() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.draft.Pending == nil {
		return ErrNoConflict
	}
	r.draft.Generated = r.draft.Pending
	r.draft.Edited = r.draft.Pending.Clone()
	r.draft.Pending = nil
	return nil
}

// KeepEdits resolves a conflict by adopting the new draft as the generated
// baseline while preserving the user's edits.
func (r *Reconciler) KeepEdits() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.draft.Pending == nil {
		return ErrNoConflict
	}
	r.draft.Generated = r.draft.Pending
	r.draft.Pending = nil
	return nil
}

func (r *Reconciler) Snapshot() Draft {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Draft{
		Generated: r.draft.Generated.Clone(),
		Edited:    r.draft.Edited.Clone(),
		Pending:   r.draft.Pending.Clone(),
	}
}

func (r *Reconciler) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.draft = Draft{}
}
