// Package subject resolves the entity kinds that can be enrolled in an
// approval workflow and the hook each kind runs when its workflow resolves.
package subject

import (
	"context"
	"sort"
	"sync"

	"github.com/pesio-ai/be-approval-workflows/internal/errors"
	"github.com/pesio-ai/be-approval-workflows/internal/repository"
)

// Outcome is passed to a finisher when the workflow resolves.
type Outcome struct {
	Subject  repository.SubjectRef
	TenantID string
	Status   repository.RunStatus
}

// Finisher is a subject kind's finish-workflow hook. It runs inside the
// transition that resolves the workflow; an error aborts that transition.
type Finisher interface {
	FinishWorkflow(ctx context.Context, outcome Outcome) error
}

// FinisherFunc adapts a function to Finisher.
type FinisherFunc func(ctx context.Context, outcome Outcome) error

func (f FinisherFunc) FinishWorkflow(ctx context.Context, outcome Outcome) error {
	return f(ctx, outcome)
}

// NoopFinisher accepts every outcome.
var NoopFinisher Finisher = FinisherFunc(func(context.Context, Outcome) error { return nil })

// Registry maps subject kinds to their finisher.
type Registry struct {
	mu    sync.RWMutex
	kinds map[string]Finisher
}

// NewRegistry registers the given kinds with the no-op finisher.
func NewRegistry(kinds ...string) *Registry {
	r := &Registry{kinds: make(map[string]Finisher, len(kinds))}
	for _, k := range kinds {
		r.kinds[k] = NoopFinisher
	}
	return r
}

// Register sets the finisher for a kind, replacing any previous one.
func (r *Registry) Register(kind string, f Finisher) {
	if f == nil {
		f = NoopFinisher
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds[kind] = f
}

// Resolve returns the finisher for kind, or a validation error when the kind
// is not enrolled.
func (r *Registry) Resolve(kind string) (Finisher, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.kinds[kind]
	if !ok {
		return nil, errors.InvalidInput("subject_kind", "unsupported subject kind: "+kind)
	}
	return f, nil
}

// Kinds lists the registered kinds in sorted order.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.kinds))
	for k := range r.kinds {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
