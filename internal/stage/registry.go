package stage

import (
	"sync"

	"github.com/fyrsmithlabs/dealflow/internal/event"
	"github.com/fyrsmithlabs/dealflow/internal/negotiation"
)

type route struct {
	stage negotiation.Stage
	typ   event.Type
}

// Registry maps (stage, event type) to the processor that handles it. A
// missing entry is a valid answer: the orchestrator skips the event.
type Registry struct {
	mu     sync.RWMutex
	routes map[route]Processor
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{routes: make(map[route]Processor)}
}

// Register binds p to (stage, typ) for each stage given, replacing any
// earlier binding.
func (r *Registry) Register(p Processor, typ event.Type, stages ...negotiation.Stage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range stages {
		r.routes[route{s, typ}] = p
	}
}

// Unregister removes the binding for (stage, typ).
func (r *Registry) Unregister(s negotiation.Stage, typ event.Type) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.routes, route{s, typ})
}

// Lookup returns the processor for (stage, typ).
func (r *Registry) Lookup(s negotiation.Stage, typ event.Type) (Processor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.routes[route{s, typ}]
	return p, ok
}

// Len returns the number of bindings.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.routes)
}

// DefaultRegistry wires the full pipeline.
func DefaultRegistry(deps Deps) *Registry {
	deps = deps.withDefaults()
	r := NewRegistry()

	r.Register(&Classify{deps}, event.EmailReceived, negotiation.StageNew, negotiation.StageSent)
	r.Register(&Absorb{deps}, event.EmailReceived,
		negotiation.StageClassified, negotiation.StageExtracted, negotiation.StageStrategized,
		negotiation.StageAwaitingDecision, negotiation.StageApproved, negotiation.StageRejected)

	r.Register(&Extract{deps}, event.StageContinue, negotiation.StageClassified)
	r.Register(&Strategize{deps}, event.StageContinue, negotiation.StageExtracted)
	r.Register(&DraftReply{deps: deps, sim: &Simulator{deps}}, event.StageContinue, negotiation.StageStrategized)
	r.Register(&Redraft{}, event.StageContinue, negotiation.StageRejected)

	r.Register(&ReviewContract{deps}, event.ContractRedline, negotiation.StageSent, negotiation.StageAwaitingDecision)

	nonTerminal := negotiation.NonTerminalStages()
	r.Register(&ScheduleFollowUp{deps}, event.SilenceTimeout, nonTerminal...)
	r.Register(&Decide{}, event.ActionDecided, nonTerminal...)
	r.Register(&Close{}, event.DealClosed, nonTerminal...)

	r.Register(&Reopen{}, event.ThreadReopen, negotiation.StageClosedWon, negotiation.StageClosedLost)
	return r
}
