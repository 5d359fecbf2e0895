// Package handler defines the capability contract every resource-type plugin
// implements, the registry used for capability probing, and the execution
// pipeline that drives a request through its phases.
package handler

import (
	"context"

	"fetchd/request"
)

// Status is the capability-discovery result of probing one handler kind for a
// URL. Probing performs no mutation.
type Status struct {
	Kind        string                 `json:"kind"`
	Description string                 `json:"description"`
	Supported   bool                   `json:"supported"`
	Options     map[string]interface{} `json:"options"`
}

// Handler executes the phases of one request. Phases the handler does not
// need are no-ops; status transitions are the pipeline's responsibility, so
// implementations never touch request status directly.
type Handler interface {
	PreProcess(ctx context.Context) error
	Fetch(ctx context.Context) error
	PostProcess(ctx context.Context) error

	// Reset performs handler-specific cleanup after a failure, after the
	// pipeline has already reset the request entity.
	Reset(ctx context.Context) error
}

// Env bundles the collaborators a handler needs to report progress and logs
// and to locate its storage directory under Root.
type Env struct {
	Tracker *request.Tracker
	Sink    request.LogSink
	Root    string
}

// Factory builds handlers for one request kind and answers capability probes.
// Probe must catch its own backend errors and report supported=false instead
// of failing.
type Factory interface {
	Kind() request.Kind
	Probe(url string) Status
	New(r *request.Request, env Env) Handler
}

// Registry is the static table of installed handler kinds, populated once at
// process startup.
type Registry struct {
	factories map[request.Kind]Factory
	order     []request.Kind
}

func NewRegistry(factories ...Factory) *Registry {
	reg := &Registry{factories: make(map[request.Kind]Factory, len(factories))}
	for _, f := range factories {
		if _, dup := reg.factories[f.Kind()]; dup {
			continue
		}
		reg.factories[f.Kind()] = f
		reg.order = append(reg.order, f.Kind())
	}
	return reg
}

// Factory returns the factory bound to kind.
func (reg *Registry) Factory(kind request.Kind) (Factory, bool) {
	f, ok := reg.factories[kind]
	return f, ok
}

// Kinds lists the registered kinds in registration order.
func (reg *Registry) Kinds() []request.Kind {
	return append([]request.Kind(nil), reg.order...)
}

// Probe asks every registered handler kind whether it supports url and
// returns all results, in registration order.
func (reg *Registry) Probe(url string) []Status {
	out := make([]Status, 0, len(reg.order))
	for _, kind := range reg.order {
		out = append(out, reg.factories[kind].Probe(url))
	}
	return out
}
