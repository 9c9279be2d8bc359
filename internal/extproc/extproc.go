// Package extproc defines the agent-to-extended-processor interface: a
// synchronous in-process handoff from the pipeline to optional
// record-transforming logic. This is a plain Go interface, not a plugin
// ABI, subprocess protocol, or RPC service: a small, closed set of
// implementations is better expressed as an interface than a wire protocol.
package extproc

import (
	"context"

	"github.com/corralog/agent/internal/record"
)

// Status is the synchronous result of one Process call.
type Status int

const (
	// StatusOK means the record was accepted, possibly transformed in place.
	StatusOK Status = iota
	// StatusDrop means the record should not proceed to the Batcher.
	StatusDrop
	// StatusError means the processor failed; the pipeline raises a
	// parse_failure alarm and drops the record.
	StatusError
)

// Sink lets an extended processor push records back into the pipeline
// asynchronously — outputs that were not produced synchronously from the
// triggering Process call. It enters the Sender path exactly like any other
// record.
type Sink interface {
	Send(ctx context.Context, destination, partition string, rec record.Record) error
}

// Processor is implemented by anything that can synchronously transform or
// veto a record before it proceeds to the Batcher. configName identifies
// which source configuration produced the record, so one Processor
// implementation can branch on it if it serves multiple sources.
type Processor interface {
	Process(ctx context.Context, configName string, rec record.Record) (record.Record, Status)
}

// Registry holds the closed set of Processors wired into this agent
// instance, keyed by the name each source config references.
type Registry struct {
	processors map[string]Processor
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{processors: make(map[string]Processor)}
}

// Register associates name with p. Re-registering a name replaces it.
func (r *Registry) Register(name string, p Processor) {
	r.processors[name] = p
}

// Lookup returns the Processor registered under name, if any.
func (r *Registry) Lookup(name string) (Processor, bool) {
	p, ok := r.processors[name]
	return p, ok
}

// Apply runs rec through the named processor if one is registered,
// otherwise returns rec unchanged with StatusOK.
func (r *Registry) Apply(ctx context.Context, configName string, rec record.Record) (record.Record, Status) {
	p, ok := r.processors[configName]
	if !ok {
		return rec, StatusOK
	}
	return p.Process(ctx, configName, rec)
}
