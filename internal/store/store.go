// Package store persists the device's event history so group state can be
// refolded after restart without replaying the entire relay backlog. Records
// are stored as received (still encrypted); queries run over the plaintext
// envelope metadata only.
package store

import (
	"errors"
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"

	"github.com/potluck-btc/potluck/pkg/event"
)

// ErrNotFound indicates no record under the given id.
var ErrNotFound = errors.New("record not found")

// Store holds relay events by id.
type Store interface {
	// Put stores an event. Re-putting the same id is a no-op.
	Put(ev *event.Event) error
	// Get returns the event with the given id.
	Get(id string) (*event.Event, error)
	// Query returns all events matching a compiled filter, in unspecified
	// order.
	Query(f *Filter) ([]*event.Event, error)
	Close() error
}

// queryKeys are the attributes a filter expression may reference.
var queryKeys = map[string]bool{
	"id":         true,
	"pubkey":     true,
	"kind":       true,
	"created_at": true,
	"group":      true,
	"proposal":   true,
	"invite":     true,
}

// Filter is a compiled CEL predicate over event attributes, e.g.
// `kind == 1002 && group == "abc"` or `created_at > 1700000000`.
type Filter struct {
	program cel.Program
}

// CompileFilter compiles a CEL expression. Missing attributes evaluate to
// false rather than erroring.
func CompileFilter(expr string) (*Filter, error) {
	opts := make([]cel.EnvOption, 0, len(queryKeys))
	for k := range queryKeys {
		opts = append(opts, cel.Variable(k, cel.DynType))
	}
	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("cel env: %w", err)
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("cel compile: %w", issues.Err())
	}
	prog, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("cel program: %w", err)
	}
	return &Filter{program: prog}, nil
}

// Matches evaluates the filter against one event.
func (f *Filter) Matches(ev *event.Event) bool {
	attrs := map[string]any{
		"id":         ev.ID,
		"pubkey":     ev.Pubkey,
		"kind":       int64(ev.Kind),
		"created_at": ev.CreatedAt,
	}
	if v, ok := ev.Tag(event.TagGroup); ok {
		attrs["group"] = v
	}
	if v, ok := ev.Tag(event.TagProposal); ok {
		attrs["proposal"] = v
	}
	if v, ok := ev.Tag(event.TagInvite); ok {
		attrs["invite"] = v
	}
	out, _, err := f.program.Eval(attrs)
	if err != nil {
		return false
	}
	if out.Type() != types.BoolType {
		return false
	}
	b, ok := out.Value().(bool)
	return ok && b
}
