package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
)

// ErrInvalidArguments is returned by ValidateArguments when args do not
// satisfy the tool's input schema.
var ErrInvalidArguments = errors.New("invalid tool arguments")

// compiledSchema is a resolved input schema, or the error resolving it.
type compiledSchema struct {
	resolved *jsonschema.Resolved
	err      error
}

func schemaKey(server, tool string) string { return server + "\x00" + tool }

// dropCompiled forgets compiled schemas for server. Caller holds e.mu.
func (e *Executor) dropCompiled(server string) {
	prefix := server + "\x00"
	for k := range e.compiled {
		if strings.HasPrefix(k, prefix) {
			delete(e.compiled, k)
		}
	}
}

// ValidateArguments checks args against the input schema server
// advertises for tool, fetching schemas if they are not cached. A tool
// without an input schema accepts any arguments.
func (e *Executor) ValidateArguments(ctx context.Context, server, tool string, args map[string]any) error {
	descs, err := e.ServerSchemas(ctx, server)
	if err != nil {
		return err
	}

	var raw json.RawMessage
	found := false
	for _, d := range descs {
		if d.Name == tool {
			raw, found = d.InputSchema, true
			break
		}
	}
	if !found {
		return fmt.Errorf("%w: %q on server %q", ErrToolNotFound, tool, server)
	}
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}

	cs := e.compile(server, tool, raw)
	if cs.err != nil {
		return fmt.Errorf("input schema for %s:%s: %w", server, tool, cs.err)
	}

	instance, err := jsonInstance(args)
	if err != nil {
		return err
	}
	if err := cs.resolved.Validate(instance); err != nil {
		return fmt.Errorf("%w for %s:%s: %v", ErrInvalidArguments, server, tool, err)
	}
	return nil
}

func (e *Executor) compile(server, tool string, raw json.RawMessage) *compiledSchema {
	key := schemaKey(server, tool)

	e.mu.Lock()
	cs, ok := e.compiled[key]
	e.mu.Unlock()
	if ok {
		return cs
	}

	cs = &compiledSchema{}
	var schema jsonschema.Schema
	if err := json.Unmarshal(raw, &schema); err != nil {
		cs.err = fmt.Errorf("decode: %w", err)
	} else {
		cs.resolved, cs.err = schema.Resolve(nil)
	}

	e.mu.Lock()
	e.compiled[key] = cs
	e.mu.Unlock()
	return cs
}

// jsonInstance converts args to the plain JSON value model the
// validator expects. Nil args validate as an empty object.
func jsonInstance(args map[string]any) (any, error) {
	if args == nil {
		return map[string]any{}, nil
	}
	data, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	return v, nil
}
