package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/weftwork/weft/pkg/models"
)

// Common registry errors.
var (
	ErrToolNotFound   = errors.New("tool not found")
	ErrNotAContainer  = errors.New("tool is not a container")
	ErrInvalidSchema  = errors.New("invalid tool input schema")
	ErrArgsValidation = errors.New("tool arguments failed schema validation")
)

// Tool parameter limits to prevent resource exhaustion.
const (
	MaxToolNameLength = 256
	MaxToolArgsSize   = 10 << 20
)

// Expansion describes what happens when a container tool is expanded.
type Expansion struct {
	// FunctionResultText is returned as the synthetic result of the
	// container call itself.
	FunctionResultText string

	// SystemPromptText is injected into the system prompt while the
	// container is expanded. Non-empty only for skills.
	SystemPromptText string

	// ReferencedTools are the tool names revealed by the expansion.
	ReferencedTools []string
}

// Container groups tools behind a single expandable entry. A container with
// SystemPromptText is a skill: expanding it additionally injects persistent
// system-prompt text.
type Container struct {
	Name               string
	Description        string
	FunctionResultText string
	SystemPromptText   string
	Tools              []string
}

// containerArgsSchema is the trivial schema advertised for container entries.
var containerArgsSchema = json.RawMessage(`{"type":"object","properties":{},"additionalProperties":false}`)

// Registry is the catalog of invokable tools. It is immutable after
// construction-time registration; lookups are safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	tools      map[string]Tool
	schemas    map[string]*jsonschema.Schema
	containers map[string]*Container
	// member maps a tool name to its owning container, if any.
	member map[string]string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:      make(map[string]Tool),
		schemas:    make(map[string]*jsonschema.Schema),
		containers: make(map[string]*Container),
		member:     make(map[string]string),
	}
}

// Register adds a tool, compiling its input schema. Registering a name twice
// replaces the prior tool.
func (r *Registry) Register(tool Tool) error {
	name := tool.Name()
	if name == "" || len(name) > MaxToolNameLength {
		return fmt.Errorf("invalid tool name %q", name)
	}

	var compiled *jsonschema.Schema
	if schema := tool.InputSchema(); len(schema) > 0 {
		c := jsonschema.NewCompiler()
		if err := c.AddResource(name+".json", bytes.NewReader(schema)); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidSchema, name, err)
		}
		var err error
		compiled, err = c.Compile(name + ".json")
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidSchema, name, err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[name] = tool
	if compiled != nil {
		r.schemas[name] = compiled
	} else {
		delete(r.schemas, name)
	}
	return nil
}

// RegisterContainer declares a container (or skill, when SystemPromptText is
// set). Referenced tools may be registered before or after the container.
func (r *Registry) RegisterContainer(c Container) error {
	if c.Name == "" {
		return errors.New("container name is required")
	}
	if len(c.Tools) == 0 {
		return fmt.Errorf("container %q references no tools", c.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := c
	cp.Tools = append([]string(nil), c.Tools...)
	r.containers[c.Name] = &cp
	for _, name := range cp.Tools {
		r.member[name] = c.Name
	}
	return nil
}

// Find returns a tool by name.
func (r *Registry) Find(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// IsContainer reports whether name is a registered container.
func (r *Registry) IsContainer(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.containers[name]
	return ok
}

// Expansion returns the expansion contract for a container.
func (r *Registry) Expansion(name string) (Expansion, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.containers[name]
	if !ok {
		return Expansion{}, fmt.Errorf("%w: %s", ErrNotAContainer, name)
	}
	result := c.FunctionResultText
	if result == "" {
		result = fmt.Sprintf("Expanded %s. The following tools are now available: %s.", c.Name, joinNames(c.Tools))
	}
	return Expansion{
		FunctionResultText: result,
		SystemPromptText:   c.SystemPromptText,
		ReferencedTools:    append([]string(nil), c.Tools...),
	}, nil
}

// SnapshotVisible returns the advertised tool descriptors given the set of
// expanded containers:
//   - tools outside any container are always visible
//   - a collapsed container appears as one synthetic entry
//   - an expanded container is hidden and its tools become visible
//
// The snapshot is sorted by name for a stable prompt layout.
func (r *Registry) SnapshotVisible(expanded map[string]bool) []models.ToolDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []models.ToolDescriptor
	for name, tool := range r.tools {
		owner, inContainer := r.member[name]
		if inContainer && !expanded[owner] {
			continue
		}
		out = append(out, Descriptor(tool))
	}
	for name, c := range r.containers {
		if expanded[name] {
			continue
		}
		out = append(out, models.ToolDescriptor{
			Name:        name,
			Description: c.Description,
			InputSchema: containerArgsSchema,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ActiveSystemPrompts returns the deduplicated system-prompt fragments of
// the expanded skills, in container-name order.
func (r *Registry) ActiveSystemPrompts(expanded map[string]bool) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(expanded))
	for name, on := range expanded {
		if on {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	seen := make(map[string]bool)
	var out []string
	for _, name := range names {
		c, ok := r.containers[name]
		if !ok || c.SystemPromptText == "" || seen[c.SystemPromptText] {
			continue
		}
		seen[c.SystemPromptText] = true
		out = append(out, c.SystemPromptText)
	}
	return out
}

// Validate checks args against the tool's compiled schema. Tools without a
// schema accept any object.
func (r *Registry) Validate(name string, args json.RawMessage) error {
	if len(args) > MaxToolArgsSize {
		return fmt.Errorf("%w: %s: arguments exceed %d bytes", ErrArgsValidation, name, MaxToolArgsSize)
	}
	r.mu.RLock()
	schema := r.schemas[name]
	r.mu.RUnlock()
	if schema == nil {
		return nil
	}
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	var decoded any
	if err := json.Unmarshal(args, &decoded); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrArgsValidation, name, err)
	}
	if err := schema.Validate(decoded); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrArgsValidation, name, err)
	}
	return nil
}

// Execute validates args and runs the named tool.
func (r *Registry) Execute(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	tool, ok := r.Find(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	if err := r.Validate(name, args); err != nil {
		return nil, err
	}
	return tool.Execute(ctx, args)
}

func joinNames(names []string) string {
	out := ""
	for i, n := range names {
		if i > 0 {
			out += ", "
		}
		out += n
	}
	return out
}
