// Package tools defines the metered tool interface and registry for malipo.
// Each tool declares a unit cost in USD; the executor places a ledger hold
// for that amount before the tool runs and confirms or refunds it after.
package tools

import (
	"context"
	"sort"
	"sync"
)

// Tool is the interface all malipo tools must implement.
type Tool interface {
	// Name returns the tool's unique identifier (e.g. "web_search").
	Name() string

	// Description returns a human-readable description. The planner feeds
	// it to the LLM so plans only reference tools that exist.
	Description() string

	// UnitCostUSD returns the price of one invocation. The executor
	// authorizes exactly this amount before calling Execute.
	UnitCostUSD() float64

	// Validate checks that a step's tool configuration is well-formed.
	// It is called during plan validation, before any money moves.
	Validate(config map[string]any) error

	// Execute runs the tool for one plan step.
	Execute(ctx context.Context, inv *Invocation) (*Result, error)
}

// Invocation carries everything a tool may need for one step.
type Invocation struct {
	// Query is the research question driving the whole session.
	Query string
	// Step is the plan step's description.
	Step string
	// Config is the step's tool_config block, already validated.
	Config map[string]any
	// Context is the accumulated output of earlier completed steps.
	Context string
}

// Result is the outcome of a successful tool execution.
type Result struct {
	// Output is the tool's textual result, capped at MaxOutputBytes.
	Output string `json:"output"`
	// Sources are provenance entries: URLs or provider identifiers.
	Sources []string `json:"sources,omitempty"`
}

// Info is the registry's catalog entry for a tool, used to build
// planning prompts.
type Info struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	UnitCostUSD float64 `json:"unit_cost_usd"`
}

// MaxOutputBytes is the default cap for tool output to prevent OOM.
const MaxOutputBytes = 1 << 20 // 1 MB

// TruncateOutput caps a string at maxBytes, appending a truncation notice if cut.
func TruncateOutput(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	const suffix = "\n... [output truncated]"
	if maxBytes <= len(suffix) {
		return s[:maxBytes]
	}
	return s[:maxBytes-len(suffix)] + suffix
}

// Registry holds available tools keyed by name.
// Thread-safe for concurrent reads; writes should only happen at startup.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool. Panics on duplicate names (startup config error, not runtime).
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name()]; exists {
		panic("duplicate tool registration: " + t.Name())
	}
	r.tools[t.Name()] = t
}

// Get returns the tool by name, or nil if not found.
func (r *Registry) Get(name string) Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// List returns all registered tool names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// All returns all registered tools.
func (r *Registry) All() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		result = append(result, t)
	}
	return result
}

// Catalog returns name, description, and unit cost for every tool,
// sorted by name for stable prompt construction.
func (r *Registry) Catalog() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	infos := make([]Info, 0, len(r.tools))
	for _, t := range r.tools {
		infos = append(infos, Info{
			Name:        t.Name(),
			Description: t.Description(),
			UnitCostUSD: t.UnitCostUSD(),
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}
