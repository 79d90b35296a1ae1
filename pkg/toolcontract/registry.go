package toolcontract

import (
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/xeipuuv/gojsonschema"
)

// knownToolSample bounds how many registered names a not-found error lists.
const knownToolSample = 10

// Config holds registry configuration
type Config struct {
	// WorkerPoolSize bounds how many handlers run at once across all lanes.
	WorkerPoolSize int `json:"worker_pool_size" mapstructure:"worker_pool_size"`
	// MaxOutputBytes truncates string outputs past this size; 0 disables truncation.
	MaxOutputBytes int `json:"max_output_bytes" mapstructure:"max_output_bytes"`
	// MaxLoggedValueLen bounds each parameter value written to failure logs.
	MaxLoggedValueLen int `json:"max_logged_value_len" mapstructure:"max_logged_value_len"`
}

// DefaultConfig returns default registry configuration
func DefaultConfig() Config {
	return Config{
		WorkerPoolSize:    32,
		MaxOutputBytes:    64 * 1024,
		MaxLoggedValueLen: 200,
	}
}

type entry struct {
	contract ToolContract
	schema   *gojsonschema.Schema
	document map[string]interface{}
}

// Registry holds tool contracts and is the only path from a call to a handler.
type Registry struct {
	cfg        Config
	tools      map[string]*entry
	byTag      map[string]map[string]struct{}
	byCategory map[Category]map[string]struct{}
	pool       *workerPool
	mu         sync.RWMutex
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg Config) *Registry {
	defaults := DefaultConfig()
	if cfg.WorkerPoolSize <= 0 {
		cfg.WorkerPoolSize = defaults.WorkerPoolSize
	}
	if cfg.MaxLoggedValueLen <= 0 {
		cfg.MaxLoggedValueLen = defaults.MaxLoggedValueLen
	}

	return &Registry{
		cfg:        cfg,
		tools:      make(map[string]*entry),
		byTag:      make(map[string]map[string]struct{}),
		byCategory: make(map[Category]map[string]struct{}),
		pool:       newWorkerPool(cfg.WorkerPoolSize),
	}
}

// Register adds or replaces the contract for contract.Name with handler as its callable.
func (r *Registry) Register(contract ToolContract, handler Handler) error {
	contract = contract.clone()
	contract.Handler = handler
	if contract.Category == "" {
		contract.Category = CategoryGeneral
	}

	if err := validateContract(contract); err != nil {
		return fmt.Errorf("invalid tool contract %q: %w", contract.Name, err)
	}

	schema, document, err := compileSchema(contract)
	if err != nil {
		return fmt.Errorf("invalid tool contract %q: %w", contract.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	_, replaced := r.tools[contract.Name]
	if replaced {
		r.unindex(contract.Name)
	}

	r.tools[contract.Name] = &entry{contract: contract, schema: schema, document: document}
	r.index(contract)

	log.Info().
		Str("tool", contract.Name).
		Str("category", string(contract.Category)).
		Strs("tags", contract.Tags).
		Bool("concurrency_allowed", contract.ConcurrencyAllowed).
		Bool("replaced", replaced).
		Msg("Tool registered")

	return nil
}

// Unregister removes a tool; it reports whether the tool existed.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tools[name]; !ok {
		return false
	}
	r.unindex(name)
	delete(r.tools, name)

	log.Info().Str("tool", name).Msg("Tool unregistered")
	return true
}

func (r *Registry) index(c ToolContract) {
	for _, tag := range c.Tags {
		if r.byTag[tag] == nil {
			r.byTag[tag] = make(map[string]struct{})
		}
		r.byTag[tag][c.Name] = struct{}{}
	}
	if r.byCategory[c.Category] == nil {
		r.byCategory[c.Category] = make(map[string]struct{})
	}
	r.byCategory[c.Category][c.Name] = struct{}{}
}

func (r *Registry) unindex(name string) {
	old := r.tools[name]
	if old == nil {
		return
	}
	for _, tag := range old.contract.Tags {
		delete(r.byTag[tag], name)
		if len(r.byTag[tag]) == 0 {
			delete(r.byTag, tag)
		}
	}
	delete(r.byCategory[old.contract.Category], name)
	if len(r.byCategory[old.contract.Category]) == 0 {
		delete(r.byCategory, old.contract.Category)
	}
}

func (r *Registry) lookup(name string) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tools[name]
	return e, ok
}

// Get returns a copy of the contract registered under name.
func (r *Registry) Get(name string) (ToolContract, bool) {
	e, ok := r.lookup(name)
	if !ok {
		return ToolContract{}, false
	}
	return e.contract.clone(), true
}

// Names returns all registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered tools
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// ByTags returns contracts carrying any of tags.
func (r *Registry) ByTags(tags ...string) []ToolContract {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := make(map[string]struct{})
	for _, tag := range tags {
		for name := range r.byTag[tag] {
			set[name] = struct{}{}
		}
	}
	return r.collect(set)
}

// ByCategory returns contracts in category.
func (r *Registry) ByCategory(category Category) []ToolContract {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.collect(r.byCategory[category])
}

// Restrict builds the tool list visible to a caller context: tools carrying any of tags or
// belonging to any of categories. With no filters every tool is visible.
func (r *Registry) Restrict(tags []string, categories []Category) []ToolContract {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := make(map[string]struct{})
	if len(tags) == 0 && len(categories) == 0 {
		for name := range r.tools {
			set[name] = struct{}{}
		}
		return r.collect(set)
	}

	for _, tag := range tags {
		for name := range r.byTag[tag] {
			set[name] = struct{}{}
		}
	}
	for _, category := range categories {
		for name := range r.byCategory[category] {
			set[name] = struct{}{}
		}
	}
	return r.collect(set)
}

// collect returns contracts for names ordered by priority (highest first), then name.
func (r *Registry) collect(names map[string]struct{}) []ToolContract {
	out := make([]ToolContract, 0, len(names))
	for name := range names {
		if e, ok := r.tools[name]; ok {
			out = append(out, e.contract.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Schema returns the JSON schema object describing the tool's parameters, as handed to an LLM
// tool list.
func (r *Registry) Schema(name string) (map[string]interface{}, bool) {
	e, ok := r.lookup(name)
	if !ok {
		return nil, false
	}
	return cloneDocument(e.document), true
}

// NotFound builds the not-found error for name, listing a sample of registered tools.
func (r *Registry) NotFound(name string) *CallError {
	names := r.Names()
	if len(names) > knownToolSample {
		names = names[:knownToolSample]
	}
	return NotFoundError(name, names)
}
