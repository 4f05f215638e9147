package ingest

import (
	"github.com/rotisserie/eris"

	"github.com/govbrief/opptrack/internal/budget"
	"github.com/govbrief/opptrack/internal/config"
	"github.com/govbrief/opptrack/internal/cost"
	"github.com/govbrief/opptrack/pkg/firecrawl"
	"github.com/govbrief/opptrack/pkg/perplexity"
)

// Deps holds the shared collaborators injected into billed sources.
type Deps struct {
	Perplexity perplexity.Client
	Firecrawl  firecrawl.Client
	Budget     *budget.Tracker
	Costs      *cost.Calculator
}

// Registry maps source names to their implementations. Iteration order is
// registration order, which is also cycle execution order.
type Registry struct {
	sources map[string]Source
	order   []string
}

// NewRegistry creates a registry populated with all sources.
func NewRegistry(cfg *config.Config, deps Deps) *Registry {
	r := &Registry{sources: make(map[string]Source)}

	// Federal APIs run first: they are the authoritative records the
	// AI-research and news sources enrich.
	r.Register(NewSAMGov(cfg))
	r.Register(NewUSASpending(cfg))
	r.Register(NewNewsAPI(cfg))
	r.Register(NewGrantScrape(cfg, deps.Firecrawl, deps.Budget, deps.Costs))
	r.Register(NewMarketIntel(cfg, deps.Perplexity, deps.Budget, deps.Costs))

	return r
}

// Register adds a source to the registry.
func (r *Registry) Register(s Source) {
	name := s.Name()
	r.sources[name] = s
	r.order = append(r.order, name)
}

// Get returns a source by name.
func (r *Registry) Get(name string) (Source, error) {
	s, ok := r.sources[name]
	if !ok {
		return nil, eris.Errorf("ingest: unknown source %q", name)
	}
	return s, nil
}

// Select returns the named sources, or all sources when names is empty.
func (r *Registry) Select(names []string) ([]Source, error) {
	if len(names) == 0 {
		return r.All(), nil
	}
	var result []Source
	for _, name := range names {
		s, err := r.Get(name)
		if err != nil {
			return nil, err
		}
		result = append(result, s)
	}
	return result, nil
}

// All returns all sources in registration order.
func (r *Registry) All() []Source {
	result := make([]Source, 0, len(r.order))
	for _, name := range r.order {
		result = append(result, r.sources[name])
	}
	return result
}

// AllNames returns all registered source names in registration order.
func (r *Registry) AllNames() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}
