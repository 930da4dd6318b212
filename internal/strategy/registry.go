package strategy

import (
	"github.com/rotisserie/eris"

	"github.com/sells-group/transcript-engine/internal/platform"
)

// DefaultPriority is the a-priori reliability order used to break ranking
// ties. Identities the platform challenges least come first.
var DefaultPriority = []string{
	NameAndroidPlayer,
	NameEmbedPlayer,
	NameEngagementPanel,
	NameWatchPage,
	NameTimedTextAPI,
}

// Names returns every known adapter name in default priority order.
func Names() []string {
	return append([]string(nil), DefaultPriority...)
}

// New builds the named adapter.
func New(name string, c *platform.Client, opts Options) (Adapter, error) {
	switch name {
	case NameAndroidPlayer:
		return NewAndroidPlayer(c, opts), nil
	case NameEmbedPlayer:
		return NewEmbedPlayer(c, opts), nil
	case NameEngagementPanel:
		return NewEngagementPanel(c, opts), nil
	case NameWatchPage:
		return NewWatchPage(c, opts), nil
	case NameTimedTextAPI:
		return NewTimedTextAPI(c, opts), nil
	default:
		return nil, eris.Errorf("strategy: unknown adapter %q", name)
	}
}

// Registry holds the enabled adapters in their configured priority.
type Registry struct {
	adapters []Adapter
	index    map[string]int
}

// NewRegistry creates a Registry. The order of adapters is their priority.
// Duplicate names keep the first occurrence.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{index: make(map[string]int, len(adapters))}
	for _, a := range adapters {
		if _, dup := r.index[a.Name()]; dup {
			continue
		}
		r.index[a.Name()] = len(r.adapters)
		r.adapters = append(r.adapters, a)
	}
	return r
}

// Build creates a Registry from adapter names sharing one platform client.
func Build(names []string, c *platform.Client, opts Options) (*Registry, error) {
	if len(names) == 0 {
		names = DefaultPriority
	}
	adapters := make([]Adapter, 0, len(names))
	for _, n := range names {
		a, err := New(n, c, opts)
		if err != nil {
			return nil, err
		}
		adapters = append(adapters, a)
	}
	return NewRegistry(adapters...), nil
}

// Adapters returns the adapters in priority order.
func (r *Registry) Adapters() []Adapter {
	return append([]Adapter(nil), r.adapters...)
}

// Get returns the named adapter.
func (r *Registry) Get(name string) (Adapter, bool) {
	i, ok := r.index[name]
	if !ok {
		return nil, false
	}
	return r.adapters[i], true
}

// Priority returns the position of name, or len(adapters) when unknown.
func (r *Registry) Priority(name string) int {
	if i, ok := r.index[name]; ok {
		return i
	}
	return len(r.adapters)
}

// Len returns the number of adapters.
func (r *Registry) Len() int { return len(r.adapters) }

// Reorder returns a Registry whose priority follows names; adapters not
// named keep their relative order after the named ones. Unknown names are
// ignored.
func (r *Registry) Reorder(names []string) *Registry {
	out := make([]Adapter, 0, len(r.adapters))
	seen := make(map[string]bool, len(r.adapters))
	for _, n := range names {
		if a, ok := r.Get(n); ok && !seen[n] {
			out = append(out, a)
			seen[n] = true
		}
	}
	for _, a := range r.adapters {
		if !seen[a.Name()] {
			out = append(out, a)
		}
	}
	return NewRegistry(out...)
}
