package racer

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/sells-group/transcript-engine/internal/model"
	"github.com/sells-group/transcript-engine/internal/strategy"
)

type counter struct {
	successes atomic.Int64
	failures  atomic.Int64
}

// Stats holds per-strategy outcome counters for the life of the process.
// They only steer ordering.
type Stats struct {
	mu       sync.RWMutex
	counters map[string]*counter
}

// NewStats creates an empty Stats.
func NewStats() *Stats {
	return &Stats{counters: make(map[string]*counter)}
}

func (s *Stats) counter(name string) *counter {
	s.mu.RLock()
	c, ok := s.counters[name]
	s.mu.RUnlock()
	if ok {
		return c
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok = s.counters[name]; ok {
		return c
	}
	c = &counter{}
	s.counters[name] = c
	return c
}

// Record counts one attempt outcome.
func (s *Stats) Record(name string, success bool) {
	c := s.counter(name)
	if success {
		c.successes.Add(1)
	} else {
		c.failures.Add(1)
	}
}

// Get returns a snapshot for name.
func (s *Stats) Get(name string) model.StrategyStat {
	c := s.counter(name)
	return model.StrategyStat{
		Name:      name,
		Successes: c.successes.Load(),
		Failures:  c.failures.Load(),
	}
}

// Snapshot returns every strategy seen so far, sorted by name.
func (s *Stats) Snapshot() []model.StrategyStat {
	s.mu.RLock()
	names := make([]string, 0, len(s.counters))
	for n := range s.counters {
		names = append(names, n)
	}
	s.mu.RUnlock()
	sort.Strings(names)

	out := make([]model.StrategyStat, 0, len(names))
	for _, n := range names {
		out = append(out, s.Get(n))
	}
	return out
}

// Rank orders adapters by descending success rate, keeping registry
// priority for ties. Unseen strategies rank at the neutral prior of 0.5.
func (s *Stats) Rank(reg *strategy.Registry) []strategy.Adapter {
	adapters := reg.Adapters()
	rates := make(map[string]float64, len(adapters))
	for _, a := range adapters {
		rates[a.Name()] = s.Get(a.Name()).SuccessRate()
	}
	sort.SliceStable(adapters, func(i, j int) bool {
		ri, rj := rates[adapters[i].Name()], rates[adapters[j].Name()]
		if ri != rj {
			return ri > rj
		}
		return reg.Priority(adapters[i].Name()) < reg.Priority(adapters[j].Name())
	})
	return adapters
}
