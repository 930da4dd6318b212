package racer

import (
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// PriorityFile is the on-disk strategy order, e.g.
//
//	racer:
//	  priority: [android_player, embed_player, timedtext_api]
//	  disabled: [watch_page]
type PriorityFile struct {
	Priority []string `yaml:"priority"`
	Disabled []string `yaml:"disabled"`
}

// LoadPriority reads a priority file.
func LoadPriority(path string) (*PriorityFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "racer: read priority file %s", path)
	}

	var wrapper struct {
		Racer PriorityFile `yaml:"racer"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, eris.Wrap(err, "racer: parse priority file")
	}
	if len(wrapper.Racer.Priority) == 0 {
		return nil, eris.Errorf("racer: priority file %s lists no strategies", path)
	}
	return &wrapper.Racer, nil
}

// Names returns the priority list with disabled strategies removed.
func (p *PriorityFile) Names() []string {
	off := make(map[string]bool, len(p.Disabled))
	for _, d := range p.Disabled {
		off[d] = true
	}
	out := make([]string, 0, len(p.Priority))
	for _, n := range p.Priority {
		if !off[n] {
			out = append(out, n)
		}
	}
	return out
}
