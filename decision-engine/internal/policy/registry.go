package policy

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ILLUVRSE/adops/decision-engine/internal/scoring"
)

var ErrUnknownPolicy = errors.New("unknown policy")

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string like \"4h\": %w", err)
	}
	return d.parse(s)
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	return d.parse(s)
}

func (d *Duration) parse(s string) error {
	if s == "" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

type file struct {
	Policies []Policy `yaml:"policies"`
}

// Registry is the set of policies known to the process, keyed by id.
type Registry struct {
	mu       sync.RWMutex
	policies map[string]*Policy
}

func NewRegistry(policies ...Policy) (*Registry, error) {
	r := &Registry{policies: map[string]*Policy{}}
	for i := range policies {
		if err := r.Put(policies[i]); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// LoadFile reads a YAML document with a top-level `policies` list.
func LoadFile(path string) (*Registry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	return Parse(raw)
}

func Parse(raw []byte) (*Registry, error) {
	var f file
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("decode policy file: %w", err)
	}
	if len(f.Policies) == 0 {
		return nil, fmt.Errorf("%w: no policies defined", ErrInvalidPolicy)
	}
	return NewRegistry(f.Policies...)
}

func (r *Registry) Put(p Policy) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("policy %q: %w", p.ID, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.policies[p.ID] = &p
	return nil
}

func (r *Registry) Get(id string) (*Policy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.policies[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPolicy, id)
	}
	return p, nil
}

func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.policies))
	for id := range r.policies {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Default is the policy used when no policy file is configured.
func Default() Policy {
	return Policy{
		ID:     "default",
		Stages: scoring.DefaultStages(),
		Baselines: map[string]float64{
			"ctr": 0.01, "cpc": 1.0, "cpm": 10.0, "cpa": 20.0, "roas": 1.5,
		},
		DefaultSensitivity: 1,
		Alpha:              0.3,
		HistoryWindow:      defaultHistoryWindow,
		Thresholds:         Thresholds{Aggressive: 85, Scale: 70, Shrink: 35, Kill: 20, Resume: 75},
		Percents:           Percents{Aggressive: 30, Scale: 15, Shrink: 20},
		Cooldown:           Duration(4 * time.Hour),
		AntiOscillation:    Duration(12 * time.Hour),
		RequireApproval:    true,
		ApprovalActions:    nil,
		MaxAttempts:        defaultMaxAttempts,
	}
}
