package schema

import (
	_ "embed"
	"fmt"
	"sort"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

//go:embed contracts.yaml
var defaultContracts []byte

// Registry serves named contracts. It is read-only after construction.
type Registry struct {
	contracts map[string]Contract
}

// New builds a registry from explicit contracts.
func New(contracts ...Contract) *Registry {
	r := &Registry{contracts: make(map[string]Contract, len(contracts))}
	for _, c := range contracts {
		r.contracts[c.Name] = c
	}
	return r
}

// Load reads contracts from a YAML file. An empty path loads the embedded
// defaults.
func Load(path string) (*Registry, error) {
	k := koanf.New(".")
	if path == "" {
		if err := k.Load(bytesProvider(defaultContracts), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("schema: failed to parse embedded contracts: %w", err)
		}
	} else if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("schema: failed to load %s: %w", path, err)
	}
	return fromKoanf(k)
}

// Default returns the embedded contract set.
func Default() (*Registry, error) {
	return Load("")
}

func fromKoanf(k *koanf.Koanf) (*Registry, error) {
	var raw map[string]Contract
	if err := k.Unmarshal("contracts", &raw); err != nil {
		return nil, fmt.Errorf("schema: failed to decode contracts: %w", err)
	}
	if len(raw) == 0 {
		return nil, ErrEmptyRegistry
	}
	r := &Registry{contracts: make(map[string]Contract, len(raw))}
	for name, c := range raw {
		c.Name = name
		if err := checkContract(c); err != nil {
			return nil, err
		}
		r.contracts[name] = c
	}
	return r, nil
}

func checkContract(c Contract) error {
	switch c.Kind {
	case KindDecision, KindSession, KindExtraction, KindContact, KindThreat, KindRelevance, KindSummary:
	default:
		return fmt.Errorf("%w: %s has unknown kind %q", ErrInvalidDefault, c.Name, c.Kind)
	}
	seen := make(map[string]struct{}, len(c.Fields))
	for _, f := range c.Fields {
		if f.Name == "" {
			return fmt.Errorf("%w: %s has a field without a name", ErrInvalidDefault, c.Name)
		}
		if _, dup := seen[f.Name]; dup {
			return fmt.Errorf("%w: %s declares %q twice", ErrInvalidDefault, c.Name, f.Name)
		}
		seen[f.Name] = struct{}{}
		switch f.Type {
		case "", TypeString, TypeNumber, TypeBoolean, TypeArray:
		default:
			return fmt.Errorf("%w: %s.%s has unknown type %q", ErrInvalidDefault, c.Name, f.Name, f.Type)
		}
	}
	return nil
}

// Get returns the named contract.
func (r *Registry) Get(name string) (Contract, error) {
	if r == nil {
		return Contract{}, fmt.Errorf("%w: %s", ErrUnknownSchema, name)
	}
	c, ok := r.contracts[name]
	if !ok {
		return Contract{}, fmt.Errorf("%w: %s", ErrUnknownSchema, name)
	}
	return c, nil
}

// Names lists the registered contract names in sorted order.
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.contracts))
	for name := range r.contracts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// bytesProvider feeds an in-memory document to koanf.
type bytesProvider []byte

func (b bytesProvider) ReadBytes() ([]byte, error) { return b, nil }

func (b bytesProvider) Read() (map[string]any, error) {
	return nil, fmt.Errorf("schema: bytes provider does not support Read")
}
