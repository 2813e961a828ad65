package directory

import (
	_ "embed"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/agnivade/levenshtein"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

//go:embed contacts.yaml
var defaultContacts []byte

var ErrContactNotFound = errors.New("directory: contact not found")

// maxCloseDistance bounds the edit distance for a close match.
const maxCloseDistance = 2

// Contact is one person visitors may ask for.
type Contact struct {
	Name       string   `koanf:"name" json:"name"`
	Email      string   `koanf:"email" json:"email"`
	Department string   `koanf:"department" json:"department,omitempty"`
	Aliases    []string `koanf:"aliases" json:"aliases,omitempty"`
}

// MatchStatus classifies a lookup.
type MatchStatus string

const (
	MatchExact     MatchStatus = "exact"
	MatchAmbiguous MatchStatus = "ambiguous"
	MatchNone      MatchStatus = "none"
)

// Match is the deterministic lookup result.
type Match struct {
	Status     MatchStatus
	Contact    Contact
	Candidates []Contact
}

// Directory is an immutable contact snapshot.
type Directory struct {
	contacts []Contact
	byKey    map[string]int
}

// New builds a directory from contacts. Later duplicates are ignored.
func New(contacts []Contact) *Directory {
	d := &Directory{byKey: make(map[string]int)}
	for _, c := range contacts {
		c.Name = strings.TrimSpace(c.Name)
		if c.Name == "" {
			continue
		}
		key := normalize(c.Name)
		if _, dup := d.byKey[key]; dup {
			continue
		}
		idx := len(d.contacts)
		d.contacts = append(d.contacts, c)
		d.byKey[key] = idx
		for _, alias := range c.Aliases {
			if a := normalize(alias); a != "" {
				if _, taken := d.byKey[a]; !taken {
					d.byKey[a] = idx
				}
			}
		}
	}
	return d
}

// Load reads contacts from a YAML file; an empty path loads the embedded
// fixture.
func Load(path string) (*Directory, error) {
	k := koanf.New(".")
	if path == "" {
		if err := k.Load(bytesProvider(defaultContacts), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("directory: failed to parse embedded contacts: %w", err)
		}
	} else if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("directory: failed to load %s: %w", path, err)
	}
	var contacts []Contact
	if err := k.Unmarshal("contacts", &contacts); err != nil {
		return nil, fmt.Errorf("directory: failed to decode contacts: %w", err)
	}
	return New(contacts), nil
}

// Len returns the number of contacts.
func (d *Directory) Len() int {
	if d == nil {
		return 0
	}
	return len(d.contacts)
}

// Names lists contact names in directory order.
func (d *Directory) Names() []string {
	if d == nil {
		return nil
	}
	out := make([]string, len(d.contacts))
	for i, c := range d.contacts {
		out[i] = c.Name
	}
	return out
}

// Get returns a contact by exact name or alias.
func (d *Directory) Get(name string) (Contact, error) {
	if d != nil {
		if idx, ok := d.byKey[normalize(name)]; ok {
			return d.contacts[idx], nil
		}
	}
	return Contact{}, fmt.Errorf("%w: %s", ErrContactNotFound, name)
}

// Email resolves a contact's address.
func (d *Directory) Email(name string) (string, error) {
	c, err := d.Get(name)
	if err != nil {
		return "", err
	}
	if c.Email == "" {
		return "", fmt.Errorf("%w: %s has no email", ErrContactNotFound, name)
	}
	return c.Email, nil
}

// Lookup resolves a spoken name without calling a model: full name or
// alias, then a unique first or last name, then edit-distance candidates.
func (d *Directory) Lookup(name string) Match {
	query := normalize(name)
	if d == nil || query == "" {
		return Match{Status: MatchNone}
	}
	if idx, ok := d.byKey[query]; ok {
		return Match{Status: MatchExact, Contact: d.contacts[idx]}
	}

	tokens := strings.Fields(query)
	var byToken []Contact
	for _, c := range d.contacts {
		if sharesToken(tokens, strings.Fields(normalize(c.Name))) {
			byToken = append(byToken, c)
		}
	}
	switch len(byToken) {
	case 0:
	case 1:
		return Match{Status: MatchExact, Contact: byToken[0]}
	default:
		return Match{Status: MatchAmbiguous, Candidates: byToken}
	}

	type scored struct {
		contact  Contact
		distance int
	}
	var near []scored
	for _, c := range d.contacts {
		if dist := closestDistance(query, tokens, c); dist <= maxCloseDistance {
			near = append(near, scored{contact: c, distance: dist})
		}
	}
	sort.SliceStable(near, func(i, j int) bool { return near[i].distance < near[j].distance })
	switch {
	case len(near) == 0:
		return Match{Status: MatchNone}
	case len(near) == 1 && near[0].distance <= 1:
		return Match{Status: MatchExact, Contact: near[0].contact}
	}
	candidates := make([]Contact, len(near))
	for i, s := range near {
		candidates[i] = s.contact
	}
	return Match{Status: MatchAmbiguous, Candidates: candidates}
}

func sharesToken(query, name []string) bool {
	for _, q := range query {
		for _, n := range name {
			if q == n {
				return true
			}
		}
	}
	return false
}

func closestDistance(query string, tokens []string, c Contact) int {
	best := levenshtein.ComputeDistance(query, normalize(c.Name))
	for _, n := range strings.Fields(normalize(c.Name)) {
		for _, q := range tokens {
			// Short tokens match too easily.
			if len(q) < 3 {
				continue
			}
			if dist := levenshtein.ComputeDistance(q, n); dist < best {
				best = dist
			}
		}
	}
	return best
}

var honorifics = map[string]struct{}{
	"mr": {}, "mrs": {}, "ms": {}, "miss": {}, "dr": {}, "prof": {}, "sir": {},
}

func normalize(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	name = strings.NewReplacer(".", " ", ",", " ", "'s", "").Replace(name)
	fields := strings.Fields(name)
	out := fields[:0]
	for _, f := range fields {
		if _, skip := honorifics[f]; skip {
			continue
		}
		out = append(out, f)
	}
	return strings.Join(out, " ")
}

// bytesProvider feeds an in-memory document to koanf.
type bytesProvider []byte

func (b bytesProvider) ReadBytes() ([]byte, error) { return b, nil }

func (b bytesProvider) Read() (map[string]any, error) {
	return nil, errors.New("directory: bytes provider does not support Read")
}
