package policy

import (
	"fmt"
	"sort"

	"github.com/maxpert/shedder/cluster"
	"github.com/rs/zerolog/log"
)

// Declaration is a unit type as loaded by the host, together with its
// declarative "may be shed" marker.
type Declaration struct {
	Type      string
	Sheddable bool
	// Priority is only meaningful when HasPriority is set; otherwise the
	// marker defaults to PriorityNormal.
	Priority    Priority
	HasPriority bool
}

// TypeSource lists the unit types loaded on a node
type TypeSource interface {
	DeclaredTypes() []Declaration
}

// Precedence decides which population step runs first. The first step to
// insert a type keeps its priority; later steps never overwrite it.
type Precedence int

const (
	// DeclaredFirst inserts scanned markers before configuration overrides
	DeclaredFirst Precedence = iota
	// ConfigFirst inserts configuration overrides before scanned markers
	ConfigFirst
)

func (p Precedence) String() string {
	switch p {
	case DeclaredFirst:
		return "declared"
	case ConfigFirst:
		return "config"
	default:
		return fmt.Sprintf("precedence(%d)", int(p))
	}
}

// ParsePrecedence parses "declared" or "config"
func ParsePrecedence(s string) (Precedence, error) {
	switch s {
	case "", "declared":
		return DeclaredFirst, nil
	case "config":
		return ConfigFirst, nil
	default:
		return 0, fmt.Errorf("invalid precedence %q (want declared or config)", s)
	}
}

// BuildOptions are the inputs of the one-time policy build step
type BuildOptions struct {
	Declared   []Declaration
	Overrides  map[string]Priority
	Precedence Precedence
	// Protected types are never eligible, whatever their marker or override says.
	Protected *GlobSet
}

// Entry is one row of the eligibility table
type Entry struct {
	Type     string   `json:"type"`
	Priority Priority `json:"priority"`
}

// Table is the immutable eligibility policy of a node
type Table struct {
	priorities map[string]Priority
	types      []string
}

// Build runs the population steps in the configured order and freezes the result
func Build(opts BuildOptions) *Table {
	priorities := make(map[string]Priority)

	insert := func(typeName string, p Priority, source string) {
		if opts.Protected.Match(typeName) {
			log.Debug().Str("type", typeName).Str("source", source).Msg("Skipping protected type")
			return
		}
		if existing, ok := priorities[typeName]; ok {
			log.Debug().
				Str("type", typeName).
				Str("source", source).
				Stringer("kept", existing).
				Stringer("ignored", p).
				Msg("Eligibility entry already present")
			return
		}
		priorities[typeName] = p
	}

	scan := func() {
		for _, d := range opts.Declared {
			if !d.Sheddable {
				continue
			}
			p := PriorityNormal
			if d.HasPriority {
				p = d.Priority
			}
			insert(d.Type, p, "declared")
		}
	}

	overlay := func() {
		names := make([]string, 0, len(opts.Overrides))
		for name := range opts.Overrides {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			insert(name, opts.Overrides[name], "config")
		}
	}

	if opts.Precedence == ConfigFirst {
		overlay()
		scan()
	} else {
		scan()
		overlay()
	}

	return newTable(priorities)
}

// NewTable freezes an explicit type to priority mapping
func NewTable(priorities map[string]Priority) *Table {
	copied := make(map[string]Priority, len(priorities))
	for k, v := range priorities {
		copied[k] = v
	}
	return newTable(copied)
}

func newTable(priorities map[string]Priority) *Table {
	types := make([]string, 0, len(priorities))
	for name := range priorities {
		types = append(types, name)
	}
	sort.Strings(types)

	return &Table{
		priorities: priorities,
		types:      types,
	}
}

// Priority returns the priority of an eligible type
func (t *Table) Priority(typeName string) (Priority, bool) {
	p, ok := t.priorities[typeName]
	return p, ok
}

// Contains reports whether typeName may be shed
func (t *Table) Contains(typeName string) bool {
	_, ok := t.priorities[typeName]
	return ok
}

// Len returns the number of eligible types
func (t *Table) Len() int {
	return len(t.types)
}

// Types returns the eligible type names in sorted order
func (t *Table) Types() []string {
	out := make([]string, len(t.types))
	copy(out, t.types)
	return out
}

// Entries returns the table ordered by shedding order
func (t *Table) Entries() []Entry {
	entries := make([]Entry, 0, len(t.types))
	for _, name := range t.types {
		entries = append(entries, Entry{Type: name, Priority: t.priorities[name]})
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Priority < entries[j].Priority
	})
	return entries
}

// Order drops ineligible rows and sorts the rest into shedding order:
// ascending priority, then type name, then instance key.
func (t *Table) Order(stats []cluster.ActivationStat) []cluster.ActivationStat {
	out := make([]cluster.ActivationStat, 0, len(stats))
	for _, s := range stats {
		if t.Contains(s.Key.Type) {
			out = append(out, s)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		pi, pj := t.priorities[out[i].Key.Type], t.priorities[out[j].Key.Type]
		if pi != pj {
			return pi < pj
		}
		if out[i].Key.Type != out[j].Key.Type {
			return out[i].Key.Type < out[j].Key.Type
		}
		return out[i].Key.Key < out[j].Key.Key
	})
	return out
}
