// Package catalog resolves symbolic hardware event names into descriptors the
// counter allocator can place on physical registers.
package catalog

import (
	"fmt"
	"slices"
)

// AuxRegister is an extra control register an event needs programmed, such as
// an opcode matcher. Its value is written verbatim.
type AuxRegister struct {
	Reg   uint   `yaml:"reg"`
	Value uint64 `yaml:"value"`
}

// Event is one entry of a platform event table.
type Event struct {
	Name string `yaml:"name"`
	// Code is the event select code written into the counter's control register.
	Code uint8 `yaml:"code"`
	// UMask qualifies Code on PMUs that have unit masks.
	UMask uint8 `yaml:"umask"`
	// Type and Config are the perf_event_open encoding of the event. Native
	// tables leave them zero.
	Type   uint32 `yaml:"type"`
	Config uint64 `yaml:"config"`
	// Counters lists the registers able to count this event.
	Counters []uint        `yaml:"counters"`
	Aux      []AuxRegister `yaml:"aux"`
	Desc     string        `yaml:"desc"`
}

// Descriptor is an opaque handle on a resolved event. The zero value is not
// a valid descriptor.
type Descriptor struct {
	ev *Event
}

// Valid reports whether d came from a catalog.
func (d Descriptor) Valid() bool { return d.ev != nil }

func (d Descriptor) Name() string {
	if d.ev == nil {
		return ""
	}
	return d.ev.Name
}

func (d Descriptor) Code() uint8 { return d.ev.Code }

func (d Descriptor) UMask() uint8 { return d.ev.UMask }

func (d Descriptor) Type() uint32 { return d.ev.Type }

func (d Descriptor) Config() uint64 { return d.ev.Config }

// Counters returns a copy of the registers eligible to count the event.
func (d Descriptor) Counters() []uint { return slices.Clone(d.ev.Counters) }

// Aux returns a copy of the auxiliary registers the event requires.
func (d Descriptor) Aux() []AuxRegister { return slices.Clone(d.ev.Aux) }

func (d Descriptor) Description() string { return d.ev.Desc }

func (d Descriptor) String() string { return d.Name() }

// UnknownEventError reports a name missing from the event table. An empty
// Name means no event was requested at all.
type UnknownEventError struct {
	Name string
	PMU  string
}

func (e *UnknownEventError) Error() string {
	if e.Name == "" {
		return "catalog: no events requested"
	}
	return fmt.Sprintf("catalog: cannot find %s event on %s", e.Name, e.PMU)
}

// Catalog is a read-only lookup service over one Table.
type Catalog struct {
	table  *Table
	byName map[string]*Event
}

// New validates t and indexes a private copy of it by name.
func New(t *Table) (*Catalog, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	t = t.clone()
	c := &Catalog{
		table:  t,
		byName: make(map[string]*Event, len(t.Events)),
	}
	for i := range t.Events {
		ev := &t.Events[i]
		c.byName[ev.Name] = ev
	}
	return c, nil
}

// MustNew is New for built-in tables.
func MustNew(t *Table) *Catalog {
	c, err := New(t)
	if err != nil {
		panic(err)
	}
	return c
}

// Resolve looks name up with an exact, case-sensitive match.
func (c *Catalog) Resolve(name string) (Descriptor, error) {
	ev, ok := c.byName[name]
	if !ok || name == "" {
		return Descriptor{}, &UnknownEventError{Name: name, PMU: c.table.PMU}
	}
	return Descriptor{ev: ev}, nil
}

// ResolveAll resolves names in order. It fails on the first unknown name and
// when names is empty; no partial result is returned.
func (c *Catalog) ResolveAll(names []string) ([]Descriptor, error) {
	if len(names) == 0 {
		return nil, &UnknownEventError{PMU: c.table.PMU}
	}
	out := make([]Descriptor, 0, len(names))
	for _, name := range names {
		d, err := c.Resolve(name)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// Name returns the human readable name of d.
func (c *Catalog) Name(d Descriptor) string { return d.Name() }

// Events returns every event of the table in table order.
func (c *Catalog) Events() []Descriptor {
	out := make([]Descriptor, len(c.table.Events))
	for i := range c.table.Events {
		out[i] = Descriptor{ev: &c.table.Events[i]}
	}
	return out
}

// MaxCounters is the number of events the PMU can count at once.
func (c *Catalog) MaxCounters() int { return c.table.MaxCounters }

// ControlRegisters is the size of the control register bank, counting and
// auxiliary registers included.
func (c *Catalog) ControlRegisters() int { return c.table.ControlRegisters }

func (c *Catalog) PMU() string { return c.table.PMU }

// RegisterLabel formats a data register number for reports, e.g. "PMD4".
func (c *Catalog) RegisterLabel(reg uint) string {
	return fmt.Sprintf("%s%d", c.table.RegisterPrefix, reg)
}
