// Package dispatch assigns requested events to physical counter registers.
package dispatch

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/napolitain/syspmu/catalog"
)

// Aux is the Entry.Index of auxiliary control registers.
const Aux = -1

// Control register layout of a counting monitor.
const (
	pmcPLMMask    = 0xf
	pmcPM         = 1 << 6
	pmcEventShift = 8
	pmcUMaskShift = 16
)

// ErrBudgetExceeded is returned when more events are requested than the
// counter budget allows. Callers are expected to check this beforehand.
var ErrBudgetExceeded = errors.New("dispatch: more events than counters")

// InfeasibleError reports events that could not be placed without a register
// collision.
type InfeasibleError struct {
	Events []string
	Reason string
}

func (e *InfeasibleError) Error() string {
	return fmt.Sprintf("dispatch: cannot configure events %s: %s", strings.Join(e.Events, ", "), e.Reason)
}

// Entry is one control register of an assignment.
type Entry struct {
	// Index is the request position counted by Reg, or Aux.
	Index int
	Reg   uint
	Value uint64
	// Event is the counted event; zero for auxiliary entries.
	Event catalog.Descriptor
}

// PLM decodes the privilege levels of a counting entry.
func (e Entry) PLM() PrivilegeMask { return PrivilegeMask(e.Value & pmcPLMMask) }

// Privileged reports whether the privileged-monitor bit is set.
func (e Entry) Privileged() bool { return e.Index != Aux && e.Value&pmcPM != 0 }

// Assignment maps request indexes to registers. It is immutable.
type Assignment struct {
	entries []Entry
	events  int
}

// NewAssignment builds an assignment from explicit entries: counting entries
// must cover indexes 0..n-1 exactly once and no register may repeat.
func NewAssignment(entries []Entry) (*Assignment, error) {
	regs := make(map[uint]bool, len(entries))
	indexes := make(map[int]bool, len(entries))
	n := 0
	for _, e := range entries {
		if regs[e.Reg] {
			return nil, fmt.Errorf("dispatch: register %d assigned twice", e.Reg)
		}
		regs[e.Reg] = true
		if e.Index == Aux {
			continue
		}
		if e.Index < 0 || indexes[e.Index] {
			return nil, fmt.Errorf("dispatch: bad or repeated request index %d", e.Index)
		}
		indexes[e.Index] = true
		n++
	}
	for i := 0; i < n; i++ {
		if !indexes[i] {
			return nil, fmt.Errorf("dispatch: request index %d not assigned", i)
		}
	}
	return &Assignment{entries: slices.Clone(entries), events: n}, nil
}

// Entries returns every control register to program, counting ones first.
func (a *Assignment) Entries() []Entry { return slices.Clone(a.entries) }

// Counting returns the entries of requested events in request order.
func (a *Assignment) Counting() []Entry {
	out := make([]Entry, 0, a.events)
	for i := 0; i < a.events; i++ {
		for _, e := range a.entries {
			if e.Index == i {
				out = append(out, e)
				break
			}
		}
	}
	return out
}

// AuxEntries returns the auxiliary-only registers.
func (a *Assignment) AuxEntries() []Entry {
	var out []Entry
	for _, e := range a.entries {
		if e.Index == Aux {
			out = append(out, e)
		}
	}
	return out
}

// Register returns the register counting request index i.
func (a *Assignment) Register(i int) (uint, bool) {
	for _, e := range a.entries {
		if e.Index == i && i != Aux {
			return e.Reg, true
		}
	}
	return 0, false
}

// Len is the number of control registers, auxiliary ones included.
func (a *Assignment) Len() int { return len(a.entries) }

// Events is the number of requested events.
func (a *Assignment) Events() int { return a.events }

func (a *Assignment) String() string {
	var sb strings.Builder
	for i, e := range a.entries {
		if i > 0 {
			sb.WriteByte(' ')
		}
		if e.Index == Aux {
			fmt.Fprintf(&sb, "aux→%d", e.Reg)
		} else {
			fmt.Fprintf(&sb, "%d→%d", e.Index, e.Reg)
		}
	}
	return sb.String()
}

type options struct {
	privileged bool
}

// Option tunes Dispatch.
type Option func(*options)

// Privileged sets the privileged-monitor bit, required by system-wide
// monitoring.
func Privileged() Option {
	return func(o *options) { o.privileged = true }
}

// Dispatch places events on counters. Each event takes the lowest eligible
// register that still leaves room for every event after it, so earlier events
// get first choice and a placement is found whenever one exists. Registers
// used, auxiliary ones included, must fit in budget.
func Dispatch(events []catalog.Descriptor, mask PrivilegeMask, budget int, opts ...Option) (*Assignment, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if len(events) > budget {
		return nil, ErrBudgetExceeded
	}
	if mask == 0 {
		return nil, errors.New("dispatch: empty privilege mask")
	}

	eligible := make([][]uint, len(events))
	for i, ev := range events {
		if !ev.Valid() {
			return nil, fmt.Errorf("dispatch: request %d is not a resolved event", i)
		}
		cs := ev.Counters()
		slices.Sort(cs)
		eligible[i] = slices.Compact(cs)
	}

	aux, reserved, err := collectAux(events)
	if err != nil {
		return nil, err
	}

	if unplaced := unmatched(eligible, reserved); len(unplaced) > 0 {
		names := make([]string, len(unplaced))
		for i, idx := range unplaced {
			names[i] = events[idx].Name()
		}
		reason := "no collision-free set of eligible counters"
		if len(aux) > 0 {
			reason += fmt.Sprintf(" outside auxiliary registers %v", auxRegs(aux))
		}
		return nil, &InfeasibleError{Events: names, Reason: reason}
	}
	regs := firstChoice(eligible, reserved)

	entries := make([]Entry, 0, len(events)+len(aux))
	for i, ev := range events {
		entries = append(entries, Entry{
			Index: i,
			Reg:   regs[i],
			Value: controlValue(ev, mask, o.privileged),
			Event: ev,
		})
	}
	entries = append(entries, aux...)

	if len(entries) > budget {
		names := make([]string, len(events))
		for i, ev := range events {
			names[i] = ev.Name()
		}
		return nil, &InfeasibleError{
			Events: names,
			Reason: fmt.Sprintf("needs %d control registers, budget is %d", len(entries), budget),
		}
	}
	return &Assignment{entries: entries, events: len(events)}, nil
}

func controlValue(ev catalog.Descriptor, mask PrivilegeMask, privileged bool) uint64 {
	v := uint64(mask) & pmcPLMMask
	if privileged {
		v |= pmcPM
	}
	v |= uint64(ev.Code()) << pmcEventShift
	v |= uint64(ev.UMask()&0xf) << pmcUMaskShift
	return v
}

// collectAux gathers the auxiliary registers the events need. Identical
// demands share one entry. The returned set is kept away from counting
// events.
func collectAux(events []catalog.Descriptor) ([]Entry, map[uint]bool, error) {
	type demand struct {
		value uint64
		owner int
	}
	demands := make(map[uint]demand)
	var order []uint
	for i, ev := range events {
		for _, a := range ev.Aux() {
			d, ok := demands[a.Reg]
			if !ok {
				demands[a.Reg] = demand{value: a.Value, owner: i}
				order = append(order, a.Reg)
				continue
			}
			if d.value != a.Value {
				return nil, nil, &InfeasibleError{
					Events: []string{events[d.owner].Name(), ev.Name()},
					Reason: fmt.Sprintf("conflicting values for auxiliary register %d", a.Reg),
				}
			}
		}
	}
	slices.Sort(order)
	out := make([]Entry, 0, len(order))
	reserved := make(map[uint]bool, len(order))
	for _, reg := range order {
		out = append(out, Entry{Index: Aux, Reg: reg, Value: demands[reg].value})
		reserved[reg] = true
	}
	return out, reserved, nil
}

func auxRegs(aux []Entry) []uint {
	regs := make([]uint, len(aux))
	for i, e := range aux {
		regs[i] = e.Reg
	}
	return regs
}
