// Package correlate joins counter readouts with the events assigned to their
// registers.
package correlate

import (
	"fmt"

	"github.com/napolitain/syspmu/catalog"
	"github.com/napolitain/syspmu/dispatch"
	"github.com/napolitain/syspmu/session"
)

// Namer gives the human readable name of an event.
type Namer interface {
	Name(catalog.Descriptor) string
}

// Result is one requested event with its raw count.
type Result struct {
	Index int
	Name  string
	Reg   uint
	Value uint64
}

// Correlate returns one Result per request in request order. Each event is
// found through the register the assignment gave it; an event's register
// rarely equals its index. It fails only when readouts do not hold exactly one
// value per assigned register, which a session never produces.
func Correlate(readouts []session.Readout, a *dispatch.Assignment, requests []catalog.Descriptor, names Namer) ([]Result, error) {
	if a.Events() != len(requests) {
		return nil, fmt.Errorf("correlate: assignment covers %d events, %d requested", a.Events(), len(requests))
	}
	byReg := make(map[uint]uint64, len(readouts))
	for _, r := range readouts {
		if _, dup := byReg[r.Reg]; dup {
			return nil, fmt.Errorf("correlate: register %d read twice", r.Reg)
		}
		byReg[r.Reg] = r.Value
	}

	out := make([]Result, len(requests))
	for i, ev := range requests {
		reg, ok := a.Register(i)
		if !ok {
			return nil, fmt.Errorf("correlate: event %d has no register", i)
		}
		v, ok := byReg[reg]
		if !ok {
			return nil, fmt.Errorf("correlate: no readout for register %d (%s)", reg, names.Name(ev))
		}
		out[i] = Result{Index: i, Name: names.Name(ev), Reg: reg, Value: v}
	}
	return out, nil
}
