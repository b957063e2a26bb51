package catalog

import (
	"errors"
	"fmt"
	"slices"
)

// Table is a platform event table.
type Table struct {
	// Format is the semantic version of the table file layout.
	Format string `yaml:"format"`
	PMU    string `yaml:"pmu"`
	// RegisterPrefix labels data registers in reports.
	RegisterPrefix string `yaml:"register_prefix"`
	// MaxCounters is how many events can be counted simultaneously.
	MaxCounters int `yaml:"max_counters"`
	// ControlRegisters bounds the register numbers an assignment may use.
	ControlRegisters int     `yaml:"control_registers"`
	Events           []Event `yaml:"events"`
}

// Validate checks names are unique and every event can be placed somewhere.
func (t *Table) Validate() error {
	if t.PMU == "" {
		return errors.New("catalog: table has no pmu name")
	}
	if t.MaxCounters <= 0 {
		return fmt.Errorf("catalog: %s: max_counters must be positive, got %d", t.PMU, t.MaxCounters)
	}
	if t.ControlRegisters < t.MaxCounters {
		return fmt.Errorf("catalog: %s: control_registers (%d) below max_counters (%d)",
			t.PMU, t.ControlRegisters, t.MaxCounters)
	}
	seen := make(map[string]bool, len(t.Events))
	for _, ev := range t.Events {
		if ev.Name == "" {
			return fmt.Errorf("catalog: %s: event with empty name", t.PMU)
		}
		if seen[ev.Name] {
			return fmt.Errorf("catalog: %s: duplicate event %s", t.PMU, ev.Name)
		}
		seen[ev.Name] = true
		if len(ev.Counters) == 0 {
			return fmt.Errorf("catalog: %s: event %s has no eligible counters", t.PMU, ev.Name)
		}
		for _, c := range ev.Counters {
			if c >= uint(t.ControlRegisters) {
				return fmt.Errorf("catalog: %s: event %s counter %d out of range", t.PMU, ev.Name, c)
			}
		}
		for _, a := range ev.Aux {
			if a.Reg >= uint(t.ControlRegisters) {
				return fmt.Errorf("catalog: %s: event %s aux register %d out of range", t.PMU, ev.Name, a.Reg)
			}
		}
	}
	return nil
}

func (t *Table) clone() *Table {
	c := *t
	c.Events = make([]Event, len(t.Events))
	for i, ev := range t.Events {
		ev.Counters = slices.Clone(ev.Counters)
		ev.Aux = slices.Clone(ev.Aux)
		c.Events[i] = ev
	}
	return &c
}

// Itanium register layout: PMC4-PMC7 drive the counting monitors PMD4-PMD7,
// PMC8 and PMC9 are the opcode matchers used by tagged events.
const (
	itaniumPMCs = 16
	matchAll    = 0xffffffff3fffffff
)

var itaniumAll = []uint{4, 5, 6, 7}

// Itanium returns the built-in Itanium event table.
func Itanium() *Table {
	return &Table{
		Format:           "v1.0.0",
		PMU:              "itanium",
		RegisterPrefix:   "PMD",
		MaxCounters:      4,
		ControlRegisters: itaniumPMCs,
		Events: []Event{
			{Name: "cpu_cycles", Code: 0x12, Counters: itaniumAll, Desc: "CPU cycles"},
			{Name: "IA64_INST_RETIRED", Code: 0x08, Counters: []uint{4, 5}, Desc: "retired IA-64 instructions"},
			{Name: "IA32_INST_RETIRED", Code: 0x15, Counters: itaniumAll, Desc: "retired IA-32 instructions"},
			{Name: "IA64_TAGGED_INST_RETIRED_PMC8", Code: 0x08, UMask: 0x3, Counters: []uint{4, 5},
				Aux: []AuxRegister{{Reg: 8, Value: matchAll}}, Desc: "retired instructions matched by PMC8"},
			{Name: "IA64_TAGGED_INST_RETIRED_PMC9", Code: 0x08, UMask: 0x2, Counters: []uint{4, 5},
				Aux: []AuxRegister{{Reg: 9, Value: matchAll}}, Desc: "retired instructions matched by PMC9"},
			{Name: "BRANCH_EVENT", Code: 0x11, Counters: []uint{4}, Desc: "branch event captured by the BTB"},
			{Name: "DATA_EAR_EVENTS", Code: 0x67, Counters: []uint{4}, Desc: "data event address register captures"},
			{Name: "L1D_READ_MISSES_RETIRED", Code: 0x66, Counters: itaniumAll, Desc: "L1 data cache read misses"},
			{Name: "L2_MISSES", Code: 0x2e, Counters: itaniumAll, Desc: "L2 cache misses"},
			{Name: "L3_MISSES", Code: 0x2f, Counters: []uint{5, 6, 7}, Desc: "L3 cache misses"},
			{Name: "ISA_TRANSITIONS", Code: 0x14, Counters: itaniumAll, Desc: "IA-64 to IA-32 transitions"},
			{Name: "PIPELINE_ALL_FLUSH_CYCLE", Code: 0x33, Counters: []uint{6, 7}, Desc: "cycles lost to pipeline flushes"},
		},
	}
}

// perf_event_open hardware event numbers.
const (
	perfTypeHardware = 0

	perfCountHWCPUCycles          = 0
	perfCountHWInstructions       = 1
	perfCountHWCacheReferences    = 2
	perfCountHWCacheMisses        = 3
	perfCountHWBranchInstructions = 4
	perfCountHWBranchMisses       = 5
	perfCountHWBusCycles          = 6
	perfCountHWRefCPUCycles       = 9
)

// Generic returns the Linux generic hardware events spread over n
// interchangeable counters, numbered from zero.
func Generic(n int) *Table {
	all := make([]uint, n)
	for i := range all {
		all[i] = uint(i)
	}
	hw := func(name string, config uint64, desc string) Event {
		return Event{Name: name, Type: perfTypeHardware, Config: config, Counters: all, Desc: desc}
	}
	return &Table{
		Format:           "v1.0.0",
		PMU:              "generic",
		RegisterPrefix:   "CTR",
		MaxCounters:      n,
		ControlRegisters: n,
		Events: []Event{
			hw("cpu_cycles", perfCountHWCPUCycles, "CPU cycles"),
			hw("instructions", perfCountHWInstructions, "retired instructions"),
			hw("cache_references", perfCountHWCacheReferences, "last level cache references"),
			hw("cache_misses", perfCountHWCacheMisses, "last level cache misses"),
			hw("branch_instructions", perfCountHWBranchInstructions, "retired branch instructions"),
			hw("branch_misses", perfCountHWBranchMisses, "mispredicted branches"),
			hw("bus_cycles", perfCountHWBusCycles, "bus cycles"),
			hw("ref_cycles", perfCountHWRefCPUCycles, "reference cycles, unaffected by frequency scaling"),
		},
	}
}
