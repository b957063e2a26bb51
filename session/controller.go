package session

import (
	"fmt"
	"math/bits"

	"github.com/napolitain/syspmu/dispatch"
)

// Identity names the task issuing privileged calls, usually its pid.
type Identity int

// Handle refers to a monitoring context held by a Controller.
type Handle uint64

// Flags are context creation attributes.
type Flags uint32

const (
	// FlagNoInherit keeps child tasks out of the context.
	FlagNoInherit Flags = 1 << iota
	// FlagSystemWide binds the context to a CPU instead of a task.
	FlagSystemWide
	// FlagBlock requests blocking overflow notification. System-wide
	// contexts never set it.
	FlagBlock
)

// SystemWide are the flags of every context this package creates.
const SystemWide = FlagNoInherit | FlagSystemWide

func (f Flags) String() string {
	s := ""
	add := func(bit Flags, name string) {
		if f&bit == 0 {
			return
		}
		if s != "" {
			s += "|"
		}
		s += name
	}
	add(FlagNoInherit, "no-inherit")
	add(FlagSystemWide, "system-wide")
	add(FlagBlock, "block")
	if s == "" {
		return "none"
	}
	return s
}

// CPUMask selects CPUs by bit. System-wide contexts take exactly one bit.
type CPUMask uint64

// CPUMaskOf returns the mask selecting only cpu.
func CPUMaskOf(cpu int) (CPUMask, error) {
	if cpu < 0 || cpu >= 64 {
		return 0, fmt.Errorf("session: cpu %d out of range", cpu)
	}
	return CPUMask(1) << cpu, nil
}

// Single returns the CPU selected by m when exactly one bit is set.
func (m CPUMask) Single() (int, bool) {
	if bits.OnesCount64(uint64(m)) != 1 {
		return 0, false
	}
	return bits.TrailingZeros64(uint64(m)), true
}

// Register is a data register write.
type Register struct {
	Num   uint
	Value uint64
}

// Readout is a raw data register value read back after a stop.
type Readout struct {
	Reg   uint
	Value uint64
}

// Controller is the privileged control channel. Implementations arbitrate CPU
// ownership and report failures as errors wrapping a syscall.Errno where one
// applies.
type Controller interface {
	CreateContext(id Identity, cpus CPUMask, flags Flags) (Handle, error)
	// Enable puts the counters in a safe, zeroed state. It precedes any
	// register write.
	Enable(h Handle) error
	// WriteControl programs control registers. It precedes WriteData.
	WriteControl(h Handle, entries []dispatch.Entry) error
	WriteData(h Handle, regs []Register) error
	Start(h Handle) error
	Stop(h Handle) error
	ReadData(h Handle, regs []uint) ([]Readout, error)
	DestroyContext(h Handle) error
}

// Prober is implemented by controllers able to tell up front whether the host
// supports monitoring.
type Prober interface {
	Probe() error
}
