// Package sim is an in-memory Controller. It enforces the same ordering and
// ownership rules as a kernel monitoring interface so sessions can be driven
// end to end without hardware.
package sim

import (
	"fmt"
	"sync"
	"syscall"
	"time"

	"github.com/napolitain/syspmu/dispatch"
	"github.com/napolitain/syspmu/session"
)

// Op names a controller call for fault injection.
type Op string

const (
	OpCreate       Op = "create"
	OpEnable       Op = "enable"
	OpWriteControl Op = "write-control"
	OpWriteData    Op = "write-data"
	OpStart        Op = "start"
	OpStop         Op = "stop"
	OpRead         Op = "read"
	OpDestroy      Op = "destroy"
)

// CountFunc returns how far the counter programmed by e advances while
// running for elapsed.
type CountFunc func(e dispatch.Entry, elapsed time.Duration) uint64

// DefaultCount advances one count per microsecond scaled by the event code.
func DefaultCount(e dispatch.Entry, elapsed time.Duration) uint64 {
	return uint64(elapsed.Microseconds()) * (uint64(e.Event.Code()) + 1)
}

// Option configures a Host.
type Option func(*Host)

// WithCPUs sets the number of CPUs. The default is 4.
func WithCPUs(n int) Option { return func(h *Host) { h.cpus = n } }

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(h *Host) { h.now = now } }

// WithCount replaces DefaultCount.
func WithCount(f CountFunc) Option { return func(h *Host) { h.count = f } }

// Unsupported makes the host behave like a kernel without monitoring
// support: every call fails with ENOSYS.
func Unsupported() Option { return func(h *Host) { h.unsupported = true } }

type context struct {
	cpu     int
	enabled bool
	running bool
	started time.Time
	control map[uint]dispatch.Entry
	data    map[uint]uint64
}

// Host simulates the monitoring hardware of one machine.
type Host struct {
	mu          sync.Mutex
	cpus        int
	unsupported bool
	now         func() time.Time
	count       CountFunc

	next     session.Handle
	owners   map[int]session.Handle
	contexts map[session.Handle]*context
	faults   map[Op]syscall.Errno
	calls    map[Op]int
}

// New returns a host with no contexts.
func New(opts ...Option) *Host {
	h := &Host{
		cpus:     4,
		now:      time.Now,
		count:    DefaultCount,
		owners:   make(map[int]session.Handle),
		contexts: make(map[session.Handle]*context),
		faults:   make(map[Op]syscall.Errno),
		calls:    make(map[Op]int),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

var _ session.Controller = (*Host)(nil)
var _ session.Prober = (*Host)(nil)

// FailNext makes the next call of op fail with errno and no side effect.
func (h *Host) FailNext(op Op, errno syscall.Errno) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.faults[op] = errno
}

// Calls reports how many times op was called, failed calls included.
func (h *Host) Calls(op Op) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls[op]
}

// Owner returns the handle holding cpu.
func (h *Host) Owner(cpu int) (session.Handle, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	hd, ok := h.owners[cpu]
	return hd, ok
}

// Open returns the number of live contexts.
func (h *Host) Open() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.contexts)
}

// enter must be called with h.mu held.
func (h *Host) enter(op Op) error {
	h.calls[op]++
	if h.unsupported {
		return fail(op, syscall.ENOSYS)
	}
	if errno, ok := h.faults[op]; ok {
		delete(h.faults, op)
		return fail(op, errno)
	}
	return nil
}

func fail(op Op, errno syscall.Errno) error {
	return fmt.Errorf("sim: %s: %w", op, errno)
}

func (h *Host) lookup(op Op, hd session.Handle) (*context, error) {
	c, ok := h.contexts[hd]
	if !ok {
		return nil, fail(op, syscall.EBADF)
	}
	return c, nil
}

func (h *Host) Probe() error {
	if h.unsupported {
		return fail("probe", syscall.ENOSYS)
	}
	return nil
}

func (h *Host) CreateContext(id session.Identity, cpus session.CPUMask, flags session.Flags) (session.Handle, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.enter(OpCreate); err != nil {
		return 0, err
	}
	if flags&session.SystemWide != session.SystemWide || flags&session.FlagBlock != 0 {
		return 0, fail(OpCreate, syscall.EINVAL)
	}
	cpu, ok := cpus.Single()
	if !ok || cpu >= h.cpus {
		return 0, fail(OpCreate, syscall.EINVAL)
	}
	if _, busy := h.owners[cpu]; busy {
		return 0, fail(OpCreate, syscall.EBUSY)
	}
	h.next++
	h.owners[cpu] = h.next
	h.contexts[h.next] = &context{cpu: cpu}
	return h.next, nil
}

func (h *Host) Enable(hd session.Handle) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.enter(OpEnable); err != nil {
		return err
	}
	c, err := h.lookup(OpEnable, hd)
	if err != nil {
		return err
	}
	if c.running {
		return fail(OpEnable, syscall.EBUSY)
	}
	c.enabled = true
	c.control = make(map[uint]dispatch.Entry)
	c.data = make(map[uint]uint64)
	return nil
}

func (h *Host) WriteControl(hd session.Handle, entries []dispatch.Entry) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.enter(OpWriteControl); err != nil {
		return err
	}
	c, err := h.lookup(OpWriteControl, hd)
	if err != nil {
		return err
	}
	if !c.enabled || c.running {
		return fail(OpWriteControl, syscall.EINVAL)
	}
	for _, e := range entries {
		c.control[e.Reg] = e
	}
	return nil
}

func (h *Host) WriteData(hd session.Handle, regs []session.Register) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.enter(OpWriteData); err != nil {
		return err
	}
	c, err := h.lookup(OpWriteData, hd)
	if err != nil {
		return err
	}
	if !c.enabled || c.running {
		return fail(OpWriteData, syscall.EINVAL)
	}
	for _, r := range regs {
		if e, ok := c.control[r.Num]; !ok || e.Index == dispatch.Aux {
			return fail(OpWriteData, syscall.EINVAL)
		}
	}
	for _, r := range regs {
		c.data[r.Num] = r.Value
	}
	return nil
}

func (h *Host) Start(hd session.Handle) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.enter(OpStart); err != nil {
		return err
	}
	c, err := h.lookup(OpStart, hd)
	if err != nil {
		return err
	}
	if !c.enabled || c.running {
		return fail(OpStart, syscall.EINVAL)
	}
	c.running = true
	c.started = h.now()
	return nil
}

func (h *Host) Stop(hd session.Handle) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.enter(OpStop); err != nil {
		return err
	}
	c, err := h.lookup(OpStop, hd)
	if err != nil {
		return err
	}
	if !c.running {
		return fail(OpStop, syscall.EINVAL)
	}
	elapsed := h.now().Sub(c.started)
	for reg, v := range c.data {
		c.data[reg] = v + h.count(c.control[reg], elapsed)
	}
	c.running = false
	return nil
}

func (h *Host) ReadData(hd session.Handle, regs []uint) ([]session.Readout, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.enter(OpRead); err != nil {
		return nil, err
	}
	c, err := h.lookup(OpRead, hd)
	if err != nil {
		return nil, err
	}
	if c.running {
		return nil, fail(OpRead, syscall.EBUSY)
	}
	out := make([]session.Readout, 0, len(regs))
	for _, reg := range regs {
		v, ok := c.data[reg]
		if !ok {
			return nil, fail(OpRead, syscall.EINVAL)
		}
		out = append(out, session.Readout{Reg: reg, Value: v})
	}
	return out, nil
}

func (h *Host) DestroyContext(hd session.Handle) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.enter(OpDestroy); err != nil {
		return err
	}
	c, err := h.lookup(OpDestroy, hd)
	if err != nil {
		return err
	}
	delete(h.contexts, hd)
	delete(h.owners, c.cpu)
	return nil
}
