//go:build linux

package perfevent

import (
	"errors"
	"fmt"
	"os"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/napolitain/syspmu/dispatch"
	"github.com/napolitain/syspmu/session"
)

type perfContext struct {
	cpu     int
	lock    *os.File
	enabled bool
	running bool
	// fds maps a counting register to its perf event.
	fds     map[uint]int
}

func (p *perfContext) closeEvents() {
	for _, fd := range p.fds {
		unix.Close(fd)
	}
	p.fds = make(map[uint]int)
}

func (c *Controller) lookup(h session.Handle) (*perfContext, error) {
	p, ok := c.contexts[h]
	if !ok {
		return nil, syscall.EBADF
	}
	return p, nil
}

// Probe reports ENOSYS when the kernel was built without perf events.
func (c *Controller) Probe() error {
	if _, err := os.Stat(ParanoidPath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("perfevent: %s missing: %w", ParanoidPath, syscall.ENOSYS)
		}
		return fmt.Errorf("perfevent: probe: %w", err)
	}
	return nil
}

// CreateContext takes an exclusive lock on the CPU. A CPU locked by another
// context, in this process or another, reports EBUSY.
func (c *Controller) CreateContext(id session.Identity, cpus session.CPUMask, flags session.Flags) (session.Handle, error) {
	if flags&session.SystemWide != session.SystemWide || flags&session.FlagBlock != 0 {
		return 0, fmt.Errorf("perfevent: context flags %s: %w", flags, syscall.EINVAL)
	}
	cpu, ok := cpus.Single()
	if !ok {
		return 0, fmt.Errorf("perfevent: cpu mask %#x: %w", uint64(cpus), syscall.EINVAL)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	f, err := os.OpenFile(c.lockPath(cpu), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return 0, fmt.Errorf("perfevent: open cpu%d lock: %w", cpu, err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			err = syscall.EBUSY
		}
		return 0, fmt.Errorf("perfevent: lock cpu%d: %w", cpu, err)
	}

	c.next++
	c.contexts[c.next] = &perfContext{cpu: cpu, lock: f, fds: make(map[uint]int)}
	return c.next, nil
}

// Enable drops any events left from an earlier programming.
func (c *Controller) Enable(h session.Handle) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, err := c.lookup(h)
	if err != nil {
		return err
	}
	if p.running {
		return syscall.EBUSY
	}
	p.closeEvents()
	p.enabled = true
	return nil
}

// WriteControl opens one disabled event per counting entry. The privilege
// levels of the entry become the kernel and user exclusion bits.
// Auxiliary registers have no perf equivalent and are refused.
func (c *Controller) WriteControl(h session.Handle, entries []dispatch.Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, err := c.lookup(h)
	if err != nil {
		return err
	}
	if !p.enabled || p.running {
		return syscall.EINVAL
	}
	for _, e := range entries {
		if e.Index == dispatch.Aux {
			return fmt.Errorf("perfevent: auxiliary register %d: %w", e.Reg, syscall.EINVAL)
		}
	}

	p.closeEvents()
	for _, e := range entries {
		attr := unix.PerfEventAttr{
			Type:   e.Event.Type(),
			Size:   uint32(unsafe.Sizeof(unix.PerfEventAttr{})),
			Config: e.Event.Config(),
			Bits:   unix.PerfBitDisabled | unix.PerfBitExcludeHv,
		}
		plm := e.PLM()
		if !plm.Has(dispatch.PLMKernel) {
			attr.Bits |= unix.PerfBitExcludeKernel
		}
		if !plm.Has(dispatch.PLMUser) {
			attr.Bits |= unix.PerfBitExcludeUser
		}

		fd, err := unix.PerfEventOpen(&attr, -1, p.cpu, -1, unix.PERF_FLAG_FD_CLOEXEC)
		if err != nil {
			p.closeEvents()
			return fmt.Errorf("perfevent: perf_event_open for %s on cpu%d: %w", e.Event, p.cpu, err)
		}
		p.fds[e.Reg] = fd
	}
	return nil
}

// WriteData can only zero a counter.
func (c *Controller) WriteData(h session.Handle, regs []session.Register) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, err := c.lookup(h)
	if err != nil {
		return err
	}
	if p.running {
		return syscall.EINVAL
	}
	for _, r := range regs {
		fd, ok := p.fds[r.Num]
		if !ok || r.Value != 0 {
			return fmt.Errorf("perfevent: data register %d: %w", r.Num, syscall.EINVAL)
		}
		if err := unix.IoctlSetInt(fd, unix.PERF_EVENT_IOC_RESET, 0); err != nil {
			return fmt.Errorf("perfevent: reset register %d: %w", r.Num, err)
		}
	}
	return nil
}

func (c *Controller) ioctlAll(h session.Handle, req uint, running bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, err := c.lookup(h)
	if err != nil {
		return err
	}
	if len(p.fds) == 0 || p.running == running {
		return syscall.EINVAL
	}
	for reg, fd := range p.fds {
		if err := unix.IoctlSetInt(fd, req, 0); err != nil {
			return fmt.Errorf("perfevent: register %d: %w", reg, err)
		}
	}
	p.running = running
	return nil
}

func (c *Controller) Start(h session.Handle) error {
	return c.ioctlAll(h, unix.PERF_EVENT_IOC_ENABLE, true)
}

func (c *Controller) Stop(h session.Handle) error {
	return c.ioctlAll(h, unix.PERF_EVENT_IOC_DISABLE, false)
}

func (c *Controller) ReadData(h session.Handle, regs []uint) ([]session.Readout, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, err := c.lookup(h)
	if err != nil {
		return nil, err
	}
	if p.running {
		return nil, syscall.EBUSY
	}

	out := make([]session.Readout, 0, len(regs))
	buf := make([]byte, 8)
	for _, reg := range regs {
		fd, ok := p.fds[reg]
		if !ok {
			return nil, fmt.Errorf("perfevent: read register %d: %w", reg, syscall.EINVAL)
		}
		n, err := unix.Read(fd, buf)
		if err != nil {
			return nil, fmt.Errorf("perfevent: read register %d: %w", reg, err)
		}
		if n != 8 {
			return nil, fmt.Errorf("perfevent: short read on register %d: got %d bytes", reg, n)
		}
		value := *(*uint64)(unsafe.Pointer(&buf[0]))
		out = append(out, session.Readout{Reg: reg, Value: value})
	}
	return out, nil
}

// DestroyContext closes every event and releases the CPU lock.
func (c *Controller) DestroyContext(h session.Handle) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, err := c.lookup(h)
	if err != nil {
		return err
	}
	delete(c.contexts, h)
	p.closeEvents()
	err = unix.Flock(int(p.lock.Fd()), unix.LOCK_UN)
	if cerr := p.lock.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("perfevent: release cpu%d: %w", p.cpu, err)
	}
	return nil
}
