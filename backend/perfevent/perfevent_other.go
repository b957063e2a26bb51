//go:build !linux

package perfevent

import (
	"syscall"

	"github.com/napolitain/syspmu/dispatch"
	"github.com/napolitain/syspmu/session"
)

// perf_event_open exists only on Linux. Every call reports ENOSYS so the
// session classifies the platform as unsupported.

type perfContext struct{}

func (c *Controller) Probe() error { return syscall.ENOSYS }

func (c *Controller) CreateContext(session.Identity, session.CPUMask, session.Flags) (session.Handle, error) {
	return 0, syscall.ENOSYS
}

func (c *Controller) Enable(session.Handle) error { return syscall.ENOSYS }

func (c *Controller) WriteControl(session.Handle, []dispatch.Entry) error { return syscall.ENOSYS }

func (c *Controller) WriteData(session.Handle, []session.Register) error { return syscall.ENOSYS }

func (c *Controller) Start(session.Handle) error { return syscall.ENOSYS }

func (c *Controller) Stop(session.Handle) error { return syscall.ENOSYS }

func (c *Controller) ReadData(session.Handle, []uint) ([]session.Readout, error) {
	return nil, syscall.ENOSYS
}

func (c *Controller) DestroyContext(session.Handle) error { return syscall.ENOSYS }
