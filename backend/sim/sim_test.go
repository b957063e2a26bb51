package sim

import (
	"errors"
	"syscall"
	"testing"
	"time"

	"github.com/napolitain/syspmu/catalog"
	"github.com/napolitain/syspmu/dispatch"
	"github.com/napolitain/syspmu/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func assignment(t *testing.T, names ...string) *dispatch.Assignment {
	t.Helper()
	cat := catalog.MustNew(catalog.Itanium())
	reqs, err := cat.ResolveAll(names)
	require.NoError(t, err)
	a, err := dispatch.Dispatch(reqs, dispatch.PLMKernel, cat.ControlRegisters(), dispatch.Privileged())
	require.NoError(t, err)
	return a
}

func mask(t *testing.T, cpu int) session.CPUMask {
	t.Helper()
	m, err := session.CPUMaskOf(cpu)
	require.NoError(t, err)
	return m
}

func TestHostCountsWhileRunning(t *testing.T) {
	clk := &fakeClock{t: time.Unix(0, 0)}
	h := New(WithClock(clk.now), WithCount(func(e dispatch.Entry, d time.Duration) uint64 {
		return uint64(d.Milliseconds()) * uint64(e.Reg)
	}))
	a := assignment(t, "cpu_cycles", "IA64_INST_RETIRED")

	hd, err := h.CreateContext(1, mask(t, 0), session.SystemWide)
	require.NoError(t, err)
	require.NoError(t, h.Enable(hd))
	require.NoError(t, h.WriteControl(hd, a.Entries()))
	require.NoError(t, h.WriteData(hd, []session.Register{{Num: 4}, {Num: 5, Value: 7}}))
	require.NoError(t, h.Start(hd))
	clk.advance(10 * time.Millisecond)
	require.NoError(t, h.Stop(hd))

	got, err := h.ReadData(hd, []uint{5, 4})
	require.NoError(t, err)
	assert.Equal(t, []session.Readout{{Reg: 5, Value: 57}, {Reg: 4, Value: 40}}, got)
	require.NoError(t, h.DestroyContext(hd))
	assert.Zero(t, h.Open())
}

func TestHostCPUOwnership(t *testing.T) {
	h := New(WithCPUs(2))

	first, err := h.CreateContext(1, mask(t, 1), session.SystemWide)
	require.NoError(t, err)

	_, err = h.CreateContext(2, mask(t, 1), session.SystemWide)
	assert.ErrorIs(t, err, syscall.EBUSY)

	other, err := h.CreateContext(2, mask(t, 0), session.SystemWide)
	require.NoError(t, err)

	owner, ok := h.Owner(1)
	require.True(t, ok)
	assert.Equal(t, first, owner)

	require.NoError(t, h.DestroyContext(first))
	_, ok = h.Owner(1)
	assert.False(t, ok)
	_, err = h.CreateContext(3, mask(t, 1), session.SystemWide)
	assert.NoError(t, err)
	require.NoError(t, h.DestroyContext(other))
}

func TestHostRejectsBadContexts(t *testing.T) {
	h := New(WithCPUs(2))
	tests := []struct {
		name  string
		cpus  session.CPUMask
		flags session.Flags
	}{
		{"per-task", mask(t, 0), session.FlagNoInherit},
		{"blocking", mask(t, 0), session.SystemWide | session.FlagBlock},
		{"two cpus", mask(t, 0) | mask(t, 1), session.SystemWide},
		{"no cpu", 0, session.SystemWide},
		{"absent cpu", mask(t, 3), session.SystemWide},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.CreateContext(1, tt.cpus, tt.flags)
			assert.ErrorIs(t, err, syscall.EINVAL)
		})
	}
	assert.Zero(t, h.Open())
}

func TestHostEnforcesOrdering(t *testing.T) {
	h := New()
	a := assignment(t, "cpu_cycles")
	hd, err := h.CreateContext(1, mask(t, 0), session.SystemWide)
	require.NoError(t, err)

	assert.ErrorIs(t, h.WriteControl(hd, a.Entries()), syscall.EINVAL, "write before enable")
	assert.ErrorIs(t, h.Start(hd), syscall.EINVAL, "start before enable")

	require.NoError(t, h.Enable(hd))
	assert.ErrorIs(t, h.WriteData(hd, []session.Register{{Num: 4}}), syscall.EINVAL, "data without control")
	require.NoError(t, h.WriteControl(hd, a.Entries()))
	require.NoError(t, h.WriteData(hd, []session.Register{{Num: 4}}))

	assert.ErrorIs(t, h.Stop(hd), syscall.EINVAL, "stop before start")
	require.NoError(t, h.Start(hd))
	_, err = h.ReadData(hd, []uint{4})
	assert.ErrorIs(t, err, syscall.EBUSY, "read while running")
	require.NoError(t, h.Stop(hd))

	_, err = h.ReadData(hd, []uint{6})
	assert.ErrorIs(t, err, syscall.EINVAL, "unprogrammed register")

	require.NoError(t, h.DestroyContext(hd))
	assert.ErrorIs(t, h.DestroyContext(hd), syscall.EBADF)
}

func TestHostAuxRegistersHoldNoData(t *testing.T) {
	h := New()
	a := assignment(t, "IA64_TAGGED_INST_RETIRED_PMC8")
	hd, err := h.CreateContext(1, mask(t, 0), session.SystemWide)
	require.NoError(t, err)
	require.NoError(t, h.Enable(hd))
	require.NoError(t, h.WriteControl(hd, a.Entries()))

	assert.ErrorIs(t, h.WriteData(hd, []session.Register{{Num: 8}}), syscall.EINVAL)
}

func TestHostFailNext(t *testing.T) {
	h := New()
	h.FailNext(OpCreate, syscall.EPERM)

	_, err := h.CreateContext(1, mask(t, 0), session.SystemWide)
	assert.ErrorIs(t, err, syscall.EPERM)
	assert.Zero(t, h.Open())

	_, err = h.CreateContext(1, mask(t, 0), session.SystemWide)
	assert.NoError(t, err, "fault applies once")
	assert.Equal(t, 2, h.Calls(OpCreate))
}

func TestHostUnsupported(t *testing.T) {
	h := New(Unsupported())
	assert.ErrorIs(t, h.Probe(), syscall.ENOSYS)
	_, err := h.CreateContext(1, mask(t, 0), session.SystemWide)
	assert.True(t, errors.Is(err, syscall.ENOSYS))
}

func TestHostDrivesSession(t *testing.T) {
	clk := &fakeClock{t: time.Unix(0, 0)}
	h := New(WithClock(clk.now))
	lib := session.NewLibrary(h, catalog.MustNew(catalog.Itanium()))
	require.NoError(t, lib.Initialize())

	s, err := lib.NewSession(session.Config{CPU: 3})
	require.NoError(t, err)
	require.NoError(t, s.Create())
	require.NoError(t, s.Enable())
	require.NoError(t, s.Program(assignment(t, "cpu_cycles", "IA64_INST_RETIRED")))
	require.NoError(t, s.Start())
	clk.advance(time.Millisecond)
	require.NoError(t, s.Stop())
	out, err := s.Read()
	require.NoError(t, err)
	assert.Equal(t, []session.Readout{
		{Reg: 4, Value: 1000 * (0x12 + 1)},
		{Reg: 5, Value: 1000 * (0x08 + 1)},
	}, out)
	require.NoError(t, s.Destroy())

	assert.Zero(t, h.Open())
	assert.Equal(t, 1, h.Calls(OpDestroy))
}
