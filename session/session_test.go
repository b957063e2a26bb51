package session

import (
	"context"
	"errors"
	"syscall"
	"testing"

	"github.com/napolitain/syspmu/catalog"
	"github.com/napolitain/syspmu/dispatch"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

// fakeController records privileged calls and fails the ones listed in fail.
type fakeController struct {
	calls    []string
	fail     map[string]error
	readouts func(regs []uint) []Readout
	probeErr error
	probes   int

	mask    CPUMask
	flags   Flags
	control []dispatch.Entry
	data    []Register
}

func newFake() *fakeController {
	return &fakeController{fail: make(map[string]error)}
}

func (f *fakeController) do(op string) error {
	f.calls = append(f.calls, op)
	return f.fail[op]
}

func (f *fakeController) count(op string) int {
	n := 0
	for _, c := range f.calls {
		if c == op {
			n++
		}
	}
	return n
}

func (f *fakeController) Probe() error {
	f.probes++
	return f.probeErr
}

func (f *fakeController) CreateContext(id Identity, cpus CPUMask, flags Flags) (Handle, error) {
	f.mask, f.flags = cpus, flags
	if err := f.do("create_context"); err != nil {
		return 0, err
	}
	return 42, nil
}

func (f *fakeController) Enable(h Handle) error { return f.do("enable") }

func (f *fakeController) WriteControl(h Handle, entries []dispatch.Entry) error {
	f.control = entries
	return f.do("write_control")
}

func (f *fakeController) WriteData(h Handle, regs []Register) error {
	f.data = regs
	return f.do("write_data")
}

func (f *fakeController) Start(h Handle) error { return f.do("start") }

func (f *fakeController) Stop(h Handle) error { return f.do("stop") }

func (f *fakeController) ReadData(h Handle, regs []uint) ([]Readout, error) {
	if err := f.do("read_data"); err != nil {
		return nil, err
	}
	if f.readouts != nil {
		return f.readouts(regs), nil
	}
	// Reverse order so callers cannot rely on position.
	out := make([]Readout, 0, len(regs))
	for i := len(regs) - 1; i >= 0; i-- {
		out = append(out, Readout{Reg: regs[i], Value: 1000 + uint64(regs[i])})
	}
	return out, nil
}

func (f *fakeController) DestroyContext(h Handle) error { return f.do("destroy_context") }

func newTestSession(t *testing.T, ctl *fakeController) *Session {
	t.Helper()
	lib := NewLibrary(ctl, catalog.MustNew(catalog.Itanium()), WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, lib.Initialize())
	s, err := lib.NewSession(Config{CPU: 2})
	require.NoError(t, err)
	return s
}

func testAssignment(t *testing.T, names ...string) *dispatch.Assignment {
	t.Helper()
	evs, err := catalog.MustNew(catalog.Itanium()).ResolveAll(names)
	require.NoError(t, err)
	a, err := dispatch.Dispatch(evs, dispatch.PLMKernel, 16, dispatch.Privileged())
	require.NoError(t, err)
	return a
}

func TestSessionLifecycle(t *testing.T) {
	ctl := newFake()
	s := newTestSession(t, ctl)
	a := testAssignment(t, "cpu_cycles", "IA64_TAGGED_INST_RETIRED_PMC8")

	assert.Equal(t, Unbound, s.State())
	require.NoError(t, s.Create())
	assert.Equal(t, SystemWide, ctl.flags)
	cpu, ok := ctl.mask.Single()
	require.True(t, ok)
	assert.Equal(t, 2, cpu)

	require.NoError(t, s.Enable())
	require.NoError(t, s.Program(a))
	assert.Len(t, ctl.control, 3, "counting and auxiliary control registers")
	assert.Equal(t, []Register{{Num: 4}, {Num: 5}}, ctl.data, "data registers of counting entries only")

	require.NoError(t, s.Start())
	assert.Equal(t, Running, s.State())
	require.NoError(t, s.Stop())

	readouts, err := s.Read()
	require.NoError(t, err)
	assert.ElementsMatch(t, []Readout{{Reg: 4, Value: 1004}, {Reg: 5, Value: 1005}}, readouts)
	assert.Equal(t, Read, s.State())

	require.NoError(t, s.Destroy())
	require.NoError(t, s.Destroy())
	assert.Equal(t, Destroyed, s.State())

	assert.Equal(t, []string{
		"create_context", "enable", "write_control", "write_data",
		"start", "stop", "read_data", "destroy_context",
	}, ctl.calls)
}

func TestSessionRejectsOutOfOrderCalls(t *testing.T) {
	tests := []struct {
		name  string
		setup func(s *Session, a *dispatch.Assignment)
		call  func(s *Session, a *dispatch.Assignment) error
	}{
		{
			name: "enable before create",
			call: func(s *Session, _ *dispatch.Assignment) error { return s.Enable() },
		},
		{
			name:  "program before enable",
			setup: func(s *Session, _ *dispatch.Assignment) { s.Create() },
			call:  func(s *Session, a *dispatch.Assignment) error { return s.Program(a) },
		},
		{
			name: "start before program",
			setup: func(s *Session, _ *dispatch.Assignment) {
				s.Create()
				s.Enable()
			},
			call: func(s *Session, _ *dispatch.Assignment) error { return s.Start() },
		},
		{
			name: "read before stop",
			setup: func(s *Session, a *dispatch.Assignment) {
				s.Create()
				s.Enable()
				s.Program(a)
				s.Start()
			},
			call: func(s *Session, _ *dispatch.Assignment) error {
				readouts, err := s.Read()
				if readouts != nil {
					return errors.New("read returned data")
				}
				return err
			},
		},
		{
			name: "read before start",
			setup: func(s *Session, a *dispatch.Assignment) {
				s.Create()
				s.Enable()
				s.Program(a)
			},
			call: func(s *Session, _ *dispatch.Assignment) error {
				_, err := s.Read()
				return err
			},
		},
		{
			name: "stop before start",
			setup: func(s *Session, a *dispatch.Assignment) {
				s.Create()
				s.Enable()
				s.Program(a)
			},
			call: func(s *Session, _ *dispatch.Assignment) error { return s.Stop() },
		},
		{
			name:  "create twice",
			setup: func(s *Session, _ *dispatch.Assignment) { s.Create() },
			call:  func(s *Session, _ *dispatch.Assignment) error { return s.Create() },
		},
		{
			name: "start after destroy",
			setup: func(s *Session, a *dispatch.Assignment) {
				s.Create()
				s.Enable()
				s.Program(a)
				s.Destroy()
			},
			call: func(s *Session, _ *dispatch.Assignment) error { return s.Start() },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctl := newFake()
			s := newTestSession(t, ctl)
			a := testAssignment(t, "cpu_cycles")
			if tt.setup != nil {
				tt.setup(s, a)
			}
			before := len(ctl.calls)
			state := s.State()

			err := tt.call(s, a)
			require.ErrorIs(t, err, ErrOrdering)
			var order *OrderError
			require.ErrorAs(t, err, &order)
			assert.Equal(t, state, order.State)
			assert.Equal(t, state, s.State(), "rejected call must not change state")
			assert.Len(t, ctl.calls, before, "rejected call must not reach the controller")
		})
	}
}

func TestSessionFailureDestroysOnce(t *testing.T) {
	tests := []struct {
		op   string
		kind error
	}{
		{"enable", ErrRegisterProgramming},
		{"write_control", ErrRegisterProgramming},
		{"write_data", ErrRegisterProgramming},
		{"start", ErrStartStop},
		{"stop", ErrStartStop},
		{"read_data", ErrRead},
	}

	for _, tt := range tests {
		t.Run(tt.op, func(t *testing.T) {
			ctl := newFake()
			ctl.fail[tt.op] = syscall.EINVAL
			s := newTestSession(t, ctl)
			a := testAssignment(t, "cpu_cycles", "IA64_INST_RETIRED")

			err := runAll(s, a)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.kind)
			assert.ErrorIs(t, err, syscall.EINVAL)

			var pe *PhaseError
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, syscall.EINVAL, pe.Code)
			assert.Contains(t, pe.Error(), "errno")

			assert.Equal(t, Destroyed, s.State())
			require.NoError(t, s.Destroy())
			assert.Equal(t, 1, ctl.count("destroy_context"))
			assert.Equal(t, "destroy_context", ctl.calls[len(ctl.calls)-1])
		})
	}
}

func runAll(s *Session, a *dispatch.Assignment) error {
	if err := s.Create(); err != nil {
		return err
	}
	if err := s.Enable(); err != nil {
		return err
	}
	if err := s.Program(a); err != nil {
		return err
	}
	if err := s.Start(); err != nil {
		return err
	}
	if err := s.Stop(); err != nil {
		return err
	}
	_, err := s.Read()
	return err
}

func TestSessionCreateFailure(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind error
	}{
		{"no kernel support", syscall.ENOSYS, ErrPlatformUnsupported},
		{"cpu already bound", syscall.EBUSY, ErrContextAcquisition},
		{"permission", syscall.EPERM, ErrContextAcquisition},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctl := newFake()
			ctl.fail["create_context"] = tt.err
			s := newTestSession(t, ctl)

			err := s.Create()
			assert.ErrorIs(t, err, tt.kind)
			var pe *PhaseError
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, tt.err, pe.Code)
			assert.Equal(t, Unbound, s.State())

			require.NoError(t, s.Destroy())
			assert.Zero(t, ctl.count("destroy_context"))
		})
	}
}

func TestSessionReadMismatch(t *testing.T) {
	tests := []struct {
		name     string
		readouts func(regs []uint) []Readout
	}{
		{"missing readout", func(regs []uint) []Readout { return []Readout{{Reg: regs[0]}} }},
		{"foreign register", func(regs []uint) []Readout { return []Readout{{Reg: 4}, {Reg: 9}} }},
		{"repeated register", func(regs []uint) []Readout { return []Readout{{Reg: 4}, {Reg: 4}} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctl := newFake()
			ctl.readouts = tt.readouts
			s := newTestSession(t, ctl)

			err := runAll(s, testAssignment(t, "cpu_cycles", "IA64_INST_RETIRED"))
			assert.ErrorIs(t, err, ErrRead)
			assert.Equal(t, 1, ctl.count("destroy_context"))
		})
	}
}

func TestSessionRequiresPrivilegedMonitor(t *testing.T) {
	ctl := newFake()
	s := newTestSession(t, ctl)
	evs, err := catalog.MustNew(catalog.Itanium()).ResolveAll([]string{"cpu_cycles"})
	require.NoError(t, err)
	a, err := dispatch.Dispatch(evs, dispatch.PLMKernel, 4)
	require.NoError(t, err)

	require.NoError(t, s.Create())
	require.NoError(t, s.Enable())
	err = s.Program(a)
	assert.ErrorIs(t, err, ErrRegisterProgramming)
	assert.Zero(t, ctl.count("write_control"))
	assert.Equal(t, 1, ctl.count("destroy_context"))
}

func TestSessionFailureLogs(t *testing.T) {
	unprivileged := func(t *testing.T) *dispatch.Assignment {
		evs, err := catalog.MustNew(catalog.Itanium()).ResolveAll([]string{"cpu_cycles"})
		require.NoError(t, err)
		a, err := dispatch.Dispatch(evs, dispatch.PLMKernel, 4)
		require.NoError(t, err)
		return a
	}

	tests := []struct {
		name   string
		fail   string
		assign func(t *testing.T) *dispatch.Assignment
		want   string
	}{
		{"empty assignment", "", func(*testing.T) *dispatch.Assignment { return nil }, "Session check failed"},
		{"missing privileged-monitor bit", "", unprivileged, "Session check failed"},
		{"controller error", "write_control", func(t *testing.T) *dispatch.Assignment {
			return testAssignment(t, "cpu_cycles")
		}, "Privileged call failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctl := newFake()
			if tt.fail != "" {
				ctl.fail[tt.fail] = syscall.EIO
			}
			core, logs := observer.New(zapcore.DebugLevel)
			lib := NewLibrary(ctl, catalog.MustNew(catalog.Itanium()), WithLogger(zap.New(core)))
			require.NoError(t, lib.Initialize())
			s, err := lib.NewSession(Config{CPU: 2})
			require.NoError(t, err)

			require.NoError(t, s.Create())
			require.NoError(t, s.Enable())
			require.ErrorIs(t, s.Program(tt.assign(t)), ErrRegisterProgramming)

			errs := logs.FilterLevelExact(zapcore.ErrorLevel).AllUntimed()
			require.Len(t, errs, 1)
			assert.Equal(t, tt.want, errs[0].Message)
			assert.Equal(t, "program registers", errs[0].ContextMap()["op"])
			assert.Equal(t, Destroyed, s.State())
		})
	}
}

func TestLibraryInitialize(t *testing.T) {
	ctl := newFake()
	lib := NewLibrary(ctl, catalog.MustNew(catalog.Itanium()))

	_, err := lib.NewSession(Config{})
	assert.ErrorIs(t, err, ErrNotInitialized)

	require.NoError(t, lib.Initialize())
	require.NoError(t, lib.Initialize())
	assert.Equal(t, 1, ctl.probes)

	s, err := lib.NewSession(Config{})
	require.NoError(t, err)
	assert.Equal(t, dispatch.PLMKernel, s.PLM())
	assert.NotEmpty(t, s.ID())

	_, err = lib.NewSession(Config{CPU: 64})
	assert.Error(t, err)
}

func TestLibraryInitializeUnsupported(t *testing.T) {
	ctl := newFake()
	ctl.probeErr = syscall.ENOSYS
	lib := NewLibrary(ctl, catalog.MustNew(catalog.Itanium()))

	err := lib.Initialize()
	assert.ErrorIs(t, err, ErrPlatformUnsupported)
	assert.Equal(t, err, lib.Initialize())

	_, err = lib.NewSession(Config{})
	assert.ErrorIs(t, err, ErrNotInitialized)
}

func TestSessionMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	ctl := newFake()
	ctl.fail["start"] = syscall.EIO
	lib := NewLibrary(ctl, catalog.MustNew(catalog.Itanium()), WithMeter(provider.Meter("test")))
	require.NoError(t, lib.Initialize())
	s, err := lib.NewSession(Config{})
	require.NoError(t, err)
	require.Error(t, runAll(s, testAssignment(t, "cpu_cycles")))

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	calls := map[string]int64{}
	failures := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, m.Name)
			for _, dp := range sum.DataPoints {
				op, _ := dp.Attributes.Value("op")
				switch m.Name {
				case "syspmu_privileged_calls_total":
					calls[op.AsString()] = dp.Value
				case "syspmu_privileged_call_errors_total":
					failures[op.AsString()] = dp.Value
				}
			}
		}
	}
	assert.Equal(t, int64(1), calls["create_context"])
	assert.Equal(t, int64(1), calls["start"])
	assert.Equal(t, int64(1), calls["destroy_context"])
	assert.Zero(t, calls["stop"])
	assert.Equal(t, map[string]int64{"start": 1}, failures)
}

func TestCPUMask(t *testing.T) {
	m, err := CPUMaskOf(3)
	require.NoError(t, err)
	assert.Equal(t, CPUMask(8), m)
	cpu, ok := m.Single()
	assert.True(t, ok)
	assert.Equal(t, 3, cpu)

	_, ok = CPUMask(0b101).Single()
	assert.False(t, ok)
	_, ok = CPUMask(0).Single()
	assert.False(t, ok)
	_, err = CPUMaskOf(-1)
	assert.Error(t, err)

	assert.Equal(t, "no-inherit|system-wide", SystemWide.String())
}
