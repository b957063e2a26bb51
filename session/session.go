// Package session drives a system-wide monitoring context through its
// lifecycle on a privileged Controller.
package session

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/napolitain/syspmu/dispatch"
	"go.uber.org/zap"
)

// State is a step of the session lifecycle. Each state is entered only from
// the one before it, except Destroyed which ends every path.
type State int

const (
	Unbound State = iota
	Created
	Enabled
	Programmed
	Running
	Stopped
	Read
	Destroyed
)

var stateNames = map[State]string{
	Unbound:    "unbound",
	Created:    "created",
	Enabled:    "enabled",
	Programmed: "programmed",
	Running:    "running",
	Stopped:    "stopped",
	Read:       "read",
	Destroyed:  "destroyed",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "unknown"
}

// Config selects the CPU and privilege levels of a session.
type Config struct {
	CPU int
	// PLM defaults to kernel level.
	PLM dispatch.PrivilegeMask
}

// Session owns one monitoring context. It is not safe for concurrent use.
type Session struct {
	lib    *Library
	id     uuid.UUID
	cpu    int
	mask   CPUMask
	plm    dispatch.PrivilegeMask
	logger *zap.Logger

	state      State
	handle     Handle
	assignment *dispatch.Assignment
}

// NewSession prepares an unbound session on an initialized library.
func (l *Library) NewSession(cfg Config) (*Session, error) {
	if !l.ready {
		return nil, ErrNotInitialized
	}
	mask, err := CPUMaskOf(cfg.CPU)
	if err != nil {
		return nil, err
	}
	plm := cfg.PLM
	if plm == 0 {
		plm = dispatch.PLMKernel
	}
	id := uuid.New()
	return &Session{
		lib:  l,
		id:   id,
		cpu:  cfg.CPU,
		mask: mask,
		plm:  plm,
		logger: l.logger.With(
			zap.String("session_id", id.String()),
			zap.Int("cpu", cfg.CPU)),
	}, nil
}

func (s *Session) ID() string { return s.id.String() }

func (s *Session) CPU() int { return s.cpu }

func (s *Session) PLM() dispatch.PrivilegeMask { return s.plm }

func (s *Session) State() State { return s.state }

// Assignment returns the programmed assignment, nil before Program.
func (s *Session) Assignment() *dispatch.Assignment { return s.assignment }

func (s *Session) call(op string, fn func() error) error {
	err := fn()
	s.lib.metrics.record(op, err)
	return err
}

func (s *Session) expect(op string, want State) error {
	if s.state != want {
		return &OrderError{Op: op, State: s.state}
	}
	return nil
}

func (s *Session) advance(to State) {
	s.logger.Debug("Session transition",
		zap.Stringer("from", s.state),
		zap.Stringer("to", to))
	s.state = to
}

// fail reports a controller error, tears the context down and returns the
// phase error.
func (s *Session) fail(op string, kind, err error) error {
	return s.abort("Privileged call failed", op, kind, err)
}

// reject is fail for checks the session makes itself before or after a
// controller call.
func (s *Session) reject(op string, kind, err error) error {
	return s.abort("Session check failed", op, kind, err)
}

func (s *Session) abort(msg, op string, kind, err error) error {
	pe := newPhaseError(op, kind, err)
	s.logger.Error(msg,
		zap.String("op", op),
		zap.Stringer("state", s.state),
		zap.Error(err))
	if s.state != Unbound && s.state != Destroyed {
		if derr := s.destroy(); derr != nil {
			s.logger.Warn("Context release after failure failed", zap.Error(derr))
		}
	}
	return pe
}

// Create acquires the context bound to the session's CPU.
func (s *Session) Create() error {
	if err := s.expect("create context", Unbound); err != nil {
		return err
	}
	var h Handle
	err := s.call("create_context", func() (err error) {
		h, err = s.lib.ctl.CreateContext(s.lib.id, s.mask, SystemWide)
		return err
	})
	if err != nil {
		kind := ErrContextAcquisition
		if errors.Is(err, ErrPlatformUnsupported) || isENOSYS(err) {
			kind = ErrPlatformUnsupported
		}
		return s.fail("create context", kind, err)
	}
	s.handle = h
	s.advance(Created)
	return nil
}

// Enable resets the counters to a safe state.
func (s *Session) Enable() error {
	if err := s.expect("enable", Created); err != nil {
		return err
	}
	if err := s.call("enable", func() error { return s.lib.ctl.Enable(s.handle) }); err != nil {
		return s.fail("enable", ErrRegisterProgramming, err)
	}
	s.advance(Enabled)
	return nil
}

// Program writes every control register of a, then zeroes the data
// registers of the counting entries.
func (s *Session) Program(a *dispatch.Assignment) error {
	if err := s.expect("program registers", Enabled); err != nil {
		return err
	}
	if a == nil || a.Events() == 0 {
		return s.reject("program registers", ErrRegisterProgramming, errors.New("empty assignment"))
	}
	counting := a.Counting()
	for _, e := range counting {
		if !e.Privileged() {
			return s.reject("program registers", ErrRegisterProgramming,
				fmt.Errorf("register %d lacks the privileged-monitor bit required system-wide", e.Reg))
		}
	}

	if err := s.call("write_control", func() error {
		return s.lib.ctl.WriteControl(s.handle, a.Entries())
	}); err != nil {
		return s.fail("write control registers", ErrRegisterProgramming, err)
	}

	data := make([]Register, len(counting))
	for i, e := range counting {
		data[i] = Register{Num: e.Reg}
	}
	if err := s.call("write_data", func() error {
		return s.lib.ctl.WriteData(s.handle, data)
	}); err != nil {
		return s.fail("write data registers", ErrRegisterProgramming, err)
	}

	s.assignment = a
	s.logger.Debug("Registers programmed", zap.Stringer("assignment", a))
	s.advance(Programmed)
	return nil
}

// Start begins counting on the bound CPU.
func (s *Session) Start() error {
	if err := s.expect("start", Programmed); err != nil {
		return err
	}
	if err := s.call("start", func() error { return s.lib.ctl.Start(s.handle) }); err != nil {
		return s.fail("start", ErrStartStop, err)
	}
	s.advance(Running)
	return nil
}

// Stop ends counting. It must precede Read.
func (s *Session) Stop() error {
	if err := s.expect("stop", Running); err != nil {
		return err
	}
	if err := s.call("stop", func() error { return s.lib.ctl.Stop(s.handle) }); err != nil {
		return s.fail("stop", ErrStartStop, err)
	}
	s.advance(Stopped)
	return nil
}

// Read returns one readout per requested event. Readouts are matched to
// events by register number, not by position.
func (s *Session) Read() ([]Readout, error) {
	if err := s.expect("read", Stopped); err != nil {
		return nil, err
	}
	counting := s.assignment.Counting()
	regs := make([]uint, len(counting))
	for i, e := range counting {
		regs[i] = e.Reg
	}

	var out []Readout
	err := s.call("read_data", func() (err error) {
		out, err = s.lib.ctl.ReadData(s.handle, regs)
		return err
	})
	if err != nil {
		return nil, s.fail("read data registers", ErrRead, err)
	}
	if err := checkReadouts(regs, out); err != nil {
		return nil, s.reject("read data registers", ErrRead, err)
	}
	s.advance(Read)
	return out, nil
}

func checkReadouts(regs []uint, out []Readout) error {
	if len(out) != len(regs) {
		return fmt.Errorf("got %d readouts for %d registers", len(out), len(regs))
	}
	want := make(map[uint]bool, len(regs))
	for _, r := range regs {
		want[r] = true
	}
	for _, r := range out {
		if !want[r.Reg] {
			return fmt.Errorf("unexpected or repeated register %d in readouts", r.Reg)
		}
		delete(want, r.Reg)
	}
	return nil
}

// Destroy releases the context. It is safe to call on every exit path; only
// the first call after Create reaches the controller.
func (s *Session) Destroy() error {
	switch s.state {
	case Destroyed:
		return nil
	case Unbound:
		s.advance(Destroyed)
		return nil
	}
	if err := s.destroy(); err != nil {
		pe := newPhaseError("destroy context", ErrContextAcquisition, err)
		s.logger.Error("Privileged call failed", zap.String("op", "destroy context"), zap.Error(err))
		return pe
	}
	return nil
}

func (s *Session) destroy() error {
	err := s.call("destroy_context", func() error { return s.lib.ctl.DestroyContext(s.handle) })
	s.advance(Destroyed)
	return err
}
