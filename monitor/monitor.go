// Package monitor runs one complete measurement: resolve the requested
// events, assign counters, drive a session on one CPU and label the results.
package monitor

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/napolitain/syspmu/correlate"
	"github.com/napolitain/syspmu/dispatch"
	"github.com/napolitain/syspmu/report"
	"github.com/napolitain/syspmu/session"
)

// ErrTooManyEvents means more events were requested than the PMU counts at
// once.
var ErrTooManyEvents = errors.New("too many events specified")

// Options selects what to measure.
type Options struct {
	Events []string
	CPU    int
	// PLM defaults to kernel level.
	PLM dispatch.PrivilegeMask
	// Budget caps the registers one assignment may program. Zero means the
	// catalog's control register count.
	Budget int
}

// Report is a finished measurement.
type Report struct {
	SessionID  string
	CPU        int
	PMU        string
	Assignment *dispatch.Assignment
	Elapsed    time.Duration
	Results    []correlate.Result
}

// Summary converts r for the report writers.
func (r *Report) Summary() report.Summary {
	return report.Summary{
		PMU:       r.PMU,
		CPU:       r.CPU,
		SessionID: r.SessionID,
		Elapsed:   r.Elapsed,
		Results:   r.Results,
	}
}

// Measure counts opts.Events on opts.CPU while wait runs. Nothing privileged
// happens until every event resolves and the assignment is feasible. The
// context is destroyed exactly once on every path after it was created.
func Measure(lib *session.Library, opts Options, wait func() error) (rep *Report, err error) {
	if err := lib.Initialize(); err != nil {
		return nil, err
	}
	cat := lib.Catalog()
	log := lib.Logger()

	requests, err := cat.ResolveAll(opts.Events)
	if err != nil {
		return nil, err
	}
	if len(requests) > cat.MaxCounters() {
		return nil, fmt.Errorf("%w: %d requested, %s counts %d at once",
			ErrTooManyEvents, len(requests), cat.PMU(), cat.MaxCounters())
	}

	plm := opts.PLM
	if plm == 0 {
		plm = dispatch.PLMKernel
	}
	budget := opts.Budget
	if budget == 0 {
		budget = cat.ControlRegisters()
	}
	a, err := dispatch.Dispatch(requests, plm, budget, dispatch.Privileged())
	if err != nil {
		return nil, err
	}

	s, err := lib.NewSession(session.Config{CPU: opts.CPU, PLM: plm})
	if err != nil {
		return nil, err
	}
	log = log.With(zap.String("session_id", s.ID()), zap.Int("cpu", opts.CPU))
	log.Info("Measuring",
		zap.Strings("events", opts.Events),
		zap.Stringer("plm", plm),
		zap.Stringer("assignment", a))

	if err := s.Create(); err != nil {
		return nil, err
	}
	defer func() {
		if derr := s.Destroy(); derr != nil && err == nil {
			rep, err = nil, derr
		}
	}()

	if err := s.Enable(); err != nil {
		return nil, err
	}
	if err := s.Program(a); err != nil {
		return nil, err
	}
	if err := s.Start(); err != nil {
		return nil, err
	}
	began := time.Now()
	if err := wait(); err != nil {
		return nil, fmt.Errorf("monitor: wait: %w", err)
	}
	if err := s.Stop(); err != nil {
		return nil, err
	}
	elapsed := time.Since(began)

	readouts, err := s.Read()
	if err != nil {
		return nil, err
	}
	results, err := correlate.Correlate(readouts, a, requests, cat)
	if err != nil {
		return nil, err
	}
	log.Info("Measurement complete", zap.Duration("elapsed", elapsed), zap.Int("events", len(results)))

	return &Report{
		SessionID:  s.ID(),
		CPU:        opts.CPU,
		PMU:        cat.PMU(),
		Assignment: a,
		Elapsed:    elapsed,
		Results:    results,
	}, nil
}
