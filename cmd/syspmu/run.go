package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/napolitain/syspmu/backend/perfevent"
	"github.com/napolitain/syspmu/backend/sim"
	"github.com/napolitain/syspmu/catalog"
	"github.com/napolitain/syspmu/internal/config"
	"github.com/napolitain/syspmu/internal/logging"
	"github.com/napolitain/syspmu/monitor"
	"github.com/napolitain/syspmu/report"
	"github.com/napolitain/syspmu/session"
)

// simCPUs is the size of the simulated host.
const simCPUs = 64

func (c *cli) runMeasure(cmd *cobra.Command, args []string) error {
	cfg, err := c.load(args)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctl, cat, err := openBackend(cfg)
	if err != nil {
		return err
	}
	plm, err := cfg.PrivilegeMask()
	if err != nil {
		return err
	}
	logger.Debug("Backend ready",
		zap.String("backend", cfg.Backend),
		zap.String("pmu", cat.PMU()),
		zap.Int("max_counters", cat.MaxCounters()))

	lib := session.NewLibrary(ctl, cat, session.WithLogger(logger))
	opts := monitor.Options{Events: cfg.Events, CPU: cfg.CPU, PLM: plm}
	wait := func() error {
		return waitForStop(cmd.Context(), c.in, cmd.ErrOrStderr(), cfg.CPU, cfg.Duration)
	}

	rep, err := monitor.Measure(lib, opts, wait)
	if err != nil {
		return err
	}
	return writeReport(cmd.OutOrStdout(), cfg.Format, cat, rep)
}

// openBackend returns the controller and the event table it counts with.
func openBackend(cfg *config.Config) (session.Controller, *catalog.Catalog, error) {
	var table *catalog.Table
	if cfg.Catalog != "" {
		t, err := catalog.LoadFile(cfg.Catalog)
		if err != nil {
			return nil, nil, err
		}
		table = t
	}

	switch cfg.Backend {
	case config.BackendPerf:
		if err := checkOnlineCPU(cfg.CPU); err != nil {
			return nil, nil, err
		}
		if table == nil {
			table = catalog.Generic(cfg.Counters)
		}
		cat, err := catalog.New(table)
		if err != nil {
			return nil, nil, err
		}
		return perfevent.New(), cat, nil
	default:
		if table == nil {
			table = catalog.Itanium()
		}
		cat, err := catalog.New(table)
		if err != nil {
			return nil, nil, err
		}
		return sim.New(sim.WithCPUs(simCPUs)), cat, nil
	}
}

func checkOnlineCPU(n int) error {
	online, err := cpu.Counts(true)
	if err != nil {
		return fmt.Errorf("count online cpus: %w", err)
	}
	if n >= online {
		return fmt.Errorf("cpu %d not online (%d online)", n, online)
	}
	return nil
}

// waitForStop blocks until Enter is read from in, ctx is cancelled by a
// signal, or d elapses when it is positive.
func waitForStop(ctx context.Context, in io.Reader, out io.Writer, cpuNum int, d time.Duration) error {
	var timeout <-chan time.Time
	var enter chan struct{}
	if d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		timeout = t.C
	} else {
		enter = make(chan struct{})
		fmt.Fprintln(out, "<Press Enter to stop monitoring>")
		// A read from stdin cannot be interrupted. When ctx ends first the
		// reader stays blocked until in is closed or the process exits.
		go func() {
			bufio.NewReader(in).ReadString('\n')
			close(enter)
		}()
	}

	select {
	case <-enter:
	case <-timeout:
	case <-ctx.Done():
	}
	fmt.Fprintf(out, "<Monitoring stopped on CPU%d>\n", cpuNum)
	return nil
}

func writeReport(w io.Writer, format string, cat *catalog.Catalog, rep *monitor.Report) error {
	switch format {
	case config.FormatStyled:
		return report.WriteStyled(w, cat, rep.Summary())
	case config.FormatPrometheus:
		return report.WritePrometheus(w, cat, rep.Summary())
	default:
		return report.WriteText(w, cat, rep.Results)
	}
}
