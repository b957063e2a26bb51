// Command example counts two events on a simulated Itanium for 50ms using the
// library packages directly.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/napolitain/syspmu/backend/sim"
	"github.com/napolitain/syspmu/catalog"
	"github.com/napolitain/syspmu/monitor"
	"github.com/napolitain/syspmu/report"
	"github.com/napolitain/syspmu/session"
)

func main() {
	cat := catalog.MustNew(catalog.Itanium())
	lib := session.NewLibrary(sim.New(), cat)

	rep, err := monitor.Measure(lib, monitor.Options{
		Events: []string{"cpu_cycles", "IA64_INST_RETIRED"},
		CPU:    0,
	}, func() error {
		time.Sleep(50 * time.Millisecond)
		return nil
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "example: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Assignment:", rep.Assignment)
	if err := report.WriteText(os.Stdout, cat, rep.Results); err != nil {
		fmt.Fprintf(os.Stderr, "example: %v\n", err)
		os.Exit(1)
	}
	if err := report.WriteStyled(os.Stdout, cat, rep.Summary()); err != nil {
		fmt.Fprintf(os.Stderr, "example: %v\n", err)
		os.Exit(1)
	}
}
