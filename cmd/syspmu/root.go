package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/napolitain/syspmu/internal/config"
)

type cli struct {
	in      io.Reader
	v       *viper.Viper
	cfgFile string
}

func newRootCmd(in io.Reader, out, errOut io.Writer) *cobra.Command {
	c := &cli{in: in, v: viper.New()}

	root := &cobra.Command{
		Use:   "syspmu [flags] [event...]",
		Short: "Count hardware events on one CPU",
		Long: `syspmu programs the performance monitoring unit of one CPU to count
the given events system-wide, waits for Enter, an interrupt or --duration,
and prints one line per event with the register that counted it.`,
		Example: `  syspmu --cpu 0 cpu_cycles IA64_INST_RETIRED
  syspmu --backend perf --duration 1s -e cpu_cycles,instructions`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.ArbitraryArgs,
		RunE:          c.runMeasure,
	}
	root.SetIn(in)
	root.SetOut(out)
	root.SetErr(errOut)

	pf := root.PersistentFlags()
	pf.StringVar(&c.cfgFile, "config", "", "config file (YAML)")
	pf.String("backend", config.BackendSim, "counter backend: sim or perf")
	pf.String("catalog", "", "event table file (default: built-in table of the backend)")
	pf.Int("counters", 4, "generic counters available to the perf backend")
	pf.String("log-level", "warn", "log level")
	pf.Bool("log-development", false, "human readable development logs")

	f := root.Flags()
	f.IntP("cpu", "c", 0, "CPU to monitor")
	f.StringSliceP("events", "e", nil, "events to count, in order")
	f.StringP("privilege", "p", "kernel", "privilege levels counted: kernel, user, all or 0-3")
	f.DurationP("duration", "d", 0, "stop after this long instead of waiting for Enter")
	f.StringP("format", "f", config.FormatText, "output format: text, styled or prometheus")

	bind := map[string]string{
		"backend":         "backend",
		"catalog":         "catalog",
		"counters":        "counters",
		"log.level":       "log-level",
		"log.development": "log-development",
		"cpu":             "cpu",
		"events":          "events",
		"privilege":       "privilege",
		"duration":        "duration",
		"format":          "format",
	}
	for key, name := range bind {
		flag := pf.Lookup(name)
		if flag == nil {
			flag = f.Lookup(name)
		}
		if err := c.v.BindPFlag(key, flag); err != nil {
			panic(fmt.Sprintf("bind %s: %v", key, err))
		}
	}

	root.AddCommand(c.newEventsCmd(), newVersionCmd())
	return root
}

func (c *cli) load(args []string) (*config.Config, error) {
	cfg, err := config.Load(c.v, c.cfgFile)
	if err != nil {
		return nil, err
	}
	cfg.Events = append(cfg.Events, args...)
	return cfg, nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "syspmu %s\n", version)
		},
	}
}
