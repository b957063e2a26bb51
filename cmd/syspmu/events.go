package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/napolitain/syspmu/catalog"
)

func (c *cli) newEventsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "events [pattern]",
		Short: "List the events the selected backend can count",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.load(nil)
			if err != nil {
				return err
			}
			_, cat, err := openBackend(cfg)
			if err != nil {
				return err
			}
			pattern := ""
			if len(args) == 1 {
				pattern = strings.ToLower(args[0])
			}
			fmt.Fprintln(cmd.OutOrStdout(), eventTable(cat, pattern))
			return nil
		},
	}
}

func eventTable(cat *catalog.Catalog, pattern string) string {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("EVENT", "CODE", "COUNTERS", "DESCRIPTION")
	for _, ev := range cat.Events() {
		if pattern != "" && !strings.Contains(strings.ToLower(ev.Name()), pattern) {
			continue
		}
		t.Row(ev.Name(), fmt.Sprintf("%#02x", ev.Code()), counterList(cat, ev.Counters()), ev.Description())
	}
	return fmt.Sprintf("%s: %d simultaneous counters\n%s", cat.PMU(), cat.MaxCounters(), t.Render())
}

func counterList(cat *catalog.Catalog, regs []uint) string {
	labels := make([]string, len(regs))
	for i, r := range regs {
		labels[i] = cat.RegisterLabel(r)
	}
	return strings.Join(labels, ",")
}
