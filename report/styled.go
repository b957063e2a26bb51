package report

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

type styles struct {
	title  lipgloss.Style
	header lipgloss.Style
	reg    lipgloss.Style
	value  lipgloss.Style
	event  lipgloss.Style
	dim    lipgloss.Style
}

func newStyles(r *lipgloss.Renderer) styles {
	return styles{
		title:  r.NewStyle().Bold(true).Foreground(lipgloss.Color("#7D56F4")).BorderStyle(lipgloss.DoubleBorder()).BorderForeground(lipgloss.Color("#7D56F4")).Padding(0, 1),
		header: r.NewStyle().Bold(true).Foreground(lipgloss.Color("#FFE66D")),
		reg:    r.NewStyle().Foreground(lipgloss.Color("#95E1D3")),
		value:  r.NewStyle().Bold(true).Foreground(lipgloss.Color("#4ECDC4")),
		event:  r.NewStyle().Foreground(lipgloss.Color("#F38181")),
		dim:    r.NewStyle().Foreground(lipgloss.Color("#666666")),
	}
}

// WriteStyled prints a boxed summary. Colors follow the capabilities of w.
func WriteStyled(w io.Writer, labels Labeler, s Summary) error {
	st := newStyles(lipgloss.NewRenderer(w))

	var sb strings.Builder
	title := st.title.Render(fmt.Sprintf("syspmu · %s · CPU%d", s.PMU, s.CPU))
	sb.WriteString("\n" + title + "\n\n")

	sb.WriteString(fmt.Sprintf("  %s session %s   %s elapsed\n\n",
		st.dim.Render("⏱"),
		st.dim.Render(s.SessionID),
		st.value.Render(s.Elapsed.String())))

	sb.WriteString(st.header.Render("Counters") + "\n")
	sb.WriteString(st.dim.Render("  "+strings.Repeat("─", 60)) + "\n")
	sb.WriteString(fmt.Sprintf("  %s %s %s\n",
		st.dim.Render(fmt.Sprintf("%-8s", "Register")),
		st.dim.Render(fmt.Sprintf("%26s", "Count")),
		st.dim.Render("Event")))

	for _, r := range s.Results {
		sb.WriteString(fmt.Sprintf("  %s %s %s\n",
			st.reg.Render(fmt.Sprintf("%-8s", labels.RegisterLabel(r.Reg))),
			st.value.Render(fmt.Sprintf("%26s", formatCount(r.Value))),
			st.event.Render(r.Name)))
	}
	sb.WriteString("\n")

	_, err := io.WriteString(w, sb.String())
	return err
}
