// Package report renders correlated counter values.
package report

import (
	"fmt"
	"io"
	"time"

	"github.com/napolitain/syspmu/correlate"
)

// Labeler names data registers, e.g. "PMD4".
type Labeler interface {
	RegisterLabel(reg uint) string
}

// Summary is one finished measurement.
type Summary struct {
	PMU       string
	CPU       int
	SessionID string
	Elapsed   time.Duration
	Results   []correlate.Result
}

// WriteText prints one line per event: register label, the raw value padded
// to 16 digits, and the event name.
func WriteText(w io.Writer, labels Labeler, results []correlate.Result) error {
	for _, r := range results {
		if _, err := fmt.Fprintf(w, "%s %016d %s\n", labels.RegisterLabel(r.Reg), r.Value, r.Name); err != nil {
			return err
		}
	}
	return nil
}

// formatCount formats a number with thousands separators
func formatCount(n uint64) string {
	s := fmt.Sprintf("%d", n)
	var result []byte
	for i, c := range s {
		if i > 0 && (len(s)-i)%3 == 0 {
			result = append(result, ',')
		}
		result = append(result, byte(c))
	}
	return string(result)
}
