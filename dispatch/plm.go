package dispatch

import (
	"fmt"
	"strconv"
	"strings"
)

// PrivilegeMask selects the execution levels that contribute to a count.
type PrivilegeMask uint8

const (
	PLM0 PrivilegeMask = 1 << iota
	PLM1
	PLM2
	PLM3

	PLMKernel = PLM0
	PLMUser   = PLM3
	PLMAll    = PLM0 | PLM1 | PLM2 | PLM3
)

var plmNames = map[string]PrivilegeMask{
	"kernel": PLMKernel,
	"user":   PLMUser,
	"all":    PLMAll,
}

// ParsePrivilegeMask accepts a comma separated list of level names
// ("kernel", "user", "all") or level numbers 0-3.
func ParsePrivilegeMask(s string) (PrivilegeMask, error) {
	var m PrivilegeMask
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(strings.ToLower(part))
		if part == "" {
			continue
		}
		if v, ok := plmNames[part]; ok {
			m |= v
			continue
		}
		n, err := strconv.Atoi(strings.TrimPrefix(part, "plm"))
		if err != nil || n < 0 || n > 3 {
			return 0, fmt.Errorf("dispatch: invalid privilege level %q", part)
		}
		m |= 1 << n
	}
	if m == 0 {
		return 0, fmt.Errorf("dispatch: empty privilege mask %q", s)
	}
	return m, nil
}

func (m PrivilegeMask) Has(l PrivilegeMask) bool { return m&l == l }

func (m PrivilegeMask) String() string {
	if m == 0 {
		return "none"
	}
	var levels []string
	for i := 0; i < 4; i++ {
		if m&(1<<i) != 0 {
			levels = append(levels, "plm"+strconv.Itoa(i))
		}
	}
	return strings.Join(levels, ",")
}
