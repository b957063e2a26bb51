// Package perfevent drives hardware counters through Linux perf_event_open.
// Each counting register of an assignment becomes one CPU-bound perf event;
// the register number only names the event.
package perfevent

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/napolitain/syspmu/session"
)

// ParanoidPath is the sysctl whose presence means the kernel supports perf
// events.
const ParanoidPath = "/proc/sys/kernel/perf_event_paranoid"

// Option configures a Controller.
type Option func(*Controller)

// WithLockDir sets where per-CPU ownership lock files live. The default is
// os.TempDir().
func WithLockDir(dir string) Option { return func(c *Controller) { c.lockDir = dir } }

// Controller owns perf event file descriptors grouped by context.
type Controller struct {
	mu       sync.Mutex
	lockDir  string
	next     session.Handle
	contexts map[session.Handle]*perfContext
}

// New returns a controller with no open contexts.
func New(opts ...Option) *Controller {
	c := &Controller{
		lockDir:  os.TempDir(),
		contexts: make(map[session.Handle]*perfContext),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

var _ session.Controller = (*Controller)(nil)
var _ session.Prober = (*Controller)(nil)

func (c *Controller) lockPath(cpu int) string {
	return filepath.Join(c.lockDir, fmt.Sprintf("syspmu-cpu%d.lock", cpu))
}
