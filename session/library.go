package session

import (
	"errors"
	"os"
	"sync"

	"github.com/napolitain/syspmu/catalog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/napolitain/syspmu/session"

// Library is the one-time setup shared by the sessions of a process: the
// control channel, the event catalog and the ambient logger and meter.
type Library struct {
	ctl     Controller
	catalog *catalog.Catalog
	logger  *zap.Logger
	meter   metric.Meter
	id      Identity

	once    sync.Once
	err     error
	ready   bool
	metrics *callMetrics
}

// LibraryOption configures a Library.
type LibraryOption func(*Library)

func WithLogger(l *zap.Logger) LibraryOption {
	return func(lib *Library) { lib.logger = l }
}

func WithMeter(m metric.Meter) LibraryOption {
	return func(lib *Library) { lib.meter = m }
}

// WithIdentity overrides the task identity passed to the controller, which
// defaults to the process id.
func WithIdentity(id Identity) LibraryOption {
	return func(lib *Library) { lib.id = id }
}

func NewLibrary(ctl Controller, cat *catalog.Catalog, opts ...LibraryOption) *Library {
	lib := &Library{
		ctl:     ctl,
		catalog: cat,
		logger:  zap.NewNop(),
		id:      Identity(os.Getpid()),
	}
	for _, opt := range opts {
		opt(lib)
	}
	if lib.meter == nil {
		lib.meter = otel.Meter(instrumentationName)
	}
	return lib
}

// Initialize probes the controller once. Later calls return the first result.
func (l *Library) Initialize() error {
	l.once.Do(func() {
		l.metrics = newCallMetrics(l.meter, l.logger)
		if p, ok := l.ctl.(Prober); ok {
			if err := p.Probe(); err != nil {
				kind := ErrContextAcquisition
				if isENOSYS(err) || errors.Is(err, ErrPlatformUnsupported) {
					kind = ErrPlatformUnsupported
				}
				l.err = newPhaseError("initialize", kind, err)
				l.logger.Error("Monitoring library initialization failed", zap.Error(l.err))
				return
			}
		}
		l.ready = true
		l.logger.Debug("Monitoring library initialized",
			zap.String("pmu", l.catalog.PMU()),
			zap.Int("max_counters", l.catalog.MaxCounters()))
	})
	return l.err
}

func (l *Library) Catalog() *catalog.Catalog { return l.catalog }

func (l *Library) Logger() *zap.Logger { return l.logger }
