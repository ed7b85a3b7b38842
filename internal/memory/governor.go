// Package memory provides the memory governor: a process-wide singleton
// that samples heap usage on a fixed interval and sheds load before the
// process is killed by an out-of-memory condition.
package memory

import (
	"context"
	"log/slog"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/jmylchreest/browserhost/internal/logging"
)

const (
	cleanupThresholdPercent   = 85
	emergencyThresholdPercent = 95
	minGCInterval             = 30 * time.Second
)

// LoadShedder is the set of callbacks the Governor drives when heap usage
// crosses a threshold. A Gateway wires its SessionManager/StreamPump state
// into these so the Governor itself never reaches across package
// boundaries into session internals.
type LoadShedder interface {
	// TrimFrameQueues trims every per-client frame queue to its 2 most
	// recent entries. Called at the cleanup threshold.
	TrimFrameQueues()
	// DropFrameQueues empties every per-client frame queue entirely.
	// Called at the emergency threshold.
	DropFrameQueues()
	// DegradeSessions stops and restarts every session's screencast at the
	// degraded quality profile. Called at the emergency threshold.
	DegradeSessions()
}

// Governor periodically samples runtime.MemStats.HeapAlloc against a
// configured limit and exports the result as Prometheus metrics, invoking a
// LoadShedder's methods when usage crosses the cleanup or emergency
// threshold. Construct once at boot with New and pass by reference; it must
// never be an ambient package-level global, so tests can substitute a fake
// LoadShedder.
type Governor struct {
	sampleInterval time.Duration
	heapLimit      int64
	logger         *slog.Logger
	shedder        LoadShedder

	heapUsedPercent prometheus.Gauge
	actionsTotal    *prometheus.CounterVec

	stopCh chan struct{}
	wg     sync.WaitGroup

	mu             sync.Mutex
	clientsCleared int64
	lastGC         time.Time
}

// Config configures a Governor.
type Config struct {
	SampleInterval time.Duration
	HeapLimit      int64 // bytes; falls back to debug.SetMemoryLimit's configured value, then 512MiB
	Logger         *slog.Logger
	Shedder        LoadShedder

	// Registerer is the Prometheus registerer metrics are registered
	// against. Defaults to prometheus.DefaultRegisterer; tests pass a
	// fresh prometheus.NewRegistry() to avoid colliding with other
	// Governors in the same process.
	Registerer prometheus.Registerer
}

// New creates a Governor. Call Init to start sampling.
func New(cfg Config) *Governor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	heapLimit := cfg.HeapLimit
	if heapLimit <= 0 {
		if configured := debug.SetMemoryLimit(-1); configured > 0 && configured < (1<<62) {
			heapLimit = configured
		} else {
			heapLimit = 512 * 1024 * 1024
		}
	}

	reg := cfg.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Governor{
		sampleInterval: cfg.SampleInterval,
		heapLimit:      heapLimit,
		logger:         logger,
		shedder:        cfg.Shedder,
		stopCh:         make(chan struct{}),

		heapUsedPercent: factory.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_heap_used_percent",
			Help: "Heap allocation as a percentage of the configured heap limit.",
		}),
		actionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_memory_actions_total",
			Help: "Number of memory governor actions taken, by action.",
		}, []string{"action"}),
	}
}

// Init starts the sampling loop in the background.
func (g *Governor) Init() {
	if g.sampleInterval <= 0 {
		g.logger.Info("memory governor disabled (no sample interval configured)")
		return
	}

	g.wg.Add(1)
	go g.run()
}

// Shutdown stops the sampling loop and waits for it to exit.
func (g *Governor) Shutdown() {
	close(g.stopCh)
	g.wg.Wait()
}

// ClearClient records that clientId disconnected by counting the call (see
// ClientsCleared); the governor keeps no per-client state to release.
func (g *Governor) ClearClient(clientID string) {
	g.mu.Lock()
	g.clientsCleared++
	g.mu.Unlock()
	logging.FromContext(logging.WithClientID(context.Background(), clientID), g.logger).Debug("memory governor: client cleared")
}

// ClientsCleared returns the number of ClearClient calls since startup.
func (g *Governor) ClientsCleared() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.clientsCleared
}

func (g *Governor) run() {
	defer g.wg.Done()

	ticker := time.NewTicker(g.sampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-g.stopCh:
			return
		case <-ticker.C:
			g.sample()
		}
	}
}

func (g *Governor) sample() {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)

	percent := float64(stats.HeapAlloc) / float64(g.heapLimit) * 100
	g.heapUsedPercent.Set(percent)

	switch {
	case percent >= emergencyThresholdPercent:
		g.emergency(stats.HeapAlloc)
	case percent >= cleanupThresholdPercent:
		g.cleanup(stats.HeapAlloc)
	}
}

func (g *Governor) cleanup(heapAlloc uint64) {
	g.logger.Warn("memory governor: heap usage in cleanup range", "heap_alloc", heapAlloc, "limit", g.heapLimit)
	g.actionsTotal.WithLabelValues("cleanup").Inc()

	if g.shedder != nil {
		g.shedder.TrimFrameQueues()
	}
	g.maybeRequestGC()
}

func (g *Governor) emergency(heapAlloc uint64) {
	g.logger.Error("memory governor: heap usage in emergency range", "heap_alloc", heapAlloc, "limit", g.heapLimit)
	g.actionsTotal.WithLabelValues("emergency").Inc()

	if g.shedder != nil {
		g.shedder.DropFrameQueues()
		g.shedder.DegradeSessions()
	}
	g.requestGC()
}

func (g *Governor) maybeRequestGC() {
	g.mu.Lock()
	due := time.Since(g.lastGC) > minGCInterval
	g.mu.Unlock()

	if due {
		g.requestGC()
	}
}

func (g *Governor) requestGC() {
	g.mu.Lock()
	g.lastGC = time.Now()
	g.mu.Unlock()
	runtime.GC()
}
