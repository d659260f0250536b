package prometheus

import (
	"context"
	"sync"
	"time"

	"github.com/Swind/go-lane-runner/core"
	prom "github.com/prometheus/client_golang/prometheus"
)

// SchedulerSnapshotProvider provides current lane scheduler stats snapshots.
type SchedulerSnapshotProvider interface {
	Stats() core.SchedulerStats
}

// PoolSnapshotProvider provides current pool stats snapshots.
type PoolSnapshotProvider interface {
	Stats() core.PoolStats
}

// DispatcherSnapshotProvider provides current affinity dispatcher stats snapshots.
type DispatcherSnapshotProvider interface {
	Stats() core.DispatcherStats
}

// SnapshotPoller periodically exports scheduler, pool and dispatcher Stats()
// snapshots into Prometheus gauges.
type SnapshotPoller struct {
	interval time.Duration

	mu          sync.RWMutex
	schedulers  map[string]SchedulerSnapshotProvider
	pools       map[string]PoolSnapshotProvider
	dispatchers map[string]DispatcherSnapshotProvider

	schedulerPending    *prom.GaugeVec
	schedulerQueued     *prom.GaugeVec
	schedulerDispatched *prom.GaugeVec
	schedulerBusyLanes  *prom.GaugeVec
	schedulerCompleted  *prom.GaugeVec
	schedulerCancelled  *prom.GaugeVec
	schedulerRejected   *prom.GaugeVec
	schedulerClosed     *prom.GaugeVec

	poolQueued   *prom.GaugeVec
	poolActive   *prom.GaugeVec
	poolDelayed  *prom.GaugeVec
	poolWorkers  *prom.GaugeVec
	poolRejected *prom.GaugeVec
	poolRunning  *prom.GaugeVec

	dispatcherTokens    *prom.GaugeVec
	dispatcherScheduled *prom.GaugeVec
	dispatcherQueued    *prom.GaugeVec
	dispatcherClosed    *prom.GaugeVec

	stateMu sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewSnapshotPoller creates a snapshot poller and registers its collectors.
func NewSnapshotPoller(namespace string, reg prom.Registerer, interval time.Duration) (*SnapshotPoller, error) {
	if namespace == "" {
		namespace = "lanerunner"
	}
	if reg == nil {
		reg = prom.DefaultRegisterer
	}
	if interval <= 0 {
		interval = time.Second
	}

	p := &SnapshotPoller{
		interval:    interval,
		schedulers:  make(map[string]SchedulerSnapshotProvider),
		pools:       make(map[string]PoolSnapshotProvider),
		dispatchers: make(map[string]DispatcherSnapshotProvider),
	}

	gauges := []struct {
		target **prom.GaugeVec
		name   string
		help   string
		label  string
	}{
		{&p.schedulerPending, "scheduler_pending", "Registered tasks per lane scheduler.", "scheduler"},
		{&p.schedulerQueued, "scheduler_queued", "Tasks waiting for their lane.", "scheduler"},
		{&p.schedulerDispatched, "scheduler_dispatched", "Tasks handed to the executor.", "scheduler"},
		{&p.schedulerBusyLanes, "scheduler_busy_lanes", "Lanes currently held by a dispatched task.", "scheduler"},
		{&p.schedulerCompleted, "scheduler_completed_total", "Completed task count snapshot.", "scheduler"},
		{&p.schedulerCancelled, "scheduler_cancelled_total", "Cancelled task count snapshot.", "scheduler"},
		{&p.schedulerRejected, "scheduler_rejected_total", "Rejected task count snapshot.", "scheduler"},
		{&p.schedulerClosed, "scheduler_closed", "Scheduler closed state (1=closed, 0=open).", "scheduler"},
		{&p.poolQueued, "pool_queued", "Queued closures per pool.", "pool"},
		{&p.poolActive, "pool_active", "Active closures per pool.", "pool"},
		{&p.poolDelayed, "pool_delayed", "Delayed closures per pool.", "pool"},
		{&p.poolWorkers, "pool_workers", "Worker count per pool.", "pool"},
		{&p.poolRejected, "pool_rejected_total", "Rejected closure count snapshot.", "pool"},
		{&p.poolRunning, "pool_running", "Pool running state (1=running, 0=stopped).", "pool"},
		{&p.dispatcherTokens, "dispatcher_tokens", "Live cancellation tokens per dispatcher.", "dispatcher"},
		{&p.dispatcherScheduled, "dispatcher_scheduled", "Tracked callbacks not yet finished.", "dispatcher"},
		{&p.dispatcherQueued, "dispatcher_queued", "Callbacks queued on the looper.", "dispatcher"},
		{&p.dispatcherClosed, "dispatcher_closed", "Dispatcher closed state (1=closed, 0=open).", "dispatcher"},
	}

	for _, g := range gauges {
		vec := prom.NewGaugeVec(prom.GaugeOpts{
			Namespace: namespace,
			Name:      g.name,
			Help:      g.help,
		}, []string{g.label})
		registered, err := registerCollector(reg, vec)
		if err != nil {
			return nil, err
		}
		*g.target = registered
	}

	return p, nil
}

// AddScheduler adds or replaces a scheduler snapshot provider by name.
func (p *SnapshotPoller) AddScheduler(name string, provider SchedulerSnapshotProvider) {
	if p == nil || provider == nil {
		return
	}
	name = labelOr(name, "scheduler")
	p.mu.Lock()
	p.schedulers[name] = provider
	p.mu.Unlock()
}

// AddPool adds or replaces a pool snapshot provider by name.
func (p *SnapshotPoller) AddPool(name string, provider PoolSnapshotProvider) {
	if p == nil || provider == nil {
		return
	}
	name = labelOr(name, "pool")
	p.mu.Lock()
	p.pools[name] = provider
	p.mu.Unlock()
}

// AddDispatcher adds or replaces a dispatcher snapshot provider by name.
func (p *SnapshotPoller) AddDispatcher(name string, provider DispatcherSnapshotProvider) {
	if p == nil || provider == nil {
		return
	}
	name = labelOr(name, "dispatcher")
	p.mu.Lock()
	p.dispatchers[name] = provider
	p.mu.Unlock()
}

// Start begins periodic polling; repeated calls are no-ops.
func (p *SnapshotPoller) Start(ctx context.Context) {
	if p == nil {
		return
	}

	p.stateMu.Lock()
	if p.running {
		p.stateMu.Unlock()
		return
	}
	pollCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.running = true
	p.stateMu.Unlock()

	go p.loop(pollCtx, p.done)
}

// Stop stops periodic polling; repeated calls are safe.
func (p *SnapshotPoller) Stop() {
	if p == nil {
		return
	}

	p.stateMu.Lock()
	if !p.running {
		p.stateMu.Unlock()
		return
	}
	cancel := p.cancel
	done := p.done
	p.stateMu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}

	p.stateMu.Lock()
	p.running = false
	p.cancel = nil
	p.done = nil
	p.stateMu.Unlock()
}

func (p *SnapshotPoller) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.CollectOnce()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.CollectOnce()
		}
	}
}

// CollectOnce refreshes every gauge from the registered providers.
func (p *SnapshotPoller) CollectOnce() {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for name, provider := range p.schedulers {
		stats := provider.Stats()
		p.schedulerPending.WithLabelValues(name).Set(float64(stats.Pending))
		p.schedulerQueued.WithLabelValues(name).Set(float64(stats.Queued))
		p.schedulerDispatched.WithLabelValues(name).Set(float64(stats.Dispatched))
		p.schedulerBusyLanes.WithLabelValues(name).Set(float64(len(stats.BusyLanes)))
		p.schedulerCompleted.WithLabelValues(name).Set(float64(stats.Completed))
		p.schedulerCancelled.WithLabelValues(name).Set(float64(stats.Cancelled))
		p.schedulerRejected.WithLabelValues(name).Set(float64(stats.Rejected))
		p.schedulerClosed.WithLabelValues(name).Set(boolGauge(stats.Closed))
	}

	for name, provider := range p.pools {
		stats := provider.Stats()
		p.poolQueued.WithLabelValues(name).Set(float64(stats.Queued))
		p.poolActive.WithLabelValues(name).Set(float64(stats.Active))
		p.poolDelayed.WithLabelValues(name).Set(float64(stats.Delayed))
		p.poolWorkers.WithLabelValues(name).Set(float64(stats.Workers))
		p.poolRejected.WithLabelValues(name).Set(float64(stats.Rejected))
		p.poolRunning.WithLabelValues(name).Set(boolGauge(stats.Running))
	}

	for name, provider := range p.dispatchers {
		stats := provider.Stats()
		p.dispatcherTokens.WithLabelValues(name).Set(float64(stats.Tokens))
		p.dispatcherScheduled.WithLabelValues(name).Set(float64(stats.Scheduled))
		p.dispatcherQueued.WithLabelValues(name).Set(float64(stats.Queued))
		p.dispatcherClosed.WithLabelValues(name).Set(boolGauge(stats.Closed))
	}
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
