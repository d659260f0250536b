package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"reflect"
	"sync"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	lanerunner "github.com/Swind/go-lane-runner"
	"github.com/Swind/go-lane-runner/core"
	"github.com/Swind/go-lane-runner/internal/config"
	"github.com/Swind/go-lane-runner/internal/history"
	"github.com/Swind/go-lane-runner/internal/logging"
	"github.com/Swind/go-lane-runner/internal/stream"
	"github.com/Swind/go-lane-runner/observability/prometheus"
	"github.com/Swind/go-lane-runner/recurring"
)

// statusID groups the periodic status report on the affinity dispatcher.
const statusID = "status"

// Runtime is the assembled daemon. Terminal task records fan out to the
// metrics exporter and, when configured, the sqlite history and the
// websocket stream.
type Runtime struct {
	cfg    *config.Config
	logger core.Logger

	Registry   *prom.Registry
	Pool       *lanerunner.GoroutinePool
	Scheduler  *core.LaneScheduler
	Dispatcher *core.AffinityDispatcher
	Feeder     *recurring.Feeder
	History    *history.Store // nil unless history.path is set
	Stream     *stream.Hub    // nil unless stream.enabled

	feederLog core.Logger
	jobsMu    sync.Mutex
	jobs      map[string]config.JobConfig

	poller   *prometheus.SnapshotPoller
	server   *http.Server
	listener net.Listener

	mu      sync.Mutex
	started bool
}

// NewRuntime wires every component from cfg. Nothing runs until Start.
func NewRuntime(cfg *config.Config, log *logging.Logger) (*Runtime, error) {
	reg := prom.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	exporter, err := prometheus.NewMetricsExporter(cfg.Metrics.Namespace, reg, prometheus.ExporterOptions{})
	if err != nil {
		return nil, fmt.Errorf("metrics exporter: %w", err)
	}
	poller, err := prometheus.NewSnapshotPoller(cfg.Metrics.Namespace, reg, cfg.Metrics.PollInterval)
	if err != nil {
		return nil, fmt.Errorf("snapshot poller: %w", err)
	}

	observers := []core.ExecutionObserver{exporter}
	var store *history.Store
	if cfg.History.Path != "" {
		store, err = history.Open(cfg.History.Path, history.Options{
			Retain: cfg.History.Retain,
			Logger: log.Core("history"),
		})
		if err != nil {
			return nil, err
		}
		observers = append(observers, store)
	}
	var hub *stream.Hub
	if cfg.Stream.Enabled {
		hub = stream.NewHub(stream.Options{Buffer: cfg.Stream.Buffer, Logger: log.Core("stream")})
		observers = append(observers, hub)
	}

	componentConfig := func(component string) *core.Config {
		return &core.Config{
			Metrics:         exporter,
			Logger:          log.Core(component),
			HistoryCapacity: cfg.Scheduler.HistoryCapacity,
			Observers:       observers,
		}
	}

	pool := lanerunner.NewGoroutinePoolWithConfig(cfg.Pool.Name, cfg.Pool.Workers, componentConfig("pool"))
	sched := core.NewLaneSchedulerWithConfig(cfg.Scheduler.Name, pool, componentConfig("scheduler"))
	dispatcher := core.NewAffinityDispatcherWithConfig(cfg.Dispatcher.Name, componentConfig("dispatcher"))

	poller.AddPool(cfg.Pool.Name, pool)
	poller.AddScheduler(cfg.Scheduler.Name, sched)
	poller.AddDispatcher(cfg.Dispatcher.Name, dispatcher)

	feederLog := log.Core("recurring")
	r := &Runtime{
		cfg:        cfg,
		logger:     log.Core("laned"),
		Registry:   reg,
		Pool:       pool,
		Scheduler:  sched,
		Dispatcher: dispatcher,
		Feeder:     recurring.NewFeeder(sched, feederLog),
		History:    store,
		Stream:     hub,
		feederLog:  feederLog,
		jobs:       make(map[string]config.JobConfig),
		poller:     poller,
	}
	if err := r.ApplyJobs(cfg.Jobs); err != nil {
		if store != nil {
			_ = store.Close()
		}
		return nil, err
	}
	return r, nil
}

// ApplyJobs makes the feeder's registrations match jobs: removed or changed
// jobs stop ticking, new or changed ones are added. Runs already submitted
// are left alone.
func (r *Runtime) ApplyJobs(jobs []config.JobConfig) error {
	r.jobsMu.Lock()
	defer r.jobsMu.Unlock()

	wanted := make(map[string]config.JobConfig, len(jobs))
	for _, job := range jobs {
		wanted[job.Name] = job
	}

	for name, current := range r.jobs {
		if next, ok := wanted[name]; !ok || !reflect.DeepEqual(current, next) {
			r.Feeder.Remove(name)
			delete(r.jobs, name)
		}
	}

	var errs []error
	for _, job := range jobs {
		if _, ok := r.jobs[job.Name]; ok {
			continue
		}
		body := recurring.HeartbeatBody(job.Name, r.feederLog)
		if len(job.Command) > 0 {
			body = recurring.CommandBody(job.Command, job.Timeout, r.feederLog)
		}
		if _, err := r.Feeder.Add(job.Schedule, recurring.Job{
			Name:  job.Name,
			ID:    job.ID,
			Lane:  job.Lane,
			Delay: job.Delay,
			Body:  body,
		}); err != nil {
			errs = append(errs, err)
			continue
		}
		r.jobs[job.Name] = job
	}
	return errors.Join(errs...)
}

// Jobs returns the names of the registered recurring jobs.
func (r *Runtime) Jobs() []string {
	r.jobsMu.Lock()
	defer r.jobsMu.Unlock()

	names := make([]string, 0, len(r.jobs))
	for name := range r.jobs {
		names = append(names, name)
	}
	return names
}

// Start launches workers, the feeder, the status report and, when enabled,
// the metrics endpoint.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return nil
	}

	if r.cfg.Metrics.Enabled {
		ln, err := net.Listen("tcp", r.cfg.Metrics.Address)
		if err != nil {
			return fmt.Errorf("listen %s: %w", r.cfg.Metrics.Address, err)
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(r.Registry, promhttp.HandlerOpts{Registry: r.Registry}))
		if r.Stream != nil {
			mux.Handle(r.cfg.Stream.Path, r.Stream)
		}
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		})
		r.listener = ln
		r.server = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := r.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				r.logger.Error("Metrics server stopped", core.F("error", err.Error()))
			}
		}()
		r.logger.Info("Serving metrics", core.F("address", ln.Addr().String()))
	}

	// Shutdown owns the pool and poller lifetimes, not the caller's ctx.
	background := context.WithoutCancel(ctx)
	r.Pool.Start(background)
	r.poller.Start(background)
	r.Feeder.Start()
	r.scheduleStatus()

	r.started = true
	r.logger.Info("laned started",
		core.F("workers", r.Pool.WorkerCount()),
		core.F("jobs", len(r.Jobs())))
	return nil
}

// MetricsAddr returns the bound metrics address, or "" when metrics are off.
func (r *Runtime) MetricsAddr() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listener == nil {
		return ""
	}
	return r.listener.Addr().String()
}

// scheduleStatus reports a stats line on the affinity looper every poll
// interval. Each report schedules the next one under the same id.
func (r *Runtime) scheduleStatus() {
	interval := r.cfg.Metrics.PollInterval
	if interval <= 0 {
		return
	}
	var report core.TaskFunc
	report = func(ctx context.Context) {
		s := r.Scheduler.Stats()
		p := r.Pool.Stats()
		r.logger.Debug("Status",
			core.F("pending", s.Pending),
			core.F("busy_lanes", len(s.BusyLanes)),
			core.F("completed", s.Completed),
			core.F("cancelled", s.Cancelled),
			core.F("pool_active", p.Active),
			core.F("pool_queued", p.Queued))
		_ = r.Dispatcher.Schedule(statusID, report, interval)
	}
	_ = r.Dispatcher.Schedule(statusID, report, interval)
}

// Shutdown stops the components in dependency order: no new ticks, no new
// lane work, then drain the pool within the configured stop timeout.
func (r *Runtime) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error

	if err := r.Feeder.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop feeder: %w", err))
	}

	r.Dispatcher.CancelAll(statusID)
	r.Dispatcher.Close()

	r.Scheduler.Close()

	if r.started {
		if err := r.Pool.StopGraceful(r.cfg.Pool.StopTimeout); err != nil {
			errs = append(errs, fmt.Errorf("stop pool: %w", err))
		}
	}

	r.poller.Stop()
	r.poller.CollectOnce()

	if r.History != nil {
		if err := r.History.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close history: %w", err))
		}
	}
	if r.Stream != nil {
		r.Stream.Close()
	}

	if r.server != nil {
		if err := r.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop metrics server: %w", err))
		}
		r.server = nil
		r.listener = nil
	}

	r.started = false
	r.logger.Info("laned stopped")
	return errors.Join(errs...)
}
