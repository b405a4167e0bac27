package nanny

import (
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"
)

// WorkerEvents is how the worker-process subsystem (out of this core's
// scope; see process_worker.go for the default implementation) reports
// back to the ClusterSupervisor. It is the mirror image of
// WorkerSupervisor: WorkerSupervisor carries commands from the core to a
// worker, WorkerEvents carries facts from a worker back to the core.
type WorkerEvents interface {
	// OnListening reports that the worker wants to serve on (port,
	// address) — its requested LoadBalancer identity, not necessarily
	// the OS-granted one. The cluster supervisor looks up or lazily
	// creates the matching LoadBalancer and registers the worker with it.
	OnListening(id LogicalId, port int, address string)
	// OnHealthReport delivers the worker's most recent HealthReport. The
	// policy evaluates it on the next pulse tick, not synchronously here.
	OnHealthReport(id LogicalId, report HealthReport)
	// OnExit reports that the worker's child process has terminated, by
	// any cause (graceful exit, crash, or a ForceKill this supervisor
	// issued).
	OnExit(id LogicalId)
}

// WorkerProcess is the capability the ClusterSupervisor needs beyond
// WorkerSupervisor: the ability to actually spawn, gracefully stop, and
// forcibly terminate the worker's child process. The concrete mechanism
// (exec.Cmd, a container runtime, whatever) is out of this core's scope;
// see process_worker.go for the default process-based implementation.
type WorkerProcess interface {
	WorkerSupervisor
	// Start spawns the child with the given environment.
	Start(env map[string]string) error
	// RequestStop asks the child to exit gracefully. Non-blocking; OnExit
	// reports completion.
	RequestStop()
	// ForceKill terminates the child immediately.
	ForceKill()
}

// WorkerProcessFactory builds the WorkerProcess for one slot, wired to
// report back to events.
type WorkerProcessFactory func(id LogicalId, events WorkerEvents) WorkerProcess

type workerSlot struct {
	id   LogicalId
	proc WorkerProcess

	lifecycle       WorkerLifecycle
	startingAt      time.Time
	stopRequestedAt time.Time
	forceStopAt     time.Time
	forcedStop      bool
	lastRunningAt   time.Time
	restartAttempts int

	port    int
	address string

	health         *HealthReport
	forceStopTimer Timer
}

// ClusterSupervisorOption configures optional ClusterSupervisor behavior.
type ClusterSupervisorOption func(*ClusterSupervisor)

// WithHealthPolicy overrides the default AlwaysHealthy policy.
func WithHealthPolicy(p HealthPolicy) ClusterSupervisorOption {
	return func(cs *ClusterSupervisor) { cs.healthPolicy = p }
}

// WithEnvironmentFactory overrides the default empty-environment factory
// (spec §4.4.3).
func WithEnvironmentFactory(f func(LogicalId) map[string]string) ClusterSupervisorOption {
	return func(cs *ClusterSupervisor) { cs.envFactory = f }
}

// WithClusterMetrics attaches a ClusterMetrics other than a fresh one.
func WithClusterMetrics(m *ClusterMetrics) ClusterSupervisorOption {
	return func(cs *ClusterSupervisor) { cs.metrics = m }
}

// ClusterSupervisor owns the fixed worker fleet and the LoadBalancers
// created on demand as workers report their requested listen identity.
// Like LoadBalancer, every state transition is serialized on a single
// mutex standing in for the spec's single logical event loop; WorkerProcess
// and Logger calls happen while holding it, so WorkerProcess
// implementations must not block or call back in synchronously.
type ClusterSupervisor struct {
	cfg          Config
	clock        Clock
	logger       *Logger
	healthPolicy HealthPolicy
	envFactory   func(LogicalId) map[string]string
	factory      WorkerProcessFactory
	metrics      *ClusterMetrics

	mu            sync.Mutex
	running       bool
	stopRequested bool
	workers       map[LogicalId]*workerSlot
	balancers     map[string]*LoadBalancer
	pulseTimer    Timer
}

// NewClusterSupervisor constructs a ClusterSupervisor in standby.
func NewClusterSupervisor(cfg Config, factory WorkerProcessFactory, clock Clock, logger *Logger, opts ...ClusterSupervisorOption) *ClusterSupervisor {
	if clock == nil {
		clock = NewSystemClock()
	}
	if logger == nil {
		logger = NewNopLogger()
	}
	cs := &ClusterSupervisor{
		cfg:          cfg,
		clock:        clock,
		logger:       logger,
		healthPolicy: AlwaysHealthy,
		envFactory:   func(LogicalId) map[string]string { return map[string]string{} },
		factory:      factory,
		metrics:      NewClusterMetrics(),
		workers:      make(map[LogicalId]*workerSlot),
		balancers:    make(map[string]*LoadBalancer),
	}
	for _, opt := range opts {
		opt(cs)
	}
	return cs
}

// Metrics returns a snapshot of the cluster-wide counters.
func (cs *ClusterSupervisor) Metrics() ClusterMetricsSnapshot {
	return cs.metrics.Snapshot()
}

func (cs *ClusterSupervisor) slotIDs() []LogicalId {
	if len(cs.cfg.Pool.LogicalIds) > 0 {
		ids := make([]LogicalId, len(cs.cfg.Pool.LogicalIds))
		for i, s := range cs.cfg.Pool.LogicalIds {
			ids[i] = LogicalId(s)
		}
		return ids
	}
	ids := make([]LogicalId, cs.cfg.Pool.WorkerCount)
	for i := range ids {
		ids[i] = LogicalId(strconv.Itoa(i))
	}
	return ids
}

func balancerKey(address string, port int) string {
	return fmt.Sprintf("%s:%d", address, port)
}

func dropPolicyFromConfig(dropOldest bool) DropPolicy {
	if dropOldest {
		return DropOldest
	}
	return DropNewest
}

// Start spawns every configured worker slot (creating slots on first
// call; subsequent calls reuse them) and starts the health-pulse loop.
func (cs *ClusterSupervisor) Start() {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if cs.running {
		return
	}
	cs.running = true
	cs.stopRequested = false

	if len(cs.workers) == 0 {
		for _, id := range cs.slotIDs() {
			cs.workers[id] = &workerSlot{id: id, lifecycle: WorkerStandby, proc: cs.factory(id, cs)}
		}
	}

	cs.schedulePulseLocked()
	for _, slot := range cs.workers {
		cs.startWorkerLocked(slot)
	}
}

func (cs *ClusterSupervisor) startWorkerLocked(slot *workerSlot) {
	if slot.lifecycle != WorkerStandby {
		return
	}
	slot.lifecycle = WorkerStarting
	slot.startingAt = cs.clock.Now()
	slot.forcedStop = false

	env := cs.envFactory(slot.id)
	if err := slot.proc.Start(env); err != nil {
		cs.logger.WithWorker(slot.id).Error("worker start failed", "error", err)
		slot.lifecycle = WorkerStandby
		slot.startingAt = time.Time{}
	}
}

// Stop marks every worker for graceful stop and stops every LoadBalancer;
// once all of them reach standby, the pulse loop stops and the
// supervisor itself returns to standby.
func (cs *ClusterSupervisor) Stop() {
	cs.mu.Lock()
	if !cs.running || cs.stopRequested {
		cs.mu.Unlock()
		return
	}
	cs.stopRequested = true
	for _, slot := range cs.workers {
		cs.stopWorkerLocked(slot)
	}
	balancers := make([]*LoadBalancer, 0, len(cs.balancers))
	for _, lb := range cs.balancers {
		balancers = append(balancers, lb)
	}
	cs.mu.Unlock()

	for _, lb := range balancers {
		lb.Stop(cs.checkStopConvergence)
	}
	cs.checkStopConvergence()
}

func (cs *ClusterSupervisor) stopWorkerLocked(slot *workerSlot) {
	if slot.lifecycle != WorkerRunning && slot.lifecycle != WorkerStarting {
		return
	}
	// Drain coordination (spec §4.4.5): stop flowing new connections to
	// this worker before asking it to exit.
	for _, lb := range cs.balancers {
		lb.RemoveWorker(slot.proc)
	}

	slot.lifecycle = WorkerStopping
	slot.stopRequestedAt = cs.clock.Now()
	slot.forceStopAt = slot.stopRequestedAt.Add(cs.cfg.Pool.GraceWindow)
	slot.proc.RequestStop()

	s := slot
	slot.forceStopTimer = cs.clock.AfterFunc(cs.cfg.Pool.GraceWindow, func() { cs.forceStopIfStillRunning(s) })
}

func (cs *ClusterSupervisor) forceStopIfStillRunning(slot *workerSlot) {
	cs.mu.Lock()
	if slot.lifecycle != WorkerStopping {
		cs.mu.Unlock()
		return
	}
	slot.forcedStop = true
	proc := slot.proc
	cs.mu.Unlock()

	cs.metrics.recordForcedStop()
	cs.logger.WithWorker(slot.id).Warn("grace window elapsed, forcing worker termination")
	proc.ForceKill()
}

// RequestWorkerStop gracefully stops a single slot by LogicalId; a no-op
// if the slot is unknown or already standby/stopping.
func (cs *ClusterSupervisor) RequestWorkerStop(id LogicalId) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	slot, ok := cs.workers[id]
	if !ok {
		return
	}
	cs.stopWorkerLocked(slot)
}

func (cs *ClusterSupervisor) schedulePulseLocked() {
	if cs.cfg.Health.Pulse <= 0 {
		return
	}
	cs.pulseTimer = cs.clock.AfterFunc(cs.cfg.Health.Pulse, cs.pulseTick)
}

// pulseTick evaluates the health policy against the latest report from
// each running worker at most once (P8), then re-arms itself.
func (cs *ClusterSupervisor) pulseTick() {
	cs.mu.Lock()
	if !cs.running {
		cs.mu.Unlock()
		return
	}

	type target struct {
		id     LogicalId
		report HealthReport
	}
	var targets []target
	for _, slot := range cs.workers {
		if slot.lifecycle == WorkerRunning && slot.health != nil {
			targets = append(targets, target{slot.id, *slot.health})
		}
	}
	cs.schedulePulseLocked()
	cs.mu.Unlock()

	for _, tgt := range targets {
		if !cs.healthPolicy(tgt.report) {
			cs.metrics.recordUnhealthyStop()
			cs.logger.WithWorker(tgt.id).Warn("worker failed health check, requesting stop")
			cs.RequestWorkerStop(tgt.id)
		}
	}
}

// OnListening implements WorkerEvents.
func (cs *ClusterSupervisor) OnListening(id LogicalId, port int, address string) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	slot, ok := cs.workers[id]
	if !ok || slot.lifecycle != WorkerStarting {
		return // stale report, e.g. after a stop was already requested
	}

	slot.lifecycle = WorkerRunning
	slot.port = port
	slot.address = address
	slot.lastRunningAt = cs.clock.Now()

	key := balancerKey(address, port)
	lb, exists := cs.balancers[key]
	if !exists {
		lb = NewLoadBalancer(LoadBalancerConfig{
			Port:              port,
			Address:           address,
			BacklogCap:        cs.cfg.Balancer.BacklogCap,
			BacklogDropPolicy: dropPolicyFromConfig(cs.cfg.Balancer.BacklogDropOldest),
			RestartDelay:      cs.cfg.Balancer.RestartDelay,
		}, cs.clock, cs.logger)
		lb.SetMetrics(cs.metrics)
		cs.balancers[key] = lb
	}
	lb.AddWorker(slot.proc)
	lb.Start()
}

// OnHealthReport implements WorkerEvents.
func (cs *ClusterSupervisor) OnHealthReport(id LogicalId, report HealthReport) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	slot, ok := cs.workers[id]
	if !ok || (slot.lifecycle != WorkerRunning && slot.lifecycle != WorkerStopping) {
		return
	}
	r := report
	slot.health = &r
}

// OnExit implements WorkerEvents.
func (cs *ClusterSupervisor) OnExit(id LogicalId) {
	cs.mu.Lock()
	slot, ok := cs.workers[id]
	if !ok {
		cs.mu.Unlock()
		return
	}

	for _, lb := range cs.balancers {
		lb.RemoveWorker(slot.proc)
	}
	if slot.forceStopTimer != nil {
		slot.forceStopTimer.Stop()
		slot.forceStopTimer = nil
	}

	stable := !slot.lastRunningAt.IsZero() && cs.clock.Now().Sub(slot.lastRunningAt) >= cs.cfg.Pool.Restart.StableAfter
	if stable {
		slot.restartAttempts = 0
	}
	slot.lastRunningAt = time.Time{}

	slot.lifecycle = WorkerStandby
	slot.startingAt = time.Time{}
	slot.stopRequestedAt = time.Time{}
	slot.forceStopAt = time.Time{}
	slot.address = ""
	slot.port = 0
	slot.health = nil

	shouldRestart := cs.running && !cs.stopRequested
	stopping := cs.stopRequested
	cs.mu.Unlock()

	if shouldRestart {
		cs.scheduleRestart(slot)
	} else if stopping {
		cs.checkStopConvergence()
	}
}

func (cs *ClusterSupervisor) scheduleRestart(slot *workerSlot) {
	cs.mu.Lock()
	slot.restartAttempts++
	delay := cs.computeBackoffLocked(slot.restartAttempts)
	cs.mu.Unlock()

	cs.metrics.recordRestart()
	cs.logger.WithWorker(slot.id).Info("scheduling worker restart", "delay", delay, "attempt", slot.restartAttempts)

	cs.clock.AfterFunc(delay, func() {
		cs.mu.Lock()
		defer cs.mu.Unlock()
		if !cs.running || cs.stopRequested {
			return
		}
		cs.startWorkerLocked(slot)
	})
}

func (cs *ClusterSupervisor) computeBackoffLocked(attempt int) time.Duration {
	rc := cs.cfg.Pool.Restart
	if attempt <= 0 {
		return 0
	}
	n := attempt
	if rc.MaxAttempts > 0 && n > rc.MaxAttempts {
		n = rc.MaxAttempts
	}
	mult := rc.Multiplier
	if mult <= 0 {
		mult = 1
	}
	d := rc.InitialBackoff
	for i := 1; i < n; i++ {
		d = time.Duration(float64(d) * mult)
		if rc.MaxBackoff > 0 && d > rc.MaxBackoff {
			return rc.MaxBackoff
		}
	}
	if rc.MaxBackoff > 0 && d > rc.MaxBackoff {
		d = rc.MaxBackoff
	}
	return d
}

// checkStopConvergence stops the pulse loop and returns the supervisor
// to standby once every worker and every LoadBalancer has reached
// standby. Safe to call speculatively; it is a no-op unless Stop has
// been requested and convergence has actually been reached.
func (cs *ClusterSupervisor) checkStopConvergence() {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if !cs.stopRequested {
		return
	}
	for _, slot := range cs.workers {
		if slot.lifecycle != WorkerStandby {
			return
		}
	}
	for _, lb := range cs.balancers {
		if lb.Inspect().State != BalancerStandby {
			return
		}
	}

	if cs.pulseTimer != nil {
		cs.pulseTimer.Stop()
		cs.pulseTimer = nil
	}
	cs.running = false
	cs.stopRequested = false
	cs.logger.Info("cluster supervisor reached standby")
}

// WorkerSnapshot is one worker's row in a ClusterSupervisorState.
type WorkerSnapshot struct {
	ID              LogicalId
	Lifecycle       WorkerLifecycle
	StartingAt      time.Time
	StopRequestedAt time.Time
	ForceStopAt     time.Time
	ForcedStop      bool
	Health          *HealthReport
}

// ClusterSupervisorState is the inspection surface (spec §6): a snapshot
// of every worker and every LoadBalancer, captured consistently under
// the supervisor's lock.
type ClusterSupervisorState struct {
	Workers   []WorkerSnapshot
	Balancers []LoadBalancerSnapshot
}

// Inspect returns a snapshot of the cluster's current state.
func (cs *ClusterSupervisor) Inspect() ClusterSupervisorState {
	cs.mu.Lock()
	workers := make([]WorkerSnapshot, 0, len(cs.workers))
	for _, slot := range cs.workers {
		var h *HealthReport
		if slot.health != nil {
			hv := *slot.health
			h = &hv
		}
		workers = append(workers, WorkerSnapshot{
			ID:              slot.id,
			Lifecycle:       slot.lifecycle,
			StartingAt:      slot.startingAt,
			StopRequestedAt: slot.stopRequestedAt,
			ForceStopAt:     slot.forceStopAt,
			ForcedStop:      slot.forcedStop,
			Health:          h,
		})
	}
	lbs := make([]*LoadBalancer, 0, len(cs.balancers))
	for _, lb := range cs.balancers {
		lbs = append(lbs, lb)
	}
	cs.mu.Unlock()

	sort.Slice(workers, func(i, j int) bool { return workers[i].ID < workers[j].ID })

	balancers := make([]LoadBalancerSnapshot, 0, len(lbs))
	for _, lb := range lbs {
		balancers = append(balancers, lb.Inspect())
	}
	sort.Slice(balancers, func(i, j int) bool {
		if balancers[i].Address != balancers[j].Address {
			return balancers[i].Address < balancers[j].Address
		}
		return balancers[i].Port < balancers[j].Port
	})

	return ClusterSupervisorState{Workers: workers, Balancers: balancers}
}

// CountWorkers returns the total number of configured worker slots.
func (cs *ClusterSupervisor) CountWorkers() int {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return len(cs.workers)
}

// CountRunningWorkers returns the number of slots in WorkerRunning.
func (cs *ClusterSupervisor) CountRunningWorkers() int {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	n := 0
	for _, s := range cs.workers {
		if s.lifecycle == WorkerRunning {
			n++
		}
	}
	return n
}

// CountActiveWorkers returns the number of slots in running, starting,
// or stopping.
func (cs *ClusterSupervisor) CountActiveWorkers() int {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	n := 0
	for _, s := range cs.workers {
		switch s.lifecycle {
		case WorkerRunning, WorkerStarting, WorkerStopping:
			n++
		}
	}
	return n
}

// CountRunningLoadBalancers returns the number of LoadBalancers in
// BalancerRunning.
func (cs *ClusterSupervisor) CountRunningLoadBalancers() int {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	n := 0
	for _, lb := range cs.balancers {
		if lb.Inspect().State == BalancerRunning {
			n++
		}
	}
	return n
}

// CountActiveLoadBalancers returns the number of LoadBalancers in
// starting, running, or stopping.
func (cs *ClusterSupervisor) CountActiveLoadBalancers() int {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	n := 0
	for _, lb := range cs.balancers {
		switch lb.Inspect().State {
		case BalancerStarting, BalancerRunning, BalancerStopping:
			n++
		}
	}
	return n
}
