package nanny

import (
	"fmt"
	"net"
	"sync"
	"time"
)

// listenFunc matches net.Listen's signature; overridable in tests to
// simulate listen failures without touching the network.
type listenFunc func(network, address string) (net.Listener, error)

// connEntry wraps an accepted connection so it can sit in a Backlog. Alive
// performs a best-effort, non-consuming liveness probe (spec §4.2: "SHOULD
// be dropped if the underlying connection is already closed at drain
// time").
type connEntry struct {
	conn net.Conn
}

func (c *connEntry) Alive() bool {
	_ = c.conn.SetReadDeadline(time.Now())
	buf := make([]byte, 1)
	n, err := c.conn.Read(buf)
	_ = c.conn.SetReadDeadline(time.Time{})

	if err == nil && n > 0 {
		// The peer spoke before being dispatched. Preserve the byte so
		// the eventual worker still sees a pristine stream.
		c.conn = &prependConn{prefix: buf[:n], Conn: c.conn}
		return true
	}
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return true // no data waiting, connection still open
		}
		return false // EOF or hard error: peer is gone
	}
	return true
}

// prependConn replays a short prefix read during a liveness probe before
// falling through to the underlying connection.
type prependConn struct {
	prefix []byte
	net.Conn
}

func (p *prependConn) Read(b []byte) (int, error) {
	if len(p.prefix) > 0 {
		n := copy(b, p.prefix)
		p.prefix = p.prefix[n:]
		return n, nil
	}
	return p.Conn.Read(b)
}

// LoadBalancerConfig identifies a LoadBalancer (spec §3: the tuple of
// requested port, address, and backlog policy) and its restart behavior.
type LoadBalancerConfig struct {
	Port              int
	Address           string // "" lets the OS choose the interface
	BacklogCap        int    // 0 = unbounded
	BacklogDropPolicy DropPolicy
	RestartDelay      time.Duration
}

// LoadBalancerSnapshot is the value returned by Inspect.
type LoadBalancerSnapshot struct {
	State       BalancerState
	Port        int
	Address     string
	BacklogSize int
}

// LoadBalancer owns a listening socket, a Ring of WorkerSupervisor
// participants, a Backlog of connections awaiting a worker, and a restart
// policy. All its methods are safe for concurrent use; internally every
// state transition is serialized on a single mutex standing in for the
// spec's single logical event loop (§5). WorkerSupervisor and Logger
// calls are made while holding that lock, so implementations of those
// interfaces must not block or call back into this LoadBalancer
// synchronously.
type LoadBalancer struct {
	cfg      LoadBalancerConfig
	clock    Clock
	logger   *Logger
	listenFn listenFunc
	metrics  *ClusterMetrics

	mu           sync.Mutex
	state        BalancerState
	nextState    *BalancerState
	listener     net.Listener
	listenAddr   string
	closingByUs  bool
	restartTimer Timer

	ring            *Ring[WorkerSupervisor]
	backlog         *Backlog[*connEntry]
	onDoneCallbacks []func()
}

// NewLoadBalancer constructs a LoadBalancer in the standby state.
func NewLoadBalancer(cfg LoadBalancerConfig, clock Clock, logger *Logger) *LoadBalancer {
	if clock == nil {
		clock = NewSystemClock()
	}
	if logger == nil {
		logger = NewNopLogger()
	}
	return &LoadBalancer{
		cfg:      cfg,
		clock:    clock,
		logger:   logger.WithBalancer(cfg.Address, cfg.Port),
		listenFn: net.Listen,
		state:    BalancerStandby,
		ring:     NewRing[WorkerSupervisor](),
		backlog:  NewBacklog[*connEntry](cfg.BacklogCap, cfg.BacklogDropPolicy),
	}
}

// Start is idempotent. standby -> starting (ask the OS to listen);
// stopping -> latches nextState=starting; starting/running are no-ops.
func (lb *LoadBalancer) Start() {
	lb.mu.Lock()
	switch lb.state {
	case BalancerStandby:
		if lb.restartTimer != nil {
			lb.restartTimer.Stop()
			lb.restartTimer = nil
		}
		lb.state = BalancerStarting
		lb.closingByUs = false
		lb.mu.Unlock()
		go lb.listenAndServe()
	case BalancerStopping:
		s := BalancerStarting
		lb.nextState = &s
		lb.mu.Unlock()
	default: // starting, running
		lb.mu.Unlock()
	}
}

// Stop is idempotent. running -> stopping and issues the OS close;
// starting -> stopping with the close deferred to the LISTENING event.
// From stopping/standby it clears any latched restart intent or pending
// restart timer, per spec §5 ("stop() called before the timer fires
// cancels it"), and is otherwise a no-op. If onDone is non-nil it fires
// once this LB next reaches standby (immediately if already there).
func (lb *LoadBalancer) Stop(onDone func()) {
	lb.mu.Lock()
	switch lb.state {
	case BalancerRunning:
		if onDone != nil {
			lb.onDoneCallbacks = append(lb.onDoneCallbacks, onDone)
		}
		lb.state = BalancerStopping
		lb.closingByUs = true
		ln := lb.listener
		lb.mu.Unlock()
		if ln != nil {
			_ = ln.Close()
		}
	case BalancerStarting:
		if onDone != nil {
			lb.onDoneCallbacks = append(lb.onDoneCallbacks, onDone)
		}
		lb.state = BalancerStopping
		lb.mu.Unlock()
	case BalancerStopping:
		if onDone != nil {
			lb.onDoneCallbacks = append(lb.onDoneCallbacks, onDone)
		}
		lb.nextState = nil
		lb.mu.Unlock()
	case BalancerStandby:
		if lb.restartTimer != nil {
			lb.restartTimer.Stop()
			lb.restartTimer = nil
		}
		lb.mu.Unlock()
		if onDone != nil {
			onDone()
		}
	}
}

// SetMetrics attaches a ClusterMetrics sink that records this LB's
// connection-dispatch latency. Optional; a nil or never-set sink is a
// no-op.
func (lb *LoadBalancer) SetMetrics(m *ClusterMetrics) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	lb.metrics = m
}

// AddWorker appends w to the Ring. If this LB is running, w is
// immediately told the current listening address and a backlog drain is
// triggered.
func (lb *LoadBalancer) AddWorker(w WorkerSupervisor) {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	lb.ring.Push(w)
	if lb.state == BalancerRunning {
		w.SendAddress(lb.cfg.Port, lb.listenAddr)
		lb.drainBacklogLocked()
	}
}

// RemoveWorker removes w from the Ring if present; a no-op if absent.
func (lb *LoadBalancer) RemoveWorker(w WorkerSupervisor) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	lb.ring.Remove(w)
}

// ForEachWorker iterates the Ring in rotation order.
func (lb *LoadBalancer) ForEachWorker(f func(WorkerSupervisor)) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	lb.ring.ForEach(f)
}

// Inspect returns a snapshot of this LB's current state.
func (lb *LoadBalancer) Inspect() LoadBalancerSnapshot {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return LoadBalancerSnapshot{
		State:       lb.state,
		Port:        lb.cfg.Port,
		Address:     lb.listenAddr,
		BacklogSize: lb.backlog.Size(),
	}
}

// Dispatch delivers an accepted connection to this LB as a CONNECTION
// event. The production accept loop calls this for every accepted
// connection; exported so tests can drive CONNECTION events without a
// live socket.
func (lb *LoadBalancer) Dispatch(conn net.Conn) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	lb.dispatchLocked(conn)
}

func (lb *LoadBalancer) dispatchLocked(conn net.Conn) {
	start := time.Now()
	if lb.state == BalancerRunning && lb.ring.Size() > 0 {
		if w, ok := lb.ring.RotateHead(); ok {
			w.HandleConnection(lb.cfg.Port, conn)
			lb.recordDispatchLatency(time.Since(start))
			return
		}
	}
	lb.backlog.Push(&connEntry{conn: conn})
	lb.recordDispatchLatency(time.Since(start))
	lb.logger.Info("backlog growth", "port", lb.cfg.Port, "backlog_size", lb.backlog.Size())
}

func (lb *LoadBalancer) drainBacklogLocked() {
	lb.backlog.DrainInto(func(e *connEntry) bool {
		start := time.Now()
		if lb.state != BalancerRunning || lb.ring.Size() == 0 {
			return false
		}
		w, ok := lb.ring.RotateHead()
		if !ok {
			return false
		}
		w.HandleConnection(lb.cfg.Port, e.conn)
		lb.recordDispatchLatency(time.Since(start))
		return true
	})
}

// recordDispatchLatency reports how long worker selection took for one
// connection to the attached ClusterMetrics sink, if any.
func (lb *LoadBalancer) recordDispatchLatency(d time.Duration) {
	if lb.metrics != nil {
		lb.metrics.recordDispatchLatency(d)
	}
}

// listenAndServe performs the blocking net.Listen call off the event
// loop, then feeds the result back in as the LISTENING or (listen
// failure) ERROR event.
func (lb *LoadBalancer) listenAndServe() {
	ln, err := lb.listenFn("tcp", fmt.Sprintf("%s:%d", lb.cfg.Address, lb.cfg.Port))
	if err != nil {
		lb.onListenFailure(err)
		return
	}
	lb.onListening(ln)
}

func (lb *LoadBalancer) onListening(ln net.Listener) {
	lb.mu.Lock()
	switch lb.state {
	case BalancerStarting:
		lb.listener = ln
		lb.listenAddr = ln.Addr().String()
		lb.state = BalancerRunning
		lb.ring.ForEach(func(w WorkerSupervisor) {
			w.SendAddress(lb.cfg.Port, lb.listenAddr)
		})
		lb.drainBacklogLocked()
		lb.mu.Unlock()
		go lb.acceptLoop(ln)
	case BalancerStopping:
		lb.listener = ln
		lb.listenAddr = ln.Addr().String()
		lb.closingByUs = true
		lb.mu.Unlock()
		_ = ln.Close()
		lb.mu.Lock()
		cbs := lb.transitionToStandbyLocked()
		lb.mu.Unlock()
		invokeAll(cbs)
	case BalancerStandby:
		lb.mu.Unlock()
		panic("nanny: LISTENING observed while LoadBalancer was in standby")
	default:
		lb.mu.Unlock()
	}
}

func (lb *LoadBalancer) onListenFailure(err error) {
	lb.mu.Lock()
	switch lb.state {
	case BalancerStarting:
		lb.logger.Error("listen failed", "port", lb.cfg.Port, "error", err)
		cbs := lb.transitionToStandbyLocked()
		lb.mu.Unlock()
		invokeAll(cbs)
	case BalancerStopping:
		cbs := lb.transitionToStandbyLocked()
		lb.mu.Unlock()
		invokeAll(cbs)
	case BalancerStandby:
		lb.mu.Unlock()
		panic("nanny: ERROR observed while LoadBalancer was in standby")
	default:
		lb.mu.Unlock()
	}
}

func (lb *LoadBalancer) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			lb.onAcceptError(err)
			return
		}
		lb.Dispatch(conn)
	}
}

func (lb *LoadBalancer) onAcceptError(err error) {
	lb.mu.Lock()
	switch lb.state {
	case BalancerRunning:
		if lb.closingByUs {
			cbs := lb.transitionToStandbyLocked()
			lb.mu.Unlock()
			invokeAll(cbs)
			return
		}
		// net.Listener.Accept can't tell an unsolicited close (CLOSE) apart
		// from a genuine accept failure (ERROR) once closingByUs is false,
		// so both collapse into the error path below.
		lb.ring.ForEach(func(w WorkerSupervisor) {
			w.SendError(lb.cfg.Port, err)
		})
		lb.logger.Error("listener error", "port", lb.cfg.Port, "error", err)
		if lb.listener != nil {
			_ = lb.listener.Close()
		}
		lb.state = BalancerStopping
		cbs := lb.transitionToStandbyLocked()
		lb.mu.Unlock()
		invokeAll(cbs)
	case BalancerStopping:
		cbs := lb.transitionToStandbyLocked()
		lb.mu.Unlock()
		invokeAll(cbs)
	case BalancerStandby:
		lb.mu.Unlock()
		panic("nanny: CLOSE observed while LoadBalancer was in standby")
	default:
		lb.mu.Unlock()
	}
}

// transitionToStandbyLocked performs the stopping/starting -> standby
// transition: clears listener state, arms a restart timer if a start()
// was latched while stopping, and returns the onDone callbacks to invoke
// once the lock is released.
func (lb *LoadBalancer) transitionToStandbyLocked() []func() {
	lb.state = BalancerStandby
	lb.listener = nil
	lb.listenAddr = ""
	lb.closingByUs = false

	if lb.nextState != nil && *lb.nextState == BalancerStarting {
		lb.nextState = nil
		lb.restartTimer = lb.clock.AfterFunc(lb.cfg.RestartDelay, lb.Start)
	}

	cbs := lb.onDoneCallbacks
	lb.onDoneCallbacks = nil
	return cbs
}

func invokeAll(cbs []func()) {
	for _, cb := range cbs {
		cb()
	}
}
