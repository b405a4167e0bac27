package nanny

import (
	"fmt"
	"net"
	"time"
)

// LogicalId is an opaque identifier for a worker slot, stable across
// restarts of the same slot.
type LogicalId string

// MemoryUsage mirrors the worker-reported memory figures in a HealthReport.
type MemoryUsage struct {
	RSS       uint64
	HeapTotal uint64
	HeapUsed  uint64
}

// HealthReport is produced by a worker and consumed by a HealthPolicy.
// Load is how long the worker was busy over the last pulse window (the
// child reports it in milliseconds on the control channel).
type HealthReport struct {
	Memory MemoryUsage
	Load   time.Duration
}

// WorkerLifecycle is the lifecycle state of a worker slot.
type WorkerLifecycle int

const (
	WorkerStandby WorkerLifecycle = iota
	WorkerStarting
	WorkerRunning
	WorkerStopping
)

func (s WorkerLifecycle) String() string {
	switch s {
	case WorkerStandby:
		return "standby"
	case WorkerStarting:
		return "starting"
	case WorkerRunning:
		return "running"
	case WorkerStopping:
		return "stopping"
	default:
		return fmt.Sprintf("WorkerLifecycle(%d)", int(s))
	}
}

// BalancerState is the lifecycle state of a LoadBalancer.
type BalancerState int

const (
	BalancerStandby BalancerState = iota
	BalancerStarting
	BalancerRunning
	BalancerStopping
)

func (s BalancerState) String() string {
	switch s {
	case BalancerStandby:
		return "standby"
	case BalancerStarting:
		return "starting"
	case BalancerRunning:
		return "running"
	case BalancerStopping:
		return "stopping"
	default:
		return fmt.Sprintf("BalancerState(%d)", int(s))
	}
}

// WorkerSupervisor is the external capability a LoadBalancer and a
// ClusterSupervisor consume to drive and address one worker slot. The
// mechanism for spawning and talking to the underlying child process is
// out of this core's scope (see ProcessWorkerSupervisor in
// process_worker.go for the default implementation) — the LoadBalancer
// and ClusterSupervisor only ever see this interface.
type WorkerSupervisor interface {
	// ID returns the stable LogicalId for this slot.
	ID() LogicalId

	// SendAddress informs the worker that port is now listening at
	// address. Idempotent; may be called multiple times across re-listens.
	SendAddress(port int, address string)

	// SendError informs the worker that the listener for port has failed.
	SendError(port int, err error)

	// HandleConnection transfers ownership of an accepted connection to
	// the worker. The caller must not touch conn after this call returns.
	HandleConnection(port int, conn net.Conn)
}
