package nanny

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/nannyproc/nanny/internal/control"
	"github.com/nannyproc/nanny/internal/framing"
)

// ProcessWorkerConfig configures how a ProcessWorkerSupervisor spawns and
// talks to one worker's child process.
type ProcessWorkerConfig struct {
	Command          string
	Args             []string
	StartTimeout     time.Duration
	Socket           SocketConfig
	Secret           []byte // HMAC secret shared with the child
	Codec            Codec
	PeerVerification PeerVerificationConfig
}

// ProcessWorkerSupervisor is the default WorkerProcess/WorkerSupervisor: it
// spawns the child via exec.Cmd, listens on a per-worker Unix control
// socket for the child to dial back, and exchanges framed control.Envelope
// messages over that connection. Grounded on the teacher's Worker type,
// generalized from a fixed Python-script launcher to an arbitrary command
// and from pyproc's RPC framing to this core's control protocol.
type ProcessWorkerSupervisor struct {
	id     LogicalId
	cfg    ProcessWorkerConfig
	events WorkerEvents
	logger *Logger
	socket *SocketManager

	mu       sync.Mutex
	cmd      *exec.Cmd
	listener net.Listener
	conn     net.Conn
	framer   *framing.Framer
	cancel   context.CancelFunc
	stopped  bool
}

// NewProcessWorkerSupervisor constructs the default WorkerProcess for id.
// Intended for use as the body of a WorkerProcessFactory.
func NewProcessWorkerSupervisor(id LogicalId, events WorkerEvents, cfg ProcessWorkerConfig, logger *Logger) *ProcessWorkerSupervisor {
	if logger == nil {
		logger = NewNopLogger()
	}
	if cfg.Codec == nil {
		cfg.Codec = &JSONCodec{}
	}
	return &ProcessWorkerSupervisor{
		id:     id,
		cfg:    cfg,
		events: events,
		logger: logger.WithWorker(id),
		socket: NewSocketManager(cfg.Socket),
	}
}

// ID implements WorkerSupervisor.
func (w *ProcessWorkerSupervisor) ID() LogicalId { return w.id }

// SendAddress implements WorkerSupervisor by announcing the LoadBalancer's
// OS-granted address over the control socket.
func (w *ProcessWorkerSupervisor) SendAddress(port int, address string) {
	w.send(control.MessageTypeAddress, control.AddressAnnounce{Port: port, Address: address})
}

// SendError implements WorkerSupervisor.
func (w *ProcessWorkerSupervisor) SendError(port int, err error) {
	w.send(control.MessageTypeError, control.ErrorAnnounce{Port: port, Error: err.Error()})
}

// HandleConnection implements WorkerSupervisor by handing the raw
// connection off to a goroutine that proxies it to the child's own data
// socket. Must not block: the LoadBalancer calls this while holding its
// own lock, so handoff happens on a second, ephemeral Unix connection
// dialed per-connection; embedders that want fd-passing or a shared
// long-lived data channel should supply their own WorkerProcess instead.
func (w *ProcessWorkerSupervisor) HandleConnection(port int, conn net.Conn) {
	go w.proxyConnection(conn)
}

func (w *ProcessWorkerSupervisor) proxyConnection(conn net.Conn) {
	defer conn.Close()

	dataSocket := w.socket.SocketPath(LogicalId(fmt.Sprintf("%s-data", w.id)))
	childConn, err := net.DialTimeout("unix", dataSocket, 2*time.Second)
	if err != nil {
		w.logger.Error("failed to reach worker's data socket", "error", err)
		return
	}
	defer childConn.Close()

	done := make(chan struct{}, 2)
	go func() { io.Copy(childConn, conn); done <- struct{}{} }()
	go func() { io.Copy(conn, childConn); done <- struct{}{} }()
	<-done
}

// Start implements WorkerProcess: it opens the control-socket listener
// and spawns the child. Accepting the child's dial-back (and the HMAC
// handshake, when a secret is configured) happens on a background
// goroutine; Start returns without waiting for it.
func (w *ProcessWorkerSupervisor) Start(env map[string]string) error {
	w.mu.Lock()
	if w.cmd != nil {
		w.mu.Unlock()
		return fmt.Errorf("nanny: worker %s already started", w.id)
	}
	w.stopped = false
	w.mu.Unlock()

	socketPath := w.socket.SocketPath(w.id)
	if err := w.socket.EnsureSocketDir(); err != nil {
		return err
	}
	_ = w.socket.CleanupSocket(socketPath)

	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("nanny: listen on control socket: %w", err)
	}
	if err := w.socket.SetSocketPermissions(socketPath); err != nil {
		ln.Close()
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(ctx, w.cfg.Command, w.cfg.Args...)
	cmd.Env = os.Environ()
	for k, v := range env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}
	cmd.Env = append(cmd.Env, fmt.Sprintf("NANNY_CONTROL_SOCKET=%s", socketPath))
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		cancel()
		ln.Close()
		return fmt.Errorf("nanny: start worker process: %w", err)
	}

	w.mu.Lock()
	w.cmd = cmd
	w.listener = ln
	w.cancel = cancel
	w.mu.Unlock()

	go w.acceptAndServe(ln)
	go w.waitForExit(cmd)

	return nil
}

func (w *ProcessWorkerSupervisor) acceptAndServe(ln net.Listener) {
	secret := w.cfg.Secret
	var rawConn net.Conn
	var err error
	if len(secret) > 0 {
		rawConn, err = NewHMACListener(ln, secret).Accept()
	} else {
		rawConn, err = ln.Accept()
	}
	if err != nil {
		return // listener closed on Stop/exit
	}

	if err := VerifyPeerCredentials(rawConn, w.cfg.PeerVerification); err != nil {
		w.logger.Error("rejected control connection on peer verification", "error", err)
		rawConn.Close()
		return
	}

	w.mu.Lock()
	w.conn = rawConn
	w.framer = framing.NewFramer(rawConn)
	framer := w.framer
	w.mu.Unlock()

	for {
		data, err := framer.ReadMessage()
		if err != nil {
			return
		}
		env, err := control.UnwrapEnvelope(w.cfg.Codec, data)
		if err != nil {
			w.logger.Warn("failed to decode control envelope", "error", err)
			continue
		}
		w.dispatch(env)
	}
}

func (w *ProcessWorkerSupervisor) dispatch(env *control.Envelope) {
	switch env.Type {
	case control.MessageTypeListenRequest:
		var req control.ListenRequest
		if err := env.UnmarshalPayload(w.cfg.Codec, &req); err != nil {
			w.logger.Warn("failed to decode listen request", "error", err)
			return
		}
		w.events.OnListening(w.id, req.Port, req.Address)
	case control.MessageTypePulse:
		var pulse control.HealthPulse
		if err := env.UnmarshalPayload(w.cfg.Codec, &pulse); err != nil {
			w.logger.Warn("failed to decode health pulse", "error", err)
			return
		}
		w.events.OnHealthReport(w.id, HealthReport{
			Memory: MemoryUsage(pulse.Memory),
			Load:   time.Duration(pulse.Load) * time.Millisecond,
		})
	case control.MessageTypeStopAck:
		// informational only; OnExit (via process exit) is authoritative
	}
}

func (w *ProcessWorkerSupervisor) waitForExit(cmd *exec.Cmd) {
	_ = cmd.Wait()

	w.mu.Lock()
	w.cmd = nil
	if w.cancel != nil {
		w.cancel()
		w.cancel = nil
	}
	if w.listener != nil {
		w.listener.Close()
		w.listener = nil
	}
	if w.conn != nil {
		w.conn.Close()
		w.conn = nil
	}
	w.mu.Unlock()

	w.events.OnExit(w.id)
}

// RequestStop implements WorkerProcess by asking the child to exit
// gracefully over the control channel.
func (w *ProcessWorkerSupervisor) RequestStop() {
	w.send(control.MessageTypeStop, control.StopRequest{GraceMillis: int64(w.cfg.StartTimeout / time.Millisecond)})
}

// ForceKill implements WorkerProcess.
func (w *ProcessWorkerSupervisor) ForceKill() {
	w.mu.Lock()
	cmd := w.cmd
	w.stopped = true
	w.mu.Unlock()

	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}

func (w *ProcessWorkerSupervisor) send(msgType control.MessageType, payload interface{}) {
	w.mu.Lock()
	framer := w.framer
	w.mu.Unlock()
	if framer == nil {
		return // child hasn't dialed back yet, or has already exited
	}

	env, err := control.Wrap(w.cfg.Codec, msgType, payload)
	if err != nil {
		w.logger.Error("failed to wrap control message", "type", msgType, "error", err)
		return
	}
	data, err := env.Marshal(w.cfg.Codec)
	if err != nil {
		w.logger.Error("failed to marshal control envelope", "type", msgType, "error", err)
		return
	}
	if err := framer.WriteMessage(data); err != nil {
		w.logger.Warn("failed to write control message", "type", msgType, "error", err)
	}
}
