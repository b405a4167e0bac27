package nanny

import (
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/nannyproc/nanny/internal/control"
	"github.com/nannyproc/nanny/internal/framing"
)

// TestMain re-execs the test binary as the worker's child process when
// NANNY_TEST_CHILD_MODE is set, following the standard library's
// TestHelperProcess pattern (see os/exec_test.go) rather than depending on
// an external interpreter for a throwaway child program.
func TestMain(m *testing.M) {
	if os.Getenv("NANNY_TEST_CHILD_MODE") == "1" {
		runTestChild()
		return
	}
	os.Exit(m.Run())
}

func runTestChild() {
	socketPath := os.Getenv("NANNY_CONTROL_SOCKET")
	if socketPath == "" {
		os.Exit(1)
	}

	conn, err := net.DialTimeout("unix", socketPath, 2*time.Second)
	if err != nil {
		os.Exit(1)
	}
	defer conn.Close()

	codec := &JSONCodec{}
	framer := framing.NewFramer(conn)

	send := func(msgType control.MessageType, payload interface{}) {
		env, err := control.Wrap(codec, msgType, payload)
		if err != nil {
			os.Exit(1)
		}
		data, err := env.Marshal(codec)
		if err != nil {
			os.Exit(1)
		}
		if err := framer.WriteMessage(data); err != nil {
			os.Exit(1)
		}
	}

	send(control.MessageTypeListenRequest, control.ListenRequest{Port: 0, Address: "127.0.0.1"})
	send(control.MessageTypePulse, control.HealthPulse{Memory: control.MemoryUsage{RSS: 1024}, Load: 5})

	for {
		data, err := framer.ReadMessage()
		if err != nil {
			return
		}
		env, err := control.UnwrapEnvelope(codec, data)
		if err != nil {
			continue
		}
		if env.Type == control.MessageTypeStop {
			send(control.MessageTypeStopAck, control.StopAck{})
			return
		}
	}
}

// fakeWorkerEvents records WorkerEvents callbacks for assertion.
type fakeWorkerEvents struct {
	mu        sync.Mutex
	listening []struct {
		port    int
		address string
	}
	reports []HealthReport
	exited  bool
}

func (e *fakeWorkerEvents) OnListening(id LogicalId, port int, address string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listening = append(e.listening, struct {
		port    int
		address string
	}{port, address})
}

func (e *fakeWorkerEvents) OnHealthReport(id LogicalId, report HealthReport) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.reports = append(e.reports, report)
}

func (e *fakeWorkerEvents) OnExit(id LogicalId) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.exited = true
}

func (e *fakeWorkerEvents) snapshot() (listenCount, reportCount int, exited bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.listening), len(e.reports), e.exited
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestProcessWorkerSupervisor_Lifecycle(t *testing.T) {
	dir := t.TempDir()
	events := &fakeWorkerEvents{}

	w := NewProcessWorkerSupervisor("w1", events, ProcessWorkerConfig{
		Command:      os.Args[0],
		StartTimeout: 5 * time.Second,
		Socket:       SocketConfig{Dir: dir, Prefix: "nanny", Permissions: 0600},
	}, nil)

	if err := w.Start(map[string]string{"NANNY_TEST_CHILD_MODE": "1"}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer w.ForceKill()

	waitFor(t, 3*time.Second, func() bool {
		listenCount, reportCount, _ := events.snapshot()
		return listenCount >= 1 && reportCount >= 1
	})

	listenCount, reportCount, _ := events.snapshot()
	if listenCount != 1 {
		t.Fatalf("expected exactly one OnListening call, got %d", listenCount)
	}
	if reportCount < 1 {
		t.Fatalf("expected at least one health report, got %d", reportCount)
	}

	w.RequestStop()

	waitFor(t, 3*time.Second, func() bool {
		_, _, exited := events.snapshot()
		return exited
	})
}

func TestProcessWorkerSupervisor_ForceKillBeforeDialback(t *testing.T) {
	dir := t.TempDir()
	events := &fakeWorkerEvents{}

	w := NewProcessWorkerSupervisor("w1", events, ProcessWorkerConfig{
		Command:      os.Args[0],
		StartTimeout: 5 * time.Second,
		Socket:       SocketConfig{Dir: dir, Prefix: "nanny", Permissions: 0600},
	}, nil)

	// SendAddress/SendError/RequestStop/ForceKill must be safe no-ops
	// before the child has dialed back at all.
	w.SendAddress(0, "127.0.0.1:1234")
	w.SendError(0, errTest)
	w.RequestStop()
	w.ForceKill()
}

var errTest = &testError{"boom"}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }
