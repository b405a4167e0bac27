package framing_test

import (
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/nannyproc/nanny/internal/control"
	"github.com/nannyproc/nanny/internal/framing"
)

// jsonCodec is a minimal stand-in for pkg/nanny's JSONCodec; framing can't
// import pkg/nanny without an import cycle, so this test only needs
// something satisfying control.Codec structurally.
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v interface{}) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                               { return "json-stdlib" }

// TestControlChannelRoundTrip exercises the framing + control envelope stack
// end to end over an in-memory pipe, standing in for the Unix control socket
// between a ClusterSupervisor's process-based WorkerSupervisor and its
// child: address announce, health pulse, and a graceful stop.
func TestControlChannelRoundTrip(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	codec := jsonCodec{}
	serverFramer := framing.NewFramer(server)
	clientFramer := framing.NewFramer(client)

	done := make(chan error, 1)
	go func() {
		done <- runFakeChild(codec, clientFramer)
	}()

	// nanny -> child: announce the listening address for this epoch.
	sendEnvelope(t, codec, serverFramer, control.MessageTypeAddress, control.AddressAnnounce{
		Port: 8080, Address: "127.0.0.1:8080",
	})

	// child -> nanny: one health pulse.
	pulseData, err := serverFramer.ReadMessage()
	if err != nil {
		t.Fatalf("failed to read pulse: %v", err)
	}
	pulseEnv, err := control.UnwrapEnvelope(codec, pulseData)
	if err != nil {
		t.Fatalf("failed to unwrap pulse envelope: %v", err)
	}
	if pulseEnv.Type != control.MessageTypePulse {
		t.Fatalf("expected pulse, got %s", pulseEnv.Type)
	}
	var pulse control.HealthPulse
	if err := pulseEnv.UnmarshalPayload(codec, &pulse); err != nil {
		t.Fatalf("failed to decode pulse: %v", err)
	}
	if pulse.Load != 42 {
		t.Errorf("load mismatch: got %d, want 42", pulse.Load)
	}

	// nanny -> child: graceful stop.
	sendEnvelope(t, codec, serverFramer, control.MessageTypeStop, control.StopRequest{GraceMillis: 2000})

	ackData, err := serverFramer.ReadMessage()
	if err != nil {
		t.Fatalf("failed to read stop ack: %v", err)
	}
	ackEnv, err := control.UnwrapEnvelope(codec, ackData)
	if err != nil {
		t.Fatalf("failed to unwrap stop ack: %v", err)
	}
	if ackEnv.Type != control.MessageTypeStopAck {
		t.Fatalf("expected stop ack, got %s", ackEnv.Type)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("fake child exited with error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for fake child to finish")
	}
}

func sendEnvelope(t *testing.T, codec control.Codec, f *framing.Framer, msgType control.MessageType, payload interface{}) {
	t.Helper()
	env, err := control.Wrap(codec, msgType, payload)
	if err != nil {
		t.Fatalf("failed to wrap envelope: %v", err)
	}
	data, err := env.Marshal(codec)
	if err != nil {
		t.Fatalf("failed to marshal envelope: %v", err)
	}
	if err := f.WriteMessage(data); err != nil {
		t.Fatalf("failed to write envelope: %v", err)
	}
}

// runFakeChild stands in for a child process: it reads the address
// announcement, emits one health pulse, then waits for and acks a stop
// request.
func runFakeChild(codec control.Codec, f *framing.Framer) error {
	addrData, err := f.ReadMessage()
	if err != nil {
		return err
	}
	if _, err := control.UnwrapEnvelope(codec, addrData); err != nil {
		return err
	}

	pulseEnv, err := control.Wrap(codec, control.MessageTypePulse, control.HealthPulse{
		Memory: control.MemoryUsage{RSS: 2048, HeapTotal: 1024, HeapUsed: 512},
		Load:   42,
	})
	if err != nil {
		return err
	}
	pulseData, err := pulseEnv.Marshal(codec)
	if err != nil {
		return err
	}
	if err := f.WriteMessage(pulseData); err != nil {
		return err
	}

	stopData, err := f.ReadMessage()
	if err != nil {
		return err
	}
	if _, err := control.UnwrapEnvelope(codec, stopData); err != nil {
		return err
	}

	ackEnv, err := control.Wrap(codec, control.MessageTypeStopAck, control.StopAck{})
	if err != nil {
		return err
	}
	ackData, err := ackEnv.Marshal(codec)
	if err != nil {
		return err
	}
	return f.WriteMessage(ackData)
}
