package session

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/pithecene-io/switchyard/dispatch"
	"github.com/pithecene-io/switchyard/graph"
	"github.com/pithecene-io/switchyard/ipc"
	"github.com/pithecene-io/switchyard/metrics"
)

func TestServer_ServesConnections(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}

	collector := metrics.NewCollector("echo", ln.Addr().String())
	factory := func(string, uint64) (*dispatch.Dispatch, error) {
		return dispatch.New("echo", testProtocol()).
			On(typePing, dispatch.Blocking(func(*dispatch.Call, []any) (string, error) { return "pong", nil })), nil
	}
	srv := NewServer(ln, factory, nil, WithMetrics(collector))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()

	conn, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	frame, err := ipc.Marshal(1, typePing, []any{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := conn.Write(frame); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	dec := ipc.NewDecoder()
	var buf []byte
	chunk := make([]byte, 256)
	var reply *ipc.Message
	for reply == nil {
		n, err := conn.Read(chunk)
		if err != nil {
			t.Fatalf("Read() error = %v", err)
		}
		buf = append(buf, chunk[:n]...)
		if _, msg, err := dec.Decode(buf); err == nil {
			reply = msg
		}
	}
	values, err := reply.Values()
	if err != nil {
		t.Fatal(err)
	}
	if reply.TypeID != graph.ChunkType || values[0] != "pong" {
		t.Errorf("reply = %d %v, want value [pong]", reply.TypeID, values)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve() error = %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not stop on cancel")
	}

	s := collector.Snapshot()
	if s.SessionsOpened != 1 || s.SessionsClosed != 1 {
		t.Errorf("sessions opened/closed = %d/%d, want 1/1", s.SessionsOpened, s.SessionsClosed)
	}
}
