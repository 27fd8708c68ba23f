package monitor

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/kstaniek/foconctl/internal/frame"
)

func dialAndHandshake(t *testing.T, addr string) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	buf := make([]byte, len(hello))
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("read hello: %v", err)
	}
	if string(buf) != hello {
		t.Fatalf("hello = %q, want %q", buf, hello)
	}
	if _, err := conn.Write([]byte(hello)); err != nil {
		t.Fatalf("write hello: %v", err)
	}
	return conn
}

func TestServer_StreamsTappedFrames(t *testing.T) {
	hub := NewHub()
	srv := NewServer(
		WithListenAddr("127.0.0.1:0"),
		WithHub(hub),
		WithFlushInterval(2*time.Millisecond),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ctx) }()

	select {
	case <-srv.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("server never became ready")
	}

	conn := dialAndHandshake(t, srv.Addr())
	defer conn.Close()

	// Give the accept loop a moment to register the client with the hub.
	deadline := time.Now().Add(2 * time.Second)
	for hub.Count() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if hub.Count() != 1 {
		t.Fatalf("hub client count = %d, want 1", hub.Count())
	}

	f := frame.Frame{Src: 3, Dest: 0, Num: 1, Total: 1, Payload: []byte("tapped")}
	tapFn := hub.Tap()
	tapFn('I', f, false)

	header := make([]byte, 4)
	if err := conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("set read deadline: %v", err)
	}
	if _, err := io.ReadFull(conn, header); err != nil {
		t.Fatalf("read record header: %v", err)
	}
	if header[0] != byte(DirectionIn) {
		t.Errorf("direction = %d, want %d", header[0], DirectionIn)
	}
	if header[1] != 0 {
		t.Errorf("dropped = %d, want 0", header[1])
	}
	frameLen := binary.BigEndian.Uint16(header[2:4])
	frameBytes := make([]byte, frameLen)
	if _, err := io.ReadFull(conn, frameBytes); err != nil {
		t.Fatalf("read frame bytes: %v", err)
	}
	wantRaw, err := frame.Pack(f)
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	if !bytes.Equal(frameBytes, wantRaw) {
		t.Fatalf("frame bytes mismatch")
	}

	cancel()
	if err := srv.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	<-serveErr
}

func TestServer_RejectsBadHandshake(t *testing.T) {
	srv := NewServer(WithListenAddr("127.0.0.1:0"))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _ = srv.Serve(ctx) }()
	select {
	case <-srv.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("server never became ready")
	}

	conn, err := net.DialTimeout("tcp", srv.Addr(), 2*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	buf := make([]byte, len(hello))
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("read hello: %v", err)
	}
	if _, err := conn.Write(bytes.Repeat([]byte{'?'}, len(hello))); err != nil {
		t.Fatalf("write bad hello: %v", err)
	}

	// The server must close the connection rather than admit the client.
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	one := make([]byte, 1)
	if _, err := conn.Read(one); err == nil {
		t.Fatal("expected the connection to be closed after a bad handshake")
	}
}
