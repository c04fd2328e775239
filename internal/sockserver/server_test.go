package sockserver

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"
)

type echoHandler struct{}

func (echoHandler) HandleCommand(ctx context.Context, line string) (string, error) {
	return "echo:" + line, nil
}

func TestServeHandlesOneRequestPerConnection(t *testing.T) {
	srv, err := Listen("127.0.0.1:0", echoHandler{})
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()

	conn, err := net.Dial("tcp", srv.Addr())
	if err != nil {
		t.Fatalf("dialing socket server: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("ping\n")); err != nil {
		t.Fatalf("writing request: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	reply, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		t.Fatalf("reading reply: %v", err)
	}

	if want := "echo:ping\n"; reply != want {
		t.Errorf("reply = %q, want %q", reply, want)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Error("Serve did not return after context cancellation")
	}
}
