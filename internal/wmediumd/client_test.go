package wmediumd

import (
	"bufio"
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func startEchoServer(t *testing.T) (sockPath string, received chan Message, stop func()) {
	t.Helper()

	dir := t.TempDir()
	sockPath = filepath.Join(dir, "wmediumd.sock")

	ln, err := net.Listen("unix", sockPath)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	received = make(chan Message, 64)

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		r := bufio.NewReader(conn)
		for {
			body, err := readFrame(r)
			if err != nil {
				return
			}
			m, err := Decode(body)
			if err != nil {
				continue
			}
			received <- m
		}
	}()

	return sockPath, received, func() {
		ln.Close()
		os.RemoveAll(dir)
	}
}

func TestClientSubmitDeliversInOrder(t *testing.T) {
	sockPath, received, stop := startEchoServer(t)
	defer stop()

	client, err := NewClient(sockPath, 16)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go client.Run(ctx)

	mac, _ := ParseMAC("02:00:00:00:00:01")

	if err := client.RegisterInterface(ctx, mac, 0); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := client.UpdatePosition(ctx, mac, 1, 2, 3); err != nil {
		t.Fatalf("update position: %v", err)
	}
	if err := client.UpdateTxPower(ctx, mac, 20); err != nil {
		t.Fatalf("update txpower: %v", err)
	}

	wantOrder := []Opcode{OpRegisterInterface, OpUpdatePosition, OpUpdateTxPower}

	for i, want := range wantOrder {
		select {
		case m := <-received:
			if m.Op != want {
				t.Fatalf("message %d: expected %v, got %v", i, want, m.Op)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for message %d (%v)", i, want)
		}
	}
}

func TestClientDisconnectFailsPendingSubmissions(t *testing.T) {
	sockPath, _, stop := startEchoServer(t)

	client, err := NewClient(sockPath, 16)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go client.Run(ctx)

	stop() // close the listener and its accepted connection out from under the client
	client.disconnect()

	mac, _ := ParseMAC("02:00:00:00:00:02")

	done := make(chan error, 1)
	go func() { done <- client.Del(ctx, mac) }()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected submitting after disconnect to fail")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for submission to fail after disconnect")
	}
}
