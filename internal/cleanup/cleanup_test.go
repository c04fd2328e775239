package cleanup

import (
	"context"
	"os/exec"
	"testing"
)

type fakeRunner struct {
	calls [][]string
	fail  map[string]error
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{fail: make(map[string]error)}
}

func (f *fakeRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	call := append([]string{name}, args...)
	f.calls = append(f.calls, call)

	if err, ok := f.fail[name]; ok {
		return nil, err
	}
	return nil, nil
}

func TestReplayRunsActionsInLIFOOrder(t *testing.T) {
	runner := newFakeRunner()
	reg := NewWithRunner(runner)

	reg.Record(DeleteNetns, "ns-sta1")
	reg.Record(DeleteBridge, "br-ap1")
	reg.Record(DockerRM, "container-1")

	if err := reg.Replay(context.Background()); err != nil {
		t.Fatalf("replay: %v", err)
	}

	if len(runner.calls) < 3 {
		t.Fatalf("expected at least 3 calls, got %d", len(runner.calls))
	}

	if runner.calls[0][0] != "docker" {
		t.Fatalf("expected docker rm to run first (LIFO), got %v", runner.calls[0])
	}
	if runner.calls[1][0] != "ovs-vsctl" {
		t.Fatalf("expected bridge delete second, got %v", runner.calls[1])
	}
	if runner.calls[2][0] != "ip" {
		t.Fatalf("expected netns delete last, got %v", runner.calls[2])
	}
}

func TestReplayIsIdempotent(t *testing.T) {
	runner := newFakeRunner()
	reg := NewWithRunner(runner)

	reg.Record(DeleteNetns, "ns-sta1")

	if err := reg.Replay(context.Background()); err != nil {
		t.Fatalf("first replay: %v", err)
	}

	before := len(runner.calls)

	if err := reg.Replay(context.Background()); err != nil {
		t.Fatalf("second replay: %v", err)
	}

	if len(runner.calls) != before {
		t.Fatalf("expected second replay to be a no-op, calls grew from %d to %d", before, len(runner.calls))
	}
}

func TestIgnoreNotFoundSwallowsExitStatusOne(t *testing.T) {
	exitOne := exec.Command("sh", "-c", "exit 1").Run()
	if exitOne == nil {
		t.Fatal("expected `sh -c exit 1` to report a non-nil error")
	}

	runner := newFakeRunner()
	runner.fail["ip"] = exitOne

	reg := NewWithRunner(runner)
	reg.Record(DeleteNetns, "ns-ghost")

	err := reg.Replay(context.Background())
	if err != nil {
		t.Fatalf("expected a missing namespace to be treated as already clean, got %v", err)
	}
}
