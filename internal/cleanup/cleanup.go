// Package cleanup implements the teardown registry of spec.md §4.10: every
// externally visible allocation C1 makes is recorded as its own inverse
// before the forward step runs, and Replay undoes them LIFO, idempotently.
package cleanup

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/uuid"

	"apwifi/internal/minilog"
	"apwifi/internal/xerrors"
)

var log = minilog.Named("cleanup")

// Kind enumerates the inverse-action classes from spec.md §3
// "CleanupAction".
type Kind string

const (
	KillByPattern     Kind = "kill-by-pattern"
	RemoveKernelModule Kind = "remove-kernel-module"
	RmFileGlob        Kind = "rm-file-glob"
	FuserKillPort     Kind = "fuser-kill-port"
	DeleteNetns       Kind = "delete-netns"
	DeleteBridge      Kind = "delete-bridge"
	DockerRM          Kind = "docker-rm"
	DetachIptablesRule Kind = "detach-iptables-rule"
	CloseSocket       Kind = "close-socket"
)

// Action is one entry in the append-only log: a kind plus its argument
// (a namespace name, a bridge name, a container ID, ...).
type Action struct {
	ID       string
	Kind     Kind
	Argument string
}

// Runner executes the shell-outs a Registry needs; production code uses
// execRunner (os/exec), tests inject a fake to assert calls without
// touching the host.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stderr = nil
	return cmd.CombinedOutput()
}

// Registry is the append-only action log plus idempotent LIFO replay
// (spec.md §4.10). Safe for concurrent Record calls from C1; Replay takes
// an internal lock so a second concurrent teardown observes an empty log
// instead of double-executing actions.
type Registry struct {
	mu      sync.Mutex
	actions []Action
	runner  Runner

	// OnRecord, if set, is called after every Record -- the seam the
	// ambient /metrics endpoint hooks into to count cleanup actions.
	OnRecord func(Action)
}

func New() *Registry {
	return &Registry{runner: execRunner{}}
}

// NewWithRunner is used by tests to inject a fake Runner.
func NewWithRunner(r Runner) *Registry {
	return &Registry{runner: r}
}

// Record appends an inverse action. C1 calls this *before* performing the
// forward step it inverts, so a crash mid-step still leaves a usable
// cleanup log.
func (r *Registry) Record(kind Kind, argument string) Action {
	id, _ := uuid.NewV4()

	a := Action{ID: id.String(), Kind: kind, Argument: argument}

	r.mu.Lock()
	r.actions = append(r.actions, a)
	r.mu.Unlock()

	if r.OnRecord != nil {
		r.OnRecord(a)
	}

	return a
}

// Actions returns a snapshot of the log, most-recent first (replay order).
func (r *Registry) Actions() []Action {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Action, len(r.actions))
	for i, a := range r.actions {
		out[i] = r.actions[len(r.actions)-1-i]
	}
	return out
}

// Replay undoes every recorded action in LIFO order. Failures are logged
// and collected but do not stop the replay -- cleanup must make forward
// progress through every resource class even if one is already gone
// (spec.md §4.10 "idempotent and concurrent-safe... missing state is not
// an error").
func (r *Registry) Replay(ctx context.Context) error {
	r.mu.Lock()
	pending := make([]Action, len(r.actions))
	copy(pending, r.actions)
	r.actions = nil
	r.mu.Unlock()

	var errs []string

	for i := len(pending) - 1; i >= 0; i-- {
		a := pending[i]

		if err := r.undo(ctx, a); err != nil {
			log.Warn("cleanup action %s (%s %s) failed: %v", a.ID, a.Kind, a.Argument, err)
			errs = append(errs, fmt.Sprintf("%s %s: %v", a.Kind, a.Argument, err))
		}
	}

	if len(errs) > 0 {
		return xerrors.CleanupError(fmt.Sprintf("%d cleanup action(s) failed", len(errs)), fmt.Errorf(strings.Join(errs, "; ")))
	}

	return nil
}

func (r *Registry) undo(ctx context.Context, a Action) error {
	switch a.Kind {
	case KillByPattern:
		return r.killByPattern(ctx, a.Argument)

	case RemoveKernelModule:
		_, err := r.runner.Run(ctx, "rmmod", a.Argument)
		return ignoreNotFound(err)

	case RmFileGlob:
		return removeGlob(a.Argument)

	case FuserKillPort:
		_, err := r.runner.Run(ctx, "fuser", "-k", a.Argument+"/tcp")
		return ignoreNotFound(err)

	case DeleteNetns:
		_, err := r.runner.Run(ctx, "ip", "netns", "delete", a.Argument)
		return ignoreNotFound(err)

	case DeleteBridge:
		_, err := r.runner.Run(ctx, "ovs-vsctl", "--if-exists", "del-br", a.Argument)
		return ignoreNotFound(err)

	case DockerRM:
		_, err := r.runner.Run(ctx, "docker", "rm", "-f", a.Argument)
		return ignoreNotFound(err)

	case DetachIptablesRule:
		// Argument is the full argv the caller wants run verbatim (already
		// carrying "-D" in place of whatever "-A"/"-I" installed it, plus any
		// leading "-t <table>"), since a bare "-D" prefix doesn't work once a
		// non-default table is involved.
		parts := strings.Fields(a.Argument)
		_, err := r.runner.Run(ctx, "iptables", parts...)
		return ignoreNotFound(err)

	case CloseSocket:
		// Argument is a file descriptor path recorded for log purposes
		// only; the actual fd is closed by the owning component when it
		// calls Registry.Record -- nothing to do on replay beyond removing
		// the socket file if it is still present.
		return removeGlob(a.Argument)

	default:
		return fmt.Errorf("unknown cleanup action kind %q", a.Kind)
	}
}

func (r *Registry) killByPattern(ctx context.Context, pattern string) error {
	out, err := r.runner.Run(ctx, "pkill", "-TERM", "-f", pattern)
	if err != nil && !isExitStatusOne(err) {
		return err
	}

	time.Sleep(time.Second)

	if _, err := r.runner.Run(ctx, "pkill", "-KILL", "-f", pattern); err != nil && !isExitStatusOne(err) {
		return err
	}

	_ = out
	return nil
}

// isExitStatusOne reports whether err is the "no matching process" exit
// code pkill/fuser use; that case is success for idempotent cleanup, not a
// failure.
func isExitStatusOne(err error) bool {
	if ee, ok := err.(*exec.ExitError); ok {
		return ee.ExitCode() == 1
	}
	return false
}

func ignoreNotFound(err error) error {
	if err == nil {
		return nil
	}
	if isExitStatusOne(err) {
		return nil
	}
	return err
}

func removeGlob(pattern string) error {
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return err
	}

	for _, m := range matches {
		if err := os.RemoveAll(m); err != nil && !os.IsNotExist(err) {
			return err
		}
	}

	return nil
}
