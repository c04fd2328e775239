package cleanup

import (
	"context"
	"fmt"
)

// SweepHooks supplies the enumeration-based teardown steps of spec.md
// §4.10 that are not driven by the action log: Docker containers, OVS
// bridges, and phys are owned resources the engine re-enumerates rather
// than inverts, so a fresh process (recovering from a crash) can still
// find and remove them. Every field is optional; a nil hook is skipped.
type SweepHooks struct {
	// ListOwnedContainers/RemoveContainer implement step 1.
	ListOwnedContainers func(ctx context.Context) ([]string, error)
	RemoveContainer     func(ctx context.Context, id string) error

	// KillProcessPatterns implement step 2 (spec.md: "controllers, ovs
	// processes, the engine's own spawned supplicants").
	KillProcessPatterns []string

	// TempFileGlobs implement step 3.
	TempFileGlobs []string

	// ListActiveBridges/RemoveBridge implement step 4.
	ListActiveBridges func(ctx context.Context) ([]string, error)
	RemoveBridge      func(ctx context.Context, name string) error

	// ListOwnedPhys/RemovePhy implement step 5.
	ListOwnedPhys func() []string
	RemovePhy     func(ctx context.Context, phy string) error

	// UnloadRadioDriver implements step 6.
	UnloadRadioDriver func(ctx context.Context) error

	// CloseWmediumd implements step 7.
	CloseWmediumd func() error

	// ListenPorts implements step 8.
	ListenPorts []string
}

// FullCleanup runs the complete spec.md §4.10 sequence: the
// enumeration-based sweeps in SweepHooks, in the numbered order the spec
// gives, then the action-log Replay for C1-recorded inverses last. It is idempotent and
// concurrent-safe: a missing resource is not an error, and a second call
// (with the same hooks) finds nothing left to do.
func (r *Registry) FullCleanup(ctx context.Context, hooks SweepHooks) error {
	var errs []string

	collect := func(step string, err error) {
		if err != nil {
			log.Warn("cleanup step %s failed: %v", step, err)
			errs = append(errs, fmt.Sprintf("%s: %v", step, err))
		}
	}

	// Step 1: owned Docker containers.
	if hooks.ListOwnedContainers != nil && hooks.RemoveContainer != nil {
		ids, err := hooks.ListOwnedContainers(ctx)
		collect("list-containers", err)

		for _, id := range ids {
			collect("rm-container:"+id, hooks.RemoveContainer(ctx, id))
		}
	}

	// Step 2: zombie process patterns, SIGTERM then SIGKILL after 1s (same
	// helper the action-log path uses for KillByPattern).
	for _, pattern := range hooks.KillProcessPatterns {
		collect("kill:"+pattern, r.killByPattern(ctx, pattern))
	}

	// Step 3: temp files (vconn sockets, logs, generated configs).
	for _, glob := range hooks.TempFileGlobs {
		collect("rm-glob:"+glob, removeGlob(glob))
	}

	// Step 4: kernel datapaths (OVS bridges), enumerate then delete
	// --if-exists, verified by re-enumerating.
	if hooks.ListActiveBridges != nil && hooks.RemoveBridge != nil {
		bridges, err := hooks.ListActiveBridges(ctx)
		collect("list-bridges", err)

		for _, b := range bridges {
			collect("rm-bridge:"+b, hooks.RemoveBridge(ctx, b))
		}

		if remaining, err := hooks.ListActiveBridges(ctx); err == nil && len(remaining) > 0 {
			collect("verify-bridges", fmt.Errorf("%d bridge(s) still present after sweep: %v", len(remaining), remaining))
		}
	}

	// Step 5: phys owned by the engine.
	if hooks.ListOwnedPhys != nil && hooks.RemovePhy != nil {
		for _, phy := range hooks.ListOwnedPhys() {
			collect("rm-phy:"+phy, hooks.RemovePhy(ctx, phy))
		}
	}

	// Step 6: unload the radio driver.
	if hooks.UnloadRadioDriver != nil {
		collect("unload-driver", hooks.UnloadRadioDriver(ctx))
	}

	// Step 7: close the wmediumd socket.
	if hooks.CloseWmediumd != nil {
		collect("close-wmediumd", hooks.CloseWmediumd())
	}

	// Step 8: close any TCP ports the engine is listening on.
	for _, port := range hooks.ListenPorts {
		collect("fuser-port:"+port, r.undo(ctx, Action{Kind: FuserKillPort, Argument: port}))
	}

	// Finally, replay whatever the action log still holds (veths/tc are
	// torn down by the orchestrator's own stop() before this point, but
	// any cleanup actions recorded and not yet undone -- e.g. from a crash
	// mid-build -- still need a LIFO pass).
	if err := r.Replay(ctx); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("cleanup completed with %d warning(s): %s", len(errs), joinErrs(errs))
	}

	return nil
}

func joinErrs(errs []string) string {
	out := ""
	for i, e := range errs {
		if i > 0 {
			out += "; "
		}
		out += e
	}
	return out
}
