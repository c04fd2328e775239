// Command apwifi is the external-interface CLI of spec.md §6 "out of
// scope... interfaces only": a thin cobra tree that wires flags to
// internal/config and calls into internal/orchestrator. It never contains
// orchestration logic itself.
package main

func main() {
	Execute()
}
