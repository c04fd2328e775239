package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"apwifi/internal/config"
	"apwifi/internal/driver"
	"apwifi/internal/metrics"
	"apwifi/internal/minilog"
	"apwifi/internal/orchestrator"
	"apwifi/internal/telemetry"
	"apwifi/internal/xerrors"
)

var log = minilog.Named("cli")

const pidFileName = "apwifi.pid"

func pidFilePath() string {
	return filepath.Join(f_baseDir, pidFileName)
}

func writePIDFile() error {
	return os.WriteFile(pidFilePath(), []byte(strconv.Itoa(os.Getpid())), 0644)
}

func removePIDFile() {
	if err := os.Remove(pidFilePath()); err != nil && !os.IsNotExist(err) {
		log.Warn("removing pidfile: %v", err)
	}
}

// readPIDFile returns the pid of a running `build`/`load` process, the
// target of `stop` (grounded on the teacher's cmd/minimega "minimega.pid"
// convention).
func readPIDFile() (int, error) {
	data, err := os.ReadFile(pidFilePath())
	if err != nil {
		return 0, xerrors.ConfigError("no running apwifi instance found", err)
	}

	pid, err := strconv.Atoi(string(data))
	if err != nil {
		return 0, xerrors.ConfigError("pidfile is corrupt", err)
	}

	return pid, nil
}

// runOptions carries the ambient-server flags shared by `build` and `load`.
type runOptions struct {
	wmediumdSocket string
	radioPrefix    string
	httpAddr       string
	socketAddr     string
	snapshotStore  string
	metricsEnabled bool
	telemetryEnabled bool
}

func (r runOptions) orchestratorOptions() ([]orchestrator.Option, error) {
	var opts []orchestrator.Option

	if r.radioPrefix != "" {
		opts = append(opts, orchestrator.WithRadioPrefix(r.radioPrefix))
	}
	if r.snapshotStore != "" {
		opts = append(opts, orchestrator.WithSnapshotStore(r.snapshotStore))
	}

	if r.metricsEnabled || r.telemetryEnabled {
		if r.metricsEnabled {
			m, err := metrics.New(nil)
			if err != nil {
				return nil, xerrors.ResourceError("initializing metrics collector", err)
			}
			opts = append(opts, orchestrator.WithMetrics(m))
		}
		if r.telemetryEnabled {
			opts = append(opts, orchestrator.WithTelemetryHub(telemetry.NewHub()))
		}
		opts = append(opts, orchestrator.WithHTTPAddr(r.httpAddr))
	}

	if r.socketAddr != "" {
		opts = append(opts, orchestrator.WithSocketAddr(r.socketAddr))
	}

	return opts, nil
}

func addRunFlags(flags *pflag.FlagSet, r *runOptions) {
	flags.StringVar(&r.wmediumdSocket, "wmediumd-socket", "", "Unix socket path for the wmediumd RF daemon (required if the scenario has wireless nodes)")
	flags.StringVar(&r.radioPrefix, "radio-prefix", "aprf", "prefix used when naming virtual radio phys")
	flags.StringVar(&r.httpAddr, "http-addr", "127.0.0.1:9402", "address for the /metrics and /ws/telemetry HTTP server")
	flags.StringVar(&r.socketAddr, "socket-addr", "", "address for the TCP line-protocol socket server (spec.md §6); empty disables it")
	flags.StringVar(&r.snapshotStore, "snapshot-store", "", "path to a bbolt diagnostic snapshot store; empty disables it")
	flags.BoolVar(&r.metricsEnabled, "metrics", false, "expose Prometheus metrics on --http-addr")
	flags.BoolVar(&r.telemetryEnabled, "telemetry", false, "expose the websocket telemetry feed on --http-addr")
}

// requireWmediumdSocket checks the one precondition Build itself would
// otherwise fail on deep inside phase 1, surfacing it before any resource
// is touched.
func requireWmediumdSocket(sc *config.Scenario, r runOptions) error {
	hasWireless := len(sc.Stations) > 0 || len(sc.APs) > 0
	if hasWireless && r.wmediumdSocket == "" {
		return xerrors.ConfigError("scenario has wireless nodes but --wmediumd-socket was not given", nil)
	}
	return nil
}

// newOrchestrator applies the shared runOptions to build an Orchestrator,
// the common constructor behind `build`, `load`, and `save`.
func newOrchestrator(sc *config.Scenario, r runOptions) (*orchestrator.Orchestrator, error) {
	if err := requireWmediumdSocket(sc, r); err != nil {
		return nil, err
	}

	opts, err := r.orchestratorOptions()
	if err != nil {
		return nil, err
	}

	o, err := orchestrator.New(sc.Topology, sc.Propagation, driver.NewShell(), r.wmediumdSocket, opts...)
	if err != nil {
		return nil, xerrors.ResourceError("constructing orchestrator", err)
	}

	return o, nil
}

// runForeground brings a scenario up and blocks until SIGINT/SIGTERM, then
// tears it down -- the common body of `build` and `load` (spec.md §6 "exit
// codes: 0 on clean stop").
func runForeground(sc *config.Scenario, r runOptions) error {
	o, err := newOrchestrator(sc, r)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := o.Build(ctx, sc); err != nil {
		return err
	}

	if err := writePIDFile(); err != nil {
		log.Warn("writing pidfile: %v", err)
	}
	defer removePIDFile()

	log.Info("topology is up, waiting for SIGINT/SIGTERM to stop")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	log.Info("stopping")
	sctx, scancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer scancel()

	return o.Stop(sctx)
}
