// Package orchestrator implements C9, the topology orchestrator of
// spec.md §4.9: it assembles C1-C8 into the phased build()/stop() sequence,
// supports live addSta/addAP/addLink after build, and exposes the minimal
// scenario seam (Bridge) that SPEC_FULL.md §6.4 carves out for
// forwardingBySSID-style external OVS manipulation.
package orchestrator

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"apwifi/internal/assoc"
	"apwifi/internal/cleanup"
	"apwifi/internal/config"
	"apwifi/internal/driver"
	"apwifi/internal/ifctl"
	"apwifi/internal/metrics"
	"apwifi/internal/minilog"
	"apwifi/internal/mobility"
	"apwifi/internal/propagation"
	"apwifi/internal/sockserver"
	"apwifi/internal/store"
	"apwifi/internal/telemetry"
	"apwifi/internal/topo"
	"apwifi/internal/wmediumd"
	"apwifi/internal/xerrors"
)

var log = minilog.Named("orchestrator")

// Orchestrator owns the single-writer topology mutex's caller-facing API:
// every mutating command (CLI, socket server, mobility/association
// feedback) funnels through its methods, which is what spec.md §5 calls
// "a single writer goroutine/thread."
type Orchestrator struct {
	mu sync.Mutex

	top     *topo.Topology
	drv     *driver.Driver
	wmd     *wmediumd.Client
	cleanup *cleanup.Registry
	ifc     *ifctl.Controller
	assocCtl *assoc.Controller
	coord   *mobility.Coordinator

	cfg         topo.Config
	propCfg     propagation.Config
	radioPrefix string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	bridges      map[string]string // AP node name -> OVS bridge name
	radiosLoaded bool

	snap    *store.Store
	snapSeq uint64

	met *metrics.Collector
	hub *telemetry.Hub

	httpAddr string
	sockAddr string
	httpSrv  *http.Server
	sockSrv  *sockserver.Server
}

// Option configures New.
type Option func(*Orchestrator)

func WithRadioPrefix(prefix string) Option {
	return func(o *Orchestrator) { o.radioPrefix = prefix }
}

// WithMetrics wires a Prometheus collector into the orchestrator; the
// mobility coordinator's per-tick duration and the association controller's
// per-state station counts are pushed through it (SPEC_FULL.md §7).
func WithMetrics(m *metrics.Collector) Option {
	return func(o *Orchestrator) { o.met = m }
}

// WithTelemetryHub wires a websocket broadcaster into the orchestrator; the
// mobility coordinator's per-tick position snapshot and every association
// transition are pushed through it (SPEC_FULL.md §7 "GET /ws/telemetry").
func WithTelemetryHub(h *telemetry.Hub) Option {
	return func(o *Orchestrator) { o.hub = h }
}

// WithHTTPAddr starts a "GET /metrics" and "GET /ws/telemetry" HTTP server
// at build() when addr is non-empty (SPEC_FULL.md §7). Mounting either
// handler is a no-op unless the matching WithMetrics/WithTelemetryHub
// option was also given.
func WithHTTPAddr(addr string) Option {
	return func(o *Orchestrator) { o.httpAddr = addr }
}

// WithSocketAddr starts the TCP line-protocol socket server of spec.md §6
// at build() when addr is non-empty.
func WithSocketAddr(addr string) Option {
	return func(o *Orchestrator) { o.sockAddr = addr }
}

// WithSnapshotStore opens a bbolt-backed diagnostic snapshot store at path
// and wires it to the orchestrator; every quiescent point (build complete,
// live add, association transition) writes through it.
func WithSnapshotStore(path string) Option {
	return func(o *Orchestrator) {
		s, err := store.Open(path)
		if err != nil {
			log.Warn("opening snapshot store %s: %v", path, err)
			return
		}
		o.snap = s
	}
}

// New constructs an Orchestrator over a fresh Topology/cleanup registry.
// wmediumdSocket is the Unix socket path C5 dials; an empty path means the
// scenario has no wireless nodes and C5 is never started (spec.md §4.9
// phase 1 "if wireless, start C5").
func New(cfg topo.Config, propCfg propagation.Config, shell driver.Shell, wmediumdSocket string, opts ...Option) (*Orchestrator, error) {
	reg := cleanup.New()
	top := topo.New(cfg)
	drv := driver.New(shell, reg, "")

	o := &Orchestrator{
		top:         top,
		drv:         drv,
		cleanup:     reg,
		cfg:         cfg,
		propCfg:     propCfg,
		radioPrefix: "aprf",
		bridges:     make(map[string]string),
	}

	for _, opt := range opts {
		opt(o)
	}

	if o.met != nil {
		reg.OnRecord = func(cleanup.Action) { o.met.CleanupActionsTotal.Inc() }
	}

	if wmediumdSocket != "" {
		client, err := wmediumd.NewClient(wmediumdSocket, 256)
		if err != nil {
			return nil, err
		}
		o.wmd = client
	}

	o.ifc = ifctl.New(top, drv, o.wmd, o.nsName, propCfg)

	return o, nil
}

// nsName is the deterministic namespace name for a node, used by every C1
// call the orchestrator issues.
func (o *Orchestrator) nsName(id topo.NodeID) string {
	n, ok := o.top.Node(id)
	if !ok {
		return ""
	}
	return "mn-" + n.Name
}

// Topology exposes the underlying store for read-only callers (CLI status,
// socket server get.<node>.<attr>).
func (o *Orchestrator) Topology() *topo.Topology { return o.top }

// Build executes the phased sequence of spec.md §4.9 against a parsed
// scenario. Build-time errors (ConfigError/ResourceError) trigger a
// best-effort cleanup before propagating to the caller (spec.md §7
// "Propagation policy").
func (o *Orchestrator) Build(ctx context.Context, sc *config.Scenario) (err error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.ctx, o.cancel = context.WithCancel(ctx)

	defer func() {
		if err != nil {
			log.Error("build failed, invoking cleanup: %v", err)
			cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			o.cleanup.Replay(cctx)
		}
	}()

	// Phase 1: validate, init C10 (already done in New), C6 rate tables
	// (built once by propagation's package init), C5 if wireless.
	if err := o.validate(sc); err != nil {
		return err
	}

	hasWireless := len(sc.Stations) > 0 || len(sc.APs) > 0
	if hasWireless && o.wmd == nil {
		return xerrors.ConfigError("scenario has wireless nodes but no wmediumd socket was configured", nil)
	}

	if o.wmd != nil {
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			o.wmd.Run(o.ctx)
		}()
	}

	if err := o.startAmbientServers(); err != nil {
		return err
	}

	// Phase 2: create nodes in declaration order.
	groups := []struct {
		kind  topo.Kind
		specs []config.NodeSpec
	}{
		{topo.KindController, sc.Controllers},
		{topo.KindSwitch, sc.Switches},
		{topo.KindHost, sc.Hosts},
		{topo.KindWLC, sc.WLCs},
		{topo.KindAP, sc.APs},
		{topo.KindStation, sc.Stations},
		{topo.KindNAT, sc.NATs},
	}

	for _, g := range groups {
		for _, spec := range g.specs {
			if err := o.createNode(spec, g.kind); err != nil {
				return err
			}
		}
	}

	// Phase 3: wireless radios.
	for _, g := range groups {
		if g.kind != topo.KindAP && g.kind != topo.KindStation && g.kind != topo.KindWLC {
			continue
		}
		for _, spec := range g.specs {
			if err := o.createRadios(spec); err != nil {
				return err
			}
		}
	}

	// Phase 4: addresses, routes, MACs -- addresses come from each node's
	// Params bag ("ip" key) per the generic param decoding in SPEC_FULL §3.3.
	for _, g := range groups {
		for _, spec := range g.specs {
			if err := o.configureAddresses(spec); err != nil {
				return err
			}
		}
	}

	// Phase 5: links, wired first then wireless.
	wired, wireless := splitLinks(sc.Links)
	for _, l := range wired {
		if err := o.AddLink(o.ctx, l); err != nil {
			return err
		}
	}
	for _, l := range wireless {
		if err := o.AddLink(o.ctx, l); err != nil {
			return err
		}
	}

	// Phase 6: start controllers, then switches/APs, then stations.
	if err := o.startNodes(sc); err != nil {
		return err
	}

	// Phase 7: auto-association.
	if o.cfg.AutoAssociate && o.wmd != nil {
		o.flushInitialRF()

		driver := &assocDriver{o: o}
		policy := assoc.Policy(o.cfg.ACMethod)
		if policy == "" {
			policy = assoc.PolicySSF
		}
		o.assocCtl = assoc.New(o.top, driver, policy, 10*time.Minute)
	}

	// Phase 8: mobility.
	if o.cfg.MobilityEnabled {
		tick := time.Duration(o.cfg.MobilityTickMS) * time.Millisecond
		bounds := sc.Mobility.Bounds
		o.coord = mobility.NewCoordinator(o.top, o.propCfg, bounds, tick)
		if o.met != nil {
			o.coord.OnTick = func(d time.Duration) { o.met.MobilityTickSeconds.Observe(d.Seconds()) }
		}
		if o.hub != nil {
			o.coord.Plot = func(snap mobility.Snapshot) { o.hub.Broadcast(snap) }
		}
		if o.wmd != nil {
			o.coord.RF = o.wmd
			o.coord.RFMode = o.cfg.WmediumdMode
		}
		o.coord.BgscanThresholdDBm = o.cfg.BgscanThresholdDBm

		for _, n := range o.top.Nodes() {
			pos := n.GetPosition()
			if pos.Mobile {
				if err := o.coord.Track(n, nil, nil); err != nil {
					return xerrors.ConfigError(fmt.Sprintf("tracking node %s", n.Name), err)
				}
			}
		}

		if o.assocCtl != nil {
			o.wg.Add(1)
			go func() {
				defer o.wg.Done()
				o.assocCtl.Run(o.ctx, o.coord.Events())
			}()
		}

		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			o.coord.Run(o.ctx)
		}()
	}

	if o.met != nil {
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			o.sampleMetrics(o.ctx)
		}()
	}

	o.snapshotAll()

	return nil
}

// startAmbientServers brings up the optional HTTP (/metrics, /ws/telemetry)
// and TCP socket-protocol listeners SPEC_FULL.md §7 describes as "both
// started by the orchestrator at build()"; each is a no-op when its
// address was left unconfigured.
func (o *Orchestrator) startAmbientServers() error {
	if o.httpAddr != "" {
		mux := http.NewServeMux()
		if o.met != nil {
			mux.Handle("/metrics", o.met.Handler())
		}
		if o.hub != nil {
			mux.Handle("/ws/telemetry", o.hub)
		}

		o.httpSrv = &http.Server{Addr: o.httpAddr, Handler: mux}
		ln, err := net.Listen("tcp", o.httpAddr)
		if err != nil {
			return xerrors.ResourceError(fmt.Sprintf("binding HTTP server to %s", o.httpAddr), err)
		}

		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			if err := o.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
				log.Warn("HTTP server stopped: %v", err)
			}
		}()
	}

	if o.sockAddr != "" {
		srv, err := sockserver.Listen(o.sockAddr, o)
		if err != nil {
			return xerrors.ResourceError(fmt.Sprintf("binding socket server to %s", o.sockAddr), err)
		}
		o.sockSrv = srv

		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			if err := srv.Serve(o.ctx); err != nil {
				log.Warn("socket server stopped: %v", err)
			}
		}()
	}

	return nil
}

// sampleMetrics polls the wmediumd queue depth and association state counts
// on a short interval, since neither publishes change events the way the
// mobility coordinator's OnTick does.
func (o *Orchestrator) sampleMetrics(ctx context.Context) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if o.wmd != nil {
				o.met.WmediumdQueueDepth.Set(float64(o.wmd.QueueDepth()))
			}
			if o.assocCtl != nil {
				o.met.SetAssociationCounts(o.assocCtl.Counts())
			}
		}
	}
}

// AssociationCounts reports the current per-state station tally; it
// returns nil when auto-association is not enabled for this build. The
// CLI's status table does not call it.
func (o *Orchestrator) AssociationCounts() map[string]int {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.assocCtl == nil {
		return nil
	}
	return o.assocCtl.Counts()
}

// CleanupDepth reports how many inverse actions are currently queued for
// teardown. The CLI's status table does not call it.
func (o *Orchestrator) CleanupDepth() int {
	return len(o.cleanup.Actions())
}

// Bridge returns the OVS bridge name backing an AP, the seam
// SPEC_FULL.md §6.4 exposes for scenario-local OVS flow manipulation after
// associate() (the forwardingBySSID Open Question).
func (o *Orchestrator) Bridge(ap string) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	b, ok := o.bridges[ap]
	if !ok {
		return "", xerrors.ConfigError(fmt.Sprintf("no bridge recorded for AP %s", ap), nil)
	}
	return b, nil
}

// Stop runs the inverse order of Build: stop mobility, stop controllers,
// close links, stop nodes, drain C5, then invoke C10 (spec.md §4.9 "stop()
// runs the inverse order"). It completes the in-flight tick/command before
// returning per spec.md §5's cancellation contract, and always invokes
// cleanup even on timeout.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	if o.cancel != nil {
		o.cancel()
	}
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		log.Warn("stop: grace period elapsed with tasks still running, proceeding to cleanup anyway")
	}

	if o.httpSrv != nil {
		sctx, scancel := context.WithTimeout(context.Background(), 2*time.Second)
		o.httpSrv.Shutdown(sctx)
		scancel()
	}

	if o.wmd != nil {
		o.wmd.Close()
	}

	if o.snap != nil {
		if err := o.snap.Close(); err != nil {
			log.Warn("closing snapshot store: %v", err)
		}
	}

	cctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return o.cleanup.FullCleanup(cctx, o.sweepHooks())
}

func (o *Orchestrator) sweepHooks() cleanup.SweepHooks {
	return cleanup.SweepHooks{
		ListOwnedContainers: o.drv.DockerOwnedContainers,
		RemoveContainer:     o.drv.DockerRemoveContainer,
		KillProcessPatterns: []string{"hostapd-mn", "wpa_supplicant-mn", "ovs-testcontroller-mn"},
		TempFileGlobs:       []string{"/tmp/mn-*.conf", "/tmp/mn-wmediumd-*.sock"},
		ListActiveBridges:   o.drv.ListOVSBridges,
		RemoveBridge:        o.drv.RemoveOVSBridge,
		ListOwnedPhys:       o.drv.OwnedPhys,
		RemovePhy:           o.drv.DestroyPhy,
		UnloadRadioDriver: func(ctx context.Context) error {
			if o.radiosLoaded {
				return o.drv.UnloadRadioDriver(ctx)
			}
			return nil
		},
		CloseWmediumd: func() error {
			if o.wmd != nil {
				return o.wmd.Close()
			}
			return nil
		},
	}
}

func splitLinks(links []config.LinkSpec) (wired, wireless []config.LinkSpec) {
	for _, l := range links {
		if topo.LinkClass(l.Class) == topo.LinkWired {
			wired = append(wired, l)
		} else {
			wireless = append(wireless, l)
		}
	}
	return
}
