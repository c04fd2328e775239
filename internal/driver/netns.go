package driver

import (
	"context"
	"fmt"
	"net"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"

	"apwifi/internal/cleanup"
	"apwifi/internal/xerrors"
)

// Driver is C1: the only layer permitted to mutate kernel or daemon state
// (spec.md §4.1). It wraps netns/netlink for namespace and veth work, argv
// subprocesses for tc/ovs-vsctl/iw/rfkill, and the Docker HTTP API for
// containers, recording inverses into the cleanup registry for the calls
// the package doc lists.
type Driver struct {
	shell   Shell
	cleanup *cleanup.Registry
	serial  *perTarget

	radioCtrlPath string // path to the aprf_ctrl utility (spec.md §6)

	// ownedPhys tracks devices this Driver registered, for C10's
	// sweep-and-destroy pass (spec.md §4.10 step 5). Unlike the other
	// resource classes, phys have no inverse-log kind of their own: the
	// cleanup kinds in spec.md §3 "CleanupAction" don't include one, so
	// they're reclaimed by re-enumeration instead, same as OVS bridges.
	ownedPhysMu sync.Mutex
	ownedPhys   []string
}

// New builds a Driver. radioCtrlPath is the path to the aprf_ctrl binary;
// an empty string defaults to "aprf_ctrl" resolved via $PATH.
func New(shell Shell, reg *cleanup.Registry, radioCtrlPath string) *Driver {
	if radioCtrlPath == "" {
		radioCtrlPath = "aprf_ctrl"
	}

	return &Driver{
		shell:         shell,
		cleanup:       reg,
		serial:        newPerTarget(),
		radioCtrlPath: radioCtrlPath,
	}
}

// withNetns runs fn with the calling goroutine's network namespace switched
// to ns, restoring the original namespace afterward. Per spec.md §6.1 this
// locks the OS thread around the switch: a goroutine that changes its
// network namespace must not be rescheduled onto another OS thread
// mid-operation, which is the standard Go caveat for netns work.
func withNetns(ns netns.NsHandle, fn func() error) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	hostNS, err := netns.Get()
	if err != nil {
		return xerrors.ResourceError("getting current namespace", err)
	}
	defer hostNS.Close()

	if err := netns.Set(ns); err != nil {
		return xerrors.ResourceError("entering target namespace", err)
	}
	defer netns.Set(hostNS)

	return fn()
}

// CreateNetns creates a network namespace housing a sleeping sentinel
// process and returns its pid (spec.md §4.1 createNetns). The sentinel is
// a `sleep infinity` subprocess run inside the namespace: its pid is the
// namespace leader that subsequent runIn calls target via `ip netns exec`
// or an equivalent pid-based nsenter.
func (d *Driver) CreateNetns(ctx context.Context, name string) (pid int, err error) {
	unlock := d.serial.lock("netns:" + name)
	defer unlock()

	if _, err := netns.GetFromName(name); err == nil {
		return 0, xerrors.ResourceError(fmt.Sprintf("netns %s already exists", name), nil)
	}

	// Record the inverse before the forward step (spec.md §4.1 "Failure
	// semantics"): a crash between these two lines leaves a delete-netns
	// action whose replay is a no-op because the namespace was never made.
	d.cleanup.Record(cleanup.DeleteNetns, name)

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	hostNS, err := netns.Get()
	if err != nil {
		return 0, xerrors.ResourceError("getting host namespace", err)
	}
	defer hostNS.Close()
	defer netns.Set(hostNS)

	newNS, err := netns.NewNamed(name)
	if err != nil {
		return 0, xerrors.ResourceError(fmt.Sprintf("creating namespace %s", name), err)
	}
	defer newNS.Close()

	// A sentinel that just sleeps keeps the namespace alive (Linux garbage
	// collects an empty netns once its last reference, including the bind
	// mount under /var/run/netns, is gone -- the named netns file itself is
	// the reference here, but a live process pid is what the rest of C1
	// nsenters into for runIn).
	stdout, stderr, err := d.shell.Run(ctx, "ip", "netns", "exec", name, "sh", "-c", "sleep infinity >/dev/null 2>&1 & echo $!")
	if err != nil {
		return 0, xerrors.ExternalToolError(fmt.Sprintf("spawning sentinel in netns %s: %s", name, strings.TrimSpace(string(stderr))), err)
	}

	pidStr := strings.TrimSpace(string(stdout))
	pid, convErr := strconv.Atoi(pidStr)
	if convErr != nil {
		return 0, xerrors.ResourceError(fmt.Sprintf("parsing sentinel pid %q", pidStr), convErr)
	}

	return pid, nil
}

// Veth atomically creates a veth pair, assigns MACs, then moves each end
// into its destination namespace (spec.md §4.1 veth). Names are deleted
// before creation to make the call idempotent; on any failure the pair is
// removed before returning.
func (d *Driver) Veth(ctx context.Context, a, b, macA, macB string, nsA, nsB netns.NsHandle) error {
	unlock := d.serial.lock("veth:" + a + ":" + b)
	defer unlock()

	// Idempotent delete-before-create (spec.md §4.1).
	if l, err := netlink.LinkByName(a); err == nil {
		netlink.LinkDel(l)
	}
	if l, err := netlink.LinkByName(b); err == nil {
		netlink.LinkDel(l)
	}

	attrs := netlink.NewLinkAttrs()
	attrs.Name = a

	veth := &netlink.Veth{LinkAttrs: attrs, PeerName: b}

	if err := netlink.LinkAdd(veth); err != nil {
		return xerrors.ResourceError(fmt.Sprintf("creating veth pair %s/%s", a, b), err)
	}

	rollback := func() {
		if l, err := netlink.LinkByName(a); err == nil {
			netlink.LinkDel(l)
		}
	}

	linkA, err := netlink.LinkByName(a)
	if err != nil {
		rollback()
		return xerrors.ResourceError(fmt.Sprintf("looking up %s after creation", a), err)
	}

	linkB, err := netlink.LinkByName(b)
	if err != nil {
		rollback()
		return xerrors.ResourceError(fmt.Sprintf("looking up %s after creation", b), err)
	}

	if macA != "" {
		hw, err := net.ParseMAC(macA)
		if err != nil {
			rollback()
			return xerrors.ConfigError(fmt.Sprintf("invalid MAC %q for %s", macA, a), err)
		}
		if err := netlink.LinkSetHardwareAddr(linkA, hw); err != nil {
			rollback()
			return xerrors.ResourceError(fmt.Sprintf("setting MAC on %s", a), err)
		}
	}

	if macB != "" {
		hw, err := net.ParseMAC(macB)
		if err != nil {
			rollback()
			return xerrors.ConfigError(fmt.Sprintf("invalid MAC %q for %s", macB, b), err)
		}
		if err := netlink.LinkSetHardwareAddr(linkB, hw); err != nil {
			rollback()
			return xerrors.ResourceError(fmt.Sprintf("setting MAC on %s", b), err)
		}
	}

	if nsA != 0 {
		if err := netlink.LinkSetNsFd(linkA, int(nsA)); err != nil {
			rollback()
			return xerrors.ResourceError(fmt.Sprintf("moving %s into its namespace", a), err)
		}
	}

	if nsB != 0 {
		if err := netlink.LinkSetNsFd(linkB, int(nsB)); err != nil {
			rollback()
			return xerrors.ResourceError(fmt.Sprintf("moving %s into its namespace", b), err)
		}
	}

	return nil
}

// RenameIntf runs the down-rename-up sequence inside node's namespace
// (spec.md §4.1 renameIntf).
func (d *Driver) RenameIntf(ctx context.Context, ns netns.NsHandle, oldName, newName string) error {
	return withNetns(ns, func() error {
		link, err := netlink.LinkByName(oldName)
		if err != nil {
			return xerrors.ResourceError(fmt.Sprintf("finding interface %s", oldName), err)
		}

		if err := netlink.LinkSetDown(link); err != nil {
			return xerrors.ResourceError(fmt.Sprintf("downing %s before rename", oldName), err)
		}

		if err := netlink.LinkSetName(link, newName); err != nil {
			return xerrors.ResourceError(fmt.Sprintf("renaming %s to %s", oldName, newName), err)
		}

		link, err = netlink.LinkByName(newName)
		if err != nil {
			return xerrors.ResourceError(fmt.Sprintf("finding renamed interface %s", newName), err)
		}

		if err := netlink.LinkSetUp(link); err != nil {
			return xerrors.ResourceError(fmt.Sprintf("upping %s after rename", newName), err)
		}

		return nil
	})
}

// MovePhyToNetns moves a wireless phy into the namespace identified by pid,
// retrying up to 3 times with a 1ms backoff: spec.md §4.1 notes the kernel
// occasionally reports EBUSY during module load.
func (d *Driver) MovePhyToNetns(ctx context.Context, phy string, pid int) error {
	var lastErr error

	for attempt := 0; attempt < 3; attempt++ {
		_, stderr, err := d.shell.Run(ctx, "iw", "phy", phy, "set", "netns", strconv.Itoa(pid))
		if err == nil {
			return nil
		}

		lastErr = xerrors.ExternalToolError(fmt.Sprintf("moving phy %s to pid %d netns", phy, pid), fmt.Errorf("%s", strings.TrimSpace(string(stderr))))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}

	return lastErr
}

// RegisterPhy invokes aprf_ctrl -c -n <prefix> to allocate a fresh virtual
// phy, returning the numeric id parsed from its "ID <n>" stdout line and
// the resulting device name (spec.md §4.1 registerPhy, §6 "Radio-control
// utility").
func (d *Driver) RegisterPhy(ctx context.Context, prefix string, withTxPower bool) (phyID int, dev string, err error) {
	args := []string{"-c", "-n", prefix}
	if withTxPower {
		args = append(args, "-t")
	}

	stdout, stderr, err := d.shell.Run(ctx, d.radioCtrlPath, args...)
	if err != nil {
		return 0, "", xerrors.ExternalToolError(fmt.Sprintf("%s %v: %s", d.radioCtrlPath, args, strings.TrimSpace(string(stderr))), err)
	}

	for _, line := range strings.Split(string(stdout), "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "ID ") {
			id, convErr := strconv.Atoi(strings.TrimPrefix(line, "ID "))
			if convErr != nil {
				return 0, "", xerrors.ResourceError(fmt.Sprintf("parsing phy id from %q", line), convErr)
			}

			dev = fmt.Sprintf("phy%d", id)

			d.ownedPhysMu.Lock()
			d.ownedPhys = append(d.ownedPhys, dev)
			d.ownedPhysMu.Unlock()

			return id, dev, nil
		}
	}

	return 0, "", xerrors.ResourceError(fmt.Sprintf("no ID line in %s output", d.radioCtrlPath), nil)
}

// DestroyPhy invokes aprf_ctrl -x <phy>, used both by live teardown and by
// cleanup's phy-sweep pass.
func (d *Driver) DestroyPhy(ctx context.Context, phy string) error {
	_, stderr, err := d.shell.Run(ctx, d.radioCtrlPath, "-x", phy)
	if err != nil {
		return xerrors.ExternalToolError(fmt.Sprintf("destroying phy %s: %s", phy, strings.TrimSpace(string(stderr))), err)
	}

	d.ownedPhysMu.Lock()
	for i, p := range d.ownedPhys {
		if p == phy {
			d.ownedPhys = append(d.ownedPhys[:i], d.ownedPhys[i+1:]...)
			break
		}
	}
	d.ownedPhysMu.Unlock()

	return nil
}

// OwnedPhys returns a snapshot of the phys this Driver has registered and
// not yet destroyed, for C10's sweep pass.
func (d *Driver) OwnedPhys() []string {
	d.ownedPhysMu.Lock()
	defer d.ownedPhysMu.Unlock()

	out := make([]string, len(d.ownedPhys))
	copy(out, d.ownedPhys)
	return out
}

// NsByName resolves a namespace name to a handle, for callers (C2, C4) that
// need netlink access rather than an argv subprocess.
func (d *Driver) NsByName(name string) (netns.NsHandle, error) {
	ns, err := netns.GetFromName(name)
	if err != nil {
		return 0, xerrors.ResourceError(fmt.Sprintf("looking up namespace %s", name), err)
	}
	return ns, nil
}

// SetIP assigns an address (CIDR notation) to ifName inside nsName.
func (d *Driver) SetIP(ctx context.Context, nsName, ifName, cidr string) error {
	if rc, err := d.RunIn(ctx, nsName, []string{"ip", "addr", "add", cidr, "dev", ifName}, 0, nil); rc != 0 || err != nil {
		return xerrors.ResourceError(fmt.Sprintf("setting %s on %s in %s", cidr, ifName, nsName), err)
	}
	return nil
}

// SetUp brings ifName up (or down) inside nsName.
func (d *Driver) SetUp(ctx context.Context, nsName, ifName string, up bool) error {
	state := "up"
	if !up {
		state = "down"
	}
	if rc, err := d.RunIn(ctx, nsName, []string{"ip", "link", "set", ifName, state}, 0, nil); rc != 0 || err != nil {
		return xerrors.ResourceError(fmt.Sprintf("setting %s %s in %s", ifName, state, nsName), err)
	}
	return nil
}

// SetDefaultRoute installs a default route via gw inside nsName (station/
// host "default-route via gateway", spec.md §4.3).
func (d *Driver) SetDefaultRoute(ctx context.Context, nsName, gw string) error {
	if rc, err := d.RunIn(ctx, nsName, []string{"ip", "route", "add", "default", "via", gw}, 0, nil); rc != 0 || err != nil {
		return xerrors.ResourceError(fmt.Sprintf("setting default route via %s in %s", gw, nsName), err)
	}
	return nil
}

// SetChannel/SetTxPower/SetMode drive `iw` for wireless parameter changes
// that have no netlink equivalent the pack's libraries cover (spec.md §6.1
// "iw... remain argv-vector subprocess calls").
func (d *Driver) SetChannel(ctx context.Context, nsName, ifName string, channel int) error {
	if rc, err := d.RunIn(ctx, nsName, []string{"iw", "dev", ifName, "set", "channel", strconv.Itoa(channel)}, 0, nil); rc != 0 || err != nil {
		return xerrors.ResourceError(fmt.Sprintf("setting channel %d on %s", channel, ifName), err)
	}
	return nil
}

func (d *Driver) SetTxPower(ctx context.Context, nsName, ifName string, mBm int) error {
	if rc, err := d.RunIn(ctx, nsName, []string{"iw", "dev", ifName, "set", "txpower", "fixed", strconv.Itoa(mBm)}, 0, nil); rc != 0 || err != nil {
		return xerrors.ResourceError(fmt.Sprintf("setting txpower on %s", ifName), err)
	}
	return nil
}

func (d *Driver) SetMode(ctx context.Context, nsName, ifName, mode string) error {
	if rc, err := d.RunIn(ctx, nsName, []string{"iw", "dev", ifName, "set", "type", mode}, 0, nil); rc != 0 || err != nil {
		return xerrors.ResourceError(fmt.Sprintf("setting mode %s on %s", mode, ifName), err)
	}
	return nil
}

// IBSSJoin joins an ad-hoc/IBSS network (spec.md §4.4 Mesh/AdHoc link
// class).
func (d *Driver) IBSSJoin(ctx context.Context, nsName, ifName, ssid string, channel int) error {
	if rc, err := d.RunIn(ctx, nsName, []string{"iw", "dev", ifName, "ibss", "join", ssid, strconv.Itoa(channel * 5 + 2407)}, 0, nil); rc != 0 || err != nil {
		return xerrors.ResourceError(fmt.Sprintf("joining ibss %s on %s", ssid, ifName), err)
	}
	return nil
}

// MeshJoin joins an 802.11s mesh network (spec.md §4.4 Mesh link class).
func (d *Driver) MeshJoin(ctx context.Context, nsName, ifName, meshID string, channel int) error {
	if rc, err := d.RunIn(ctx, nsName, []string{"iw", "dev", ifName, "mesh", "join", meshID, "freq", strconv.Itoa(channel*5 + 2407)}, 0, nil); rc != 0 || err != nil {
		return xerrors.ResourceError(fmt.Sprintf("joining mesh %s on %s", meshID, ifName), err)
	}
	return nil
}

// RunIn executes argv inside node's namespace, streaming stdout/stderr
// line-wise (spec.md §4.1 runIn); timeout bounds the whole invocation.
func (d *Driver) RunIn(ctx context.Context, nsName string, argv []string, timeout time.Duration, onLine func(string)) (rc int, err error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	full := append([]string{"netns", "exec", nsName}, argv...)

	if onLine == nil {
		onLine = func(string) {}
	}

	return d.shell.RunStreamed(ctx, "ip", full, onLine)
}
