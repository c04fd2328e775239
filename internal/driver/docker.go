package driver

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"

	"apwifi/internal/cleanup"
	"apwifi/internal/xerrors"
)

// dockerLabel tags every container this engine creates, scoping C10's
// sweep (spec.md §6 "containers are tagged with a label com.mn_docker").
const dockerLabel = "com.mn_docker"

// DockerRun creates and starts a container via the Docker HTTP API over the
// local Unix socket, records its cleanup action, and returns its id; the
// container's init pid becomes the netns leader for the node (spec.md §4.1
// dockerRun).
func (d *Driver) DockerRun(ctx context.Context, image, name string, hostOpts container.HostConfig) (containerID string, pid int, err error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return "", 0, xerrors.ResourceError("connecting to Docker daemon", err)
	}
	defer cli.Close()

	cfg := &container.Config{
		Image: image,
		Labels: map[string]string{
			dockerLabel: name,
		},
		Tty: true,
	}

	hostOpts.NetworkMode = "none" // this engine wires networking itself via C1 veth/netns, not Docker's own bridge

	created, err := cli.ContainerCreate(ctx, cfg, &hostOpts, nil, nil, name)
	if err != nil {
		return "", 0, xerrors.ResourceError(fmt.Sprintf("creating container %s", name), err)
	}

	// Record the inverse before starting, per spec.md §4.1 "Failure
	// semantics": a crash right after create-but-before-start still leaves
	// a valid docker-rm inverse.
	d.cleanup.Record(cleanup.DockerRM, created.ID)

	if err := cli.ContainerStart(ctx, created.ID, types.ContainerStartOptions{}); err != nil {
		return "", 0, xerrors.ResourceError(fmt.Sprintf("starting container %s", name), err)
	}

	inspect, err := cli.ContainerInspect(ctx, created.ID)
	if err != nil {
		return "", 0, xerrors.ResourceError(fmt.Sprintf("inspecting container %s", name), err)
	}

	return created.ID, inspect.State.Pid, nil
}

// DockerOwnedContainers lists containers the engine owns, for C10's
// "docker ps --filter label=..." sweep (spec.md §4.10 step 1).
func (d *Driver) DockerOwnedContainers(ctx context.Context) ([]string, error) {
	stdout, stderr, err := d.shell.Run(ctx, "docker", "ps", "-a", "--filter", "label="+dockerLabel, "--format", "{{.ID}}")
	if err != nil {
		return nil, xerrors.ExternalToolError(fmt.Sprintf("docker ps: %s", strings.TrimSpace(string(stderr))), err)
	}

	var ids []string
	for _, line := range strings.Split(string(stdout), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			ids = append(ids, line)
		}
	}

	return ids, nil
}

// DockerRemoveContainer force-removes a container by id, used by C10's
// enumeration-based sweep rather than the action log (spec.md §4.10 step 1).
func (d *Driver) DockerRemoveContainer(ctx context.Context, id string) error {
	_, stderr, err := d.shell.Run(ctx, "docker", "rm", "-f", id)
	if err != nil {
		return xerrors.ExternalToolError(fmt.Sprintf("docker rm -f %s: %s", id, strings.TrimSpace(string(stderr))), err)
	}
	return nil
}

// LoadRadioDriver loads the aprf_drv kernel module with the requested radio
// count (spec.md §4.9 build phase 3, §6 "kernel module aprf_drv with module
// parameter radios=<n>"). modulePath, if non-empty, loads a specific .ko
// file via insmod instead of the installed module via modprobe.
func (d *Driver) LoadRadioDriver(ctx context.Context, radios int, modulePath string) error {
	d.cleanup.Record(cleanup.RemoveKernelModule, "aprf_drv")

	param := "radios=" + strconv.Itoa(radios)

	var stderr []byte
	var err error

	if modulePath != "" {
		_, stderr, err = d.shell.Run(ctx, "insmod", modulePath, param)
	} else {
		_, stderr, err = d.shell.Run(ctx, "modprobe", "aprf_drv", param)
	}

	if err != nil {
		return xerrors.ResourceError(fmt.Sprintf("loading aprf_drv radios=%d: %s", radios, strings.TrimSpace(string(stderr))), err)
	}

	return nil
}

// UnloadRadioDriver removes the aprf_drv module; part of C10's teardown
// (spec.md §4.10 step 6).
func (d *Driver) UnloadRadioDriver(ctx context.Context) error {
	_, stderr, err := d.shell.Run(ctx, "rmmod", "aprf_drv")
	if err != nil {
		return xerrors.ExternalToolError(fmt.Sprintf("unloading aprf_drv: %s", strings.TrimSpace(string(stderr))), err)
	}
	return nil
}
