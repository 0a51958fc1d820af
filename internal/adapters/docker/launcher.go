package docker

import (
	"context"
	"fmt"
	"io"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/google/uuid"

	"github.com/mlett/crossport/internal/core/domain"
	"github.com/mlett/crossport/internal/core/ports"
)

const (
	labelManaged = "crossport.managed"
	labelJobID   = "crossport.job_id"
	labelChannel = "crossport.channel"
)

// ChannelRuntime tells the launcher how to start an automation worker for
// one channel: which container image carries its automation and where the
// platform's submission flow begins.
type ChannelRuntime struct {
	Image    string
	EntryURL string
}

// Launcher runs one automation container per (job, channel). The container
// receives its worker handle and the kernel's address via environment and
// drives the rest of the contract itself; the launcher never looks inside.
type Launcher struct {
	cli       *client.Client
	kernelURL string
	amqpURL   string
	runtimes  map[domain.ChannelID]ChannelRuntime
}

var _ ports.WorkerLauncher = (*Launcher)(nil)

func NewLauncher(kernelURL, amqpURL string, runtimes map[domain.ChannelID]ChannelRuntime) (*Launcher, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &Launcher{
		cli:       cli,
		kernelURL: kernelURL,
		amqpURL:   amqpURL,
		runtimes:  runtimes,
	}, nil
}

func (l *Launcher) Launch(ctx context.Context, job domain.Job, channel domain.ChannelID) (domain.WorkerHandle, error) {
	rt, ok := l.runtimes[channel]
	if !ok {
		return "", fmt.Errorf("no runtime configured for channel %s", channel)
	}

	handle := domain.WorkerHandle(uuid.New().String())

	cfg := &container.Config{
		Image: rt.Image,
		Env: []string{
			"CROSSPORT_KERNEL_URL=" + l.kernelURL,
			"CROSSPORT_AMQP_URL=" + l.amqpURL,
			"CROSSPORT_WORKER_HANDLE=" + string(handle),
			"CROSSPORT_JOB_ID=" + string(job.ID),
			"CROSSPORT_CHANNEL=" + string(channel),
			"CROSSPORT_ENTRY_URL=" + rt.EntryURL,
		},
		Labels: map[string]string{
			labelManaged: "true",
			labelJobID:   string(job.ID),
			labelChannel: string(channel),
		},
	}
	hostCfg := &container.HostConfig{
		AutoRemove: false, // keep exited containers inspectable until reaped
	}

	name := "crossport-worker-" + string(handle)
	resp, err := l.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
	if client.IsErrNotFound(err) {
		reader, pullErr := l.cli.ImagePull(ctx, rt.Image, image.PullOptions{})
		if pullErr != nil {
			return "", fmt.Errorf("pull image %s: %w", rt.Image, pullErr)
		}
		io.Copy(io.Discard, reader) //nolint:errcheck
		reader.Close()
		resp, err = l.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
	}
	if err != nil {
		return "", fmt.Errorf("create container for %s: %w", channel, err)
	}

	if err := l.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = l.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return "", fmt.Errorf("start container for %s: %w", channel, err)
	}

	return handle, nil
}

// CleanupOrphans force-removes every managed worker container left behind by
// a previous kernel run. Workers cannot re-register across restarts, so any
// survivor is a zombie.
func (l *Launcher) CleanupOrphans(ctx context.Context) error {
	args := filters.NewArgs()
	args.Add("label", labelManaged+"=true")

	containers, err := l.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return fmt.Errorf("list worker containers: %w", err)
	}
	for _, c := range containers {
		if err := l.cli.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true}); err != nil {
			return fmt.Errorf("remove orphan %s: %w", c.ID, err)
		}
	}
	return nil
}

func (l *Launcher) Close() error {
	return l.cli.Close()
}
