// Package docker runs sandboxes as long-lived local containers.
package docker

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/buildkite/subagent/internal/backend"
	"github.com/buildkite/subagent/internal/ids"
	"github.com/charmbracelet/log"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
)

const (
	labelManaged    = "subagent.managed"
	labelSandbox    = "subagent.sandbox"
	labelCheckpoint = "subagent.checkpoint"
	labelComment    = "subagent.comment"

	checkpointRepo = "subagent-checkpoint"
	execGrace      = 10 * time.Second
	// Exit status of a process killed by SIGKILL.
	exitKilled = 137
)

type Config struct {
	Image string
	// KeepAlive is the container's main process. Commands run via exec.
	KeepAlive   []string
	NetworkMode string
	Logger      *log.Logger
}

type Backend struct {
	cfg Config
	cli *client.Client

	// Serializes checkpoint restore per sandbox, which replaces the container.
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

var (
	_ backend.CheckpointClient   = (*Backend)(nil)
	_ backend.CapabilityReporter = (*Backend)(nil)
	_ backend.DoctorReporter     = (*Backend)(nil)
)

// New connects using the standard DOCKER_* environment.
func New(cfg Config, opts ...client.Opt) (*Backend, error) {
	if cfg.Image == "" {
		return nil, errors.New("docker image is not configured")
	}
	if len(cfg.KeepAlive) == 0 {
		cfg.KeepAlive = []string{"sleep", "infinity"}
	}
	if len(opts) == 0 {
		opts = []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &Backend{cfg: cfg, cli: cli, locks: map[string]*sync.Mutex{}}, nil
}

func (b *Backend) Name() string {
	return "docker"
}

func (b *Backend) Close() error {
	return b.cli.Close()
}

func (b *Backend) Capabilities() map[string]bool {
	return map[string]bool{
		backend.CapabilitySandboxCheckpoint:   true,
		backend.CapabilitySandboxFileDownload: true,
		backend.CapabilityNetworkPolicy:       true,
		backend.CapabilityNetworkAllowlist:    false,
	}
}

func (b *Backend) Doctor(ctx context.Context) (*backend.DoctorReport, error) {
	report := &backend.DoctorReport{Backend: b.Name()}
	ping, err := b.cli.Ping(ctx)
	if err != nil {
		report.Checks = append(report.Checks, backend.DoctorCheck{Name: "daemon", Status: "fail", Message: fmt.Sprintf("cannot reach docker daemon: %v", err)})
		return report, nil
	}
	report.Checks = append(report.Checks, backend.DoctorCheck{Name: "daemon", Status: "pass", Message: "docker API " + ping.APIVersion})

	if _, err := b.cli.ImageInspect(ctx, b.cfg.Image); err != nil {
		report.Checks = append(report.Checks, backend.DoctorCheck{Name: "image", Status: "warn", Message: fmt.Sprintf("image %s not present locally; it will be pulled on first create", b.cfg.Image)})
	} else {
		report.Checks = append(report.Checks, backend.DoctorCheck{Name: "image", Status: "pass", Message: "image " + b.cfg.Image})
	}
	return report, nil
}

func (b *Backend) lock(name string) func() {
	b.mu.Lock()
	l, ok := b.locks[name]
	if !ok {
		l = &sync.Mutex{}
		b.locks[name] = l
	}
	b.mu.Unlock()
	l.Lock()
	return l.Unlock
}

func (b *Backend) Get(ctx context.Context, name string) (*backend.Info, error) {
	inspect, err := b.cli.ContainerInspect(ctx, name)
	if errdefs.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("inspect sandbox %q: %w", name, err)
	}
	if inspect.Config == nil || inspect.Config.Labels[labelManaged] != "true" {
		return nil, nil
	}
	info := backend.Info{Name: strings.TrimPrefix(inspect.Name, "/")}
	if inspect.State != nil {
		info.Status = string(inspect.State.Status)
	}
	if created, err := time.Parse(time.RFC3339Nano, inspect.Created); err == nil {
		info.CreatedAt = created
	}
	return &info, nil
}

func (b *Backend) Create(ctx context.Context, name string) (*backend.Info, error) {
	if err := b.ensureImage(ctx, b.cfg.Image); err != nil {
		return nil, err
	}
	if err := b.createContainer(ctx, name, b.cfg.Image, b.cfg.NetworkMode); err != nil {
		return nil, err
	}
	return b.Get(ctx, name)
}

func (b *Backend) createContainer(ctx context.Context, name, ref, networkMode string) error {
	resp, err := b.cli.ContainerCreate(ctx, &container.Config{
		Image:  ref,
		Cmd:    b.cfg.KeepAlive,
		Labels: map[string]string{labelManaged: "true", labelSandbox: name},
		Tty:    false,
	}, &container.HostConfig{
		NetworkMode: container.NetworkMode(networkMode),
		Init:        boolPtr(true),
	}, nil, nil, name)
	if err != nil {
		return fmt.Errorf("create sandbox %q: %w", name, err)
	}
	if err := b.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = b.cli.ContainerRemove(context.WithoutCancel(ctx), resp.ID, container.RemoveOptions{Force: true})
		return fmt.Errorf("start sandbox %q: %w", name, err)
	}
	if b.cfg.Logger != nil {
		b.cfg.Logger.Debug("created sandbox container", "sandbox", name, "image", ref, "id", shortID(resp.ID))
	}
	return nil
}

func (b *Backend) ensureImage(ctx context.Context, ref string) error {
	if _, err := b.cli.ImageInspect(ctx, ref); err == nil {
		return nil
	}
	reader, err := b.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", ref, err)
	}
	defer reader.Close()
	_, err = io.Copy(io.Discard, reader)
	return err
}

// Delete removes the container and its checkpoint images.
func (b *Backend) Delete(ctx context.Context, name string) error {
	err := b.cli.ContainerRemove(ctx, name, container.RemoveOptions{Force: true, RemoveVolumes: true})
	if err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("remove sandbox %q: %w", name, err)
	}
	images, err := b.checkpointImages(ctx, name)
	if err != nil {
		return err
	}
	for _, img := range images {
		if _, err := b.cli.ImageRemove(ctx, img.ID, image.RemoveOptions{Force: true, PruneChildren: true}); err != nil && !errdefs.IsNotFound(err) {
			return fmt.Errorf("remove checkpoint image %s: %w", shortID(img.ID), err)
		}
	}
	return nil
}

func (b *Backend) List(ctx context.Context, prefix string) ([]backend.Info, error) {
	containers, err := b.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", labelManaged+"=true")),
	})
	if err != nil {
		return nil, fmt.Errorf("list sandboxes: %w", err)
	}
	var out []backend.Info
	for _, c := range containers {
		name := c.Labels[labelSandbox]
		if name == "" || !strings.HasPrefix(name, prefix) {
			continue
		}
		out = append(out, backend.Info{
			Name:      name,
			Status:    string(c.State),
			CreatedAt: time.Unix(c.Created, 0).UTC(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// SetNetworkPolicy enforces deny rules by detaching the container from every
// network. Domain allowlists cannot be expressed with network modes.
func (b *Backend) SetNetworkPolicy(ctx context.Context, name string, rules []backend.NetworkRule) error {
	deny := false
	for _, rule := range rules {
		switch rule.Action {
		case backend.NetworkAllow:
			return fmt.Errorf("docker backend cannot allow egress to %q: %w", rule.Domain, backend.ErrUnsupported)
		case backend.NetworkDeny:
			deny = true
		}
	}
	if !deny {
		return nil
	}
	inspect, err := b.cli.ContainerInspect(ctx, name)
	if err != nil {
		return fmt.Errorf("inspect sandbox %q: %w", name, err)
	}
	if inspect.NetworkSettings == nil {
		return nil
	}
	for network := range inspect.NetworkSettings.Networks {
		if network == "none" {
			continue
		}
		if err := b.cli.NetworkDisconnect(ctx, network, name, true); err != nil {
			return fmt.Errorf("disconnect sandbox %q from %s: %w", name, network, err)
		}
	}
	return nil
}

func (b *Backend) Exec(ctx context.Context, name string, argv []string, opts backend.ExecOptions) (*backend.ExecResult, error) {
	if len(argv) == 0 {
		return nil, errors.New("missing command")
	}
	var lastErr error
	for attempt := 0; attempt <= opts.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt) * 500 * time.Millisecond):
			}
		}
		res, err := b.execOnce(ctx, name, argv, opts)
		if err == nil || !retryable(err) {
			return res, err
		}
		lastErr = err
	}
	return nil, lastErr
}

func retryable(err error) bool {
	if errors.Is(err, backend.ErrExecTimeout) || errors.Is(err, context.Canceled) {
		return false
	}
	return errdefs.IsUnavailable(err) || client.IsErrConnectionFailed(err)
}

func (b *Backend) execOnce(ctx context.Context, name string, argv []string, opts backend.ExecOptions) (*backend.ExecResult, error) {
	execCtx := ctx
	started := time.Now()
	if opts.Timeout > 0 {
		argv = withTimeout(argv, opts.Timeout)
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, opts.Timeout+execGrace)
		defer cancel()
	}

	created, err := b.cli.ContainerExecCreate(execCtx, name, container.ExecOptions{
		Cmd:          argv,
		Env:          backend.EnvList(opts.Env),
		WorkingDir:   opts.Dir,
		AttachStdin:  len(opts.Stdin) > 0,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("create exec in %q: %w", name, err)
	}
	attach, err := b.cli.ContainerExecAttach(execCtx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, fmt.Errorf("attach exec in %q: %w", name, err)
	}
	defer attach.Close()

	if len(opts.Stdin) > 0 {
		if _, err := attach.Conn.Write(opts.Stdin); err != nil {
			return nil, fmt.Errorf("write exec stdin: %w", err)
		}
		_ = attach.CloseWrite()
	}

	var stdout, stderr bytes.Buffer
	copyDone := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader)
		copyDone <- err
	}()
	select {
	case err := <-copyDone:
		if err != nil {
			return nil, fmt.Errorf("read exec output: %w", err)
		}
	case <-execCtx.Done():
		attach.Close()
		<-copyDone
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("exec %q in %q: %w", argv[0], name, backend.ErrExecTimeout)
	}

	inspect, err := b.cli.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return nil, fmt.Errorf("inspect exec in %q: %w", name, err)
	}
	if killedByTimeout(inspect.ExitCode, opts.Timeout, time.Since(started)) {
		return nil, fmt.Errorf("exec in %q: %w", name, backend.ErrExecTimeout)
	}
	return &backend.ExecResult{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: inspect.ExitCode}, nil
}

// killedByTimeout tells a timeout kill from any other SIGKILL, such as the
// kernel OOM killer, which exits with the same status.
func killedByTimeout(exitCode int, timeout, elapsed time.Duration) bool {
	return timeout > 0 && exitCode == exitKilled && elapsed >= timeout
}

// withTimeout bounds the command inside the container so it is killed even
// if the host connection drops.
func withTimeout(argv []string, timeout time.Duration) []string {
	secs := int64((timeout + time.Second - 1) / time.Second)
	return append([]string{"timeout", "-s", "KILL", strconv.FormatInt(secs, 10)}, argv...)
}

// DownloadFile reads a single regular file via the archive API.
func (b *Backend) DownloadFile(ctx context.Context, name, path string) ([]byte, error) {
	rc, _, err := b.cli.CopyFromContainer(ctx, name, path)
	if err != nil {
		return nil, fmt.Errorf("download %q from %q: %w", path, name, err)
	}
	defer rc.Close()
	return firstFile(rc, path)
}

func firstFile(r io.Reader, path string) ([]byte, error) {
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil, fmt.Errorf("%q is not a regular file", path)
		}
		if err != nil {
			return nil, fmt.Errorf("read archive for %q: %w", path, err)
		}
		if hdr.Typeflag == tar.TypeReg {
			return io.ReadAll(tr)
		}
	}
}

func (b *Backend) checkpointImages(ctx context.Context, name string) ([]image.Summary, error) {
	images, err := b.cli.ImageList(ctx, image.ListOptions{
		Filters: filters.NewArgs(
			filters.Arg("label", labelSandbox+"="+name),
			filters.Arg("label", labelCheckpoint),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("list checkpoints for %q: %w", name, err)
	}
	sort.Slice(images, func(i, j int) bool { return images[i].Created < images[j].Created })
	return images, nil
}

func (b *Backend) ListCheckpoints(ctx context.Context, name string) ([]backend.Checkpoint, error) {
	images, err := b.checkpointImages(ctx, name)
	if err != nil {
		return nil, err
	}
	out := make([]backend.Checkpoint, 0, len(images))
	for _, img := range images {
		out = append(out, backend.Checkpoint{ID: img.Labels[labelCheckpoint], Comment: img.Labels[labelComment]})
	}
	return out, nil
}

func (b *Backend) CreateCheckpoint(ctx context.Context, name, comment string) (string, error) {
	unlock := b.lock(name)
	defer unlock()

	id := ids.NewCheckpoint()
	_, err := b.cli.ContainerCommit(ctx, name, container.CommitOptions{
		Reference: checkpointRef(name, id),
		Comment:   comment,
		Pause:     true,
		Config: &container.Config{
			Cmd: b.cfg.KeepAlive,
			Labels: map[string]string{
				labelManaged:    "true",
				labelSandbox:    name,
				labelCheckpoint: id,
				labelComment:    comment,
			},
		},
	})
	if err != nil {
		return "", fmt.Errorf("checkpoint sandbox %q: %w", name, err)
	}
	return id, nil
}

// RestoreCheckpoint replaces the container with one created from the
// checkpoint image, keeping its name and network mode.
func (b *Backend) RestoreCheckpoint(ctx context.Context, name, id string) error {
	unlock := b.lock(name)
	defer unlock()

	images, err := b.checkpointImages(ctx, name)
	if err != nil {
		return err
	}
	found := false
	for _, img := range images {
		if img.Labels[labelCheckpoint] == id {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("checkpoint %q not found for sandbox %q", id, name)
	}

	networkMode := b.cfg.NetworkMode
	if inspect, err := b.cli.ContainerInspect(ctx, name); err == nil && inspect.HostConfig != nil {
		networkMode = string(inspect.HostConfig.NetworkMode)
	}
	if err := b.cli.ContainerRemove(ctx, name, container.RemoveOptions{Force: true}); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("remove sandbox %q for restore: %w", name, err)
	}
	return b.createContainer(ctx, name, checkpointRef(name, id), networkMode)
}

func checkpointRef(name, id string) string {
	return checkpointRepo + "/" + strings.ToLower(name) + ":" + id
}

func shortID(id string) string {
	id = strings.TrimPrefix(id, "sha256:")
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func boolPtr(v bool) *bool {
	return &v
}
