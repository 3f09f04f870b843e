// Package firecracker runs sandboxes as local Firecracker microVMs. Each
// sandbox owns a retained rootfs image; commands reach the guest agent over
// vsock.
package firecracker

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/buildkite/subagent/internal/backend"
	"github.com/buildkite/subagent/internal/ids"
	"github.com/buildkite/subagent/internal/paths"
	"github.com/buildkite/subagent/internal/vsockexec"
	"github.com/charmbracelet/log"
	fcvsock "github.com/firecracker-microvm/firecracker-go-sdk/vsock"
)

const (
	rootfsFile     = "rootfs.ext4"
	metaFile       = "meta.json"
	checkpointsDir = "checkpoints"

	defaultBootTimeout = 30 * time.Second
	execGrace          = 10 * time.Second
	entropySeedBytes   = 64
)

type Config struct {
	BinaryPath      string
	KernelImagePath string
	RootFSPath      string
	// RunDir holds one directory per sandbox. Defaults to paths.SandboxDir().
	RunDir      string
	VCPUs       int64
	MemoryMiB   int64
	GuestPort   uint32
	BootTimeout time.Duration
	Logger      *log.Logger
}

type Backend struct {
	cfg Config

	mu  sync.Mutex
	vms map[string]*vm

	// Replaced in tests.
	bootFn func(ctx context.Context, name, dir string) (*vm, error)
	dialFn func(ctx context.Context, v *vm, port uint32) (net.Conn, error)
}

type vm struct {
	cmd       *exec.Cmd
	waitCh    chan error
	vsockPath string
}

type sandboxMeta struct {
	Name        string                `json:"name"`
	CreatedAt   time.Time             `json:"created_at"`
	Rules       []backend.NetworkRule `json:"rules,omitempty"`
	Checkpoints []backend.Checkpoint  `json:"checkpoints,omitempty"`
}

var (
	_ backend.CheckpointClient   = (*Backend)(nil)
	_ backend.CapabilityReporter = (*Backend)(nil)
	_ backend.DoctorReporter     = (*Backend)(nil)
)

func New(cfg Config) (*Backend, error) {
	if cfg.RunDir == "" {
		dir, err := paths.SandboxDir()
		if err != nil {
			return nil, fmt.Errorf("resolve sandbox directory: %w", err)
		}
		cfg.RunDir = dir
	}
	if cfg.BinaryPath == "" {
		cfg.BinaryPath = "firecracker"
	}
	if cfg.VCPUs <= 0 {
		cfg.VCPUs = 1
	}
	if cfg.MemoryMiB <= 0 {
		cfg.MemoryMiB = 512
	}
	if cfg.GuestPort == 0 {
		cfg.GuestPort = vsockexec.DefaultPort
	}
	if cfg.BootTimeout <= 0 {
		cfg.BootTimeout = defaultBootTimeout
	}
	b := &Backend{cfg: cfg, vms: map[string]*vm{}}
	b.bootFn = b.boot
	b.dialFn = dialVsockUntilReady
	return b, nil
}

func (b *Backend) Name() string {
	return "firecracker"
}

func (b *Backend) Capabilities() map[string]bool {
	return map[string]bool{
		backend.CapabilitySandboxCheckpoint:   true,
		backend.CapabilitySandboxFileDownload: true,
		backend.CapabilityNetworkPolicy:       true,
		// Guests have no network interface, so there is nothing to allow.
		backend.CapabilityNetworkAllowlist: false,
	}
}

func (b *Backend) Doctor(_ context.Context) (*backend.DoctorReport, error) {
	report := &backend.DoctorReport{Backend: b.Name()}
	appendCheck := func(name, status, message string) {
		report.Checks = append(report.Checks, backend.DoctorCheck{Name: name, Status: status, Message: message})
	}

	if runtime.GOOS == "linux" {
		appendCheck("os", "pass", "linux host detected")
	} else {
		appendCheck("os", "fail", fmt.Sprintf("linux required, current OS is %s", runtime.GOOS))
	}

	if _, err := exec.LookPath(b.cfg.BinaryPath); err != nil {
		appendCheck("binary", "fail", fmt.Sprintf("firecracker binary %q not found in PATH", b.cfg.BinaryPath))
	} else {
		appendCheck("binary", "pass", fmt.Sprintf("found firecracker binary %q", b.cfg.BinaryPath))
	}

	if f, err := os.OpenFile("/dev/kvm", os.O_RDWR, 0); err != nil {
		appendCheck("kvm", "fail", fmt.Sprintf("cannot open /dev/kvm read-write: %v", err))
	} else {
		_ = f.Close()
		appendCheck("kvm", "pass", "/dev/kvm is accessible")
	}

	for _, item := range []struct{ name, path string }{
		{"kernel_image", b.cfg.KernelImagePath},
		{"rootfs", b.cfg.RootFSPath},
	} {
		switch {
		case item.path == "":
			appendCheck(item.name, "fail", item.name+" not configured")
		default:
			if _, err := os.Stat(item.path); err != nil {
				appendCheck(item.name, "fail", fmt.Sprintf("%s not accessible: %v", item.name, err))
			} else {
				appendCheck(item.name, "pass", fmt.Sprintf("%s configured: %s", item.name, item.path))
			}
		}
	}

	if err := os.MkdirAll(b.cfg.RunDir, 0o755); err != nil {
		appendCheck("run_dir", "fail", fmt.Sprintf("cannot create %s: %v", b.cfg.RunDir, err))
	} else {
		appendCheck("run_dir", "pass", fmt.Sprintf("sandboxes stored in %s", b.cfg.RunDir))
	}

	appendCheck("vsock_port", "pass", fmt.Sprintf("guest vsock port %d", b.cfg.GuestPort))
	return report, nil
}

func (b *Backend) sandboxDir(name string) (string, error) {
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return "", fmt.Errorf("invalid sandbox name %q", name)
	}
	return filepath.Join(b.cfg.RunDir, name), nil
}

func (b *Backend) Get(_ context.Context, name string) (*backend.Info, error) {
	dir, err := b.sandboxDir(name)
	if err != nil {
		return nil, err
	}
	meta, err := readMeta(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	info := b.info(meta)
	return &info, nil
}

func (b *Backend) info(meta sandboxMeta) backend.Info {
	b.mu.Lock()
	_, running := b.vms[meta.Name]
	b.mu.Unlock()
	status := "stopped"
	if running {
		status = "running"
	}
	return backend.Info{Name: meta.Name, Status: status, CreatedAt: meta.CreatedAt}
}

// Create copies the base rootfs into a new sandbox directory. The VM boots
// on first Exec.
func (b *Backend) Create(_ context.Context, name string) (*backend.Info, error) {
	dir, err := b.sandboxDir(name)
	if err != nil {
		return nil, err
	}
	if b.cfg.RootFSPath == "" {
		return nil, errors.New("firecracker rootfs is not configured")
	}
	if err := os.MkdirAll(b.cfg.RunDir, 0o755); err != nil {
		return nil, err
	}
	if err := os.Mkdir(dir, 0o755); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("sandbox %q already exists", name)
		}
		return nil, err
	}
	if err := copyFile(b.cfg.RootFSPath, filepath.Join(dir, rootfsFile)); err != nil {
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("prepare sandbox rootfs: %w", err)
	}
	meta := sandboxMeta{Name: name, CreatedAt: time.Now().UTC()}
	if err := writeJSON(filepath.Join(dir, metaFile), meta); err != nil {
		_ = os.RemoveAll(dir)
		return nil, err
	}
	if b.cfg.Logger != nil {
		b.cfg.Logger.Debug("created sandbox", "sandbox", name, "dir", dir)
	}
	info := b.info(meta)
	return &info, nil
}

func (b *Backend) Delete(_ context.Context, name string) error {
	dir, err := b.sandboxDir(name)
	if err != nil {
		return err
	}
	b.stop(name)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove sandbox %q: %w", name, err)
	}
	return nil
}

func (b *Backend) List(_ context.Context, prefix string) ([]backend.Info, error) {
	entries, err := os.ReadDir(b.cfg.RunDir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []backend.Info
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), prefix) {
			continue
		}
		meta, err := readMeta(filepath.Join(b.cfg.RunDir, entry.Name()))
		if err != nil {
			continue
		}
		out = append(out, b.info(meta))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (b *Backend) SetNetworkPolicy(_ context.Context, name string, rules []backend.NetworkRule) error {
	for _, rule := range rules {
		if rule.Action == backend.NetworkAllow {
			return fmt.Errorf("firecracker sandboxes have no network; cannot allow %q: %w", rule.Domain, backend.ErrUnsupported)
		}
	}
	return b.updateMeta(name, func(meta *sandboxMeta) error {
		meta.Rules = append([]backend.NetworkRule(nil), rules...)
		return nil
	})
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
		if err == nil {
			return res, nil
		}
		var transport *transportError
		if !errors.As(err, &transport) {
			return nil, err
		}
		lastErr = err
		if b.cfg.Logger != nil {
			b.cfg.Logger.Debug("guest exec transport error", "sandbox", name, "attempt", attempt+1, "error", err)
		}
	}
	return nil, lastErr
}

type transportError struct{ err error }

func (e *transportError) Error() string { return e.err.Error() }
func (e *transportError) Unwrap() error { return e.err }

func (b *Backend) execOnce(ctx context.Context, name string, argv []string, opts backend.ExecOptions) (*backend.ExecResult, error) {
	v, err := b.ensureVM(ctx, name)
	if err != nil {
		return nil, err
	}

	req := vsockexec.ExecRequest{
		Command: argv,
		Dir:     opts.Dir,
		Env:     backend.EnvList(opts.Env),
		Stdin:   opts.Stdin,
	}
	execCtx := ctx
	if opts.Timeout > 0 {
		req.TimeoutSeconds = int64((opts.Timeout + time.Second - 1) / time.Second)
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, opts.Timeout+execGrace)
		defer cancel()
	}
	seed := make([]byte, entropySeedBytes)
	if _, err := rand.Read(seed); err == nil {
		req.EntropySeed = seed
	}

	dialCtx, cancelDial := context.WithTimeout(execCtx, b.cfg.BootTimeout)
	conn, err := b.dialFn(dialCtx, v, b.cfg.GuestPort)
	cancelDial()
	if err != nil {
		return nil, &transportError{err: fmt.Errorf("connect to guest agent in %q: %w", name, err)}
	}
	defer conn.Close()
	if deadline, ok := execCtx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(execCtx, func() { _ = conn.Close() })
	defer stop()

	if err := vsockexec.EncodeRequest(conn, req); err != nil {
		return nil, &transportError{err: fmt.Errorf("send guest exec request: %w", err)}
	}
	res, err := vsockexec.DecodeStreamResponse(conn, vsockexec.StreamCallbacks{})
	if err != nil {
		if execCtx.Err() != nil && ctx.Err() == nil {
			return nil, fmt.Errorf("exec %q in %q: %w", argv[0], name, backend.ErrExecTimeout)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &transportError{err: fmt.Errorf("decode guest exec response: %w", err)}
	}
	if res.TimedOut {
		return nil, fmt.Errorf("exec %q in %q: %w", argv[0], name, backend.ErrExecTimeout)
	}
	if res.Error != "" && res.ExitCode != 0 && res.Stdout == "" && res.Stderr == "" {
		return nil, fmt.Errorf("guest exec %q in %q: %s", argv[0], name, res.Error)
	}
	return &backend.ExecResult{Stdout: res.Stdout, Stderr: res.Stderr, ExitCode: res.ExitCode}, nil
}

func (b *Backend) DownloadFile(ctx context.Context, name, path string) ([]byte, error) {
	res, err := b.Exec(ctx, name, []string{"cat", "--", path}, backend.ExecOptions{})
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("read %q in %q: exit %d: %s", path, name, res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return []byte(res.Stdout), nil
}

func (b *Backend) ListCheckpoints(_ context.Context, name string) ([]backend.Checkpoint, error) {
	dir, err := b.sandboxDir(name)
	if err != nil {
		return nil, err
	}
	meta, err := readMeta(dir)
	if err != nil {
		return nil, fmt.Errorf("sandbox %q: %w", name, err)
	}
	return append([]backend.Checkpoint(nil), meta.Checkpoints...), nil
}

// CreateCheckpoint stops the VM so the rootfs is quiescent, then clones it.
func (b *Backend) CreateCheckpoint(_ context.Context, name, comment string) (string, error) {
	dir, err := b.sandboxDir(name)
	if err != nil {
		return "", err
	}
	b.stop(name)
	id := ids.NewCheckpoint()
	if err := os.MkdirAll(filepath.Join(dir, checkpointsDir), 0o755); err != nil {
		return "", err
	}
	image := filepath.Join(dir, checkpointsDir, id+".ext4")
	if err := copyFile(filepath.Join(dir, rootfsFile), image); err != nil {
		return "", fmt.Errorf("checkpoint sandbox %q: %w", name, err)
	}
	err = b.updateMeta(name, func(meta *sandboxMeta) error {
		meta.Checkpoints = append(meta.Checkpoints, backend.Checkpoint{ID: id, Comment: comment})
		return nil
	})
	if err != nil {
		_ = os.Remove(image)
		return "", err
	}
	return id, nil
}

func (b *Backend) RestoreCheckpoint(_ context.Context, name, id string) error {
	dir, err := b.sandboxDir(name)
	if err != nil {
		return err
	}
	meta, err := readMeta(dir)
	if err != nil {
		return fmt.Errorf("sandbox %q: %w", name, err)
	}
	found := false
	for _, ckpt := range meta.Checkpoints {
		if ckpt.ID == id {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("checkpoint %q not found for sandbox %q", id, name)
	}
	b.stop(name)
	if err := copyFile(filepath.Join(dir, checkpointsDir, id+".ext4"), filepath.Join(dir, rootfsFile)); err != nil {
		return fmt.Errorf("restore sandbox %q to %q: %w", name, id, err)
	}
	return nil
}

// Close stops every running VM. Sandbox directories are retained.
func (b *Backend) Close() error {
	b.mu.Lock()
	names := make([]string, 0, len(b.vms))
	for name := range b.vms {
		names = append(names, name)
	}
	b.mu.Unlock()
	for _, name := range names {
		b.stop(name)
	}
	return nil
}

func (b *Backend) ensureVM(ctx context.Context, name string) (*vm, error) {
	dir, err := b.sandboxDir(name)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if v, ok := b.vms[name]; ok {
		select {
		case <-v.waitCh:
			delete(b.vms, name)
		default:
			return v, nil
		}
	}
	if _, err := os.Stat(filepath.Join(dir, metaFile)); err != nil {
		return nil, fmt.Errorf("sandbox %q not found", name)
	}
	v, err := b.bootFn(ctx, name, dir)
	if err != nil {
		return nil, err
	}
	b.vms[name] = v
	return v, nil
}

func (b *Backend) stop(name string) {
	b.mu.Lock()
	v, ok := b.vms[name]
	delete(b.vms, name)
	b.mu.Unlock()
	if ok {
		stopVM(v)
	}
}

func (b *Backend) boot(_ context.Context, name, dir string) (*vm, error) {
	if runtime.GOOS != "linux" {
		return nil, fmt.Errorf("firecracker backend is linux-only, current OS is %s", runtime.GOOS)
	}
	firecrackerPath, err := exec.LookPath(b.cfg.BinaryPath)
	if err != nil {
		return nil, fmt.Errorf("firecracker binary not found (%q): %w", b.cfg.BinaryPath, err)
	}
	kernelPath, err := filepath.Abs(b.cfg.KernelImagePath)
	if err != nil || b.cfg.KernelImagePath == "" {
		return nil, errors.New("firecracker kernel image is not configured")
	}

	vsockPath := filepath.Join(dir, "vsock.sock")
	apiSocket := filepath.Join(dir, "firecracker.sock")
	_ = os.Remove(vsockPath)
	_ = os.Remove(apiSocket)

	fcCfg := firecrackerConfig{
		BootSource: bootSource{
			KernelImagePath: kernelPath,
			BootArgs:        "console=ttyS0 reboot=k panic=1 pci=off",
		},
		Drives: []drive{{
			DriveID:      "rootfs",
			PathOnHost:   filepath.Join(dir, rootfsFile),
			IsRootDevice: true,
		}},
		MachineConfig: machineConfig{VCPUCount: b.cfg.VCPUs, MemSizeMiB: b.cfg.MemoryMiB},
		Vsock: &vsockConfig{
			VsockID:  "subagent-vsock",
			GuestCID: 3,
			UDSPath:  vsockPath,
		},
	}
	cfgPath := filepath.Join(dir, "firecracker-config.json")
	if err := writeJSON(cfgPath, fcCfg); err != nil {
		return nil, err
	}

	logFile, err := os.OpenFile(filepath.Join(dir, "firecracker.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	// The VM outlives the request that boots it.
	cmd := exec.Command(firecrackerPath, "--api-sock", apiSocket, "--config-file", cfgPath)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	if err := cmd.Start(); err != nil {
		_ = logFile.Close()
		return nil, fmt.Errorf("start firecracker: %w", err)
	}
	waitCh := make(chan error, 1)
	go func() {
		err := cmd.Wait()
		_ = logFile.Close()
		waitCh <- err
		close(waitCh)
	}()
	if b.cfg.Logger != nil {
		b.cfg.Logger.Info("booted sandbox vm", "sandbox", name, "pid", cmd.Process.Pid)
	}
	return &vm{cmd: cmd, waitCh: waitCh, vsockPath: vsockPath}, nil
}

type firecrackerConfig struct {
	BootSource    bootSource    `json:"boot-source"`
	Drives        []drive       `json:"drives"`
	MachineConfig machineConfig `json:"machine-config"`
	Vsock         *vsockConfig  `json:"vsock,omitempty"`
}

type bootSource struct {
	KernelImagePath string `json:"kernel_image_path"`
	BootArgs        string `json:"boot_args"`
}

type drive struct {
	DriveID      string `json:"drive_id"`
	PathOnHost   string `json:"path_on_host"`
	IsRootDevice bool   `json:"is_root_device"`
	IsReadOnly   bool   `json:"is_read_only"`
}

type machineConfig struct {
	VCPUCount  int64 `json:"vcpu_count"`
	MemSizeMiB int64 `json:"mem_size_mib"`
	SMT        bool  `json:"smt"`
}

type vsockConfig struct {
	VsockID  string `json:"vsock_id"`
	GuestCID uint32 `json:"guest_cid"`
	UDSPath  string `json:"uds_path"`
}

func dialVsockUntilReady(ctx context.Context, v *vm, port uint32) (net.Conn, error) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		conn, err := fcvsock.DialContext(ctx, v.vsockPath, port)
		if err == nil {
			return conn, nil
		}

		select {
		case waitErr, ok := <-v.waitCh:
			if !ok || waitErr == nil {
				return nil, errors.New("firecracker exited before vsock guest agent became ready")
			}
			return nil, fmt.Errorf("firecracker exited before vsock guest agent became ready: %w", waitErr)
		case <-ctx.Done():
			return nil, fmt.Errorf("timed out waiting for vsock guest agent (%s): %w", v.vsockPath, ctx.Err())
		case <-ticker.C:
		}
	}
}

func stopVM(v *vm) {
	if v.cmd == nil || v.cmd.Process == nil {
		return
	}
	_ = v.cmd.Process.Kill()
	select {
	case <-v.waitCh:
	case <-time.After(2 * time.Second):
	}
}

func readMeta(dir string) (sandboxMeta, error) {
	data, err := os.ReadFile(filepath.Join(dir, metaFile))
	if err != nil {
		return sandboxMeta{}, err
	}
	var meta sandboxMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return sandboxMeta{}, fmt.Errorf("decode %s: %w", metaFile, err)
	}
	return meta, nil
}

func (b *Backend) updateMeta(name string, fn func(*sandboxMeta) error) error {
	dir, err := b.sandboxDir(name)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	meta, err := readMeta(dir)
	if err != nil {
		return fmt.Errorf("sandbox %q: %w", name, err)
	}
	if err := fn(&meta); err != nil {
		return err
	}
	return writeJSON(filepath.Join(dir, metaFile), meta)
}

func writeJSON(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(b, '\n'), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// copyFile clones src into dst when the filesystem supports reflinks and
// falls back to a byte copy. dst takes src's permissions.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	defer out.Close()
	if err := out.Chmod(info.Mode().Perm()); err != nil {
		return err
	}

	if !tryCloneFile(out, in) {
		if _, err := io.Copy(out, in); err != nil {
			return err
		}
	}
	return out.Sync()
}
