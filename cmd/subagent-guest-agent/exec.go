//go:build linux

package main

import (
	"bytes"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/buildkite/subagent/internal/vsockexec"
	"golang.org/x/sys/unix"
)

func handleConn(conn io.ReadWriteCloser) {
	defer conn.Close()

	req, err := vsockexec.DecodeRequest(conn)
	if err != nil {
		_ = vsockexec.EncodeResponse(conn, vsockexec.ExecResponse{ExitCode: 1, Error: err.Error()})
		return
	}
	if len(req.EntropySeed) > 0 {
		_ = injectEntropy(req.EntropySeed)
	}

	sender := newFrameSender(conn)
	res := runRequest(req, sender)
	if err := sender.Send(vsockexec.ExecStreamFrame{
		Type:     "exit",
		ExitCode: res.ExitCode,
		Error:    res.Error,
		TimedOut: res.TimedOut,
	}); err != nil {
		_ = vsockexec.EncodeResponse(conn, res)
	}
}

// runRequest runs the command in its own process group so a timeout kills
// everything it spawned.
func runRequest(req vsockexec.ExecRequest, sender *frameSender) vsockexec.ExecResponse {
	cmd := exec.Command(req.Command[0], req.Command[1:]...)
	if req.Dir != "" {
		cmd.Dir = req.Dir
	}
	cmd.Env = buildCommandEnv(req.Env)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if len(req.Stdin) > 0 {
		cmd.Stdin = bytes.NewReader(req.Stdin)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return vsockexec.ExecResponse{ExitCode: 1, Error: err.Error()}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return vsockexec.ExecResponse{ExitCode: 1, Error: err.Error()}
	}
	if err := cmd.Start(); err != nil {
		return vsockexec.ExecResponse{ExitCode: 1, Error: err.Error()}
	}

	var timedOut atomic.Bool
	if req.TimeoutSeconds > 0 {
		pid := cmd.Process.Pid
		timer := time.AfterFunc(time.Duration(req.TimeoutSeconds)*time.Second, func() {
			timedOut.Store(true)
			_ = unix.Kill(-pid, unix.SIGKILL)
		})
		defer timer.Stop()
	}

	var stdoutBuf, stderrBuf bytes.Buffer
	copyErrCh := make(chan error, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := io.Copy(io.MultiWriter(&stdoutBuf, streamFrameWriter{send: sender.Send, kind: "stdout"}), stdout)
		copyErrCh <- err
	}()
	go func() {
		defer wg.Done()
		_, err := io.Copy(io.MultiWriter(&stderrBuf, streamFrameWriter{send: sender.Send, kind: "stderr"}), stderr)
		copyErrCh <- err
	}()

	// Pipes must drain before Wait closes them.
	wg.Wait()
	close(copyErrCh)

	waitErr := cmd.Wait()
	for copyErr := range copyErrCh {
		if copyErr != nil && waitErr == nil {
			waitErr = copyErr
		}
	}

	res := vsockexec.ExecResponse{
		Stdout:   stdoutBuf.String(),
		Stderr:   stderrBuf.String(),
		TimedOut: timedOut.Load(),
	}
	if waitErr == nil {
		res.ExitCode = 0
	} else if exitErr, ok := waitErr.(*exec.ExitError); ok {
		res.ExitCode = exitErr.ExitCode()
	} else {
		res.ExitCode = 1
		res.Error = waitErr.Error()
	}
	return res
}

type frameSender struct {
	w  io.Writer
	mu sync.Mutex
}

func newFrameSender(w io.Writer) *frameSender {
	return &frameSender{w: w}
}

func (s *frameSender) Send(frame vsockexec.ExecStreamFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return vsockexec.EncodeStreamFrame(s.w, frame)
}

type streamFrameWriter struct {
	send func(vsockexec.ExecStreamFrame) error
	kind string
}

func (w streamFrameWriter) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if w.send == nil {
		return len(p), nil
	}
	if err := w.send(vsockexec.ExecStreamFrame{Type: w.kind, Data: append([]byte(nil), p...)}); err != nil {
		return 0, err
	}
	return len(p), nil
}

// buildCommandEnv layers the request env over the agent's own, filling in
// HOME and PATH when neither provides them. Output is sorted by key.
func buildCommandEnv(requestEnv []string) []string {
	base := map[string]string{}
	for _, entry := range os.Environ() {
		key, value, _ := strings.Cut(entry, "=")
		base[key] = value
	}
	for _, entry := range requestEnv {
		key, value, _ := strings.Cut(entry, "=")
		if key == "" {
			continue
		}
		base[key] = value
	}

	if strings.TrimSpace(base["HOME"]) == "" {
		base["HOME"] = "/root"
	}
	if strings.TrimSpace(base["PATH"]) == "" {
		base["PATH"] = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin:/root/.local/bin"
	}

	keys := make([]string, 0, len(base))
	for key := range base {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, key := range keys {
		out = append(out, key+"="+base[key])
	}
	return out
}
