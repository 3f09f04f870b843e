//go:build linux

// Command subagent-guest-agent runs inside a Firecracker sandbox and executes
// commands sent by the host over vsock.
package main

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"unsafe"

	"github.com/buildkite/subagent/internal/vsockexec"
	"github.com/mdlayher/vsock"
	"golang.org/x/sys/unix"
)

func main() {
	port := vsockexec.DefaultPort
	if raw := os.Getenv("SUBAGENT_VSOCK_PORT"); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid SUBAGENT_VSOCK_PORT %q: %v\n", raw, err)
			os.Exit(2)
		}
		port = uint32(parsed)
	}

	ln, err := vsock.Listen(port, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "listen vsock: %v\n", err)
		os.Exit(1)
	}
	defer ln.Close()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			fmt.Fprintf(os.Stderr, "accept: %v\n", err)
			continue
		}
		// Probes and abort signals arrive while an agent command is running.
		go handleConn(conn)
	}
}

func injectEntropy(seed []byte) error {
	if len(seed) == 0 {
		return nil
	}

	_ = os.WriteFile("/dev/urandom", seed, 0o000)

	f, err := os.OpenFile("/dev/random", os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	defer f.Close()

	// struct rand_pool_info { int entropy_count; int buf_size; __u32 buf[0]; };
	payload := make([]byte, 8+len(seed))
	binary.LittleEndian.PutUint32(payload[0:4], uint32(len(seed)*8))
	binary.LittleEndian.PutUint32(payload[4:8], uint32(len(seed)))
	copy(payload[8:], seed)

	_, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), uintptr(unix.RNDADDENTROPY), uintptr(unsafe.Pointer(&payload[0])))
	if errno != 0 {
		return errno
	}
	return nil
}
