//go:build linux

// Command roma-worker-init is the process image the Worker Pool execs into
// right after clone. It runs the §4.2 startup sequence — connect to the
// rendezvous socket, pivot into a minimal filesystem view, drop
// capabilities — then execs the UDF binary with the rendezvous
// connection's file descriptor as its sole argument.
package main

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/exec"

	"golang.org/x/sys/unix"

	"roma/internal/workerruntime"
)

func main() {
	if err := run(); err != nil {
		reportFailure(err)
		os.Exit(1)
	}
}

func run() error {
	var req workerruntime.InitRequest
	if err := json.NewDecoder(os.Stdin).Decode(&req); err != nil {
		return fmt.Errorf("decode init request: %w", err)
	}
	if err := validate(req); err != nil {
		return err
	}

	// Step 1: dial the rendezvous socket, send the code token.
	conn, err := net.Dial("unix", req.RendezvousPath)
	if err != nil {
		return fmt.Errorf("dial rendezvous socket: %w", err)
	}
	if _, err := conn.Write([]byte(req.CodeToken)); err != nil {
		return fmt.Errorf("send hello: %w", err)
	}

	unixConn, ok := conn.(*net.UnixConn)
	if !ok {
		return fmt.Errorf("rendezvous connection is not a unix socket")
	}
	connFile, err := unixConn.File()
	if err != nil {
		return fmt.Errorf("obtain rendezvous fd: %w", err)
	}
	// File() dup'd the fd with close-on-exec set; clear it so the fd
	// survives the exec below, then drop the original conn.
	if _, err := unix.FcntlInt(connFile.Fd(), unix.F_SETFD, 0); err != nil {
		return fmt.Errorf("clear close-on-exec on rendezvous fd: %w", err)
	}
	_ = conn.Close()

	// Steps 2-6: mount private, per-mount binds, self-bind for pivot,
	// pivot_root, detach old root + remount ro + bind the binary dir ro.
	if err := workerruntime.MakeRootPrivate(); err != nil {
		return err
	}
	if err := workerruntime.ApplyBindMounts(req.ScratchDir, req.Mounts); err != nil {
		return err
	}
	if err := workerruntime.SelfBindForPivot(req.ScratchDir); err != nil {
		return err
	}
	if err := workerruntime.PivotRoot(req.ScratchDir); err != nil {
		return err
	}
	if err := workerruntime.DetachOldRoot(); err != nil {
		return err
	}

	// Past this point req.ScratchDir no longer resolves to anything — pivot_root
	// made it the new "/" — so every remaining step works against paths
	// relative to the new root instead of the pre-pivot scratch-dir paths.
	binaryPath := workerruntime.BinaryPathInNewRoot(req.ScratchDir, req.BinaryPath)
	if err := workerruntime.RemountReadOnly(req.Mounts); err != nil {
		return err
	}
	if err := workerruntime.BindMountBinaryDir(binaryPath); err != nil {
		return err
	}

	// Step 7: drop ambient capabilities, optional seccomp filter, exec.
	if err := workerruntime.DropAmbientCapabilities(); err != nil {
		return err
	}
	if err := workerruntime.ApplySeccompProfile(req.SeccompProfilePath); err != nil {
		return err
	}

	resolvedBinaryPath, err := exec.LookPath(binaryPath)
	if err != nil {
		return fmt.Errorf("resolve udf binary: %w", err)
	}
	argv := []string{resolvedBinaryPath, fmt.Sprintf("%d", connFile.Fd())}
	env := []string{"PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"}
	return unix.Exec(resolvedBinaryPath, argv, env)
}

// helloTokenLen mirrors protocol.HelloTokenLen without importing the
// protocol package into this minimal process image.
const helloTokenLen = 36

func validate(req workerruntime.InitRequest) error {
	if len(req.CodeToken) != helloTokenLen {
		return fmt.Errorf("code token must be %d bytes", helloTokenLen)
	}
	if req.RendezvousPath == "" {
		return fmt.Errorf("rendezvous path is required")
	}
	if req.ScratchDir == "" {
		return fmt.Errorf("scratch dir is required")
	}
	if req.BinaryPath == "" {
		return fmt.Errorf("binary path is required")
	}
	return nil
}

func reportFailure(err error) {
	enc := json.NewEncoder(os.Stderr)
	_ = enc.Encode(workerruntime.Result{Step: "startup", Error: err.Error()})
}
