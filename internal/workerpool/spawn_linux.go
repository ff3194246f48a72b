//go:build linux

package workerpool

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"roma/internal/codeentry"
	"roma/internal/transport"
	"roma/internal/workerruntime"
	romaerrors "roma/pkg/errors"
)

// spawnOne runs one LoadBinary/respawn attempt: listens on a fresh
// rendezvous socket, execs the worker-init binary with namespace-clone
// flags, waits for the child's Hello, and registers the resulting Worker
// as Idle.
func (p *Pool) spawnOne(ctx context.Context, entry codeentry.Entry) (*Worker, error) {
	scratchDir, err := p.scratchDirFor(entry.Token)
	if err != nil {
		return nil, err
	}

	binaryPath, err := writeBinary(scratchDir, entry.Binary)
	if err != nil {
		return nil, err
	}

	rendezvousPath := filepath.Join(p.cfg.RendezvousDir, fmt.Sprintf("%s-%d.sock", entry.Token, time.Now().UnixNano()))
	if err := os.MkdirAll(p.cfg.RendezvousDir, 0700); err != nil {
		return nil, fmt.Errorf("mkdir rendezvous dir: %w", err)
	}
	listener, err := net.Listen("unix", rendezvousPath)
	if err != nil {
		return nil, fmt.Errorf("listen on rendezvous socket: %w", err)
	}
	defer os.Remove(rendezvousPath)

	initReq := workerruntime.InitRequest{
		CodeToken:          string(entry.Token),
		RendezvousPath:     rendezvousPath,
		ScratchDir:         scratchDir,
		Mounts:             p.cfg.Mounts,
		BinaryPath:         binaryPath,
		SeccompProfilePath: p.cfg.SeccompProfilePath,
	}

	stdin, err := initRequestPipe(initReq)
	if err != nil {
		listener.Close()
		return nil, err
	}

	cmd := exec.Command(p.cfg.WorkerInitPath)
	cmd.SysProcAttr = buildSysProcAttr()
	cmd.Stdin = stdin
	var stderr stderrBuffer
	cmd.Stderr = &stderr

	// unix.Exec in roma-worker-init replaces this process image with the
	// UDF binary but keeps its fds, so cmd.Stdout set here becomes the
	// UDF's own stdout once it execs in. Only bother capturing it when the
	// entry asked for log egress; otherwise let it go to the usual
	// /dev/null os/exec gives an unset Writer.
	var logBuf *logBuffer
	if entry.LogEgress {
		logBuf = newLogBuffer()
		cmd.Stdout = logBuf
	}

	if err := cmd.Start(); err != nil {
		listener.Close()
		return nil, fmt.Errorf("start worker-init: %w", err)
	}

	cgroupPath, err := p.applyCgroup(cmd)
	if err != nil {
		_ = cmd.Process.Kill()
		listener.Close()
		return nil, fmt.Errorf("apply cgroup limits: %w", err)
	}

	w := &Worker{
		PID:        cmd.Process.Pid,
		Token:      entry.Token,
		ScratchDir: scratchDir,
		CgroupPath: cgroupPath,
		State:      Spawning,
		cmd:        cmd,
		rendezvous: rendezvousPath,
		exitOnce:   make(chan struct{}),
		logBuf:     logBuf,
	}
	p.registerSpawning(entry.Token, w)

	conn, err := acceptWithTimeout(ctx, listener, p.cfg.AcceptTimeout)
	listener.Close()
	if err != nil {
		_ = cmd.Process.Kill()
		p.watchExit(w)
		return nil, romaerrors.Wrap(err, romaerrors.WorkerUnavailable).WithMessage("worker did not connect: " + stderr.String())
	}

	token, err := transport.ReadHello(conn)
	if err != nil || token != string(entry.Token) {
		_ = conn.Close()
		_ = cmd.Process.Kill()
		p.watchExit(w)
		return nil, romaerrors.New(romaerrors.WorkerUnavailable).WithMessage("hello token mismatch")
	}
	w.Conn = transport.NewControlConn(conn)

	p.watchExit(w)
	p.markIdle(w)
	return w, nil
}

// applyCgroup creates a per-worker cgroup and moves the just-started
// process into it, when the pool is configured with a CgroupRoot. Returns
// an empty path, no error, when cgroup limiting is disabled.
func (p *Pool) applyCgroup(cmd *exec.Cmd) (string, error) {
	if p.cfg.CgroupRoot == "" {
		return "", nil
	}
	path, _, err := workerruntime.CreateCgroup(p.cfg.CgroupRoot, fmt.Sprintf("worker-%d", cmd.Process.Pid))
	if err != nil {
		return "", err
	}
	limits := workerruntime.CgroupLimits{MemoryMB: p.cfg.CgroupMemoryMB, PIDs: p.cfg.CgroupPIDsLimit}
	if err := workerruntime.ApplyCgroupLimits(path, limits); err != nil {
		_ = os.RemoveAll(path)
		return "", err
	}
	if err := workerruntime.AddProcessToCgroup(path, cmd.Process.Pid); err != nil {
		_ = os.RemoveAll(path)
		return "", err
	}
	return path, nil
}

// watchExit starts the one goroutine that reaps this worker's process and
// reports its exit to the pool's reaper loop.
func (p *Pool) watchExit(w *Worker) {
	go func() {
		err := w.cmd.Wait()
		select {
		case p.reapEvents <- reapEvent{pid: w.PID, err: err}:
		case <-p.stopReap:
		}
	}()
}

func buildSysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
		Cloneflags: syscall.CLONE_NEWNS | syscall.CLONE_NEWPID | syscall.CLONE_NEWUTS |
			syscall.CLONE_NEWIPC | syscall.CLONE_NEWUSER,
		GidMappingsEnableSetgroups: false,
		UidMappings: []syscall.SysProcIDMap{{
			ContainerID: 0,
			HostID:      os.Getuid(),
			Size:        1,
		}},
		GidMappings: []syscall.SysProcIDMap{{
			ContainerID: 0,
			HostID:      os.Getgid(),
			Size:        1,
		}},
	}
}

func acceptWithTimeout(ctx context.Context, listener net.Listener, timeout time.Duration) (net.Conn, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := listener.Accept()
		ch <- result{conn, err}
	}()

	select {
	case r := <-ch:
		return r.conn, r.err
	case <-time.After(timeout):
		return nil, fmt.Errorf("timed out waiting for worker to connect")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func writeBinary(scratchDir string, binary []byte) (string, error) {
	binDir := filepath.Join(scratchDir, "bin")
	if err := os.MkdirAll(binDir, 0755); err != nil {
		return "", fmt.Errorf("mkdir bin dir: %w", err)
	}
	path := filepath.Join(binDir, "udf")
	if err := os.WriteFile(path, binary, 0755); err != nil {
		return "", fmt.Errorf("write udf binary: %w", err)
	}
	return path, nil
}

func initRequestPipe(req workerruntime.InitRequest) (io.ReadCloser, error) {
	reader, writer := io.Pipe()
	go func() {
		err := json.NewEncoder(writer).Encode(req)
		_ = writer.CloseWithError(err)
	}()
	return reader, nil
}

type stderrBuffer struct {
	data []byte
}

func (b *stderrBuffer) Write(p []byte) (int, error) {
	b.data = append(b.data, p...)
	return len(p), nil
}

func (b *stderrBuffer) String() string {
	return string(b.data)
}
