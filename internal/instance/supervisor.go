package instance

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"edgecli/internal/logging"
	"edgecli/internal/store"
)

// ProcessSupervisor runs servers as detached child processes and tracks
// them through pid files in RuntimeDir.
type ProcessSupervisor struct {
	RuntimeDir   string
	StopTimeout  time.Duration
	StartTimeout time.Duration
	HTTP         *http.Client
}

func NewProcessSupervisor(runtimeDir string, stopTimeout time.Duration) *ProcessSupervisor {
	return &ProcessSupervisor{
		RuntimeDir:   runtimeDir,
		StopTimeout:  stopTimeout,
		StartTimeout: 60 * time.Second,
		HTTP:         &http.Client{Timeout: 2 * time.Second},
	}
}

func (s *ProcessSupervisor) pidFile(rec *store.InstanceRecord) string {
	return filepath.Join(s.RuntimeDir, rec.Name+".pid")
}

func (s *ProcessSupervisor) logFile(rec *store.InstanceRecord) string {
	return filepath.Join(s.RuntimeDir, rec.Name+".log")
}

func (s *ProcessSupervisor) RuntimeFiles(rec *store.InstanceRecord) []string {
	return []string{s.pidFile(rec), s.logFile(rec)}
}

// Bootstrap runs the server once with --bootstrap-only to initialize the
// data directory.
func (s *ProcessSupervisor) Bootstrap(ctx context.Context, rec *store.InstanceRecord, binary, script string) error {
	cmd := exec.CommandContext(ctx, binary,
		"--data-dir", rec.DataDir,
		"--bootstrap-only",
		"--bootstrap-command", script,
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %s", err, strings.TrimSpace(lastLines(string(out), 5)))
	}
	return nil
}

// Start launches binary in its own session and waits for the alive probe.
func (s *ProcessSupervisor) Start(ctx context.Context, rec *store.InstanceRecord, binary string) error {
	if running, _ := s.Running(rec); running {
		return nil
	}
	if err := os.MkdirAll(s.RuntimeDir, 0o700); err != nil {
		return err
	}
	logf, err := os.OpenFile(s.logFile(rec), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return err
	}
	defer logf.Close()

	cmd := exec.Command(binary,
		"--data-dir", rec.DataDir,
		"--port", strconv.Itoa(rec.Port),
		"--bind-address", "127.0.0.1",
	)
	cmd.Stdout = logf
	cmd.Stderr = logf
	cmd.SysProcAttr = detachedAttr()
	if err := cmd.Start(); err != nil {
		return err
	}
	pid := cmd.Process.Pid
	// reap the child if it exits while we are still around
	go cmd.Wait()

	if err := os.WriteFile(s.pidFile(rec), []byte(strconv.Itoa(pid)), 0o600); err != nil {
		terminate(pid, true)
		return err
	}
	logging.Instance("started %s pid=%d port=%d", rec.Name, pid, rec.Port)

	wctx, cancel := context.WithTimeout(ctx, s.StartTimeout)
	defer cancel()
	if err := s.waitAlive(wctx, rec.Port, pid); err != nil {
		terminate(pid, true)
		os.Remove(s.pidFile(rec))
		return fmt.Errorf("server did not come up (see %s): %w", s.logFile(rec), err)
	}
	return nil
}

// Stop sends SIGTERM and escalates to SIGKILL after StopTimeout.
func (s *ProcessSupervisor) Stop(ctx context.Context, rec *store.InstanceRecord) error {
	pid, err := s.readPid(rec)
	if err != nil {
		return nil
	}
	defer os.Remove(s.pidFile(rec))
	if !processAlive(pid) {
		return nil
	}
	if err := terminate(pid, false); err != nil {
		return err
	}
	deadline := time.Now().Add(s.StopTimeout)
	for time.Now().Before(deadline) {
		if !processAlive(pid) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
	logging.InstanceWarn("%s did not stop within %s, killing pid %d", rec.Name, s.StopTimeout, pid)
	return terminate(pid, true)
}

func (s *ProcessSupervisor) Running(rec *store.InstanceRecord) (bool, int) {
	pid, err := s.readPid(rec)
	if err != nil {
		return false, 0
	}
	return processAlive(pid), pid
}

func (s *ProcessSupervisor) readPid(rec *store.InstanceRecord) (int, error) {
	data, err := os.ReadFile(s.pidFile(rec))
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("corrupt pid file %s", s.pidFile(rec))
	}
	return pid, nil
}

// Probe checks the alive endpoint of a server on port.
func (s *ProcessSupervisor) Probe(ctx context.Context, port int) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("http://127.0.0.1:%d/server/status/alive", port), nil)
	if err != nil {
		return err
	}
	resp, err := s.HTTP.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("alive probe: %s", resp.Status)
	}
	return nil
}

var errExited = errors.New("server process exited")

func (s *ProcessSupervisor) waitAlive(ctx context.Context, port, pid int) error {
	for {
		if !processAlive(pid) {
			return errExited
		}
		if err := s.Probe(ctx, port); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
