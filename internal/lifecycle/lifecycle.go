// Package lifecycle manages the artifacts that let other processes find and
// probe a running hub: the socket and the PID file beside it.
package lifecycle

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/life-stream-dev/life-stream-go-session-hub/internal/logger"
)

var ErrNotRunning = errors.New("hub is not running")

// PIDPath returns the PID file for socket: hub.sock -> hub.pid.
func PIDPath(socket string) string {
	return strings.TrimSuffix(socket, filepath.Ext(socket)) + ".pid"
}

func WritePID(socket string) error {
	return os.WriteFile(PIDPath(socket), []byte(strconv.Itoa(os.Getpid())+"\n"), 0644)
}

// ReadPID returns the pid recorded beside socket.
func ReadPID(socket string) (int, error) {
	data, err := os.ReadFile(PIDPath(socket))
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid pid file %s", PIDPath(socket))
	}
	return pid, nil
}

// RemoveArtifacts deletes the socket and PID file, ignoring missing files.
func RemoveArtifacts(socket string) {
	for _, path := range []string{socket, PIDPath(socket)} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			logger.WarnF("Fail to remove %s, details: %v", path, err)
		}
	}
}

// Alive probes pid with signal 0. EPERM means the process exists but
// belongs to someone else.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

type Report struct {
	Running bool   `json:"running"`
	PID     int    `json:"pid,omitempty"`
	Socket  string `json:"socket"`
	Reason  string `json:"reason,omitempty"`
}

// Status reports the hub as running only when the socket exists and the PID
// file names a live process.
func Status(socket string) Report {
	report := Report{Socket: socket}
	if _, err := os.Stat(socket); err != nil {
		report.Reason = "socket not found"
		return report
	}
	pid, err := ReadPID(socket)
	if err != nil {
		report.Reason = "pid file missing or unreadable"
		return report
	}
	report.PID = pid
	if !Alive(pid) {
		report.Reason = "process not alive (stale pid file)"
		return report
	}
	report.Running = true
	return report
}

type StopReport struct {
	Stopped bool   `json:"stopped"`
	PID     int    `json:"pid"`
	Socket  string `json:"socket"`
}

// Stop asks the hub owning socket to exit with SIGTERM.
func Stop(socket string) (StopReport, error) {
	report := StopReport{Socket: socket}
	pid, err := ReadPID(socket)
	if err != nil {
		return report, fmt.Errorf("%w: %w", ErrNotRunning, err)
	}
	report.PID = pid
	if !Alive(pid) {
		return report, fmt.Errorf("%w: process %d not alive", ErrNotRunning, pid)
	}
	if err := unix.Kill(pid, unix.SIGTERM); err != nil {
		return report, fmt.Errorf("sending SIGTERM to %d: %w", pid, err)
	}
	report.Stopped = true
	return report, nil
}
