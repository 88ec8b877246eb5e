package daemon

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/gofrs/flock"
)

// ErrLockedElsewhere is returned when another daemon holds the lock file.
var ErrLockedElsewhere = errors.New("lock file already held by another daemon")

// daemonizedEnv marks the re-executed child so it does not fork again.
const daemonizedEnv = "SUPERVISR_DAEMONIZED"

// acquireLock takes an exclusive flock on path.
func acquireLock(path string) (*flock.Flock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("lock dir: %w", err)
	}
	l := flock.New(path)
	locked, err := l.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s", ErrLockedElsewhere, path)
	}
	return l, nil
}

// writePidFile writes pid to pidFile.
func writePidFile(pidFile string, pid int) error {
	// #nosec G302
	f, err := os.OpenFile(pidFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	_, err = f.WriteString(strconv.Itoa(pid))
	return err
}

// ReadPidFile returns the pid stored in pidFile.
func ReadPidFile(pidFile string) (int, error) {
	b, err := os.ReadFile(pidFile)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(b)))
}

func removePidFile(pidFile string) error {
	if pidFile == "" {
		return nil
	}
	err := os.Remove(pidFile)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// IsDaemonized reports whether this process is the background child
// started by Daemonize.
func IsDaemonized() bool { return os.Getenv(daemonizedEnv) == "1" }

// Daemonize re-executes the current binary in a new session with args,
// detached from the terminal, and returns the child's pid. Output goes to
// logFile, or nowhere when it is empty.
func Daemonize(args []string, logFile string) (int, error) {
	executable, err := os.Executable()
	if err != nil {
		return 0, fmt.Errorf("failed to get executable path: %w", err)
	}
	var childArgs []string
	for _, a := range args {
		if a == "--daemonize" || strings.HasPrefix(a, "--daemonize=") {
			continue
		}
		childArgs = append(childArgs, a)
	}
	// #nosec G204
	cmd := exec.Command(executable, childArgs...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	cmd.Env = append(os.Environ(), daemonizedEnv+"=1")
	if logFile != "" {
		// #nosec G304
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return 0, fmt.Errorf("failed to open log file: %w", err)
		}
		defer func() { _ = f.Close() }()
		cmd.Stdout = f
		cmd.Stderr = f
	}
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("failed to start daemon process: %w", err)
	}
	pid := cmd.Process.Pid
	_ = cmd.Process.Release()
	return pid, nil
}
