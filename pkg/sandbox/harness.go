// Package sandbox runs an evaluator script under resource limits (RSS
// cap, CPU time cap, wall-clock timeout). Go has no preexec_fn, so
// limits are applied by a self-reexec child (see reexec.go) rather than
// by the parent process.
package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

const (
	ExitTimeout = 124
	ExitOOM     = 137

	memoryPollInterval = 100 * time.Millisecond
	killGracePeriod    = 2 * time.Second
)

// Result is the outcome of one sandboxed evaluation run.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Harness runs a command under memory, CPU, and wall-clock limits by
// re-invoking the current binary as a reexec child (see reexec.go).
type Harness struct {
	// MemoryMB caps resident set size across the command's whole
	// process group. 0 disables the check.
	MemoryMB int
	// CPUSeconds caps RLIMIT_CPU on the immediate child. 0 disables it.
	CPUSeconds int
	// Timeout is the wall-clock budget for the whole run. 0 disables it.
	Timeout time.Duration
}

// Run executes command in workingDir under the harness's limits
// (memory, CPU time, and wall-clock timeout), killing the whole
// process group if any limit is exceeded.
func (h *Harness) Run(ctx context.Context, command []string, workingDir string) (Result, error) {
	if len(command) == 0 {
		return Result{}, fmt.Errorf("sandbox: empty command")
	}

	self, err := os.Executable()
	if err != nil {
		return Result{}, fmt.Errorf("sandbox: resolve self: %w", err)
	}

	argv := append([]string{reexecSentinel, strconv.Itoa(h.MemoryMB), strconv.Itoa(h.CPUSeconds)}, command...)
	cmd := exec.Command(self, argv...)
	cmd.Dir = workingDir
	cmd.Env = os.Environ()
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		if os.IsNotExist(err) {
			return Result{ExitCode: 127, Stderr: fmt.Sprintf("command not found: %s", command[0])}, nil
		}
		return Result{}, fmt.Errorf("sandbox: start: %w", err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	memoryKill := make(chan string, 1)
	stopMonitor := make(chan struct{})
	if h.MemoryMB > 0 {
		go h.monitorMemory(cmd.Process.Pid, memoryKill, stopMonitor)
	}

	timeoutC := make(<-chan time.Time)
	var timer *time.Timer
	if h.Timeout > 0 {
		timer = time.NewTimer(h.Timeout)
		timeoutC = timer.C
	}

	select {
	case err := <-done:
		close(stopMonitor)
		if timer != nil {
			timer.Stop()
		}
		select {
		case reason := <-memoryKill:
			return Result{ExitCode: ExitOOM, Stderr: reason}, nil
		default:
		}
		return Result{ExitCode: exitCodeOf(err), Stdout: stdout.String(), Stderr: stderr.String()}, nil

	case reason := <-memoryKill:
		h.killGroup(cmd.Process.Pid)
		<-done
		close(stopMonitor)
		if timer != nil {
			timer.Stop()
		}
		return Result{ExitCode: ExitOOM, Stderr: reason}, nil

	case <-timeoutC:
		close(stopMonitor)
		h.killGroup(cmd.Process.Pid)
		<-done
		return Result{ExitCode: ExitTimeout, Stderr: fmt.Sprintf("timeout after %s", h.Timeout)}, nil

	case <-ctx.Done():
		close(stopMonitor)
		if timer != nil {
			timer.Stop()
		}
		h.killGroup(cmd.Process.Pid)
		<-done
		return Result{}, ctx.Err()
	}
}

func exitCodeOf(err error) int {
	if err == nil {
		return 0
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode()
	}
	return 1
}

// killGroup escalates SIGTERM then, after killGracePeriod, SIGKILL to
// the whole process group rooted at pid.
func (h *Harness) killGroup(pid int) {
	pgid, err := syscall.Getpgid(pid)
	if err != nil {
		return
	}
	_ = syscall.Kill(-pgid, syscall.SIGTERM)
	time.Sleep(killGracePeriod)
	_ = syscall.Kill(-pgid, syscall.SIGKILL)
}

// monitorMemory polls the total RSS of pid's process tree every
// memoryPollInterval and sends a kill reason once it exceeds MemoryMB,
// using gopsutil's process-tree walk rather than shelling out to ps.
func (h *Harness) monitorMemory(pid int, result chan<- string, stop <-chan struct{}) {
	ticker := time.NewTicker(memoryPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			rssMB := processTreeRSSMB(pid)
			if rssMB > float64(h.MemoryMB) {
				select {
				case result <- fmt.Sprintf("Memory limit exceeded: %.1fMB > %dMB", rssMB, h.MemoryMB):
				default:
				}
				return
			}
		}
	}
}

func processTreeRSSMB(pid int) float64 {
	root, err := process.NewProcess(int32(pid))
	if err != nil {
		return 0
	}
	return sumRSS(root, map[int32]bool{}) / (1024.0 * 1024.0)
}

func sumRSS(p *process.Process, seen map[int32]bool) float64 {
	if seen[p.Pid] {
		return 0
	}
	seen[p.Pid] = true

	var total float64
	if mem, err := p.MemoryInfo(); err == nil && mem != nil {
		total += float64(mem.RSS)
	}
	children, err := p.Children()
	if err != nil {
		return total
	}
	for _, child := range children {
		total += sumRSS(child, seen)
	}
	return total
}
