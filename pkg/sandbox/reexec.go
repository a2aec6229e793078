package sandbox

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"syscall"

	"golang.org/x/sys/unix"
)

// reexecSentinel is the hidden argv[0]-adjacent marker Harness.Run passes
// to a re-invocation of the current binary so it can apply rlimits in
// the child before exec-ing the real target. Go's os/exec has no
// fork-time callback hook, so instead of setting limits in the parent -
// which would limit the worker itself - the parent re-execs itself with
// this marker, the child applies the limits to ITSELF, then
// syscall.Exec replaces its own image with the real command.
const reexecSentinel = "__claude_evolve_sandbox_reexec__"

// MaybeRunReexecChild must be called at the very top of every cmd/
// entrypoint's main(), before flag parsing. If this process was spawned
// by Harness.Run as a reexec child, it starts a new session (unless it
// already leads its own process group, as Harness.Run arranges), applies
// the requested rlimits, and execs the real target - and never returns.
// Otherwise it returns immediately and the caller proceeds normally.
func MaybeRunReexecChild() {
	if len(os.Args) < 4 || os.Args[1] != reexecSentinel {
		return
	}

	memoryMB, err := strconv.Atoi(os.Args[2])
	if err != nil {
		fmt.Fprintf(os.Stderr, "[SANDBOX] bad memory-mb arg: %v\n", err)
		os.Exit(1)
	}
	cpuSeconds, err := strconv.Atoi(os.Args[3])
	if err != nil {
		fmt.Fprintf(os.Stderr, "[SANDBOX] bad cpu-seconds arg: %v\n", err)
		os.Exit(1)
	}
	target := os.Args[4:]
	if len(target) == 0 {
		fmt.Fprintln(os.Stderr, "[SANDBOX] reexec child invoked with no target command")
		os.Exit(1)
	}

	if unix.Getpgrp() != os.Getpid() {
		if err := unix.Setsid(); err != nil {
			fmt.Fprintf(os.Stderr, "[SANDBOX] Warning: could not create new session: %v\n", err)
		}
	}

	applyResourceLimits(memoryMB, cpuSeconds)

	binary, err := exec.LookPath(target[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "[SANDBOX] command not found: %s\n", target[0])
		os.Exit(127)
	}

	env := os.Environ()
	if err := syscall.Exec(binary, target, env); err != nil {
		fmt.Fprintf(os.Stderr, "[SANDBOX] exec failed: %v\n", err)
		os.Exit(1)
	}
	// syscall.Exec only returns on error.
}

// applyResourceLimits sets RLIMIT_AS and RLIMIT_CPU on the current
// process. A zero limit means "unlimited" and is skipped. Failures are
// logged and swallowed, not fatal - evaluators still run, just without
// the limit.
func applyResourceLimits(memoryMB, cpuSeconds int) {
	if memoryMB > 0 {
		limitBytes := uint64(memoryMB) * 1024 * 1024
		rlimit := unix.Rlimit{Cur: limitBytes, Max: limitBytes}
		if err := unix.Setrlimit(unix.RLIMIT_AS, &rlimit); err != nil {
			fmt.Fprintf(os.Stderr, "[SANDBOX] Warning: could not set memory limit: %v\n", err)
		}
	}
	if cpuSeconds > 0 {
		limit := uint64(cpuSeconds)
		rlimit := unix.Rlimit{Cur: limit, Max: limit}
		if err := unix.Setrlimit(unix.RLIMIT_CPU, &rlimit); err != nil {
			fmt.Fprintf(os.Stderr, "[SANDBOX] Warning: could not set CPU limit: %v\n", err)
		}
	}
}
