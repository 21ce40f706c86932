package sandbox

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/sandrun/compute/internal/model"
)

// applyRlimits enforces the per-job resource caps on pid via prlimit(2)
// (spec §4.1 step 4: "In the child, apply per-fd limits"). It runs
// immediately after Cmd.Start returns, before the child has had a
// chance to do meaningful work, for the bare-process backend; the
// container backend instead gets memory, CPU and process-count caps from
// cgroup Resources at container-create time (container.go), and no
// file-size or open-file cap.
func applyRlimits(pid int, limits model.ResourceLimits) error {
	if err := setRlimit(pid, unix.RLIMIT_AS, uint64(limits.MaxMemoryMB)*1024*1024); err != nil {
		return fmt.Errorf("RLIMIT_AS: %w", err)
	}
	if err := setRlimit(pid, unix.RLIMIT_CPU, uint64(limits.MaxCPUSeconds)); err != nil {
		return fmt.Errorf("RLIMIT_CPU: %w", err)
	}
	if err := setRlimit(pid, unix.RLIMIT_NPROC, uint64(limits.MaxProcesses)); err != nil {
		return fmt.Errorf("RLIMIT_NPROC: %w", err)
	}
	if err := setRlimit(pid, unix.RLIMIT_NOFILE, uint64(limits.MaxOpenFiles)); err != nil {
		return fmt.Errorf("RLIMIT_NOFILE: %w", err)
	}
	if err := setRlimit(pid, unix.RLIMIT_FSIZE, uint64(limits.MaxOutputMB)*1024*1024); err != nil {
		return fmt.Errorf("RLIMIT_FSIZE: %w", err)
	}
	return nil
}

func setRlimit(pid int, resource int, value uint64) error {
	lim := unix.Rlimit{Cur: value, Max: value}
	return unix.Prlimit(pid, resource, &lim, nil)
}
