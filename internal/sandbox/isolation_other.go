//go:build !linux

package sandbox

import "syscall"

// sysProcAttrFor on non-Linux platforms can only offer process-group
// isolation: namespace cloning is a Linux-only kernel facility. Standard
// and Paranoid tiers fall back to the bare-process backend's weaker
// guarantees here, same as the teacher's demo-mode fallback when runsc is
// unavailable.
func sysProcAttrFor(tier Tier, allowNetwork bool) *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}
