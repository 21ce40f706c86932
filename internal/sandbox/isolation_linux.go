//go:build linux

package sandbox

import (
	"syscall"
)

// sysProcAttrFor builds the namespace/process-group SysProcAttr for the
// bare-process backend: above Minimal, separate process, IPC, UTS and
// mount namespaces, a user namespace at Paranoid only, and a network
// namespace when networking is not allowed. Setpgid puts the child in its
// own process group so Kill can signal the whole group at once (spec §4.1
// step 6 / §5).
func sysProcAttrFor(tier Tier, allowNetwork bool) *syscall.SysProcAttr {
	attr := &syscall.SysProcAttr{
		Setpgid: true,
	}

	if tier == TierMinimal {
		return attr
	}

	var flags uintptr = syscall.CLONE_NEWPID | syscall.CLONE_NEWIPC | syscall.CLONE_NEWUTS | syscall.CLONE_NEWNS
	if tier == TierParanoid {
		flags |= syscall.CLONE_NEWUSER
	}
	if !allowNetwork {
		flags |= syscall.CLONE_NEWNET
	}
	attr.Cloneflags = flags
	return attr
}
