package sandbox

// Tier is the isolation strength applied to a job's child process
// (spec §4.1, "Isolation policy, by security tier").
type Tier string

const (
	// TierMinimal is a child process with resource caps only.
	TierMinimal Tier = "minimal"
	// TierStandard adds separate process/IPC/UTS/mount namespaces and a
	// blocked network namespace when networking is disallowed. Its
	// syscall allowlist is advisory: no filter is loaded that blocks
	// syscalls (see syscalltap.go).
	TierStandard Tier = "standard"
	// TierParanoid is Standard plus a dedicated user namespace; it uses
	// the same advisory syscall allowlist as Standard, with no stricter
	// filter.
	TierParanoid Tier = "paranoid"
	// TierGPUSecure is Standard plus exclusive device passthrough for
	// the selected GPU.
	TierGPUSecure Tier = "gpu_secure"
)

// usesContainerBackend reports whether tier should run under the
// container backend (Docker + runsc) rather than the bare-process
// backend, when a container runtime is available.
func (t Tier) usesContainerBackend() bool {
	return t == TierStandard || t == TierParanoid || t == TierGPUSecure
}

// usesSyscallTap reports whether tier should run with the eBPF syscall
// tap attached (every tier above Minimal, which runs with resource caps
// only and no namespace isolation to observe syscalls against).
func (t Tier) usesSyscallTap() bool {
	return t != TierMinimal
}
