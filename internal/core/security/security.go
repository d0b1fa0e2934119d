// Package security holds the isolation policy a resolved profile applies
// to one sandboxed run: which namespaces, which syscall filter, whether
// the loopback/network namespace is entered.
package security

// IsolationProfile describes the namespace and syscall posture for a run.
type IsolationProfile struct {
	// RootFS is the read-only root the sandboxed process sees.
	RootFS string
	// SeccompProfile names (or, if absolute, points at) the seccomp filter
	// to load before exec. Resolved relative to the engine's seccomp dir.
	SeccompProfile string
	// DisableNetwork, when true, enters a fresh network namespace with only
	// loopback configured.
	DisableNetwork bool
	// AllowFork permits more than one live PID inside the sandbox.
	AllowFork bool
}
