// Package profile names the four sandbox policies the driver contract
// accepts (Compile, Run, Generate, Check) and carries their default
// resource and syscall posture.
package profile

import (
	"fmt"

	"fuzoj/internal/core/security"
	"fuzoj/internal/core/spec"
)

// Name identifies a sandbox profile.
type Name string

const (
	Compile  Name = "compile"
	Run      Name = "run"
	Generate Name = "generate"
	Check    Name = "check"
)

// Defaults are the per-profile default resource limits and isolation
// posture from the driver contract. The Run profile's limits are always
// overridden per-problem before use; the table entry here only supplies
// the syscall/network/fork posture and a fallback if a problem elides a
// limit.
var Defaults = map[Name]struct {
	Limits    spec.ResourceLimit
	Isolation security.IsolationProfile
}{
	Compile: {
		Limits: spec.ResourceLimit{
			WallTimeMs: 30_000,
			MemoryKB:   2 * 1024 * 1024,
			CPUCores:   2,
			PIDs:       256,
		},
		Isolation: security.IsolationProfile{
			SeccompProfile: "broad-deny.json",
			DisableNetwork: true,
			AllowFork:      true,
		},
	},
	Run: {
		Limits: spec.ResourceLimit{
			CPUCores: 1,
			PIDs:     1,
		},
		Isolation: security.IsolationProfile{
			SeccompProfile: "run-strict.json",
			DisableNetwork: true,
			AllowFork:      false,
		},
	},
	Generate: {
		Limits: spec.ResourceLimit{
			WallTimeMs: 60_000,
			MemoryKB:   4 * 1024 * 1024,
			CPUCores:   2,
			PIDs:       256,
		},
		Isolation: security.IsolationProfile{
			SeccompProfile: "broad-deny.json",
			DisableNetwork: true,
			AllowFork:      true,
		},
	},
	Check: {
		Limits: spec.ResourceLimit{
			WallTimeMs: 60_000,
			MemoryKB:   4 * 1024 * 1024,
			CPUCores:   2,
			PIDs:       256,
		},
		Isolation: security.IsolationProfile{
			SeccompProfile: "broad-deny.json",
			DisableNetwork: true,
			AllowFork:      true,
		},
	},
}

// RunSeccompNetworked names the relaxed seccomp profile applied to the Run
// profile when a problem sets network_allowed. Resolved against the
// seccomp directory like the other profile file names: the run-strict
// allow-list plus socket/connect/bind/listen/accept.
const RunSeccompNetworked = "run-networked.json"

// ResolveRun builds the isolation posture and limits for the Run profile
// given a problem's per-problem overrides, per spec.md's network_allowed
// composition rule: network on implies the PID cap is raised to maxThreads
// and the syscall policy swaps to the networked allow-list; network off
// keeps the PID cap at 1 and forking forbidden.
func ResolveRun(timeLimitMs, memLimitKB int64, maxThreads int, networkAllowed bool) (spec.ResourceLimit, security.IsolationProfile) {
	limits := spec.ResourceLimit{
		WallTimeMs: timeLimitMs,
		MemoryKB:   memLimitKB,
		CPUCores:   1,
		PIDs:       1,
	}
	iso := Defaults[Run].Isolation
	if networkAllowed {
		if maxThreads < 1 {
			maxThreads = 1
		}
		limits.PIDs = int64(maxThreads)
		iso.DisableNetwork = false
		iso.SeccompProfile = RunSeccompNetworked
		iso.AllowFork = maxThreads > 1
	}
	return limits, iso
}

// Resolver implements the sandbox engine's ProfileResolver contract over
// the static Defaults table. The Run profile resolves to its strict
// (network-denied) isolation posture here; callers that need the
// network-relaxed variant build their RunSpec's isolation via ResolveRun
// directly and pass NetworkOK through the spec instead of through Resolve.
type Resolver struct{}

// Resolve implements sandboxengine.ProfileResolver.
func (Resolver) Resolve(profileName string) (security.IsolationProfile, error) {
	entry, ok := Defaults[Name(profileName)]
	if !ok {
		return security.IsolationProfile{}, fmt.Errorf("unknown sandbox profile %q", profileName)
	}
	return entry.Isolation, nil
}
