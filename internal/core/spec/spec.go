// Package spec defines the wire-level execution specification the sandbox
// driver accepts: resource limits, bind mounts, and the full command to run.
package spec

// ResourceLimit describes hard limits enforced by the sandbox for one run.
type ResourceLimit struct {
	WallTimeMs int64
	MemoryKB   int64
	CPUCores   int
	PIDs       int64
	OutputKB   int64
}

// MountSpec describes a bind mount inside the sandbox.
type MountSpec struct {
	Source   string
	Target   string
	ReadOnly bool
}

// RunSpec is the unified execution specification for one sandboxed task.
// It carries enough identity (SubmissionID, TestID) for the engine to scope
// cgroups and temp state per invocation, even though the caller (Compiler,
// Judge, or the cache) supplies a synthetic TestID for non-per-case runs.
type RunSpec struct {
	SubmissionID string
	TestID       string
	Profile      string
	WorkDir      string
	Cmd          []string
	Env          []string
	StdinPath    string
	StdoutPath   string
	StderrPath   string
	BindMounts   []MountSpec
	Limits       ResourceLimit
	NetworkOK    bool
}
