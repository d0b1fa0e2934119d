// Package sandboxengine implements the Sandbox Driver contract: one
// method, Run, that executes a RunSpec under a resolved isolation profile
// and reports a single Outcome.
package sandboxengine

import (
	"context"

	"fuzoj/internal/core/result"
	"fuzoj/internal/core/security"
	"fuzoj/internal/core/spec"
)

// Engine is the Sandbox Driver contract every caller (Compiler, Judge,
// Test-Case Cache) programs against.
type Engine interface {
	Run(ctx context.Context, runSpec spec.RunSpec) (result.Outcome, error)
	// KillSubmission terminates every sandboxed process still registered
	// for submissionID, used during graceful shutdown and on abandonment.
	KillSubmission(ctx context.Context, submissionID string) error
}

// ProfileResolver resolves a profile name into its isolation posture.
type ProfileResolver interface {
	Resolve(profileName string) (security.IsolationProfile, error)
}

// Config controls the engine's use of Linux isolation primitives. All
// three gates default to enabled in production; tests disable them to
// run the driver's bookkeeping (timing, outcome mapping) without root.
type Config struct {
	CgroupRoot           string
	SeccompDir           string
	HelperPath           string
	StdoutStderrMaxBytes int64
	EnableSeccomp        bool
	EnableCgroup         bool
	EnableNamespaces     bool
}
