//go:build !linux

package sandboxengine

import (
	"context"
	"fmt"

	"fuzoj/internal/core/result"
	"fuzoj/internal/core/spec"
)

type stubEngine struct{}

// NewEngine on non-Linux platforms returns an engine that always errors;
// the cgroup/namespace/seccomp primitives the driver relies on have no
// portable equivalent, and this repo doesn't pretend otherwise.
func NewEngine(cfg Config, resolver ProfileResolver) (Engine, error) {
	return &stubEngine{}, nil
}

func (s *stubEngine) Run(ctx context.Context, runSpec spec.RunSpec) (result.Outcome, error) {
	return result.Outcome{}, fmt.Errorf("sandbox engine is only supported on linux")
}

func (s *stubEngine) KillSubmission(ctx context.Context, submissionID string) error {
	return fmt.Errorf("sandbox engine is only supported on linux")
}
