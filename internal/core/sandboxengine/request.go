package sandboxengine

import (
	"fuzoj/internal/core/security"
	"fuzoj/internal/core/spec"
)

// initRequest mirrors the JSON shape cmd/sandbox-init decodes on stdin.
type initRequest struct {
	RunSpec       spec.RunSpec
	Isolation     security.IsolationProfile
	EnableSeccomp bool
	EnableNs      bool
}
