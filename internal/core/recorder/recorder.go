// Package recorder is the judging core's sole writer of submission state
// (spec.md §3, §4). Every worker step that mutates a submission's FSM
// state goes through a Recorder, which enforces the FSM's compare-and-
// swap discipline: a transition only commits if the row is still in the
// expected prior state, making every worker step safe to redeliver.
package recorder

import (
	"context"

	"fuzoj/internal/core/model"
	"fuzoj/internal/core/result"
)

// SubmissionContext is the combined read a worker needs before acting on
// a submission: its current row plus the owning problem's judging
// configuration.
type SubmissionContext struct {
	Submission model.Submission
	Problem    model.Problem
}

// Recorder is the judging core's state-transition and result-persistence
// contract. Implementations must make every method safe under
// at-least-once delivery: CompareAndSetState changes State only from an
// expected prior state and no-ops (returns false, nil) when the row has
// already moved past it; SetSummary is the one other mutator of State and
// always sets it to StateJudged.
type Recorder interface {
	// Load reads a submission and its owning problem in one call.
	Load(ctx context.Context, submissionID string) (SubmissionContext, error)

	// CompareAndSetState transitions submissionID from `from` to `to`
	// iff its current state is still `from`. Returns applied=false
	// (without error) when the row was already in a different state —
	// the caller's idempotent-skip path.
	CompareAndSetState(ctx context.Context, submissionID string, from, to model.State) (applied bool, err error)

	// SetCompilationLog records a (possibly truncated) compiler log
	// alongside a compilation_error transition.
	SetCompilationLog(ctx context.Context, submissionID, log string) error

	// InsertCaseResult persists one per-case judging row. Write-once on
	// (submissionID, case.Ordinal): a redelivered case result neither
	// duplicates nor overwrites the stored row.
	InsertCaseResult(ctx context.Context, submissionID string, caseResult result.CaseResult) error

	// SetSummary commits the final aggregated verdict and transitions
	// the submission into its terminal StateJudged.
	SetSummary(ctx context.Context, submissionID string, summary model.Summary) error

	// ListQueuePending returns every submission parked in
	// StateQueuePending for problemID, for the Pending-Binary
	// Coordinator to revive once both binaries are present.
	ListQueuePending(ctx context.Context, problemID string) ([]string, error)
}
