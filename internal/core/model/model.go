// Package model defines the submission, problem, and job-message data
// types the judging core reads and writes. Schema ownership (the actual
// SQL tables) belongs to the gateway; these are the core's in-process
// views of that state.
package model

import "fuzoj/internal/core/result"

// State is a submission's lifecycle state, per spec.md §3's FSM:
// pending -> compiling -> (compiled | compilation_error) -> (queue_pending)?
// -> judging -> terminal verdict.
type State string

const (
	StatePending          State = "pending"
	StateCompiling        State = "compiling"
	StateCompiled         State = "compiled"
	StateCompilationError State = "compilation_error"
	StateQueuePending     State = "queue_pending"
	StateJudging          State = "judging"
	// StateJudged is reached once a final verdict has been committed
	// (the verdict itself lives in Summary.Verdict, not here).
	StateJudged State = "judged"
)

// IsTerminal reports whether s is one of the FSM's terminal states.
// Invariant #1 (spec.md §3): a submission in a terminal state is never
// re-judged by the core. StateCompilationError and StateJudged are the
// only terminal states; everything else admits a further transition.
func IsTerminal(s State) bool {
	return s == StateCompilationError || s == StateJudged
}

// Submission is the core's view of one judging work item.
type Submission struct {
	ID          string
	UserID      string
	ProblemID   string
	ContestID   string // empty for standalone submissions
	Language    string
	State       State
	ArchivePath string
}

// Problem is the core's view of a problem's judging configuration.
type Problem struct {
	ID              string
	TimeLimitMs     int64
	MemoryLimitKB   int64
	MaxThreads      int
	NetworkAllowed  bool
	CaseCount       int
	Language        string // optional restriction; empty means unrestricted
	PartialScoring  bool
	MaxScore        int
	GeneratorExists bool
	CheckerExists   bool
}

// Ready reports whether both the generator and checker binaries are
// present, per spec.md §3's "Ready iff both slots are filled."
func (p Problem) Ready() bool {
	return p.GeneratorExists && p.CheckerExists
}

// CompileJob is the `compile` stream's message payload (spec.md §6).
type CompileJob struct {
	SubmissionID string `json:"submission_id"`
	ArchivePath  string `json:"archive_path"`
	Language     string `json:"language,omitempty"`
}

// RunJob is the `run` stream's message payload (spec.md §6).
type RunJob struct {
	SubmissionID   string `json:"submission_id"`
	ProblemID      string `json:"problem_id"`
	TimeLimitMs    int64  `json:"time_limit_ms"`
	MemoryLimitKB  int64  `json:"memory_limit_kb"`
	MaxThreads     int    `json:"max_threads"`
	NetworkAllowed bool   `json:"network_allowed"`
}

// CaseResult is the per-(submission, k) row the judge worker persists.
type CaseResult = result.CaseResult

// Summary is the set of submission summary fields the core writes on
// finalization (spec.md §4.7).
type Summary struct {
	Verdict     result.Verdict
	Score       int
	TotalTimeMs int64
	PeakMemKB   int64
	CompiledAt  int64 // unix epoch seconds; 0 if unset
	JudgedAt    int64
}
