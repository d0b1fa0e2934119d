// Package judge implements the Judge Worker (spec.md §4.4): the
// consumer of the `run` stream that materializes test cases, executes
// the user binary against each, checks its output, aggregates a verdict,
// and commits the submission's final state.
package judge

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"fuzoj/internal/core/artifact"
	"fuzoj/internal/core/model"
	"fuzoj/internal/core/profile"
	"fuzoj/internal/core/recorder"
	"fuzoj/internal/core/result"
	"fuzoj/internal/core/sandboxengine"
	"fuzoj/internal/core/spec"
	"fuzoj/internal/core/testcache"
	appErr "fuzoj/pkg/errors"
	"fuzoj/pkg/utils/logger"

	"fuzoj/internal/common/mq"

	"go.uber.org/zap"
)

// maxCheckerCommentBytes bounds the persisted checker comment, per
// spec.md §4.4 step 4's "truncated to 256 bytes".
const maxCheckerCommentBytes = 256

// Worker consumes run jobs and drives them through case-by-case
// execution, checking, aggregation, and final-state commit.
type Worker struct {
	store    *artifact.Store
	engine   sandboxengine.Engine
	cache    *testcache.Cache
	recorder recorder.Recorder
}

// New builds a judge Worker.
func New(store *artifact.Store, engine sandboxengine.Engine, cache *testcache.Cache, rec recorder.Recorder) *Worker {
	return &Worker{store: store, engine: engine, cache: cache, recorder: rec}
}

// HandleMessage is the mq.HandlerFunc the run-stream subscription
// invokes.
func (w *Worker) HandleMessage(ctx context.Context, msg *mq.Message) error {
	var job model.RunJob
	if err := json.Unmarshal(msg.Body, &job); err != nil {
		logger.Error(ctx, "discarding malformed run job", zap.Error(err))
		return nil
	}
	return w.process(ctx, job)
}

func (w *Worker) process(ctx context.Context, job model.RunJob) error {
	sc, err := w.recorder.Load(ctx, job.SubmissionID)
	if err != nil {
		return appErr.Wrapf(err, appErr.DatabaseError, "load submission %s", job.SubmissionID)
	}

	// At-least-once redelivery: a submission that already reached a
	// terminal state has already been fully judged by a prior delivery.
	if model.IsTerminal(sc.Submission.State) {
		return nil
	}

	generatorOK, checkerOK := w.store.ProblemBinariesPresent(job.ProblemID)
	if !generatorOK || !checkerOK {
		if _, err := w.recorder.CompareAndSetState(ctx, job.SubmissionID, sc.Submission.State, model.StateQueuePending); err != nil {
			return appErr.Wrapf(err, appErr.DatabaseError, "park submission as queue_pending")
		}
		return nil
	}

	n := sc.Problem.CaseCount
	casePaths, err := w.cache.EnsureCases(ctx, job.ProblemID, w.store.GeneratorPath(job.ProblemID), n)
	if err != nil {
		return w.systemError(ctx, job.SubmissionID, sc.Submission.State, fmt.Sprintf("test case materialization failed: %v", err))
	}

	applied, err := w.recorder.CompareAndSetState(ctx, job.SubmissionID, sc.Submission.State, model.StateJudging)
	if err != nil {
		return appErr.Wrapf(err, appErr.DatabaseError, "transition to judging")
	}
	if !applied {
		return nil
	}

	scratchKey := "judge-" + job.SubmissionID
	scratchDir, err := w.store.EnsureScratchDir(scratchKey)
	if err != nil {
		return appErr.Wrapf(err, appErr.InternalServerError, "create judge scratch dir")
	}
	defer w.store.DeleteScratchDir(scratchKey)

	userBinary := w.store.UserBinaryPath(job.SubmissionID)
	checkerBinary := w.store.CheckerPath(job.ProblemID)

	cases, aborted, sysErrMsg := w.judgeCases(ctx, job, sc.Problem.PartialScoring, scratchDir, userBinary, checkerBinary, casePaths)
	if aborted {
		return w.systemErrorDuringJudging(ctx, job.SubmissionID, sysErrMsg)
	}

	for _, c := range cases {
		if err := w.recorder.InsertCaseResult(ctx, job.SubmissionID, c); err != nil {
			return appErr.Wrapf(err, appErr.DatabaseError, "persist case result")
		}
	}

	verdict := result.Aggregate(cases)
	score := scoreCases(cases, n, sc.Problem.PartialScoring, sc.Problem.MaxScore)

	var totalTimeMs, peakMemKB int64
	for _, c := range cases {
		totalTimeMs += c.WallTimeMs
		if c.PeakMemKB > peakMemKB {
			peakMemKB = c.PeakMemKB
		}
	}

	summary := model.Summary{
		Verdict:     verdict,
		Score:       score,
		TotalTimeMs: totalTimeMs,
		PeakMemKB:   peakMemKB,
	}
	if err := w.recorder.SetSummary(ctx, job.SubmissionID, summary); err != nil {
		return appErr.Wrapf(err, appErr.DatabaseError, "commit submission summary")
	}
	return nil
}

// judgeCases runs cases 1..N in order, stopping at the first case whose
// verdict stops judging (spec.md §4.4 step 5: subsequent cases are
// neither run nor recorded). aborted=true signals a SandboxError that
// must abandon the whole submission without persisting any case rows.
func (w *Worker) judgeCases(ctx context.Context, job model.RunJob, partialScoring bool, scratchDir, userBinary, checkerBinary string, casePaths []string) (cases []result.CaseResult, aborted bool, abortMsg string) {
	// Isolation posture for the Run profile is re-derived by the sandbox
	// engine itself from RunSpec.NetworkOK; only the resolved limits are
	// needed here.
	limits, _ := profile.ResolveRun(job.TimeLimitMs, job.MemoryLimitKB, job.MaxThreads, job.NetworkAllowed)

	for k, inputPath := range casePaths {
		ordinal := k + 1
		outputPath := filepath.Join(scratchDir, fmt.Sprintf("output_%03d.txt", ordinal))

		runSpec := spec.RunSpec{
			SubmissionID: job.SubmissionID,
			TestID:       fmt.Sprintf("run-%03d", ordinal),
			Profile:      string(profile.Run),
			WorkDir:      scratchDir,
			Cmd:          []string{userBinary},
			StdinPath:    inputPath,
			StdoutPath:   outputPath,
			Limits:       limits,
			NetworkOK:    job.NetworkAllowed,
		}

		outcome, err := w.engine.Run(ctx, runSpec)
		if err != nil {
			return cases, true, fmt.Sprintf("run case %d: %v", ordinal, err)
		}

		cr := result.CaseResult{Ordinal: ordinal, WallTimeMs: outcome.WallTimeMs, PeakMemKB: outcome.PeakMemKB}

		switch {
		case outcome.Kind == result.SandboxError:
			return cases, true, fmt.Sprintf("sandbox error on case %d: %s", ordinal, outcome.Reason)
		case outcome.Kind == result.WallTimeExceeded:
			cr.Verdict = result.TimeLimit
		case outcome.Kind == result.MemoryExceeded:
			cr.Verdict = result.MemoryLimit
		case outcome.Kind == result.OutputLimitExceeded:
			cr.Verdict = result.OutputLimit
		case outcome.Kind == result.KilledBySignal:
			cr.Verdict = result.RuntimeError
		case outcome.Kind == result.ExitedWith && outcome.ExitCode != 0:
			cr.Verdict = result.RuntimeError
		case outcome.Kind == result.ExitedWith && outcome.ExitCode == 0:
			verdict, comment, fraction, checkErr := w.check(ctx, job, ordinal, scratchDir, checkerBinary, inputPath, outputPath, partialScoring)
			if checkErr != nil {
				return cases, true, fmt.Sprintf("checker error on case %d: %v", ordinal, checkErr)
			}
			cr.Verdict = verdict
			cr.Comment = comment
			cr.PartialFraction = fraction
			cr.OutputHash = hashFile(outputPath)
		default:
			cr.Verdict = result.SystemError
		}

		cases = append(cases, cr)
		if cr.Verdict.Stops() {
			break
		}
	}
	return cases, false, ""
}

// check invokes the checker under the Check profile with the system's
// 3-argument convention: input file, user output, and the input file
// path again in the answer slot (spec.md §4.4 step 4). The spec fixes
// the checker's exit-code vocabulary but says nothing about how a
// partial-credit fraction reaches the core; this implementation follows
// the common testlib convention of a checker on a partial_credit exit
// printing its fraction (a float in [0,1]) as the first token of
// standard output, defaulting to 0 if absent or unparseable.
func (w *Worker) check(ctx context.Context, job model.RunJob, ordinal int, scratchDir, checkerBinary, inputPath, outputPath string, partialScoring bool) (result.Verdict, string, float64, error) {
	stderrPath := filepath.Join(scratchDir, fmt.Sprintf("checker_stderr_%03d.txt", ordinal))
	stdoutPath := filepath.Join(scratchDir, fmt.Sprintf("checker_stdout_%03d.txt", ordinal))
	runSpec := spec.RunSpec{
		SubmissionID: job.SubmissionID,
		TestID:       fmt.Sprintf("check-%03d", ordinal),
		Profile:      string(profile.Check),
		WorkDir:      scratchDir,
		Cmd:          []string{checkerBinary, inputPath, outputPath, inputPath},
		StdoutPath:   stdoutPath,
		StderrPath:   stderrPath,
		Limits:       profile.Defaults[profile.Check].Limits,
	}

	outcome, err := w.engine.Run(ctx, runSpec)
	if err != nil {
		return result.SystemError, "", 0, err
	}
	if outcome.Kind != result.ExitedWith {
		return result.SystemError, truncateComment(outcome.Stderr), 0, nil
	}

	lastLine := strings.TrimRight(readFileBestEffort(stderrPath), "\r\n")
	if i := strings.LastIndexByte(lastLine, '\n'); i >= 0 {
		lastLine = lastLine[i+1:]
	}
	comment := truncateComment(lastLine)
	switch outcome.ExitCode {
	case 0:
		return result.Accepted, comment, 0, nil
	case 1, 2:
		return result.WrongAnswer, comment, 0, nil
	case 7:
		if partialScoring {
			return result.PartialCredit, comment, parseFraction(readFileBestEffort(stdoutPath)), nil
		}
		return result.SystemError, comment, 0, nil
	default:
		return result.SystemError, comment, 0, nil
	}
}

// systemError finalizes, as judged with a system_error verdict, a
// submission that never started judging (cache materialization failed);
// it is still in its pre-judging state, so no case rows exist to clean up.
func (w *Worker) systemError(ctx context.Context, submissionID string, from model.State, reason string) error {
	if _, err := w.recorder.CompareAndSetState(ctx, submissionID, from, model.StateJudged); err != nil {
		return appErr.Wrapf(err, appErr.DatabaseError, "commit system_error state")
	}
	logger.Error(ctx, "judge system error", zap.String("submission_id", submissionID), zap.String("reason", reason))
	return w.recorder.SetSummary(ctx, submissionID, model.Summary{Verdict: result.SystemError})
}

// systemErrorDuringJudging abandons a submission mid-case-loop (a
// SandboxError): spec.md §4.4 step 4 requires writing no further
// per-case rows.
func (w *Worker) systemErrorDuringJudging(ctx context.Context, submissionID, reason string) error {
	logger.Error(ctx, "judge system error mid-run", zap.String("submission_id", submissionID), zap.String("reason", reason))
	return w.recorder.SetSummary(ctx, submissionID, model.Summary{Verdict: result.SystemError})
}

// scoreCases implements spec.md §4.4 step 6's scoring rule.
func scoreCases(cases []result.CaseResult, n int, partialScoring bool, maxScore int) int {
	if n == 0 {
		return 0
	}
	allAccepted := len(cases) == n
	passCount := 0
	hasPartial := false
	var partialSum float64
	for _, c := range cases {
		switch c.Verdict {
		case result.Accepted:
			passCount++
			partialSum += 1.0
		case result.PartialCredit:
			hasPartial = true
			allAccepted = false
			partialSum += c.PartialFraction
		default:
			allAccepted = false
		}
	}
	if allAccepted {
		return int(100 * float64(passCount) / float64(n))
	}
	if partialScoring && hasPartial {
		mean := partialSum / float64(n)
		return int(mean * float64(maxScore))
	}
	return 0
}

// parseFraction reads the first whitespace-delimited token of a
// checker's captured standard output as a float in [0,1]. An empty,
// malformed, or out-of-range value yields 0 rather than failing the
// submission — the checker's exit code already committed to
// partial_credit, so a missing fraction degrades to "no credit" instead
// of a system error.
func parseFraction(stdout string) float64 {
	fields := strings.Fields(stdout)
	if len(fields) == 0 {
		return 0
	}
	v, err := strconv.ParseFloat(fields[0], 64)
	if err != nil || v < 0 || v > 1 {
		return 0
	}
	return v
}

func truncateComment(s string) string {
	if len(s) <= maxCheckerCommentBytes {
		return s
	}
	return s[:maxCheckerCommentBytes]
}

func readFileBestEffort(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return string(data)
}

func hashFile(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:8])
}
