// Package compiler implements the Compiler Worker (spec.md §4.3): the
// consumer of the `compile` stream that turns a validated submission
// archive into an installed user binary and a fresh `run` job.
package compiler

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/shlex"

	"fuzoj/internal/common/mq"
	"fuzoj/internal/core/archive"
	"fuzoj/internal/core/artifact"
	"fuzoj/internal/core/model"
	"fuzoj/internal/core/profile"
	"fuzoj/internal/core/recorder"
	"fuzoj/internal/core/result"
	"fuzoj/internal/core/sandboxengine"
	"fuzoj/internal/core/spec"
	appErr "fuzoj/pkg/errors"
	"fuzoj/pkg/utils/logger"

	"go.uber.org/zap"
)

// RunTopic is the outbound stream name the Judge Worker consumes.
const RunTopic = "run"

// conventionalBinaryNames are the names the Compiler recognizes as the
// compiled artifact, checked in this order inside the build directory.
var conventionalBinaryNames = []string{"main", "a.out", "solution", "run"}

// maxArchiveBytes bounds a submission archive's on-disk size ahead of
// the ratio check; independent of the ratio bound so a small, legitimately
// dense archive is never penalized by it alone.
const maxArchiveBytes = 64 << 20

// maxCompilationLogBytes truncates a failing build's captured stderr,
// per spec.md §4.3 step 7.
const maxCompilationLogBytes = 64 * 1024

// Worker consumes compile jobs and drives them through validation,
// extraction, compilation, and binary installation.
type Worker struct {
	store    *artifact.Store
	engine   sandboxengine.Engine
	recorder recorder.Recorder
	producer mq.Producer
}

// New builds a compiler Worker.
func New(store *artifact.Store, engine sandboxengine.Engine, rec recorder.Recorder, producer mq.Producer) *Worker {
	return &Worker{store: store, engine: engine, recorder: rec, producer: producer}
}

// HandleMessage is the mq.HandlerFunc the compile-stream subscription
// invokes; a nil return commits the message (spec.md's ACK), a non-nil
// return leaves it for the queue's retry/dead-letter policy. Per
// spec.md §4.3's "the worker never retries" note, every code path here
// that completes a terminal write returns nil even on compilation
// failure — only a transport/database failure that prevented a terminal
// write from committing returns an error.
func (w *Worker) HandleMessage(ctx context.Context, msg *mq.Message) error {
	var job model.CompileJob
	if err := json.Unmarshal(msg.Body, &job); err != nil {
		logger.Error(ctx, "discarding malformed compile job", zap.Error(err))
		return nil
	}
	return w.process(ctx, job)
}

func (w *Worker) process(ctx context.Context, job model.CompileJob) error {
	sc, err := w.recorder.Load(ctx, job.SubmissionID)
	if err != nil {
		return appErr.Wrapf(err, appErr.DatabaseError, "load submission %s", job.SubmissionID)
	}

	// At-least-once redelivery: a submission already at or past
	// `compiled` has already been fully processed by a prior delivery.
	if sc.Submission.State != model.StatePending {
		return nil
	}

	applied, err := w.recorder.CompareAndSetState(ctx, job.SubmissionID, model.StatePending, model.StateCompiling)
	if err != nil {
		return appErr.Wrapf(err, appErr.DatabaseError, "transition to compiling")
	}
	if !applied {
		return nil
	}

	buildDir, err := w.store.EnsureScratchDir("compile-" + job.SubmissionID)
	if err != nil {
		return appErr.Wrapf(err, appErr.InternalServerError, "create build dir")
	}
	defer w.store.DeleteScratchDir("compile-" + job.SubmissionID)

	if _, err := archive.Validate(job.ArchivePath, maxArchiveBytes); err != nil {
		return w.fail(ctx, job.SubmissionID, fmt.Sprintf("archive validation failed: %v", err))
	}

	if err := archive.Extract(job.ArchivePath, buildDir); err != nil {
		return w.fail(ctx, job.SubmissionID, fmt.Sprintf("archive extraction failed: %v", err))
	}

	if err := makeExecutable(buildDir, archive.CompileScript, archive.RunScript); err != nil {
		return w.fail(ctx, job.SubmissionID, fmt.Sprintf("prepare scripts failed: %v", err))
	}

	cmd, err := compileCommand(job.Language)
	if err != nil {
		return w.fail(ctx, job.SubmissionID, fmt.Sprintf("invalid compile command: %v", err))
	}

	stderrPath := filepath.Join(buildDir, ".compile_stderr")
	runSpec := spec.RunSpec{
		SubmissionID: job.SubmissionID,
		TestID:       "compile",
		Profile:      string(profile.Compile),
		WorkDir:      buildDir,
		Cmd:          cmd,
		StderrPath:   stderrPath,
		Limits:       profile.Defaults[profile.Compile].Limits,
	}

	outcome, runErr := w.engine.Run(ctx, runSpec)
	if runErr != nil {
		return w.fail(ctx, job.SubmissionID, fmt.Sprintf("sandbox error during compile: %v", runErr))
	}
	if outcome.Kind == result.SandboxError {
		// Fatal to this message: spec.md §4.3 failure modes maps a
		// SandboxError during compile to system_error, not
		// compilation_error.
		if _, err := w.recorder.CompareAndSetState(ctx, job.SubmissionID, model.StateCompiling, model.StateJudged); err != nil {
			return appErr.Wrapf(err, appErr.DatabaseError, "commit system_error state")
		}
		_ = w.recorder.SetCompilationLog(ctx, job.SubmissionID, "sandbox error: "+outcome.Reason)
		return w.recorder.SetSummary(ctx, job.SubmissionID, model.Summary{Verdict: result.SystemError})
	}

	binaryPath, found := findConventionalBinary(buildDir)
	if outcome.Kind == result.ExitedWith && outcome.ExitCode == 0 && found {
		if err := w.store.WriteUserBinary(job.SubmissionID, binaryPath); err != nil {
			return appErr.Wrapf(err, appErr.InternalServerError, "install user binary")
		}
		if _, err := w.recorder.CompareAndSetState(ctx, job.SubmissionID, model.StateCompiling, model.StateCompiled); err != nil {
			return appErr.Wrapf(err, appErr.DatabaseError, "commit compiled state")
		}
		return w.enqueueRunJob(ctx, job.SubmissionID, sc)
	}

	log := readTruncated(stderrPath, maxCompilationLogBytes)
	return w.fail(ctx, job.SubmissionID, log)
}

func (w *Worker) fail(ctx context.Context, submissionID, log string) error {
	if _, err := w.recorder.CompareAndSetState(ctx, submissionID, model.StateCompiling, model.StateCompilationError); err != nil {
		return appErr.Wrapf(err, appErr.DatabaseError, "commit compilation_error state")
	}
	if err := w.recorder.SetCompilationLog(ctx, submissionID, truncateString(log, maxCompilationLogBytes)); err != nil {
		return appErr.Wrapf(err, appErr.DatabaseError, "store compilation log")
	}
	return nil
}

func (w *Worker) enqueueRunJob(ctx context.Context, submissionID string, sc recorder.SubmissionContext) error {
	job := model.RunJob{
		SubmissionID:   submissionID,
		ProblemID:      sc.Problem.ID,
		TimeLimitMs:    sc.Problem.TimeLimitMs,
		MemoryLimitKB:  sc.Problem.MemoryLimitKB,
		MaxThreads:     sc.Problem.MaxThreads,
		NetworkAllowed: sc.Problem.NetworkAllowed,
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return appErr.Wrapf(err, appErr.InternalServerError, "marshal run job")
	}
	if err := w.producer.Publish(ctx, RunTopic, &mq.Message{ID: submissionID, Body: payload}); err != nil {
		return appErr.Wrapf(err, appErr.ServiceUnavailable, "enqueue run job")
	}
	return nil
}

// compileCommand builds the compile invocation. compile.sh is always the
// entry point (spec.md §4.3 step 5); an optional language hint is passed
// through as additional arguments so a multi-language build script can
// select its compiler image without the core knowing language details.
// shlex splits the hint the way a shell would, so a hint like
// "cpp17 -O2" reaches compile.sh as two argv entries rather than one.
func compileCommand(language string) ([]string, error) {
	cmd := []string{"./" + archive.CompileScript}
	if language == "" {
		return cmd, nil
	}
	extra, err := shlex.Split(language)
	if err != nil {
		return nil, fmt.Errorf("split language hint: %w", err)
	}
	return append(cmd, extra...), nil
}

func makeExecutable(dir string, names ...string) error {
	for _, name := range names {
		path := filepath.Join(dir, name)
		if err := os.Chmod(path, 0755); err != nil {
			return fmt.Errorf("chmod %s: %w", name, err)
		}
	}
	return nil
}

func findConventionalBinary(buildDir string) (string, bool) {
	for _, name := range conventionalBinaryNames {
		path := filepath.Join(buildDir, name)
		info, err := os.Stat(path)
		if err == nil && !info.IsDir() {
			return path, true
		}
	}
	return "", false
}

func readTruncated(path string, max int) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return truncateString(string(data), max)
}

func truncateString(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "\n...[truncated]"
}
