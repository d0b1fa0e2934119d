package compiler

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zstd"

	"fuzoj/internal/core/archive"
	"fuzoj/internal/core/artifact"
	"fuzoj/internal/core/model"
	"fuzoj/internal/core/recorder"
	"fuzoj/internal/core/result"
	"fuzoj/internal/core/spec"

	"fuzoj/internal/common/mq"
)

type fakeRecorder struct {
	contexts map[string]recorder.SubmissionContext
	states   map[string]model.State
	logs     map[string]string

	setSummaryCalls int
}

func newFakeRecorder(sc recorder.SubmissionContext) *fakeRecorder {
	return &fakeRecorder{
		contexts: map[string]recorder.SubmissionContext{sc.Submission.ID: sc},
		states:   map[string]model.State{sc.Submission.ID: sc.Submission.State},
		logs:     map[string]string{},
	}
}

func (r *fakeRecorder) Load(ctx context.Context, submissionID string) (recorder.SubmissionContext, error) {
	sc := r.contexts[submissionID]
	sc.Submission.State = r.states[submissionID]
	return sc, nil
}

func (r *fakeRecorder) CompareAndSetState(ctx context.Context, submissionID string, from, to model.State) (bool, error) {
	if r.states[submissionID] != from {
		return false, nil
	}
	r.states[submissionID] = to
	return true, nil
}

func (r *fakeRecorder) SetCompilationLog(ctx context.Context, submissionID, log string) error {
	r.logs[submissionID] = log
	return nil
}

func (r *fakeRecorder) InsertCaseResult(ctx context.Context, submissionID string, caseResult result.CaseResult) error {
	return nil
}

func (r *fakeRecorder) SetSummary(ctx context.Context, submissionID string, summary model.Summary) error {
	r.setSummaryCalls++
	return nil
}

func (r *fakeRecorder) ListQueuePending(ctx context.Context, problemID string) ([]string, error) {
	return nil, nil
}

type fakeProducer struct {
	published []struct {
		topic string
		msg   *mq.Message
	}
}

func (p *fakeProducer) Publish(ctx context.Context, topic string, message *mq.Message) error {
	p.published = append(p.published, struct {
		topic string
		msg   *mq.Message
	}{topic, message})
	return nil
}

func (p *fakeProducer) PublishBatch(ctx context.Context, topic string, messages []*mq.Message) error {
	for _, m := range messages {
		if err := p.Publish(ctx, topic, m); err != nil {
			return err
		}
	}
	return nil
}

type scriptedEngine struct {
	outcome result.Outcome
	err     error
	// onRun lets a test drop a binary/stderr into the sandbox's WorkDir
	// before reporting the outcome, simulating what a real compile does.
	onRun func(spec.RunSpec)
}

func (e *scriptedEngine) Run(ctx context.Context, runSpec spec.RunSpec) (result.Outcome, error) {
	if e.onRun != nil {
		e.onRun(runSpec)
	}
	return e.outcome, e.err
}

func (e *scriptedEngine) KillSubmission(ctx context.Context, submissionID string) error { return nil }

func buildSubmissionArchive(t *testing.T, dir string) string {
	t.Helper()
	var buf bytes.Buffer
	zw, err := zstd.NewWriter(&buf)
	if err != nil {
		t.Fatalf("new zstd writer: %v", err)
	}
	tw := tar.NewWriter(zw)
	entries := []struct{ name, body string }{
		{archive.CompileScript, "#!/bin/sh\ntrue\n"},
		{archive.RunScript, "#!/bin/sh\nexec ./main\n"},
		{"main.cpp", "int main(){return 0;}\n"},
	}
	for _, e := range entries {
		hdr := &tar.Header{Name: e.name, Typeflag: tar.TypeReg, Size: int64(len(e.body)), Mode: 0644}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("write header: %v", err)
		}
		if _, err := tw.Write([]byte(e.body)); err != nil {
			t.Fatalf("write body: %v", err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("close tar: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close zstd: %v", err)
	}
	path := filepath.Join(dir, "submission.tar.zst")
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		t.Fatalf("write archive: %v", err)
	}
	return path
}

func baseSubmissionContext(submissionID, archivePath string) recorder.SubmissionContext {
	return recorder.SubmissionContext{
		Submission: model.Submission{ID: submissionID, ProblemID: "prob-1", State: model.StatePending, ArchivePath: archivePath},
		Problem:    model.Problem{ID: "prob-1", TimeLimitMs: 1000, MemoryLimitKB: 65536, MaxThreads: 1},
	}
}

func TestProcessSuccessfulCompileEnqueuesRunJob(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	store := artifact.New(root)
	archivePath := buildSubmissionArchive(t, root)

	sc := baseSubmissionContext("sub-1", archivePath)
	rec := newFakeRecorder(sc)
	producer := &fakeProducer{}
	eng := &scriptedEngine{
		outcome: result.Outcome{Kind: result.ExitedWith, ExitCode: 0},
		onRun: func(rs spec.RunSpec) {
			// Simulate compile.sh having produced the conventional binary.
			if err := os.WriteFile(filepath.Join(rs.WorkDir, "main"), []byte("binary"), 0755); err != nil {
				t.Fatalf("simulate compiled binary: %v", err)
			}
		},
	}
	w := New(store, eng, rec, producer)

	job := model.CompileJob{SubmissionID: "sub-1", ArchivePath: archivePath}
	if err := w.process(context.Background(), job); err != nil {
		t.Fatalf("process returned error: %v", err)
	}

	if rec.states["sub-1"] != model.StateCompiled {
		t.Fatalf("expected state compiled, got %s", rec.states["sub-1"])
	}
	if len(producer.published) != 1 {
		t.Fatalf("expected exactly one enqueued run job, got %d", len(producer.published))
	}
	if producer.published[0].topic != RunTopic {
		t.Fatalf("expected run job on topic %q, got %q", RunTopic, producer.published[0].topic)
	}
	var runJob model.RunJob
	if err := json.Unmarshal(producer.published[0].msg.Body, &runJob); err != nil {
		t.Fatalf("unmarshal published run job: %v", err)
	}
	if runJob.SubmissionID != "sub-1" || runJob.ProblemID != "prob-1" {
		t.Fatalf("unexpected run job contents: %+v", runJob)
	}
	if _, err := os.Stat(store.UserBinaryPath("sub-1")); err != nil {
		t.Fatalf("expected user binary installed: %v", err)
	}
	if _, err := os.Stat(store.ScratchDir("compile-sub-1")); !os.IsNotExist(err) {
		t.Fatalf("expected scratch dir cleaned up, stat err = %v", err)
	}
}

func TestProcessNonZeroExitCommitsCompilationError(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	store := artifact.New(root)
	archivePath := buildSubmissionArchive(t, root)

	sc := baseSubmissionContext("sub-2", archivePath)
	rec := newFakeRecorder(sc)
	producer := &fakeProducer{}
	eng := &scriptedEngine{outcome: result.Outcome{Kind: result.ExitedWith, ExitCode: 1}}
	w := New(store, eng, rec, producer)

	job := model.CompileJob{SubmissionID: "sub-2", ArchivePath: archivePath}
	if err := w.process(context.Background(), job); err != nil {
		t.Fatalf("process returned error: %v", err)
	}

	if rec.states["sub-2"] != model.StateCompilationError {
		t.Fatalf("expected state compilation_error, got %s", rec.states["sub-2"])
	}
	if len(producer.published) != 0 {
		t.Fatalf("expected no run job enqueued on compile failure, got %d", len(producer.published))
	}
}

func TestProcessSandboxErrorDuringCompileMapsToSystemError(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	store := artifact.New(root)
	archivePath := buildSubmissionArchive(t, root)

	sc := baseSubmissionContext("sub-3", archivePath)
	rec := newFakeRecorder(sc)
	producer := &fakeProducer{}
	eng := &scriptedEngine{outcome: result.Outcome{Kind: result.SandboxError, Reason: "exec failed"}}
	w := New(store, eng, rec, producer)

	job := model.CompileJob{SubmissionID: "sub-3", ArchivePath: archivePath}
	if err := w.process(context.Background(), job); err != nil {
		t.Fatalf("process returned error: %v", err)
	}

	if rec.states["sub-3"] != model.StateJudged {
		t.Fatalf("expected state judged, got %s", rec.states["sub-3"])
	}
	if rec.logs["sub-3"] == "" {
		t.Fatal("expected a compilation log explaining the sandbox error")
	}
}

func TestProcessSkipsAlreadyProcessedSubmission(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	store := artifact.New(root)
	archivePath := buildSubmissionArchive(t, root)

	sc := baseSubmissionContext("sub-4", archivePath)
	sc.Submission.State = model.StateCompiled
	rec := newFakeRecorder(sc)
	producer := &fakeProducer{}
	eng := &scriptedEngine{outcome: result.Outcome{Kind: result.ExitedWith, ExitCode: 0}}
	w := New(store, eng, rec, producer)

	job := model.CompileJob{SubmissionID: "sub-4", ArchivePath: archivePath}
	if err := w.process(context.Background(), job); err != nil {
		t.Fatalf("process returned error: %v", err)
	}
	if len(producer.published) != 0 {
		t.Fatalf("expected redelivery of an already-compiled submission to be a no-op, got %d publishes", len(producer.published))
	}
}

func TestProcessInvalidArchiveFailsCompilation(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	store := artifact.New(root)
	badArchivePath := filepath.Join(root, "not-an-archive.tar.zst")
	if err := os.WriteFile(badArchivePath, []byte("not a real archive"), 0644); err != nil {
		t.Fatalf("write bad archive: %v", err)
	}

	sc := baseSubmissionContext("sub-5", badArchivePath)
	rec := newFakeRecorder(sc)
	producer := &fakeProducer{}
	eng := &scriptedEngine{outcome: result.Outcome{Kind: result.ExitedWith, ExitCode: 0}}
	w := New(store, eng, rec, producer)

	job := model.CompileJob{SubmissionID: "sub-5", ArchivePath: badArchivePath}
	if err := w.process(context.Background(), job); err != nil {
		t.Fatalf("process returned error: %v", err)
	}
	if rec.states["sub-5"] != model.StateCompilationError {
		t.Fatalf("expected state compilation_error for an invalid archive, got %s", rec.states["sub-5"])
	}
}

func TestCompileCommandSplitsLanguageHint(t *testing.T) {
	t.Parallel()
	cmd, err := compileCommand("cpp17 -O2")
	if err != nil {
		t.Fatalf("compileCommand returned error: %v", err)
	}
	want := []string{"./" + archive.CompileScript, "cpp17", "-O2"}
	if len(cmd) != len(want) {
		t.Fatalf("compileCommand() = %v, want %v", cmd, want)
	}
	for i := range want {
		if cmd[i] != want[i] {
			t.Fatalf("compileCommand() = %v, want %v", cmd, want)
		}
	}
}

func TestCompileCommandNoHint(t *testing.T) {
	t.Parallel()
	cmd, err := compileCommand("")
	if err != nil {
		t.Fatalf("compileCommand returned error: %v", err)
	}
	if len(cmd) != 1 || cmd[0] != "./"+archive.CompileScript {
		t.Fatalf("compileCommand() = %v, want [%q]", cmd, "./"+archive.CompileScript)
	}
}
