package pending

import (
	"context"
	"encoding/json"
	"os"
	"testing"

	"fuzoj/internal/common/mq"
	"fuzoj/internal/core/artifact"
	"fuzoj/internal/core/model"
	"fuzoj/internal/core/recorder"
	"fuzoj/internal/core/result"
)

type fakeRecorder struct {
	contexts map[string]recorder.SubmissionContext
	states   map[string]model.State
	pending  map[string][]string
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
	return nil
}

func (r *fakeRecorder) InsertCaseResult(ctx context.Context, submissionID string, cr result.CaseResult) error {
	return nil
}

func (r *fakeRecorder) SetSummary(ctx context.Context, submissionID string, summary model.Summary) error {
	return nil
}

func (r *fakeRecorder) ListQueuePending(ctx context.Context, problemID string) ([]string, error) {
	return r.pending[problemID], nil
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

func TestOnBinariesUploadedRevivesParkedSubmissions(t *testing.T) {
	t.Parallel()
	store := artifact.New(t.TempDir())
	if err := os.MkdirAll(store.TestCaseDir("prob-1"), 0755); err != nil {
		t.Fatalf("mkdir testcase dir: %v", err)
	}
	if err := os.WriteFile(store.GeneratorPath("prob-1"), []byte("gen"), 0755); err != nil {
		t.Fatalf("write generator: %v", err)
	}
	if err := os.WriteFile(store.CheckerPath("prob-1"), []byte("chk"), 0755); err != nil {
		t.Fatalf("write checker: %v", err)
	}

	rec := &fakeRecorder{
		contexts: map[string]recorder.SubmissionContext{
			"sub-1": {Submission: model.Submission{ID: "sub-1", ProblemID: "prob-1"}, Problem: model.Problem{ID: "prob-1", TimeLimitMs: 1000}},
			"sub-2": {Submission: model.Submission{ID: "sub-2", ProblemID: "prob-1"}, Problem: model.Problem{ID: "prob-1", TimeLimitMs: 1000}},
		},
		states: map[string]model.State{
			"sub-1": model.StateQueuePending,
			"sub-2": model.StateQueuePending,
		},
		pending: map[string][]string{"prob-1": {"sub-1", "sub-2"}},
	}
	producer := &fakeProducer{}
	c := New(store, rec, producer)

	revived, err := c.OnBinariesUploaded(context.Background(), "prob-1")
	if err != nil {
		t.Fatalf("OnBinariesUploaded returned error: %v", err)
	}
	if revived != 2 {
		t.Fatalf("expected 2 revived submissions, got %d", revived)
	}
	for _, id := range []string{"sub-1", "sub-2"} {
		if rec.states[id] != model.StateCompiled {
			t.Errorf("expected %s to be reset to compiled, got %s", id, rec.states[id])
		}
	}
	if len(producer.published) != 2 {
		t.Fatalf("expected 2 republished run jobs, got %d", len(producer.published))
	}
	seen := map[string]bool{}
	for _, p := range producer.published {
		if p.topic != "run" {
			t.Errorf("expected republish on the run topic, got %q", p.topic)
		}
		var job model.RunJob
		if err := json.Unmarshal(p.msg.Body, &job); err != nil {
			t.Fatalf("unmarshal republished run job: %v", err)
		}
		seen[job.SubmissionID] = true
	}
	if !seen["sub-1"] || !seen["sub-2"] {
		t.Fatalf("expected both submissions republished, saw %+v", seen)
	}
}

func TestOnBinariesUploadedNoOpWhenBinariesIncomplete(t *testing.T) {
	t.Parallel()
	store := artifact.New(t.TempDir())
	if err := os.WriteFile(store.GeneratorPath("prob-2"), []byte("gen"), 0755); err != nil {
		t.Fatalf("write generator: %v", err)
	}
	// Checker deliberately absent.

	rec := &fakeRecorder{
		contexts: map[string]recorder.SubmissionContext{},
		states:   map[string]model.State{},
		pending:  map[string][]string{"prob-2": {"sub-3"}},
	}
	producer := &fakeProducer{}
	c := New(store, rec, producer)

	revived, err := c.OnBinariesUploaded(context.Background(), "prob-2")
	if err != nil {
		t.Fatalf("OnBinariesUploaded returned error: %v", err)
	}
	if revived != 0 {
		t.Fatalf("expected no revival while a binary is missing, got %d", revived)
	}
	if len(producer.published) != 0 {
		t.Fatalf("expected no republished jobs, got %d", len(producer.published))
	}
}

func TestOnBinariesUploadedSkipsAlreadyRevivedSubmission(t *testing.T) {
	t.Parallel()
	store := artifact.New(t.TempDir())
	if err := os.WriteFile(store.GeneratorPath("prob-3"), []byte("gen"), 0755); err != nil {
		t.Fatalf("write generator: %v", err)
	}
	if err := os.WriteFile(store.CheckerPath("prob-3"), []byte("chk"), 0755); err != nil {
		t.Fatalf("write checker: %v", err)
	}

	rec := &fakeRecorder{
		contexts: map[string]recorder.SubmissionContext{
			"sub-4": {Submission: model.Submission{ID: "sub-4", ProblemID: "prob-3"}, Problem: model.Problem{ID: "prob-3"}},
		},
		states: map[string]model.State{
			// Already moved on by a concurrent revival.
			"sub-4": model.StateCompiled,
		},
		pending: map[string][]string{"prob-3": {"sub-4"}},
	}
	producer := &fakeProducer{}
	c := New(store, rec, producer)

	revived, err := c.OnBinariesUploaded(context.Background(), "prob-3")
	if err != nil {
		t.Fatalf("OnBinariesUploaded returned error: %v", err)
	}
	if revived != 0 {
		t.Fatalf("expected 0 revived for a submission no longer parked, got %d", revived)
	}
	if len(producer.published) != 0 {
		t.Fatalf("expected no republish for a submission no longer parked, got %d", len(producer.published))
	}
}
