// Package pending implements the gateway side of the Pending-Binary
// Coordinator contract (spec.md §4.6): reviving every submission parked
// at queue_pending for a problem once both its generator and checker
// binaries are present.
package pending

import (
	"context"
	"encoding/json"

	"fuzoj/internal/common/mq"
	"fuzoj/internal/core/artifact"
	"fuzoj/internal/core/compiler"
	"fuzoj/internal/core/model"
	"fuzoj/internal/core/recorder"
	appErr "fuzoj/pkg/errors"
	"fuzoj/pkg/utils/logger"

	"go.uber.org/zap"
)

// Coordinator drives the binary-upload-triggered revival half of the
// contract; the Judge's own half (parking a submission by writing
// queue_pending) is internal/core/judge.Worker.process.
type Coordinator struct {
	store    *artifact.Store
	recorder recorder.Recorder
	producer mq.Producer
}

// New builds a Coordinator.
func New(store *artifact.Store, rec recorder.Recorder, producer mq.Producer) *Coordinator {
	return &Coordinator{store: store, recorder: rec, producer: producer}
}

// OnBinariesUploaded is called by the gateway's binary-upload operation
// after installing a generator or checker for problemID. It is a no-op
// unless both binaries are now present; otherwise it resets every
// queue_pending submission for the problem to compiled and enqueues a
// fresh run job for each, per spec.md §4.6.
func (c *Coordinator) OnBinariesUploaded(ctx context.Context, problemID string) (revived int, err error) {
	generatorOK, checkerOK := c.store.ProblemBinariesPresent(problemID)
	if !generatorOK || !checkerOK {
		return 0, nil
	}

	ids, err := c.recorder.ListQueuePending(ctx, problemID)
	if err != nil {
		return 0, appErr.Wrapf(err, appErr.DatabaseError, "list queue_pending submissions for %s", problemID)
	}

	for _, submissionID := range ids {
		sc, err := c.recorder.Load(ctx, submissionID)
		if err != nil {
			logger.Error(ctx, "pending revival: load submission failed",
				zap.String("submission_id", submissionID), zap.Error(err))
			continue
		}
		if sc.Submission.State != model.StateQueuePending {
			// Already revived by a concurrent upload; idempotent skip.
			continue
		}
		applied, err := c.recorder.CompareAndSetState(ctx, submissionID, model.StateQueuePending, model.StateCompiled)
		if err != nil {
			logger.Error(ctx, "pending revival: state reset failed",
				zap.String("submission_id", submissionID), zap.Error(err))
			continue
		}
		if !applied {
			continue
		}
		if err := c.enqueueRunJob(ctx, submissionID, sc); err != nil {
			logger.Error(ctx, "pending revival: enqueue run job failed",
				zap.String("submission_id", submissionID), zap.Error(err))
			continue
		}
		revived++
	}
	return revived, nil
}

func (c *Coordinator) enqueueRunJob(ctx context.Context, submissionID string, sc recorder.SubmissionContext) error {
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
	return c.producer.Publish(ctx, compiler.RunTopic, &mq.Message{ID: submissionID, Body: payload})
}
