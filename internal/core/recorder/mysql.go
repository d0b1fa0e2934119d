package recorder

import (
	"context"
	"database/sql"
	"time"

	"fuzoj/internal/common/db"
	"fuzoj/internal/core/model"
	"fuzoj/internal/core/result"
	appErr "fuzoj/pkg/errors"
)

// MySQLRecorder is the MySQL-backed Recorder, grounded on the judge
// service's StatusRepository: a thin query layer over a provider so the
// underlying connection can be swapped or failed over without touching
// callers.
//
// Expected schema (DDL owned by the gateway's migrations, not this
// package):
//
//	submissions(submission_id PK, user_id, problem_id, contest_id,
//	  language, state, archive_path, compilation_log, verdict, score,
//	  total_time_ms, peak_mem_kb, compiled_at, judged_at)
//	problems(problem_id PK, time_limit_ms, memory_limit_kb, max_threads,
//	  network_allowed, case_count, language, partial_scoring, max_score)
//	case_results(submission_id, ordinal, verdict, wall_time_ms,
//	  peak_mem_kb, comment, output_hash, partial_fraction,
//	  PRIMARY KEY(submission_id, ordinal))
//
// Problem.GeneratorExists / Problem.CheckerExists are never populated by
// Load: binary presence is an artifact-store fact, not a database column,
// and callers consult internal/core/artifact.Store.ProblemBinariesPresent
// directly after Load returns.
type MySQLRecorder struct {
	provider db.Provider
}

// NewMySQLRecorder builds a MySQLRecorder over provider.
func NewMySQLRecorder(provider db.Provider) *MySQLRecorder {
	return &MySQLRecorder{provider: provider}
}

func (r *MySQLRecorder) database() (db.Database, error) {
	return db.CurrentDatabase(r.provider)
}

// Load reads the submission row and its owning problem's configuration.
func (r *MySQLRecorder) Load(ctx context.Context, submissionID string) (SubmissionContext, error) {
	database, err := r.database()
	if err != nil {
		return SubmissionContext{}, err
	}

	row := database.QueryRow(ctx, `
		SELECT submission_id, user_id, problem_id, contest_id, language, state, archive_path
		FROM submissions WHERE submission_id = ?`, submissionID)

	var sc SubmissionContext
	var contestID sql.NullString
	if err := row.Scan(&sc.Submission.ID, &sc.Submission.UserID, &sc.Submission.ProblemID,
		&contestID, &sc.Submission.Language, &sc.Submission.State, &sc.Submission.ArchivePath); err != nil {
		if db.IsNoRows(err) {
			return SubmissionContext{}, appErr.New(appErr.SubmissionNotFound).WithMessage("submission not found")
		}
		return SubmissionContext{}, appErr.Wrapf(err, appErr.DatabaseError, "load submission")
	}
	sc.Submission.ContestID = contestID.String

	problemRow := database.QueryRow(ctx, `
		SELECT problem_id, time_limit_ms, memory_limit_kb, max_threads, network_allowed,
		       case_count, language, partial_scoring, max_score
		FROM problems WHERE problem_id = ?`, sc.Submission.ProblemID)

	var lang sql.NullString
	if err := problemRow.Scan(&sc.Problem.ID, &sc.Problem.TimeLimitMs, &sc.Problem.MemoryLimitKB,
		&sc.Problem.MaxThreads, &sc.Problem.NetworkAllowed, &sc.Problem.CaseCount, &lang,
		&sc.Problem.PartialScoring, &sc.Problem.MaxScore); err != nil {
		if db.IsNoRows(err) {
			return SubmissionContext{}, appErr.New(appErr.ProblemNotFound).WithMessage("problem not found")
		}
		return SubmissionContext{}, appErr.Wrapf(err, appErr.DatabaseError, "load problem")
	}
	sc.Problem.Language = lang.String

	return sc, nil
}

// CompareAndSetState implements the FSM's CAS transition as a single
// UPDATE guarded by the expected prior state; RowsAffected distinguishes
// "already moved on" (0 rows, not an error) from a genuine failure.
func (r *MySQLRecorder) CompareAndSetState(ctx context.Context, submissionID string, from, to model.State) (bool, error) {
	database, err := r.database()
	if err != nil {
		return false, err
	}
	res, err := database.Exec(ctx, `
		UPDATE submissions SET state = ? WHERE submission_id = ? AND state = ?`,
		string(to), submissionID, string(from))
	if err != nil {
		return false, appErr.Wrapf(err, appErr.DatabaseError, "compare-and-set submission state")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, appErr.Wrapf(err, appErr.DatabaseError, "read rows affected")
	}
	return affected > 0, nil
}

// SetCompilationLog stores the (already truncated) compiler log.
func (r *MySQLRecorder) SetCompilationLog(ctx context.Context, submissionID, log string) error {
	database, err := r.database()
	if err != nil {
		return err
	}
	_, err = database.Exec(ctx, `
		UPDATE submissions SET compilation_log = ? WHERE submission_id = ?`, log, submissionID)
	if err != nil {
		return appErr.Wrapf(err, appErr.DatabaseError, "store compilation log")
	}
	return nil
}

// InsertCaseResult writes one per-case row once; a redelivered insert for
// an existing (submission_id, ordinal) leaves the stored row unchanged.
func (r *MySQLRecorder) InsertCaseResult(ctx context.Context, submissionID string, cr result.CaseResult) error {
	database, err := r.database()
	if err != nil {
		return err
	}
	_, err = database.Exec(ctx, `
		INSERT INTO case_results (submission_id, ordinal, verdict, wall_time_ms, peak_mem_kb, comment, output_hash, partial_fraction)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE submission_id = submission_id`,
		submissionID, cr.Ordinal, string(cr.Verdict), cr.WallTimeMs, cr.PeakMemKB, cr.Comment, cr.OutputHash, cr.PartialFraction)
	if err != nil {
		return appErr.Wrapf(err, appErr.DatabaseError, "insert case result")
	}
	return nil
}

// SetSummary commits the final verdict and drives the submission into
// StateJudged in one statement; callers do not need a separate
// CompareAndSetState call for the terminal transition.
func (r *MySQLRecorder) SetSummary(ctx context.Context, submissionID string, summary model.Summary) error {
	database, err := r.database()
	if err != nil {
		return err
	}
	judgedAt := summary.JudgedAt
	if judgedAt == 0 {
		judgedAt = time.Now().Unix()
	}
	_, err = database.Exec(ctx, `
		UPDATE submissions
		SET state = ?, verdict = ?, score = ?, total_time_ms = ?, peak_mem_kb = ?,
		    compiled_at = ?, judged_at = ?
		WHERE submission_id = ?`,
		string(model.StateJudged), string(summary.Verdict), summary.Score, summary.TotalTimeMs,
		summary.PeakMemKB, nullIfZero(summary.CompiledAt), judgedAt, submissionID)
	if err != nil {
		return appErr.Wrapf(err, appErr.DatabaseError, "commit submission summary")
	}
	return nil
}

// ListQueuePending returns submission ids parked for problemID.
func (r *MySQLRecorder) ListQueuePending(ctx context.Context, problemID string) ([]string, error) {
	database, err := r.database()
	if err != nil {
		return nil, err
	}
	rows, err := database.Query(ctx, `
		SELECT submission_id FROM submissions WHERE problem_id = ? AND state = ?`,
		problemID, string(model.StateQueuePending))
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "list queue_pending submissions")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, appErr.Wrapf(err, appErr.DatabaseError, "scan queue_pending submission")
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "iterate queue_pending submissions")
	}
	return ids, nil
}

func nullIfZero(epoch int64) interface{} {
	if epoch == 0 {
		return nil
	}
	return epoch
}
