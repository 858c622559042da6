package worker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
)

const (
	SubmitBatchSize    = 50
	SubmitBatchTimeout = 2 * time.Second
	SubmitPollTimeout  = 1 * time.Second
)

// SubmissionWorker upserts final submissions into assignment_submissions.
type SubmissionWorker struct {
	pool *pgxpool.Pool
	rdb  *redis.Client
	log  zerolog.Logger
}

func NewSubmissionWorker(pool *pgxpool.Pool, rdb *redis.Client, log zerolog.Logger) *SubmissionWorker {
	return &SubmissionWorker{
		pool: pool,
		rdb:  rdb,
		log:  log.With().Str("component", "submission_worker").Logger(),
	}
}

// ─── Worker loop with batching ──────────────────────────────────────────────

func (w *SubmissionWorker) Start(ctx context.Context) {
	w.log.Info().Msg("SubmissionWorker started")

	batch := make([]*model.Submission, 0, SubmitBatchSize)
	lastFlush := time.Now()

	for {
		if len(batch) > 0 &&
			(len(batch) >= SubmitBatchSize || time.Since(lastFlush) >= SubmitBatchTimeout) {

			w.flushSafe(ctx, batch)
			batch = batch[:0]
			lastFlush = time.Now()
		}

		select {
		case <-ctx.Done():
			w.log.Info().Msg("Shutdown requested. Flushing remaining batch...")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			w.flushSafe(shutdownCtx, batch)
			cancel()
			return

		default:
			item, err := w.rdb.BLPop(ctx, SubmitPollTimeout, config.WorkerKey.PersistSubmissionsQueue).Result()
			if err != nil {
				if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
					w.log.Error().Err(err).Msg("BLPop error")
					time.Sleep(time.Second)
				}
				continue
			}

			if len(item) < 2 {
				continue
			}

			var sub model.Submission
			if err := json.Unmarshal([]byte(item[1]), &sub); err != nil {
				w.log.Error().Err(err).Msg("Invalid JSON payload")
				continue
			}

			batch = append(batch, dedupe(batch, &sub)...)
		}
	}
}

// dedupe replaces an earlier submission of the same student in the batch,
// since one UPSERT statement cannot touch the same row twice.
func dedupe(batch []*model.Submission, sub *model.Submission) []*model.Submission {
	for i, p := range batch {
		if p.AssignmentID == sub.AssignmentID && p.StudentID == sub.StudentID {
			batch[i] = sub
			return nil
		}
	}
	return []*model.Submission{sub}
}

// ─── Batch upsert wrapper ───────────────────────────────────────────────────

func (w *SubmissionWorker) flushSafe(ctx context.Context, batch []*model.Submission) {
	if len(batch) == 0 {
		return
	}

	if err := w.bulkUpsert(ctx, batch); err != nil {
		w.log.Warn().Err(err).Msg("Bulk submission upsert failed, using fallback")

		for _, p := range batch {
			if err := w.persistSingle(ctx, p); err != nil {
				w.log.Error().Err(err).
					Int("student_id", p.StudentID).
					Str("assignment_id", p.AssignmentID.String()).
					Msg("persistSingle failed, requeueing")
				raw, _ := json.Marshal(p)
				if err := w.rdb.RPush(ctx, config.WorkerKey.PersistSubmissionsQueue, raw).Err(); err != nil {
					w.log.Error().Err(err).Msg("CRITICAL: Failed to requeue submission. Data loss occurred.")
				}
			}
		}
	}
}

const upsertColumns = `
	assignment_id, student_id, session_id, submission_text, submission_files,
	fullscreen_warnings, tab_switch_warnings, secure_mode_used, termination_reason, submitted_at`

const upsertConflict = `
	ON CONFLICT (assignment_id, student_id) DO UPDATE SET
		session_id          = EXCLUDED.session_id,
		submission_text     = EXCLUDED.submission_text,
		submission_files    = EXCLUDED.submission_files,
		fullscreen_warnings = EXCLUDED.fullscreen_warnings,
		tab_switch_warnings = EXCLUDED.tab_switch_warnings,
		secure_mode_used    = EXCLUDED.secure_mode_used,
		termination_reason  = EXCLUDED.termination_reason,
		submitted_at        = EXCLUDED.submitted_at`

// ─── Bulk PostgreSQL UPSERT using UNNEST ────────────────────────────────────

func (w *SubmissionWorker) bulkUpsert(ctx context.Context, batch []*model.Submission) error {
	n := len(batch)

	assignmentIDs := make([]uuid.UUID, 0, n)
	students := make([]int, 0, n)
	sessionIDs := make([]uuid.UUID, 0, n)
	texts := make([]string, 0, n)
	files := make([]string, 0, n)
	fullscreen := make([]*int, 0, n)
	tabSwitch := make([]*int, 0, n)
	secure := make([]*bool, 0, n)
	reasons := make([]*string, 0, n)
	submittedAts := make([]time.Time, 0, n)

	for _, p := range batch {
		f, err := filesJSON(p.SubmissionFiles)
		if err != nil {
			return err
		}
		assignmentIDs = append(assignmentIDs, p.AssignmentID)
		students = append(students, p.StudentID)
		sessionIDs = append(sessionIDs, p.SessionID)
		texts = append(texts, p.SubmissionText)
		files = append(files, f)
		fullscreen = append(fullscreen, p.FullscreenWarnings)
		tabSwitch = append(tabSwitch, p.TabSwitchWarnings)
		secure = append(secure, p.SecureModeUsed)
		reasons = append(reasons, reasonString(p.TerminationReason))
		submittedAts = append(submittedAts, submittedAt(p))
	}

	query := `
		INSERT INTO assignment_submissions (` + upsertColumns + `)
		SELECT
			u.assignment_id, u.student_id, u.session_id, u.submission_text, u.submission_files::jsonb,
			u.fullscreen_warnings, u.tab_switch_warnings, u.secure_mode_used, u.termination_reason, u.submitted_at
		FROM UNNEST(
			$1::uuid[],
			$2::int[],
			$3::uuid[],
			$4::text[],
			$5::text[],
			$6::int[],
			$7::int[],
			$8::bool[],
			$9::varchar[],
			$10::timestamptz[]
		) AS u (assignment_id, student_id, session_id, submission_text, submission_files,
		        fullscreen_warnings, tab_switch_warnings, secure_mode_used, termination_reason, submitted_at)
	` + upsertConflict

	_, err := w.pool.Exec(ctx, query,
		assignmentIDs, students, sessionIDs, texts, files,
		fullscreen, tabSwitch, secure, reasons, submittedAts,
	)
	return err
}

// ─── Fallback single upsert ─────────────────────────────────────────────────

func (w *SubmissionWorker) persistSingle(ctx context.Context, p *model.Submission) error {
	f, err := filesJSON(p.SubmissionFiles)
	if err != nil {
		return err
	}

	_, err = w.pool.Exec(ctx,
		`INSERT INTO assignment_submissions (`+upsertColumns+`)
		 VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7, $8, $9, $10)`+upsertConflict,
		p.AssignmentID, p.StudentID, p.SessionID, p.SubmissionText, f,
		p.FullscreenWarnings, p.TabSwitchWarnings, p.SecureModeUsed,
		reasonString(p.TerminationReason), submittedAt(p),
	)
	return err
}

func filesJSON(files []string) (string, error) {
	if files == nil {
		files = []string{}
	}
	b, err := json.Marshal(files)
	return string(b), err
}

func reasonString(r *model.TerminationReason) *string {
	if r == nil {
		return nil
	}
	s := string(*r)
	return &s
}

func submittedAt(p *model.Submission) time.Time {
	if p.SubmittedAt.IsZero() {
		return time.Now()
	}
	return p.SubmittedAt
}
