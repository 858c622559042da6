package worker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/spool"
)

const (
	BatchSize    = 50
	BatchTimeout = 2 * time.Second
	PollTimeout  = 1 * time.Second // Must be >= 1s to satisfy Redis

	ReplayInterval = 5 * time.Second
)

// AuditWorker persists proctoring audit entries from the Redis queue into
// proctoring_audit_logs. While the queue is idle it replays entries spooled
// during a Redis outage.
type AuditWorker struct {
	pool  *pgxpool.Pool
	rdb   *redis.Client
	spool *spool.Spool
	log   zerolog.Logger
}

// NewAuditWorker creates a new AuditWorker. sp may be nil.
func NewAuditWorker(pool *pgxpool.Pool, rdb *redis.Client, sp *spool.Spool, log zerolog.Logger) *AuditWorker {
	return &AuditWorker{
		pool:  pool,
		rdb:   rdb,
		spool: sp,
		log:   log.With().Str("component", "audit_worker").Logger(),
	}
}

func (w *AuditWorker) Start(ctx context.Context) {
	w.log.Info().Msg("AuditWorker started")

	buffer := make([]*model.AuditEntry, 0, BatchSize)
	lastFlushTime := time.Now()
	lastReplay := time.Time{}

	for {
		// 1. Check Flush Conditions (Time or Size)
		if len(buffer) > 0 {
			if len(buffer) >= BatchSize || time.Since(lastFlushTime) >= BatchTimeout {
				w.flushSafe(ctx, buffer)
				buffer = buffer[:0]
				lastFlushTime = time.Now()
			}
		}

		// 2. Check Context (Graceful Shutdown)
		select {
		case <-ctx.Done():
			w.shutdown(buffer)
			return
		default:
		}

		// 3. Fetch from Redis
		result, err := w.rdb.BLPop(ctx, PollTimeout, config.WorkerKey.PersistProctorAuditQueue).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				// Queue empty: Redis is reachable, drain the spool
				if time.Since(lastReplay) >= ReplayInterval {
					w.replaySpool(ctx)
					lastReplay = time.Now()
				}
				continue
			}
			if ctx.Err() != nil {
				continue
			}
			w.log.Error().Err(err).Msg("Redis connection error, sleeping 3s")
			time.Sleep(3 * time.Second)
			continue
		}

		// 4. Process Data
		if len(result) < 2 {
			continue
		}

		var entry model.AuditEntry
		if err := json.Unmarshal([]byte(result[1]), &entry); err != nil {
			// Malformed JSON cannot be retried
			w.log.Error().Err(err).Str("data", result[1]).Msg("Discarding malformed JSON")
			continue
		}

		buffer = append(buffer, &entry)
	}
}

// flushSafe attempts bulk insert, then fallback insert, then requeue
func (w *AuditWorker) flushSafe(ctx context.Context, batch []*model.AuditEntry) {
	if err := w.bulkInsert(ctx, batch); err != nil {
		w.log.Warn().Err(err).Int("count", len(batch)).Msg("Bulk insert failed, attempting row-by-row recovery")
		w.fallbackInsert(ctx, batch)
	}
}

func (w *AuditWorker) bulkInsert(ctx context.Context, batch []*model.AuditEntry) error {
	rows := make([][]interface{}, 0, len(batch))
	for _, e := range batch {
		rows = append(rows, []interface{}{
			e.AssignmentID, e.SessionID, e.StudentID, string(e.Action), e.Details, e.RecordedAt,
		})
	}

	_, err := w.pool.CopyFrom(
		ctx,
		pgx.Identifier{"proctoring_audit_logs"},
		[]string{"assignment_id", "session_id", "student_id", "action", "details", "recorded_at"},
		pgx.CopyFromRows(rows),
	)
	return err
}

func (w *AuditWorker) fallbackInsert(ctx context.Context, batch []*model.AuditEntry) {
	requeueList := make([]*model.AuditEntry, 0)

	for _, e := range batch {
		_, err := w.pool.Exec(ctx,
			`INSERT INTO proctoring_audit_logs (assignment_id, session_id, student_id, action, details, recorded_at)
             VALUES ($1, $2, $3, $4, $5, $6)`,
			e.AssignmentID, e.SessionID, e.StudentID, string(e.Action), e.Details, e.RecordedAt,
		)
		if err != nil {
			w.log.Error().Err(err).
				Int("student_id", e.StudentID).
				Str("action", string(e.Action)).
				Msg("Insert failed, requeueing")
			requeueList = append(requeueList, e)
		}
	}

	if len(requeueList) > 0 {
		w.requeue(ctx, requeueList)
	}
}

func (w *AuditWorker) requeue(ctx context.Context, items []*model.AuditEntry) {
	pipe := w.rdb.Pipeline()
	for _, e := range items {
		data, _ := json.Marshal(e)
		pipe.RPush(ctx, config.WorkerKey.PersistProctorAuditQueue, data)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		w.log.Error().Err(err).Msg("Failed to requeue audit entries to Redis, spooling")
		w.spoolAll(ctx, items)
		return
	}
	w.log.Info().Int("count", len(items)).Msg("Requeued failed items back to Redis")
	// Avoid thrashing while the DB is down hard
	time.Sleep(2 * time.Second)
}

func (w *AuditWorker) spoolAll(ctx context.Context, items []*model.AuditEntry) {
	if w.spool == nil {
		w.log.Error().Int("count", len(items)).Msg("CRITICAL: No spool configured. Audit entries lost.")
		return
	}
	for _, e := range items {
		if err := w.spool.Put(ctx, *e); err != nil {
			w.log.Error().Err(err).
				Str("session_id", e.SessionID.String()).
				Str("action", string(e.Action)).
				Msg("CRITICAL: Failed to spool audit entry. Data loss occurred.")
		}
	}
}

// replaySpool moves spooled entries back onto the Redis queue.
func (w *AuditWorker) replaySpool(ctx context.Context) {
	if w.spool == nil {
		return
	}

	items, err := w.spool.Peek(ctx, BatchSize)
	if err != nil {
		w.log.Error().Err(err).Msg("Failed to read audit spool")
		return
	}
	if len(items) == 0 {
		return
	}

	pipe := w.rdb.Pipeline()
	ids := make([]int64, 0, len(items))
	for _, it := range items {
		data, err := json.Marshal(it.Entry)
		if err != nil {
			continue
		}
		pipe.RPush(ctx, config.WorkerKey.PersistProctorAuditQueue, data)
		ids = append(ids, it.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		w.log.Warn().Err(err).Msg("Spool replay deferred, Redis still unavailable")
		return
	}

	if err := w.spool.Delete(ctx, ids); err != nil {
		// Entries stay spooled and will be queued again; the table has no
		// natural key so duplicates are possible here.
		w.log.Error().Err(err).Int("count", len(ids)).Msg("Failed to delete replayed spool entries")
		return
	}
	w.log.Info().Int("count", len(ids)).Msg("Replayed spooled audit entries")
}

func (w *AuditWorker) shutdown(buffer []*model.AuditEntry) {
	w.log.Info().Msg("Worker stopping, flushing remaining buffer...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if len(buffer) > 0 {
		w.flushSafe(shutdownCtx, buffer)
	}
}
