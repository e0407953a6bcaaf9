package jobs

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"

	"github.com/fvsync/fvsync/internal/logging"
	"github.com/fvsync/fvsync/internal/metrics"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Job statuses stored in sync_jobs.
const (
	StatusPending = "pending"
	StatusRunning = "running"
	StatusDone    = "done"
	StatusFailed  = "failed"
)

// Open connects to Postgres and verifies the connection.
func Open(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

// Migrate applies the embedded schema migrations.
func Migrate(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations)
	defer goose.SetBaseFS(nil)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	logging.Info("migrations applied")
	return nil
}

// Job is a row of sync_jobs.
type Job struct {
	ID        string
	ProjectID int64
	Status    string
	Attempts  int
	LastError string
	CreatedAt time.Time
}

// Queue is a durable Scheduler backed by the sync_jobs table. Several
// processes may share one table; claims use SKIP LOCKED. A running job
// whose heartbeat is older than staleAfter is returned to pending.
type Queue struct {
	db         *sql.DB
	run        RunFunc
	workers    int
	poll       time.Duration
	staleAfter time.Duration
	heartbeat  time.Duration

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewQueue returns a Queue. poll is how long an idle worker waits before
// looking for new jobs.
func NewQueue(db *sql.DB, run RunFunc, workers int, poll time.Duration) *Queue {
	if workers <= 0 {
		workers = 2
	}
	if poll <= 0 {
		poll = 5 * time.Second
	}
	return &Queue{
		db:         db,
		run:        run,
		workers:    workers,
		poll:       poll,
		staleAfter: 10 * time.Minute,
		heartbeat:  time.Minute,
	}
}

// Enqueue inserts a pending job unless the project already has a live one.
func (q *Queue) Enqueue(ctx context.Context, projectID int64) error {
	res, err := q.db.ExecContext(ctx, `
		INSERT INTO sync_jobs (id, project_id, status)
		VALUES ($1, $2, 'pending')
		ON CONFLICT (project_id) WHERE status IN ('pending', 'running') DO NOTHING`,
		uuid.NewString(), projectID)
	if err != nil {
		return fmt.Errorf("enqueue project %d: %w", projectID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		logging.WithContext(ctx).Debug("project sync already pending", logging.ProjectID(projectID))
		return nil
	}
	logging.WithContext(ctx).Info("project sync queued", logging.ProjectID(projectID))
	q.updateDepth(ctx)
	return nil
}

// Claim marks the oldest pending job running and returns it. It returns
// sql.ErrNoRows when nothing is pending.
func (q *Queue) Claim(ctx context.Context) (*Job, error) {
	j := &Job{Status: StatusRunning}
	err := q.db.QueryRowContext(ctx, `
		UPDATE sync_jobs
		SET status = 'running', started_at = now(), heartbeat_at = now(), attempts = attempts + 1
		WHERE id = (
			SELECT id FROM sync_jobs
			WHERE status = 'pending'
			ORDER BY created_at
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING id, project_id, attempts, created_at`,
	).Scan(&j.ID, &j.ProjectID, &j.Attempts, &j.CreatedAt)
	if err != nil {
		return nil, err
	}
	return j, nil
}

// Complete records the outcome of a claimed job.
func (q *Queue) Complete(ctx context.Context, id string, runErr error) error {
	status := StatusDone
	var lastErr sql.NullString
	if runErr != nil {
		status = StatusFailed
		lastErr = sql.NullString{String: runErr.Error(), Valid: true}
	}
	_, err := q.db.ExecContext(ctx,
		`UPDATE sync_jobs SET status = $2, last_error = $3, finished_at = now() WHERE id = $1`,
		id, status, lastErr)
	if err != nil {
		return fmt.Errorf("complete job %s: %w", id, err)
	}
	return nil
}

// Requeue returns jobs left running by a crashed worker to pending.
func (q *Queue) Requeue(ctx context.Context) (int64, error) {
	res, err := q.db.ExecContext(ctx, `
		UPDATE sync_jobs SET status = 'pending'
		WHERE status = 'running' AND COALESCE(heartbeat_at, started_at) < $1`,
		time.Now().Add(-q.staleAfter))
	if err != nil {
		return 0, fmt.Errorf("requeue stale jobs: %w", err)
	}
	return res.RowsAffected()
}

// Get loads a job by id.
func (q *Queue) Get(ctx context.Context, id string) (*Job, error) {
	j := &Job{}
	var lastErr sql.NullString
	err := q.db.QueryRowContext(ctx,
		`SELECT id, project_id, status, attempts, last_error, created_at FROM sync_jobs WHERE id = $1`, id,
	).Scan(&j.ID, &j.ProjectID, &j.Status, &j.Attempts, &lastErr, &j.CreatedAt)
	if err != nil {
		return nil, err
	}
	j.LastError = lastErr.String
	return j, nil
}

// Start returns stale jobs to the queue and launches the polling workers.
// Stale jobs keep being recovered on every poll while the queue runs.
func (q *Queue) Start(ctx context.Context) {
	ctx, q.cancel = context.WithCancel(ctx)
	q.recoverStale(ctx)
	q.wg.Add(1)
	go q.reaper(ctx)
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx)
	}
	logging.Info("sync queue started", zap.Int("workers", q.workers))
}

func (q *Queue) recoverStale(ctx context.Context) {
	n, err := q.Requeue(ctx)
	switch {
	case err != nil:
		if ctx.Err() == nil {
			logging.Warn("stale job recovery failed", zap.Error(err))
		}
	case n > 0:
		logging.Info("requeued stale sync jobs", zap.Int64("count", n))
		q.updateDepth(ctx)
	}
}

func (q *Queue) reaper(ctx context.Context) {
	defer q.wg.Done()
	t := time.NewTicker(q.poll)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			q.recoverStale(ctx)
		}
	}
}

// Stop cancels running syncs and waits for the workers to exit.
func (q *Queue) Stop() {
	if q.cancel != nil {
		q.cancel()
	}
	q.wg.Wait()
	logging.Info("sync queue stopped")
}

func (q *Queue) worker(ctx context.Context) {
	defer q.wg.Done()
	t := time.NewTicker(q.poll)
	defer t.Stop()
	for {
		for q.runOne(ctx) {
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// runOne claims and runs a single job. It reports whether a job was found.
func (q *Queue) runOne(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}
	job, err := q.Claim(ctx)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) && ctx.Err() == nil {
			logging.Warn("claim failed", zap.Error(err))
		}
		return false
	}
	q.updateDepth(ctx)

	log := logging.L().With(logging.ProjectID(job.ProjectID), zap.String("job_id", job.ID))
	log.Info("background sync started", zap.Int("attempt", job.Attempts))
	stopBeat := q.beat(ctx, job.ID)
	runErr := q.run(ctx, job.ProjectID)
	stopBeat()
	if runErr != nil {
		log.Error("background sync failed", zap.Error(runErr))
	} else {
		log.Info("background sync finished")
	}

	// An interrupted run goes back to pending so the next start resumes it.
	bg := context.WithoutCancel(ctx)
	if ctx.Err() != nil {
		if _, err := q.db.ExecContext(bg, `UPDATE sync_jobs SET status = 'pending' WHERE id = $1`, job.ID); err != nil {
			log.Error("cannot release interrupted job", zap.Error(err))
		}
		return false
	}
	if err := q.Complete(bg, job.ID, runErr); err != nil {
		log.Error("cannot record job outcome", zap.Error(err))
	}
	return true
}

// beat refreshes the job's heartbeat until the returned func is called.
func (q *Queue) beat(ctx context.Context, id string) func() {
	bctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		t := time.NewTicker(q.heartbeat)
		defer t.Stop()
		for {
			select {
			case <-bctx.Done():
				return
			case <-t.C:
				if _, err := q.db.ExecContext(bctx,
					`UPDATE sync_jobs SET heartbeat_at = now() WHERE id = $1 AND status = 'running'`, id); err != nil && bctx.Err() == nil {
					logging.Warn("job heartbeat failed", zap.String("job_id", id), zap.Error(err))
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func (q *Queue) updateDepth(ctx context.Context) {
	var n int
	if err := q.db.QueryRowContext(ctx,
		`SELECT count(*) FROM sync_jobs WHERE status = 'pending'`).Scan(&n); err == nil {
		metrics.SetSeedQueueDepth(n)
	}
}
