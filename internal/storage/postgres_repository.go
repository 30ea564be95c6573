package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"clipfog/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	accountColumns = "id, email, approved, active, expires_at, chat_id, keep_clips, auto_delete, max_delivery_mb, created_at"
	sourceColumns  = "id, account_id, name, stream_key, enabled, created_at"
	sessionColumns = "id, seq, source_id, started_at, ended_at, status, note"
	jobColumns     = "id, seq, session_id, status, result_path, error, size_bytes, attempts, claimed_at, created_at, updated_at"
)

// PostgresRepository persists the datastore in Postgres. Session transitions
// and job claims rely on row locks instead of the process-wide mutex the JSON
// store uses, so multiple worker processes can share one database.
type PostgresRepository struct {
	pool    *pgxpool.Pool
	timeout time.Duration
	now     func() time.Time
}

// NewPostgresRepository opens a Postgres-backed repository and applies the
// schema migration.
func NewPostgresRepository(ctx context.Context, cfg PostgresConfig) (*PostgresRepository, error) {
	cfg = cfg.normalized()
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections > 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckInterval > 0 {
		poolCfg.HealthCheckPeriod = cfg.HealthCheckInterval
	}
	if cfg.ConnectTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	}
	if poolCfg.ConnConfig.RuntimeParams == nil {
		poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
	}
	poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}

	repo := &PostgresRepository{
		pool:    pool,
		timeout: cfg.OperationTimeout,
		now:     cfg.Clock,
	}
	if err := repo.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return repo, nil
}

// Close releases the connection pool, waiting until ctx expires at most.
func (r *PostgresRepository) Close(ctx context.Context) error {
	if r == nil || r.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		r.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (r *PostgresRepository) opCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), r.timeout)
}

func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func scanAccount(row pgx.Row) (models.Account, error) {
	var account models.Account
	err := row.Scan(
		&account.ID,
		&account.Email,
		&account.Approved,
		&account.Active,
		&account.ExpiresAt,
		&account.ChatID,
		&account.KeepClips,
		&account.AutoDelete,
		&account.MaxDeliveryMB,
		&account.CreatedAt,
	)
	return account, err
}

func scanSource(row pgx.Row) (models.Source, error) {
	var source models.Source
	err := row.Scan(
		&source.ID,
		&source.AccountID,
		&source.Name,
		&source.StreamKey,
		&source.Enabled,
		&source.CreatedAt,
	)
	return source, err
}

func scanSession(row pgx.Row) (models.Session, error) {
	var session models.Session
	var status string
	err := row.Scan(
		&session.ID,
		&session.Seq,
		&session.SourceID,
		&session.StartedAt,
		&session.EndedAt,
		&status,
		&session.Note,
	)
	session.Status = models.SessionStatus(status)
	return session, err
}

func scanClipJob(row pgx.Row) (models.ClipJob, error) {
	var job models.ClipJob
	var status string
	err := row.Scan(
		&job.ID,
		&job.Seq,
		&job.SessionID,
		&status,
		&job.ResultPath,
		&job.Error,
		&job.SizeBytes,
		&job.Attempts,
		&job.ClaimedAt,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	job.Status = models.ClipStatus(status)
	return job, err
}

// Accounts

func (r *PostgresRepository) CreateAccount(params CreateAccountParams) (models.Account, error) {
	email := strings.TrimSpace(strings.ToLower(params.Email))
	if email == "" {
		return models.Account{}, fmt.Errorf("email is required")
	}
	id, err := generateID()
	if err != nil {
		return models.Account{}, err
	}
	limit := params.MaxDeliveryMB
	if limit <= 0 {
		limit = models.DefaultMaxDeliveryMB
	}

	ctx, cancel := r.opCtx()
	defer cancel()
	row := r.pool.QueryRow(ctx,
		"INSERT INTO accounts (id, email, approved, active, expires_at, chat_id, keep_clips, auto_delete, max_delivery_mb, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10) RETURNING "+accountColumns,
		id, email, params.Approved, params.Active, cloneTime(params.ExpiresAt), strings.TrimSpace(params.ChatID), params.KeepClips, params.AutoDelete, limit, r.now())
	account, err := scanAccount(row)
	if err != nil {
		if isUniqueViolation(err) {
			return models.Account{}, fmt.Errorf("email %s already registered", email)
		}
		return models.Account{}, fmt.Errorf("insert account: %w", err)
	}
	return account, nil
}

func (r *PostgresRepository) GetAccount(id string) (models.Account, bool) {
	ctx, cancel := r.opCtx()
	defer cancel()
	account, err := scanAccount(r.pool.QueryRow(ctx,
		"SELECT "+accountColumns+" FROM accounts WHERE id = $1", id))
	if err != nil {
		return models.Account{}, false
	}
	return account, true
}

func (r *PostgresRepository) ListAccounts() []models.Account {
	ctx, cancel := r.opCtx()
	defer cancel()
	rows, err := r.pool.Query(ctx,
		"SELECT "+accountColumns+" FROM accounts ORDER BY created_at")
	if err != nil {
		return nil
	}
	defer rows.Close()
	accounts := make([]models.Account, 0)
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil
		}
		accounts = append(accounts, account)
	}
	return accounts
}

func (r *PostgresRepository) UpdateAccount(id string, update AccountUpdate) (models.Account, error) {
	ctx, cancel := r.opCtx()
	defer cancel()

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return models.Account{}, fmt.Errorf("begin account update: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	account, err := scanAccount(tx.QueryRow(ctx,
		"SELECT "+accountColumns+" FROM accounts WHERE id = $1 FOR UPDATE", id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Account{}, ErrAccountNotFound
	} else if err != nil {
		return models.Account{}, fmt.Errorf("load account: %w", err)
	}

	if update.Approved != nil {
		account.Approved = *update.Approved
	}
	if update.Active != nil {
		account.Active = *update.Active
	}
	if update.ExpiresAt != nil {
		account.ExpiresAt = cloneTime(*update.ExpiresAt)
	}
	if update.ChatID != nil {
		account.ChatID = strings.TrimSpace(*update.ChatID)
	}
	if update.KeepClips != nil {
		account.KeepClips = *update.KeepClips
	}
	if update.AutoDelete != nil {
		account.AutoDelete = *update.AutoDelete
	}
	if update.MaxDeliveryMB != nil && *update.MaxDeliveryMB > 0 {
		account.MaxDeliveryMB = *update.MaxDeliveryMB
	}

	_, err = tx.Exec(ctx,
		"UPDATE accounts SET approved = $2, active = $3, expires_at = $4, chat_id = $5, keep_clips = $6, auto_delete = $7, max_delivery_mb = $8 WHERE id = $1",
		id, account.Approved, account.Active, account.ExpiresAt, account.ChatID, account.KeepClips, account.AutoDelete, account.MaxDeliveryMB)
	if err != nil {
		return models.Account{}, fmt.Errorf("update account: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Account{}, fmt.Errorf("commit account update: %w", err)
	}
	return account, nil
}

// Sources

func (r *PostgresRepository) CreateSource(accountID, name string) (models.Source, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return models.Source{}, fmt.Errorf("source name is required")
	}
	id, err := generateID()
	if err != nil {
		return models.Source{}, err
	}
	key, err := generateStreamKey()
	if err != nil {
		return models.Source{}, err
	}

	ctx, cancel := r.opCtx()
	defer cancel()
	row := r.pool.QueryRow(ctx,
		"INSERT INTO sources (id, account_id, name, stream_key, enabled, created_at) VALUES ($1, $2, $3, $4, TRUE, $5) RETURNING "+sourceColumns,
		id, accountID, name, key, r.now())
	source, err := scanSource(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return models.Source{}, ErrAccountNotFound
		}
		return models.Source{}, fmt.Errorf("insert source: %w", err)
	}
	return source, nil
}

func (r *PostgresRepository) GetSource(id string) (models.Source, bool) {
	ctx, cancel := r.opCtx()
	defer cancel()
	source, err := scanSource(r.pool.QueryRow(ctx,
		"SELECT "+sourceColumns+" FROM sources WHERE id = $1", id))
	if err != nil {
		return models.Source{}, false
	}
	return source, true
}

func (r *PostgresRepository) GetSourceByKey(streamKey string) (models.Source, bool) {
	trimmed := strings.TrimSpace(streamKey)
	if trimmed == "" {
		return models.Source{}, false
	}
	ctx, cancel := r.opCtx()
	defer cancel()
	source, err := scanSource(r.pool.QueryRow(ctx,
		"SELECT "+sourceColumns+" FROM sources WHERE stream_key = $1", trimmed))
	if err != nil {
		return models.Source{}, false
	}
	return source, true
}

func (r *PostgresRepository) ListSources(accountID string) []models.Source {
	ctx, cancel := r.opCtx()
	defer cancel()

	var rows pgx.Rows
	var err error
	if accountID == "" {
		rows, err = r.pool.Query(ctx,
			"SELECT "+sourceColumns+" FROM sources ORDER BY created_at")
	} else {
		rows, err = r.pool.Query(ctx,
			"SELECT "+sourceColumns+" FROM sources WHERE account_id = $1 ORDER BY created_at", accountID)
	}
	if err != nil {
		return nil
	}
	defer rows.Close()
	sources := make([]models.Source, 0)
	for rows.Next() {
		source, err := scanSource(rows)
		if err != nil {
			return nil
		}
		sources = append(sources, source)
	}
	return sources
}

func (r *PostgresRepository) UpdateSource(id string, update SourceUpdate) (models.Source, error) {
	ctx, cancel := r.opCtx()
	defer cancel()

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return models.Source{}, fmt.Errorf("begin source update: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	source, err := scanSource(tx.QueryRow(ctx,
		"SELECT "+sourceColumns+" FROM sources WHERE id = $1 FOR UPDATE", id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Source{}, ErrSourceNotFound
	} else if err != nil {
		return models.Source{}, fmt.Errorf("load source: %w", err)
	}

	if update.Name != nil {
		trimmed := strings.TrimSpace(*update.Name)
		if trimmed == "" {
			return models.Source{}, fmt.Errorf("source name is required")
		}
		source.Name = trimmed
	}
	if update.Enabled != nil {
		source.Enabled = *update.Enabled
	}

	_, err = tx.Exec(ctx,
		"UPDATE sources SET name = $2, enabled = $3 WHERE id = $1",
		id, source.Name, source.Enabled)
	if err != nil {
		return models.Source{}, fmt.Errorf("update source: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Source{}, fmt.Errorf("commit source update: %w", err)
	}
	return source, nil
}

func (r *PostgresRepository) RotateSourceKey(id string) (models.Source, error) {
	key, err := generateStreamKey()
	if err != nil {
		return models.Source{}, err
	}
	ctx, cancel := r.opCtx()
	defer cancel()
	source, err := scanSource(r.pool.QueryRow(ctx,
		"UPDATE sources SET stream_key = $2 WHERE id = $1 RETURNING "+sourceColumns,
		id, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Source{}, ErrSourceNotFound
	} else if err != nil {
		return models.Source{}, fmt.Errorf("rotate stream key: %w", err)
	}
	return source, nil
}

// Sessions

func (r *PostgresRepository) StartSession(sourceID string) (models.Session, error) {
	id, err := generateID()
	if err != nil {
		return models.Session{}, err
	}

	ctx, cancel := r.opCtx()
	defer cancel()
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return models.Session{}, fmt.Errorf("begin session start: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var exists bool
	if err := tx.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM sources WHERE id = $1)", sourceID).Scan(&exists); err != nil {
		return models.Session{}, fmt.Errorf("check source: %w", err)
	}
	if !exists {
		return models.Session{}, ErrSourceNotFound
	}

	now := r.now()
	_, err = tx.Exec(ctx,
		"UPDATE sessions SET status = $3, ended_at = $4, note = $5 WHERE source_id = $1 AND status = $2",
		sourceID, string(models.SessionLive), string(models.SessionError), now, SessionReplacedNote)
	if err != nil {
		return models.Session{}, fmt.Errorf("close replaced session: %w", err)
	}

	session, err := scanSession(tx.QueryRow(ctx,
		"INSERT INTO sessions (id, source_id, started_at, status) VALUES ($1, $2, $3, $4) RETURNING "+sessionColumns,
		id, sourceID, now, string(models.SessionLive)))
	if err != nil {
		return models.Session{}, fmt.Errorf("insert session: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Session{}, fmt.Errorf("commit session start: %w", err)
	}
	return session, nil
}

func (r *PostgresRepository) StopSession(sourceID string) (models.Session, models.ClipJob, error) {
	jobID, err := generateID()
	if err != nil {
		return models.Session{}, models.ClipJob{}, err
	}

	ctx, cancel := r.opCtx()
	defer cancel()
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return models.Session{}, models.ClipJob{}, fmt.Errorf("begin session stop: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var exists bool
	if err := tx.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM sources WHERE id = $1)", sourceID).Scan(&exists); err != nil {
		return models.Session{}, models.ClipJob{}, fmt.Errorf("check source: %w", err)
	}
	if !exists {
		return models.Session{}, models.ClipJob{}, ErrSourceNotFound
	}

	session, err := scanSession(tx.QueryRow(ctx,
		"SELECT "+sessionColumns+" FROM sessions WHERE source_id = $1 AND status = $2 FOR UPDATE",
		sourceID, string(models.SessionLive)))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Session{}, models.ClipJob{}, ErrNoActiveSession
	} else if err != nil {
		return models.Session{}, models.ClipJob{}, fmt.Errorf("load live session: %w", err)
	}

	now := r.now()
	_, err = tx.Exec(ctx,
		"UPDATE sessions SET status = $2, ended_at = $3 WHERE id = $1",
		session.ID, string(models.SessionDone), now)
	if err != nil {
		return models.Session{}, models.ClipJob{}, fmt.Errorf("close session: %w", err)
	}
	session.Status = models.SessionDone
	session.EndedAt = &now

	job, err := scanClipJob(tx.QueryRow(ctx,
		"INSERT INTO clip_jobs (id, session_id, status, created_at, updated_at) VALUES ($1, $2, $3, $4, $4) RETURNING "+jobColumns,
		jobID, session.ID, string(models.ClipPending), now))
	if err != nil {
		if isUniqueViolation(err) {
			return models.Session{}, models.ClipJob{}, ErrDuplicateClipJob
		}
		return models.Session{}, models.ClipJob{}, fmt.Errorf("enqueue clip job: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Session{}, models.ClipJob{}, fmt.Errorf("commit session stop: %w", err)
	}
	return session, job, nil
}

func (r *PostgresRepository) CurrentSession(sourceID string) (models.Session, bool) {
	ctx, cancel := r.opCtx()
	defer cancel()
	session, err := scanSession(r.pool.QueryRow(ctx,
		"SELECT "+sessionColumns+" FROM sessions WHERE source_id = $1 AND status = $2",
		sourceID, string(models.SessionLive)))
	if err != nil {
		return models.Session{}, false
	}
	return session, true
}

func (r *PostgresRepository) GetSession(id string) (models.Session, bool) {
	ctx, cancel := r.opCtx()
	defer cancel()
	session, err := scanSession(r.pool.QueryRow(ctx,
		"SELECT "+sessionColumns+" FROM sessions WHERE id = $1", id))
	if err != nil {
		return models.Session{}, false
	}
	return session, true
}

func (r *PostgresRepository) ListSessions(sourceID string) ([]models.Session, error) {
	ctx, cancel := r.opCtx()
	defer cancel()

	var exists bool
	if err := r.pool.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM sources WHERE id = $1)", sourceID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("check source: %w", err)
	}
	if !exists {
		return nil, ErrSourceNotFound
	}

	rows, err := r.pool.Query(ctx,
		"SELECT "+sessionColumns+" FROM sessions WHERE source_id = $1 ORDER BY seq DESC", sourceID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()
	sessions := make([]models.Session, 0)
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

// Clip jobs

// ClaimNextClipJob atomically claims the oldest pending job. FOR UPDATE SKIP
// LOCKED lets concurrent workers race on the same table without claiming the
// same row twice.
func (r *PostgresRepository) ClaimNextClipJob() (models.ClipJob, error) {
	ctx, cancel := r.opCtx()
	defer cancel()
	job, err := scanClipJob(r.pool.QueryRow(ctx,
		`UPDATE clip_jobs
		 SET status = $1, claimed_at = $2, attempts = attempts + 1, updated_at = $2
		 WHERE id = (
			SELECT id FROM clip_jobs
			WHERE status = $3
			ORDER BY seq
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+jobColumns,
		string(models.ClipProcessing), r.now(), string(models.ClipPending)))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ClipJob{}, ErrNoPendingJobs
	} else if err != nil {
		return models.ClipJob{}, fmt.Errorf("claim clip job: %w", err)
	}
	return job, nil
}

func (r *PostgresRepository) GetClipJob(id string) (models.ClipJob, bool) {
	ctx, cancel := r.opCtx()
	defer cancel()
	job, err := scanClipJob(r.pool.QueryRow(ctx,
		"SELECT "+jobColumns+" FROM clip_jobs WHERE id = $1", id))
	if err != nil {
		return models.ClipJob{}, false
	}
	return job, true
}

func (r *PostgresRepository) GetClipJobBySession(sessionID string) (models.ClipJob, bool) {
	ctx, cancel := r.opCtx()
	defer cancel()
	job, err := scanClipJob(r.pool.QueryRow(ctx,
		"SELECT "+jobColumns+" FROM clip_jobs WHERE session_id = $1", sessionID))
	if err != nil {
		return models.ClipJob{}, false
	}
	return job, true
}

func (r *PostgresRepository) ListClipJobs(status models.ClipStatus) []models.ClipJob {
	ctx, cancel := r.opCtx()
	defer cancel()

	var rows pgx.Rows
	var err error
	if status == "" {
		rows, err = r.pool.Query(ctx,
			"SELECT "+jobColumns+" FROM clip_jobs ORDER BY seq")
	} else {
		rows, err = r.pool.Query(ctx,
			"SELECT "+jobColumns+" FROM clip_jobs WHERE status = $1 ORDER BY seq", string(status))
	}
	if err != nil {
		return nil
	}
	defer rows.Close()
	jobs := make([]models.ClipJob, 0)
	for rows.Next() {
		job, err := scanClipJob(rows)
		if err != nil {
			return nil
		}
		jobs = append(jobs, job)
	}
	return jobs
}

func (r *PostgresRepository) UpdateClipJob(id string, update ClipJobUpdate) (models.ClipJob, error) {
	ctx, cancel := r.opCtx()
	defer cancel()

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return models.ClipJob{}, fmt.Errorf("begin job update: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	job, err := scanClipJob(tx.QueryRow(ctx,
		"SELECT "+jobColumns+" FROM clip_jobs WHERE id = $1 FOR UPDATE", id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ClipJob{}, ErrJobNotFound
	} else if err != nil {
		return models.ClipJob{}, fmt.Errorf("load clip job: %w", err)
	}

	if update.Status != nil {
		job.Status = models.ClipStatus(*update.Status)
	}
	if update.ResultPath != nil {
		job.ResultPath = *update.ResultPath
	}
	if update.Error != nil {
		job.Error = truncateJobError(*update.Error)
	}
	if update.SizeBytes != nil {
		size := *update.SizeBytes
		job.SizeBytes = &size
	}
	job.UpdatedAt = r.now()

	_, err = tx.Exec(ctx,
		"UPDATE clip_jobs SET status = $2, result_path = $3, error = $4, size_bytes = $5, updated_at = $6 WHERE id = $1",
		id, string(job.Status), job.ResultPath, job.Error, job.SizeBytes, job.UpdatedAt)
	if err != nil {
		return models.ClipJob{}, fmt.Errorf("update clip job: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return models.ClipJob{}, fmt.Errorf("commit job update: %w", err)
	}
	return job, nil
}

func (r *PostgresRepository) RequeueStaleClipJobs(claimTimeout time.Duration, maxAttempts int) (int, error) {
	if claimTimeout <= 0 {
		return 0, nil
	}
	ctx, cancel := r.opCtx()
	defer cancel()

	now := r.now()
	cutoff := now.Add(-claimTimeout)

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin stale requeue: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var exhausted pgconn.CommandTag
	if maxAttempts > 0 {
		exhausted, err = tx.Exec(ctx,
			"UPDATE clip_jobs SET status = $1, error = $2, claimed_at = NULL, updated_at = $3 WHERE status = $4 AND claimed_at <= $5 AND attempts >= $6",
			string(models.ClipFailed), "retry attempts exhausted", now, string(models.ClipProcessing), cutoff, maxAttempts)
		if err != nil {
			return 0, fmt.Errorf("fail exhausted jobs: %w", err)
		}
	}
	requeued, err := tx.Exec(ctx,
		"UPDATE clip_jobs SET status = $1, claimed_at = NULL, updated_at = $2 WHERE status = $3 AND claimed_at <= $4",
		string(models.ClipPending), now, string(models.ClipProcessing), cutoff)
	if err != nil {
		return 0, fmt.Errorf("requeue stale jobs: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit stale requeue: %w", err)
	}
	return int(exhausted.RowsAffected() + requeued.RowsAffected()), nil
}

var _ Repository = (*PostgresRepository)(nil)
