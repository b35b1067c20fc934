package postgres

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ramiqadoumi/go-bgrunner/internal/domain"
	"github.com/ramiqadoumi/go-bgrunner/internal/postgres/migrations"
)

const defaultMaxAttempts = 5

// OutboxRepository abstracts all database access for queued outbox work.
type OutboxRepository interface {
	Enqueue(ctx context.Context, item *domain.OutboxItem) error
	GetByID(ctx context.Context, id string) (*domain.OutboxItem, error)
	ListPending(ctx context.Context, limit int) ([]*domain.OutboxItem, error)
	CountPending(ctx context.Context) (int, error)
	MarkSent(ctx context.Context, id string) error
	// MarkFailed records a failed attempt. The item becomes FAILED when
	// terminal is set or it has used all of its attempts, and stays PENDING
	// otherwise.
	MarkFailed(ctx context.Context, id string, reason string, terminal bool) (domain.ItemStatus, error)
	RecordRun(ctx context.Context, run *domain.RunRecord) error
}

type repository struct {
	pool *pgxpool.Pool
}

// NewRepository wraps a pgxpool with the OutboxRepository interface.
func NewRepository(pool *pgxpool.Pool) OutboxRepository {
	return &repository{pool: pool}
}

// NewPool creates a pgxpool and verifies connectivity.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return pool, nil
}

// Migrate applies every embedded migration in file name order. The files are
// idempotent, so Migrate is safe to run on every deploy.
func Migrate(ctx context.Context, pool *pgxpool.Pool, logger *slog.Logger) error {
	files, err := fs.Glob(migrations.FS, "*.sql")
	if err != nil {
		return fmt.Errorf("list migrations: %w", err)
	}
	sort.Strings(files)

	for _, f := range files {
		sql, err := migrations.FS.ReadFile(f)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}
		if _, err := pool.Exec(ctx, string(sql)); err != nil {
			return fmt.Errorf("execute migration %s: %w", f, err)
		}
		logger.Info("migration applied", slog.String("file", f))
	}
	return nil
}

func (r *repository) Enqueue(ctx context.Context, item *domain.OutboxItem) error {
	if item.ID == "" {
		item.ID = uuid.New().String()
	}
	if item.MaxAttempts <= 0 {
		item.MaxAttempts = defaultMaxAttempts
	}
	if len(item.Payload) == 0 {
		item.Payload = []byte("{}")
	}
	now := time.Now().UTC()
	item.Status = domain.ItemPending
	item.CreatedAt, item.UpdatedAt = now, now

	_, err := r.pool.Exec(ctx, `
		INSERT INTO outbox_items
			(id, kind, payload, status, attempts, max_attempts, created_at, updated_at)
		VALUES
			($1, $2, $3, $4, $5, $6, $7, $8)
	`,
		item.ID, item.Kind, item.Payload, string(item.Status),
		item.Attempts, item.MaxAttempts, item.CreatedAt, item.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("enqueue outbox item %s: %w", item.ID, err)
	}
	return nil
}

func (r *repository) GetByID(ctx context.Context, id string) (*domain.OutboxItem, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, kind, payload, status, attempts, max_attempts, last_error,
		       created_at, updated_at, sent_at
		FROM outbox_items
		WHERE id = $1
	`, id)

	item, err := scanItem(row)
	if err != nil {
		var nf *domain.ItemNotFoundError
		if errors.As(err, &nf) {
			nf.ItemID = id
		}
		return nil, err
	}
	return item, nil
}

// ListPending returns the oldest pending items first.
func (r *repository) ListPending(ctx context.Context, limit int) ([]*domain.OutboxItem, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, kind, payload, status, attempts, max_attempts, last_error,
		       created_at, updated_at, sent_at
		FROM outbox_items
		WHERE status = $1
		ORDER BY created_at ASC
		LIMIT $2
	`, string(domain.ItemPending), limit)
	if err != nil {
		return nil, fmt.Errorf("list pending outbox items: %w", err)
	}
	defer rows.Close()

	var items []*domain.OutboxItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (r *repository) CountPending(ctx context.Context) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx,
		`SELECT count(*) FROM outbox_items WHERE status = $1`,
		string(domain.ItemPending),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending outbox items: %w", err)
	}
	return n, nil
}

func (r *repository) MarkSent(ctx context.Context, id string) error {
	now := time.Now().UTC()
	tag, err := r.pool.Exec(ctx, `
		UPDATE outbox_items
		SET status = $1, attempts = attempts + 1, updated_at = $2, sent_at = $2, last_error = ''
		WHERE id = $3
	`, string(domain.ItemSent), now, id)
	if err != nil {
		return fmt.Errorf("mark outbox item %s sent: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return &domain.ItemNotFoundError{ItemID: id}
	}
	return nil
}

func (r *repository) MarkFailed(ctx context.Context, id string, reason string, terminal bool) (domain.ItemStatus, error) {
	var status string
	err := r.pool.QueryRow(ctx, `
		UPDATE outbox_items
		SET attempts   = attempts + 1,
		    last_error = $1,
		    updated_at = $2,
		    status     = CASE WHEN $4 OR attempts + 1 >= max_attempts THEN $3 ELSE status END
		WHERE id = $5
		RETURNING status
	`, reason, time.Now().UTC(), string(domain.ItemFailed), terminal, id).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", &domain.ItemNotFoundError{ItemID: id}
		}
		return "", fmt.Errorf("mark outbox item %s failed: %w", id, err)
	}
	return domain.ItemStatus(status), nil
}

func (r *repository) RecordRun(ctx context.Context, run *domain.RunRecord) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO outbox_runs
			(id, trigger, outcome, sent, failed, remaining, duration_ms, started_at)
		VALUES
			($1, $2, $3, $4, $5, $6, $7, $8)
	`,
		run.ID, string(run.Trigger), string(run.Outcome),
		run.Sent, run.Failed, run.Remaining, run.DurationMs, run.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("record outbox run %s: %w", run.ID, err)
	}
	return nil
}

// scanItem reads an outbox row from any pgx row type.
func scanItem(row interface {
	Scan(...any) error
}) (*domain.OutboxItem, error) {
	var item domain.OutboxItem
	var statusStr string
	err := row.Scan(
		&item.ID, &item.Kind, &item.Payload, &statusStr,
		&item.Attempts, &item.MaxAttempts, &item.LastError,
		&item.CreatedAt, &item.UpdatedAt, &item.SentAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &domain.ItemNotFoundError{ItemID: "unknown"}
		}
		return nil, fmt.Errorf("scan outbox item: %w", err)
	}
	item.Status = domain.ItemStatus(statusStr)
	return &item, nil
}
