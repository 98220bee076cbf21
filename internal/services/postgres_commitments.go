package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"fairbet-gateway/internal/models"
)

const uniqueViolation = "23505"

const schema = `
CREATE TABLE IF NOT EXISTS commitments (
	id               TEXT PRIMARY KEY,
	request_id       TEXT NOT NULL,
	user_id          TEXT NOT NULL,
	mode             TEXT NOT NULL,
	game_variant     TEXT NOT NULL,
	bet_amount       NUMERIC(20, 8) NOT NULL,
	picked_value     NUMERIC(20, 8) NOT NULL,
	nonce            BIGINT NOT NULL,
	server_seed      TEXT NOT NULL,
	server_seed_hash TEXT NOT NULL,
	client_seed      TEXT NOT NULL,
	status           TEXT NOT NULL,
	outcome          DOUBLE PRECISION NOT NULL DEFAULT 0,
	is_win           BOOLEAN NOT NULL DEFAULT FALSE,
	multiplier       NUMERIC(20, 8) NOT NULL DEFAULT 0,
	payout           NUMERIC(20, 8) NOT NULL DEFAULT 0,
	failure_reason   TEXT NOT NULL DEFAULT '',
	client_ip        TEXT NOT NULL DEFAULT '',
	created_at       TIMESTAMPTZ NOT NULL,
	expires_at       TIMESTAMPTZ NOT NULL,
	resolved_at      TIMESTAMPTZ,
	UNIQUE (user_id, request_id)
);
CREATE INDEX IF NOT EXISTS commitments_nonce_idx ON commitments (user_id, game_variant, nonce DESC);
CREATE INDEX IF NOT EXISTS commitments_pending_idx ON commitments (expires_at) WHERE status = 'pending';

CREATE TABLE IF NOT EXISTS risk_reviews (
	user_id    TEXT PRIMARY KEY,
	score      INTEGER NOT NULL,
	reasons    TEXT[] NOT NULL,
	flagged_at TIMESTAMPTZ NOT NULL
);
`

const commitmentColumns = `id, request_id, user_id, mode, game_variant, bet_amount::text, picked_value::text,
	nonce, server_seed, server_seed_hash, client_seed, status, outcome, is_win, multiplier::text,
	payout::text, failure_reason, client_ip, created_at, expires_at, resolved_at`

// pgxConn is the slice of *pgxpool.Pool the store uses.
type pgxConn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// PostgresCommitmentStore persists commitments and the review queue.
type PostgresCommitmentStore struct {
	pool pgxConn
}

func NewPostgresCommitmentStore(ctx context.Context, databaseURL string) (*PostgresCommitmentStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}
	return newPostgresCommitmentStore(pool), nil
}

func newPostgresCommitmentStore(conn pgxConn) *PostgresCommitmentStore {
	return &PostgresCommitmentStore{pool: conn}
}

func (p *PostgresCommitmentStore) Migrate(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

func (p *PostgresCommitmentStore) Close() {
	p.pool.Close()
}

func (p *PostgresCommitmentStore) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *PostgresCommitmentStore) Create(ctx context.Context, c *models.Commitment) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO commitments (id, request_id, user_id, mode, game_variant, bet_amount, picked_value,
			nonce, server_seed, server_seed_hash, client_seed, status, client_ip, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6::numeric, $7::numeric, $8, $9, $10, $11, $12, $13, $14, $15)`,
		c.ID, c.RequestID, c.UserID, string(c.Mode), string(c.GameVariant),
		c.BetAmount.String(), c.PickedValue.String(), c.Nonce,
		c.ServerSeed, c.ServerSeedHash, c.ClientSeed, string(c.Status), c.ClientIP,
		c.CreatedAt, c.ExpiresAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrDuplicateCommitment
		}
		return fmt.Errorf("failed to insert commitment: %w", err)
	}
	return nil
}

func (p *PostgresCommitmentStore) GetByRequest(ctx context.Context, userID, requestID string) (*models.Commitment, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+commitmentColumns+`
		FROM commitments WHERE user_id = $1 AND request_id = $2`, userID, requestID)

	c, err := scanCommitment(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrCommitmentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load commitment: %w", err)
	}
	return c, nil
}

func (p *PostgresCommitmentStore) LastNonce(ctx context.Context, userID string, variant models.GameVariant) (int64, bool, error) {
	var last *int64
	err := p.pool.QueryRow(ctx, `
		SELECT MAX(nonce) FROM commitments WHERE user_id = $1 AND game_variant = $2`,
		userID, string(variant)).Scan(&last)
	if err != nil {
		return 0, false, fmt.Errorf("failed to read last nonce: %w", err)
	}
	if last == nil {
		return 0, false, nil
	}
	return *last, true, nil
}

// Finalize is a compare-and-set on status = 'pending'.
func (p *PostgresCommitmentStore) Finalize(ctx context.Context, c *models.Commitment) error {
	if !c.Status.Terminal() {
		return errors.New("finalize requires a terminal status")
	}

	tag, err := p.pool.Exec(ctx, `
		UPDATE commitments
		SET status = $3, outcome = $4, is_win = $5, multiplier = $6::numeric, payout = $7::numeric,
			failure_reason = $8, resolved_at = $9
		WHERE user_id = $1 AND request_id = $2 AND status = 'pending'`,
		c.UserID, c.RequestID, string(c.Status), c.Outcome, c.IsWin,
		c.Multiplier.String(), c.Payout.String(), c.FailureReason, c.ResolvedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to finalize commitment: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := p.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM commitments WHERE user_id = $1 AND request_id = $2)`,
		c.UserID, c.RequestID).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check commitment: %w", err)
	}
	if !exists {
		return ErrCommitmentNotFound
	}
	return ErrCommitmentFinalized
}

func (p *PostgresCommitmentStore) ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]*models.Commitment, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := p.pool.Query(ctx, `SELECT `+commitmentColumns+`
		FROM commitments WHERE status = 'pending' AND expires_at <= $1
		ORDER BY expires_at ASC LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired commitments: %w", err)
	}
	defer rows.Close()

	var out []*models.Commitment
	for rows.Next() {
		c, err := scanCommitment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (p *PostgresCommitmentStore) FlagForReview(ctx context.Context, userID string, score int, reasons []string) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO risk_reviews (user_id, score, reasons, flagged_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id) DO NOTHING`,
		userID, score, reasons, time.Now())
	if err != nil {
		return fmt.Errorf("failed to flag account for review: %w", err)
	}
	return nil
}

func (p *PostgresCommitmentStore) IsUnderReview(ctx context.Context, userID string) (bool, error) {
	var exists bool
	err := p.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM risk_reviews WHERE user_id = $1)`, userID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check review queue: %w", err)
	}
	return exists, nil
}

func scanCommitment(row pgx.Row) (*models.Commitment, error) {
	var (
		c                               models.Commitment
		mode, variant, status           string
		betAmount, picked, mult, payout string
		resolvedAt                      *time.Time
	)
	err := row.Scan(&c.ID, &c.RequestID, &c.UserID, &mode, &variant, &betAmount, &picked,
		&c.Nonce, &c.ServerSeed, &c.ServerSeedHash, &c.ClientSeed, &status, &c.Outcome, &c.IsWin,
		&mult, &payout, &c.FailureReason, &c.ClientIP, &c.CreatedAt, &c.ExpiresAt, &resolvedAt)
	if err != nil {
		return nil, err
	}

	c.Mode = models.GameMode(mode)
	c.GameVariant = models.GameVariant(variant)
	c.Status = models.CommitmentStatus(status)
	c.ResolvedAt = resolvedAt

	for _, f := range []struct {
		dst *decimal.Decimal
		src string
	}{
		{&c.BetAmount, betAmount},
		{&c.PickedValue, picked},
		{&c.Multiplier, mult},
		{&c.Payout, payout},
	} {
		d, err := decimal.NewFromString(f.src)
		if err != nil {
			return nil, fmt.Errorf("corrupt numeric in commitment %s: %w", c.ID, err)
		}
		*f.dst = d
	}
	return &c, nil
}
