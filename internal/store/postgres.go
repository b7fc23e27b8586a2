package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/predictx/market-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values and share counts are stored as NUMERIC for exact
// decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id         TEXT PRIMARY KEY,
		username   TEXT NOT NULL UNIQUE,
		playmoney  NUMERIC NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS events (
		id                 TEXT PRIMARY KEY,
		title              TEXT NOT NULL,
		description        TEXT NOT NULL DEFAULT '',
		creator_id         TEXT NOT NULL DEFAULT '',
		status             TEXT NOT NULL,
		expiry_date        TIMESTAMPTZ NOT NULL,
		winning_outcome_id TEXT NOT NULL DEFAULT '',
		created_at         TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS outcomes (
		id              TEXT PRIMARY KEY,
		event_id        TEXT NOT NULL REFERENCES events(id),
		title           TEXT NOT NULL,
		position        INT NOT NULL,
		current_supply  NUMERIC NOT NULL DEFAULT 0 CHECK (current_supply >= 0),
		total_liquidity NUMERIC NOT NULL DEFAULT 0,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS outcomes_event_idx ON outcomes (event_id, position)`,
	`CREATE TABLE IF NOT EXISTS token_allocations (
		user_id    TEXT NOT NULL REFERENCES users(id),
		outcome_id TEXT NOT NULL REFERENCES outcomes(id),
		amount     NUMERIC NOT NULL CHECK (amount >= 0),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (user_id, outcome_id)
	)`,
	`CREATE TABLE IF NOT EXISTS trades (
		id          TEXT PRIMARY KEY,
		event_id    TEXT NOT NULL REFERENCES events(id),
		outcome_id  TEXT NOT NULL REFERENCES outcomes(id),
		user_id     TEXT NOT NULL REFERENCES users(id),
		side        TEXT NOT NULL,
		size        NUMERIC NOT NULL,
		amount      NUMERIC NOT NULL,
		price       NUMERIC NOT NULL,
		after_price NUMERIC NOT NULL,
		created_at  TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS trades_event_created_idx ON trades (event_id, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS trades_user_created_idx ON trades (user_id, created_at DESC)`,
}

// Migrate creates the schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// pgError maps driver errors onto the store's sentinels.
func pgError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "23514": // serialization_failure, deadlock_detected, check_violation
			return fmt.Errorf("%s: %w", pgErr.Message, ErrTransactionConflict)
		case "23505": // unique_violation
			return fmt.Errorf("%s: %w", pgErr.Detail, ErrAlreadyExists)
		}
	}
	return err
}

func dec(s string) decimal.Decimal {
	d, _ := decimal.NewFromString(s)
	return d
}

// --- Transactions ---

func (s *PostgresStore) RunAtomic(ctx context.Context, eventID string, fn func(tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	// The event row is the serialisation point for every trade on its
	// outcomes.
	var locked string
	if err := tx.QueryRow(ctx, `SELECT id FROM events WHERE id = $1 FOR UPDATE`, eventID).Scan(&locked); err != nil {
		return fmt.Errorf("lock event %s: %w", eventID, pgError(err))
	}

	if err := fn(&pgTx{q: tx, eventID: eventID}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", pgError(err))
	}
	return nil
}

// pgTx implements Tx on top of an open pgx transaction.
type pgTx struct {
	q       querier
	eventID string
}

func (t *pgTx) GetEvent(ctx context.Context, id string) (*model.Event, error) {
	return getEvent(ctx, t.q, id)
}

func (t *pgTx) LoadOutcomes(ctx context.Context, eventID string) ([]model.Outcome, error) {
	return loadOutcomes(ctx, t.q, eventID)
}

func (t *pgTx) LoadUserBalance(ctx context.Context, userID string) (decimal.Decimal, error) {
	return loadUserBalance(ctx, t.q, userID)
}

func (t *pgTx) LoadAllocation(ctx context.Context, userID, outcomeID string) (decimal.Decimal, error) {
	return loadAllocation(ctx, t.q, userID, outcomeID)
}

func (t *pgTx) WriteOutcome(ctx context.Context, outcomeID string, dSupply, dLiquidity decimal.Decimal) error {
	tag, err := t.q.Exec(ctx,
		`UPDATE outcomes
		 SET current_supply = current_supply + $3::NUMERIC,
		     total_liquidity = total_liquidity + $4::NUMERIC
		 WHERE id = $1 AND event_id = $2`,
		outcomeID, t.eventID, dSupply.String(), dLiquidity.String(),
	)
	if err != nil {
		return fmt.Errorf("write outcome %s: %w", outcomeID, pgError(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("outcome %s in event %s: %w", outcomeID, t.eventID, ErrNotFound)
	}
	return nil
}

// WriteUserBalance only applies the delta if the balance stays non-negative.
// Balances are not covered by the event lock, so a concurrent trade on
// another event may have spent the funds since they were read.
func (t *pgTx) WriteUserBalance(ctx context.Context, userID string, delta decimal.Decimal) error {
	tag, err := t.q.Exec(ctx,
		`UPDATE users SET playmoney = playmoney + $2::NUMERIC
		 WHERE id = $1 AND playmoney + $2::NUMERIC >= 0`,
		userID, delta.String(),
	)
	if err != nil {
		return fmt.Errorf("write balance %s: %w", userID, pgError(err))
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if _, err := loadUserBalance(ctx, t.q, userID); err != nil {
		return err
	}
	return fmt.Errorf("user %s balance would go negative: %w", userID, ErrTransactionConflict)
}

func (t *pgTx) UpsertAllocation(ctx context.Context, userID, outcomeID string, delta decimal.Decimal) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO token_allocations (user_id, outcome_id, amount, updated_at)
		 VALUES ($1, $2, $3::NUMERIC, now())
		 ON CONFLICT (user_id, outcome_id)
		 DO UPDATE SET amount = token_allocations.amount + EXCLUDED.amount,
		               updated_at = EXCLUDED.updated_at`,
		userID, outcomeID, delta.String(),
	)
	if err != nil {
		return fmt.Errorf("upsert allocation %s/%s: %w", userID, outcomeID, pgError(err))
	}
	return nil
}

func (t *pgTx) AppendTrade(ctx context.Context, tr *model.Trade) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO trades (id, event_id, outcome_id, user_id, side, size, amount, price, after_price, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10)`,
		tr.ID, tr.EventID, tr.OutcomeID, tr.UserID, tr.Side,
		tr.Size.String(), tr.Amount.String(), tr.Price.String(), tr.AfterPrice.String(),
		tr.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("append trade: %w", pgError(err))
	}
	return nil
}

func (t *pgTx) ListHolders(ctx context.Context, outcomeID string) ([]model.TokenAllocation, error) {
	rows, err := t.q.Query(ctx,
		`SELECT user_id, outcome_id, amount::TEXT, updated_at
		 FROM token_allocations WHERE outcome_id = $1 AND amount > 0
		 ORDER BY user_id`, outcomeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAllocations(rows)
}

func (t *pgTx) SetEventStatus(ctx context.Context, eventID string, status model.EventStatus, winningOutcomeID string) error {
	tag, err := t.q.Exec(ctx,
		`UPDATE events SET status = $2, winning_outcome_id = $3 WHERE id = $1`,
		eventID, status, winningOutcomeID,
	)
	if err != nil {
		return fmt.Errorf("set event status %s: %w", eventID, pgError(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("event %s: %w", eventID, ErrNotFound)
	}
	return nil
}

// --- Events ---

func (s *PostgresStore) CreateEvent(ctx context.Context, e *model.Event, outcomes []model.Outcome) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	_, err = tx.Exec(ctx,
		`INSERT INTO events (id, title, description, creator_id, status, expiry_date, winning_outcome_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.ID, e.Title, e.Description, e.CreatorID, e.Status, e.ExpiryDate, e.WinningOutcomeID, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create event %s: %w", e.ID, pgError(err))
	}

	for _, o := range outcomes {
		_, err = tx.Exec(ctx,
			`INSERT INTO outcomes (id, event_id, title, position, current_supply, total_liquidity, created_at)
			 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7)`,
			o.ID, e.ID, o.Title, o.Position,
			o.CurrentSupply.String(), o.TotalLiquidity.String(), o.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("create outcome %s: %w", o.ID, pgError(err))
		}
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) GetEvent(ctx context.Context, id string) (*model.Event, error) {
	return getEvent(ctx, s.pool, id)
}

func (s *PostgresStore) ListEvents(ctx context.Context) ([]model.Event, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, title, description, creator_id, status, expiry_date, winning_outcome_id, created_at
		 FROM events ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []model.Event
	for rows.Next() {
		var e model.Event
		if err := rows.Scan(&e.ID, &e.Title, &e.Description, &e.CreatorID,
			&e.Status, &e.ExpiryDate, &e.WinningOutcomeID, &e.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (s *PostgresStore) LoadOutcomes(ctx context.Context, eventID string) ([]model.Outcome, error) {
	return loadOutcomes(ctx, s.pool, eventID)
}

// --- Users ---

func (s *PostgresStore) CreateUser(ctx context.Context, u *model.User) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (id, username, playmoney, created_at)
		 VALUES ($1, $2, $3::NUMERIC, $4)`,
		u.ID, u.Username, u.Playmoney.String(), u.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create user %s: %w", u.ID, pgError(err))
	}
	return nil
}

func (s *PostgresStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	var u model.User
	var playmoney string
	err := s.pool.QueryRow(ctx,
		`SELECT id, username, playmoney::TEXT, created_at FROM users WHERE id = $1`, id).
		Scan(&u.ID, &u.Username, &playmoney, &u.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("get user %s: %w", id, pgError(err))
	}
	u.Playmoney = dec(playmoney)
	return &u, nil
}

func (s *PostgresStore) LoadUserBalance(ctx context.Context, userID string) (decimal.Decimal, error) {
	return loadUserBalance(ctx, s.pool, userID)
}

func (s *PostgresStore) LoadAllocation(ctx context.Context, userID, outcomeID string) (decimal.Decimal, error) {
	return loadAllocation(ctx, s.pool, userID, outcomeID)
}

func (s *PostgresStore) ListAllocations(ctx context.Context, userID string) ([]model.TokenAllocation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, outcome_id, amount::TEXT, updated_at
		 FROM token_allocations WHERE user_id = $1 ORDER BY outcome_id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAllocations(rows)
}

// --- Trades ---

func (s *PostgresStore) ListTrades(ctx context.Context, f model.TradeFilter) ([]model.Trade, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if f.EventID != "" {
		add("event_id = $%d", f.EventID)
	}
	if f.OutcomeID != "" {
		add("outcome_id = $%d", f.OutcomeID)
	}
	if f.UserID != "" {
		add("user_id = $%d", f.UserID)
	}
	if f.Side != "" {
		add("side = $%d", f.Side)
	}
	if !f.From.IsZero() {
		add("created_at >= $%d", f.From)
	}
	if !f.To.IsZero() {
		add("created_at <= $%d", f.To)
	}

	q := `SELECT id, event_id, outcome_id, user_id, side,
	             size::TEXT, amount::TEXT, price::TEXT, after_price::TEXT, created_at
	      FROM trades`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	offset, limit := f.Window()
	args = append(args, limit, offset)
	q += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []model.Trade
	for rows.Next() {
		var t model.Trade
		var size, amount, price, after string
		if err := rows.Scan(&t.ID, &t.EventID, &t.OutcomeID, &t.UserID, &t.Side,
			&size, &amount, &price, &after, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Size = dec(size)
		t.Amount = dec(amount)
		t.Price = dec(price)
		t.AfterPrice = dec(after)
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// --- Shared readers ---

func getEvent(ctx context.Context, q querier, id string) (*model.Event, error) {
	var e model.Event
	err := q.QueryRow(ctx,
		`SELECT id, title, description, creator_id, status, expiry_date, winning_outcome_id, created_at
		 FROM events WHERE id = $1`, id).
		Scan(&e.ID, &e.Title, &e.Description, &e.CreatorID,
			&e.Status, &e.ExpiryDate, &e.WinningOutcomeID, &e.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("get event %s: %w", id, pgError(err))
	}
	return &e, nil
}

func loadOutcomes(ctx context.Context, q querier, eventID string) ([]model.Outcome, error) {
	rows, err := q.Query(ctx,
		`SELECT id, event_id, title, position, current_supply::TEXT, total_liquidity::TEXT, created_at
		 FROM outcomes WHERE event_id = $1 ORDER BY position`, eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var outcomes []model.Outcome
	for rows.Next() {
		var o model.Outcome
		var supply, liquidity string
		if err := rows.Scan(&o.ID, &o.EventID, &o.Title, &o.Position, &supply, &liquidity, &o.CreatedAt); err != nil {
			return nil, err
		}
		o.CurrentSupply = dec(supply)
		o.TotalLiquidity = dec(liquidity)
		outcomes = append(outcomes, o)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(outcomes) == 0 {
		return nil, fmt.Errorf("outcomes of event %s: %w", eventID, ErrNotFound)
	}
	return outcomes, nil
}

func loadUserBalance(ctx context.Context, q querier, userID string) (decimal.Decimal, error) {
	var bal string
	if err := q.QueryRow(ctx, `SELECT playmoney::TEXT FROM users WHERE id = $1`, userID).Scan(&bal); err != nil {
		return decimal.Zero, fmt.Errorf("user %s: %w", userID, pgError(err))
	}
	return dec(bal), nil
}

func loadAllocation(ctx context.Context, q querier, userID, outcomeID string) (decimal.Decimal, error) {
	var amount string
	err := q.QueryRow(ctx,
		`SELECT amount::TEXT FROM token_allocations WHERE user_id = $1 AND outcome_id = $2`,
		userID, outcomeID).Scan(&amount)
	if err != nil {
		return decimal.Zero, fmt.Errorf("allocation %s/%s: %w", userID, outcomeID, pgError(err))
	}
	return dec(amount), nil
}

func scanAllocations(rows pgx.Rows) ([]model.TokenAllocation, error) {
	var allocs []model.TokenAllocation
	for rows.Next() {
		var a model.TokenAllocation
		var amount string
		var updated time.Time
		if err := rows.Scan(&a.UserID, &a.OutcomeID, &amount, &updated); err != nil {
			return nil, err
		}
		a.Amount = dec(amount)
		a.UpdatedAt = updated
		allocs = append(allocs, a)
	}
	return allocs, rows.Err()
}
