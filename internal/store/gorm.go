package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/predictx/market-engine/internal/model"
)

// SQLStore implements Store with gorm on an embedded SQLite database.
// It suits single-node deployments where running PostgreSQL is overkill.
// Decimals are persisted as TEXT so values round-trip exactly.
type SQLStore struct {
	db    *gorm.DB
	locks *eventLocks
}

// OpenSQLite opens (or creates) the SQLite database at path. SQLite allows
// one writer at a time, so the pool is pinned to a single connection.
func OpenSQLite(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
	} {
		if err := db.Exec(pragma).Error; err != nil {
			return nil, fmt.Errorf("pragma %s: %w", pragma, err)
		}
	}
	return db, nil
}

// NewSQLStore wraps an open gorm database.
func NewSQLStore(db *gorm.DB) *SQLStore {
	return &SQLStore{db: db, locks: newEventLocks()}
}

// Migrate creates or updates the tables.
func (s *SQLStore) Migrate() error {
	return s.db.AutoMigrate(&userRow{}, &eventRow{}, &outcomeRow{}, &allocationRow{}, &tradeRow{})
}

// --- Rows ---

type userRow struct {
	ID        string          `gorm:"primaryKey;type:text"`
	Username  string          `gorm:"type:text;uniqueIndex;not null"`
	Playmoney decimal.Decimal `gorm:"type:text;not null"`
	CreatedAt time.Time
}

func (userRow) TableName() string { return "users" }

type eventRow struct {
	ID               string            `gorm:"primaryKey;type:text"`
	Title            string            `gorm:"type:text;not null"`
	Description      string            `gorm:"type:text"`
	CreatorID        string            `gorm:"type:text"`
	Status           model.EventStatus `gorm:"type:text;not null;index"`
	ExpiryDate       time.Time
	WinningOutcomeID string `gorm:"type:text"`
	CreatedAt        time.Time `gorm:"index"`
}

func (eventRow) TableName() string { return "events" }

type outcomeRow struct {
	ID             string          `gorm:"primaryKey;type:text"`
	EventID        string          `gorm:"type:text;not null;index"`
	Title          string          `gorm:"type:text;not null"`
	Position       int             `gorm:"not null"`
	CurrentSupply  decimal.Decimal `gorm:"type:text;not null"`
	TotalLiquidity decimal.Decimal `gorm:"type:text;not null"`
	CreatedAt      time.Time
}

func (outcomeRow) TableName() string { return "outcomes" }

type allocationRow struct {
	UserID    string          `gorm:"primaryKey;type:text"`
	OutcomeID string          `gorm:"primaryKey;type:text;index"`
	Amount    decimal.Decimal `gorm:"type:text;not null"`
	UpdatedAt time.Time
}

func (allocationRow) TableName() string { return "token_allocations" }

type tradeRow struct {
	ID         string          `gorm:"primaryKey;type:text"`
	EventID    string          `gorm:"type:text;not null;index"`
	OutcomeID  string          `gorm:"type:text;not null;index"`
	UserID     string          `gorm:"type:text;not null;index"`
	Side       model.Side      `gorm:"type:text;not null"`
	Size       decimal.Decimal `gorm:"type:text;not null"`
	Amount     decimal.Decimal `gorm:"type:text;not null"`
	Price      decimal.Decimal `gorm:"type:text;not null"`
	AfterPrice decimal.Decimal `gorm:"type:text;not null"`
	CreatedAt  time.Time       `gorm:"index"`
}

func (tradeRow) TableName() string { return "trades" }

func (r eventRow) toModel() model.Event {
	return model.Event{
		ID: r.ID, Title: r.Title, Description: r.Description, CreatorID: r.CreatorID,
		Status: r.Status, ExpiryDate: r.ExpiryDate, WinningOutcomeID: r.WinningOutcomeID,
		CreatedAt: r.CreatedAt,
	}
}

func (r outcomeRow) toModel() model.Outcome {
	return model.Outcome{
		ID: r.ID, EventID: r.EventID, Title: r.Title, Position: r.Position,
		CurrentSupply: r.CurrentSupply, TotalLiquidity: r.TotalLiquidity, CreatedAt: r.CreatedAt,
	}
}

func (r allocationRow) toModel() model.TokenAllocation {
	return model.TokenAllocation{UserID: r.UserID, OutcomeID: r.OutcomeID, Amount: r.Amount, UpdatedAt: r.UpdatedAt}
}

func (r tradeRow) toModel() model.Trade {
	return model.Trade{
		ID: r.ID, EventID: r.EventID, OutcomeID: r.OutcomeID, UserID: r.UserID, Side: r.Side,
		Size: r.Size, Amount: r.Amount, Price: r.Price, AfterPrice: r.AfterPrice, CreatedAt: r.CreatedAt,
	}
}

// sqlError maps gorm and SQLite errors onto the store's sentinels.
func sqlError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrTransactionConflict), errors.Is(err, ErrAlreadyExists):
		return err
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey), strings.Contains(err.Error(), "UNIQUE constraint failed"):
		return fmt.Errorf("%v: %w", err, ErrAlreadyExists)
	case strings.Contains(err.Error(), "database is locked"), strings.Contains(err.Error(), "SQLITE_BUSY"):
		return fmt.Errorf("%v: %w", err, ErrTransactionConflict)
	}
	return err
}

// --- Transactions ---

func (s *SQLStore) RunAtomic(ctx context.Context, eventID string, fn func(tx Tx) error) error {
	unlock := s.locks.lock(eventID)
	defer unlock()

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ev eventRow
		if err := tx.Select("id").First(&ev, "id = ?", eventID).Error; err != nil {
			return fmt.Errorf("event %s: %w", eventID, sqlError(err))
		}
		return fn(&sqlTx{db: tx, eventID: eventID})
	})
	return sqlError(err)
}

// sqlTx implements Tx inside a gorm transaction.
type sqlTx struct {
	db      *gorm.DB
	eventID string
}

func (t *sqlTx) GetEvent(_ context.Context, id string) (*model.Event, error) {
	return gormGetEvent(t.db, id)
}

func (t *sqlTx) LoadOutcomes(_ context.Context, eventID string) ([]model.Outcome, error) {
	return gormLoadOutcomes(t.db, eventID)
}

func (t *sqlTx) LoadUserBalance(_ context.Context, userID string) (decimal.Decimal, error) {
	return gormLoadUserBalance(t.db, userID)
}

func (t *sqlTx) LoadAllocation(_ context.Context, userID, outcomeID string) (decimal.Decimal, error) {
	return gormLoadAllocation(t.db, userID, outcomeID)
}

func (t *sqlTx) WriteOutcome(_ context.Context, outcomeID string, dSupply, dLiquidity decimal.Decimal) error {
	var row outcomeRow
	if err := t.db.First(&row, "id = ? AND event_id = ?", outcomeID, t.eventID).Error; err != nil {
		return fmt.Errorf("outcome %s in event %s: %w", outcomeID, t.eventID, sqlError(err))
	}
	supply := row.CurrentSupply.Add(dSupply)
	if supply.IsNegative() {
		return fmt.Errorf("outcome %s supply would go negative: %w", outcomeID, ErrTransactionConflict)
	}
	return sqlError(t.db.Model(&outcomeRow{}).Where("id = ?", outcomeID).Updates(map[string]any{
		"current_supply":  supply,
		"total_liquidity": row.TotalLiquidity.Add(dLiquidity),
	}).Error)
}

func (t *sqlTx) WriteUserBalance(_ context.Context, userID string, delta decimal.Decimal) error {
	bal, err := gormLoadUserBalance(t.db, userID)
	if err != nil {
		return err
	}
	next := bal.Add(delta)
	if next.IsNegative() {
		return fmt.Errorf("user %s balance would go negative: %w", userID, ErrTransactionConflict)
	}
	return sqlError(t.db.Model(&userRow{}).Where("id = ?", userID).Update("playmoney", next).Error)
}

func (t *sqlTx) UpsertAllocation(_ context.Context, userID, outcomeID string, delta decimal.Decimal) error {
	now := time.Now().UTC()
	amount, err := gormLoadAllocation(t.db, userID, outcomeID)
	switch {
	case errors.Is(err, ErrNotFound):
		if delta.IsNegative() {
			return fmt.Errorf("allocation %s/%s would go negative: %w", userID, outcomeID, ErrTransactionConflict)
		}
		row := allocationRow{UserID: userID, OutcomeID: outcomeID, Amount: delta, UpdatedAt: now}
		return sqlError(t.db.Create(&row).Error)
	case err != nil:
		return err
	}

	next := amount.Add(delta)
	if next.IsNegative() {
		return fmt.Errorf("allocation %s/%s would go negative: %w", userID, outcomeID, ErrTransactionConflict)
	}
	return sqlError(t.db.Model(&allocationRow{}).
		Where("user_id = ? AND outcome_id = ?", userID, outcomeID).
		Updates(map[string]any{"amount": next, "updated_at": now}).Error)
}

func (t *sqlTx) AppendTrade(_ context.Context, tr *model.Trade) error {
	row := tradeRow{
		ID: tr.ID, EventID: tr.EventID, OutcomeID: tr.OutcomeID, UserID: tr.UserID, Side: tr.Side,
		Size: tr.Size, Amount: tr.Amount, Price: tr.Price, AfterPrice: tr.AfterPrice, CreatedAt: tr.CreatedAt,
	}
	return sqlError(t.db.Create(&row).Error)
}

func (t *sqlTx) ListHolders(_ context.Context, outcomeID string) ([]model.TokenAllocation, error) {
	var rows []allocationRow
	if err := t.db.Where("outcome_id = ?", outcomeID).Order("user_id").Find(&rows).Error; err != nil {
		return nil, sqlError(err)
	}
	var holders []model.TokenAllocation
	for _, r := range rows {
		if r.Amount.IsPositive() {
			holders = append(holders, r.toModel())
		}
	}
	return holders, nil
}

func (t *sqlTx) SetEventStatus(_ context.Context, eventID string, status model.EventStatus, winningOutcomeID string) error {
	res := t.db.Model(&eventRow{}).Where("id = ?", eventID).Updates(map[string]any{
		"status":             status,
		"winning_outcome_id": winningOutcomeID,
	})
	if res.Error != nil {
		return sqlError(res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("event %s: %w", eventID, ErrNotFound)
	}
	return nil
}

// --- Events ---

func (s *SQLStore) CreateEvent(ctx context.Context, e *model.Event, outcomes []model.Outcome) error {
	return sqlError(s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ev := eventRow{
			ID: e.ID, Title: e.Title, Description: e.Description, CreatorID: e.CreatorID,
			Status: e.Status, ExpiryDate: e.ExpiryDate, WinningOutcomeID: e.WinningOutcomeID,
			CreatedAt: e.CreatedAt,
		}
		if err := tx.Create(&ev).Error; err != nil {
			return fmt.Errorf("create event %s: %w", e.ID, sqlError(err))
		}
		for _, o := range outcomes {
			row := outcomeRow{
				ID: o.ID, EventID: e.ID, Title: o.Title, Position: o.Position,
				CurrentSupply: o.CurrentSupply, TotalLiquidity: o.TotalLiquidity, CreatedAt: o.CreatedAt,
			}
			if err := tx.Create(&row).Error; err != nil {
				return fmt.Errorf("create outcome %s: %w", o.ID, sqlError(err))
			}
		}
		return nil
	}))
}

func (s *SQLStore) GetEvent(ctx context.Context, id string) (*model.Event, error) {
	return gormGetEvent(s.db.WithContext(ctx), id)
}

func (s *SQLStore) ListEvents(ctx context.Context) ([]model.Event, error) {
	var rows []eventRow
	if err := s.db.WithContext(ctx).Order("created_at DESC").Find(&rows).Error; err != nil {
		return nil, sqlError(err)
	}
	events := make([]model.Event, 0, len(rows))
	for _, r := range rows {
		events = append(events, r.toModel())
	}
	return events, nil
}

func (s *SQLStore) LoadOutcomes(ctx context.Context, eventID string) ([]model.Outcome, error) {
	return gormLoadOutcomes(s.db.WithContext(ctx), eventID)
}

// --- Users ---

func (s *SQLStore) CreateUser(ctx context.Context, u *model.User) error {
	row := userRow{ID: u.ID, Username: u.Username, Playmoney: u.Playmoney, CreatedAt: u.CreatedAt}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("create user %s: %w", u.ID, sqlError(err))
	}
	return nil
}

func (s *SQLStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	var row userRow
	if err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		return nil, fmt.Errorf("user %s: %w", id, sqlError(err))
	}
	return &model.User{ID: row.ID, Username: row.Username, Playmoney: row.Playmoney, CreatedAt: row.CreatedAt}, nil
}

func (s *SQLStore) LoadUserBalance(ctx context.Context, userID string) (decimal.Decimal, error) {
	return gormLoadUserBalance(s.db.WithContext(ctx), userID)
}

func (s *SQLStore) LoadAllocation(ctx context.Context, userID, outcomeID string) (decimal.Decimal, error) {
	return gormLoadAllocation(s.db.WithContext(ctx), userID, outcomeID)
}

func (s *SQLStore) ListAllocations(ctx context.Context, userID string) ([]model.TokenAllocation, error) {
	var rows []allocationRow
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("outcome_id").Find(&rows).Error; err != nil {
		return nil, sqlError(err)
	}
	allocs := make([]model.TokenAllocation, 0, len(rows))
	for _, r := range rows {
		allocs = append(allocs, r.toModel())
	}
	return allocs, nil
}

// --- Trades ---

func (s *SQLStore) ListTrades(ctx context.Context, f model.TradeFilter) ([]model.Trade, error) {
	q := s.db.WithContext(ctx).Model(&tradeRow{})
	if f.EventID != "" {
		q = q.Where("event_id = ?", f.EventID)
	}
	if f.OutcomeID != "" {
		q = q.Where("outcome_id = ?", f.OutcomeID)
	}
	if f.UserID != "" {
		q = q.Where("user_id = ?", f.UserID)
	}
	if f.Side != "" {
		q = q.Where("side = ?", f.Side)
	}
	if !f.From.IsZero() {
		q = q.Where("created_at >= ?", f.From)
	}
	if !f.To.IsZero() {
		q = q.Where("created_at <= ?", f.To)
	}

	offset, limit := f.Window()
	var rows []tradeRow
	if err := q.Order("created_at DESC").Offset(offset).Limit(limit).Find(&rows).Error; err != nil {
		return nil, sqlError(err)
	}
	trades := make([]model.Trade, 0, len(rows))
	for _, r := range rows {
		trades = append(trades, r.toModel())
	}
	return trades, nil
}

// --- Shared readers ---

func gormGetEvent(db *gorm.DB, id string) (*model.Event, error) {
	var row eventRow
	if err := db.First(&row, "id = ?", id).Error; err != nil {
		return nil, fmt.Errorf("event %s: %w", id, sqlError(err))
	}
	e := row.toModel()
	return &e, nil
}

func gormLoadOutcomes(db *gorm.DB, eventID string) ([]model.Outcome, error) {
	var rows []outcomeRow
	if err := db.Where("event_id = ?", eventID).Order("position").Find(&rows).Error; err != nil {
		return nil, sqlError(err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("outcomes of event %s: %w", eventID, ErrNotFound)
	}
	outcomes := make([]model.Outcome, 0, len(rows))
	for _, r := range rows {
		outcomes = append(outcomes, r.toModel())
	}
	return outcomes, nil
}

func gormLoadUserBalance(db *gorm.DB, userID string) (decimal.Decimal, error) {
	var row userRow
	if err := db.Select("id", "playmoney").First(&row, "id = ?", userID).Error; err != nil {
		return decimal.Zero, fmt.Errorf("user %s: %w", userID, sqlError(err))
	}
	return row.Playmoney, nil
}

func gormLoadAllocation(db *gorm.DB, userID, outcomeID string) (decimal.Decimal, error) {
	var row allocationRow
	if err := db.First(&row, "user_id = ? AND outcome_id = ?", userID, outcomeID).Error; err != nil {
		return decimal.Zero, fmt.Errorf("allocation %s/%s: %w", userID, outcomeID, sqlError(err))
	}
	return row.Amount, nil
}
