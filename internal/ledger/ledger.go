// Package ledger is the persistent store of every order the agent has
// placed: purpose tag, lifecycle state, timestamps, and quantities.
//
// Backed by SQLite in WAL mode for crash safety. Rows are inserted once and
// patched in place; they are never deleted, so statistics can aggregate by
// purpose and time window across restarts. All updates are idempotent under
// retry (keyed by id + patch).
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"spotmm/pkg/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS orders (
	id                TEXT PRIMARY KEY,
	exchange_id       TEXT NOT NULL DEFAULT '',
	pair              TEXT NOT NULL,
	side              TEXT NOT NULL,
	type              TEXT NOT NULL,
	purpose           TEXT NOT NULL,
	created_at        INTEGER NOT NULL,
	expires_at        INTEGER NOT NULL DEFAULT 0,
	updated_at        INTEGER NOT NULL,
	price             TEXT NOT NULL DEFAULT '0',
	base_amount       TEXT NOT NULL DEFAULT '0',
	quote_amount      TEXT NOT NULL DEFAULT '0',
	base_filled       TEXT NOT NULL DEFAULT '0',
	quote_filled      TEXT NOT NULL DEFAULT '0',
	base_remaining    TEXT NOT NULL DEFAULT '0',
	processed         INTEGER NOT NULL DEFAULT 0,
	executed          INTEGER NOT NULL DEFAULT 0,
	cancelled         INTEGER NOT NULL DEFAULT 0,
	closed            INTEGER NOT NULL DEFAULT 0,
	missing_count     INTEGER NOT NULL DEFAULT 0,
	ladder_index      INTEGER NOT NULL DEFAULT 0,
	ladder_state      TEXT NOT NULL DEFAULT '',
	not_placed_reason TEXT NOT NULL DEFAULT '',
	close_cause       TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_orders_open    ON orders (pair, closed, purpose);
CREATE INDEX IF NOT EXISTS idx_orders_exid    ON orders (exchange_id);
CREATE INDEX IF NOT EXISTS idx_orders_created ON orders (pair, created_at);
`

// Ledger is the SQLite-backed order store.
type Ledger struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (or creates) the ledger database at path. ":memory:" works for
// tests.
func Open(path string, logger *slog.Logger) (*Ledger, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping ledger: %w", err)
	}

	// WAL keeps the ledger readable while a write is in flight and survives
	// crashes mid-commit.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("enable wal: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &Ledger{db: db, logger: logger.With("component", "ledger")}, nil
}

// Close closes the underlying database.
func (l *Ledger) Close() error { return l.db.Close() }

// Insert stores a new order row. A missing internal id is generated here so
// callers can pre-build orders without caring about id allocation.
func (l *Ledger) Insert(ctx context.Context, o *types.Order) error {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	now := time.Now()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	o.UpdatedAt = now
	if o.BaseRemaining.IsZero() && !o.BaseAmount.IsZero() && o.BaseFilled.IsZero() {
		o.BaseRemaining = o.BaseAmount
	}

	_, err := l.db.ExecContext(ctx, `
		INSERT INTO orders (
			id, exchange_id, pair, side, type, purpose,
			created_at, expires_at, updated_at,
			price, base_amount, quote_amount, base_filled, quote_filled, base_remaining,
			processed, executed, cancelled, closed, missing_count,
			ladder_index, ladder_state, not_placed_reason, close_cause
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		o.ID, o.ExchangeID, o.Pair.String(), string(o.Side), string(o.Type), string(o.Purpose),
		o.CreatedAt.UnixMilli(), unixOrZero(o.ExpiresAt), o.UpdatedAt.UnixMilli(),
		o.Price.String(), o.BaseAmount.String(), o.QuoteAmount.String(),
		o.BaseFilled.String(), o.QuoteFilled.String(), o.BaseRemaining.String(),
		boolInt(o.Processed), boolInt(o.Executed), boolInt(o.Cancelled), boolInt(o.Closed),
		o.MissingCount, o.LadderIndex, o.LadderState, o.NotPlacedReason, string(o.CloseCause),
	)
	if err != nil {
		return fmt.Errorf("insert order %s: %w", o.ID, err)
	}
	return nil
}

// Patch is a partial order update; nil fields are left untouched.
type Patch struct {
	ExchangeID      *string
	ExpiresAt       *time.Time
	Price           *decimal.Decimal
	BaseFilled      *decimal.Decimal
	QuoteFilled     *decimal.Decimal
	BaseRemaining   *decimal.Decimal
	Processed       *bool
	Executed        *bool
	Cancelled       *bool
	Closed          *bool
	MissingCount    *int
	LadderState     *string
	NotPlacedReason *string
	CloseCause      *types.CloseCause
}

// Update applies a patch to one row and stamps updated_at. Applying the same
// patch twice leaves the row unchanged (idempotent under retry).
func (l *Ledger) Update(ctx context.Context, id string, p Patch) error {
	var sets []string
	var args []any

	add := func(col string, v any) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}

	if p.ExchangeID != nil {
		add("exchange_id", *p.ExchangeID)
	}
	if p.ExpiresAt != nil {
		add("expires_at", unixOrZero(*p.ExpiresAt))
	}
	if p.Price != nil {
		add("price", p.Price.String())
	}
	if p.BaseFilled != nil {
		add("base_filled", p.BaseFilled.String())
	}
	if p.QuoteFilled != nil {
		add("quote_filled", p.QuoteFilled.String())
	}
	if p.BaseRemaining != nil {
		add("base_remaining", p.BaseRemaining.String())
	}
	if p.Processed != nil {
		add("processed", boolInt(*p.Processed))
	}
	if p.Executed != nil {
		add("executed", boolInt(*p.Executed))
	}
	if p.Cancelled != nil {
		add("cancelled", boolInt(*p.Cancelled))
	}
	if p.Closed != nil {
		add("closed", boolInt(*p.Closed))
	}
	if p.MissingCount != nil {
		add("missing_count", *p.MissingCount)
	}
	if p.LadderState != nil {
		add("ladder_state", *p.LadderState)
	}
	if p.NotPlacedReason != nil {
		add("not_placed_reason", *p.NotPlacedReason)
	}
	if p.CloseCause != nil {
		add("close_cause", string(*p.CloseCause))
	}
	if len(sets) == 0 {
		return nil
	}
	add("updated_at", time.Now().UnixMilli())

	args = append(args, id)
	res, err := l.db.ExecContext(ctx,
		"UPDATE orders SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return fmt.Errorf("update order %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update order %s: no such row", id)
	}
	return nil
}

// MarkClosed is the common close transition: sets the lifecycle flags and the
// close cause in one patch.
func (l *Ledger) MarkClosed(ctx context.Context, id string, cause types.CloseCause) error {
	closed := true
	cancelled := cause != types.CauseFilled
	executed := cause == types.CauseFilled
	return l.Update(ctx, id, Patch{
		Closed:     &closed,
		Cancelled:  &cancelled,
		Executed:   &executed,
		CloseCause: &cause,
	})
}

// FindOpen returns open (closed=false) rows for a pair, optionally filtered
// to a purpose set, oldest first.
func (l *Ledger) FindOpen(ctx context.Context, purposes []types.Purpose, pair types.Pair) ([]*types.Order, error) {
	query := "SELECT " + allColumns + " FROM orders WHERE pair = ? AND closed = 0"
	args := []any{pair.String()}
	if len(purposes) > 0 {
		query += " AND purpose IN (?" + strings.Repeat(",?", len(purposes)-1) + ")"
		for _, p := range purposes {
			args = append(args, string(p))
		}
	}
	query += " ORDER BY created_at ASC"

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("find open: %w", err)
	}
	defer rows.Close()
	return scanOrders(rows)
}

// FindByID returns one row, or nil when absent.
func (l *Ledger) FindByID(ctx context.Context, id string) (*types.Order, error) {
	rows, err := l.db.QueryContext(ctx,
		"SELECT "+allColumns+" FROM orders WHERE id = ?", id)
	if err != nil {
		return nil, fmt.Errorf("find by id: %w", err)
	}
	defer rows.Close()
	orders, err := scanOrders(rows)
	if err != nil || len(orders) == 0 {
		return nil, err
	}
	return orders[0], nil
}

// FindByExchangeID returns the row carrying an exchange-assigned id, or nil.
func (l *Ledger) FindByExchangeID(ctx context.Context, exchangeID string) (*types.Order, error) {
	rows, err := l.db.QueryContext(ctx,
		"SELECT "+allColumns+" FROM orders WHERE exchange_id = ?", exchangeID)
	if err != nil {
		return nil, fmt.Errorf("find by exchange id: %w", err)
	}
	defer rows.Close()
	orders, err := scanOrders(rows)
	if err != nil || len(orders) == 0 {
		return nil, err
	}
	return orders[0], nil
}

// HasExchangeID reports whether any ledger row carries the exchange id.
// Used by the collector's "unk" classification.
func (l *Ledger) HasExchangeID(ctx context.Context, exchangeID string) (bool, error) {
	var n int
	err := l.db.QueryRowContext(ctx,
		"SELECT COUNT(1) FROM orders WHERE exchange_id = ?", exchangeID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("has exchange id: %w", err)
	}
	return n > 0, nil
}

// StatsByPurpose aggregates placed/filled/cancelled counts and volumes per
// purpose within the window.
func (l *Ledger) StatsByPurpose(ctx context.Context, pair types.Pair, purposes []types.Purpose, window types.StatsWindow) ([]types.PurposeStats, error) {
	if len(purposes) == 0 {
		purposes = types.AllPurposes
	}

	query := `
		SELECT purpose,
		       COUNT(1),
		       SUM(executed),
		       SUM(cancelled),
		       COALESCE(SUM(CAST(base_filled AS REAL)), 0),
		       COALESCE(SUM(CAST(quote_filled AS REAL)), 0)
		FROM orders
		WHERE pair = ? AND purpose IN (?` + strings.Repeat(",?", len(purposes)-1) + `)`
	args := []any{pair.String()}
	for _, p := range purposes {
		args = append(args, string(p))
	}
	if since := window.Since(time.Now()); !since.IsZero() {
		query += " AND created_at >= ?"
		args = append(args, since.UnixMilli())
	}
	query += " GROUP BY purpose"

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("stats: %w", err)
	}
	defer rows.Close()

	var out []types.PurposeStats
	for rows.Next() {
		var (
			purpose                 string
			placed, filled, cancel  int
			baseVol, quoteVol       float64
		)
		if err := rows.Scan(&purpose, &placed, &filled, &cancel, &baseVol, &quoteVol); err != nil {
			return nil, fmt.Errorf("stats scan: %w", err)
		}
		out = append(out, types.PurposeStats{
			Purpose:     types.Purpose(purpose),
			Placed:      placed,
			Filled:      filled,
			Cancelled:   cancel,
			BaseVolume:  decimal.NewFromFloat(baseVol),
			QuoteVolume: decimal.NewFromFloat(quoteVol),
		})
	}
	return out, rows.Err()
}

// ————————————————————————————————————————————————————————————————————————
// Row plumbing
// ————————————————————————————————————————————————————————————————————————

const allColumns = `id, exchange_id, pair, side, type, purpose,
	created_at, expires_at, updated_at,
	price, base_amount, quote_amount, base_filled, quote_filled, base_remaining,
	processed, executed, cancelled, closed, missing_count,
	ladder_index, ladder_state, not_placed_reason, close_cause`

func scanOrders(rows *sql.Rows) ([]*types.Order, error) {
	var out []*types.Order
	for rows.Next() {
		var (
			o                                        types.Order
			pairStr, side, typ, purpose, cause       string
			createdAt, expiresAt, updatedAt          int64
			price, baseAmt, quoteAmt                 string
			baseFilled, quoteFilled, baseRemaining   string
			processed, executed, cancelled, closed   int
		)
		if err := rows.Scan(
			&o.ID, &o.ExchangeID, &pairStr, &side, &typ, &purpose,
			&createdAt, &expiresAt, &updatedAt,
			&price, &baseAmt, &quoteAmt, &baseFilled, &quoteFilled, &baseRemaining,
			&processed, &executed, &cancelled, &closed, &o.MissingCount,
			&o.LadderIndex, &o.LadderState, &o.NotPlacedReason, &cause,
		); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}

		pair, err := types.ParsePair(pairStr)
		if err != nil {
			return nil, err
		}
		o.Pair = pair
		o.Side = types.Side(side)
		o.Type = types.OrderType(typ)
		o.Purpose = types.Purpose(purpose)
		o.CreatedAt = time.UnixMilli(createdAt)
		if expiresAt > 0 {
			o.ExpiresAt = time.UnixMilli(expiresAt)
		}
		o.UpdatedAt = time.UnixMilli(updatedAt)
		o.Price = mustDec(price)
		o.BaseAmount = mustDec(baseAmt)
		o.QuoteAmount = mustDec(quoteAmt)
		o.BaseFilled = mustDec(baseFilled)
		o.QuoteFilled = mustDec(quoteFilled)
		o.BaseRemaining = mustDec(baseRemaining)
		o.Processed = processed == 1
		o.Executed = executed == 1
		o.Cancelled = cancelled == 1
		o.Closed = closed == 1
		o.CloseCause = types.CloseCause(cause)

		out = append(out, &o)
	}
	return out, rows.Err()
}

func mustDec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
