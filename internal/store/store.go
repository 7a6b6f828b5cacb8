// Package store provides durable SQLite-backed persistence for trades and
// periodic order-book/price snapshots. Trades are append-only and keyed by
// id, so duplicate ingest is idempotent; snapshots are append-only and
// pruned by age. A pure-Go driver (modernc.org/sqlite) is used so the
// module never requires cgo.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"marketagg/pkg/types"
)

// StorageError wraps any underlying I/O or SQL failure. Callers (the
// aggregator, the periodic snapshot task) log and skip the failed write
// rather than crashing the process, per the failure semantics this store
// is required to uphold.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return fmt.Sprintf("store: %s: %v", e.Op, e.Err) }
func (e *StorageError) Unwrap() error { return e.Err }

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: err}
}

// Store is safe for concurrent use; database/sql pools connections
// internally.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS trades (
	id TEXT NOT NULL,
	exchange TEXT NOT NULL,
	market_id TEXT NOT NULL,
	timestamp INTEGER NOT NULL,
	price TEXT NOT NULL,
	quantity TEXT NOT NULL,
	outcome TEXT NOT NULL,
	side TEXT NOT NULL,
	PRIMARY KEY (exchange, id)
);
CREATE INDEX IF NOT EXISTS idx_trades_market ON trades(exchange, market_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_trades_timestamp ON trades(timestamp);

CREATE TABLE IF NOT EXISTS price_snapshots (
	exchange TEXT NOT NULL,
	market_id TEXT NOT NULL,
	yes_price TEXT NOT NULL,
	no_price TEXT NOT NULL,
	timestamp INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_price_snapshots_market ON price_snapshots(exchange, market_id, timestamp);

CREATE TABLE IF NOT EXISTS orderbook_snapshots (
	exchange TEXT NOT NULL,
	market_id TEXT NOT NULL,
	yes_bids_json BLOB NOT NULL,
	yes_asks_json BLOB NOT NULL,
	no_bids_json BLOB NOT NULL,
	no_asks_json BLOB NOT NULL,
	timestamp INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_orderbook_snapshots_market ON orderbook_snapshots(exchange, market_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_orderbook_snapshots_timestamp ON orderbook_snapshots(timestamp);
`

// Open creates (or attaches to) a SQLite database at path, creating the
// parent directory and schema if they don't yet exist. path may be
// ":memory:" for an ephemeral in-process store (tests).
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, wrap("create store dir", err)
			}
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, wrap("open", err)
	}
	// SQLite tolerates exactly one writer at a time; a single pooled
	// connection avoids SQLITE_BUSY under concurrent goroutine writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, wrap("init schema", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// StoreTrade inserts one trade. Re-inserting the same (exchange, id) is a
// no-op, satisfying at-most-once persistence under at-least-once delivery
// from the upstream feed.
func (s *Store) StoreTrade(ctx context.Context, t types.Trade) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO trades (id, exchange, market_id, timestamp, price, quantity, outcome, side)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.Id, string(t.Exchange), string(t.MarketId), t.Timestamp.Unix(),
		t.Price.String(), t.Quantity.String(), string(t.Outcome), string(t.Side),
	)
	return wrap("store trade", err)
}

// StoreTrades inserts a batch within one transaction and returns the number
// of rows actually inserted (duplicates excluded).
func (s *Store) StoreTrades(ctx context.Context, trades []types.Trade) (int, error) {
	if len(trades) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, wrap("begin batch", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO trades (id, exchange, market_id, timestamp, price, quantity, outcome, side)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, wrap("prepare batch", err)
	}
	defer stmt.Close()

	stored := 0
	for _, t := range trades {
		res, err := stmt.ExecContext(ctx, t.Id, string(t.Exchange), string(t.MarketId), t.Timestamp.Unix(),
			t.Price.String(), t.Quantity.String(), string(t.Outcome), string(t.Side))
		if err != nil {
			return stored, wrap("store batch row", err)
		}
		n, _ := res.RowsAffected()
		stored += int(n)
	}

	if err := tx.Commit(); err != nil {
		return stored, wrap("commit batch", err)
	}
	return stored, nil
}

func scanTrade(rows *sql.Rows) (types.Trade, error) {
	var (
		t                  types.Trade
		exchange, marketId string
		ts                 int64
		priceStr, qtyStr   string
		outcome, side      string
	)
	if err := rows.Scan(&t.Id, &exchange, &marketId, &ts, &priceStr, &qtyStr, &outcome, &side); err != nil {
		return types.Trade{}, err
	}
	t.Exchange = types.Exchange(exchange)
	t.MarketId = types.MarketId(marketId)
	t.Timestamp = time.Unix(ts, 0).UTC()
	t.Outcome = types.Outcome(outcome)
	t.Side = types.Side(side)

	price, err := decimal.NewFromString(priceStr)
	if err != nil {
		return types.Trade{}, err
	}
	qty, err := decimal.NewFromString(qtyStr)
	if err != nil {
		return types.Trade{}, err
	}
	t.Price = price
	t.Quantity = qty
	return t, nil
}

// GetTrades returns every trade for (exchange, marketId) with timestamp in
// [from, to], ordered ascending by timestamp.
func (s *Store) GetTrades(ctx context.Context, exchange types.Exchange, marketId types.MarketId, from, to time.Time) ([]types.Trade, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, exchange, market_id, timestamp, price, quantity, outcome, side
		FROM trades
		WHERE exchange = ? AND market_id = ? AND timestamp >= ? AND timestamp <= ?
		ORDER BY timestamp ASC`,
		string(exchange), string(marketId), from.Unix(), to.Unix())
	if err != nil {
		return nil, wrap("get trades", err)
	}
	defer rows.Close()

	var out []types.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, wrap("scan trade", err)
		}
		out = append(out, t)
	}
	return out, wrap("get trades", rows.Err())
}

// GetLatestTrade returns the most recent trade for (exchange, marketId), if
// any.
func (s *Store) GetLatestTrade(ctx context.Context, exchange types.Exchange, marketId types.MarketId) (*types.Trade, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, exchange, market_id, timestamp, price, quantity, outcome, side
		FROM trades
		WHERE exchange = ? AND market_id = ?
		ORDER BY timestamp DESC
		LIMIT 1`,
		string(exchange), string(marketId))
	if err != nil {
		return nil, wrap("get latest trade", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, wrap("get latest trade", rows.Err())
	}
	t, err := scanTrade(rows)
	if err != nil {
		return nil, wrap("scan trade", err)
	}
	return &t, nil
}

// GetTradeCount returns the number of stored trades for (exchange, marketId).
func (s *Store) GetTradeCount(ctx context.Context, exchange types.Exchange, marketId types.MarketId) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM trades WHERE exchange = ? AND market_id = ?`,
		string(exchange), string(marketId)).Scan(&count)
	return count, wrap("get trade count", err)
}

// TradeExists reports whether a trade with (exchange, id) is already stored.
func (s *Store) TradeExists(ctx context.Context, exchange types.Exchange, id string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM trades WHERE exchange = ? AND id = ?)`,
		string(exchange), id).Scan(&exists)
	return exists, wrap("trade exists", err)
}

// StorePriceSnapshot appends one price observation.
func (s *Store) StorePriceSnapshot(ctx context.Context, p types.PriceSnapshot) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO price_snapshots (exchange, market_id, yes_price, no_price, timestamp)
		VALUES (?, ?, ?, ?, ?)`,
		string(p.Exchange), string(p.MarketId), p.YesPrice.String(), p.NoPrice.String(), p.Timestamp.Unix())
	return wrap("store price snapshot", err)
}

// GetPriceAtTime returns the most recent price snapshot with timestamp <= t.
func (s *Store) GetPriceAtTime(ctx context.Context, exchange types.Exchange, marketId types.MarketId, t time.Time) (*types.PriceSnapshot, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT exchange, market_id, yes_price, no_price, timestamp
		FROM price_snapshots
		WHERE exchange = ? AND market_id = ? AND timestamp <= ?
		ORDER BY timestamp DESC
		LIMIT 1`,
		string(exchange), string(marketId), t.Unix())

	var (
		exchangeStr, marketIdStr string
		yesStr, noStr            string
		ts                       int64
	)
	if err := row.Scan(&exchangeStr, &marketIdStr, &yesStr, &noStr, &ts); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, wrap("get price at time", err)
	}
	yes, err := decimal.NewFromString(yesStr)
	if err != nil {
		return nil, wrap("parse yes price", err)
	}
	no, err := decimal.NewFromString(noStr)
	if err != nil {
		return nil, wrap("parse no price", err)
	}
	return &types.PriceSnapshot{
		Exchange:  types.Exchange(exchangeStr),
		MarketId:  types.MarketId(marketIdStr),
		YesPrice:  yes,
		NoPrice:   no,
		Timestamp: time.Unix(ts, 0).UTC(),
	}, nil
}

// StoreOrderBookSnapshot appends one serialized order-book observation.
func (s *Store) StoreOrderBookSnapshot(ctx context.Context, exchange types.Exchange, marketId types.MarketId, ob types.OrderBook) error {
	yesBids, err := json.Marshal(ob.YesBids)
	if err != nil {
		return wrap("marshal yes bids", err)
	}
	yesAsks, err := json.Marshal(ob.YesAsks)
	if err != nil {
		return wrap("marshal yes asks", err)
	}
	noBids, err := json.Marshal(ob.NoBids)
	if err != nil {
		return wrap("marshal no bids", err)
	}
	noAsks, err := json.Marshal(ob.NoAsks)
	if err != nil {
		return wrap("marshal no asks", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO orderbook_snapshots (exchange, market_id, yes_bids_json, yes_asks_json, no_bids_json, no_asks_json, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		string(exchange), string(marketId), yesBids, yesAsks, noBids, noAsks, ob.Timestamp.Unix())
	return wrap("store orderbook snapshot", err)
}

// VolumeInRange is the aggregated trade volume for one market over a range.
type VolumeInRange struct {
	MarketId types.MarketId
	Volume   decimal.Decimal
}

// GetVolumeInRange sums traded quantity for (exchange, marketId) over
// [from, to].
func (s *Store) GetVolumeInRange(ctx context.Context, exchange types.Exchange, marketId types.MarketId, from, to time.Time) (decimal.Decimal, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT quantity FROM trades
		WHERE exchange = ? AND market_id = ? AND timestamp >= ? AND timestamp <= ?`,
		string(exchange), string(marketId), from.Unix(), to.Unix())
	if err != nil {
		return decimal.Zero, wrap("get volume in range", err)
	}
	defer rows.Close()

	total := decimal.Zero
	for rows.Next() {
		var qtyStr string
		if err := rows.Scan(&qtyStr); err != nil {
			return decimal.Zero, wrap("scan volume", err)
		}
		qty, err := decimal.NewFromString(qtyStr)
		if err != nil {
			return decimal.Zero, wrap("parse volume", err)
		}
		total = total.Add(qty)
	}
	return total, wrap("get volume in range", rows.Err())
}

// GetTxnCountsInRange returns the number of trades for (exchange, marketId)
// over [from, to].
func (s *Store) GetTxnCountsInRange(ctx context.Context, exchange types.Exchange, marketId types.MarketId, from, to time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM trades
		WHERE exchange = ? AND market_id = ? AND timestamp >= ? AND timestamp <= ?`,
		string(exchange), string(marketId), from.Unix(), to.Unix()).Scan(&count)
	return count, wrap("get txn counts in range", err)
}

// BulkStats is the aggregated volume and transaction count for one market.
type BulkStats struct {
	MarketId types.MarketId
	Volume   decimal.Decimal
	TxnCount int
}

// GetBulkStatsInRange aggregates volume and transaction count across
// several markets in one query, for dashboard-style multi-market summaries.
func (s *Store) GetBulkStatsInRange(ctx context.Context, exchange types.Exchange, marketIds []types.MarketId, from, to time.Time) ([]BulkStats, error) {
	if len(marketIds) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(marketIds))
	args := make([]any, 0, len(marketIds)+3)
	args = append(args, string(exchange))
	for i, id := range marketIds {
		placeholders[i] = "?"
		args = append(args, string(id))
	}
	args = append(args, from.Unix(), to.Unix())

	query := fmt.Sprintf(`
		SELECT market_id, quantity FROM trades
		WHERE exchange = ? AND market_id IN (%s) AND timestamp >= ? AND timestamp <= ?`,
		joinPlaceholders(placeholders))
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrap("get bulk stats", err)
	}
	defer rows.Close()

	totals := make(map[types.MarketId]*BulkStats)
	for rows.Next() {
		var marketId, qtyStr string
		if err := rows.Scan(&marketId, &qtyStr); err != nil {
			return nil, wrap("scan bulk stats", err)
		}
		qty, err := decimal.NewFromString(qtyStr)
		if err != nil {
			return nil, wrap("parse bulk stats volume", err)
		}
		mid := types.MarketId(marketId)
		st, ok := totals[mid]
		if !ok {
			st = &BulkStats{MarketId: mid, Volume: decimal.Zero}
			totals[mid] = st
		}
		st.Volume = st.Volume.Add(qty)
		st.TxnCount++
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("get bulk stats", err)
	}

	out := make([]BulkStats, 0, len(totals))
	for _, st := range totals {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MarketId < out[j].MarketId })
	return out, nil
}

func joinPlaceholders(ps []string) string {
	out := ps[0]
	for _, p := range ps[1:] {
		out += "," + p
	}
	return out
}

// PruneOrderBookSnapshots deletes order-book snapshots older than
// olderThanDays and returns the number of rows removed.
func (s *Store) PruneOrderBookSnapshots(ctx context.Context, olderThanDays int) (int, error) {
	cutoff := time.Now().AddDate(0, 0, -olderThanDays).Unix()
	res, err := s.db.ExecContext(ctx, `DELETE FROM orderbook_snapshots WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, wrap("prune orderbook snapshots", err)
	}
	n, err := res.RowsAffected()
	return int(n), wrap("prune orderbook snapshots", err)
}
