package persistence

import (
	"PerpMark/internal/config"
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// MarketStore reads and writes markets.tracked.
type MarketStore struct {
	db *sql.DB
}

func NewMarketStore(db *sql.DB) *MarketStore {
	return &MarketStore{db: db}
}

// LoadMarkets returns every tracked market ordered by id. NULL windows come
// back as zero so the caller's defaults apply.
func (s *MarketStore) LoadMarkets(ctx context.Context) ([]config.Market, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT market, validity_window_ms, trade_window, feed_symbol
		FROM markets.tracked
		ORDER BY market
	`)
	if err != nil {
		return nil, fmt.Errorf("query markets: %w", err)
	}
	defer rows.Close()

	var markets []config.Market
	for rows.Next() {
		var (
			m        config.Market
			validity sql.NullInt64
			trades   sql.NullInt32
			symbol   sql.NullString
		)
		if err := rows.Scan(&m.Market, &validity, &trades, &symbol); err != nil {
			return nil, fmt.Errorf("scan market: %w", err)
		}
		if validity.Valid {
			m.ValidityWindow = time.Duration(validity.Int64) * time.Millisecond
		}
		if trades.Valid {
			m.TradeWindow = int(trades.Int32)
		}
		m.FeedSymbol = symbol.String
		markets = append(markets, m)
	}
	return markets, rows.Err()
}

// UpsertMarkets inserts or updates markets in one transaction.
func (s *MarketStore) UpsertMarkets(ctx context.Context, markets []config.Market) error {
	if len(markets) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, m := range markets {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO markets.tracked (market, validity_window_ms, trade_window, feed_symbol)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (market) DO UPDATE SET
				validity_window_ms = EXCLUDED.validity_window_ms,
				trade_window       = EXCLUDED.trade_window,
				feed_symbol        = EXCLUDED.feed_symbol,
				updated_at         = NOW()
		`, m.Market, nullMillis(m.ValidityWindow), nullPositive(m.TradeWindow), nullString(strings.ToUpper(m.FeedSymbol))); err != nil {
			return fmt.Errorf("upsert market %s: %w", m.Market, err)
		}
	}

	return tx.Commit()
}

func nullMillis(d time.Duration) sql.NullInt64 {
	return sql.NullInt64{Int64: d.Milliseconds(), Valid: d > 0}
}

func nullPositive(n int) sql.NullInt32 {
	return sql.NullInt32{Int32: int32(n), Valid: n > 0}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
