package database

import (
	"context"
	"fmt"
	"time"

	"aster-trading-bot/internal/orders"
	"aster-trading-bot/internal/signal"
)

// TradeSummary aggregates closed trades over a period.
type TradeSummary struct {
	Trades    int     `json:"trades"`
	Wins      int     `json:"wins"`
	TotalPnL  float64 `json:"total_pnl"`
	AvgPnLBps float64 `json:"avg_pnl_bps"`
}

// InsertTrade persists one closed trade.
func (db *DB) InsertTrade(ctx context.Context, rec orders.TradeRecord) error {
	if db == nil || db.Pool == nil {
		return nil
	}

	query := `
		INSERT INTO trades (
			trade_id, symbol, side, quantity, entry_price, exit_price, notional,
			entered_at, closed_at, opening_loss_bps, funding_bps, ret_bps, vol_bps,
			take_profit_bps, stop_loss_bps, activation_bps, close_reason, pnl, pnl_bps
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
			$11, $12, $13, $14, $15, $16, $17, $18, $19
		) ON CONFLICT (trade_id) DO NOTHING`

	_, err := db.Pool.Exec(ctx, query,
		rec.TradeID, rec.Symbol, string(rec.Side), rec.Quantity,
		rec.EntryPrice, rec.ExitPrice, rec.Notional,
		rec.EnteredAt, rec.ClosedAt,
		rec.OpeningLossBps, rec.FundingBps, rec.RetBps, rec.VolBps,
		rec.Levels.TakeProfitBps, rec.Levels.StopLossBps, rec.Levels.ActivationBps,
		string(rec.CloseReason), rec.PnL, rec.PnLBps,
	)
	if err != nil {
		return fmt.Errorf("insert trade %s: %w", rec.TradeID, err)
	}
	return nil
}

// InsertRiskEvent persists one risk gate firing.
func (db *DB) InsertRiskEvent(ctx context.Context, gate, detail string, occurredAt time.Time) error {
	if db == nil || db.Pool == nil {
		return nil
	}
	_, err := db.Pool.Exec(ctx,
		`INSERT INTO risk_events (gate, detail, occurred_at) VALUES ($1, $2, $3)`,
		gate, detail, occurredAt,
	)
	if err != nil {
		return fmt.Errorf("insert risk event: %w", err)
	}
	return nil
}

// RecentTrades returns the newest closed trades, most recent first.
func (db *DB) RecentTrades(ctx context.Context, limit int) ([]orders.TradeRecord, error) {
	if db == nil || db.Pool == nil {
		return nil, nil
	}

	query := `
		SELECT trade_id, symbol, side, quantity, entry_price, exit_price, notional,
			entered_at, closed_at, opening_loss_bps, funding_bps, ret_bps, vol_bps,
			take_profit_bps, stop_loss_bps, activation_bps, close_reason, pnl, pnl_bps
		FROM trades
		ORDER BY closed_at DESC
		LIMIT $1`

	rows, err := db.Pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent trades: %w", err)
	}
	defer rows.Close()

	var out []orders.TradeRecord
	for rows.Next() {
		var rec orders.TradeRecord
		var side, reason string
		err := rows.Scan(
			&rec.TradeID, &rec.Symbol, &side, &rec.Quantity,
			&rec.EntryPrice, &rec.ExitPrice, &rec.Notional,
			&rec.EnteredAt, &rec.ClosedAt,
			&rec.OpeningLossBps, &rec.FundingBps, &rec.RetBps, &rec.VolBps,
			&rec.Levels.TakeProfitBps, &rec.Levels.StopLossBps, &rec.Levels.ActivationBps,
			&reason, &rec.PnL, &rec.PnLBps,
		)
		if err != nil {
			return nil, fmt.Errorf("scan trade row: %w", err)
		}
		rec.Side = signal.Side(side)
		rec.CloseReason = orders.CloseReason(reason)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// DailySummary aggregates the trades closed within one UTC day.
func (db *DB) DailySummary(ctx context.Context, day time.Time) (*TradeSummary, error) {
	if db == nil || db.Pool == nil {
		return &TradeSummary{}, nil
	}

	start := day.UTC().Truncate(24 * time.Hour)
	end := start.Add(24 * time.Hour)

	query := `
		SELECT COUNT(*),
			COUNT(*) FILTER (WHERE pnl > 0),
			COALESCE(SUM(pnl), 0),
			COALESCE(AVG(pnl_bps), 0)
		FROM trades
		WHERE closed_at >= $1 AND closed_at < $2`

	var s TradeSummary
	err := db.Pool.QueryRow(ctx, query, start, end).Scan(&s.Trades, &s.Wins, &s.TotalPnL, &s.AvgPnLBps)
	if err != nil {
		return nil, fmt.Errorf("query daily summary: %w", err)
	}
	return &s, nil
}
