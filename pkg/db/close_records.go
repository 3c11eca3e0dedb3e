package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Close types.
const (
	CloseTypeStrategy = "STRATEGY"
	CloseTypeManual   = "MANUAL"
)

// CloseRecord describes one position close.
type CloseRecord struct {
	ID            string    `json:"id"`
	UserID        string    `json:"userId"`
	Symbol        string    `json:"symbol"`
	Side          string    `json:"side"`
	CloseQuantity float64   `json:"closeQuantity"`
	ClosePrice    float64   `json:"closePrice"`
	AvgPrice      float64   `json:"avgPrice"`
	Leverage      float64   `json:"leverage"`
	Margin        float64   `json:"margin"`
	RealizedPnl   float64   `json:"realizedPnl"`
	PnlPercentage float64   `json:"pnlPercentage"`
	CloseType     string    `json:"closeType"`
	StrategyName  string    `json:"strategyName"`
	OrderID       string    `json:"orderId"`
	CreatedAt     time.Time `json:"createdAt"`
}

// CreateCloseRecord inserts r.
func (d *Database) CreateCloseRecord(ctx context.Context, r CloseRecord) error {
	if r.UserID == "" {
		return ErrUserIDRequired
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO close_position_records (
			id, user_id, symbol, side, close_quantity, close_price, avg_price,
			leverage, margin, realized_pnl, pnl_percentage, close_type,
			strategy_name, order_id, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.UserID, r.Symbol, r.Side, r.CloseQuantity, r.ClosePrice, r.AvgPrice,
		r.Leverage, r.Margin, r.RealizedPnl, r.PnlPercentage, r.CloseType,
		r.StrategyName, r.OrderID, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert close record: %w", err)
	}
	return nil
}

// ListCloseRecords returns a user's newest records first.
func (d *Database) ListCloseRecords(ctx context.Context, userID string, limit int) ([]CloseRecord, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, user_id, symbol, side, close_quantity, close_price, avg_price,
		       leverage, margin, realized_pnl, pnl_percentage, close_type,
		       COALESCE(strategy_name, ''), COALESCE(order_id, ''), created_at
		FROM close_position_records
		WHERE user_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query close records: %w", err)
	}
	defer rows.Close()

	var out []CloseRecord
	for rows.Next() {
		var (
			r       CloseRecord
			created sql.NullTime
		)
		if err := rows.Scan(&r.ID, &r.UserID, &r.Symbol, &r.Side, &r.CloseQuantity, &r.ClosePrice, &r.AvgPrice,
			&r.Leverage, &r.Margin, &r.RealizedPnl, &r.PnlPercentage, &r.CloseType,
			&r.StrategyName, &r.OrderID, &created); err != nil {
			return nil, fmt.Errorf("scan close record: %w", err)
		}
		r.CreatedAt = created.Time
		out = append(out, r)
	}
	return out, rows.Err()
}
