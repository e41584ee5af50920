package storage

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/example/rider-agent/internal/models"
)

type PostgresLedger struct {
	db *sql.DB
}

func NewPostgresLedger(dsn string) (*PostgresLedger, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresLedger{db: db}, nil
}

// Migrate applies a schema script.
func (p *PostgresLedger) Migrate(ctx context.Context, script string) error {
	if _, err := p.db.ExecContext(ctx, script); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (p *PostgresLedger) Record(ctx context.Context, e models.Earning) (bool, error) {
	res, err := p.db.ExecContext(ctx, `INSERT INTO rider_earnings(order_id, rider_id, kind, amount, recorded_at) VALUES($1,$2,$3,$4,$5) ON CONFLICT (order_id) DO NOTHING`,
		e.OrderID, e.RiderID, string(e.Kind), e.Amount, e.RecordedAt)
	if err != nil {
		return false, fmt.Errorf("record earning: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("record earning: %w", err)
	}
	return n == 1, nil
}

func (p *PostgresLedger) Total(ctx context.Context) (float64, error) {
	var sum float64
	if err := p.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(amount), 0) FROM rider_earnings`).Scan(&sum); err != nil {
		return 0, fmt.Errorf("total earnings: %w", err)
	}
	return sum, nil
}

func (p *PostgresLedger) List(ctx context.Context, limit int) ([]models.Earning, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.db.QueryContext(ctx, `SELECT order_id, rider_id, kind, amount, recorded_at FROM rider_earnings ORDER BY recorded_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list earnings: %w", err)
	}
	defer rows.Close()
	var out []models.Earning
	for rows.Next() {
		var e models.Earning
		var kind string
		if err := rows.Scan(&e.OrderID, &e.RiderID, &kind, &e.Amount, &e.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan earning: %w", err)
		}
		e.Kind = models.Kind(kind)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *PostgresLedger) Close() error { return p.db.Close() }
