package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gregtusar/kiteexec/pkg/models"
	"github.com/shopspring/decimal"

	_ "github.com/glebarez/go-sqlite"
)

// Store persists orders and jobs across restarts.
type Store interface {
	SaveOrder(ctx context.Context, order *models.Order) error
	LoadOrders(ctx context.Context) ([]*models.Order, error)
	DeleteOrders(ctx context.Context, orderIDs []string) error
	SaveJob(ctx context.Context, job *models.AlgoJob) error
	LoadJobs(ctx context.Context) ([]*models.AlgoJob, error)
	Close() error
}

type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the registry database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." && !strings.HasPrefix(path, ":memory:") {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create registry dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	// one writer; avoids SQLITE_BUSY between pooled connections
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %s: %w", pragma, err)
		}
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS orders (
			order_id TEXT PRIMARY KEY,
			symbol TEXT NOT NULL,
			exchange TEXT NOT NULL DEFAULT '',
			side TEXT NOT NULL DEFAULT '',
			order_type TEXT NOT NULL DEFAULT '',
			quantity INTEGER NOT NULL DEFAULT 0,
			price TEXT NOT NULL DEFAULT '0',
			trigger_price TEXT NOT NULL DEFAULT '0',
			product TEXT NOT NULL DEFAULT '',
			variety TEXT NOT NULL DEFAULT '',
			validity TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			tag TEXT NOT NULL DEFAULT '',
			role TEXT NOT NULL DEFAULT 'unspecified',
			group_id TEXT NOT NULL DEFAULT '',
			strategy_id TEXT NOT NULL DEFAULT '',
			protected INTEGER NOT NULL DEFAULT 0,
			modification_count INTEGER NOT NULL DEFAULT 0,
			parent_job_id TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create orders table: %w", err)
	}
	// databases created before placements were tagged
	if _, err := db.Exec(`ALTER TABLE orders ADD COLUMN tag TEXT NOT NULL DEFAULT ''`); err != nil &&
		!strings.Contains(err.Error(), "duplicate column") {
		db.Close()
		return nil, fmt.Errorf("failed to migrate orders table: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS algo_jobs (
			job_id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			params TEXT NOT NULL,
			state TEXT NOT NULL,
			child_order_ids TEXT NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			started_at TEXT NOT NULL DEFAULT '',
			ended_at TEXT NOT NULL DEFAULT ''
		);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create algo_jobs table: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) SaveOrder(ctx context.Context, o *models.Order) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO orders (order_id, symbol, exchange, side, order_type, quantity, price, trigger_price,
			product, variety, validity, status, reason, tag, role, group_id, strategy_id, protected,
			modification_count, parent_job_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(order_id) DO UPDATE SET
			symbol=excluded.symbol, exchange=excluded.exchange, side=excluded.side,
			order_type=excluded.order_type, quantity=excluded.quantity, price=excluded.price,
			trigger_price=excluded.trigger_price, product=excluded.product, variety=excluded.variety,
			validity=excluded.validity, status=excluded.status, reason=excluded.reason, tag=excluded.tag,
			role=excluded.role, group_id=excluded.group_id, strategy_id=excluded.strategy_id,
			protected=excluded.protected, modification_count=excluded.modification_count,
			parent_job_id=excluded.parent_job_id, created_at=excluded.created_at,
			updated_at=excluded.updated_at`,
		o.OrderID, o.Symbol, o.Exchange, string(o.Side), string(o.Type), o.Quantity,
		o.Price.String(), o.TriggerPrice.String(), o.Product, o.Variety, o.Validity,
		string(o.Status), o.Reason, o.Tag, string(o.Role), o.Group, o.StrategyID, boolToInt(o.Protected),
		o.ModificationCount, o.ParentJobID, formatTime(o.CreatedAt), formatTime(o.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save order %s: %w", o.OrderID, err)
	}
	return nil
}

func (s *SQLiteStore) LoadOrders(ctx context.Context) ([]*models.Order, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT order_id, symbol, exchange, side, order_type, quantity, price, trigger_price,
			product, variety, validity, status, reason, tag, role, group_id, strategy_id, protected,
			modification_count, parent_job_id, created_at, updated_at
		FROM orders ORDER BY created_at, rowid`)
	if err != nil {
		return nil, fmt.Errorf("failed to query orders: %w", err)
	}
	defer rows.Close()

	var orders []*models.Order
	for rows.Next() {
		var (
			o                       models.Order
			side, typ, status, role string
			price, trigger          string
			protected               int
			createdAt, updatedAt    string
		)
		if err := rows.Scan(&o.OrderID, &o.Symbol, &o.Exchange, &side, &typ, &o.Quantity, &price, &trigger,
			&o.Product, &o.Variety, &o.Validity, &status, &o.Reason, &o.Tag, &role, &o.Group, &o.StrategyID,
			&protected, &o.ModificationCount, &o.ParentJobID, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		o.Side = models.OrderSide(side)
		o.Type = models.OrderType(typ)
		o.Status = models.OrderStatus(status)
		o.Role = models.ParseRole(role)
		o.Protected = protected != 0
		o.Price = parseDecimal(price)
		o.TriggerPrice = parseDecimal(trigger)
		o.CreatedAt = parseTime(createdAt)
		o.UpdatedAt = parseTime(updatedAt)
		orders = append(orders, &o)
	}
	return orders, rows.Err()
}

func (s *SQLiteStore) DeleteOrders(ctx context.Context, orderIDs []string) error {
	if len(orderIDs) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(orderIDs)), ",")
	args := make([]any, len(orderIDs))
	for i, id := range orderIDs {
		args[i] = id
	}
	_, err := s.db.ExecContext(ctx, "DELETE FROM orders WHERE order_id IN ("+placeholders+")", args...)
	if err != nil {
		return fmt.Errorf("failed to delete orders: %w", err)
	}
	return nil
}

func (s *SQLiteStore) SaveJob(ctx context.Context, job *models.AlgoJob) error {
	params, err := json.Marshal(job.Params)
	if err != nil {
		return fmt.Errorf("failed to marshal job params: %w", err)
	}
	children, err := json.Marshal(job.ChildOrderIDs)
	if err != nil {
		return fmt.Errorf("failed to marshal job children: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO algo_jobs (job_id, type, params, state, child_order_ids, error, created_at, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_id) DO UPDATE SET
			state=excluded.state, child_order_ids=excluded.child_order_ids, error=excluded.error,
			started_at=excluded.started_at, ended_at=excluded.ended_at`,
		job.JobID, string(job.Type), string(params), string(job.State), string(children), job.Error,
		formatTime(job.CreatedAt), formatTime(job.StartedAt), formatTime(job.EndedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save job %s: %w", job.JobID, err)
	}
	return nil
}

func (s *SQLiteStore) LoadJobs(ctx context.Context) ([]*models.AlgoJob, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT job_id, type, params, state, child_order_ids, error, created_at, started_at, ended_at
		FROM algo_jobs ORDER BY created_at, rowid`)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.AlgoJob
	for rows.Next() {
		var (
			job                           models.AlgoJob
			typ, params, state, children  string
			createdAt, startedAt, endedAt string
		)
		if err := rows.Scan(&job.JobID, &typ, &params, &state, &children, &job.Error,
			&createdAt, &startedAt, &endedAt); err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		if err := json.Unmarshal([]byte(params), &job.Params); err != nil {
			return nil, fmt.Errorf("failed to decode params of job %s: %w", job.JobID, err)
		}
		if err := json.Unmarshal([]byte(children), &job.ChildOrderIDs); err != nil {
			return nil, fmt.Errorf("failed to decode children of job %s: %w", job.JobID, err)
		}
		job.Type = models.JobType(typ)
		job.State = models.JobState(state)
		job.CreatedAt = parseTime(createdAt)
		job.StartedAt = parseTime(startedAt)
		job.EndedAt = parseTime(endedAt)
		jobs = append(jobs, &job)
	}
	return jobs, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
