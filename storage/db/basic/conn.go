package basic

import (
	"context"
	"database/sql"

	core "k1s0/storage/db"
	"k1s0/storage/db/dialect"
)

// querier *sql.DB 与 *sql.Tx 的公共子集
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// conn 按方言改写占位符后转发到 querier，DB 与 Tx 共用
type conn struct {
	q       querier
	dialect dialect.Dialect
}

func (c conn) Query(ctx context.Context, query string, args ...any) (core.IRows, error) {
	rows, err := c.q.QueryContext(ctx, c.dialect.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	return &Rows{rows: rows}, nil
}

func (c conn) QueryRow(ctx context.Context, query string, args ...any) core.IRow {
	return &Row{row: c.q.QueryRowContext(ctx, c.dialect.Rebind(query), args...)}
}

func (c conn) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return c.q.ExecContext(ctx, c.dialect.Rebind(query), args...)
}

// GetDialectName 实现 core.IDialectNameProvider 接口
func (c conn) GetDialectName() string {
	return string(c.dialect.Name())
}
