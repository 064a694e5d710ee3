package basic

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"sync/atomic"

	core "k1s0/storage/db"
)

// ErrNestedTx 在事务内再次开启事务
//
// Saga 状态与步骤日志在同一个事务中写入，嵌套事务没有使用场景。
var ErrNestedTx = stdErrors.New("basic: nested transactions are not supported")

// Tx 单次事务，Commit 与 Rollback 只有先到者生效
//
// core.WithTx 在 fn 出错或 panic 后回滚；提交之后再回滚返回 nil，
// 因此调用方可以无条件 defer Rollback。
type Tx struct {
	conn
	db       *sql.DB
	tx       *sql.Tx
	finished atomic.Bool
}

func newTx(db *sql.DB, tx *sql.Tx, c conn) *Tx {
	c.q = tx
	return &Tx{conn: c, db: db, tx: tx}
}

func (t *Tx) Begin(context.Context) (core.ITransaction, error) {
	return nil, ErrNestedTx
}

func (t *Tx) BeginTx(context.Context, *sql.TxOptions) (core.ITransaction, error) {
	return nil, ErrNestedTx
}

func (t *Tx) Ping(ctx context.Context) error { return t.db.PingContext(ctx) }

// Close 事务不持有连接池，关闭由所属 DB 负责
func (t *Tx) Close() error { return nil }

// Commit 提交事务；已结束的事务返回 sql.ErrTxDone
func (t *Tx) Commit() error {
	if !t.finished.CompareAndSwap(false, true) {
		return sql.ErrTxDone
	}
	return t.tx.Commit()
}

// Rollback 回滚事务；已结束的事务直接返回 nil
func (t *Tx) Rollback() error {
	if !t.finished.CompareAndSwap(false, true) {
		return nil
	}
	return t.tx.Rollback()
}
