package basic

import (
	"context"
	"database/sql"
	"errors"
	"time"

	core "k1s0/storage/db"
	"k1s0/storage/db/dialect"
)

// DB 基于 database/sql 的最小实现，满足 core.IDatabase 抽象
type DB struct {
	conn
	db *sql.DB
}

// Open 根据 core.DBConfig 打开数据库并做一次连通性检查
//
// 调用方必须确保所配置的驱动已通过空导入注册（_ "modernc.org/sqlite"、_ "github.com/lib/pq"）。
func Open(config core.DBConfig) (*DB, error) {
	dial := dialect.New(config.Driver)
	if dial.Name() == dialect.NameUnknown {
		return nil, errors.New("unsupported database driver: " + config.Driver)
	}

	sqlDB, err := sql.Open(dial.DriverName(), config.DSN)
	if err != nil {
		return nil, err
	}

	// 连接池配置（可选）
	if config.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(config.MaxOpenConns)
	}
	if config.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(config.MaxIdleConns)
	}
	if config.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(time.Duration(config.ConnMaxLifetime) * time.Second)
	}
	if config.ConnMaxIdleTime > 0 {
		sqlDB.SetConnMaxIdleTime(time.Duration(config.ConnMaxIdleTime) * time.Second)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	return newDB(sqlDB, dial), nil
}

// Wrap 包装已有的 *sql.DB（例如 sqlmock）
func Wrap(sqlDB *sql.DB, driver string) *DB {
	return newDB(sqlDB, dialect.New(driver))
}

func newDB(sqlDB *sql.DB, dial dialect.Dialect) *DB {
	return &DB{conn: conn{q: sqlDB, dialect: dial}, db: sqlDB}
}

func (d *DB) Begin(ctx context.Context) (core.ITransaction, error) {
	return d.BeginTx(ctx, nil)
}

func (d *DB) BeginTx(ctx context.Context, opts *sql.TxOptions) (core.ITransaction, error) {
	tx, err := d.db.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	return newTx(d.db, tx, d.conn), nil
}

func (d *DB) Ping(ctx context.Context) error { return d.db.PingContext(ctx) }
func (d *DB) Close() error                   { return d.db.Close() }
