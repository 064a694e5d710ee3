// Package sqlb 提供存储层使用的轻量 SELECT 构造器
//
// 只拼接 SQL 片段与参数，占位符统一为 ?，由 basic.DB 按方言重绑定。
package sqlb

import (
	"context"
	"fmt"
	"strings"

	core "k1s0/storage/db"
)

// SelectBuilder SELECT 语句构造器
type SelectBuilder struct {
	db      core.IDatabase
	cols    []string
	table   string
	where   []string
	args    []any
	orderBy string
	limit   int
	offset  int
}

// Select 创建构造器；db 可为 nil，此时只能调用 Build
func Select(db core.IDatabase, cols ...string) *SelectBuilder {
	if len(cols) == 0 {
		cols = []string{"*"}
	}
	return &SelectBuilder{db: db, cols: cols}
}

func (b *SelectBuilder) From(table string) *SelectBuilder {
	b.table = table
	return b
}

// Where 追加一个 AND 条件；空条件忽略
func (b *SelectBuilder) Where(cond string, args ...any) *SelectBuilder {
	if cond != "" {
		b.where = append(b.where, cond)
		b.args = append(b.args, args...)
	}
	return b
}

// WhereIn 追加 col IN (?, ?, ...) 条件；values 为空时忽略
func (b *SelectBuilder) WhereIn(col string, values ...any) *SelectBuilder {
	if len(values) == 0 {
		return b
	}
	holders := strings.TrimSuffix(strings.Repeat("?, ", len(values)), ", ")
	return b.Where(col+" IN ("+holders+")", values...)
}

func (b *SelectBuilder) OrderBy(expr string) *SelectBuilder {
	if expr != "" {
		b.orderBy = expr
	}
	return b
}

func (b *SelectBuilder) Limit(n int) *SelectBuilder {
	b.limit = n
	return b
}

func (b *SelectBuilder) Offset(n int) *SelectBuilder {
	b.offset = n
	return b
}

// Build 生成 SQL 与参数；可重复调用
func (b *SelectBuilder) Build() (string, []any) {
	var sb strings.Builder
	sb.WriteString("SELECT ")
	sb.WriteString(strings.Join(b.cols, ", "))
	sb.WriteString(" FROM ")
	sb.WriteString(b.table)

	args := make([]any, 0, len(b.args)+2)
	args = append(args, b.args...)

	if len(b.where) > 0 {
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(b.where, " AND "))
	}
	if b.orderBy != "" {
		sb.WriteString(" ORDER BY ")
		sb.WriteString(b.orderBy)
	}
	if b.limit > 0 {
		sb.WriteString(" LIMIT ?")
		args = append(args, b.limit)
	}
	if b.offset > 0 {
		sb.WriteString(" OFFSET ?")
		args = append(args, b.offset)
	}
	return sb.String(), args
}

// BuildCount 生成同条件的 COUNT(*) 语句，忽略排序与分页
func (b *SelectBuilder) BuildCount() (string, []any) {
	var sb strings.Builder
	sb.WriteString("SELECT COUNT(*) FROM ")
	sb.WriteString(b.table)
	if len(b.where) > 0 {
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(b.where, " AND "))
	}
	args := make([]any, len(b.args))
	copy(args, b.args)
	return sb.String(), args
}

func (b *SelectBuilder) Query(ctx context.Context) (core.IRows, error) {
	if err := b.check(); err != nil {
		return nil, err
	}
	q, args := b.Build()
	return b.db.Query(ctx, q, args...)
}

// Count 执行 BuildCount
func (b *SelectBuilder) Count(ctx context.Context) (int, error) {
	if err := b.check(); err != nil {
		return 0, err
	}
	q, args := b.BuildCount()
	var total int
	if err := b.db.QueryRow(ctx, q, args...).Scan(&total); err != nil {
		return 0, err
	}
	return total, nil
}

func (b *SelectBuilder) check() error {
	if b.db == nil {
		return fmt.Errorf("sqlb: database is nil")
	}
	if !isSafeIdentifier(b.table) {
		return fmt.Errorf("sqlb: unsafe table name %q", b.table)
	}
	return nil
}
