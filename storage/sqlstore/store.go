// Package sqlstore 基于 database/sql 的持久化实现（SQLite / Postgres）
//
// 同时实现 saga.Repository 与 workflow.Repository；状态与步骤日志在同一事务中写入。
package sqlstore

import (
	"context"
	"encoding/json"
	"fmt"

	"k1s0/errors"
	"k1s0/logging"
	"k1s0/paging"
	"k1s0/saga"
	core "k1s0/storage/db"
	"k1s0/storage/db/dialect"
	"k1s0/storage/db/sqlb"
	"k1s0/workflow"
)

// Store SQL 存储
type Store struct {
	db      core.IDatabase
	dialect dialect.Dialect
	logger  logging.Logger
}

var (
	_ saga.Repository     = (*Store)(nil)
	_ workflow.Repository = (*Store)(nil)
)

// New 创建 SQL 存储；方言从 db 推断
func New(db core.IDatabase) *Store {
	return &Store{
		db:      db,
		dialect: dialect.FromDatabase(db),
		logger:  logging.ComponentLogger("storage.sqlstore"),
	}
}

func (s *Store) Ping(ctx context.Context) error { return s.db.Ping(ctx) }

// ============ workflow.Repository ============

var workflowColumns = []string{"id", "name", "version", "definition", "created_at"}

func (s *Store) CreateWorkflow(ctx context.Context, def *workflow.Definition) error {
	if def == nil || def.ID == "" {
		return errors.NewValidationError("workflow id is required")
	}
	steps, err := json.Marshal(def.Steps)
	if err != nil {
		return fmt.Errorf("serialize workflow steps: %w", err)
	}
	_, err = s.db.Exec(ctx,
		`INSERT INTO workflows (id, name, version, definition, created_at) VALUES (?, ?, ?, ?, ?)`,
		def.ID, def.Name, def.Version, string(steps), formatTime(def.CreatedAt))
	if err != nil {
		if s.dialect.IsUniqueViolation(err) {
			return errors.NewAlreadyExistsError(fmt.Sprintf("workflow already exists: %s", def.Name))
		}
		return errors.WrapDatabaseError(ctx, err, "create workflow")
	}
	return nil
}

func (s *Store) FindWorkflowByName(ctx context.Context, name string) (*workflow.Definition, error) {
	rows, err := sqlb.Select(s.db, workflowColumns...).
		From("workflows").
		Where("name = ?", name).
		Query(ctx)
	if err != nil {
		return nil, errors.WrapDatabaseError(ctx, err, "find workflow")
	}
	defs, err := scanWorkflows(rows)
	if err != nil {
		return nil, errors.WrapDatabaseError(ctx, err, "find workflow")
	}
	if len(defs) == 0 {
		return nil, errors.NewNotFoundError(fmt.Sprintf("workflow not found: %s", name))
	}
	return defs[0], nil
}

func (s *Store) ListWorkflows(ctx context.Context, page paging.Request) ([]*workflow.Definition, int, error) {
	b := sqlb.Select(s.db, workflowColumns...).
		From("workflows").
		OrderBy("created_at, name").
		Limit(page.Limit()).
		Offset(page.Offset())

	total, err := b.Count(ctx)
	if err != nil {
		return nil, 0, errors.WrapDatabaseError(ctx, err, "count workflows")
	}
	rows, err := b.Query(ctx)
	if err != nil {
		return nil, 0, errors.WrapDatabaseError(ctx, err, "list workflows")
	}
	defs, err := scanWorkflows(rows)
	if err != nil {
		return nil, 0, errors.WrapDatabaseError(ctx, err, "list workflows")
	}
	return defs, total, nil
}

func scanWorkflows(rows core.IRows) ([]*workflow.Definition, error) {
	defer rows.Close()
	defs := make([]*workflow.Definition, 0)
	for rows.Next() {
		var (
			def       workflow.Definition
			steps     string
			createdAt string
		)
		if err := rows.Scan(&def.ID, &def.Name, &def.Version, &steps, &createdAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(steps), &def.Steps); err != nil {
			return nil, fmt.Errorf("deserialize workflow %s: %w", def.Name, err)
		}
		t, err := parseTime(createdAt)
		if err != nil {
			return nil, err
		}
		def.CreatedAt = t
		defs = append(defs, &def)
	}
	return defs, rows.Err()
}
