package sqlstore

import (
	"context"
	"fmt"
)

// 时间统一以 UTC 文本存储，定长纳秒格式保证字典序即时间序
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS workflows (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		version INTEGER NOT NULL,
		definition TEXT NOT NULL,
		created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS sagas (
		saga_id TEXT PRIMARY KEY,
		workflow_name TEXT NOT NULL,
		workflow_id TEXT NOT NULL DEFAULT '',
		payload TEXT NOT NULL,
		status TEXT NOT NULL,
		current_step_index INTEGER NOT NULL DEFAULT 0,
		error_message TEXT NOT NULL DEFAULT '',
		correlation_id TEXT NOT NULL DEFAULT '',
		initiated_by TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sagas_status ON sagas(status)`,
	`CREATE INDEX IF NOT EXISTS idx_sagas_workflow_name ON sagas(workflow_name)`,
	`CREATE TABLE IF NOT EXISTS saga_step_logs (
		id TEXT PRIMARY KEY,
		saga_id TEXT NOT NULL,
		sequence INTEGER NOT NULL,
		step_index INTEGER NOT NULL,
		step_name TEXT NOT NULL,
		action TEXT NOT NULL,
		attempt INTEGER NOT NULL,
		status TEXT NOT NULL,
		request_payload TEXT NOT NULL DEFAULT '',
		response_payload TEXT NOT NULL DEFAULT '',
		error_message TEXT NOT NULL DEFAULT '',
		started_at TEXT NOT NULL,
		completed_at TEXT NULL,
		UNIQUE (saga_id, sequence)
	)`,
}

// EnsureSchema 创建表与索引
//
// 使用 IF NOT EXISTS 保证幂等；DDL 同时兼容 SQLite 与 Postgres。
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to ensure saga schema: %w", err)
		}
	}
	return nil
}
