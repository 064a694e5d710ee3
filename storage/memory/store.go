// Package memory 基于 go-memdb 的内存存储，实现 saga.Repository 与 workflow.Repository
//
// 适用于测试和单机开发；所有写入在同一个写事务中完成，读到的对象均为副本。
package memory

import (
	"context"
	"fmt"
	"sort"

	memdb "github.com/hashicorp/go-memdb"

	"k1s0/errors"
	"k1s0/paging"
	"k1s0/saga"
	"k1s0/workflow"
)

const (
	tableSagas     = "sagas"
	tableStepLogs  = "saga_step_logs"
	tableWorkflows = "workflows"
)

func schema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			tableSagas: {
				Name: tableSagas,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "SagaID"},
					},
					"status": {
						Name:    "status",
						Indexer: &memdb.StringFieldIndex{Field: "Status"},
					},
				},
			},
			tableStepLogs: {
				Name: tableStepLogs,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "ID"},
					},
					"saga": {
						Name:    "saga",
						Indexer: &memdb.StringFieldIndex{Field: "SagaID"},
					},
				},
			},
			tableWorkflows: {
				Name: tableWorkflows,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "ID"},
					},
					"name": {
						Name:    "name",
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "Name"},
					},
				},
			},
		},
	}
}

// Store 内存存储
type Store struct {
	db *memdb.MemDB
}

var (
	_ saga.Repository     = (*Store)(nil)
	_ workflow.Repository = (*Store)(nil)
)

// NewStore 创建内存存储
func NewStore() (*Store, error) {
	db, err := memdb.NewMemDB(schema())
	if err != nil {
		return nil, fmt.Errorf("create memdb: %w", err)
	}
	return &Store{db: db}, nil
}

// ============ workflow.Repository ============

func (s *Store) CreateWorkflow(_ context.Context, def *workflow.Definition) error {
	if def == nil || def.ID == "" {
		return errors.NewValidationError("workflow id is required")
	}
	txn := s.db.Txn(true)
	defer txn.Abort()

	// memdb 不校验二级唯一索引，需显式检查
	existing, err := txn.First(tableWorkflows, "name", def.Name)
	if err != nil {
		return err
	}
	if existing != nil {
		return errors.NewAlreadyExistsError(fmt.Sprintf("workflow already exists: %s", def.Name))
	}
	if err := txn.Insert(tableWorkflows, def.Clone()); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

func (s *Store) FindWorkflowByName(_ context.Context, name string) (*workflow.Definition, error) {
	txn := s.db.Txn(false)
	raw, err := txn.First(tableWorkflows, "name", name)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, errors.NewNotFoundError(fmt.Sprintf("workflow not found: %s", name))
	}
	return raw.(*workflow.Definition).Clone(), nil
}

func (s *Store) ListWorkflows(_ context.Context, page paging.Request) ([]*workflow.Definition, int, error) {
	txn := s.db.Txn(false)
	it, err := txn.Get(tableWorkflows, "id")
	if err != nil {
		return nil, 0, err
	}
	var all []*workflow.Definition
	for raw := it.Next(); raw != nil; raw = it.Next() {
		all = append(all, raw.(*workflow.Definition))
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.Before(all[j].CreatedAt)
		}
		return all[i].Name < all[j].Name
	})

	start, end := page.Slice(len(all))
	out := make([]*workflow.Definition, 0, end-start)
	for _, def := range all[start:end] {
		out = append(out, def.Clone())
	}
	return out, len(all), nil
}

// ============ saga.Repository ============

func (s *Store) CreateSaga(_ context.Context, state *saga.SagaState) error {
	if state == nil || state.SagaID == "" {
		return errors.NewValidationError("saga id is required")
	}
	txn := s.db.Txn(true)
	defer txn.Abort()

	existing, err := txn.First(tableSagas, "id", state.SagaID)
	if err != nil {
		return err
	}
	if existing != nil {
		return errors.NewAlreadyExistsError(fmt.Sprintf("saga already exists: %s", state.SagaID))
	}
	if err := txn.Insert(tableSagas, state.Clone()); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

// UpdateSagaWithStepLog 在一个写事务内更新状态并 upsert 日志
func (s *Store) UpdateSagaWithStepLog(_ context.Context, state *saga.SagaState, log *saga.StepLog) error {
	if state == nil {
		return errors.NewValidationError("saga state is required")
	}
	txn := s.db.Txn(true)
	defer txn.Abort()

	existing, err := txn.First(tableSagas, "id", state.SagaID)
	if err != nil {
		return err
	}
	if existing == nil {
		return saga.NewSagaNotFoundError(state.SagaID)
	}

	if log != nil {
		if log.SagaID != state.SagaID {
			return errors.NewValidationError("step log belongs to a different saga")
		}
		prev, err := txn.First(tableStepLogs, "id", log.ID)
		if err != nil {
			return err
		}
		if prev != nil && prev.(*saga.StepLog).IsClosed() {
			return errors.NewConflictError(fmt.Sprintf("step log %s is already closed", log.ID))
		}
		if err := txn.Insert(tableStepLogs, log.Clone()); err != nil {
			return err
		}
	}

	if err := txn.Insert(tableSagas, state.Clone()); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

func (s *Store) FindSagaByID(_ context.Context, sagaID string) (*saga.SagaState, error) {
	txn := s.db.Txn(false)
	raw, err := txn.First(tableSagas, "id", sagaID)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, saga.NewSagaNotFoundError(sagaID)
	}
	return raw.(*saga.SagaState).Clone(), nil
}

func (s *Store) FindStepLogs(_ context.Context, sagaID string) ([]*saga.StepLog, error) {
	txn := s.db.Txn(false)
	it, err := txn.Get(tableStepLogs, "saga", sagaID)
	if err != nil {
		return nil, err
	}
	logs := make([]*saga.StepLog, 0)
	for raw := it.Next(); raw != nil; raw = it.Next() {
		logs = append(logs, raw.(*saga.StepLog).Clone())
	}
	sort.Slice(logs, func(i, j int) bool { return logs[i].Sequence < logs[j].Sequence })
	return logs, nil
}

func (s *Store) ListSagas(_ context.Context, filter saga.Filter, page paging.Request) ([]*saga.SagaState, int, error) {
	txn := s.db.Txn(false)

	var matched []*saga.SagaState
	collect := func(it memdb.ResultIterator) {
		for raw := it.Next(); raw != nil; raw = it.Next() {
			st := raw.(*saga.SagaState)
			if filter.Matches(st) {
				matched = append(matched, st)
			}
		}
	}

	if len(filter.Statuses) > 0 {
		for _, status := range dedupStatuses(filter.Statuses) {
			it, err := txn.Get(tableSagas, "status", string(status))
			if err != nil {
				return nil, 0, err
			}
			collect(it)
		}
	} else {
		it, err := txn.Get(tableSagas, "id")
		if err != nil {
			return nil, 0, err
		}
		collect(it)
	}

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].SagaID < matched[j].SagaID
	})

	start, end := page.Slice(len(matched))
	out := make([]*saga.SagaState, 0, end-start)
	for _, st := range matched[start:end] {
		out = append(out, st.Clone())
	}
	return out, len(matched), nil
}

func dedupStatuses(in []saga.Status) []saga.Status {
	seen := make(map[saga.Status]bool, len(in))
	out := make([]saga.Status, 0, len(in))
	for _, st := range in {
		if !seen[st] {
			seen[st] = true
			out = append(out, st)
		}
	}
	return out
}
