package sqlstore

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"fmt"

	"k1s0/errors"
	"k1s0/logging"
	"k1s0/paging"
	"k1s0/saga"
	core "k1s0/storage/db"
	"k1s0/storage/db/sqlb"
)

var sagaColumns = []string{
	"saga_id", "workflow_name", "workflow_id", "payload", "status", "current_step_index",
	"error_message", "correlation_id", "initiated_by", "created_at", "updated_at",
}

var stepLogColumns = []string{
	"id", "saga_id", "sequence", "step_index", "step_name", "action", "attempt", "status",
	"request_payload", "response_payload", "error_message", "started_at", "completed_at",
}

func (s *Store) CreateSaga(ctx context.Context, state *saga.SagaState) error {
	if state == nil || state.SagaID == "" {
		return errors.NewValidationError("saga id is required")
	}
	payload, err := encodePayload(state.Payload.Clone())
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx,
		`INSERT INTO sagas (saga_id, workflow_name, workflow_id, payload, status, current_step_index,
			error_message, correlation_id, initiated_by, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		state.SagaID, state.WorkflowName, state.WorkflowID, payload, string(state.Status), state.CurrentStepIndex,
		state.ErrorMessage, state.CorrelationID, state.InitiatedBy,
		formatTime(state.CreatedAt), formatTime(state.UpdatedAt))
	if err != nil {
		if s.dialect.IsUniqueViolation(err) {
			return errors.NewAlreadyExistsError(fmt.Sprintf("saga already exists: %s", state.SagaID))
		}
		return errors.WrapDatabaseError(ctx, err, "create saga")
	}
	return nil
}

// UpdateSagaWithStepLog 在同一事务中更新状态并 upsert 日志
//
// 已关闭的日志不可再修改（CONFLICT），此时整个写入回滚。
func (s *Store) UpdateSagaWithStepLog(ctx context.Context, state *saga.SagaState, log *saga.StepLog) error {
	if state == nil {
		return errors.NewValidationError("saga state is required")
	}
	if log != nil && log.SagaID != state.SagaID {
		return errors.NewValidationError("step log belongs to a different saga")
	}
	payload, err := encodePayload(state.Payload.Clone())
	if err != nil {
		return err
	}

	err = core.WithTx(ctx, s.db, func(tx core.ITransaction) error {
		res, err := tx.Exec(ctx,
			`UPDATE sagas SET payload = ?, status = ?, current_step_index = ?, error_message = ?, updated_at = ?
			WHERE saga_id = ?`,
			payload, string(state.Status), state.CurrentStepIndex, state.ErrorMessage,
			formatTime(state.UpdatedAt), state.SagaID)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return saga.NewSagaNotFoundError(state.SagaID)
		}
		if log == nil {
			return nil
		}
		return s.upsertStepLog(ctx, tx, log)
	})
	if err != nil {
		if errors.IsNotFound(err) || errors.IsConflict(err) {
			return err
		}
		return errors.WrapDatabaseError(ctx, err, "update saga")
	}

	s.logger.Debug(ctx, "saga state persisted",
		logging.String("saga_id", state.SagaID),
		logging.String("status", string(state.Status)),
		logging.Int("current_step_index", state.CurrentStepIndex))
	return nil
}

func (s *Store) upsertStepLog(ctx context.Context, tx core.ITransaction, log *saga.StepLog) error {
	var current string
	err := tx.QueryRow(ctx, `SELECT status FROM saga_step_logs WHERE id = ?`, log.ID).Scan(&current)
	exists := true
	if stdErrors.Is(err, sql.ErrNoRows) {
		exists = false
	} else if err != nil {
		return err
	}
	if exists && saga.StepLogStatus(current) != saga.StepLogPending {
		return errors.NewConflictError(fmt.Sprintf("step log %s is already closed", log.ID))
	}

	req, err := encodePayload(log.RequestPayload)
	if err != nil {
		return err
	}
	resp, err := encodePayload(log.ResponsePayload)
	if err != nil {
		return err
	}

	if exists {
		_, err = tx.Exec(ctx,
			`UPDATE saga_step_logs SET status = ?, response_payload = ?, error_message = ?, completed_at = ?
			WHERE id = ?`,
			string(log.Status), resp, log.ErrorMessage, formatNullTime(log.CompletedAt), log.ID)
		return err
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO saga_step_logs (id, saga_id, sequence, step_index, step_name, action, attempt, status,
			request_payload, response_payload, error_message, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		log.ID, log.SagaID, log.Sequence, log.StepIndex, log.StepName, string(log.Action), log.Attempt,
		string(log.Status), req, resp, log.ErrorMessage,
		formatTime(log.StartedAt), formatNullTime(log.CompletedAt))
	return err
}

func (s *Store) FindSagaByID(ctx context.Context, sagaID string) (*saga.SagaState, error) {
	rows, err := sqlb.Select(s.db, sagaColumns...).
		From("sagas").
		Where("saga_id = ?", sagaID).
		Query(ctx)
	if err != nil {
		return nil, errors.WrapDatabaseError(ctx, err, "find saga")
	}
	states, err := scanSagas(rows)
	if err != nil {
		return nil, errors.WrapDatabaseError(ctx, err, "find saga")
	}
	if len(states) == 0 {
		return nil, saga.NewSagaNotFoundError(sagaID)
	}
	return states[0], nil
}

func (s *Store) FindStepLogs(ctx context.Context, sagaID string) ([]*saga.StepLog, error) {
	rows, err := sqlb.Select(s.db, stepLogColumns...).
		From("saga_step_logs").
		Where("saga_id = ?", sagaID).
		OrderBy("sequence").
		Query(ctx)
	if err != nil {
		return nil, errors.WrapDatabaseError(ctx, err, "find step logs")
	}
	logs, err := scanStepLogs(rows)
	if err != nil {
		return nil, errors.WrapDatabaseError(ctx, err, "find step logs")
	}
	return logs, nil
}

func (s *Store) ListSagas(ctx context.Context, filter saga.Filter, page paging.Request) ([]*saga.SagaState, int, error) {
	statuses := make([]any, 0, len(filter.Statuses))
	for _, st := range filter.Statuses {
		statuses = append(statuses, string(st))
	}

	b := sqlb.Select(s.db, sagaColumns...).
		From("sagas").
		WhereIn("status", statuses...)
	if filter.WorkflowName != "" {
		b.Where("workflow_name = ?", filter.WorkflowName)
	}
	b.OrderBy("created_at DESC, saga_id").
		Limit(page.Limit()).
		Offset(page.Offset())

	total, err := b.Count(ctx)
	if err != nil {
		return nil, 0, errors.WrapDatabaseError(ctx, err, "count sagas")
	}
	rows, err := b.Query(ctx)
	if err != nil {
		return nil, 0, errors.WrapDatabaseError(ctx, err, "list sagas")
	}
	states, err := scanSagas(rows)
	if err != nil {
		return nil, 0, errors.WrapDatabaseError(ctx, err, "list sagas")
	}
	return states, total, nil
}

func scanSagas(rows core.IRows) ([]*saga.SagaState, error) {
	defer rows.Close()
	states := make([]*saga.SagaState, 0)
	for rows.Next() {
		var (
			st                   saga.SagaState
			payload, status      string
			createdAt, updatedAt string
		)
		if err := rows.Scan(&st.SagaID, &st.WorkflowName, &st.WorkflowID, &payload, &status,
			&st.CurrentStepIndex, &st.ErrorMessage, &st.CorrelationID, &st.InitiatedBy,
			&createdAt, &updatedAt); err != nil {
			return nil, err
		}
		p, err := decodePayload(payload)
		if err != nil {
			return nil, err
		}
		if p == nil {
			p = saga.Payload{}
		}
		st.Payload = p
		st.Status = saga.Status(status)
		if st.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		if st.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, err
		}
		states = append(states, &st)
	}
	return states, rows.Err()
}

func scanStepLogs(rows core.IRows) ([]*saga.StepLog, error) {
	defer rows.Close()
	logs := make([]*saga.StepLog, 0)
	for rows.Next() {
		var (
			l                 saga.StepLog
			action, status    string
			reqJSON, respJSON string
			startedAt         string
			completedAt       sql.NullString
		)
		if err := rows.Scan(&l.ID, &l.SagaID, &l.Sequence, &l.StepIndex, &l.StepName, &action, &l.Attempt,
			&status, &reqJSON, &respJSON, &l.ErrorMessage, &startedAt, &completedAt); err != nil {
			return nil, err
		}
		l.Action = saga.Action(action)
		l.Status = saga.StepLogStatus(status)

		var err error
		if l.RequestPayload, err = decodePayload(reqJSON); err != nil {
			return nil, err
		}
		if l.ResponsePayload, err = decodePayload(respJSON); err != nil {
			return nil, err
		}
		if l.StartedAt, err = parseTime(startedAt); err != nil {
			return nil, err
		}
		if l.CompletedAt, err = parseNullTime(completedAt); err != nil {
			return nil, err
		}
		logs = append(logs, &l)
	}
	return logs, rows.Err()
}
