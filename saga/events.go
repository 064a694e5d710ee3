package saga

import (
	"context"
	"time"

	"k1s0/logging"
	"k1s0/messaging"
)

// Saga 生命周期事件类型
const (
	EventSagaStarted      = "saga.started"
	EventStepSucceeded    = "saga.step.succeeded"
	EventStepFailed       = "saga.step.failed"
	EventSagaCompensating = "saga.compensating"
	EventSagaCompleted    = "saga.completed"
	EventSagaFailed       = "saga.failed"
	EventSagaCancelled    = "saga.cancelled"
)

// Event 生命周期事件负载
type Event struct {
	SagaID           string    `json:"saga_id"`
	WorkflowName     string    `json:"workflow_name"`
	Status           Status    `json:"status"`
	CurrentStepIndex int       `json:"current_step_index"`
	StepName         string    `json:"step_name,omitempty"`
	Error            string    `json:"error,omitempty"`
	CorrelationID    string    `json:"correlation_id,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
}

// publish 尽力发布事件：失败只记录日志，不影响 Saga
func (o *Orchestrator) publish(state *SagaState, eventType, stepName, errMsg string) {
	evt := Event{
		SagaID:           state.SagaID,
		WorkflowName:     state.WorkflowName,
		Status:           state.Status,
		CurrentStepIndex: state.CurrentStepIndex,
		StepName:         stepName,
		Error:            errMsg,
		CorrelationID:    state.CorrelationID,
		Timestamp:        o.now(),
	}
	msg := messaging.NewEvent(eventType, evt)
	msg.SetMetadata("saga_id", state.SagaID)
	if state.CorrelationID != "" {
		msg.SetMetadata("correlation_id", state.CorrelationID)
	}
	if state.InitiatedBy != "" {
		msg.SetMetadata("initiated_by", state.InitiatedBy)
	}

	ctx, cancel := context.WithTimeout(context.Background(), o.opts.PublishTimeout)
	defer cancel()
	if err := o.publisher.Publish(ctx, msg); err != nil {
		o.logger.Warn(ctx, "publish saga event failed", logging.Error(err),
			logging.String("event_type", eventType),
			logging.String("saga_id", state.SagaID))
		return
	}
	o.logger.Debug(ctx, "saga event published",
		logging.String("event_type", eventType),
		logging.String("saga_id", state.SagaID))
}
