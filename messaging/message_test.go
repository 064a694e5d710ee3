package messaging

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEvent(t *testing.T) {
	msg := NewEvent("saga.completed", map[string]any{"saga_id": "s-1"})
	assert.NotEmpty(t, msg.GetID())
	assert.Equal(t, "saga.completed", msg.GetType())
	assert.Equal(t, MessageTypeEvent, msg.GetMetadata()["kind"])
	assert.False(t, msg.GetTimestamp().IsZero())
}

func TestMarshalUnmarshal(t *testing.T) {
	ts := time.Unix(0, 1700000000000000000)
	msg := &Message{
		ID:        "evt-1",
		Type:      "saga.failed",
		Timestamp: ts,
		Payload:   map[string]any{"current_step_index": 1},
		Metadata:  map[string]any{"correlation_id": "cor-123"},
	}

	data, err := Marshal(msg)
	require.NoError(t, err)

	decoded, err := Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, msg.ID, decoded.GetID())
	assert.Equal(t, msg.Type, decoded.GetType())
	assert.Equal(t, ts.UnixNano(), decoded.GetTimestamp().UnixNano())
	payload := decoded.GetPayload().(map[string]any)
	assert.Equal(t, float64(1), payload["current_step_index"])
	assert.Equal(t, "cor-123", decoded.GetMetadata()["correlation_id"])
}

func TestNopPublisher(t *testing.T) {
	var p IPublisher = NopPublisher{}
	assert.NoError(t, p.Publish(context.Background(), NewEvent("x", nil)))
	assert.NoError(t, p.Close())
}
