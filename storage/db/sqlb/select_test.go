package sqlb

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelectBuilder_Build(t *testing.T) {
	b := Select(nil, "saga_id", "status").
		From("sagas").
		WhereIn("status", "STARTED", "COMPENSATING").
		Where("workflow_name = ?", "order-fulfillment").
		OrderBy("created_at DESC, saga_id").
		Limit(20).
		Offset(40)

	q, args := b.Build()
	assert.Equal(t, "SELECT saga_id, status FROM sagas WHERE status IN (?, ?) AND workflow_name = ? ORDER BY created_at DESC, saga_id LIMIT ? OFFSET ?", q)
	assert.Equal(t, []any{"STARTED", "COMPENSATING", "order-fulfillment", 20, 40}, args)

	// Build 可重复调用
	q2, args2 := b.Build()
	assert.Equal(t, q, q2)
	assert.Equal(t, args, args2)

	cq, cargs := b.BuildCount()
	assert.Equal(t, "SELECT COUNT(*) FROM sagas WHERE status IN (?, ?) AND workflow_name = ?", cq)
	assert.Equal(t, []any{"STARTED", "COMPENSATING", "order-fulfillment"}, cargs)
}

func TestSelectBuilder_EmptyConditionsIgnored(t *testing.T) {
	q, args := Select(nil).From("workflows").Where("").WhereIn("name").Build()
	assert.Equal(t, "SELECT * FROM workflows", q)
	assert.Empty(t, args)
}

func TestSelectBuilder_RejectsUnsafeTable(t *testing.T) {
	_, err := Select(nil).From("sagas").Query(context.Background())
	require.Error(t, err)

	assert.True(t, isSafeIdentifier("public.sagas"))
	assert.False(t, isSafeIdentifier("sagas; DROP TABLE x"))
	assert.False(t, isSafeIdentifier("1sagas"))
	assert.False(t, isSafeIdentifier("a..b"))
}
