package executor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"k1s0/errors"
	"k1s0/saga"
)

func echo(tag string) saga.StepExecutorFunc {
	return func(ctx context.Context, service, method string, payload saga.Payload) (saga.Payload, error) {
		return saga.Payload{"via": tag, "op": service + "." + method}, nil
	}
}

func TestDispatcher_Resolution(t *testing.T) {
	d := NewDispatcher().
		Handle("inventory", "reserve", func(ctx context.Context, payload saga.Payload) (saga.Payload, error) {
			return saga.Payload{"via": "handler", "sku": payload["sku"]}, nil
		}).
		Route("inventory", echo("route")).
		Fallback(echo("fallback"))

	out, err := d.Invoke(context.Background(), "inventory", "reserve", saga.Payload{"sku": "A-1"})
	require.NoError(t, err)
	assert.Equal(t, saga.Payload{"via": "handler", "sku": "A-1"}, out)

	out, err = d.Invoke(context.Background(), "inventory", "release", nil)
	require.NoError(t, err)
	assert.Equal(t, "route", out["via"])
	assert.Equal(t, "inventory.release", out["op"])

	out, err = d.Invoke(context.Background(), "payment", "charge", nil)
	require.NoError(t, err)
	assert.Equal(t, "fallback", out["via"])
}

func TestDispatcher_UnknownOperation(t *testing.T) {
	d := NewDispatcher()

	_, err := d.Invoke(context.Background(), "payment", "charge", nil)
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
	assert.Contains(t, err.Error(), "payment.charge")
}

func TestDispatcher_HandlerOverride(t *testing.T) {
	d := NewDispatcher()
	d.Handle("svc", "op", func(ctx context.Context, payload saga.Payload) (saga.Payload, error) {
		return saga.Payload{"v": 1}, nil
	})
	d.Handle("svc", "op", func(ctx context.Context, payload saga.Payload) (saga.Payload, error) {
		return saga.Payload{"v": 2}, nil
	})

	out, err := d.Invoke(context.Background(), "svc", "op", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, out["v"])
}
