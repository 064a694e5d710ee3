package executor

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"k1s0/errors"
	"k1s0/logging"
	"k1s0/saga"
)

type fakeRequester struct {
	subject string
	body    map[string]any
	reply   []byte
	err     error
}

func (f *fakeRequester) RequestWithContext(ctx context.Context, subj string, data []byte) (*nats.Msg, error) {
	f.subject = subj
	if err := json.Unmarshal(data, &f.body); err != nil {
		return nil, err
	}
	if f.err != nil {
		return nil, f.err
	}
	return &nats.Msg{Subject: subj, Data: f.reply}, nil
}

func newFakeNATS(req requester, prefix string) *NATSExecutor {
	return &NATSExecutor{req: req, prefix: prefix, logger: logging.NewNoopLogger()}
}

func TestNATSExecutor_Invoke(t *testing.T) {
	fake := &fakeRequester{reply: []byte(`{"payload":{"charge_id":"c-1"}}`)}
	exec := newFakeNATS(fake, "k1s0.step.")

	out, err := exec.Invoke(context.Background(), "payment", "charge", saga.Payload{"amount": 100})
	require.NoError(t, err)

	assert.Equal(t, "k1s0.step.payment.charge", fake.subject)
	assert.Equal(t, map[string]any{"amount": float64(100)}, fake.body)
	assert.Equal(t, saga.Payload{"charge_id": "c-1"}, out)
}

func TestNATSExecutor_ReplyError(t *testing.T) {
	fake := &fakeRequester{reply: []byte(`{"error":"card declined"}`)}
	exec := newFakeNATS(fake, "svc.")

	_, err := exec.Invoke(context.Background(), "payment", "charge", saga.Payload{})
	require.Error(t, err)
	assert.Equal(t, "payment.charge: card declined", err.Error())
}

func TestNATSExecutor_EmptyPayload(t *testing.T) {
	fake := &fakeRequester{reply: []byte(`{}`)}
	exec := newFakeNATS(fake, "svc.")

	out, err := exec.Invoke(context.Background(), "a", "b", nil)
	require.NoError(t, err)
	assert.Equal(t, saga.Payload{}, out)
}

func TestNATSExecutor_TransportError(t *testing.T) {
	fake := &fakeRequester{err: nats.ErrNoResponders}
	exec := newFakeNATS(fake, "svc.")

	_, err := exec.Invoke(context.Background(), "a", "b", saga.Payload{})
	require.Error(t, err)
	assert.ErrorIs(t, err, nats.ErrNoResponders)
	assert.Equal(t, errors.ErrCodeQueue, errors.GetErrorCode(err))
}

func TestNATSExecutor_MalformedReply(t *testing.T) {
	fake := &fakeRequester{reply: []byte(`not json`)}
	exec := newFakeNATS(fake, "svc.")

	_, err := exec.Invoke(context.Background(), "a", "b", saga.Payload{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode svc.a.b reply")
}

func TestNewNATSExecutor_RequiresURL(t *testing.T) {
	_, err := NewNATSExecutor(NATSConfig{})
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))
}
