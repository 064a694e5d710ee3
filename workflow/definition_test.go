package workflow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"k1s0/errors"
)

func orderWorkflow() *Definition {
	return &Definition{
		Name: "order-workflow",
		Steps: []Step{
			{
				Name: "reserve-inventory", Service: "inventory", Method: "reserve", Compensate: "release",
				Timeout: time.Second, Retry: RetryConfig{MaxAttempts: 1, InitialInterval: time.Millisecond},
			},
			{
				Name: "charge-payment", Service: "payment", Method: "charge", Compensate: "refund",
				Timeout: time.Second, Retry: RetryConfig{MaxAttempts: 2, InitialInterval: time.Millisecond},
			},
		},
	}
}

func TestDefinition_Validate_OK(t *testing.T) {
	require.NoError(t, orderWorkflow().Validate())
}

func TestDefinition_Validate_LastStepWithoutCompensation(t *testing.T) {
	def := orderWorkflow()
	def.Steps[1].Compensate = ""
	assert.NoError(t, def.Validate())
}

func TestDefinition_Validate_Rejections(t *testing.T) {
	cases := map[string]struct {
		mutate func(d *Definition)
		want   string
	}{
		"empty name":         {func(d *Definition) { d.Name = " " }, "name is required"},
		"no steps":           {func(d *Definition) { d.Steps = nil }, "at least one step"},
		"duplicate step":     {func(d *Definition) { d.Steps[1].Name = "reserve-inventory" }, "duplicate step name"},
		"missing service":    {func(d *Definition) { d.Steps[0].Service = "" }, "service is required"},
		"missing method":     {func(d *Definition) { d.Steps[1].Method = "" }, "method is required"},
		"zero timeout":       {func(d *Definition) { d.Steps[0].Timeout = 0 }, "timeout must be > 0"},
		"zero attempts":      {func(d *Definition) { d.Steps[0].Retry.MaxAttempts = 0 }, "max_attempts must be >= 1"},
		"zero interval":      {func(d *Definition) { d.Steps[1].Retry.InitialInterval = 0 }, "initial_interval must be > 0"},
		"non-final no undo":  {func(d *Definition) { d.Steps[0].Compensate = "" }, "compensate is required"},
		"unnamed step index": {func(d *Definition) { d.Steps[0].Name = "" }, "steps[0]: name is required"},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			def := orderWorkflow()
			tc.mutate(def)
			err := def.Validate()
			require.Error(t, err)
			assert.True(t, errors.IsValidation(err))
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestDefinition_Clone(t *testing.T) {
	def := orderWorkflow()
	clone := def.Clone()
	clone.Steps[0].Name = "changed"
	assert.Equal(t, "reserve-inventory", def.Steps[0].Name)
}

func TestStep_RetryPolicy(t *testing.T) {
	step := orderWorkflow().Steps[1]
	p := step.RetryPolicy(time.Minute)
	assert.Equal(t, 2, p.MaxAttempts)
	assert.Equal(t, time.Millisecond, p.InitialInterval)
	assert.Equal(t, time.Minute, p.MaxInterval)
}
