package task

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoFactory(request json.RawMessage) (Operation, error) {
	var body map[string]any
	if err := json.Unmarshal(request, &body); err != nil {
		return nil, err
	}
	return OperationFunc(func(context.Context, ProgressReporter) (*Outcome, error) {
		return Succeeded(request), nil
	}), nil
}

func TestRegistry(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	require.NoError(t, r.Register(Registration{TaskType: "outline", Factory: echoFactory, Breaker: "gemini", RetryProfile: "outline"}))
	require.NoError(t, r.Register(Registration{TaskType: "content", Factory: echoFactory}))

	assert.Error(t, r.Register(Registration{Factory: echoFactory}))
	assert.Error(t, r.Register(Registration{TaskType: "seo"}))

	assert.Equal(t, []string{"content", "outline"}, r.Types())

	reg, ok := r.Lookup("outline")
	require.True(t, ok)
	assert.Equal(t, "gemini", reg.Breaker)

	op, reg, err := r.Build("outline", json.RawMessage(`{"topic":"go"}`))
	require.NoError(t, err)
	assert.Equal(t, "outline", reg.RetryProfile)
	out, err := op.Execute(context.Background(), nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"topic":"go"}`, string(out.Result))

	_, _, err = r.Build("missing", nil)
	assert.ErrorIs(t, err, ErrUnknownTaskType)

	_, _, err = r.Build("content", json.RawMessage(`not json`))
	require.Error(t, err)
	var syntaxErr *json.SyntaxError
	assert.True(t, errors.As(err, &syntaxErr))
}
