package core_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acto-org/acto/internal/core"
)

func TestKindOf(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want core.ErrorKind
	}{
		{"Transient", core.Transientf("rate limited"), core.KindTransient},
		{"Permanent", core.Permanentf("bad auth"), core.KindPermanent},
		{"Validation", core.Validationf("empty prompt"), core.KindValidation},
		{"Untagged", errors.New("boom"), core.KindPermanent},
		{"Canceled", context.Canceled, core.KindCanceled},
		{"DeadlineExceeded", context.DeadlineExceeded, core.KindTransient},
		{"Nil", nil, core.KindPermanent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, core.KindOf(tt.err))
		})
	}
}

func TestTaskErrorWrapping(t *testing.T) {
	t.Parallel()

	base := errors.New("connection reset")
	err := core.Transient(base)

	require.Error(t, err)
	assert.ErrorIs(t, err, base)
	assert.Contains(t, err.Error(), "transient")
	assert.Contains(t, err.Error(), "connection reset")

	var te *core.TaskError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, core.KindTransient, te.Kind)
	assert.True(t, te.Kind.Retryable())
}

func TestWrapNilReturnsNil(t *testing.T) {
	t.Parallel()

	assert.NoError(t, core.Transient(nil))
	assert.NoError(t, core.Permanent(nil))
	assert.NoError(t, core.Validation(nil))
	assert.NoError(t, core.Fatal(nil))
}

func TestKindRetryable(t *testing.T) {
	t.Parallel()

	assert.True(t, core.KindTransient.Retryable())
	assert.False(t, core.KindPermanent.Retryable())
	assert.False(t, core.KindValidation.Retryable())
	assert.False(t, core.KindCanceled.Retryable())
	assert.False(t, core.KindFatal.Retryable())
}
