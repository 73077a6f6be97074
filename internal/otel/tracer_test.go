package otel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/acto-org/acto/internal/common/config"
)

func TestDisabledTracer(t *testing.T) {
	t.Parallel()

	tr, err := NewTracer(context.Background(), config.OTel{})
	require.NoError(t, err)
	require.False(t, tr.IsEnabled())

	ctx, span := tr.Start(context.Background(), "planner.plan")
	require.NotNil(t, ctx)
	require.NotNil(t, span)
	require.False(t, span.SpanContext().IsValid())

	require.NoError(t, tr.Shutdown(context.Background()))
}

func TestEnabledTracerRequiresEndpoint(t *testing.T) {
	t.Parallel()

	_, err := NewTracer(context.Background(), config.OTel{Enabled: true})
	require.Error(t, err)
}
