package apperrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKindOf_UnwrapsWrappedError(t *testing.T) {
	base := errors.New("dial tcp: timeout")
	err := UpstreamTimeout("market", base)

	wrapped := fmt.Errorf("batch failed: %w", err)

	kind, ok := KindOf(wrapped)
	require.True(t, ok)
	require.Equal(t, KindUpstreamTimeout, kind)
	require.True(t, errors.Is(err, err))
	require.ErrorIs(t, err, err)
}

func TestIs_MatchesDeclaredKind(t *testing.T) {
	err := CASConflict("ABC12345")
	require.True(t, Is(err, KindCASConflict))
	require.False(t, Is(err, KindLockUnavailable))
}

func TestRetryable(t *testing.T) {
	require.True(t, KindUpstreamTimeout.Retryable())
	require.True(t, KindUpstreamTransient.Retryable())
	require.False(t, KindUpstreamAuth.Retryable())
	require.False(t, KindValidation.Retryable())
}

func TestWithDetail_Chains(t *testing.T) {
	err := Validation("bad event key").WithDetail("event_key", "short")
	require.Equal(t, "short", err.Details()["event_key"])
}

func TestHTTPStatus(t *testing.T) {
	require.Equal(t, 422, KindValidation.HTTPStatus())
	require.Equal(t, 404, KindNotFound.HTTPStatus())
	require.Equal(t, 503, KindUpstreamTimeout.HTTPStatus())
}
