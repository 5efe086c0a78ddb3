package engineerr_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nilvm/engine/pkg/engineerr"
)

func TestWrapAndUnwrap(t *testing.T) {
	cause := errors.New("boom")
	err := engineerr.New(engineerr.KindProtocolAbort, "mult.handle", cause)

	require.ErrorIs(t, err, cause)
	require.True(t, engineerr.Is(err, engineerr.KindProtocolAbort))
	require.False(t, engineerr.Is(err, engineerr.KindInternal))
	require.Contains(t, err.Error(), "mult.handle")
	require.Contains(t, err.Error(), "protocol_abort")
}

func TestIsFalseForPlainError(t *testing.T) {
	require.False(t, engineerr.Is(errors.New("plain"), engineerr.KindInternal))
}

func TestKindStringUnknown(t *testing.T) {
	require.Equal(t, "unknown", engineerr.Kind(99).String())
}
