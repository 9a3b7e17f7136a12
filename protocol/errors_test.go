package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestErrorMatchesByCode(t *testing.T) {
	err := Errorf(ErrBadFilter, "limit too large")
	require.ErrorIs(t, err, ErrBadFilter)
	require.NotErrorIs(t, err, ErrNotFound)
	require.Equal(t, KindProtocol, KindOf(err))

	wrapped := fmt.Errorf("handling request: %w", err)
	require.ErrorIs(t, wrapped, ErrBadFilter)
	require.Equal(t, KindProtocol, KindOf(wrapped))
}

func TestErrorSurvivesTransport(t *testing.T) {
	internal := Wrap(ErrServiceUnavailable, errors.New("pq: connection refused"))
	require.Contains(t, internal.Error(), "connection refused")

	data, err := json.Marshal(internal.Public())
	require.NoError(t, err)
	require.NotContains(t, string(data), "connection refused")

	var decoded Error
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.ErrorIs(t, &decoded, ErrServiceUnavailable)
	require.Equal(t, KindUnavailable, decoded.Kind)
}

func TestAsError(t *testing.T) {
	require.Nil(t, AsError(nil))
	foreign := errors.New("boom")
	pe := AsError(foreign)
	require.ErrorIs(t, pe, ErrServiceUnavailable)
	require.ErrorIs(t, pe, foreign)
	require.Equal(t, KindNotFound, KindOf(ErrNotFound))
}
