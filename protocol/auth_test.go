package protocol

import (
	"context"
	"testing"

	"github.com/flashbots/techmap/testutil"
	"github.com/stretchr/testify/require"
)

func TestStaticAuthenticator(t *testing.T) {
	ctx := context.Background()
	keys, err := testutil.GenerateTestPublicKeys(3)
	require.NoError(t, err)

	auth := NewStaticAuthenticator(keys[0], keys[1])
	require.NoError(t, auth.Authenticate(ctx, keys[0]))
	require.ErrorIs(t, auth.Authenticate(ctx, keys[2]), ErrUnauthenticated)

	auth.Add(keys[2])
	require.NoError(t, auth.Authenticate(ctx, keys[2]))

	auth.Remove(keys[0])
	require.ErrorIs(t, auth.Authenticate(ctx, keys[0]), ErrUnauthenticated)
	require.Equal(t, KindAuth, KindOf(auth.Authenticate(ctx, keys[0])))
}
