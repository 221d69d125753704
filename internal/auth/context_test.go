package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIdentityRoundTrip(t *testing.T) {
	ctx := WithIdentity(context.Background(), "user-1", "device-1")

	userID, ok := UserID(ctx)
	require.True(t, ok)
	require.Equal(t, "user-1", userID)

	deviceID, ok := DeviceID(ctx)
	require.True(t, ok)
	require.Equal(t, "device-1", deviceID)
}

func TestIdentityMissing(t *testing.T) {
	_, ok := UserID(context.Background())
	require.False(t, ok)

	_, ok = DeviceID(WithIdentity(context.Background(), "user-1", ""))
	require.False(t, ok)
}
