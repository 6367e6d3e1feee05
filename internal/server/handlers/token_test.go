package handlers

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testJWTConfig(ttl time.Duration) JWTConfig {
	return JWTConfig{
		Secret:   []byte("test-secret-0123456789"),
		TokenTTL: ttl,
	}
}

func TestDeviceToken_RoundTrip(t *testing.T) {
	cfg := testJWTConfig(time.Hour)

	token, err := GenerateDeviceToken(cfg, "device-a", "fp-1")
	require.NoError(t, err)
	require.NotEmpty(t, token)

	claims, err := ValidateDeviceToken(cfg, token)
	require.NoError(t, err)
	assert.Equal(t, "device-a", claims.DeviceID)
	assert.Equal(t, "fp-1", claims.Fingerprint)
}

func TestDeviceToken_Expired(t *testing.T) {
	cfg := testJWTConfig(-time.Minute)

	token, err := GenerateDeviceToken(cfg, "device-a", "fp-1")
	require.NoError(t, err)

	_, err = ValidateDeviceToken(cfg, token)
	assert.Error(t, err)
}

func TestDeviceToken_WrongSecret(t *testing.T) {
	token, err := GenerateDeviceToken(testJWTConfig(time.Hour), "device-a", "fp-1")
	require.NoError(t, err)

	other := JWTConfig{Secret: []byte("another-secret-987654321"), TokenTTL: time.Hour}
	_, err = ValidateDeviceToken(other, token)
	assert.Error(t, err)
}

func TestDeviceToken_Garbage(t *testing.T) {
	_, err := ValidateDeviceToken(testJWTConfig(time.Hour), "not.a.token")
	assert.Error(t, err)
}
