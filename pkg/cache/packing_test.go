package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPackedValue(t *testing.T) {
	now := time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)
	for _, testCase := range []struct {
		name            string
		value           []byte
		expiresAt       time.Time
		shouldBeExpired bool
	}{
		{
			name:            "simple",
			value:           []byte("value"),
			shouldBeExpired: false,
		},
		{
			name:            "empty_value",
			value:           []byte{},
			shouldBeExpired: false,
		},
		{
			name:            "expired",
			value:           []byte("v"),
			expiresAt:       now.Add(-1 * time.Hour),
			shouldBeExpired: true, // Expired one hour ago.
		},
		{
			name:            "expires_now",
			value:           []byte("v"),
			expiresAt:       now,
			shouldBeExpired: true, // The boundary counts as expired.
		},
		{
			name:            "alive",
			value:           []byte("v"),
			expiresAt:       now.Add(time.Nanosecond),
			shouldBeExpired: false,
		},
	} {
		t.Run(testCase.name, func(t *testing.T) {
			unpacked, err := Unpack(Pack(testCase.value, testCase.expiresAt))
			require.NoError(t, err)
			assert.Equal(t, testCase.value, unpacked.Value)
			assert.Equal(t, !testCase.expiresAt.IsZero(), unpacked.Opt.Is(Expirable))
			if !testCase.expiresAt.IsZero() {
				assert.Equal(t, testCase.expiresAt.UnixNano(), unpacked.ExpiresAt.UnixNano())
			}
			assert.Equal(t, testCase.shouldBeExpired, unpacked.IsExpired(now))
		})
	}
}

func TestUnpack_Corrupted(t *testing.T) {
	for _, testCase := range []struct {
		name   string
		packed []byte
	}{
		{name: "empty", packed: nil},
		{name: "unknown_options", packed: []byte{0x80, 'v'}},
		{name: "truncated_expiry", packed: []byte{byte(Expirable), 1, 2, 3}},
	} {
		t.Run(testCase.name, func(t *testing.T) {
			_, err := Unpack(testCase.packed)
			assert.Error(t, err)
		})
	}
}
