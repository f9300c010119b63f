package gatt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientConfigRoundTrip(t *testing.T) {
	// GOAL: Verify the CCCD value survives an encode/parse round trip for
	// every bit combination

	tests := []struct {
		name string
		cfg  ClientConfig
		wire []byte
	}{
		{"disabled", ClientConfig{}, []byte{0x00, 0x00}},
		{"notifications", ClientConfig{Notifications: true}, []byte{0x01, 0x00}},
		{"indications", ClientConfig{Indications: true}, []byte{0x02, 0x00}},
		{"both", ClientConfig{Notifications: true, Indications: true}, []byte{0x03, 0x00}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded := tt.cfg.Encode()
			assert.Equal(t, tt.wire, encoded, "wire form MUST be 2-byte little-endian")

			parsed, err := ParseClientConfig(encoded)
			require.NoError(t, err)
			assert.Equal(t, tt.cfg, *parsed)
		})
	}
}

func TestParseClientConfigRejectsBadLength(t *testing.T) {
	for _, data := range [][]byte{nil, {0x01}, {0x01, 0x00, 0x00}} {
		_, err := ParseClientConfig(data)
		assert.Error(t, err, "length %d MUST be rejected", len(data))
	}
}

func TestEnableValue(t *testing.T) {
	assert.Equal(t, []byte{0x01, 0x00}, EnableValue(KindNotification))
	assert.Equal(t, []byte{0x02, 0x00}, EnableValue(KindIndication))
	assert.Equal(t, []byte{0x00, 0x00}, DisableValue())
}

func TestIsCCCD(t *testing.T) {
	assert.True(t, IsCCCD("2902"))
	assert.True(t, IsCCCD("0x2902"))
	assert.True(t, IsCCCD("00002902-0000-1000-8000-00805f9b34fb"))
	assert.False(t, IsCCCD("2901"))
	assert.False(t, IsCCCD(""))
}
