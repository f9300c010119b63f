package bledb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestNormalizeUUID verifies that NormalizeUUID correctly handles various UUID formats
func TestNormalizeUUID(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "16-bit short form",
			input:    "180d",
			expected: "180d",
		},
		{
			name:     "16-bit uppercase",
			input:    "180D",
			expected: "180d",
		},
		{
			name:     "16-bit with 0x prefix",
			input:    "0x180d",
			expected: "180d",
		},
		{
			name:     "Full Bluetooth SIG UUID with dashes",
			input:    "0000180d-0000-1000-8000-00805f9b34fb",
			expected: "180d",
		},
		{
			name:     "Full Bluetooth SIG UUID without dashes",
			input:    "0000180d00001000800000805f9b34fb",
			expected: "180d",
		},
		{
			name:     "Custom 128-bit UUID (not SIG base)",
			input:    "6e400001-b5a3-f393-e0a9-e50e24dcca9e",
			expected: "6e400001b5a3f393e0a9e50e24dcca9e",
		},
		{
			name:     "UUID with braces",
			input:    "{0000180d-0000-1000-8000-00805f9b34fb}",
			expected: "180d",
		},
		{
			name:     "surrounding whitespace",
			input:    "  2902 ",
			expected: "2902",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, NormalizeUUID(tt.input))
		})
	}
}

func TestNormalizeUUIDs(t *testing.T) {
	assert.Nil(t, NormalizeUUIDs(nil))
	assert.Equal(t,
		[]string{"180d", "2a37"},
		NormalizeUUIDs([]string{"0x180D", "00002a37-0000-1000-8000-00805f9b34fb"}))
}

// TestLookupService verifies that LookupService works with both short and full UUIDs
func TestLookupService(t *testing.T) {
	tests := []struct {
		name     string
		uuid     string
		expected string
	}{
		{
			name:     "Heart Rate - short form",
			uuid:     "180d",
			expected: "Heart Rate",
		},
		{
			name:     "Heart Rate - with 0x prefix",
			uuid:     "0x180d",
			expected: "Heart Rate",
		},
		{
			name:     "Heart Rate - full Bluetooth SIG UUID with dashes",
			uuid:     "0000180d-0000-1000-8000-00805f9b34fb",
			expected: "Heart Rate",
		},
		{
			name:     "Battery Service - short form",
			uuid:     "180f",
			expected: "Battery Service",
		},
		{
			name:     "Nordic UART - custom 128-bit",
			uuid:     "6e400001-b5a3-f393-e0a9-e50e24dcca9e",
			expected: "Nordic UART Service",
		},
		{
			name:     "Unknown UUID",
			uuid:     "ffff",
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, LookupService(tt.uuid))
		})
	}
}

func TestLookupCharacteristic(t *testing.T) {
	tests := []struct {
		name     string
		uuid     string
		expected string
	}{
		{
			name:     "Heart Rate Measurement - short form",
			uuid:     "2a37",
			expected: "Heart Rate Measurement",
		},
		{
			name:     "Heart Rate Measurement - full UUID",
			uuid:     "00002a37-0000-1000-8000-00805f9b34fb",
			expected: "Heart Rate Measurement",
		},
		{
			name:     "Battery Level - short form",
			uuid:     "2a19",
			expected: "Battery Level",
		},
		{
			name:     "Unknown",
			uuid:     "2aff",
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, LookupCharacteristic(tt.uuid))
		})
	}
}

func TestLookupDescriptor(t *testing.T) {
	tests := []struct {
		name     string
		uuid     string
		expected string
	}{
		{
			name:     "Client Characteristic Configuration - short form",
			uuid:     "2902",
			expected: "Client Characteristic Configuration",
		},
		{
			name:     "Client Characteristic Configuration - full UUID",
			uuid:     "00002902-0000-1000-8000-00805f9b34fb",
			expected: "Client Characteristic Configuration",
		},
		{
			name:     "Characteristic User Descriptor - short form",
			uuid:     "2901",
			expected: "Characteristic User Descriptor",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, LookupDescriptor(tt.uuid))
		})
	}
}

// TestLookup verifies the cross-table lookup including the reported kind.
func TestLookup(t *testing.T) {
	e, ok := Lookup("0x180F")
	require.True(t, ok)
	assert.Equal(t, Entry{UUID: "180f", Name: "Battery Service", Kind: KindService}, e)

	e, ok = Lookup("2a19")
	require.True(t, ok)
	assert.Equal(t, KindCharacteristic, e.Kind)

	e, ok = Lookup("00002902-0000-1000-8000-00805f9b34fb")
	require.True(t, ok)
	assert.Equal(t, KindDescriptor, e.Kind)

	_, ok = Lookup("dead")
	assert.False(t, ok)
}

// TestEntriesOrdered verifies listings preserve table order for stable output.
func TestEntriesOrdered(t *testing.T) {
	svcs := Services()
	require.NotEmpty(t, svcs)
	assert.Equal(t, "1800", svcs[0].UUID)
	assert.Equal(t, "Generic Access", svcs[0].Name)

	descs := Descriptors()
	require.GreaterOrEqual(t, len(descs), 7)
	assert.Equal(t, "2900", descs[0].UUID)

	// every entry carries its kind
	for _, e := range Characteristics() {
		assert.Equal(t, KindCharacteristic, e.Kind)
	}
}
