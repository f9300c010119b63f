package gatt

import (
	"encoding/binary"
	"fmt"
)

// Well-known GATT descriptor UUIDs (16-bit short form, normalized without dashes)
const (
	DescriptorExtendedProperties = "2900"
	DescriptorUserDescription    = "2901"
	DescriptorClientConfig       = "2902"
	DescriptorServerConfig       = "2903"
	DescriptorPresentationFormat = "2904"
	DescriptorAggregateFormat    = "2905"
	DescriptorValidRange         = "2906"
)

// CCCD enable bits, written little-endian as a 2-byte value.
const (
	cccdNotifyBit   uint16 = 0x0001
	cccdIndicateBit uint16 = 0x0002
)

// ClientConfig represents the Client Characteristic Configuration descriptor
// (0x2902) value.
type ClientConfig struct {
	Notifications bool // Notifications enabled
	Indications   bool // Indications enabled
}

// Encode serializes the configuration to the 2-byte little-endian wire form
// written to the CCCD.
func (c ClientConfig) Encode() []byte {
	var value uint16
	if c.Notifications {
		value |= cccdNotifyBit
	}
	if c.Indications {
		value |= cccdIndicateBit
	}
	out := make([]byte, 2)
	binary.LittleEndian.PutUint16(out, value)
	return out
}

// ParseClientConfig parses the Client Characteristic Configuration descriptor
// value. The descriptor is 2 bytes: bit 0 = Notifications, bit 1 = Indications.
func ParseClientConfig(data []byte) (*ClientConfig, error) {
	if len(data) != 2 {
		return nil, fmt.Errorf("invalid length for client config: expected 2, got %d", len(data))
	}
	value := binary.LittleEndian.Uint16(data)
	return &ClientConfig{
		Notifications: (value & cccdNotifyBit) != 0,
		Indications:   (value & cccdIndicateBit) != 0,
	}, nil
}

// EnableValue returns the CCCD value enabling the given update kind.
func EnableValue(kind ValueKind) []byte {
	if kind == KindIndication {
		return ClientConfig{Indications: true}.Encode()
	}
	return ClientConfig{Notifications: true}.Encode()
}

// DisableValue returns the CCCD value disabling both update kinds.
func DisableValue() []byte {
	return ClientConfig{}.Encode()
}

// IsCCCD reports whether the descriptor UUID identifies a Client
// Characteristic Configuration descriptor. The UUID may be given in any of
// the accepted forms (short, 0x-prefixed, full SIG base).
func IsCCCD(uuid string) bool {
	return NormalizeUUID(uuid) == DescriptorClientConfig
}
