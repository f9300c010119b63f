package testutils

import (
	"encoding/json"
	"fmt"

	"github.com/srg/gattmon/internal/bledb"
	"github.com/srg/gattmon/internal/gatt"
)

// CharacteristicConfig describes one characteristic of a scripted
// peripheral.
type CharacteristicConfig struct {
	UUID        string             `json:"uuid"`
	Properties  string             `json:"properties,omitempty"` // e.g. "read,notify"
	Value       []int              `json:"value,omitempty"`
	Descriptors []DescriptorConfig `json:"descriptors,omitempty"`

	// NoCCCD suppresses the automatic client configuration descriptor that
	// subscribable characteristics otherwise receive.
	NoCCCD bool `json:"no_cccd,omitempty"`
}

// DescriptorConfig describes one explicitly placed descriptor.
type DescriptorConfig struct {
	UUID string `json:"uuid"`
}

// ServiceConfig describes one primary service of a scripted peripheral.
type ServiceConfig struct {
	UUID            string                 `json:"uuid"`
	Characteristics []CharacteristicConfig `json:"characteristics,omitempty"`
}

// PeripheralConfig is the complete profile of a scripted peripheral.
type PeripheralConfig struct {
	Services []ServiceConfig `json:"services"`
}

// PeripheralBuilder assembles a scripted peripheral and lays out its
// attribute table: handles are assigned sequentially from 0x0001 in
// declaration order, one declaration and one value handle per
// characteristic, one handle per descriptor. Characteristics that can notify
// or indicate automatically receive a client configuration descriptor unless
// suppressed with WithoutCCCD or an explicit 2902 entry.
type PeripheralBuilder struct {
	profile PeripheralConfig
}

// NewPeripheralBuilder creates an empty peripheral builder.
func NewPeripheralBuilder() *PeripheralBuilder {
	return &PeripheralBuilder{}
}

// WithService appends a primary service to the profile.
func (b *PeripheralBuilder) WithService(uuid string) *PeripheralBuilder {
	b.profile.Services = append(b.profile.Services, ServiceConfig{UUID: uuid})
	return b
}

// WithCharacteristic appends a characteristic to the last added service.
func (b *PeripheralBuilder) WithCharacteristic(uuid, properties string, value []byte) *PeripheralBuilder {
	svc := b.lastService("WithCharacteristic")
	cfg := CharacteristicConfig{UUID: uuid, Properties: properties}
	for _, v := range value {
		cfg.Value = append(cfg.Value, int(v))
	}
	svc.Characteristics = append(svc.Characteristics, cfg)
	return b
}

// WithDescriptor appends a descriptor to the last added characteristic.
func (b *PeripheralBuilder) WithDescriptor(uuid string) *PeripheralBuilder {
	c := b.lastCharacteristic("WithDescriptor")
	c.Descriptors = append(c.Descriptors, DescriptorConfig{UUID: uuid})
	return b
}

// WithoutCCCD suppresses the automatic client configuration descriptor on
// the last added characteristic.
func (b *PeripheralBuilder) WithoutCCCD() *PeripheralBuilder {
	b.lastCharacteristic("WithoutCCCD").NoCCCD = true
	return b
}

// FromJSON replaces the profile with one unmarshalled from JSON. Panics on
// invalid input; this is test setup code.
func (b *PeripheralBuilder) FromJSON(jsonStrFmt string, args ...interface{}) *PeripheralBuilder {
	jsonStr := fmt.Sprintf(jsonStrFmt, args...)

	var config PeripheralConfig
	if err := json.Unmarshal([]byte(jsonStr), &config); err != nil {
		panic(fmt.Sprintf("PeripheralBuilder.FromJSON: failed to unmarshal: %v", err))
	}
	b.profile = config
	return b
}

func (b *PeripheralBuilder) lastService(caller string) *ServiceConfig {
	if len(b.profile.Services) == 0 {
		panic(caller + ": no service added yet, call WithService first")
	}
	return &b.profile.Services[len(b.profile.Services)-1]
}

func (b *PeripheralBuilder) lastCharacteristic(caller string) *CharacteristicConfig {
	svc := b.lastService(caller)
	if len(svc.Characteristics) == 0 {
		panic(caller + ": no characteristic added yet, call WithCharacteristic first")
	}
	return &svc.Characteristics[len(svc.Characteristics)-1]
}

// Build lays out the attribute table and returns a fake stack serving it.
func (b *PeripheralBuilder) Build() *FakeStack {
	return NewFakeStack(b.BuildServices()...)
}

// BuildServices lays out the attribute table and returns the scripted
// services, e.g. to look up assigned handles for assertions.
func (b *PeripheralBuilder) BuildServices() []FakeService {
	var out []FakeService
	next := gatt.Handle(0x0001)

	for _, svcCfg := range b.profile.Services {
		svc := FakeService{
			Service: gatt.Service{
				UUID:   bledb.NormalizeUUID(svcCfg.UUID),
				Handle: next,
			},
		}
		next++

		for _, charCfg := range svcCfg.Characteristics {
			props := gatt.ParseProperties(charCfg.Properties)

			c := FakeCharacteristic{
				Characteristic: gatt.Characteristic{
					UUID:       bledb.NormalizeUUID(charCfg.UUID),
					DeclHandle: next,
					Props:      props,
				},
			}
			c.ValueHandle = next + 1
			next += 2

			for _, v := range charCfg.Value {
				c.Value = append(c.Value, byte(v))
			}

			hasCCCD := false
			for _, descCfg := range charCfg.Descriptors {
				uuid := bledb.NormalizeUUID(descCfg.UUID)
				if gatt.IsCCCD(uuid) {
					hasCCCD = true
				}
				c.Descriptors = append(c.Descriptors, FakeDescriptor{UUID: uuid, Handle: next})
				next++
			}
			if props.CanSubscribe() && !hasCCCD && !charCfg.NoCCCD {
				c.Descriptors = append(c.Descriptors, FakeDescriptor{
					UUID:   gatt.DescriptorClientConfig,
					Handle: next,
				})
				next++
			}

			c.EndHandle = next - 1
			svc.Characteristics = append(svc.Characteristics, c)
		}

		svc.EndHandle = next - 1
		out = append(out, svc)
	}
	return out
}
