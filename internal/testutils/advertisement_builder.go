package testutils

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/srg/gattmon/internal/gatt"
)

// FakeAdvertisement is an immutable gatt.Advertisement for tests.
type FakeAdvertisement struct {
	name        string
	address     string
	rssi        int
	services    []string
	manufData   []byte
	txPower     int
	connectable bool
}

var _ gatt.Advertisement = (*FakeAdvertisement)(nil)

func (a *FakeAdvertisement) LocalName() string        { return a.name }
func (a *FakeAdvertisement) ManufacturerData() []byte { return a.manufData }
func (a *FakeAdvertisement) Services() []string       { return a.services }
func (a *FakeAdvertisement) TxPowerLevel() int        { return a.txPower }
func (a *FakeAdvertisement) Connectable() bool        { return a.connectable }
func (a *FakeAdvertisement) RSSI() int                { return a.rssi }
func (a *FakeAdvertisement) Addr() string             { return a.address }

// AdvertisementBuilder builds fake advertising reports for scanner tests
// with a fluent API.
type AdvertisementBuilder struct {
	adv FakeAdvertisement
}

// NewAdvertisementBuilder creates a builder with the defaults of a
// connectable device whose TX power is unavailable (127 per the
// advertising data spec).
func NewAdvertisementBuilder() *AdvertisementBuilder {
	return &AdvertisementBuilder{
		adv: FakeAdvertisement{
			connectable: true,
			txPower:     127,
		},
	}
}

// WithName sets the local name for the advertisement.
func (b *AdvertisementBuilder) WithName(name string) *AdvertisementBuilder {
	b.adv.name = name
	return b
}

// WithAddress sets the device address for the advertisement.
func (b *AdvertisementBuilder) WithAddress(addr string) *AdvertisementBuilder {
	b.adv.address = addr
	return b
}

// WithRSSI sets the signal strength for the advertisement.
func (b *AdvertisementBuilder) WithRSSI(rssi int) *AdvertisementBuilder {
	b.adv.rssi = rssi
	return b
}

// WithServices adds advertised service UUIDs, short or full form.
func (b *AdvertisementBuilder) WithServices(uuids ...string) *AdvertisementBuilder {
	b.adv.services = append(b.adv.services, uuids...)
	return b
}

// WithManufacturerData sets the manufacturer-specific data.
func (b *AdvertisementBuilder) WithManufacturerData(data []byte) *AdvertisementBuilder {
	b.adv.manufData = data
	return b
}

// WithTxPower sets the transmission power level.
func (b *AdvertisementBuilder) WithTxPower(power int) *AdvertisementBuilder {
	b.adv.txPower = power
	return b
}

// WithConnectable sets whether the device accepts connections.
func (b *AdvertisementBuilder) WithConnectable(c bool) *AdvertisementBuilder {
	b.adv.connectable = c
	return b
}

// FromJSON fills builder fields from a JSON string with format support.
// Panics on invalid JSON as this is intended for test data setup.
func (b *AdvertisementBuilder) FromJSON(jsonStrFmt string, args ...interface{}) *AdvertisementBuilder {
	jsonStr := fmt.Sprintf(jsonStrFmt, args...)

	var data struct {
		Name             *string  `json:"name"`
		Address          *string  `json:"address"`
		RSSI             *int     `json:"rssi"`
		Services         []string `json:"services"`
		ManufacturerData []int    `json:"manufacturerData"`
		TxPower          *int     `json:"txPower"`
		Connectable      *bool    `json:"connectable"`
	}
	if err := json.Unmarshal([]byte(jsonStr), &data); err != nil {
		panic(fmt.Sprintf("AdvertisementBuilder.FromJSON: failed to unmarshal: %v", err))
	}

	if data.Name != nil {
		b.adv.name = *data.Name
	}
	if data.Address != nil {
		b.adv.address = *data.Address
	}
	if data.RSSI != nil {
		b.adv.rssi = *data.RSSI
	}
	if data.Services != nil {
		b.adv.services = data.Services
	}
	if data.ManufacturerData != nil {
		b.adv.manufData = make([]byte, len(data.ManufacturerData))
		for i, v := range data.ManufacturerData {
			b.adv.manufData[i] = byte(v)
		}
	}
	if data.TxPower != nil {
		b.adv.txPower = *data.TxPower
	}
	if data.Connectable != nil {
		b.adv.connectable = *data.Connectable
	}
	return b
}

// Build returns the assembled advertisement.
func (b *AdvertisementBuilder) Build() *FakeAdvertisement {
	adv := b.adv
	adv.services = append([]string(nil), b.adv.services...)
	adv.manufData = append([]byte(nil), b.adv.manufData...)
	return &adv
}

// FakeScanner is a gatt.ScanningDevice that replays scripted advertisements
// to the scan handler. With Hold set it then blocks until the scan context
// ends, mirroring a radio that keeps scanning; otherwise Scan returns as
// soon as the replay finishes.
type FakeScanner struct {
	Advertisements []gatt.Advertisement
	Hold           bool
}

var _ gatt.ScanningDevice = (*FakeScanner)(nil)

// NewFakeScanner creates a scanner replaying the given advertisements.
func NewFakeScanner(ads ...gatt.Advertisement) *FakeScanner {
	return &FakeScanner{Advertisements: ads}
}

func (s *FakeScanner) Scan(ctx context.Context, allowDup bool, handler func(gatt.Advertisement)) error {
	for _, adv := range s.Advertisements {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		handler(adv)
	}
	if s.Hold {
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}
