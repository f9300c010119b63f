package scanner

import (
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/srg/gattmon/internal/gatt"
)

// Device accumulates what has been learned about a peripheral across
// advertising reports. All accessors are safe for concurrent use.
type Device struct {
	mu          sync.RWMutex
	id          string
	name        string
	address     string
	rssi        int
	txPower     *int
	connectable bool
	services    []string
	manufData   []byte
	firstSeen   time.Time
	lastSeen    time.Time
	advCount    uint64
}

// newDevice creates a Device from the first advertising report.
func newDevice(adv gatt.Advertisement) *Device {
	now := time.Now()
	d := &Device{
		id:          adv.Addr(),
		address:     adv.Addr(),
		name:        adv.LocalName(),
		rssi:        adv.RSSI(),
		connectable: adv.Connectable(),
		manufData:   adv.ManufacturerData(),
		firstSeen:   now,
		lastSeen:    now,
		advCount:    1,
	}

	for _, uuid := range adv.Services() {
		d.services = append(d.services, gatt.NormalizeUUID(uuid))
	}
	sort.Strings(d.services)

	// 127 means TX power not present in the advertising data
	if adv.TxPowerLevel() != 127 {
		tx := adv.TxPowerLevel()
		d.txPower = &tx
	}

	// Try to extract name from manufacturer data if no local name
	if d.name == "" {
		d.name = extractNameFromManufacturerData(d.manufData)
	}

	return d
}

// update folds a fresh advertising report into the record.
func (d *Device) update(adv gatt.Advertisement) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.rssi = adv.RSSI()
	d.lastSeen = time.Now()
	d.advCount++

	// Update name if it wasn't available before or changed
	if name := adv.LocalName(); name != "" {
		d.name = name
	} else if d.name == "" {
		if extracted := extractNameFromManufacturerData(adv.ManufacturerData()); extracted != "" {
			d.name = extracted
		}
	}

	if manufData := adv.ManufacturerData(); len(manufData) > 0 {
		d.manufData = manufData
	}

	// Merge advertised services
	needsSort := false
	for _, svc := range adv.Services() {
		normalized := gatt.NormalizeUUID(svc)
		if !d.hasService(normalized) {
			d.services = append(d.services, normalized)
			needsSort = true
		}
	}
	if needsSort {
		sort.Strings(d.services)
	}

	if adv.TxPowerLevel() != 127 {
		tx := adv.TxPowerLevel()
		d.txPower = &tx
	}
}

// hasService reports whether uuid is already tracked. Caller holds d.mu.
func (d *Device) hasService(uuid string) bool {
	for _, s := range d.services {
		if strings.EqualFold(s, uuid) {
			return true
		}
	}
	return false
}

func (d *Device) ID() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.id
}

// Name returns the device name, falling back to the address when no name
// has been seen in any advertisement.
func (d *Device) Name() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.name == "" {
		return d.address
	}
	return d.name
}

func (d *Device) Address() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.address
}

func (d *Device) RSSI() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.rssi
}

// TxPower returns the advertised TX power, or nil when the advertisement
// did not carry one.
func (d *Device) TxPower() *int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.txPower
}

func (d *Device) Connectable() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.connectable
}

// AdvertisedServices returns the normalized service UUIDs seen so far,
// sorted ascending.
func (d *Device) AdvertisedServices() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]string(nil), d.services...)
}

func (d *Device) ManufacturerData() []byte {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]byte(nil), d.manufData...)
}

func (d *Device) FirstSeen() time.Time {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.firstSeen
}

func (d *Device) LastSeen() time.Time {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.lastSeen
}

// Advertisements returns the number of reports folded into this record.
func (d *Device) Advertisements() uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.advCount
}

type deviceJSON struct {
	ID               string   `json:"id"`
	Name             string   `json:"name"`
	Address          string   `json:"address"`
	RSSI             int      `json:"rssi"`
	TxPower          *int     `json:"tx_power,omitempty"`
	Connectable      bool     `json:"connectable"`
	Services         []string `json:"services"`
	ManufacturerData []int    `json:"manufacturer_data,omitempty"`
	FirstSeen        int64    `json:"first_seen"`
	LastSeen         int64    `json:"last_seen"`
	Advertisements   uint64   `json:"advertisements"`
}

// MarshalJSON renders a device snapshot. Manufacturer data is emitted as an
// int array rather than base64 to stay close to the over-the-air bytes.
func (d *Device) MarshalJSON() ([]byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var manufData []int
	if len(d.manufData) > 0 {
		manufData = make([]int, len(d.manufData))
		for i, b := range d.manufData {
			manufData[i] = int(b)
		}
	}

	name := d.name
	if name == "" {
		name = d.address
	}

	return json.Marshal(deviceJSON{
		ID:               d.id,
		Name:             name,
		Address:          d.address,
		RSSI:             d.rssi,
		TxPower:          d.txPower,
		Connectable:      d.connectable,
		Services:         d.services,
		ManufacturerData: manufData,
		FirstSeen:        d.firstSeen.Unix(),
		LastSeen:         d.lastSeen.Unix(),
		Advertisements:   d.advCount,
	})
}

// extractNameFromManufacturerData looks for a readable ASCII run in
// manufacturer data. Many vendors embed the product name there when the
// advertisement carries no local name.
func extractNameFromManufacturerData(data []byte) string {
	if len(data) < 4 {
		return ""
	}

	for i := 0; i < len(data)-3; i++ {
		if !isReadableASCII(data[i]) {
			continue
		}

		var nameBytes []byte
		for j := i; j < len(data) && j < i+32; j++ { // Limit to 32 chars
			if !isReadableASCII(data[j]) {
				break
			}
			nameBytes = append(nameBytes, data[j])
		}

		if len(nameBytes) >= 3 { // Minimum meaningful name length
			name := strings.TrimSpace(string(nameBytes))
			if len(name) >= 3 && isValidDeviceName(name) {
				return name
			}
		}
	}

	return ""
}

// isReadableASCII checks if a byte represents a readable ASCII character
func isReadableASCII(b byte) bool {
	return b >= 32 && b <= 126 && unicode.IsPrint(rune(b))
}

// isValidDeviceName checks if a string looks like a valid device name
func isValidDeviceName(name string) bool {
	if len(name) < 3 || len(name) > 32 {
		return false
	}

	// Must contain at least one letter
	hasLetter := false
	for _, r := range name {
		if unicode.IsLetter(r) {
			hasLetter = true
			break
		}
	}

	return hasLetter
}
