// Package bledb provides UUID normalization and assigned-name lookup for
// Bluetooth SIG services, characteristics and descriptors.
//
// The tables are a curated subset of the Bluetooth SIG assigned numbers,
// covering the profiles commonly seen on consumer peripherals. Lookups accept
// any UUID form handled by NormalizeUUID.
package bledb

import "strings"

// sigBasePrefix/sigBaseSuffix split the Bluetooth SIG base UUID
// 0000xxxx-0000-1000-8000-00805f9b34fb around its 16-bit short form.
const (
	sigBasePrefix = "0000"
	sigBaseSuffix = "00001000800000805f9b34fb"
)

// Kind categorizes a known UUID.
type Kind string

const (
	KindService        Kind = "service"
	KindCharacteristic Kind = "characteristic"
	KindDescriptor     Kind = "descriptor"
)

// Entry is one known UUID with its assigned name.
type Entry struct {
	UUID string
	Name string
	Kind Kind
}

// NormalizeUUID converts a UUID string to the internal format: lowercase, no
// dashes, no surrounding braces, no 0x prefix. Full 128-bit UUIDs on the
// Bluetooth SIG base are reduced to their 16-bit short form.
func NormalizeUUID(uuid string) string {
	u := strings.ToLower(strings.TrimSpace(uuid))
	u = strings.TrimPrefix(u, "{")
	u = strings.TrimSuffix(u, "}")
	u = strings.TrimPrefix(u, "0x")
	u = strings.ReplaceAll(u, "-", "")

	if len(u) == 32 && strings.HasPrefix(u, sigBasePrefix) && strings.HasSuffix(u, sigBaseSuffix) {
		return u[4:8]
	}
	return u
}

// NormalizeUUIDs normalizes a slice of UUID strings to internal format.
func NormalizeUUIDs(uuids []string) []string {
	if uuids == nil {
		return nil
	}
	result := make([]string, len(uuids))
	for i, u := range uuids {
		result[i] = NormalizeUUID(u)
	}
	return result
}

// Lookup returns the entry for the UUID in any of the known tables.
func Lookup(uuid string) (Entry, bool) {
	n := NormalizeUUID(uuid)
	for _, tbl := range []struct {
		kind Kind
		tab  *table
	}{
		{KindService, services},
		{KindCharacteristic, characteristics},
		{KindDescriptor, descriptors},
	} {
		if name, ok := tbl.tab.Get(n); ok {
			return Entry{UUID: n, Name: name, Kind: tbl.kind}, true
		}
	}
	return Entry{}, false
}

// LookupService returns the assigned name of a service UUID, or "" if unknown.
func LookupService(uuid string) string {
	name, _ := services.Get(NormalizeUUID(uuid))
	return name
}

// LookupCharacteristic returns the assigned name of a characteristic UUID, or
// "" if unknown.
func LookupCharacteristic(uuid string) string {
	name, _ := characteristics.Get(NormalizeUUID(uuid))
	return name
}

// LookupDescriptor returns the assigned name of a descriptor UUID, or "" if
// unknown.
func LookupDescriptor(uuid string) string {
	name, _ := descriptors.Get(NormalizeUUID(uuid))
	return name
}

// Services returns all known service entries in table order.
func Services() []Entry {
	return services.entries(KindService)
}

// Characteristics returns all known characteristic entries in table order.
func Characteristics() []Entry {
	return characteristics.entries(KindCharacteristic)
}

// Descriptors returns all known descriptor entries in table order.
func Descriptors() []Entry {
	return descriptors.entries(KindDescriptor)
}
