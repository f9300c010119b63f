package bledb

import orderedmap "github.com/wk8/go-ordered-map/v2"

// table wraps an ordered UUID → name map. Insertion order is numeric UUID
// order so listings render stably.
type table struct {
	m *orderedmap.OrderedMap[string, string]
}

func newTable(pairs ...string) *table {
	m := orderedmap.New[string, string]()
	for i := 0; i+1 < len(pairs); i += 2 {
		m.Set(pairs[i], pairs[i+1])
	}
	return &table{m: m}
}

func (t *table) Get(uuid string) (string, bool) {
	return t.m.Get(uuid)
}

func (t *table) entries(kind Kind) []Entry {
	out := make([]Entry, 0, t.m.Len())
	for pair := t.m.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, Entry{UUID: pair.Key, Name: pair.Value, Kind: kind})
	}
	return out
}

var services = newTable(
	"1800", "Generic Access",
	"1801", "Generic Attribute",
	"1802", "Immediate Alert",
	"1803", "Link Loss",
	"1804", "Tx Power",
	"1805", "Current Time Service",
	"180a", "Device Information",
	"180d", "Heart Rate",
	"180e", "Phone Alert Status Service",
	"180f", "Battery Service",
	"1810", "Blood Pressure",
	"1811", "Alert Notification Service",
	"1812", "Human Interface Device",
	"1813", "Scan Parameters",
	"1814", "Running Speed and Cadence",
	"1815", "Automation IO",
	"1816", "Cycling Speed and Cadence",
	"1818", "Cycling Power",
	"1819", "Location and Navigation",
	"181a", "Environmental Sensing",
	"181b", "Body Composition",
	"181c", "User Data",
	"181d", "Weight Scale",
	"1826", "Fitness Machine",
	"183e", "Physical Activity Monitor",
	"fe59", "Nordic Legacy DFU Service",
	"6e400001b5a3f393e0a9e50e24dcca9e", "Nordic UART Service",
)

var characteristics = newTable(
	"2a00", "Device Name",
	"2a01", "Appearance",
	"2a05", "Service Changed",
	"2a06", "Alert Level",
	"2a19", "Battery Level",
	"2a23", "System ID",
	"2a24", "Model Number String",
	"2a25", "Serial Number String",
	"2a26", "Firmware Revision String",
	"2a27", "Hardware Revision String",
	"2a28", "Software Revision String",
	"2a29", "Manufacturer Name String",
	"2a2b", "Current Time",
	"2a35", "Blood Pressure Measurement",
	"2a37", "Heart Rate Measurement",
	"2a38", "Body Sensor Location",
	"2a39", "Heart Rate Control Point",
	"2a4d", "Report",
	"2a53", "RSC Measurement",
	"2a5b", "CSC Measurement",
	"2a63", "Cycling Power Measurement",
	"2a67", "Location and Speed",
	"2a6d", "Pressure",
	"2a6e", "Temperature",
	"2a6f", "Humidity",
	"2a9d", "Weight Measurement",
	"2acc", "Fitness Machine Feature",
	"2ad2", "Indoor Bike Data",
	"6e400002b5a3f393e0a9e50e24dcca9e", "UART RX",
	"6e400003b5a3f393e0a9e50e24dcca9e", "UART TX",
)

var descriptors = newTable(
	"2900", "Characteristic Extended Properties",
	"2901", "Characteristic User Descriptor",
	"2902", "Client Characteristic Configuration",
	"2903", "Server Characteristic Configuration",
	"2904", "Characteristic Presentation Format",
	"2905", "Characteristic Aggregate Format",
	"2906", "Valid Range",
	"2907", "External Report Reference",
	"2908", "Report Reference",
	"290b", "Environmental Sensing Configuration",
	"290c", "Environmental Sensing Measurement",
	"290d", "Environmental Sensing Trigger Setting",
)
