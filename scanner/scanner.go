// Package scanner tracks BLE peripherals across advertising reports.
//
// A Scanner folds the raw advertisement stream from a gatt.ScanningDevice
// into per-address Device records and publishes discovery events on a
// bounded channel that drops the oldest event under pressure, so a slow
// consumer never stalls the radio callback.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	"github.com/srg/gattmon/internal/gatt"
	"github.com/srg/gattmon/internal/ringchan"
)

// ProgressCallback is called when the scan phase changes
type ProgressCallback func(phase string)

// DeviceEventType marks if the device was newly discovered or updated
type DeviceEventType int

const (
	EventNew DeviceEventType = iota
	EventUpdated
)

// DeviceEvent is published on Events for every advertisement accepted by
// the scan filters.
type DeviceEvent struct {
	Type      DeviceEventType
	Device    *Device
	Timestamp time.Time
}

// DeviceEntry pairs a tracked device with the time of its latest report.
type DeviceEntry struct {
	Device   *Device
	LastSeen time.Time
}

const eventChannelCapacity = 100

// Scanner handles BLE device discovery
type Scanner struct {
	devices *hashmap.Map[string, *Device]
	events  *ringchan.RingChannel[DeviceEvent]
	logger  *logrus.Logger
	radio   gatt.ScanningDevice

	scanOptions *ScanOptions
}

// ScanOptions configures scanning behavior
type ScanOptions struct {
	// Duration bounds the scan; zero scans until the context ends.
	Duration time.Duration
	// AllowDuplicates asks the radio to deliver repeated advertisements
	// from the same address, which keeps RSSI and names fresh.
	AllowDuplicates bool
	ServiceUUIDs    []string
	AllowList       []string
	BlockList       []string
}

// DefaultScanOptions returns default scanning options
func DefaultScanOptions() *ScanOptions {
	return &ScanOptions{
		Duration:        10 * time.Second,
		AllowDuplicates: true,
	}
}

// NewScanner creates a scanner on top of the given radio.
func NewScanner(radio gatt.ScanningDevice, logger *logrus.Logger) (*Scanner, error) {
	if radio == nil {
		return nil, fmt.Errorf("scanning device cannot be nil")
	}
	if logger == nil {
		logger = logrus.New()
	}

	return &Scanner{
		devices: hashmap.New[string, *Device](),
		events:  ringchan.NewRingChannel[DeviceEvent](eventChannelCapacity),
		logger:  logger,
		radio:   radio,
	}, nil
}

// Scan performs discovery with the provided options and returns the devices
// tracked when the radio stops, keyed by address. Progress can be observed
// live through Events.
func (s *Scanner) Scan(ctx context.Context, opts *ScanOptions, progressCallback ProgressCallback) (map[string]DeviceEntry, error) {
	s.devices = hashmap.New[string, *Device]()

	if opts == nil {
		opts = DefaultScanOptions()
	}
	if progressCallback == nil {
		progressCallback = func(string) {} // No-op callback
	}

	if opts.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Duration)
		defer cancel()
	}

	s.logger.WithField("duration", opts.Duration).Info("Starting BLE scan...")

	// Report scanning phase
	progressCallback("Scanning")

	s.scanOptions = opts
	defer func() {
		s.scanOptions = nil
	}()
	err := s.radio.Scan(ctx, opts.AllowDuplicates, s.handleAdvertisement)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("scan failed: %w", err)
	}

	s.logger.WithField("device_count", s.devices.Len()).Info("BLE scan completed")

	// Report processing phase
	progressCallback("Processing results")

	devices := make(map[string]DeviceEntry, s.devices.Len())
	s.devices.Range(func(key string, value *Device) bool {
		devices[key] = DeviceEntry{Device: value, LastSeen: value.LastSeen()}
		return true
	})

	return devices, nil
}

// handleAdvertisement updates existing or adds a new device
func (s *Scanner) handleAdvertisement(adv gatt.Advertisement) {
	deviceID := adv.Addr()

	dev, existing := s.devices.Get(deviceID)
	if !existing {
		if !s.shouldIncludeDevice(adv, s.scanOptions) {
			return
		}
		dev, existing = s.devices.GetOrInsert(deviceID, newDevice(adv))
	}

	event := DeviceEvent{
		Device:    dev,
		Timestamp: time.Now(),
	}

	if existing {
		dev.update(adv)
		event.Type = EventUpdated
	} else {
		s.logger.WithFields(logrus.Fields{
			"device":  dev.Name(),
			"address": dev.Address(),
			"rssi":    dev.RSSI(),
		}).Info("Discovered new device")
		event.Type = EventNew
	}

	s.events.ForceSend(event)
}

// shouldIncludeDevice applies the allow/block/service filters
func (s *Scanner) shouldIncludeDevice(adv gatt.Advertisement, opts *ScanOptions) bool {
	addr := adv.Addr()

	for _, blocked := range opts.BlockList {
		if addr == blocked {
			return false
		}
	}

	if len(opts.AllowList) > 0 {
		allowed := false
		for _, a := range opts.AllowList {
			if addr == a {
				allowed = true
				break
			}
		}
		if !allowed {
			return false
		}
	}

	if len(opts.ServiceUUIDs) > 0 {
		hasRequired := false
		for _, required := range opts.ServiceUUIDs {
			want := gatt.NormalizeUUID(required)
			for _, advertised := range adv.Services() {
				if gatt.NormalizeUUID(advertised) == want {
					hasRequired = true
					break
				}
			}
			if hasRequired {
				break
			}
		}
		if !hasRequired {
			return false
		}
	}

	return true
}

// Devices returns a snapshot of discovered devices sorted by address.
func (s *Scanner) Devices() []*Device {
	devs := make([]*Device, 0, s.devices.Len())

	s.devices.Range(func(key string, value *Device) bool {
		devs = append(devs, value)
		return true
	})
	sort.Slice(devs, func(i, j int) bool {
		return devs[i].Address() < devs[j].Address()
	})

	return devs
}

// Events returns a read-only channel of device events
func (s *Scanner) Events() <-chan DeviceEvent {
	return s.events.C()
}
