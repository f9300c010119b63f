package goble

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"

	"github.com/srg/gattmon/internal/gatt"
)

// bleAdvertisement adapts a go-ble advertising report to gatt.Advertisement.
type bleAdvertisement struct {
	adv ble.Advertisement
}

var _ gatt.Advertisement = (*bleAdvertisement)(nil)

func (b *bleAdvertisement) LocalName() string        { return b.adv.LocalName() }
func (b *bleAdvertisement) ManufacturerData() []byte { return b.adv.ManufacturerData() }
func (b *bleAdvertisement) TxPowerLevel() int        { return b.adv.TxPowerLevel() }
func (b *bleAdvertisement) Connectable() bool        { return b.adv.Connectable() }
func (b *bleAdvertisement) RSSI() int                { return b.adv.RSSI() }
func (b *bleAdvertisement) Addr() string             { return b.adv.Addr().String() }

func (b *bleAdvertisement) Services() []string {
	uuids := b.adv.Services()
	if len(uuids) == 0 {
		return nil
	}
	services := make([]string, 0, len(uuids))
	for _, u := range uuids {
		services = append(services, gatt.NormalizeUUID(u.String()))
	}
	return services
}

// Scanner runs advertising scans on a platform device from DeviceFactory.
type Scanner struct {
	logger *logrus.Logger
}

var _ gatt.ScanningDevice = (*Scanner)(nil)

// NewScanner creates a scanner. A nil logger discards output.
func NewScanner(logger *logrus.Logger) *Scanner {
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.PanicLevel)
	}
	return &Scanner{logger: logger}
}

// Scan implements gatt.ScanningDevice. It blocks until ctx ends; expiry or
// cancellation is the normal way a scan finishes and is not an error.
func (s *Scanner) Scan(ctx context.Context, allowDup bool, handler func(gatt.Advertisement)) error {
	dev, err := DeviceFactory()
	if err != nil {
		return fmt.Errorf("can't create BLE device: %w", err)
	}
	defer func() {
		if serr := dev.Stop(); serr != nil {
			s.logger.WithError(serr).Debug("Stopping BLE device failed")
		}
	}()

	s.logger.WithField("allow_dup", allowDup).Debug("Scan started")
	err = dev.Scan(ctx, allowDup, func(a ble.Advertisement) {
		handler(&bleAdvertisement{adv: a})
	})

	switch {
	case err == nil,
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return nil
	default:
		return gatt.NormalizeError(err)
	}
}
