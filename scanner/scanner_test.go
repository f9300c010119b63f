package scanner_test

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/srg/gattmon/internal/gatt"
	"github.com/srg/gattmon/internal/testutils"
	"github.com/srg/gattmon/scanner"
	"github.com/stretchr/testify/require"
	suitelib "github.com/stretchr/testify/suite"
)

// failingRadio is a gatt.ScanningDevice whose scan always fails.
type failingRadio struct {
	err error
}

func (r *failingRadio) Scan(ctx context.Context, allowDup bool, handler func(gatt.Advertisement)) error {
	return r.err
}

type ScannerTestSuite struct {
	suitelib.Suite

	adv1, adv2, adv3 gatt.Advertisement
}

func (suite *ScannerTestSuite) SetupTest() {
	suite.adv1 = testutils.NewAdvertisementBuilder().
		WithAddress("AA:BB:CC:DD:EE:FF").
		WithName("Test Device 1").
		WithRSSI(-45).
		WithServices("180F", "1800").
		WithConnectable(true).
		WithTxPower(11).
		Build()

	suite.adv2 = testutils.NewAdvertisementBuilder().
		WithAddress("11:22:33:44:55:66").
		WithName("Test Device 2").
		WithRSSI(-67).
		WithServices("1801").
		WithConnectable(true).
		WithTxPower(12).
		Build()

	// A third device that won't match most filter conditions
	suite.adv3 = testutils.NewAdvertisementBuilder().
		WithAddress("99:88:77:66:55:44").
		WithName("Test Device 3").
		WithRSSI(-80).
		WithServices("1802").
		WithConnectable(true).
		WithTxPower(13).
		Build()
}

// newScanner builds a scanner over a fake radio replaying the given reports.
func (suite *ScannerTestSuite) newScanner(ads ...gatt.Advertisement) *scanner.Scanner {
	helper := testutils.NewTestHelper(suite.T())
	s, err := scanner.NewScanner(testutils.NewFakeScanner(ads...), helper.Logger)
	require.NoError(suite.T(), err)
	return s
}

func (suite *ScannerTestSuite) TestNewScanner() {
	suite.Run("creates scanner with provided logger", func() {
		helper := testutils.NewTestHelper(suite.T())
		s, err := scanner.NewScanner(testutils.NewFakeScanner(), helper.Logger)

		suite.NoError(err)
		suite.NotNil(s)
	})

	suite.Run("creates scanner with nil logger", func() {
		s, err := scanner.NewScanner(testutils.NewFakeScanner(), nil)

		suite.NoError(err)
		suite.NotNil(s)
	})

	suite.Run("rejects nil scanning device", func() {
		s, err := scanner.NewScanner(nil, nil)

		suite.Error(err)
		suite.Nil(s)
	})
}

func (suite *ScannerTestSuite) TestDefaultScanOptions() {
	opts := scanner.DefaultScanOptions()

	suite.NotNil(opts)
	suite.Equal(10*time.Second, opts.Duration)
	suite.True(opts.AllowDuplicates)
	suite.Nil(opts.ServiceUUIDs)
	suite.Nil(opts.AllowList)
	suite.Nil(opts.BlockList)
}

func (suite *ScannerTestSuite) TestScannerFiltering() {
	tests := []struct {
		name              string
		scanOptions       *scanner.ScanOptions
		expectedAddresses []string
		description       string
	}{
		{
			name:              "includes all devices with no filters",
			scanOptions:       &scanner.ScanOptions{},
			expectedAddresses: []string{"11:22:33:44:55:66", "99:88:77:66:55:44", "AA:BB:CC:DD:EE:FF"},
			description:       "No filters should include all discovered devices",
		},
		{
			name: "excludes device on block list",
			scanOptions: &scanner.ScanOptions{
				BlockList: []string{"AA:BB:CC:DD:EE:FF"},
			},
			expectedAddresses: []string{"11:22:33:44:55:66", "99:88:77:66:55:44"},
			description:       "Device AA:BB:CC:DD:EE:FF should be excluded from results",
		},
		{
			name: "includes device with matching service UUID",
			scanOptions: &scanner.ScanOptions{
				ServiceUUIDs: []string{"180f"},
			},
			expectedAddresses: []string{"AA:BB:CC:DD:EE:FF"},
			description:       "Only devices with Battery Service (180F) should be included",
		},
		{
			name: "matches service UUID regardless of case and form",
			scanOptions: &scanner.ScanOptions{
				ServiceUUIDs: []string{"0000180F-0000-1000-8000-00805F9B34FB"},
			},
			expectedAddresses: []string{"AA:BB:CC:DD:EE:FF"},
			description:       "Full-form and short-form UUIDs should match the same service",
		},
		{
			name: "excludes device without matching service UUID",
			scanOptions: &scanner.ScanOptions{
				ServiceUUIDs: []string{"1234"}, // Non-existent service
			},
			expectedAddresses: []string{},
			description:       "No devices should match non-existent service UUID",
		},
		{
			name: "includes device on allow list",
			scanOptions: &scanner.ScanOptions{
				AllowList: []string{"AA:BB:CC:DD:EE:FF"},
			},
			expectedAddresses: []string{"AA:BB:CC:DD:EE:FF"},
			description:       "Only device on allow list should be included",
		},
		{
			name: "excludes device not on allow list",
			scanOptions: &scanner.ScanOptions{
				AllowList: []string{"FF:EE:DD:CC:BB:AA"}, // Non-existent device
			},
			expectedAddresses: []string{},
			description:       "No devices should match when allow list contains non-existent device",
		},
	}

	for _, tt := range tests {
		suite.Run(tt.name, func() {
			s := suite.newScanner(suite.adv1, suite.adv2, suite.adv3)

			// Add short duration to test cases that don't have one
			if tt.scanOptions.Duration == 0 {
				tt.scanOptions.Duration = 100 * time.Millisecond
			}

			devices, err := s.Scan(context.Background(), tt.scanOptions, nil)

			require.NoError(suite.T(), err, "Scan should complete without error")
			require.NotNil(suite.T(), devices, "Devices map should not be nil")

			addresses := make([]string, 0, len(devices))
			for addr := range devices {
				addresses = append(addresses, addr)
			}
			sort.Strings(addresses)

			suite.Equal(tt.expectedAddresses, addresses, tt.description)
		})
	}
}

func (suite *ScannerTestSuite) TestScanResults() {
	// GOAL: Verify scan results carry the advertised device data.
	//
	// TEST SCENARIO: Replay three advertisements, then check the returned
	// entries expose name, RSSI, TX power, and normalized services.
	s := suite.newScanner(suite.adv1, suite.adv2, suite.adv3)

	devices, err := s.Scan(context.Background(), &scanner.ScanOptions{Duration: 100 * time.Millisecond}, nil)
	require.NoError(suite.T(), err)
	require.Len(suite.T(), devices, 3)

	entry, ok := devices["AA:BB:CC:DD:EE:FF"]
	require.True(suite.T(), ok)

	dev := entry.Device
	suite.Equal("Test Device 1", dev.Name())
	suite.Equal("AA:BB:CC:DD:EE:FF", dev.Address())
	suite.Equal(-45, dev.RSSI())
	suite.True(dev.Connectable())
	suite.Equal([]string{"1800", "180f"}, dev.AdvertisedServices())
	require.NotNil(suite.T(), dev.TxPower())
	suite.Equal(11, *dev.TxPower())
	suite.Equal(uint64(1), dev.Advertisements())
	suite.WithinDuration(time.Now(), entry.LastSeen, time.Second)
}

func (suite *ScannerTestSuite) TestDuplicateAdvertisementsUpdateDevice() {
	// GOAL: Verify repeated advertisements update the existing record
	// instead of creating a second device.
	//
	// TEST SCENARIO: Replay the same address three times with changing
	// RSSI, a growing service list, and a late-arriving name, then check
	// the merged record.
	first := testutils.NewAdvertisementBuilder().
		WithAddress("AA:BB:CC:DD:EE:FF").
		WithRSSI(-70).
		Build()
	second := testutils.NewAdvertisementBuilder().
		WithAddress("AA:BB:CC:DD:EE:FF").
		WithRSSI(-55).
		WithServices("180F").
		Build()
	third := testutils.NewAdvertisementBuilder().
		WithAddress("AA:BB:CC:DD:EE:FF").
		WithName("HR Strap").
		WithRSSI(-48).
		WithServices("180D").
		Build()

	s := suite.newScanner(first, second, third)

	devices, err := s.Scan(context.Background(), &scanner.ScanOptions{Duration: 100 * time.Millisecond}, nil)
	require.NoError(suite.T(), err)
	require.Len(suite.T(), devices, 1)

	dev := devices["AA:BB:CC:DD:EE:FF"].Device
	suite.Equal("HR Strap", dev.Name())
	suite.Equal(-48, dev.RSSI())
	suite.Equal([]string{"180d", "180f"}, dev.AdvertisedServices())
	suite.Equal(uint64(3), dev.Advertisements())
}

func (suite *ScannerTestSuite) TestDeviceEvents() {
	// GOAL: Verify the event stream reports new devices before updates.
	//
	// TEST SCENARIO: Replay two advertisements for one address plus one
	// for another, then drain Events and check types and order.
	dup := testutils.NewAdvertisementBuilder().
		WithAddress("AA:BB:CC:DD:EE:FF").
		WithName("Test Device 1").
		WithRSSI(-50).
		Build()

	s := suite.newScanner(suite.adv1, dup, suite.adv2)

	_, err := s.Scan(context.Background(), &scanner.ScanOptions{Duration: 100 * time.Millisecond}, nil)
	require.NoError(suite.T(), err)

	var events []scanner.DeviceEvent
	for len(s.Events()) > 0 {
		events = append(events, <-s.Events())
	}

	require.Len(suite.T(), events, 3)
	suite.Equal(scanner.EventNew, events[0].Type)
	suite.Equal("AA:BB:CC:DD:EE:FF", events[0].Device.Address())
	suite.False(events[0].Timestamp.IsZero())
	suite.Equal(scanner.EventUpdated, events[1].Type)
	suite.Equal("AA:BB:CC:DD:EE:FF", events[1].Device.Address())
	suite.Equal(scanner.EventNew, events[2].Type)
	suite.Equal("11:22:33:44:55:66", events[2].Device.Address())
}

func (suite *ScannerTestSuite) TestFilteredDevicesEmitNoEvents() {
	// GOAL: Verify devices rejected by the filters never reach the event
	// stream.
	//
	// TEST SCENARIO: Scan with an allow list matching one of two devices
	// and check only that device's event is published.
	s := suite.newScanner(suite.adv1, suite.adv2)

	opts := &scanner.ScanOptions{
		Duration:  100 * time.Millisecond,
		AllowList: []string{"AA:BB:CC:DD:EE:FF"},
	}
	_, err := s.Scan(context.Background(), opts, nil)
	require.NoError(suite.T(), err)

	var events []scanner.DeviceEvent
	for len(s.Events()) > 0 {
		events = append(events, <-s.Events())
	}

	require.Len(suite.T(), events, 1)
	suite.Equal("AA:BB:CC:DD:EE:FF", events[0].Device.Address())
}

func (suite *ScannerTestSuite) TestScanStopsOnContextCancel() {
	// GOAL: Verify cancelling the scan context ends the scan cleanly.
	//
	// TEST SCENARIO: Hold the radio open after replay, cancel the context,
	// and check Scan returns the devices collected so far without error.
	radio := testutils.NewFakeScanner(suite.adv1)
	radio.Hold = true

	helper := testutils.NewTestHelper(suite.T())
	s, err := scanner.NewScanner(radio, helper.Logger)
	require.NoError(suite.T(), err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	devices, err := s.Scan(ctx, &scanner.ScanOptions{}, nil)
	require.NoError(suite.T(), err)
	suite.Len(devices, 1)
}

func (suite *ScannerTestSuite) TestScanPropagatesRadioErrors() {
	// GOAL: Verify radio failures surface as scan errors.
	radioErr := errors.New("hci device busy")
	s, err := scanner.NewScanner(&failingRadio{err: radioErr}, nil)
	require.NoError(suite.T(), err)

	devices, err := s.Scan(context.Background(), &scanner.ScanOptions{Duration: 100 * time.Millisecond}, nil)

	suite.Nil(devices)
	require.Error(suite.T(), err)
	suite.ErrorIs(err, radioErr)
}

func (suite *ScannerTestSuite) TestProgressCallbackPhases() {
	// GOAL: Verify the progress callback sees both scan phases in order.
	s := suite.newScanner(suite.adv1)

	var phases []string
	_, err := s.Scan(context.Background(), &scanner.ScanOptions{Duration: 100 * time.Millisecond}, func(phase string) {
		phases = append(phases, phase)
	})

	require.NoError(suite.T(), err)
	suite.Equal([]string{"Scanning", "Processing results"}, phases)
}

func (suite *ScannerTestSuite) TestDevicesSnapshotSorted() {
	// GOAL: Verify Devices returns a snapshot ordered by address.
	s := suite.newScanner(suite.adv1, suite.adv2, suite.adv3)

	_, err := s.Scan(context.Background(), &scanner.ScanOptions{Duration: 100 * time.Millisecond}, nil)
	require.NoError(suite.T(), err)

	devs := s.Devices()
	require.Len(suite.T(), devs, 3)
	suite.Equal("11:22:33:44:55:66", devs[0].Address())
	suite.Equal("99:88:77:66:55:44", devs[1].Address())
	suite.Equal("AA:BB:CC:DD:EE:FF", devs[2].Address())
}

// TestScannerTestSuite runs the test suite using testify/suite
func TestScannerTestSuite(t *testing.T) {
	suitelib.Run(t, new(ScannerTestSuite))
}
