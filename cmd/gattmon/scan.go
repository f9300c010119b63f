package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/srg/gattmon/internal/gatt"
	"github.com/srg/gattmon/internal/gatt/goble"
	"github.com/srg/gattmon/pkg/config"
	"github.com/srg/gattmon/scanner"
)

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for BLE devices",
	Long: `Scan for and display Bluetooth Low Energy devices in the vicinity.

This command will scan for BLE devices and display information about
discovered devices, including their names, addresses, RSSI values, and
advertised services.`,
	RunE: runScan,
}

var (
	scanDuration  time.Duration
	scanFormat    string
	scanServices  []string
	scanAllowList []string
	scanBlockList []string
	scanAllowDup  bool
	scanWatch     bool
	scanVerbose   bool
)

// newScanner builds the scanner over the platform radio.
// This is a variable so that it can be overridden in tests.
var newScanner = func(logger *logrus.Logger) (*scanner.Scanner, error) {
	return scanner.NewScanner(goble.NewScanner(logger), logger)
}

func init() {
	scanCmd.Flags().DurationVarP(&scanDuration, "duration", "d", 10*time.Second, "Scan duration (0 for indefinite)")
	scanCmd.Flags().StringVarP(&scanFormat, "format", "f", "table", "Output format (table, json)")
	scanCmd.Flags().StringSliceVarP(&scanServices, "services", "s", nil, "Filter by service UUIDs")
	scanCmd.Flags().StringSliceVar(&scanAllowList, "allow", nil, "Only show devices with these addresses")
	scanCmd.Flags().StringSliceVar(&scanBlockList, "block", nil, "Hide devices with these addresses")
	scanCmd.Flags().BoolVar(&scanAllowDup, "allow-duplicates", true, "Deliver repeat advertisements (keeps RSSI and names fresh)")
	scanCmd.Flags().BoolVarP(&scanWatch, "watch", "w", false, "Continuously scan and update results")
	scanCmd.Flags().BoolVar(&scanVerbose, "verbose", false, "Verbose output")
}

func runScan(cmd *cobra.Command, args []string) error {
	// Configure logger based on --log-level and --verbose flags
	logger, err := configureLogger(cmd, "verbose")
	if err != nil {
		return err
	}

	cfg, err := config.LoadDefault()
	if err != nil {
		return err
	}

	// Flags override the config file
	duration := cfg.ScanTimeout
	if cmd.Flags().Changed("duration") {
		duration = scanDuration
	}
	format := cfg.OutputFormat
	if cmd.Flags().Changed("format") {
		format = scanFormat
	}

	// Validate format parameter
	validFormats := []string{"table", "json"}
	isValidFormat := false
	for _, f := range validFormats {
		if format == f {
			isValidFormat = true
			break
		}
	}
	if !isValidFormat {
		return fmt.Errorf("invalid format '%s': must be one of %v", format, validFormats)
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	// For watch mode, default to indefinite scan if no duration specified
	if scanWatch && !cmd.Flags().Changed("duration") {
		duration = 0
	}

	// Validate and normalize service UUIDs if provided
	var serviceUUIDs []string
	if len(scanServices) > 0 {
		serviceUUIDs, err = gatt.ValidateUUID(scanServices...)
		if err != nil {
			return fmt.Errorf("invalid service UUID: %w", err)
		}
	}

	s, err := newScanner(logger)
	if err != nil {
		return fmt.Errorf("failed to create BLE scanner: %w", err)
	}

	scanOpts := &scanner.ScanOptions{
		Duration:        duration,
		AllowDuplicates: scanAllowDup,
		ServiceUUIDs:    serviceUUIDs,
		AllowList:       scanAllowList,
		BlockList:       scanBlockList,
	}

	if scanWatch {
		return runWatchMode(s, scanOpts, format)
	}

	return runSingleScan(s, scanOpts, format, logger)
}

func runSingleScan(s *scanner.Scanner, opts *scanner.ScanOptions, format string, logger *logrus.Logger) error {
	// The scan duration is applied inside Scan; this context only carries
	// the Ctrl+C cancellation.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		fmt.Println("\nCtrl+C pressed, cancelling scan...")
		cancel()
	}()

	// Countdown matches the scan duration; zero counts up for indefinite scans.
	progress := NewCountdownProgressPrinter("Scanning for BLE devices", "Scanning", opts.Duration, "Processing results")
	progress.Start()
	defer progress.Stop()

	devices, err := s.Scan(ctx, opts, progress.Callback())
	if err != nil {
		logger.WithError(err).Error("scan failed")
		return err
	}
	return displayDevicesTableFromMap(devices, format)
}

func runWatchMode(s *scanner.Scanner, opts *scanner.ScanOptions, format string) error {
	// Scan until interrupted by the user.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		fmt.Println("\nCtrl+C pressed, cancelling scan...")
		cancel()
	}()

	// The table is assembled from the event stream alone, so the scan
	// goroutine shares nothing with this loop but the error channel.
	devices := make(map[string]scanner.DeviceEntry)

	scanErrCh := make(chan error, 1)
	go func() {
		_, err := s.Scan(ctx, opts, nil) // no progress callback in watch mode
		scanErrCh <- err
	}()

	printDeviceTable := func(err error) error {
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		clearScreen()
		return displayDevicesTableFromMap(devices, format)
	}

	// The ticker both repaints the table and keeps ctx.Done() checked when
	// the events channel is busy.
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	tickCount := 0

	for {
		select {
		case <-ctx.Done():
			return printDeviceTable(ctx.Err())

		case err := <-scanErrCh:
			// A real radio failure ends watch mode; normal completion keeps
			// the already-collected table on screen.
			if err != nil {
				return printDeviceTable(err)
			}

		case <-ticker.C:
			select {
			case <-ctx.Done():
				return printDeviceTable(nil)
			default:
			}

			tickCount++
			if tickCount == 10 {
				_ = printDeviceTable(nil)
				tickCount = 0
			}

		case ev := <-s.Events():
			devices[ev.Device.Address()] = scanner.DeviceEntry{
				Device:   ev.Device,
				LastSeen: ev.Timestamp,
			}
		}
	}
}

func displayDevicesTableFromMap(entries map[string]scanner.DeviceEntry, format string) error {
	if len(entries) == 0 {
		fmt.Println("No devices discovered")
		return nil
	}

	devList := make([]scanner.DeviceEntry, 0, len(entries))
	for _, e := range entries {
		devList = append(devList, e)
	}

	// Sort by Name, descending so named devices rank above the address-only
	// fallbacks that start with hex digits.
	sort.Slice(devList, func(i, j int) bool {
		return devList[i].Device.Name() > devList[j].Device.Name()
	})

	if format == "json" {
		devices := make([]*scanner.Device, len(devList))
		for i, e := range devList {
			devices[i] = e.Device
		}
		return displayDevicesJSON(devices)
	}
	return displayDevicesTable(devList)
}

func displayDevicesTable(entries []scanner.DeviceEntry) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tADDRESS\tRSSI\tSERVICES\tLAST SEEN")
	fmt.Fprintln(w, strings.Repeat("-", 80))

	for _, e := range entries {
		dev := e.Device
		name := dev.Name()
		if len(name) > 20 {
			name = name[:17] + "..."
		}

		services := strings.Join(dev.AdvertisedServices(), ",")
		if len(services) > 30 {
			services = services[:27] + "..."
		}

		lastSeen := time.Since(e.LastSeen).Truncate(time.Second)

		fmt.Fprintf(w, "%s\t%s\t%d dBm\t%s\t%s ago\n",
			name, dev.Address(), dev.RSSI(), services, lastSeen)
	}

	return w.Flush()
}

func displayDevicesJSON(devices []*scanner.Device) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(devices)
}

func clearScreen() {
	fmt.Print("\033[2J\033[H")
}
