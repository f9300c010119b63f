package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/srg/gattmon/internal/bledb"
	"github.com/srg/gattmon/internal/collect"
	"github.com/srg/gattmon/internal/gatt"
	"github.com/srg/gattmon/internal/monitor"
	"github.com/srg/gattmon/internal/ptyio"
	"github.com/srg/gattmon/pkg/config"
	"github.com/srg/gattmon/session"
)

// monitorCmd represents the monitor command
var monitorCmd = &cobra.Command{
	Use:   "monitor <device-address>",
	Short: "Stream characteristic updates from a BLE device",
	Long: `Connects to a BLE device, subscribes to every characteristic that
supports notifications or indications, and prints each incoming value with
its timestamp and originating characteristic.

Values can additionally be mirrored to a pseudo-terminal so other tools can
consume them as a serial stream, and the most recent updates can be kept in
a tail buffer that is reprinted on exit.`,
	Args: cobra.ExactArgs(1),
	RunE: runMonitor,
}

var (
	monitorConnectTimeout   time.Duration
	monitorDiscoveryTimeout time.Duration
	monitorPolicy           string
	monitorPty              bool
	monitorSymlink          string
	monitorTail             int
	monitorVerbose          bool
)

const (
	// Capacity of the forwarding channel between the print loop and the
	// tail recorder. Forwards are non-blocking, so this only needs to absorb
	// short recorder stalls.
	tailChanCapacity = 16

	ptyReadCapacity  = 4096
	ptyWriteCapacity = 4096
)

func init() {
	monitorCmd.Flags().DurationVar(&monitorConnectTimeout, "connect-timeout", 30*time.Second, "Connection timeout")
	monitorCmd.Flags().DurationVar(&monitorDiscoveryTimeout, "discovery-timeout", 30*time.Second, "Timeout for discovery and subscription setup")
	monitorCmd.Flags().StringVar(&monitorPolicy, "policy", "", "Preference when both notify and indicate are available (notify, indicate)")
	monitorCmd.Flags().BoolVar(&monitorPty, "pty", false, "Mirror raw values to a pseudo-terminal")
	monitorCmd.Flags().StringVar(&monitorSymlink, "symlink", "", "Create a symlink to the pseudo-terminal at this path (implies --pty)")
	monitorCmd.Flags().IntVar(&monitorTail, "tail", 0, "Keep the last N updates and reprint them on exit")
	monitorCmd.Flags().BoolVarP(&monitorVerbose, "verbose", "v", false, "Verbose output")
}

func runMonitor(cmd *cobra.Command, args []string) error {
	address := args[0]

	// Configure logger based on --log-level and --verbose flags
	logger, err := configureLogger(cmd, "verbose")
	if err != nil {
		return err
	}

	cfg, err := config.LoadDefault()
	if err != nil {
		return err
	}

	opts := sessionOptionsFromConfig(cfg)
	if cmd.Flags().Changed("connect-timeout") {
		opts.ConnectTimeout = monitorConnectTimeout
	}
	if cmd.Flags().Changed("discovery-timeout") {
		opts.DiscoveryTimeout = monitorDiscoveryTimeout
	}
	if monitorPolicy != "" {
		policy, err := monitor.ParseSubscribePolicy(monitorPolicy)
		if err != nil {
			return err
		}
		opts.Policy = policy
	}
	if monitorTail < 0 {
		return fmt.Errorf("invalid tail size %d: must be non-negative", monitorTail)
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	// Handle Ctrl+C gracefully
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		<-sigChan
		fmt.Fprintln(os.Stderr, "\nCtrl+C pressed, stopping...")
		cancel()
	}()

	progress := NewProgressPrinter(fmt.Sprintf("Connecting to %s", address), "Connecting", "Listening", "Failed")
	progress.Start()
	defer progress.Stop()

	_, err = session.Run(ctx, address, opts, logger, progress.Callback(),
		func(s *session.Session) (struct{}, error) {
			return struct{}{}, streamUpdates(ctx, s, logger)
		})
	return err
}

// streamUpdates is the listening loop: it prints every update, optionally
// mirrors the raw value to a PTY, and feeds the tail recorder. It returns
// when the context is cancelled or the link drops.
func streamUpdates(ctx context.Context, s *session.Session, logger *logrus.Logger) error {
	labels := buildHandleLabels(s.Monitor().Characteristics())

	fmt.Fprintf(os.Stderr, "Listening on %s. Press Ctrl+C to stop...\n", s.Address())

	var mirror ptyio.PTY
	if monitorPty || monitorSymlink != "" {
		pty, err := ptyio.NewPty(ptyReadCapacity, ptyWriteCapacity, logger)
		if err != nil {
			return fmt.Errorf("failed to create pty: %w", err)
		}
		defer func() {
			logger.WithField("dropped_bytes", pty.Stats().DroppedWriteCount).Debug("closing pty")
			if err := pty.Close(); err != nil {
				logger.WithError(err).Warn("failed to close pty")
			}
		}()
		mirror = pty

		if monitorSymlink != "" {
			if err := os.Symlink(pty.TTYName(), monitorSymlink); err != nil {
				return fmt.Errorf("failed to create tty symlink %s -> %s: %w", monitorSymlink, pty.TTYName(), err)
			}
			// Remove the symlink before the PTY goes away so readers never
			// see a link to a dead device.
			defer func() {
				if err := os.Remove(monitorSymlink); err != nil {
					logger.WithError(err).Warnf("failed to remove tty symlink %s", monitorSymlink)
				}
			}()
			fmt.Fprintf(os.Stderr, "Mirroring values to %s (-> %s)\n", monitorSymlink, pty.TTYName())
		} else {
			fmt.Fprintf(os.Stderr, "Mirroring values to %s\n", pty.TTYName())
		}
	}

	var (
		tailCh   chan monitor.Update
		recorder *collect.Recorder[monitor.Update]
	)
	if monitorTail > 0 {
		tailCh = make(chan monitor.Update, tailChanCapacity)
		rec, err := collect.New(tailCh, uint32(monitorTail), func(err error) {
			logger.WithError(err).Warn("tail recorder error")
		})
		if err != nil {
			return fmt.Errorf("failed to create tail recorder: %w", err)
		}
		if err := rec.Start(); err != nil {
			return fmt.Errorf("failed to start tail recorder: %w", err)
		}
		recorder = rec
	}

	var printed uint64
	var runErr error

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-s.Disconnected():
			runErr = ErrConnectionLost
			break loop
		case u := <-s.Updates():
			fmt.Println(formatUpdateLine(u, labels))
			printed++
			if tailCh != nil {
				select {
				case tailCh <- u:
				default:
				}
			}
			if mirror != nil {
				if _, err := mirror.Write(u.Value); err != nil {
					logger.WithError(err).Warn("pty write failed")
				}
			}
		}
	}

	if recorder != nil {
		// The recorder exits on its own once the closed channel is drained;
		// stopping before that races the drain and can lose buffered entries.
		close(tailCh)
		deadline := time.Now().Add(time.Second)
		for recorder.GetState() == collect.StateRunning && time.Now().Before(deadline) {
			time.Sleep(time.Millisecond)
		}
		if err := recorder.Stop(); err != nil {
			logger.WithError(err).Warn("failed to stop tail recorder")
		}
		tail, err := recorder.Drain()
		if err != nil {
			logger.WithError(err).Warn("failed to drain tail buffer")
		}
		printTail(tail, labels)
	}

	metrics := s.ChannelMetrics()
	fmt.Fprintf(os.Stderr, "\nReceived %d updates (%d published, %d overwritten)\n",
		printed, metrics.Written, metrics.Overwritten)

	return runErr
}

// buildHandleLabels maps each value handle to a printable label combining the
// handle, the characteristic UUID and its assigned name when known.
func buildHandleLabels(chars []monitor.CharacteristicInfo) map[gatt.Handle]string {
	labels := make(map[gatt.Handle]string, len(chars))
	for _, c := range chars {
		label := fmt.Sprintf("%s %s", c.ValueHandle, c.UUID)
		if name := bledb.LookupCharacteristic(c.UUID); name != "" {
			label = fmt.Sprintf("%s (%s)", label, name)
		}
		labels[c.ValueHandle] = label
	}
	return labels
}

var charLabelColor = color.New(color.FgCyan).SprintFunc()

func formatUpdateLine(u monitor.Update, labels map[gatt.Handle]string) string {
	ts := time.UnixMicro(u.TsUs).Format("15:04:05.000")
	label := labels[u.Handle]
	if label == "" {
		label = u.Handle.String()
	}
	return fmt.Sprintf("%s  %s  %s  % x", ts, charLabelColor(label), u.Kind, u.Value)
}

func printTail(updates []monitor.Update, labels map[gatt.Handle]string) {
	if len(updates) == 0 {
		return
	}
	fmt.Printf("\nLast %d updates:\n", len(updates))
	for _, u := range updates {
		fmt.Println(formatUpdateLine(u, labels))
	}
}
