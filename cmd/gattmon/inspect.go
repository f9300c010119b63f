package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/srg/gattmon/internal/bledb"
	"github.com/srg/gattmon/internal/monitor"
	"github.com/srg/gattmon/pkg/config"
	"github.com/srg/gattmon/session"
)

// inspectCmd represents the inspect command
var inspectCmd = &cobra.Command{
	Use:   "inspect <device-address>",
	Short: "Inspect services and characteristics of a BLE device",
	Long: `Connects to a BLE device by address, discovers its services and
characteristics, reads readable values and enables notifications where the
device supports them, then renders what was found.`,
	Args: cobra.ExactArgs(1),
	RunE: runInspect,
}

var (
	inspectConnectTimeout   time.Duration
	inspectDiscoveryTimeout time.Duration
	inspectFormat           string
	inspectPolicy           string
	inspectVerbose          bool
)

func init() {
	inspectCmd.Flags().DurationVar(&inspectConnectTimeout, "connect-timeout", 30*time.Second, "Connection timeout")
	inspectCmd.Flags().DurationVar(&inspectDiscoveryTimeout, "discovery-timeout", 30*time.Second, "Timeout for discovery and subscription setup")
	inspectCmd.Flags().StringVarP(&inspectFormat, "format", "f", "table", "Output format (table, json)")
	inspectCmd.Flags().StringVar(&inspectPolicy, "policy", "", "Preference when both notify and indicate are available (notify, indicate)")
	inspectCmd.Flags().BoolVarP(&inspectVerbose, "verbose", "v", false, "Verbose output")
}

// sessionOptionsFromConfig seeds session options from the config file values.
func sessionOptionsFromConfig(cfg *config.Config) *session.Options {
	return &session.Options{
		ConnectTimeout:     cfg.ConnectTimeout,
		DiscoveryTimeout:   cfg.DiscoveryTimeout,
		MaxValueLen:        cfg.MaxValueLen,
		MaxCharacteristics: cfg.MaxCharacteristics,
		Policy:             cfg.Policy(),
	}
}

func runInspect(cmd *cobra.Command, args []string) error {
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

	// Flags override the config file
	format := cfg.OutputFormat
	if cmd.Flags().Changed("format") {
		format = inspectFormat
	}
	if format != "table" && format != "json" {
		return fmt.Errorf("invalid format '%s': must be one of [table json]", format)
	}

	opts := sessionOptionsFromConfig(cfg)
	if cmd.Flags().Changed("connect-timeout") {
		opts.ConnectTimeout = inspectConnectTimeout
	}
	if cmd.Flags().Changed("discovery-timeout") {
		opts.DiscoveryTimeout = inspectDiscoveryTimeout
	}
	if inspectPolicy != "" {
		policy, err := monitor.ParseSubscribePolicy(inspectPolicy)
		if err != nil {
			return err
		}
		opts.Policy = policy
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	progress := NewProgressPrinter(fmt.Sprintf("Inspecting device %s", address), "Connecting", "Listening", "Failed")
	progress.Start()
	defer progress.Stop()

	report, err := session.Run(context.Background(), address, opts, logger, progress.Callback(),
		func(s *session.Session) (inspectReport, error) {
			return buildInspectReport(s), nil
		})
	if err != nil {
		return err
	}

	if format == "json" {
		return renderInspectJSON(report)
	}
	return renderInspectTable(report)
}

type inspectCharacteristic struct {
	UUID        string   `json:"uuid"`
	Name        string   `json:"name,omitempty"`
	DeclHandle  uint16   `json:"decl_handle"`
	ValueHandle uint16   `json:"value_handle"`
	EndHandle   uint16   `json:"end_handle"`
	Properties  []string `json:"properties"`
	Value       string   `json:"value,omitempty"` // hex
	Subscribed  bool     `json:"subscribed"`
	Mode        string   `json:"mode,omitempty"`
}

type inspectService struct {
	UUID            string                  `json:"uuid"`
	Name            string                  `json:"name,omitempty"`
	Handle          uint16                  `json:"handle"`
	EndHandle       uint16                  `json:"end_handle"`
	Characteristics []inspectCharacteristic `json:"characteristics"`
}

type inspectReport struct {
	Address  string           `json:"address"`
	MTU      int              `json:"mtu,omitempty"`
	Services []inspectService `json:"services"`
}

// buildInspectReport groups the discovered characteristics under their
// services by handle range and resolves assigned names.
func buildInspectReport(s *session.Session) inspectReport {
	report := inspectReport{
		Address: s.Address(),
		MTU:     s.Monitor().MTU(),
	}

	chars := s.Monitor().Characteristics()
	for _, svc := range s.Monitor().Services() {
		entry := inspectService{
			UUID:      svc.UUID,
			Name:      bledb.LookupService(svc.UUID),
			Handle:    uint16(svc.Handle),
			EndHandle: uint16(svc.EndHandle),
		}

		for _, c := range chars {
			if c.DeclHandle < svc.Handle || c.DeclHandle > svc.EndHandle {
				continue
			}
			ic := inspectCharacteristic{
				UUID:        c.UUID,
				Name:        bledb.LookupCharacteristic(c.UUID),
				DeclHandle:  uint16(c.DeclHandle),
				ValueHandle: uint16(c.ValueHandle),
				EndHandle:   uint16(c.EndHandle),
				Properties:  c.Props.Names(),
				Subscribed:  c.Subscribed,
			}
			if len(c.Value) > 0 {
				ic.Value = hex.EncodeToString(c.Value)
			}
			if c.Subscribed {
				ic.Mode = c.Mode.String()
			}
			entry.Characteristics = append(entry.Characteristics, ic)
		}

		report.Services = append(report.Services, entry)
	}
	return report
}

func renderInspectTable(report inspectReport) error {
	if report.MTU > 0 {
		fmt.Printf("Device %s  (MTU %d)\n\n", report.Address, report.MTU)
	} else {
		fmt.Printf("Device %s\n\n", report.Address)
	}

	if len(report.Services) == 0 {
		fmt.Println("No services discovered")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SERVICE\tCHARACTERISTIC\tNAME\tHANDLE\tPROPERTIES\tVALUE\tSUBSCRIPTION")
	fmt.Fprintln(w, strings.Repeat("-", 100))

	for _, svc := range report.Services {
		svcLabel := svc.UUID
		if svc.Name != "" {
			svcLabel = fmt.Sprintf("%s (%s)", svc.UUID, svc.Name)
		}

		if len(svc.Characteristics) == 0 {
			fmt.Fprintf(w, "%s\t-\t\t\t\t\t\n", svcLabel)
			continue
		}

		for i, c := range svc.Characteristics {
			label := svcLabel
			if i > 0 {
				label = ""
			}
			sub := "-"
			if c.Subscribed {
				sub = c.Mode
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t0x%04x\t%s\t%s\t%s\n",
				label, c.UUID, c.Name, c.ValueHandle,
				strings.Join(c.Properties, ","), displayValue(c.Value), sub)
		}
	}

	return w.Flush()
}

func renderInspectJSON(report inspectReport) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(report)
}

// displayValue renders a hex value for the table, preferring quoted text for
// fully printable payloads such as device-information strings.
func displayValue(hexValue string) string {
	if hexValue == "" {
		return "-"
	}
	raw, err := hex.DecodeString(hexValue)
	if err == nil && isPrintableASCII(raw) {
		return strconv.Quote(string(raw))
	}
	return hexValue
}

func isPrintableASCII(data []byte) bool {
	if len(data) == 0 {
		return false
	}
	for _, b := range data {
		if b < 32 || b > 126 {
			return false
		}
	}
	return true
}
