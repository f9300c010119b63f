package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/srg/gattmon/internal/bledb"
)

// resolveCmd represents the resolve command
var resolveCmd = &cobra.Command{
	Use:   "resolve <uuid>...",
	Short: "Resolve Bluetooth SIG UUIDs to their assigned names",
	Long: `Looks up the given UUIDs in the bundled Bluetooth SIG assigned-numbers
tables and prints the matching service, characteristic or descriptor names.
Accepts 16-bit short forms and full 128-bit UUIDs in any common notation.`,
	Args: func(cmd *cobra.Command, args []string) error {
		if all, err := cmd.Flags().GetBool("all"); err == nil && all {
			return nil
		}
		return cobra.MinimumNArgs(1)(cmd, args)
	},
	RunE: runResolve,
}

var (
	resolveFormat string
	resolveAll    bool
)

func init() {
	resolveCmd.Flags().StringVarP(&resolveFormat, "format", "f", "table", "Output format (table, json)")
	resolveCmd.Flags().BoolVar(&resolveAll, "all", false, "List every known service, characteristic and descriptor UUID")
}

type resolvedEntry struct {
	UUID string `json:"uuid"`
	Kind string `json:"kind"`
	Name string `json:"name,omitempty"`
}

func runResolve(cmd *cobra.Command, args []string) error {
	if resolveFormat != "table" && resolveFormat != "json" {
		return fmt.Errorf("invalid format '%s': must be one of [table json]", resolveFormat)
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	var entries []resolvedEntry
	if resolveAll {
		entries = append(entries, toResolved(bledb.Services())...)
		entries = append(entries, toResolved(bledb.Characteristics())...)
		entries = append(entries, toResolved(bledb.Descriptors())...)
	} else {
		entries = resolveEntries(args)
	}

	if resolveFormat == "json" {
		encoder := json.NewEncoder(cmd.OutOrStdout())
		encoder.SetIndent("", "  ")
		return encoder.Encode(entries)
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "UUID\tKIND\tNAME")
	fmt.Fprintln(w, strings.Repeat("-", 60))
	for _, e := range entries {
		name := e.Name
		if name == "" {
			name = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", e.UUID, e.Kind, name)
	}
	return w.Flush()
}

// resolveEntries looks up each argument, keeping unknown UUIDs in the output
// so the caller can see which ones did not match.
func resolveEntries(args []string) []resolvedEntry {
	out := make([]resolvedEntry, 0, len(args))
	for _, arg := range args {
		entry, ok := bledb.Lookup(arg)
		if !ok {
			out = append(out, resolvedEntry{UUID: bledb.NormalizeUUID(arg), Kind: "unknown"})
			continue
		}
		out = append(out, resolvedEntry{UUID: entry.UUID, Kind: string(entry.Kind), Name: entry.Name})
	}
	return out
}

func toResolved(entries []bledb.Entry) []resolvedEntry {
	out := make([]resolvedEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, resolvedEntry{UUID: e.UUID, Kind: string(e.Kind), Name: e.Name})
	}
	return out
}
