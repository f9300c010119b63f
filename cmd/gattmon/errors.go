package main

import (
	"errors"
	"fmt"

	"github.com/srg/gattmon/internal/gatt"
)

// Command-level errors
var (
	// ErrConnectionLost indicates the BLE connection was unexpectedly lost
	// while a command was using it. This is distinct from
	// gatt.ErrNotConnected, which indicates an attempt to use a device that
	// was never connected or was already disconnected.
	ErrConnectionLost = errors.New("connection lost")
)

// formatUserError renders an error for the terminal without wrapping noise.
func formatUserError(err error) string {
	switch {
	case errors.Is(err, ErrConnectionLost):
		return fmt.Sprintf("%v - the device went away or out of range", err)
	case errors.Is(err, gatt.ErrNotConnected):
		return err.Error()
	default:
		return err.Error()
	}
}
