// Package gatt defines the client-side GATT data model and the narrow
// interfaces through which the discovery pipeline talks to a BLE host stack.
//
// The package contains:
//   - Attribute handle and connection handle types with their unbound sentinels
//   - Service, characteristic and descriptor records produced by discovery
//   - The characteristic properties bitset with capability helpers
//   - Client Characteristic Configuration (CCCD) encoding and parsing
//   - The Stack request interface and the EventHandler callback interface
//     that together model the asynchronous request/callback pairs of the
//     underlying host stack
//
// Everything here is passive data plus interface declarations; the state
// machine that drives discovery lives in internal/monitor and the concrete
// transport binding lives in internal/gatt/goble.
package gatt
