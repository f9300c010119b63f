package monitor

import "fmt"

// State is the discovery pipeline state. Transitions are strictly
// sequential: each state is entered only after the previous stage's
// asynchronous completion callback.
type State uint8

const (
	// StateIdle means no connection handle is bound.
	StateIdle State = iota

	// StateServiceDiscovery means whole-server service and characteristic
	// discovery is in flight.
	StateServiceDiscovery

	// StateCharRead means the current characteristic's value read is in
	// flight.
	StateCharRead

	// StateCharDescriptors means descriptor discovery for the current
	// characteristic is in flight.
	StateCharDescriptors

	// StateCharSubscribe means the CCCD enable write for the current
	// characteristic is in flight.
	StateCharSubscribe

	// StateListening is the steady terminal state: every registry record has
	// been processed and only the notification sink remains active.
	StateListening
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateServiceDiscovery:
		return "service-discovery"
	case StateCharRead:
		return "characteristic-read"
	case StateCharDescriptors:
		return "descriptor-discovery"
	case StateCharSubscribe:
		return "subscribe"
	case StateListening:
		return "listening"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// SubscribePolicy selects the CCCD enable bit when a characteristic
// advertises both notify and indicate capability. When only one capability
// is present, that one is used regardless of policy.
type SubscribePolicy uint8

const (
	// PreferNotify enables notifications when both capabilities are present.
	PreferNotify SubscribePolicy = iota
	// PreferIndicate enables indications when both capabilities are present.
	PreferIndicate
)

func (p SubscribePolicy) String() string {
	if p == PreferIndicate {
		return "prefer-indicate"
	}
	return "prefer-notify"
}

// ParseSubscribePolicy converts the CLI spelling of a policy.
func ParseSubscribePolicy(s string) (SubscribePolicy, error) {
	switch s {
	case "", "notify", "prefer-notify":
		return PreferNotify, nil
	case "indicate", "prefer-indicate":
		return PreferIndicate, nil
	default:
		return PreferNotify, fmt.Errorf("unknown subscribe policy %q (expected notify or indicate)", s)
	}
}
